// Package openwake provides wake word detection against an
// openWakeWord-style scoring server: PCM chunks go out as binary
// websocket messages, scores come back as JSON.
package openwake

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/naralabs/nara/pkg/engines/wake"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/logging"
)

// Settings configures the openwake engine.
type Settings struct {
	// URL of the scoring server, e.g. "ws://127.0.0.1:9002/score".
	URL string `mapstructure:"url"`
	// Threshold is the activation score required for a detection.
	Threshold   float64       `mapstructure:"threshold"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// Phrases maps model names to spoken phrases for event payloads.
	Phrases map[string]string `mapstructure:"phrases"`
}

// Schema validates the settings block.
const Schema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "dial_timeout": {"type": "string"},
    "phrases": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "required": ["url"],
  "additionalProperties": false
}`

// score is one activation report from the server.
type score struct {
	Model string  `json:"model"`
	Score float64 `json:"score"`
}

// Engine implements wake.Engine over one websocket per run. The
// connection is dialed on the first chunk and torn down on Close.
type Engine struct {
	settings Settings
	logger   *slog.Logger

	conn   *websocket.Conn
	scores chan score
	readMu sync.Mutex
	readEr error
	done   chan struct{}
}

func New(settings Settings) *Engine {
	if settings.Threshold <= 0 {
		settings.Threshold = 0.5
	}
	if settings.DialTimeout <= 0 {
		settings.DialTimeout = 3 * time.Second
	}
	return &Engine{
		settings: settings,
		logger:   logging.NewComponentLogger(slog.Default(), "openwake"),
	}
}

// ProcessChunk forwards the chunk and reports a detection once any
// model's score crosses the threshold. Scores may trail the audio by a
// few chunks.
func (e *Engine) ProcessChunk(ctx context.Context, chunk []byte) (*wake.Detection, error) {
	if e.conn == nil {
		if err := e.dial(ctx); err != nil {
			return nil, err
		}
	}

	if err := e.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonSTTSend)
	}

	for {
		select {
		case s := <-e.scores:
			if s.Score >= e.settings.Threshold {
				e.logger.Debug("wake_activation",
					slog.String("model", s.Model),
					slog.Float64("score", s.Score))
				return &wake.Detection{
					WakeWordID: s.Model,
					Phrase:     e.phraseFor(s.Model),
				}, nil
			}
		default:
			if err := e.readErr(); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
}

func (e *Engine) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, e.settings.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(dialCtx, e.settings.URL, nil)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("dial %s: %w", e.settings.URL, err), errorsx.ReasonSTTConnect)
	}
	e.conn = conn
	e.scores = make(chan score, 32)
	e.done = make(chan struct{})
	go e.readLoop()

	e.logger.Debug("openwake_connected", slog.String("url", e.settings.URL))
	return nil
}

func (e *Engine) readLoop() {
	defer close(e.done)
	for {
		var s score
		if err := e.conn.ReadJSON(&s); err != nil {
			e.readMu.Lock()
			if e.readEr == nil {
				e.readEr = err
			}
			e.readMu.Unlock()
			return
		}
		select {
		case e.scores <- s:
		default:
		}
	}
}

func (e *Engine) readErr() error {
	e.readMu.Lock()
	defer e.readMu.Unlock()
	if e.readEr == nil {
		return nil
	}
	if websocket.IsCloseError(e.readEr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("score stream: %w", e.readEr)
}

func (e *Engine) phraseFor(model string) string {
	if p, ok := e.settings.Phrases[model]; ok {
		return p
	}
	return strings.ReplaceAll(model, "_", " ")
}

func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	_ = e.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := e.conn.Close()
	select {
	case <-e.done:
	case <-time.After(time.Second):
	}
	e.conn = nil
	return err
}

var _ wake.Engine = (*Engine)(nil)
