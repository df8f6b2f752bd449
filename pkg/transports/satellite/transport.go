// Package satellite serves the websocket protocol spoken by voice
// satellite devices: JSON control messages on the text channel, raw
// PCM frames on the binary channel, one pipeline run at a time per
// connection.
package satellite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/transports"
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	PipelineID     string   `mapstructure:"pipeline_id"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":10700"
	}
	if c.Path == "" {
		c.Path = "/satellite"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	launcher transports.RunLauncher
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	ctx      context.Context

	mu       sync.Mutex
	sessions map[*session]struct{}

	draining atomic.Bool
}

func New(cfg Config, launcher transports.RunLauncher, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[*session]struct{}),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "satellite" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"listen_addr": t.cfg.Addr,
		"path":        t.cfg.Path,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx = ctx
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("satellite_server_error", "error", err)
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for s := range t.sessions {
		s.close()
	}
	t.sessions = make(map[*session]struct{})
	t.mu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := newSession(conn, r.RemoteAddr)
	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
	go s.writeLoop()

	defer func() {
		t.mu.Lock()
		delete(t.sessions, s)
		t.mu.Unlock()
		s.abort()
		s.close()
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			s.pushAudio(msg)
		case websocket.TextMessage:
			t.handleCommand(s, msg)
		}
	}
}

// command is the client side of the control channel.
type command struct {
	Type           string         `json:"type"`
	PipelineID     string         `json:"pipeline_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Language       string         `json:"language,omitempty"`
	SampleRate     int            `json:"sample_rate,omitempty"`
	Channels       int            `json:"channels,omitempty"`
	Wake           bool           `json:"wake,omitempty"`
	Phrase         string         `json:"phrase,omitempty"`
	TTSOutput      map[string]any `json:"tts_output,omitempty"`
}

func (t *Transport) handleCommand(s *session, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(errorsx.ReasonConfigInvalid, "malformed command")
		return
	}
	switch cmd.Type {
	case "run_start":
		t.startRun(s, cmd)
	case "audio_end":
		s.endAudio()
	case "cancel":
		s.cancelRun()
	default:
		s.sendError(errorsx.ReasonConfigInvalid, fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

func (t *Transport) startRun(s *session, cmd command) {
	if s.activeRun() != nil {
		s.sendError(errorsx.ReasonConfigInvalid, "run already active on this connection")
		return
	}
	pipelineID := cmd.PipelineID
	if pipelineID == "" {
		pipelineID = t.cfg.PipelineID
	}
	sampleRate := cmd.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := cmd.Channels
	if channels == 0 {
		channels = 1
	}
	settings := audio.DefaultSettings()
	settings.SampleRate = sampleRate
	settings.Channels = channels

	start := pipeline.StageSTT
	if cmd.Wake {
		start = pipeline.StageWake
	}
	deviceID := cmd.DeviceID
	if deviceID == "" {
		deviceID = s.remote
	}

	stream := make(chan []byte, 64)
	runDone := make(chan struct{})
	// Events start flowing the moment the run executes; hold them back
	// until run_started has been queued so the client sees it first.
	announced := make(chan struct{})
	events := func(ev pipeline.Event) {
		<-announced
		s.sendEvent(ev)
		if ev.Type.Terminal() {
			close(runDone)
		}
	}

	in, err := t.launcher.StartRun(t.runContext(), transports.RunRequest{
		PipelineID:     pipelineID,
		StartStage:     start,
		EndStage:       pipeline.StageTTS,
		ConversationID: cmd.ConversationID,
		DeviceID:       deviceID,
		WakeWordPhrase: cmd.Phrase,
		TTSOutput:      cmd.TTSOutput,
		STTMetadata: &stt.Metadata{
			Language: cmd.Language,
			Format: audio.Format{
				Codec:      audio.CodecPCM,
				SampleRate: sampleRate,
				BitDepth:   16,
				Channels:   channels,
			},
		},
		Stream:        stream,
		AudioSettings: &settings,
		Events:        events,
	})
	if err != nil {
		close(announced)
		s.sendError(errorsx.Reason(err), err.Error())
		return
	}
	s.setRun(in, stream, runDone)
	s.sendJSON(map[string]any{"type": "run_started", "run_id": in.ID()})
	close(announced)

	go func() {
		<-runDone
		s.deliverAudio(in)
	}()
}

func (t *Transport) runContext() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
