// Package deepgram provides speech to text over the Deepgram live
// websocket API.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/logging"
	"github.com/naralabs/nara/pkg/resilience"
)

// Settings configures the Deepgram engine. Decoded from the provider
// settings block.
type Settings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	// FinishTimeout bounds the wait for trailing results after the
	// audio ends.
	FinishTimeout time.Duration `mapstructure:"finish_timeout"`
}

// Schema validates the settings block.
const Schema = `{
  "type": "object",
  "properties": {
    "api_key": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "smart_format": {"type": "boolean"},
    "utterance_end_ms": {"type": "integer", "minimum": 0},
    "finish_timeout": {"type": "string"}
  },
  "required": ["api_key"],
  "additionalProperties": false
}`

// Engine implements stt.Engine on the Deepgram live API. One websocket
// per Transcribe call.
type Engine struct {
	settings Settings
	logger   *slog.Logger
	retry    resilience.RetryPolicy
}

func New(settings Settings) *Engine {
	if settings.Model == "" {
		settings.Model = "nova-2"
	}
	if settings.FinishTimeout <= 0 {
		settings.FinishTimeout = 3 * time.Second
	}
	return &Engine{
		settings: settings,
		logger:   logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
	}
}

// SupportedFormats lists what the live API accepts. Rates are
// negotiated per request, so they stay open.
func (e *Engine) SupportedFormats() []audio.Format {
	return []audio.Format{
		{Codec: audio.CodecPCM},
		{Codec: audio.CodecMulaw},
		{Codec: audio.CodecOpus},
	}
}

func encodingFor(codec audio.Codec) string {
	switch codec {
	case audio.CodecMulaw:
		return "mulaw"
	case audio.CodecOpus:
		return "opus"
	default:
		return "linear16"
	}
}

// Transcribe streams the chunks into a live websocket and returns the
// accumulated final transcript once the feed closes.
func (e *Engine) Transcribe(ctx context.Context, meta stt.Metadata, chunks <-chan []byte) (stt.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.settings.Model,
		Language:       meta.Language,
		Encoding:       encodingFor(meta.Format.Codec),
		SampleRate:     meta.Format.SampleRate,
		Channels:       meta.Format.Channels,
		InterimResults: false,
		SmartFormat:    e.settings.SmartFormat,
	}
	if e.settings.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", e.settings.UtteranceEndMS)
	}
	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	cb := newCollector(e.logger)
	dgClient, err := client.NewWSUsingCallback(ctx, e.settings.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return stt.Result{}, errorsx.Wrap(fmt.Errorf("deepgram client: %w", err), errorsx.ReasonSTTConnect)
	}

	err = e.retry.DoCtx(ctx, func() error {
		if connected := dgClient.Connect(); !connected {
			return fmt.Errorf("deepgram connection failed")
		}
		return nil
	})
	if err != nil {
		return stt.Result{}, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	defer dgClient.Stop()

	e.logger.Debug("deepgram_connected",
		slog.String("model", e.settings.Model),
		slog.String("encoding", transcriptOptions.Encoding),
		slog.Int("sample_rate", transcriptOptions.SampleRate))

	pipeReader, pipeWriter := io.Pipe()
	go func() {
		if err := dgClient.Stream(pipeReader); err != nil && ctx.Err() == nil {
			e.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()

	var sent int
feed:
	for {
		select {
		case <-ctx.Done():
			pipeWriter.CloseWithError(ctx.Err())
			return stt.Result{}, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				break feed
			}
			if _, err := pipeWriter.Write(chunk); err != nil {
				return stt.Result{}, errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonSTTSend)
			}
			sent += len(chunk)
		}
	}
	pipeWriter.Close()

	// The socket delivers trailing finals after the audio ends; wait
	// for the server-side close, bounded by FinishTimeout.
	select {
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	case <-cb.closed:
	case <-time.After(e.settings.FinishTimeout):
		e.logger.Debug("deepgram_finish_timeout")
	}

	if err := cb.err(); err != nil {
		return stt.Result{}, errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	text := cb.transcript()
	e.logger.Debug("deepgram_transcribed",
		slog.Int("bytes_sent", sent),
		slog.Int("transcript_len", len(text)))
	return stt.Result{Text: text}, nil
}

// collector accumulates final transcript segments from the callback
// thread.
type collector struct {
	logger *slog.Logger
	closed chan struct{}

	mu       sync.Mutex
	segments []string
	firstErr error
}

func newCollector(logger *slog.Logger) *collector {
	return &collector{
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (c *collector) transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(strings.Join(c.segments, " "))
}

func (c *collector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstErr
}

func (c *collector) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *collector) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" || !(mr.IsFinal || mr.SpeechFinal) {
		return nil
	}
	c.mu.Lock()
	c.segments = append(c.segments, transcript)
	c.mu.Unlock()
	c.logger.Debug("transcript_received",
		slog.String("transcript", transcript),
		slog.Bool("speech_final", mr.SpeechFinal))
	return nil
}

func (c *collector) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *collector) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *collector) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *collector) Close(cr *msginterfaces.CloseResponse) error {
	c.logger.Debug("deepgram_connection_closed")
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *collector) Error(er *msginterfaces.ErrorResponse) error {
	c.mu.Lock()
	if c.firstErr == nil {
		c.firstErr = fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg)
	}
	c.mu.Unlock()
	c.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *collector) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.Engine = (*Engine)(nil)
