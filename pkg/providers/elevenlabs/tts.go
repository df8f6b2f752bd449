// Package elevenlabs provides text to speech over the ElevenLabs HTTP
// API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/logging"
	"github.com/naralabs/nara/pkg/resilience"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

// Settings configures the ElevenLabs engine.
type Settings struct {
	APIKey  string `mapstructure:"api_key"`
	VoiceID string `mapstructure:"voice_id"`
	ModelID string `mapstructure:"model_id"`
	// OutputFormat is an ElevenLabs format name such as "mp3_44100_128"
	// or "pcm_16000". Requests may override it via the output options.
	OutputFormat string        `mapstructure:"output_format"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Schema validates the settings block.
const Schema = `{
  "type": "object",
  "properties": {
    "api_key": {"type": "string", "minLength": 1},
    "voice_id": {"type": "string"},
    "model_id": {"type": "string"},
    "output_format": {"type": "string"},
    "base_url": {"type": "string"},
    "timeout": {"type": "string"}
  },
  "required": ["api_key"],
  "additionalProperties": false
}`

// Engine implements tts.Engine with one HTTP request per synthesis.
type Engine struct {
	settings Settings
	client   *http.Client
	logger   *slog.Logger
	retry    resilience.RetryPolicy
}

func New(settings Settings) *Engine {
	if settings.ModelID == "" {
		settings.ModelID = "eleven_turbo_v2_5"
	}
	if settings.OutputFormat == "" {
		settings.OutputFormat = "mp3_44100_128"
	}
	if settings.BaseURL == "" {
		settings.BaseURL = defaultBaseURL
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	return &Engine{
		settings: settings,
		client:   &http.Client{Timeout: settings.Timeout},
		logger:   logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
		retry:    resilience.NewRetryPolicy(2, 300*time.Millisecond),
	}
}

// Synthesize renders the text with the requested voice. The request
// voice wins over the configured one; an "output_format" option wins
// over the configured format.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	voice := req.Voice
	if voice == "" {
		voice = e.settings.VoiceID
	}
	if voice == "" {
		return tts.Result{}, errors.New("elevenlabs: no voice configured")
	}
	format := e.settings.OutputFormat
	if v, ok := req.Options["output_format"].(string); ok && v != "" {
		format = v
	}

	payload, err := json.Marshal(map[string]any{
		"text":     req.Text,
		"model_id": e.settings.ModelID,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
	})
	if err != nil {
		return tts.Result{}, err
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", e.settings.BaseURL, voice, format)
	start := time.Now()

	var audioBytes []byte
	err = e.retry.DoCtx(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("xi-api-key", e.settings.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", mimeFor(format))

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			return errorsx.Wrap(
				resilience.RateLimitError{Provider: "elevenlabs", Message: string(body)},
				errorsx.ReasonTTSRateLimit)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, parseDetail(body))
		}
		audioBytes, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return tts.Result{}, err
	}

	e.logger.Debug("synthesized",
		slog.Int("chars", len(req.Text)),
		slog.Int("bytes", len(audioBytes)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		slog.String("voice", voice),
		slog.String("format", format))

	return tts.Result{Audio: audioBytes, MIME: mimeFor(format)}, nil
}

func mimeFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(format, "opus"):
		return "audio/opus"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "audio/mpeg"
	}
}

func parseDetail(body []byte) string {
	var errResp struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail.Message != "" {
		return errResp.Detail.Message
	}
	return string(body)
}

var _ tts.Engine = (*Engine)(nil)
