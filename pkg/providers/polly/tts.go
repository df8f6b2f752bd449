// Package polly provides text to speech on Amazon Polly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/logging"
	"github.com/naralabs/nara/pkg/resilience"
)

// synthClient narrows the Polly SDK so tests can stub synthesis.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Settings configures the Polly engine.
type Settings struct {
	Region  string `mapstructure:"region"`
	VoiceID string `mapstructure:"voice_id"`
	// Engine is Polly's synthesis engine, "standard" or "neural".
	Engine string `mapstructure:"engine"`
	// OutputFormat is "mp3", "ogg_vorbis" or "pcm".
	OutputFormat string        `mapstructure:"output_format"`
	SampleRate   string        `mapstructure:"sample_rate"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Schema validates the settings block.
const Schema = `{
  "type": "object",
  "properties": {
    "region": {"type": "string"},
    "voice_id": {"type": "string"},
    "engine": {"type": "string", "enum": ["standard", "neural"]},
    "output_format": {"type": "string", "enum": ["mp3", "ogg_vorbis", "pcm"]},
    "sample_rate": {"type": "string"},
    "timeout": {"type": "string"}
  },
  "additionalProperties": false
}`

// Engine implements tts.Engine on Amazon Polly. The AWS client is
// resolved lazily from the default credential chain; tests inject one.
type Engine struct {
	settings Settings
	logger   *slog.Logger

	mu     sync.Mutex
	client synthClient
}

func New(settings Settings) *Engine {
	return NewWithClient(settings, nil)
}

func NewWithClient(settings Settings, client synthClient) *Engine {
	if strings.TrimSpace(settings.Region) == "" {
		settings.Region = "us-east-1"
	}
	if strings.TrimSpace(settings.VoiceID) == "" {
		settings.VoiceID = "Joanna"
	}
	if strings.TrimSpace(settings.Engine) == "" {
		settings.Engine = "neural"
	}
	if strings.TrimSpace(settings.OutputFormat) == "" {
		settings.OutputFormat = "mp3"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 15 * time.Second
	}
	return &Engine{
		settings: settings,
		logger:   logging.NewComponentLogger(slog.Default(), "polly_tts"),
		client:   client,
	}
}

// Synthesize renders the text with the requested voice, falling back to
// the configured voice.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	client, err := e.resolveClient(ctx)
	if err != nil {
		return tts.Result{}, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	voice := req.Voice
	if voice == "" {
		voice = e.settings.VoiceID
	}
	format := e.settings.OutputFormat
	if v, ok := req.Options["output_format"].(string); ok && v != "" {
		format = v
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(e.settings.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, e.settings.Timeout)
	defer cancel()

	input := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: outputFormat(format),
		Text:         &req.Text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	}
	if e.settings.SampleRate != "" {
		input.SampleRate = &e.settings.SampleRate
	}

	start := time.Now()
	output, err := client.SynthesizeSpeech(ctx, input)
	if err != nil {
		return tts.Result{}, normalizeError(err)
	}
	if output == nil || output.AudioStream == nil {
		return tts.Result{}, errors.New("polly returned no audio stream")
	}
	defer output.AudioStream.Close()

	audioBytes, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return tts.Result{}, fmt.Errorf("read polly audio: %w", err)
	}

	e.logger.Debug("synthesized",
		slog.Int("chars", len(req.Text)),
		slog.Int("bytes", len(audioBytes)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		slog.String("voice", voice),
		slog.String("format", format))

	return tts.Result{Audio: audioBytes, MIME: mimeFor(format)}, nil
}

func outputFormat(format string) pollytypes.OutputFormat {
	switch format {
	case "pcm":
		return pollytypes.OutputFormatPcm
	case "ogg_vorbis":
		return pollytypes.OutputFormatOggVorbis
	default:
		return pollytypes.OutputFormatMp3
	}
}

func mimeFor(format string) string {
	switch format {
	case "pcm":
		return "audio/pcm"
	case "ogg_vorbis":
		return "audio/ogg"
	default:
		return "audio/mpeg"
	}
}

func normalizeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "TooManyRequestsException" {
			return errorsx.Wrap(
				resilience.RateLimitError{Provider: "polly", Message: apiErr.ErrorMessage()},
				errorsx.ReasonTTSRateLimit)
		}
		return fmt.Errorf("polly %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}

func (e *Engine) resolveClient(ctx context.Context) (synthClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(e.settings.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	e.client = polly.NewFromConfig(awsCfg)
	return e.client, nil
}

var _ tts.Engine = (*Engine)(nil)
