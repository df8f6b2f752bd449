package mock

import (
	"context"
	"sync"
	"time"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/tts"
)

// TTSConfig scripts the synthesizer.
type TTSConfig struct {
	// SpeechDuration sizes the silent WAV returned per request.
	SpeechDuration time.Duration `mapstructure:"speech_duration"`
	SampleRate     int           `mapstructure:"sample_rate"`
	// Err fails every Synthesize call.
	Err error
}

// TTS emits silent WAV audio sized to the configured duration.
type TTS struct {
	cfg TTSConfig

	mu   sync.Mutex
	last tts.Request
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.SpeechDuration <= 0 {
		cfg.SpeechDuration = 300 * time.Millisecond
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &TTS{cfg: cfg}
}

func (t *TTS) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if t.cfg.Err != nil {
		return tts.Result{}, t.cfg.Err
	}
	t.mu.Lock()
	t.last = req
	t.mu.Unlock()

	settings := audio.DefaultSettings()
	settings.SampleRate = t.cfg.SampleRate
	samples := int(float64(settings.SampleRate) * t.cfg.SpeechDuration.Seconds())
	pcm := make([]byte, samples*settings.SampleWidth*settings.Channels)

	wav, err := audio.EncodeWAV(settings, pcm)
	if err != nil {
		return tts.Result{}, err
	}
	return tts.Result{Audio: wav, MIME: "audio/wav"}, nil
}

// LastRequest returns the most recent synthesis request.
func (t *TTS) LastRequest() tts.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

var _ tts.Engine = (*TTS)(nil)
