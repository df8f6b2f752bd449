package audio

import (
	"fmt"
	"time"
)

// Settings describes the fixed audio contract for one pipeline run.
// Every chunk entering the run conforms to this shape.
type Settings struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	SampleWidth      int           `mapstructure:"sample_width"`
	Channels         int           `mapstructure:"channels"`
	ChunkSamples     int           `mapstructure:"chunk_samples"`
	NoiseSuppression int           `mapstructure:"noise_suppression"`
	AutoGain         int           `mapstructure:"auto_gain"`
	VolumeMultiplier float64       `mapstructure:"volume_multiplier"`
	SilenceTimeout   time.Duration `mapstructure:"silence_timeout"`
}

// DefaultSettings returns 16 kHz mono 16-bit PCM in 1024-sample chunks.
func DefaultSettings() Settings {
	return Settings{
		SampleRate:       16000,
		SampleWidth:      2,
		Channels:         1,
		ChunkSamples:     1024,
		VolumeMultiplier: 1.0,
	}
}

// ChunkBytes returns the byte length of one chunk.
func (s Settings) ChunkBytes() int {
	return s.ChunkSamples * s.SampleWidth * s.Channels
}

// ChunkDuration returns the wall-clock span covered by one chunk.
func (s Settings) ChunkDuration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.ChunkSamples) * time.Second / time.Duration(s.SampleRate)
}

func (s Settings) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", s.SampleRate)
	}
	switch s.SampleWidth {
	case 1, 2, 4:
	default:
		return fmt.Errorf("sample_width must be 1, 2 or 4 bytes, got %d", s.SampleWidth)
	}
	if s.Channels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", s.Channels)
	}
	if s.ChunkSamples <= 0 {
		return fmt.Errorf("chunk_samples must be positive, got %d", s.ChunkSamples)
	}
	if s.NoiseSuppression < 0 || s.NoiseSuppression > 4 {
		return fmt.Errorf("noise_suppression must be 0..4, got %d", s.NoiseSuppression)
	}
	if s.AutoGain < 0 || s.AutoGain > 31 {
		return fmt.Errorf("auto_gain must be 0..31 dBFS, got %d", s.AutoGain)
	}
	if s.VolumeMultiplier <= 0 {
		return fmt.Errorf("volume_multiplier must be positive, got %f", s.VolumeMultiplier)
	}
	return nil
}

// Format returns the wire format implied by these settings.
func (s Settings) Format() Format {
	return Format{
		Codec:      CodecPCM,
		SampleRate: s.SampleRate,
		BitDepth:   8 * s.SampleWidth,
		Channels:   s.Channels,
	}
}
