package mock

import (
	"context"
	"sync"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/stt"
)

// STTConfig scripts the recognizer.
type STTConfig struct {
	// Transcript is returned once the audio feed closes.
	Transcript string `mapstructure:"transcript"`
	// Formats restricts what the engine claims to accept; empty
	// accepts everything.
	Formats []audio.Format
	// Err fails every Transcribe call.
	Err error
}

type STT struct {
	cfg STTConfig

	mu       sync.Mutex
	consumed int
}

func NewSTT(cfg STTConfig) *STT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &STT{cfg: cfg}
}

func (s *STT) SupportedFormats() []audio.Format {
	return s.cfg.Formats
}

// Transcribe drains the feed and returns the scripted transcript.
func (s *STT) Transcribe(ctx context.Context, meta stt.Metadata, chunks <-chan []byte) (stt.Result, error) {
	if s.cfg.Err != nil {
		return stt.Result{}, s.cfg.Err
	}
	for {
		select {
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return stt.Result{Text: s.cfg.Transcript}, nil
			}
			s.mu.Lock()
			s.consumed += len(chunk)
			s.mu.Unlock()
		}
	}
}

// ConsumedBytes reports how much audio all calls have drained.
func (s *STT) ConsumedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

var _ stt.Engine = (*STT)(nil)
