// Package mock provides deterministic engines for development and
// tests. No network, no keys; behavior is scripted by config.
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/naralabs/nara/pkg/engines/wake"
)

// WakeConfig scripts the wake engine. With RMSThreshold set the engine
// detects on signal energy, which makes live-microphone demos work
// without a real model; otherwise it fires after TriggerAfter chunks.
type WakeConfig struct {
	WakeWordID   string  `mapstructure:"wake_word_id"`
	Phrase       string  `mapstructure:"phrase"`
	TriggerAfter int     `mapstructure:"trigger_after"`
	RMSThreshold float64 `mapstructure:"rms_threshold"`
}

type Wake struct {
	cfg    WakeConfig
	mu     sync.Mutex
	seen   int
	closed bool
}

func NewWake(cfg WakeConfig) *Wake {
	if cfg.WakeWordID == "" {
		cfg.WakeWordID = "nara"
	}
	if cfg.Phrase == "" {
		cfg.Phrase = "hey nara"
	}
	if cfg.TriggerAfter <= 0 {
		cfg.TriggerAfter = 3
	}
	return &Wake{cfg: cfg}
}

func (w *Wake) ProcessChunk(ctx context.Context, chunk []byte) (*wake.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, nil
	}
	w.seen++

	if w.cfg.RMSThreshold > 0 {
		if rms16(chunk) >= w.cfg.RMSThreshold {
			return w.detection(), nil
		}
		return nil, nil
	}
	if w.seen == w.cfg.TriggerAfter {
		return w.detection(), nil
	}
	return nil, nil
}

func (w *Wake) detection() *wake.Detection {
	return &wake.Detection{WakeWordID: w.cfg.WakeWordID, Phrase: w.cfg.Phrase}
}

func (w *Wake) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// Seen reports how many chunks were scanned.
func (w *Wake) Seen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen
}

// rms16 computes the normalized RMS of little-endian 16 bit samples.
func rms16(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}
	var sum float64
	n := len(chunk) / 2
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[2*i:]))
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

var _ wake.Engine = (*Wake)(nil)
