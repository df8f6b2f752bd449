package pipeline

import (
	"sync"
	"time"
)

// CooldownGate tracks the last admitted detection per wake word so a
// word bouncing off nearby devices triggers only once. Shared by every
// run in the process; entries expire lazily on the next Admit.
type CooldownGate struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldownGate() *CooldownGate {
	return &CooldownGate{last: make(map[string]time.Time)}
}

var processCooldown = NewCooldownGate()

// DefaultCooldownGate returns the process-wide gate. State survives
// runs and resets only on process restart.
func DefaultCooldownGate() *CooldownGate {
	return processCooldown
}

// Admit records a detection of wakeWordID at t unless another one was
// admitted within window. Suppressed detections do not refresh the
// window.
func (g *CooldownGate) Admit(wakeWordID string, at time.Time, window time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if window > 0 {
		if prev, ok := g.last[wakeWordID]; ok && at.Sub(prev) < window {
			return false
		}
	}
	g.last[wakeWordID] = at
	return true
}

// Len reports how many wake words have an admitted detection on record.
func (g *CooldownGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
