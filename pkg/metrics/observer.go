// Package metrics defines the event stream every run emits and the
// plumbing observers that move it: async buffering, sampling and a
// JSON-lines writer. Domain-aware observers live in pkg/observers.
package metrics

import "time"

// MetricsEvent is one measurement. Tags identify the series (run id,
// pipeline id, event type); Fields carry free-form payload data.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer receives every metric. RecordEvent must not block; slow
// sinks belong behind an AsyncObserver.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// Flusher is implemented by observers that buffer writes.
type Flusher interface {
	Flush() error
}

// NoopObserver discards everything; the default when no observer is
// configured.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
