package observers

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/naralabs/nara/pkg/metrics"
)

// LoggerObserver mirrors every metric onto the debug log.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.TODO(), slog.LevelDebug, "metrics", attrs...)
}

// MultiObserver fans each metric out to every inner observer.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Close flushes and closes every inner observer that supports it.
func (m *MultiObserver) Close() error {
	var err error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if ferr := f.Flush(); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
		if c, ok := obs.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}
	return err
}
