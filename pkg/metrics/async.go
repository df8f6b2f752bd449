package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples metric producers from the sink behind a
// bounded queue. A full queue drops the event and counts it; a stalled
// observer must never stall a run.
type AsyncObserver struct {
	inner   Observer
	queue   chan MetricsEvent
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		queue: make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closed.Load() {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on a full queue.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops intake and waits for queued events to reach the sink.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.queue)
		<-a.done
	})
}

func (a *AsyncObserver) drain() {
	for ev := range a.queue {
		a.inner.RecordEvent(ev)
	}
	close(a.done)
}
