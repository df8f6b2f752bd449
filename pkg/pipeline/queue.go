package pipeline

import "sync"

// QueuedSink decouples event emission from event consumption: Emit
// never blocks on the callback, the callback sees every event in
// emission order, and Close waits until the queue is drained. Unlike a
// bounded channel, nothing is dropped; a slow consumer only grows the
// queue.
type QueuedSink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
	fn     EventSink
}

func NewQueuedSink(fn EventSink) *QueuedSink {
	q := &QueuedSink{
		fn:   fn,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.drain()
	return q
}

// Emit enqueues one event. Calls after Close are ignored.
func (q *QueuedSink) Emit(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, ev)
	q.cond.Signal()
	q.mu.Unlock()
}

// Close flushes the queue and blocks until every event was delivered.
// Safe to call more than once.
func (q *QueuedSink) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *QueuedSink) drain() {
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.queue) == 0 && q.closed {
			q.mu.Unlock()
			close(q.done)
			return
		}
		batch := q.queue
		q.queue = nil
		q.mu.Unlock()

		for _, ev := range batch {
			q.fn(ev)
		}
	}
}
