package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples emitters from slow sinks. Events are dropped,
// and counted, when the buffer is full or the observer is closed.
type AsyncObserver struct {
	inner Observer
	done  chan struct{}

	// mu guards ch against close while a send is in progress.
	mu      sync.RWMutex
	ch      chan MetricsEvent
	closed  bool
	dropped atomic.Int64
	once    sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if inner == nil {
		inner = NoopObserver{}
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Pending returns how many events wait for the sink.
func (a *AsyncObserver) Pending() int {
	return len(a.ch)
}

// Close stops intake and waits until buffered events reached the sink.
// It is safe to call more than once.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
	if f, ok := a.inner.(Flusher); ok {
		_ = f.Flush()
	}
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
