package metrics

import "time"

// MetricsEvent is one measurement emitted by a session component. Tags are
// low-cardinality labels; Fields carry free-form detail for file sinks.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// Flusher is implemented by sinks that buffer writes.
type Flusher interface {
	Flush() error
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ev MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) {
	if f != nil {
		f(ev)
	}
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a nil-safe shorthand used by components holding an optional observer.
func Record(obs Observer, name string, value float64, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags, Fields: fields})
}
