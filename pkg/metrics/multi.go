package metrics

// MultiObserver fans one event out to several sinks.
type MultiObserver struct {
	sinks []Observer
}

func NewMultiObserver(sinks ...Observer) *MultiObserver {
	out := make([]Observer, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiObserver{sinks: out}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, s := range m.sinks {
		s.RecordEvent(ev)
	}
}

func (m *MultiObserver) Flush() error {
	var first error
	for _, s := range m.sinks {
		if f, ok := s.(Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
