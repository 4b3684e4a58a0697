package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events whose name is in
// names; other events always pass. An empty names set samples everything.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	names       map[string]struct{}
	counter     uint64
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, sampleEvery: every, names: set}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if len(s.names) > 0 {
		if _, ok := s.names[ev.Name]; !ok {
			s.inner.RecordEvent(ev)
			return
		}
	}
	switch s.sampleEvery {
	case 0:
		return
	case 1:
		s.inner.RecordEvent(ev)
		return
	}
	if atomic.AddUint64(&s.counter, 1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
