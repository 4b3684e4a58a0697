package metrics

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 8)
	for i := 0; i < 5; i++ {
		a.RecordEvent(MetricsEvent{Name: EventEmitted})
	}
	a.Close()
	assert.Len(t, mem.Named(EventEmitted), 5)

	a.RecordEvent(MetricsEvent{Name: EventEmitted})
	assert.Len(t, mem.Named(EventEmitted), 5, "closed observer ignores events")
}

func TestAsyncObserverCountsDropsAfterClose(t *testing.T) {
	var seen []string
	a := NewAsyncObserver(ObserverFunc(func(ev MetricsEvent) { seen = append(seen, ev.Name) }), 4)
	Record(a, EventBargeIn, 1, nil, nil)
	a.Close()
	a.Close()
	Record(a, EventBargeIn, 1, nil, nil)
	Record(a, EventBargeIn, 1, nil, nil)

	assert.Equal(t, []string{EventBargeIn}, seen)
	assert.Equal(t, int64(2), a.Dropped())
	assert.Zero(t, a.Pending())
}

func TestRecordToleratesNilObserver(t *testing.T) {
	assert.NotPanics(t, func() {
		Record(nil, EventEmitted, 1, nil, nil)
		var f ObserverFunc
		f.RecordEvent(MetricsEvent{Name: EventEmitted})
	})
}

func TestSamplingObserverOnlySamplesNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventEmitted)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: EventEmitted})
		s.RecordEvent(MetricsEvent{Name: EventToolCall})
	}
	assert.Len(t, mem.Named(EventEmitted), 2)
	assert.Len(t, mem.Named(EventToolCall), 8)
}

func TestJSONLObserverWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	NewJSONLObserver(&buf).RecordEvent(MetricsEvent{Name: EventToolCall, Value: 1, Tags: map[string]string{"tool": "escalate"}})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "metrics", line["msg"])
	assert.Equal(t, EventToolCall, line["name"])
	assert.Equal(t, "escalate", line["tool"])
}

func TestMultiObserverSkipsNil(t *testing.T) {
	a, b := NewMemoryObserver(), NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	m.RecordEvent(MetricsEvent{Name: EventBargeIn})
	assert.Len(t, a.Events, 1)
	assert.Len(t, b.Events, 1)
}

func TestPrometheusObserverCounts(t *testing.T) {
	p := NewPrometheusObserver()
	p.RecordEvent(MetricsEvent{Name: EventToolCall, Tags: map[string]string{"tool": "list_appointments", "status": "ok"}})
	p.RecordEvent(MetricsEvent{Name: EventToolCall, Tags: map[string]string{"tool": "list_appointments", "status": "ok"}})
	p.RecordEvent(MetricsEvent{Name: EventActorCreated})
	p.RecordEvent(MetricsEvent{Name: EventBargeIn})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.toolCalls.WithLabelValues("list_appointments", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.actorsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.bargeIns))
}
