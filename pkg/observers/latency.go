package observers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/concierge/pkg/metrics"
)

const latencyWindow = 512

// LatencyObserver joins the checkpoints of one turn into a single log line
// and keeps a window of final latencies for percentiles.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	finals []float64
	log    *slog.Logger
}

type trace struct {
	started     time.Time
	firstStatus float64
	firstToken  float64
	final       float64
	traceID     string
}

// LatencySummary is computed over the recent window.
type LatencySummary struct {
	Turns int
	P50   float64
	P95   float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil || ev.Tags["stream_id"] == "" {
		return
	}
	key := ev.Tags["conversation_id"] + "/" + ev.Tags["stream_id"]
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[key]
	if t == nil {
		t = &trace{firstStatus: -1, firstToken: -1, final: -1}
		o.traces[key] = t
	}
	if t.traceID == "" {
		t.traceID = ev.Tags["trace_id"]
	}
	switch ev.Name {
	case metrics.EventTurnStarted:
		t.started = ev.Time
	case metrics.EventFirstStatus:
		t.firstStatus = ev.Value
	case metrics.EventFirstToken:
		t.firstToken = ev.Value
	case metrics.EventTurnLatency:
		t.final = ev.Value
	case metrics.EventTurnCompleted, metrics.EventTurnFailed:
		o.logLocked(ev, t)
		delete(o.traces, key)
	}
}

func (o *LatencyObserver) logLocked(ev metrics.MetricsEvent, t *trace) {
	if t.final >= 0 {
		o.finals = append(o.finals, t.final)
		if len(o.finals) > latencyWindow {
			o.finals = o.finals[len(o.finals)-latencyWindow:]
		}
	}
	o.log.Info("latency",
		"conversation_id", ev.Tags["conversation_id"],
		"stream_id", ev.Tags["stream_id"],
		"trace_id", t.traceID,
		"first_status_ms", t.firstStatus,
		"first_token_ms", t.firstToken,
		"final_ms", t.final,
		"outcome", ev.Name,
	)
}

// Summary reports percentiles of the recent final latencies.
func (o *LatencyObserver) Summary() LatencySummary {
	o.mu.Lock()
	vals := append([]float64(nil), o.finals...)
	o.mu.Unlock()
	if len(vals) == 0 {
		return LatencySummary{}
	}
	sort.Float64s(vals)
	return LatencySummary{Turns: len(vals), P50: percentile(vals, 0.50), P95: percentile(vals, 0.95)}
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}
