package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "concierge"

// PrometheusObserver turns metrics events into Prometheus series on its own
// registry, so several instances can coexist in tests.
type PrometheusObserver struct {
	registry *prometheus.Registry

	actorsActive   prometheus.Gauge
	turnsTotal     *prometheus.CounterVec
	bargeIns       prometheus.Counter
	eventsEmitted  *prometheus.CounterVec
	listenerDrops  prometheus.Counter
	toolCalls      *prometheus.CounterVec
	preconditions  *prometheus.CounterVec
	modelCalls     *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	workflowSteps  *prometheus.CounterVec
	storeWrites    *prometheus.CounterVec
	exports        *prometheus.CounterVec
	breakerEvents  *prometheus.CounterVec
	latencySeconds *prometheus.HistogramVec
	rejected       *prometheus.CounterVec
	socketsActive  prometheus.Gauge
}

func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		actorsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actors_active",
			Help:      "Number of live conversation actors",
		}),
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns handled by outcome",
		}, []string{"outcome"}),
		bargeIns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Barge-in signals received",
		}),
		eventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Conversation events emitted by type",
		}, []string{"type"}),
		listenerDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_drops_total",
			Help:      "Listeners removed after a failed send",
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and status",
		}, []string{"tool", "status"}),
		preconditions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precondition_unmet_total",
			Help:      "Tool calls refused by an unmet precondition",
		}, []string{"tool", "precondition"}),
		modelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model adapter calls by operation and status",
		}, []string{"op", "status"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification gate outcomes",
		}, []string{"outcome"}),
		workflowSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Workflow steps observed by kind and step",
		}, []string{"kind", "step"}),
		storeWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Snapshot and buffer writes by status",
		}, []string{"status"}),
		exports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_exports_total",
			Help:      "Events exported to the event bus by status",
		}, []string{"status"}),
		breakerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_breaker_events_total",
			Help:      "Circuit breaker and rate limit events",
		}, []string{"event"}),
		latencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Turn latency checkpoints",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"checkpoint"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_rejected_total",
			Help:      "Client payloads rejected by route",
		}, []string{"route"}),
		socketsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_active",
			Help:      "Open realtime sockets",
		}),
	}
}

// Registry exposes the underlying registry.
func (p *PrometheusObserver) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	tag := func(k, fallback string) string {
		if v := ev.Tags[k]; v != "" {
			return v
		}
		return fallback
	}
	switch ev.Name {
	case EventActorCreated:
		p.actorsActive.Inc()
	case EventActorEvicted:
		p.actorsActive.Dec()
	case EventTurnCompleted:
		p.turnsTotal.WithLabelValues("completed").Inc()
	case EventTurnFailed:
		p.turnsTotal.WithLabelValues("failed").Inc()
	case EventBargeIn:
		p.bargeIns.Inc()
	case EventEmitted:
		p.eventsEmitted.WithLabelValues(tag("type", "unknown")).Inc()
	case EventListenerDropped:
		p.listenerDrops.Inc()
	case EventToolCall:
		p.toolCalls.WithLabelValues(tag("tool", "unknown"), tag("status", "ok")).Inc()
	case EventPreconditionUnmet:
		p.preconditions.WithLabelValues(tag("tool", "unknown"), tag("precondition", "unknown")).Inc()
	case EventModelCall:
		p.modelCalls.WithLabelValues(tag("op", "unknown"), tag("status", "ok")).Inc()
	case EventVerification:
		p.verifications.WithLabelValues(tag("outcome", "unknown")).Inc()
	case EventWorkflowStep:
		p.workflowSteps.WithLabelValues(tag("kind", "unknown"), tag("step", "unknown")).Inc()
	case EventStoreWrite:
		p.storeWrites.WithLabelValues(tag("status", "ok")).Inc()
	case EventEventExport:
		p.exports.WithLabelValues(tag("status", "ok")).Inc()
	case EventRateLimit, EventBreakerOpen, EventBreakerClose, EventBreakerDenied:
		p.breakerEvents.WithLabelValues(ev.Name).Inc()
	case EventFirstStatus:
		p.latencySeconds.WithLabelValues("first_status").Observe(ev.Value / 1000)
	case EventFirstToken:
		p.latencySeconds.WithLabelValues("first_token").Observe(ev.Value / 1000)
	case EventTurnLatency:
		p.latencySeconds.WithLabelValues("final").Observe(ev.Value / 1000)
	case EventPayloadRejected:
		p.rejected.WithLabelValues(tag("route", "unknown")).Inc()
	case EventSocketOpened:
		p.socketsActive.Inc()
	case EventSocketClosed:
		p.socketsActive.Dec()
	}
}
