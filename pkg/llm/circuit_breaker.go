package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/resilience"
)

// ResilientModel wraps a Model with rate-limit retries and a circuit
// breaker. Streaming is passed through when the inner model streams.
type ResilientModel struct {
	inner   Model
	breaker *resilience.CircuitBreaker
	retry   RetryConfig
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewResilientModel(inner Model, breaker *resilience.CircuitBreaker, retry RetryConfig) *ResilientModel {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	if retry.IsRetryable == nil {
		retry.IsRetryable = resilience.IsRateLimit
	}
	return &ResilientModel{inner: inner, breaker: breaker, retry: retry}
}

func (m *ResilientModel) Name() string { return m.inner.Name() }

// SetObserver enables breaker and model-call metrics.
func (m *ResilientModel) SetObserver(obs metrics.Observer) { m.obs = obs }

func (m *ResilientModel) Generate(ctx context.Context, in GenerateInput) (Decision, error) {
	return guard(m, ctx, "generate", errorsx.ReasonModelGenerate, func(ctx context.Context) (Decision, error) {
		return m.inner.Generate(ctx, in)
	})
}

func (m *ResilientModel) Respond(ctx context.Context, in RespondInput) (string, error) {
	return guard(m, ctx, "respond", errorsx.ReasonModelGenerate, func(ctx context.Context) (string, error) {
		return m.inner.Respond(ctx, in)
	})
}

func (m *ResilientModel) SelectOption(ctx context.Context, text string, options []Option, kind SelectionKind) (string, error) {
	return guard(m, ctx, "select_option", errorsx.ReasonModelGenerate, func(ctx context.Context) (string, error) {
		return m.inner.SelectOption(ctx, text, options, kind)
	})
}

func (m *ResilientModel) Status(ctx context.Context, text, hint string) (string, error) {
	return guard(m, ctx, "status", errorsx.ReasonModelGenerate, func(ctx context.Context) (string, error) {
		return m.inner.Status(ctx, text, hint)
	})
}

// RespondStream opens a stream without retries; a stream cannot be replayed.
func (m *ResilientModel) RespondStream(ctx context.Context, in RespondInput) (<-chan string, error) {
	s, ok := CanStream(m.inner)
	if !ok {
		return nil, errorsx.New(errorsx.ReasonModelStream, "%s does not stream", m.inner.Name())
	}
	return guard(m, ctx, "respond_stream", errorsx.ReasonModelStream, func(ctx context.Context) (<-chan string, error) {
		return s.RespondStream(ctx, in)
	})
}

// Streams reports whether the wrapped model supports streaming.
func (m *ResilientModel) Streams() bool {
	_, ok := CanStream(m.inner)
	return ok
}

func guard[T any](m *ResilientModel, ctx context.Context, op string, reason errorsx.ReasonCode, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !m.breaker.Allow() {
		m.setOpen(true)
		m.record(metrics.EventBreakerDenied, op, "denied")
		return zero, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonModelCircuitOpen)
	}
	m.setOpen(false)

	retry := m.retry
	if op == "respond_stream" {
		retry.MaxAttempts = 1
	}
	out, err := Retry(ctx, retry, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil && resilience.IsRateLimit(err) {
			m.record(metrics.EventRateLimit, op, "rate_limited")
		}
		return v, err
	})
	if err != nil {
		m.breaker.OnError(err)
		m.record(metrics.EventModelCall, op, "error")
		if resilience.IsRateLimit(err) {
			return zero, errorsx.Wrap(err, errorsx.ReasonModelRateLimit)
		}
		return zero, errorsx.Wrap(err, reason)
	}
	m.breaker.OnSuccess()
	m.record(metrics.EventModelCall, op, "ok")
	return out, nil
}

func (m *ResilientModel) record(name, op, status string) {
	metrics.Record(m.obs, name, 1, map[string]string{
		"provider":  m.inner.Name(),
		"component": "llm",
		"op":        op,
		"status":    status,
	}, nil)
}

func (m *ResilientModel) setOpen(open bool) {
	m.mu.Lock()
	changed := m.open != open
	m.open = open
	m.mu.Unlock()
	if !changed {
		return
	}
	if open {
		m.record(metrics.EventBreakerOpen, "", "open")
		return
	}
	m.record(metrics.EventBreakerClose, "", "closed")
}
