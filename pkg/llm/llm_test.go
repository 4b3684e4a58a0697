package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/resilience"
)

func TestPruneHistoryKeepsSystemAndNewest(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "rules"},
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}
	out := PruneHistory(msgs, 2, 0)
	require.Len(t, out, 3)
	assert.Equal(t, "rules", out[0].Content)
	assert.Equal(t, "two", out[1].Content)
	assert.Equal(t, "three", out[2].Content)
	assert.Len(t, msgs, 4, "input is not modified")
}

func TestPruneHistoryByTokens(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "a b c d"},
		{Role: "assistant", Content: "e f"},
		{Role: "user", Content: "g"},
	}
	out := PruneHistory(msgs, 0, 3)
	require.Len(t, out, 2)
	assert.Equal(t, "e f", out[0].Content)
}

func TestConfirmationIntent(t *testing.T) {
	cases := []struct {
		text    string
		yes, no bool
	}{
		{"Yes, please cancel it", true, false},
		{"no keep it", false, true},
		{"1", true, false},
		{"press 2", false, true},
		{"I don't want that", false, true},
		{"hmm what time is it", false, false},
	}
	for _, tc := range cases {
		yes, no := ConfirmationIntent(tc.text)
		assert.Equal(t, tc.yes, yes, tc.text)
		assert.Equal(t, tc.no, no, tc.text)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{MaxAttempts: 4, Sleep: func(time.Duration) {}}, func(context.Context) (string, error) {
		calls++
		return "", context.Canceled
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromRateLimit(t *testing.T) {
	calls := 0
	out, err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Sleep: func(time.Duration) {}}, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, resilience.RateLimitError{Provider: "fake"}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestRetryBackoffEndsWhenTurnIsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Second}, func(context.Context) (int, error) {
		calls++
		return 0, resilience.RateLimitError{Provider: "fake"}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type flakyModel struct {
	errs []error
	n    int
}

func (f *flakyModel) Name() string { return "flaky" }

func (f *flakyModel) next() error {
	if f.n >= len(f.errs) {
		return nil
	}
	err := f.errs[f.n]
	f.n++
	return err
}

func (f *flakyModel) Generate(context.Context, GenerateInput) (Decision, error) {
	if err := f.next(); err != nil {
		return Decision{}, err
	}
	return Decision{Text: "hello"}, nil
}

func (f *flakyModel) Respond(context.Context, RespondInput) (string, error) { return "ok", f.next() }

func (f *flakyModel) SelectOption(context.Context, string, []Option, SelectionKind) (string, error) {
	return "", f.next()
}

func (f *flakyModel) Status(context.Context, string, string) (string, error) { return "", f.next() }

func TestResilientModelOpensBreaker(t *testing.T) {
	rl := resilience.RateLimitError{Provider: "flaky"}
	inner := &flakyModel{errs: []error{rl, rl, rl, rl}}
	obs := metrics.NewMemoryObserver()
	m := NewResilientModel(inner, resilience.NewCircuitBreaker(2, time.Minute), RetryConfig{MaxAttempts: 1, Sleep: func(time.Duration) {}})
	m.SetObserver(obs)

	_, err := m.Generate(context.Background(), GenerateInput{})
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonModelRateLimit))
	_, err = m.Generate(context.Background(), GenerateInput{})
	require.Error(t, err)

	_, err = m.Generate(context.Background(), GenerateInput{})
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonModelCircuitOpen))
	assert.Len(t, obs.Named(metrics.EventBreakerDenied), 1)
	assert.Equal(t, 2, inner.n, "denied call never reaches the provider")
}

func TestResilientModelWithoutStreaming(t *testing.T) {
	m := NewResilientModel(&flakyModel{}, nil, RetryConfig{})
	assert.False(t, m.Streams())
	_, err := m.RespondStream(context.Background(), RespondInput{})
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonModelStream))
}
