package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/metrics"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	err      error
	failures int
	calls    int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestNewDisabledModes(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"disabled", Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", Config{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := metrics.NewMemoryObserver()
			p := New(tt.cfg, nil, obs)
			assert.False(t, p.Enabled())

			p.Publish("conv-1", eventlog.Event{ID: 1, Type: eventlog.TypeFinal, Text: "hi"})
			require.NoError(t, p.Close())
			events := obs.Named(metrics.EventEventExport)
			require.Len(t, events, 1)
			assert.Equal(t, "logged", events[0].Tags["status"])
		})
	}
}

func TestPublishWritesKeyedMessagesInOrder(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, Config{Topic: "conversation.events", Principal: "concierge"}, nil, nil)

	for i := uint64(1); i <= 3; i++ {
		p.Publish("conv-1", eventlog.Event{ID: i, Type: eventlog.TypeToken, Text: "x"})
	}
	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	require.Len(t, w.msgs, 3)
	for i, msg := range w.msgs {
		assert.Equal(t, "conv-1", string(msg.Key))
		var rec Record
		require.NoError(t, json.Unmarshal(msg.Value, &rec))
		assert.Equal(t, uint64(i+1), rec.Event.ID)
		assert.Equal(t, "conv-1", rec.ConversationID)
	}
	assert.Equal(t, "token", string(w.msgs[0].Headers[0].Value))
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, Config{}, nil, nil)
	require.NoError(t, p.Close())
	p.Publish("conv-1", eventlog.Event{ID: 1})
	assert.Empty(t, w.msgs)
}

func TestWriteFailureIsRecorded(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := newPublisher(w, Config{Retries: 2, RetryBackoffMS: 1}, nil, obs)

	p.Publish("conv-1", eventlog.Event{ID: 1})
	require.NoError(t, p.Close())
	events := obs.Named(metrics.EventEventExport)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Tags["status"])
	assert.Equal(t, 3, w.calls)
}

func TestTransientWriteFailureIsRetried(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	w := &fakeWriter{failures: 2}
	p := newPublisher(w, Config{Retries: 3, RetryBackoffMS: 1}, nil, obs)

	p.Publish("conv-1", eventlog.Event{ID: 7, Type: eventlog.TypeFinal})
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, 3, w.calls)
	events := obs.Named(metrics.EventEventExport)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Tags["status"])
}
