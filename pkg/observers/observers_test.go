package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/redact"
)

var at = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func turnTags(conv, stream string) map[string]string {
	return map[string]string{"conversation_id": conv, "stream_id": stream, "trace_id": "corr-" + stream}
}

func TestTimelineWritesPerConversation(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnStarted, Time: at, Tags: turnTags("conv-1", "1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnLatency, Time: at, Value: 42, Tags: turnTags("conv-1", "1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventToolCall, Time: at, Tags: map[string]string{"tool": "escalate"}})
	require.NoError(t, obs.Close())

	b, err := os.ReadFile(filepath.Join(dir, "conv-1.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2, "events without a conversation or trace id are skipped")
	var last timelineEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, metrics.EventTurnLatency, last.Event)
	assert.EqualValues(t, 42, last.Value)
	assert.Equal(t, "corr-1", last.TraceID)
}

func TestTimelineHidesPhoneKeysWhenRedacting(t *testing.T) {
	redact.SetEnabled(true)
	t.Cleanup(func() { redact.SetEnabled(false) })

	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBargeIn, Time: at, Tags: turnTags("+14155550142", "3")})
	require.NoError(t, obs.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "4155550142")
	b, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "4155550142")
	assert.Contains(t, string(b), "0142")
}

func TestLatencyObserverJoinsCheckpoints(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewJSONHandler(&buf, nil)))
	for i, final := range []float64{100, 300, 200} {
		stream := string(rune('1' + i))
		tags := turnTags("conv-1", stream)
		obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnStarted, Time: at, Tags: tags})
		obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFirstStatus, Value: 20, Tags: tags})
		obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnLatency, Value: final, Tags: tags})
		obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnCompleted, Tags: tags})
	}
	sum := obs.Summary()
	assert.Equal(t, 3, sum.Turns)
	assert.EqualValues(t, 200, sum.P50)
	assert.EqualValues(t, 300, sum.P95)
	assert.Equal(t, 3, strings.Count(buf.String(), `"msg":"latency"`))
	assert.Contains(t, buf.String(), `"first_token_ms":-1`)
	assert.Empty(t, obs.traces)
}

func TestUsageObserver(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	obs.now = func() time.Time { return at }
	tags := turnTags("conv-1", "1")
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnCompleted, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnFailed, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBargeIn, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventEmitted, Tags: map[string]string{"conversation_id": "conv-1", "type": "token"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventToolCall, Tags: map[string]string{"tool": "list_appointments", "status": "ok"}})

	u, ok := obs.Usage("conv-1")
	require.True(t, ok)
	assert.Equal(t, 2, u.Turns)
	assert.Equal(t, 1, u.FailedTurns)
	assert.Equal(t, 1, u.BargeIns)
	assert.Equal(t, 1, u.Events["token"])
	assert.Equal(t, map[string]int{"list_appointments": 1}, obs.ToolCalls())

	require.NoError(t, obs.Close())
	b, err := os.ReadFile(filepath.Join(dir, "conv-1.usage.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "2026-10-15T09:00:00Z")
}

func TestPurgeArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0o644))
	require.NoError(t, os.Chtimes(old, time.Now().Add(-48*time.Hour), time.Now().Add(-48*time.Hour)))

	n, err := PurgeArtifacts(dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)

	n, err = PurgeArtifacts("", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}
