package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/concierge/pkg/metrics"
)

// UsageSummary counts what one conversation consumed.
type UsageSummary struct {
	ConversationID string         `json:"conversation_id"`
	Turns          int            `json:"turns"`
	FailedTurns    int            `json:"failed_turns"`
	BargeIns       int            `json:"barge_ins"`
	Events         map[string]int `json:"events"`
	RecordedAtUTC  string         `json:"recorded_at_utc,omitempty"`
}

// UsageObserver aggregates per-conversation usage and writes one
// <id>.usage.json file per conversation on Close. Tool and model calls are
// not tagged with a conversation and are counted globally.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
	tools map[string]int
	model map[string]int
	now   func() time.Time
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{
		dir:   dir,
		stats: make(map[string]*UsageSummary),
		tools: make(map[string]int),
		model: make(map[string]int),
		now:   time.Now,
	}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventToolCall:
		o.tools[ev.Tags["tool"]]++
		return
	case metrics.EventModelCall:
		o.model[ev.Tags["op"]]++
		return
	}
	id := ev.Tags["conversation_id"]
	if id == "" {
		return
	}
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{ConversationID: id, Events: map[string]int{}}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventTurnCompleted:
		stat.Turns++
	case metrics.EventTurnFailed:
		stat.Turns++
		stat.FailedTurns++
	case metrics.EventBargeIn:
		stat.BargeIns++
	case metrics.EventEmitted:
		stat.Events[ev.Tags["type"]]++
	}
}

// Usage returns a copy of the summary of one conversation.
func (o *UsageObserver) Usage(conversationID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[conversationID]
	if !ok {
		return UsageSummary{}, false
	}
	out := *stat
	out.Events = make(map[string]int, len(stat.Events))
	for k, v := range stat.Events {
		out.Events[k] = v
	}
	return out, true
}

// ToolCalls returns the global per-tool call counts.
func (o *UsageObserver) ToolCalls() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.tools))
	for k, v := range o.tools {
		out[k] = v
	}
	return out
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = o.now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, fileID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

var _ metrics.Observer = (*UsageObserver)(nil)
