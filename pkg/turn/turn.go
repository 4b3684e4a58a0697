// Package turn tracks the lifecycle of inbound messages: one stream id and
// one cancellation context per turn, the speaking flag, and per-turn
// bookkeeping that ends up on the persisted turn record.
package turn

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/concierge/pkg/eventlog"
)

var (
	// ErrBargeIn is the cancellation cause when the user interrupts.
	ErrBargeIn = errors.New("barge-in")
	// ErrSuperseded is the cancellation cause when a newer turn starts.
	ErrSuperseded = errors.New("superseded by newer turn")
	// ErrTurnDone is the cause recorded when a turn ends normally.
	ErrTurnDone = errors.New("turn complete")
)

// Meta is the structured record of what a turn did.
type Meta struct {
	ModelCalls  []string `json:"modelCalls"`
	Decision    string   `json:"decision,omitempty"`
	ToolCalls   []string `json:"toolCalls"`
	StatusTexts []string `json:"statusTexts"`
}

// Checkpoints are the latency markers of a turn.
type Checkpoints struct {
	Start       time.Time `json:"start"`
	FirstStatus time.Time `json:"firstStatus,omitempty"`
	FirstToken  time.Time `json:"firstToken,omitempty"`
	Final       time.Time `json:"final,omitempty"`
}

// Turn is the explicit per-turn context threaded through every call made
// while handling one inbound message.
type Turn struct {
	StreamID      uint64
	TurnID        string
	MessageID     string
	CorrelationID string

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	meta        Meta
	checkpoints Checkpoints
	lastStatus  string
}

// Context is the cancellation token of the turn.
func (t *Turn) Context() context.Context { return t.ctx }

// Canceled reports whether output of this turn must be dropped.
func (t *Turn) Canceled() bool {
	err := context.Cause(t.ctx)
	return err != nil && !errors.Is(err, ErrTurnDone)
}

// Cause returns why the turn was canceled, or nil.
func (t *Turn) Cause() error {
	if !t.Canceled() {
		return nil
	}
	return context.Cause(t.ctx)
}

// Ref returns the identifiers stamped on events emitted by this turn.
func (t *Turn) Ref() eventlog.TurnRef {
	if t == nil {
		return eventlog.TurnRef{}
	}
	return eventlog.TurnRef{TurnID: t.TurnID, MessageID: t.MessageID}
}

// RecordModelCall appends a model operation name to the turn meta.
func (t *Turn) RecordModelCall(op string) {
	t.mu.Lock()
	t.meta.ModelCalls = append(t.meta.ModelCalls, op)
	t.mu.Unlock()
}

// RecordDecision stores the decision the model took.
func (t *Turn) RecordDecision(decision string) {
	t.mu.Lock()
	t.meta.Decision = decision
	t.mu.Unlock()
}

// RecordToolCall appends a tool name to the turn meta.
func (t *Turn) RecordToolCall(name string) {
	t.mu.Lock()
	t.meta.ToolCalls = append(t.meta.ToolCalls, name)
	t.mu.Unlock()
}

// RecordStatus notes a status text. It returns false when text repeats the
// previous status, in which case callers skip emitting it.
func (t *Turn) RecordStatus(text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == "" || text == t.lastStatus {
		return false
	}
	t.lastStatus = text
	t.meta.StatusTexts = append(t.meta.StatusTexts, text)
	if t.checkpoints.FirstStatus.IsZero() {
		t.checkpoints.FirstStatus = time.Now()
	}
	return true
}

// MarkToken records the first-token checkpoint.
func (t *Turn) MarkToken() {
	t.mu.Lock()
	if t.checkpoints.FirstToken.IsZero() {
		t.checkpoints.FirstToken = time.Now()
	}
	t.mu.Unlock()
}

// MarkFinal records the final checkpoint.
func (t *Turn) MarkFinal() {
	t.mu.Lock()
	if t.checkpoints.Final.IsZero() {
		t.checkpoints.Final = time.Now()
	}
	t.mu.Unlock()
}

// Meta returns a copy of the turn meta.
func (t *Turn) Meta() Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.meta
	m.ModelCalls = append([]string{}, t.meta.ModelCalls...)
	m.ToolCalls = append([]string{}, t.meta.ToolCalls...)
	m.StatusTexts = append([]string{}, t.meta.StatusTexts...)
	return m
}

// Checkpoints returns a copy of the latency markers.
func (t *Turn) Checkpoints() Checkpoints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpoints
}

func newTurn(parent context.Context, streamID uint64, messageID, correlationID string) *Turn {
	ctx, cancel := context.WithCancelCause(parent)
	if messageID == "" {
		messageID = "msg-" + strconv.FormatUint(streamID, 10)
	}
	return &Turn{
		StreamID:      streamID,
		TurnID:        "turn-" + strconv.FormatUint(streamID, 10),
		MessageID:     messageID,
		CorrelationID: correlationID,
		ctx:           ctx,
		cancel:        cancel,
		checkpoints:   Checkpoints{Start: time.Now()},
	}
}
