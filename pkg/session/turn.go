package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/narrator"
	"github.com/harunnryd/concierge/pkg/tools"
	"github.com/harunnryd/concierge/pkg/turn"
	"github.com/harunnryd/concierge/pkg/verification"
	"github.com/harunnryd/concierge/pkg/workflow"
)

const snapshotTimeout = 2 * time.Second

// runTurn wraps body in the turn lifecycle: begin, panic recovery, final
// emission, speaking reset and persistence.
func (a *Actor) runTurn(in Inbound, body func(t *turn.Turn) string) Reply {
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}
	a.applyInbound(in)
	startID := a.events.LastID()

	t := a.tracker.Begin(a.ctx, in.MessageID, in.CorrelationID)
	a.log.Info("turn_started", "stream_id", t.StreamID, "turn_id", t.TurnID, "message_id", t.MessageID, "correlation_id", t.CorrelationID)
	metrics.Record(a.deps.Observer, metrics.EventTurnStarted, 1, a.tags(t.StreamID), nil)
	a.ensureCallSession(t.Context())

	reply, failed := a.guard(t, body)
	if failed {
		reply = genericFailure
	}
	a.emitFinal(t, reply)
	a.stopSpeaking(t, "turn_end")
	canceled := t.Canceled()
	a.tracker.End(t)

	a.remember(in.Text, reply, canceled)
	a.publish()
	a.persistTurn(t, in, reply, canceled)
	a.recordTurn(t, failed, canceled)

	out := Reply{
		Reply:         reply,
		Events:        a.events.CollectAfter(&startID),
		LatestEventID: a.events.LastID(),
		State:         a.snap.State.Clone(),
		CallSessionID: a.snap.CallSessionID,
		Canceled:      canceled,
	}
	if canceled {
		out.Reply = ""
	}
	return out
}

// guard runs body and turns a panic into a failed turn.
func (a *Actor) guard(t *turn.Turn, body func(t *turn.Turn) string) (reply string, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("turn_panic",
				"stream_id", t.StreamID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
				"error", errorsx.New(errorsx.ReasonTurnPanic, "turn body panicked"),
			)
			reply, failed = "", true
		}
	}()
	return body(t), false
}

func (a *Actor) applyInbound(in Inbound) {
	if p := strings.TrimSpace(in.Phone); p != "" {
		a.snap.Phone = p
	}
	if id := strings.TrimSpace(in.CallSessionID); id != "" {
		a.snap.CallSessionID = id
	}
}

func (a *Actor) ensureCallSession(ctx context.Context) {
	if a.deps.Sessions == nil {
		return
	}
	rec, err := a.deps.Sessions.Ensure(ctx, a.snap.CallSessionID, a.id, a.snap.Phone)
	if err != nil {
		a.log.Warn("call_session_ensure_failed", "error", err)
		return
	}
	a.snap.CallSessionID = rec.ID
}

// converse is the message pipeline: verification, an active workflow,
// then the tool orchestrator.
func (a *Actor) converse(t *turn.Turn, in Inbound) string {
	ctx := t.Context()
	gate := a.deps.Gate.Check(ctx, verification.Input{
		Text:          in.Text,
		Phone:         a.snap.Phone,
		State:         a.snap.State,
		PendingIntent: a.snap.PendingIntent,
	})
	a.snap.State = gate.State
	a.snap.PendingIntent = gate.PendingIntent
	if !gate.Passed {
		return a.narrate(t, tools.MessageResult{Text: gate.Reply}, gate.Hint)
	}
	if gate.JustVerified {
		a.markVerified(ctx, gate.CustomerID)
		return a.resume(t, in.Text, gate)
	}

	if res := a.deps.Bridge.Advance(ctx, a.workflowRequest(t, in.Text)); res.Handled {
		return a.applyWorkflow(t, res)
	}

	out := a.deps.Orchestrator.Run(ctx, a.toolInput(t, in.Text))
	a.applyTools(out)
	if out.Workflow != "" {
		return a.startWorkflow(t, out.Workflow, in.Text)
	}
	return a.narrate(t, out.Result, out.Hint)
}

// resume carries out what the caller asked for before verification.
func (a *Actor) resume(t *turn.Turn, text string, gate verification.Outcome) string {
	a.snap.PendingIntent = verification.IntentNone
	out, ok := a.deps.Orchestrator.RunIntent(t.Context(), a.toolInput(t, text), gate.ResumeIntent)
	if !ok {
		return gate.Reply + " How can I help you today?"
	}
	a.applyTools(out)
	if out.Workflow != "" {
		return gate.Reply + " " + a.startWorkflow(t, out.Workflow, text)
	}
	return gate.Reply + " " + a.narrate(t, out.Result, out.Hint)
}

func (a *Actor) startCancel(t *turn.Turn) string {
	if !a.snap.State.Verification.Verified {
		gate := a.deps.Gate.Check(t.Context(), verification.Input{
			Phone:         a.snap.Phone,
			State:         a.snap.State,
			PendingIntent: verification.IntentCancel,
		})
		a.snap.State = gate.State
		a.snap.PendingIntent = gate.PendingIntent
		return a.narrate(t, tools.MessageResult{Text: gate.Reply}, gate.Hint)
	}
	return a.startWorkflow(t, workflow.KindCancel, "")
}

func (a *Actor) confirmCancel(t *turn.Turn, confirm bool) string {
	text := "no"
	if confirm {
		text = "yes"
	}
	if _, id := a.snap.Workflow.Active(); id != "" {
		if res := a.deps.Bridge.Advance(t.Context(), a.workflowRequest(t, text)); res.Handled {
			return a.applyWorkflow(t, res)
		}
	}
	out, err := a.deps.Orchestrator.RunTool(t.Context(), a.toolInput(t, text), tools.ToolConfirmCancellation, map[string]any{"confirm": confirm})
	if err != nil {
		a.log.Warn("confirm_cancel_failed", "error", err)
		return a.narrate(t, tools.FallbackResult{Tool: tools.ToolConfirmCancellation, Text: genericFailure}, "")
	}
	a.applyTools(out)
	return a.narrate(t, out.Result, out.Hint)
}

func (a *Actor) startWorkflow(t *turn.Turn, kind workflow.Kind, text string) string {
	res := a.deps.Bridge.Start(t.Context(), kind, a.workflowRequest(t, text))
	return a.applyWorkflow(t, res)
}

func (a *Actor) applyWorkflow(t *turn.Turn, res workflow.Result) string {
	a.snap.State = res.State
	if res.CallSessionID != "" {
		a.snap.CallSessionID = res.CallSessionID
	}
	hint := "workflow_prompt"
	if res.Unavailable {
		hint = "workflow_unavailable"
	}
	return a.narrate(t, tools.MessageResult{Text: res.Reply}, hint)
}

func (a *Actor) applyTools(out tools.Output) {
	a.snap.State = out.Session.State
	a.snap.AvailableSlots = out.Session.AvailableSlots
}

func (a *Actor) markVerified(ctx context.Context, customerID string) {
	if a.deps.Sessions == nil || a.snap.CallSessionID == "" {
		return
	}
	_, err := a.deps.Sessions.UpdateSummary(ctx, a.snap.CallSessionID, func(s *callsession.Summary) {
		s.IdentityStatus = callsession.IdentityVerified
		s.VerifiedCustomerID = customerID
	})
	if err != nil {
		a.log.Warn("summary_write_failed", "call_session_id", a.snap.CallSessionID, "error", err)
	}
}

func (a *Actor) narrate(t *turn.Turn, result tools.Result, hint string) string {
	return a.deps.Narrator.Narrate(t, narrator.Request{
		Result:  result,
		History: a.snap.History,
		Hint:    hint,
		Context: tools.BuildContext(a.toolSession(), a.cfg.ContextMaxChars),
	}, a)
}

func (a *Actor) toolSession() tools.Session {
	return tools.Session{
		State:          a.snap.State,
		AvailableSlots: a.snap.AvailableSlots,
		Phone:          a.snap.Phone,
		CallSessionID:  a.snap.CallSessionID,
	}
}

func (a *Actor) toolInput(t *turn.Turn, text string) tools.Input {
	return tools.Input{Turn: t, Text: text, History: a.snap.History, Session: a.toolSession(), Status: a}
}

func (a *Actor) workflowRequest(t *turn.Turn, text string) workflow.Request {
	return workflow.Request{
		Turn:           t,
		Text:           text,
		State:          a.snap.State,
		ConversationID: a.id,
		Phone:          a.snap.Phone,
		CallSessionID:  a.snap.CallSessionID,
		Binding:        &a.snap.Workflow,
		Status:         a,
	}
}

// remember appends the exchange to the bounded history. An interrupted
// reply was never heard, so only the user side is kept.
func (a *Actor) remember(userText, reply string, canceled bool) {
	if s := strings.TrimSpace(userText); s != "" {
		a.snap.History = append(a.snap.History, llm.Message{Role: "user", Content: s})
	}
	if !canceled && reply != "" {
		a.snap.History = append(a.snap.History, llm.Message{Role: "assistant", Content: reply})
	}
	a.snap.History = llm.PruneHistory(a.snap.History, a.cfg.HistoryTurns*2, 0)
}

func (a *Actor) persistTurn(t *turn.Turn, in Inbound, reply string, canceled bool) {
	a.writer.turn(a.snap.CallSessionID, callsession.TurnRecord{
		StreamID:    t.StreamID,
		TurnID:      t.TurnID,
		MessageID:   t.MessageID,
		UserText:    in.Text,
		Reply:       reply,
		Canceled:    canceled,
		Meta:        t.Meta(),
		Checkpoints: t.Checkpoints(),
		At:          a.now(),
	})
	snap := a.snapshotCopy()
	if !a.cfg.SyncSnapshots {
		a.writer.snapshot(snap)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	a.writer.writeSnapshot(ctx, snap)
}

func (a *Actor) recordTurn(t *turn.Turn, failed, canceled bool) {
	tags := a.tags(t.StreamID)
	tags["trace_id"] = t.CorrelationID
	cp := t.Checkpoints()
	if !cp.FirstStatus.IsZero() {
		metrics.Record(a.deps.Observer, metrics.EventFirstStatus, float64(cp.FirstStatus.Sub(cp.Start).Milliseconds()), tags, nil)
	}
	if !cp.FirstToken.IsZero() {
		metrics.Record(a.deps.Observer, metrics.EventFirstToken, float64(cp.FirstToken.Sub(cp.Start).Milliseconds()), tags, nil)
	}
	metrics.Record(a.deps.Observer, metrics.EventTurnLatency, float64(cp.Final.Sub(cp.Start).Milliseconds()), tags, nil)

	name, status := metrics.EventTurnCompleted, "ok"
	switch {
	case failed:
		name, status = metrics.EventTurnFailed, "panic"
	case canceled:
		status = "canceled"
	}
	metrics.Record(a.deps.Observer, name, 1, tags, map[string]any{"status": status})
	a.log.Info("turn_finished", "stream_id", t.StreamID, "status", status, "conversation_status", string(a.snap.State.Status))
}
