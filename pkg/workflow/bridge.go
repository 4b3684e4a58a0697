package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/turn"
)

// DefaultSelectionTTL is how long a presented choice stays actionable.
const DefaultSelectionTTL = 5 * time.Minute

const unavailableText = "Changing appointments is temporarily unavailable. Please try again in a few minutes."

// StatusEmitter shows short progress lines while the bridge waits.
type StatusEmitter interface {
	EmitStatus(t *turn.Turn, text string)
}

// Selection is the choice currently offered to the user.
type Selection struct {
	Kind        llm.SelectionKind `json:"kind"`
	Options     []llm.Option      `json:"options"`
	PresentedAt time.Time         `json:"presentedAt"`
}

// Binding is the workflow part of the session state. The actor owns it;
// the bridge updates it in place.
type Binding struct {
	CancelID     string     `json:"cancelWorkflowId,omitempty"`
	RescheduleID string     `json:"rescheduleWorkflowId,omitempty"`
	Selection    *Selection `json:"activeSelection,omitempty"`
}

// Active returns the instance the conversation is in, if any.
func (b *Binding) Active() (Kind, string) {
	switch {
	case b == nil:
		return "", ""
	case b.CancelID != "":
		return KindCancel, b.CancelID
	case b.RescheduleID != "":
		return KindReschedule, b.RescheduleID
	}
	return "", ""
}

func (b *Binding) set(kind Kind, id string) {
	b.CancelID, b.RescheduleID, b.Selection = "", "", nil
	if kind == KindCancel {
		b.CancelID = id
	} else {
		b.RescheduleID = id
	}
}

func (b *Binding) clear(kind Kind) {
	if kind == KindCancel {
		b.CancelID = ""
	} else {
		b.RescheduleID = ""
	}
	b.Selection = nil
}

// Request carries one turn into the bridge.
type Request struct {
	Turn           *turn.Turn
	Text           string
	State          conversation.State
	ConversationID string
	Phone          string
	CallSessionID  string
	Binding        *Binding
	Status         StatusEmitter
}

// Result is what the actor applies after the bridge ran.
type Result struct {
	// Handled is false when no workflow claimed the turn.
	Handled       bool
	Reply         string
	State         conversation.State
	CallSessionID string
	Step          *Step
	Unavailable   bool
}

type BridgeOptions struct {
	SelectionTTL time.Duration
	Log          *slog.Logger
	Observer     metrics.Observer
}

// Bridge connects conversations to workflow instances.
type Bridge struct {
	engine   Engine
	adapter  business.Adapter
	model    llm.Model
	sessions *callsession.Sessions
	ttl      time.Duration
	log      *slog.Logger
	obs      metrics.Observer
	now      func() time.Time
}

// NewBridge builds a bridge. A nil engine makes every workflow request
// answer with the unavailable message.
func NewBridge(engine Engine, adapter business.Adapter, model llm.Model, sessions *callsession.Sessions, opts BridgeOptions) *Bridge {
	ttl := opts.SelectionTTL
	if ttl <= 0 {
		ttl = DefaultSelectionTTL
	}
	return &Bridge{
		engine:   engine,
		adapter:  adapter,
		model:    model,
		sessions: sessions,
		ttl:      ttl,
		log:      logging.NewComponentLogger(opts.Log, "workflow_bridge"),
		obs:      opts.Observer,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for selection staleness.
func (b *Bridge) SetClock(now func() time.Time) { b.now = now }

// Start begins a cancel or reschedule flow for a verified caller.
func (b *Bridge) Start(ctx context.Context, kind Kind, req Request) Result {
	ctx, span := tracer.Start(ctx, "start workflow")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.kind", string(kind)))

	res := Result{Handled: true, State: req.State, CallSessionID: req.CallSessionID}
	if b.engine == nil {
		b.log.Warn("workflow_unavailable", "kind", string(kind), "error", errorsx.New(errorsx.ReasonWorkflowUnavailable, "no workflow engine bound"))
		return unavailable(res)
	}

	if b.sessions != nil {
		rec, err := b.sessions.Ensure(ctx, req.CallSessionID, req.ConversationID, req.Phone)
		if err != nil {
			b.log.Warn("call_session_ensure_failed", "error", err)
		} else {
			res.CallSessionID = rec.ID
		}
	}

	customerID := req.State.CustomerID()
	appts, err := b.adapter.ListUpcomingAppointments(ctx, customerID, 3)
	if err != nil {
		span.RecordError(err)
		b.log.Warn("appointments_load_failed", "customer_id", customerID, "error", errorsx.Wrap(err, errorsx.ReasonAdapterCall))
		res.Reply = "I couldn't load your appointments right now. Please try again in a moment."
		return res
	}

	id, err := b.engine.Start(ctx, kind, StartInput{CustomerID: customerID, CallSessionID: res.CallSessionID, Appointments: appts})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		b.log.Warn("workflow_unavailable", "kind", string(kind), "error", errorsx.Wrap(err, errorsx.ReasonWorkflowUnavailable))
		return unavailable(res)
	}
	if _, prev := req.Binding.Active(); prev != "" {
		b.log.Info("workflow_replaced", "previous_instance_id", prev, "instance_id", id)
	}
	req.Binding.set(kind, id)
	span.SetAttributes(attribute.String("workflow.instance_id", id))

	b.writeSummary(ctx, res.CallSessionID, func(s *callsession.Summary) {
		s.LastAppointmentOptions = appts
		s.WorkflowState = &callsession.WorkflowState{Kind: string(kind), Step: "started", InstanceID: id}
	})
	if req.Status != nil {
		req.Status.EmitStatus(req.Turn, ackText(kind))
	}

	step, err := b.engine.Current(ctx, id)
	if err != nil {
		span.RecordError(err)
		req.Binding.clear(kind)
		b.log.Warn("workflow_unavailable", "instance_id", id, "error", errorsx.Wrap(err, errorsx.ReasonWorkflowUnavailable))
		return unavailable(res)
	}
	if len(appts) > 0 {
		res.State = conversation.Apply(res.State, conversation.AppointmentsLoaded{Appointments: Summaries(appts)})
	}
	return b.fold(ctx, req, res, step)
}

// Advance routes a reply into the active instance. The result is not
// handled when the conversation has no active instance.
func (b *Bridge) Advance(ctx context.Context, req Request) Result {
	kind, id := req.Binding.Active()
	if id == "" {
		return Result{State: req.State, CallSessionID: req.CallSessionID}
	}
	ctx, span := tracer.Start(ctx, "advance workflow")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.kind", string(kind)), attribute.String("workflow.instance_id", id))

	res := Result{Handled: true, State: req.State, CallSessionID: req.CallSessionID}
	if b.engine == nil {
		req.Binding.clear(kind)
		return unavailable(res)
	}
	step, err := b.engine.Current(ctx, id)
	if err != nil {
		span.RecordError(err)
		req.Binding.clear(kind)
		b.log.Warn("workflow_unavailable", "instance_id", id, "error", errorsx.Wrap(err, errorsx.ReasonWorkflowUnavailable))
		return unavailable(res)
	}
	if step.Done {
		req.Binding.clear(kind)
		return Result{State: req.State, CallSessionID: req.CallSessionID}
	}

	sel := req.Binding.Selection
	if sel != nil && b.now().Sub(sel.PresentedAt) > b.ttl {
		b.log.Info("selection_stale", "instance_id", id, "kind", string(sel.Kind), "age", b.now().Sub(sel.PresentedAt).String())
		req.Binding.Selection = nil
		res = b.fold(ctx, req, res, step)
		res.Reply = "Let's pick up where we left off. " + step.Prompt
		return res
	}

	var ev Event
	if isAbort(req.Text) {
		ev = Event{Type: EventAbort}
	} else {
		expected := expectedKind(req.State, sel, step)
		options := step.Options
		if sel != nil && sel.Kind == expected && len(sel.Options) > 0 {
			options = sel.Options
		}
		choice := b.resolve(ctx, req.Turn, req.Text, options, expected)
		if choice == "" {
			res.Reply = "Sorry, I didn't catch which one you meant. " + step.Prompt
			return res
		}
		ev = Event{Type: eventFor(expected), Value: choice}
	}

	next, err := b.engine.Signal(ctx, id, ev)
	switch {
	case errors.Is(err, ErrUnexpectedEvent):
		res.Reply = "Sorry, I didn't catch that. " + step.Prompt
		return res
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "signal failed")
		req.Binding.clear(kind)
		b.log.Warn("workflow_signal_failed", "instance_id", id, "event", string(ev.Type), "error", errorsx.Wrap(err, errorsx.ReasonWorkflowSignal))
		return unavailable(res)
	}
	return b.fold(ctx, req, res, next)
}

// fold applies a step to the binding, the conversation state and the
// call-session summary.
func (b *Bridge) fold(ctx context.Context, req Request, res Result, step Step) Result {
	res.Step = &step
	res.Reply = step.Prompt
	metrics.Record(b.obs, metrics.EventWorkflowStep, 1, map[string]string{"kind": string(step.Kind), "step": string(step.Name)}, nil)

	if step.Done {
		req.Binding.clear(step.Kind)
		res.State = b.finish(ctx, res.State, step)
	} else {
		req.Binding.Selection = &Selection{Kind: step.Expects(), Options: step.Options, PresentedAt: b.now()}
		if step.Name == StepConfirm && step.Kind == KindCancel {
			res.State = conversation.Apply(res.State, conversation.CancelRequested{AppointmentID: step.AppointmentID})
		}
	}

	b.writeSummary(ctx, res.CallSessionID, func(s *callsession.Summary) {
		s.WorkflowState = &callsession.WorkflowState{
			Kind:          string(step.Kind),
			Step:          string(step.Name),
			AppointmentID: step.AppointmentID,
			InstanceID:    step.InstanceID,
		}
	})
	return res
}

func (b *Bridge) finish(ctx context.Context, state conversation.State, step Step) conversation.State {
	switch {
	case step.Kind == KindCancel && step.Outcome == OutcomeCanceled:
		return conversation.Apply(state, conversation.CancelConfirmed{})
	case step.Kind == KindReschedule && step.Outcome == OutcomeRescheduled:
		appts, err := b.adapter.ListUpcomingAppointments(ctx, state.CustomerID(), 3)
		if err != nil {
			b.log.Warn("appointments_reload_failed", "error", errorsx.Wrap(err, errorsx.ReasonAdapterCall))
			return state
		}
		return conversation.Apply(state, conversation.AppointmentsLoaded{Appointments: Summaries(appts)})
	default:
		return conversation.Apply(state, conversation.CancelDeclined{})
	}
}

func (b *Bridge) resolve(ctx context.Context, t *turn.Turn, text string, options []llm.Option, kind llm.SelectionKind) string {
	if t != nil {
		t.RecordModelCall("select_option")
	}
	choice, err := b.model.SelectOption(ctx, text, options, kind)
	if err != nil {
		b.log.Warn("select_option_failed", "kind", string(kind), "error", errorsx.Wrap(err, errorsx.ReasonModelGenerate))
		choice = ""
	}
	if !hasOption(options, choice) {
		choice = ""
	}
	if choice == "" && kind == llm.SelectConfirmation {
		switch yes, no := llm.ConfirmationIntent(text); {
		case yes:
			choice = "yes"
		case no:
			choice = "no"
		}
	}
	return choice
}

func (b *Bridge) writeSummary(ctx context.Context, callSessionID string, fn func(*callsession.Summary)) {
	if b.sessions == nil || callSessionID == "" {
		return
	}
	if _, err := b.sessions.UpdateSummary(ctx, callSessionID, fn); err != nil {
		b.log.Warn("summary_write_failed", "call_session_id", callSessionID, "error", err)
	}
}

// expectedKind derives what the reply should choose. A pending
// cancellation always expects a yes or no.
func expectedKind(state conversation.State, sel *Selection, step Step) llm.SelectionKind {
	if state.Status == conversation.StatusPendingCancellationConfirmation {
		return llm.SelectConfirmation
	}
	if sel != nil && sel.Kind != "" {
		return sel.Kind
	}
	return step.Expects()
}

var abortPhrases = []string{"never mind", "nevermind", "forget it", "forget about it", "start over"}

func isAbort(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range abortPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func hasOption(options []llm.Option, id string) bool {
	if id == "" {
		return false
	}
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}

func ackText(kind Kind) string {
	if kind == KindReschedule {
		return "Let me pull up your upcoming appointments so we can find a new time."
	}
	return "Let me pull up your upcoming appointments."
}

func unavailable(res Result) Result {
	res.Reply = unavailableText
	res.Unavailable = true
	return res
}

// Summaries converts adapter appointments into the cached conversation view.
func Summaries(appts []business.Appointment) []conversation.AppointmentSummary {
	out := make([]conversation.AppointmentSummary, 0, len(appts))
	for _, a := range appts {
		out = append(out, conversation.AppointmentSummary{
			ID:         a.ID,
			Date:       a.Date,
			Window:     a.Window,
			Service:    a.Service,
			Technician: a.Technician,
		})
	}
	return out
}
