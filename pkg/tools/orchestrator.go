package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/turn"
	"github.com/harunnryd/concierge/pkg/verification"
	"github.com/harunnryd/concierge/pkg/workflow"
)

const systemPrompt = "You are the phone concierge of a home services company. Use a tool when the caller asks about their account; otherwise answer briefly."

const (
	genericFallback = "I'm sorry, I'm having trouble with that right now. Could you say it another way?"
	adapterFallback = "I couldn't reach our scheduling system just now. Please try again in a moment."
)

type Options struct {
	// SystemPrompt replaces the default concierge instructions.
	SystemPrompt    string
	Timeout         time.Duration
	ContextMaxChars int
	Log             *slog.Logger
	Observer        metrics.Observer
}

// Input is one turn handed to the orchestrator.
type Input struct {
	Turn    *turn.Turn
	Text    string
	History []llm.Message
	Session Session
	// Status receives the progress line shown while a tool runs.
	Status workflow.StatusEmitter

	ack string
}

// Output is the orchestrated result plus the session it produced.
type Output struct {
	Result Result
	// Tool is the executed tool name, empty when none ran.
	Tool string
	// Ack is a short status line the model proposed for the tool call.
	Ack     string
	Session Session
	// Workflow is set when the turn must continue in the workflow bridge.
	Workflow workflow.Kind
	// Hint is passed on to the narrator.
	Hint string
}

// Orchestrator gates and executes tool calls proposed by the model.
type Orchestrator struct {
	catalog *Catalog
	adapter business.Adapter
	model   llm.Model
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

func NewOrchestrator(catalog *Catalog, adapter business.Adapter, model llm.Model, opts Options) *Orchestrator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = systemPrompt
	}
	return &Orchestrator{
		catalog: catalog,
		adapter: adapter,
		model:   model,
		opts:    opts,
		log:     logging.NewComponentLogger(opts.Log, "tools"),
		now:     time.Now,
	}
}

// Run asks the model for a decision and carries it out.
func (o *Orchestrator) Run(ctx context.Context, in Input) Output {
	ctx, span := tracer.Start(ctx, "orchestrate turn")
	defer span.End()

	in.Turn.RecordModelCall("generate")
	dec, err := o.model.Generate(ctx, llm.GenerateInput{
		System:  o.opts.SystemPrompt,
		Context: BuildContext(in.Session, o.opts.ContextMaxChars),
		History: in.History,
		Message: in.Text,
		Tools:   o.catalog.Specs(),
	})
	if err != nil {
		span.RecordError(err)
		o.log.Warn("model_generate_failed", "stream_id", in.Turn.StreamID, "error", errorsx.Wrap(err, errorsx.ReasonModelGenerate))
		return o.fallback(ctx, in, "generate_failed")
	}

	if !dec.IsToolCall() {
		text := strings.TrimSpace(dec.Text)
		if text == "" {
			return o.fallback(ctx, in, "empty_decision")
		}
		in.Turn.RecordDecision("final")
		return Output{Result: MessageResult{Text: text}, Session: in.Session}
	}

	call := dec.ToolCalls[0]
	for _, extra := range dec.ToolCalls[1:] {
		in.Turn.RecordToolCall(extra.Name + ":skipped")
		o.log.Info("tool_call_skipped", "stream_id", in.Turn.StreamID, "tool", extra.Name)
	}
	tool, ok := o.catalog.Lookup(call.Name)
	if !ok {
		o.log.Warn("tool_unknown", "stream_id", in.Turn.StreamID, "tool", call.Name, "error", ErrUnknownTool)
		return o.fallback(ctx, in, "unknown_tool")
	}
	span.SetAttributes(attribute.String("tool.name", tool.Name))
	in.Turn.RecordDecision("tool:" + tool.Name)
	in.ack = dec.Ack
	out := o.execute(ctx, in, tool, call.Arguments)
	out.Ack = dec.Ack
	return out
}

// RunTool executes a named tool directly, as the confirm and cancel
// controls of the client do.
func (o *Orchestrator) RunTool(ctx context.Context, in Input, name string, args map[string]any) (Output, error) {
	tool, ok := o.catalog.Lookup(name)
	if !ok {
		return Output{Session: in.Session}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	in.Turn.RecordDecision("direct:" + name)
	return o.execute(ctx, in, tool, args), nil
}

// SetClock replaces the time source used for slot windows and latency.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// RunIntent executes the tool serving a deferred intent without asking the
// model first. It is used to resume a request once the caller verified.
func (o *Orchestrator) RunIntent(ctx context.Context, in Input, intent verification.Intent) (Output, bool) {
	name, ok := ToolForIntent(intent)
	if !ok {
		return Output{Session: in.Session}, false
	}
	tool, ok := o.catalog.Lookup(name)
	if !ok {
		return Output{Session: in.Session}, false
	}
	args := map[string]any{}
	if name == ToolEscalate {
		args["reason"] = strings.TrimSpace(in.Text)
	}
	in.Turn.RecordDecision("resume:" + string(intent))
	return o.execute(ctx, in, tool, args), true
}

// fallback maps the raw message onto a tool when the model gave nothing
// usable.
func (o *Orchestrator) fallback(ctx context.Context, in Input, why string) Output {
	name, args := InferToolFromText(in.Text)
	tool, ok := o.catalog.Lookup(name)
	if !ok {
		in.Turn.RecordDecision("fallback:" + why)
		return Output{Result: FallbackResult{Text: genericFallback}, Session: in.Session}
	}
	o.log.Info("tool_inferred", "stream_id", in.Turn.StreamID, "tool", name, "why", why)
	in.Turn.RecordDecision("inferred:" + name)
	return o.execute(ctx, in, tool, args)
}

func (o *Orchestrator) execute(ctx context.Context, in Input, tool *Tool, raw map[string]any) Output {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", tool.Name))

	in.Turn.RecordToolCall(tool.Name)
	out := Output{Tool: tool.Name, Session: in.Session}
	args := o.normalize(tool, raw, in.Session)

	if missing, err := tool.Validate(args); err != nil {
		o.log.Info("tool_args_invalid", "tool", tool.Name, "missing", missing, "error", errorsx.Wrap(err, errorsx.ReasonArgsInvalid))
		o.recordCall(tool.Name, "args_invalid")
		out.Result = ClarifyResult{Tool: tool.Name, Missing: missing, Text: clarifyText(missing)}
		out.Hint = "ask_for_missing_detail"
		return out
	}

	for _, p := range tool.Preconditions {
		if in.Session.satisfies(p) {
			continue
		}
		text, hint := policyText(p)
		o.log.Info("tool_precondition_unmet", "tool", tool.Name, "precondition", string(p), "reason", errorsx.ReasonPreconditionUnmet)
		metrics.Record(o.opts.Observer, metrics.EventPreconditionUnmet, 1, map[string]string{"tool": tool.Name, "precondition": string(p)}, nil)
		out.Result = PolicyResult{Tool: tool.Name, Precondition: p, Hint: hint, Text: text}
		out.Hint = hint
		return out
	}

	o.announce(ctx, in, tool)
	started := o.now()
	res, err := o.call(ctx, tool, env{adapter: o.adapter, session: in.Session, now: o.now()}, args)
	if err == nil {
		if verr := ValidateResult(res); verr != nil {
			err = errorsx.Wrap(verr, errorsx.ReasonResultInvalid)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		status := "error"
		if errors.Is(err, ErrToolTimeout) {
			status = "timeout"
		}
		o.log.Warn("tool_call_failed", "tool", tool.Name, "status", status, "error", errorsx.Wrap(err, errorsx.ReasonAdapterCall))
		o.recordCall(tool.Name, status)
		out.Result = FallbackResult{Tool: tool.Name, Text: adapterFallback}
		return out
	}
	o.recordCall(tool.Name, "ok")
	metrics.Record(o.opts.Observer, metrics.EventToolLatency, float64(o.now().Sub(started).Milliseconds()), map[string]string{"tool": tool.Name}, nil)

	if wf, ok := res.(WorkflowResult); ok {
		out.Workflow = wf.Workflow
	}
	out.Result = res
	out.Session = apply(in.Session, res)
	return out
}

// call runs the tool body with the per-call timeout.
func (o *Orchestrator) call(ctx context.Context, tool *Tool, e env, args map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := tool.exec(ctx, e, args)
		ch <- outcome{res: res, err: err}
	}()
	select {
	case out := <-ch:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errorsx.Wrap(ErrToolTimeout, errorsx.ReasonToolTimeout)
		}
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errorsx.Wrap(ErrToolTimeout, errorsx.ReasonToolTimeout)
		}
		return nil, ctx.Err()
	}
}

// announce emits one progress line before a tool with a noticeable wait.
// Tools handing off to a workflow are announced by the bridge.
func (o *Orchestrator) announce(ctx context.Context, in Input, tool *Tool) {
	if in.Status == nil || tool.Workflow != "" {
		return
	}
	text := strings.TrimSpace(in.ack)
	if text == "" {
		hint := statusHints[tool.Name]
		if hint == "" {
			hint = "One moment while I check that for you."
		}
		in.Turn.RecordModelCall("status")
		line, err := o.model.Status(ctx, in.Text, hint)
		if err != nil || strings.TrimSpace(line) == "" {
			line = hint
		}
		text = strings.TrimSpace(line)
	}
	in.Status.EmitStatus(in.Turn, text)
}

var statusHints = map[string]string{
	ToolListAppointments:      "Let me pull up your appointments.",
	ToolGetAppointmentDetails: "Let me look at that appointment.",
	ToolGetAvailableSlots:     "Let me check the schedule for openings.",
	ToolCreateAppointment:     "Booking that for you now.",
	ToolConfirmCancellation:   "Updating your appointment now.",
	ToolGetOpenInvoices:       "Let me check your account balance.",
	ToolGetServicePolicy:      "Let me look that up.",
	ToolEscalate:              "I'm passing this to our team.",
}

func (o *Orchestrator) normalize(tool *Tool, raw map[string]any, s Session) map[string]any {
	args := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			str = strings.TrimSpace(str)
			if str == "" {
				continue
			}
			v = str
		}
		args[snakeKey(k)] = v
	}
	if !tool.InjectCustomerID {
		return args
	}
	verified := s.State.CustomerID()
	if verified == "" {
		return args
	}
	if given, ok := args[customerIDKey].(string); ok && given != verified {
		o.log.Warn("customer_id_overridden", "tool", tool.Name, "given", given)
	}
	args[customerIDKey] = verified
	return args
}

func (o *Orchestrator) recordCall(tool, status string) {
	metrics.Record(o.opts.Observer, metrics.EventToolCall, 1, map[string]string{"tool": tool, "status": status}, nil)
}

// apply folds a tool result into the session caches and state.
func apply(s Session, res Result) Session {
	switch v := res.(type) {
	case AppointmentsResult:
		s.State = conversation.Apply(s.State, conversation.AppointmentsLoaded{Appointments: workflow.Summaries(v.Appointments)})
	case AppointmentDetailsResult:
		s.State = conversation.Apply(s.State, conversation.AppointmentsListed{})
	case SlotsResult:
		s.AvailableSlots = append([]business.Slot(nil), v.Slots...)
	case CreateResult:
		if v.OK {
			kept := make([]business.Slot, 0, len(s.AvailableSlots))
			for _, sl := range s.AvailableSlots {
				if sl.ID != v.SlotID {
					kept = append(kept, sl)
				}
			}
			s.AvailableSlots = kept
		}
	case CancellationResult:
		switch {
		case v.OK:
			s.State = conversation.Apply(s.State, conversation.CancelConfirmed{})
		case v.Declined:
			s.State = conversation.Apply(s.State, conversation.CancelDeclined{})
		}
	}
	return s
}

func clarifyText(missing []string) string {
	if len(missing) == 0 {
		return "Could you give me a bit more detail?"
	}
	names := make([]string, 0, len(missing))
	for _, m := range missing {
		names = append(names, strings.ReplaceAll(strings.TrimSuffix(m, "_id"), "_", " "))
	}
	return "Could you tell me the " + strings.Join(names, " and ") + "?"
}

func policyText(p Precondition) (string, string) {
	switch p {
	case PreVerified:
		return "I need to verify your account first. What's the ZIP code of your service address?", "ask_verification"
	case PreHasAppointments:
		return "Let me look up your appointments first. Would you like me to list them?", "list_appointments_first"
	case PreHasAvailableSlots:
		return "Let me check which slots are open before booking. Would you like to hear the next openings?", "offer_slots_first"
	case PrePendingCancellation:
		return "There's no cancellation waiting for confirmation. Which appointment would you like to cancel?", "no_pending_cancellation"
	}
	return "I can't do that right now.", "blocked"
}

var camelRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func snakeKey(k string) string {
	return strings.ToLower(camelRe.ReplaceAllString(k, "${1}_${2}"))
}
