package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/providers/mock"
	"github.com/harunnryd/concierge/pkg/turn"
	"github.com/harunnryd/concierge/pkg/verification"
	"github.com/harunnryd/concierge/pkg/workflow"
)

type slowAdapter struct {
	*mock.BusinessAdapter
}

func (s slowAdapter) GetOpenInvoices(ctx context.Context, customerID string) ([]business.Invoice, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func verifiedSession() Session {
	return Session{
		State: conversation.Apply(conversation.New(), conversation.Verified{CustomerID: "cust_001"}),
		Phone: "+14155550142",
	}
}

func newTurn(t *testing.T) *turn.Turn {
	t.Helper()
	tr := turn.NewTracker()
	tu := tr.Begin(context.Background(), "msg-1", "corr-1")
	t.Cleanup(func() { tr.End(tu) })
	return tu
}

func newOrchestrator(adapter business.Adapter, model llm.Model, obs metrics.Observer) *Orchestrator {
	o := NewOrchestrator(nil, adapter, model, Options{Timeout: time.Second, Observer: obs})
	o.now = func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) }
	return o
}

func TestCatalogOrderAndSchemas(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, []string{
		ToolListAppointments, ToolGetAppointmentDetails, ToolGetAvailableSlots, ToolCreateAppointment,
		ToolCancelAppointment, ToolRescheduleAppointment, ToolConfirmCancellation, ToolGetOpenInvoices,
		ToolGetServicePolicy, ToolEscalate,
	}, c.Names())
	assert.Len(t, c.Specs(), 10)

	tool, ok := c.Lookup(ToolCreateAppointment)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"customer_id", "slot_id", "service"}, tool.Schema().Required)
}

func TestValidateReportsMissingFields(t *testing.T) {
	tool, _ := DefaultCatalog().Lookup(ToolCreateAppointment)

	missing, err := tool.Validate(map[string]any{"customer_id": "cust_001"})
	require.Error(t, err)
	assert.Equal(t, []string{"service", "slot_id"}, missing)

	missing, err = tool.Validate(map[string]any{"slot_id": "slot_101", "service": "AC repair"})
	require.NoError(t, err, "customer_id is injected, so its absence is left to the verified precondition")
	assert.Empty(t, missing)

	list, _ := DefaultCatalog().Lookup(ToolListAppointments)
	missing, err = list.Validate(map[string]any{"customer_id": "cust_001", "limit": 50})
	require.Error(t, err)
	assert.Equal(t, []string{"limit"}, missing)
}

func TestRunListsAppointmentsWithInjectedCustomer(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	o := newOrchestrator(adapter, mock.NewModel(mock.ModelConfig{}), nil)
	tu := newTurn(t)

	out := o.Run(context.Background(), Input{Turn: tu, Text: "what are my upcoming appointments", Session: verifiedSession()})
	res, ok := out.Result.(AppointmentsResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Len(t, res.Appointments, 2)
	assert.Equal(t, ToolListAppointments, out.Tool)
	assert.Equal(t, conversation.StatusPresentingAppointments, out.Session.State.Status)
	assert.Len(t, out.Session.State.Appointments, 2)
	assert.Equal(t, []string{ToolListAppointments}, tu.Meta().ToolCalls)
	assert.Equal(t, []string{"generate"}, tu.Meta().ModelCalls)
}

func TestPreconditionBlocksUnverifiedCaller(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	obs := metrics.NewMemoryObserver()
	o := newOrchestrator(adapter, mock.NewModel(mock.ModelConfig{}), obs)

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "show my invoices", Session: Session{State: conversation.New()}})
	res, ok := out.Result.(PolicyResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Equal(t, PreVerified, res.Precondition)
	assert.Equal(t, "ask_verification", out.Hint)
	assert.Equal(t, 0, adapter.Calls("get_open_invoices"))
	assert.Len(t, obs.Named(metrics.EventPreconditionUnmet), 1)
}

func TestCreateRequiresOfferedSlots(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	model := mock.NewModel(mock.ModelConfig{Decisions: []llm.Decision{{ToolCalls: []llm.ToolCall{{
		Name: ToolCreateAppointment, Arguments: map[string]any{"slotId": "slot_101", "service": "AC repair"},
	}}}}})
	o := newOrchestrator(adapter, model, nil)

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "book slot 101", Session: verifiedSession()})
	res, ok := out.Result.(PolicyResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Equal(t, PreHasAvailableSlots, res.Precondition)
	assert.Equal(t, 0, adapter.Calls("create_appointment"))

	session := verifiedSession()
	session.AvailableSlots = []business.Slot{{ID: "slot_101"}, {ID: "slot_102"}}
	model = mock.NewModel(mock.ModelConfig{Decisions: []llm.Decision{{ToolCalls: []llm.ToolCall{{
		Name: ToolCreateAppointment, Arguments: map[string]any{"slotId": "slot_101", "service": "AC repair"},
	}}}}})
	o = newOrchestrator(adapter, model, nil)
	out = o.Run(context.Background(), Input{Turn: newTurn(t), Text: "book slot 101", Session: session})
	created, ok := out.Result.(CreateResult)
	require.True(t, ok, "got %T", out.Result)
	assert.True(t, created.OK)
	assert.Equal(t, []business.Slot{{ID: "slot_102"}}, out.Session.AvailableSlots)
}

func TestMissingArgumentsAskForDetail(t *testing.T) {
	session := verifiedSession()
	session.AvailableSlots = []business.Slot{{ID: "slot_101"}}
	model := mock.NewModel(mock.ModelConfig{Decisions: []llm.Decision{{ToolCalls: []llm.ToolCall{{
		Name: ToolCreateAppointment, Arguments: map[string]any{"service": " "},
	}}}}})
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	o := newOrchestrator(adapter, model, nil)

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "book it", Session: session})
	res, ok := out.Result.(ClarifyResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Equal(t, []string{"service", "slot_id"}, res.Missing)
	assert.Equal(t, "Could you tell me the service and slot?", res.Text)
	assert.Equal(t, 0, adapter.Calls("create_appointment"))
}

func TestOnlyFirstToolCallRuns(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	model := mock.NewModel(mock.ModelConfig{Decisions: []llm.Decision{{ToolCalls: []llm.ToolCall{
		{Name: ToolGetOpenInvoices},
		{Name: ToolEscalate, Arguments: map[string]any{"reason": "angry"}},
	}}}})
	o := newOrchestrator(adapter, model, nil)
	tu := newTurn(t)

	out := o.Run(context.Background(), Input{Turn: tu, Text: "bill and a human", Session: verifiedSession()})
	_, ok := out.Result.(InvoicesResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Equal(t, 0, adapter.Calls("escalate"))
	assert.Equal(t, []string{"escalate:skipped", ToolGetOpenInvoices}, tu.Meta().ToolCalls)
}

func TestUnknownToolFallsBackToKeywords(t *testing.T) {
	model := mock.NewModel(mock.ModelConfig{Decisions: []llm.Decision{{ToolCalls: []llm.ToolCall{{Name: "lookup_stuff"}}}}})
	o := newOrchestrator(mock.NewBusinessAdapter(mock.DefaultSeed()), model, nil)
	tu := newTurn(t)

	out := o.Run(context.Background(), Input{Turn: tu, Text: "what do I owe on my bill", Session: verifiedSession()})
	_, ok := out.Result.(InvoicesResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Equal(t, "inferred:"+ToolGetOpenInvoices, tu.Meta().Decision)
}

func TestGenerateFailureStillAnswers(t *testing.T) {
	model := mock.NewModel(mock.ModelConfig{Errors: map[string]error{"generate": errors.New("503")}})
	o := newOrchestrator(mock.NewBusinessAdapter(mock.DefaultSeed()), model, nil)

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "any warranty on repairs?", Session: verifiedSession()})
	res, ok := out.Result.(ServicePolicyResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Equal(t, "warranty", res.Topic)

	out = o.Run(context.Background(), Input{Turn: newTurn(t), Text: "hello there", Session: verifiedSession()})
	_, ok = out.Result.(FallbackResult)
	assert.True(t, ok, "got %T", out.Result)
}

func TestAdapterFailureReturnsFallback(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	adapter.Fail("list_upcoming_appointments", errors.New("crm down"))
	obs := metrics.NewMemoryObserver()
	o := newOrchestrator(adapter, mock.NewModel(mock.ModelConfig{}), obs)

	session := verifiedSession()
	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "my appointments", Session: session})
	res, ok := out.Result.(FallbackResult)
	require.True(t, ok, "got %T", out.Result)
	assert.Equal(t, adapterFallback, res.Text)
	assert.Equal(t, session.State, out.Session.State)
	assert.Equal(t, 1, adapter.Calls("list_upcoming_appointments"))

	calls := obs.Named(metrics.EventToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "error", calls[0].Tags["status"])
}

func TestToolTimeout(t *testing.T) {
	adapter := slowAdapter{mock.NewBusinessAdapter(mock.DefaultSeed())}
	obs := metrics.NewMemoryObserver()
	o := NewOrchestrator(nil, adapter, mock.NewModel(mock.ModelConfig{}), Options{Timeout: 20 * time.Millisecond, Observer: obs})

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "my invoices", Session: verifiedSession()})
	_, ok := out.Result.(FallbackResult)
	require.True(t, ok, "got %T", out.Result)
	calls := obs.Named(metrics.EventToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "timeout", calls[0].Tags["status"])
}

func TestWorkflowToolsDelegate(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	o := newOrchestrator(adapter, mock.NewModel(mock.ModelConfig{}), nil)

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "I need to cancel my appointment", Session: verifiedSession()})
	assert.Equal(t, workflow.KindCancel, out.Workflow)
	assert.Equal(t, WorkflowResult{Workflow: workflow.KindCancel}, out.Result)
	assert.Equal(t, 0, adapter.Calls("cancel_appointment"))
}

func TestConfirmCancellationWithoutWorkflow(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	model := mock.NewModel(mock.ModelConfig{Decisions: []llm.Decision{{ToolCalls: []llm.ToolCall{{
		Name: ToolConfirmCancellation, Arguments: map[string]any{"confirm": true},
	}}}}})
	o := newOrchestrator(adapter, model, nil)
	session := verifiedSession()
	session.State = conversation.Apply(session.State, conversation.CancelRequested{AppointmentID: "appt_001"})

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "yes", Session: session})
	res, ok := out.Result.(CancellationResult)
	require.True(t, ok, "got %T", out.Result)
	assert.True(t, res.OK)
	assert.Equal(t, conversation.StatusCompleted, out.Session.State.Status)
	assert.Nil(t, out.Session.State.PendingCancellationID)
}

func TestRunIntentResumesDeferredRequest(t *testing.T) {
	o := newOrchestrator(mock.NewBusinessAdapter(mock.DefaultSeed()), mock.NewModel(mock.ModelConfig{}), nil)

	out, ok := o.RunIntent(context.Background(), Input{Turn: newTurn(t), Text: "94107", Session: verifiedSession()}, verification.IntentBilling)
	require.True(t, ok)
	res, isInvoices := out.Result.(InvoicesResult)
	require.True(t, isInvoices, "got %T", out.Result)
	assert.Len(t, res.Invoices, 1)

	_, ok = o.RunIntent(context.Background(), Input{Turn: newTurn(t)}, verification.IntentNone)
	assert.False(t, ok)
}

type statusLines struct{ texts []string }

func (s *statusLines) EmitStatus(_ *turn.Turn, text string) { s.texts = append(s.texts, text) }

func TestRunAnnouncesToolBeforeExecuting(t *testing.T) {
	model := mock.NewModel(mock.ModelConfig{})
	o := newOrchestrator(mock.NewBusinessAdapter(mock.DefaultSeed()), model, nil)
	status := &statusLines{}

	o.Run(context.Background(), Input{Turn: newTurn(t), Text: "what do I owe", Session: verifiedSession(), Status: status})
	assert.Equal(t, []string{"Let me check your account balance."}, status.texts)
	assert.Equal(t, 1, model.Calls("status"))

	status.texts = nil
	o.Run(context.Background(), Input{Turn: newTurn(t), Text: "cancel my appointment", Session: verifiedSession(), Status: status})
	assert.Empty(t, status.texts, "workflow hand-offs are announced by the bridge")
}

func TestRunUsesModelAckAsStatus(t *testing.T) {
	model := mock.NewModel(mock.ModelConfig{Decisions: []llm.Decision{{
		Ack:       "Checking your bill now.",
		ToolCalls: []llm.ToolCall{{Name: ToolGetOpenInvoices}},
	}}})
	o := newOrchestrator(mock.NewBusinessAdapter(mock.DefaultSeed()), model, nil)
	status := &statusLines{}

	out := o.Run(context.Background(), Input{Turn: newTurn(t), Text: "bill", Session: verifiedSession(), Status: status})
	assert.Equal(t, "Checking your bill now.", out.Ack)
	assert.Equal(t, []string{"Checking your bill now."}, status.texts)
	assert.Zero(t, model.Calls("status"))
}

func TestRunToolExecutesByName(t *testing.T) {
	o := newOrchestrator(mock.NewBusinessAdapter(mock.DefaultSeed()), mock.NewModel(mock.ModelConfig{}), nil)
	session := verifiedSession()
	session.State = conversation.Apply(session.State, conversation.CancelRequested{AppointmentID: "appt_001"})

	out, err := o.RunTool(context.Background(), Input{Turn: newTurn(t), Session: session}, ToolConfirmCancellation, map[string]any{"confirm": false})
	require.NoError(t, err)
	res, ok := out.Result.(CancellationResult)
	require.True(t, ok, "got %T", out.Result)
	assert.True(t, res.Declined)
	assert.Equal(t, conversation.StatusVerifiedIdle, out.Session.State.Status)

	_, err = o.RunTool(context.Background(), Input{Turn: newTurn(t), Session: session}, "refund", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestValidateResult(t *testing.T) {
	assert.NoError(t, ValidateResult(AppointmentsResult{}))
	assert.NoError(t, ValidateResult(MessageResult{Text: "hi"}))
	assert.Error(t, ValidateResult(CreateResult{OK: true}))
	assert.Error(t, ValidateResult(EscalationResult{OK: true}))
	assert.Error(t, ValidateResult(WorkflowResult{Workflow: "refund"}))
	assert.Error(t, ValidateResult(MessageResult{Text: "  "}))
	assert.Error(t, ValidateResult(nil))
}

func TestInferToolFromText(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"what's your warranty", ToolGetServicePolicy},
		{"I want to reschedule", ToolRescheduleAppointment},
		{"cancel tomorrow", ToolCancelAppointment},
		{"can I book a visit", ToolGetAvailableSlots},
		{"when is my appointment", ToolListAppointments},
		{"what's my balance", ToolGetOpenInvoices},
		{"let me talk to a human", ToolEscalate},
		{"the weather is nice", ""},
		{"my power is out", ""},
		{"what are your cancellation policies", ToolGetServicePolicy},
	}
	for _, tc := range cases {
		got, _ := InferToolFromText(tc.text)
		assert.Equal(t, tc.want, got, tc.text)
	}
}

func TestBuildContextIsBounded(t *testing.T) {
	s := verifiedSession()
	s.State = conversation.Apply(s.State, conversation.AppointmentsLoaded{Appointments: []conversation.AppointmentSummary{
		{ID: "appt_001", Service: "AC tune-up", Date: "2026-10-20", Window: "8am-12pm"},
	}})
	full := BuildContext(s, 0)
	assert.Contains(t, full, "customer_id=cust_001")
	assert.Contains(t, full, "appt_001 AC tune-up")

	short := BuildContext(s, 40)
	assert.Len(t, short, 40)
	assert.Contains(t, short, "...")
}

func TestSnakeKey(t *testing.T) {
	assert.Equal(t, "customer_id", snakeKey("customerId"))
	assert.Equal(t, "slot_id", snakeKey("slot_id"))
	assert.Equal(t, "appointment_id", snakeKey("appointmentID"))
}
