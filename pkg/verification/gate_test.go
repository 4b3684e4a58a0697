package verification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/providers/mock"
)

const danaPhone = "+14155550142"

func newGate(t *testing.T) (*Gate, *mock.BusinessAdapter, *metrics.MemoryObserver) {
	t.Helper()
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	obs := metrics.NewMemoryObserver()
	return NewGate(adapter, nil, obs), adapter, obs
}

func TestExtractZip(t *testing.T) {
	assert.Equal(t, "94107", ExtractZip("my zip is 94107 thanks"))
	assert.Equal(t, "94107", ExtractZip("94107"))
	assert.Equal(t, "", ExtractZip("call 4155550142"))
	assert.Equal(t, "", ExtractZip("zip 9410"))
}

func TestInferIntent(t *testing.T) {
	assert.Equal(t, IntentReschedule, InferIntent("I need to reschedule my visit"))
	assert.Equal(t, IntentCancel, InferIntent("please cancel my appointment"))
	assert.Equal(t, IntentSchedule, InferIntent("can I book a tune-up"))
	assert.Equal(t, IntentAppointments, InferIntent("what appointments do I have"))
	assert.Equal(t, IntentBilling, InferIntent("question about my bill"))
	assert.Equal(t, IntentEscalate, InferIntent("let me talk to a human"))
	assert.Equal(t, IntentNone, InferIntent("hello there"))
	assert.Equal(t, IntentBilling, InferIntent("how much do I owe"))
	assert.Equal(t, IntentCancel, InferIntent("Cancellation, please."))
}

func TestInferIntentIgnoresKeywordsInsideWords(t *testing.T) {
	for _, text := range []string{
		"my power is out",
		"however you can help",
		"the fan runs at a lower speed",
		"the blower sounds weird",
	} {
		assert.Equal(t, IntentNone, InferIntent(text), text)
	}
}

func TestNoZipWithUniqueMatchAsksWithoutCountingAttempt(t *testing.T) {
	g, _, _ := newGate(t)
	out := g.Check(context.Background(), Input{Text: "what are my appointments?", Phone: danaPhone, State: conversation.New()})

	assert.False(t, out.Passed)
	assert.False(t, out.State.Verification.Verified)
	assert.Zero(t, out.State.Verification.ZipAttempts)
	assert.Equal(t, conversation.StatusCollectingVerification, out.State.Status)
	assert.Equal(t, IntentAppointments, out.PendingIntent)
	assert.NotEmpty(t, out.Reply)
}

func TestWrongZipIncrementsAttemptsOnce(t *testing.T) {
	g, _, obs := newGate(t)
	out := g.Check(context.Background(), Input{Text: "it's 10001", Phone: danaPhone, State: conversation.New()})

	assert.False(t, out.Passed)
	assert.EqualValues(t, 1, out.State.Verification.ZipAttempts)
	assert.Equal(t, conversation.StatusCollectingVerification, out.State.Status)
	assert.Equal(t, "first_mismatch", out.Hint)
	require.Len(t, obs.Named(metrics.EventVerification), 1)
	assert.Equal(t, "invalid_zip", obs.Named(metrics.EventVerification)[0].Tags["outcome"])

	again := g.Check(context.Background(), Input{Text: "10002", Phone: danaPhone, State: out.State})
	assert.EqualValues(t, 2, again.State.Verification.ZipAttempts)
	assert.Equal(t, "second_mismatch", again.Hint)
}

func TestCorrectZipVerifiesAndResumes(t *testing.T) {
	g, _, _ := newGate(t)
	start := conversation.Apply(conversation.New(), conversation.RequestVerification{Reason: conversation.ReasonInvalidZip})
	out := g.Check(context.Background(), Input{Text: "94107", Phone: danaPhone, State: start, PendingIntent: IntentAppointments})

	require.True(t, out.Passed)
	assert.True(t, out.JustVerified)
	assert.Equal(t, conversation.StatusVerifiedIdle, out.State.Status)
	require.NotNil(t, out.State.Verification.CustomerID)
	assert.Equal(t, "cust_001", *out.State.Verification.CustomerID)
	assert.Zero(t, out.State.Verification.ZipAttempts)
	assert.Equal(t, IntentAppointments, out.ResumeIntent)
	assert.Equal(t, IntentNone, out.PendingIntent)
}

func TestSharedPhoneAsksAgainWithoutVerifying(t *testing.T) {
	g, adapter, _ := newGate(t)
	out := g.Check(context.Background(), Input{Text: "I want to cancel, my zip is 94016", Phone: "+1 415 555 0199", State: conversation.New()})
	assert.False(t, out.Passed)
	assert.Empty(t, out.CustomerID)
	assert.Equal(t, conversation.StatusCollectingVerification, out.State.Status)
	assert.Zero(t, out.State.Verification.ZipAttempts)
	assert.Equal(t, IntentCancel, out.PendingIntent)
	assert.Contains(t, out.Reply, "More than one account")
	assert.Zero(t, adapter.Calls("verify_account"))
}

func TestUnknownPhoneNeverVerifies(t *testing.T) {
	g, adapter, _ := newGate(t)
	out := g.Check(context.Background(), Input{Text: "94107", Phone: "+19999999999", State: conversation.New()})
	assert.False(t, out.Passed)
	assert.Zero(t, out.State.Verification.ZipAttempts)
	assert.Zero(t, adapter.Calls("verify_account"))
}

func TestLookupFailureIsSoft(t *testing.T) {
	g, adapter, _ := newGate(t)
	adapter.Fail("lookup_customer_by_phone", errors.New("crm down"))
	out := g.Check(context.Background(), Input{Text: "94107", Phone: danaPhone, State: conversation.New()})
	assert.False(t, out.Passed)
	assert.Empty(t, out.CustomerID)
	assert.NotEmpty(t, out.Reply)
}

func TestVerifyFailureKeepsAttempts(t *testing.T) {
	g, adapter, _ := newGate(t)
	adapter.Fail("verify_account", errors.New("timeout"))
	out := g.Check(context.Background(), Input{Text: "94107", Phone: danaPhone, State: conversation.New()})
	assert.False(t, out.Passed)
	assert.Zero(t, out.State.Verification.ZipAttempts)
}

func TestVerifiedCallerPassesThrough(t *testing.T) {
	g, adapter, _ := newGate(t)
	state := conversation.Apply(conversation.New(), conversation.Verified{CustomerID: "cust_001"})
	out := g.Check(context.Background(), Input{Text: "anything", Phone: danaPhone, State: state})
	assert.True(t, out.Passed)
	assert.False(t, out.JustVerified)
	assert.Equal(t, "cust_001", out.CustomerID)
	assert.Zero(t, adapter.Calls("lookup_customer_by_phone"))
}
