package callsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/store"
)

func TestEnsureCreatesOnce(t *testing.T) {
	s := NewSessions(store.NewMemory(), nil)
	ctx := context.Background()

	rec, err := s.Ensure(ctx, "", "conv-1", "+14155550142")
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	again, err := s.Ensure(ctx, rec.ID, "conv-other", "+1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", again.ConversationID)
	assert.True(t, rec.CreatedAt.Equal(again.CreatedAt), "created at survives the store round trip")
}

func TestUpdateSummaryRoundTrip(t *testing.T) {
	s := NewSessions(store.NewMemory(), nil)
	ctx := context.Background()
	rec, err := s.Ensure(ctx, "call-1", "conv-1", "+14155550142")
	require.NoError(t, err)

	_, err = s.UpdateSummary(ctx, rec.ID, func(sum *Summary) {
		sum.IdentityStatus = IdentityVerified
		sum.VerifiedCustomerID = "cust_001"
		sum.LastAppointmentOptions = []business.Appointment{{ID: "appt_001"}}
		sum.WorkflowState = &WorkflowState{Kind: "cancel", Step: "select_appointment", InstanceID: "wf-1"}
	})
	require.NoError(t, err)

	sum, err := s.Summary(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, IdentityVerified, sum.IdentityStatus)
	assert.Equal(t, "cust_001", sum.VerifiedCustomerID)
	require.NotNil(t, sum.WorkflowState)
	assert.Equal(t, "wf-1", sum.WorkflowState.InstanceID)
}

func TestMalformedSummaryIsTreatedAsAbsent(t *testing.T) {
	kv := store.NewMemory()
	s := NewSessions(kv, nil)
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, kv, "calls/call-9", Record{ID: "call-9", Summary: "{not json"}))

	sum, err := s.Summary(ctx, "call-9")
	require.NoError(t, err)
	assert.Equal(t, IdentityUnverified, sum.IdentityStatus)
	assert.Nil(t, sum.WorkflowState)

	sum, err = s.UpdateSummary(ctx, "call-9", func(sum *Summary) { sum.VerifiedCustomerID = "cust_002" })
	require.NoError(t, err)
	assert.Equal(t, "cust_002", sum.VerifiedCustomerID)
}

func TestTurnsInStreamOrder(t *testing.T) {
	s := NewSessions(store.NewMemory(), nil)
	ctx := context.Background()
	for _, id := range []uint64{2, 10, 1} {
		require.NoError(t, s.AppendTurn(ctx, "call-1", TurnRecord{StreamID: id, UserText: "hi"}))
	}
	turns, err := s.Turns(ctx, "call-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.EqualValues(t, []uint64{1, 2, 10}, []uint64{turns[0].StreamID, turns[1].StreamID, turns[2].StreamID})
}
