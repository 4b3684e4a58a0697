package turn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginIncrementsStreamAndSupersedes(t *testing.T) {
	tr := NewTracker()
	first := tr.Begin(context.Background(), "m1", "")
	second := tr.Begin(context.Background(), "m2", "")

	assert.EqualValues(t, 1, first.StreamID)
	assert.EqualValues(t, 2, second.StreamID)
	assert.True(t, first.Canceled())
	assert.ErrorIs(t, first.Cause(), ErrSuperseded)
	assert.False(t, second.Canceled())
	assert.True(t, tr.IsActive(second))
	assert.False(t, tr.IsActive(first))
	assert.Equal(t, "turn-2", second.Ref().TurnID)
	assert.Equal(t, "m2", second.Ref().MessageID)
}

func TestBargeInCancelsAndStopsSpeaking(t *testing.T) {
	tr := NewTracker()
	cur := tr.Begin(context.Background(), "", "")
	require.True(t, tr.SetSpeaking(true, "first token"))
	require.True(t, tr.Speaking())

	canceled, changed := tr.BargeIn()
	assert.Equal(t, cur.StreamID, canceled)
	assert.True(t, changed)
	assert.False(t, tr.Speaking())
	assert.True(t, cur.Canceled())
	assert.True(t, errors.Is(cur.Cause(), ErrBargeIn))
	assert.Error(t, cur.Context().Err())
}

func TestBargeInWithoutTurn(t *testing.T) {
	tr := NewTracker()
	canceled, changed := tr.BargeIn()
	assert.Zero(t, canceled)
	assert.False(t, changed)
}

func TestSetSpeakingReportsOnlyChanges(t *testing.T) {
	tr := NewTracker()
	tr.Begin(context.Background(), "", "")
	assert.True(t, tr.SetSpeaking(true, "token"))
	assert.False(t, tr.SetSpeaking(true, "token"))
	assert.True(t, tr.SetSpeaking(false, "final"))
	assert.False(t, tr.SetSpeaking(false, "final"))
	assert.Equal(t, PhaseIdle, tr.Phase())
}

func TestEndIsNotCancellation(t *testing.T) {
	tr := NewTracker()
	cur := tr.Begin(context.Background(), "", "")
	tr.End(cur)
	assert.False(t, cur.Canceled())
	assert.Nil(t, tr.Current())
	assert.False(t, cur.Checkpoints().Final.IsZero())
}

func TestRecordStatusSkipsRepeats(t *testing.T) {
	tr := NewTracker()
	cur := tr.Begin(context.Background(), "", "")
	assert.True(t, cur.RecordStatus("Looking up your appointments"))
	assert.False(t, cur.RecordStatus("Looking up your appointments"))
	assert.True(t, cur.RecordStatus("Checking open slots"))
	cur.RecordModelCall("generate")
	cur.RecordToolCall("list_appointments")
	cur.RecordDecision("tool_call")

	meta := cur.Meta()
	assert.Equal(t, []string{"Looking up your appointments", "Checking open slots"}, meta.StatusTexts)
	assert.Equal(t, []string{"generate"}, meta.ModelCalls)
	assert.Equal(t, []string{"list_appointments"}, meta.ToolCalls)
	assert.Equal(t, "tool_call", meta.Decision)
	assert.False(t, cur.Checkpoints().FirstStatus.IsZero())
}

func TestPhaseListenerSeesTransitions(t *testing.T) {
	tr := NewTracker()
	var mu sync.Mutex
	var seen []Phase
	tr.OnPhaseChange(func(c PhaseChange) {
		mu.Lock()
		seen = append(seen, c.To)
		mu.Unlock()
	})
	tr.Begin(context.Background(), "", "")
	tr.SetSpeaking(true, "token")
	tr.BargeIn()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseThinking, PhaseSpeaking, PhaseIdle}, seen)
}

func TestInvalidTransition(t *testing.T) {
	var m phaseMachine
	err := m.transition(PhaseSpeaking, 1, "skip thinking")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "invalid phase transition from IDLE to SPEAKING", err.Error())
}
