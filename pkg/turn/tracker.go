package turn

import (
	"context"
	"sync"
)

// Tracker owns the stream counter, the current turn and the speaking flag
// of one conversation. Begin is called from the actor loop; BargeIn may be
// called from any goroutine while a turn is in flight.
type Tracker struct {
	mu       sync.Mutex
	streamID uint64
	current  *Turn
	phase    phaseMachine
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// OnPhaseChange registers fn to observe phase transitions.
func (tr *Tracker) OnPhaseChange(fn func(PhaseChange)) {
	tr.phase.mu.Lock()
	tr.phase.listeners = append(tr.phase.listeners, fn)
	tr.phase.mu.Unlock()
}

// Begin starts a new turn, superseding any turn still in flight.
func (tr *Tracker) Begin(parent context.Context, messageID, correlationID string) *Turn {
	tr.mu.Lock()
	if tr.current != nil {
		tr.current.cancel(ErrSuperseded)
	}
	tr.streamID++
	t := newTurn(parent, tr.streamID, messageID, correlationID)
	tr.current = t
	tr.mu.Unlock()

	_ = tr.phase.transition(PhaseThinking, t.StreamID, "turn started")
	return t
}

// End releases the turn. Later emissions for it are still dropped because
// the stream is no longer active.
func (tr *Tracker) End(t *Turn) {
	if t == nil {
		return
	}
	t.MarkFinal()
	t.cancel(ErrTurnDone)
	tr.mu.Lock()
	if tr.current == t {
		tr.current = nil
	}
	tr.mu.Unlock()
}

// ActiveStreamID returns the id of the most recently started turn.
func (tr *Tracker) ActiveStreamID() uint64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.streamID
}

// Current returns the turn in flight, or nil.
func (tr *Tracker) Current() *Turn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.current
}

// IsActive reports whether t is the turn currently allowed to emit.
func (tr *Tracker) IsActive(t *Turn) bool {
	if t == nil || t.Canceled() {
		return false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return t.StreamID == tr.streamID
}

// BargeIn cancels the active stream and forces speaking off. It returns the
// canceled stream id (0 when nothing was in flight) and whether the speaking
// flag changed.
func (tr *Tracker) BargeIn() (uint64, bool) {
	tr.mu.Lock()
	var canceled uint64
	if tr.current != nil {
		canceled = tr.current.StreamID
		tr.current.cancel(ErrBargeIn)
		tr.current = nil
	}
	streamID := tr.streamID
	tr.mu.Unlock()

	changed := tr.phase.get() == PhaseSpeaking
	if tr.phase.get() != PhaseIdle {
		_ = tr.phase.transition(PhaseIdle, streamID, "barge-in")
	}
	return canceled, changed
}

// Speaking reports the speaking flag.
func (tr *Tracker) Speaking() bool {
	return tr.phase.get() == PhaseSpeaking
}

// Phase returns the current phase.
func (tr *Tracker) Phase() Phase {
	return tr.phase.get()
}

// SetSpeaking sets the speaking flag and reports whether it changed.
func (tr *Tracker) SetSpeaking(on bool, reason string) bool {
	streamID := tr.ActiveStreamID()
	cur := tr.phase.get()
	switch {
	case on && cur == PhaseSpeaking, !on && cur != PhaseSpeaking:
		if !on && cur == PhaseThinking {
			_ = tr.phase.transition(PhaseIdle, streamID, reason)
		}
		return false
	case on:
		if cur == PhaseIdle {
			_ = tr.phase.transition(PhaseThinking, streamID, reason)
		}
		return tr.phase.transition(PhaseSpeaking, streamID, reason) == nil
	default:
		return tr.phase.transition(PhaseIdle, streamID, reason) == nil
	}
}
