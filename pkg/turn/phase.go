package turn

import (
	"sync"
	"time"
)

// Phase is where the assistant is within a turn.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseThinking
	PhaseSpeaking
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseThinking:
		return "THINKING"
	case PhaseSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// PhaseChange describes one phase transition.
type PhaseChange struct {
	From     Phase
	To       Phase
	StreamID uint64
	At       time.Time
	Reason   string
}

// InvalidTransitionError represents an invalid phase transition attempt.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid phase transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[Phase][]Phase{
	PhaseIdle:     {PhaseThinking},
	PhaseThinking: {PhaseSpeaking, PhaseIdle, PhaseThinking},
	PhaseSpeaking: {PhaseIdle, PhaseThinking},
}

type phaseMachine struct {
	mu        sync.Mutex
	current   Phase
	listeners []func(PhaseChange)
}

func (m *phaseMachine) get() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *phaseMachine) transition(to Phase, streamID uint64, reason string) error {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.current = to
	listeners := append([]func(PhaseChange){}, m.listeners...)
	m.mu.Unlock()

	change := PhaseChange{From: from, To: to, StreamID: streamID, At: time.Now(), Reason: reason}
	for _, fn := range listeners {
		fn(change)
	}
	return nil
}

func transitionValid(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
