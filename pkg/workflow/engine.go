// Package workflow drives the multi-step cancel and reschedule processes.
// The process itself lives behind Engine and is addressed by instance id;
// Bridge folds its progress back into the conversation.
package workflow

import (
	"context"
	"errors"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/llm"
)

var (
	// ErrNoInstance is returned for an unknown instance id.
	ErrNoInstance = errors.New("workflow: no such instance")
	// ErrInstanceDone is returned when signaling a finished instance.
	ErrInstanceDone = errors.New("workflow: instance already finished")
	// ErrUnexpectedEvent is returned when an event does not fit the current step.
	ErrUnexpectedEvent = errors.New("workflow: event does not match current step")
)

// Kind names a workflow.
type Kind string

const (
	KindCancel     Kind = "cancel"
	KindReschedule Kind = "reschedule"
)

// StepName is the position of an instance.
type StepName string

const (
	StepSelectAppointment StepName = "select_appointment"
	StepSelectSlot        StepName = "select_slot"
	StepConfirm           StepName = "confirm"
	StepDone              StepName = "done"
	StepFailed            StepName = "failed"
)

// Outcomes of a finished instance.
const (
	OutcomeCanceled    = "canceled"
	OutcomeRescheduled = "rescheduled"
	OutcomeDeclined    = "declined"
	OutcomeAborted     = "aborted"
	OutcomeEmpty       = "no_appointments"
	OutcomeNoSlots     = "no_slots"
	OutcomeError       = "error"
)

// Step is what an instance is waiting for, or how it ended.
type Step struct {
	InstanceID    string       `json:"instanceId"`
	Kind          Kind         `json:"kind"`
	Name          StepName     `json:"name"`
	Prompt        string       `json:"prompt"`
	Options       []llm.Option `json:"options,omitempty"`
	AppointmentID string       `json:"appointmentId,omitempty"`
	SlotID        string       `json:"slotId,omitempty"`
	Done          bool         `json:"done"`
	Outcome       string       `json:"outcome,omitempty"`
}

// Expects returns the selection kind the step waits on, or "" when it
// waits on nothing.
func (s Step) Expects() llm.SelectionKind {
	switch s.Name {
	case StepSelectAppointment:
		return llm.SelectAppointment
	case StepSelectSlot:
		return llm.SelectSlot
	case StepConfirm:
		return llm.SelectConfirmation
	}
	return ""
}

// EventType is the kind of input forwarded to an instance.
type EventType string

const (
	EventSelectAppointment EventType = "select_appointment"
	EventSelectSlot        EventType = "select_slot"
	EventConfirm           EventType = "confirm"
	EventAbort             EventType = "abort"
)

// Event is a user decision forwarded to an instance. Confirm events carry
// "yes" or "no".
type Event struct {
	Type  EventType `json:"type"`
	Value string    `json:"value,omitempty"`
}

// StartInput seeds a new instance.
type StartInput struct {
	CustomerID    string
	CallSessionID string
	// Appointments are the options offered first. When empty the engine
	// loads them itself.
	Appointments []business.Appointment
}

// Engine runs workflow instances.
type Engine interface {
	Start(ctx context.Context, kind Kind, in StartInput) (string, error)
	Signal(ctx context.Context, instanceID string, ev Event) (Step, error)
	Current(ctx context.Context, instanceID string) (Step, error)
}

func eventFor(kind llm.SelectionKind) EventType {
	switch kind {
	case llm.SelectSlot:
		return EventSelectSlot
	case llm.SelectConfirmation:
		return EventConfirm
	default:
		return EventSelectAppointment
	}
}
