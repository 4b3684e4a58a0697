package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/logging"
)

var confirmOptions = []llm.Option{{ID: "yes", Label: "Yes"}, {ID: "no", Label: "No"}}

type instance struct {
	kind         Kind
	customerID   string
	appointments []business.Appointment
	slots        []business.Slot
	step         Step
}

// MemoryEngine runs instances in process against the business adapter.
// Instances do not survive a restart.
type MemoryEngine struct {
	adapter business.Adapter
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
}

func NewMemoryEngine(adapter business.Adapter, log *slog.Logger) *MemoryEngine {
	return &MemoryEngine{
		adapter:   adapter,
		log:       logging.NewComponentLogger(log, "workflow_engine"),
		now:       time.Now,
		instances: make(map[string]*instance),
	}
}

// SetClock overrides the clock used for slot searches.
func (e *MemoryEngine) SetClock(now func() time.Time) { e.now = now }

func (e *MemoryEngine) Start(ctx context.Context, kind Kind, in StartInput) (string, error) {
	if kind != KindCancel && kind != KindReschedule {
		return "", fmt.Errorf("workflow: unknown kind %q", kind)
	}
	appts := in.Appointments
	if len(appts) == 0 {
		var err error
		appts, err = e.adapter.ListUpcomingAppointments(ctx, in.CustomerID, 3)
		if err != nil {
			return "", errorsx.Wrap(err, errorsx.ReasonAdapterCall)
		}
	}
	id := uuid.NewString()
	inst := &instance{kind: kind, customerID: in.CustomerID, appointments: appts}
	if len(appts) == 0 {
		inst.step = finished(id, kind, OutcomeEmpty, "I don't see any upcoming appointments on your account.")
	} else {
		inst.step = Step{
			InstanceID: id,
			Kind:       kind,
			Name:       StepSelectAppointment,
			Prompt:     "Which appointment would you like to " + verb(kind) + "? " + listAppointments(appts),
			Options:    appointmentOptions(appts),
		}
	}
	e.mu.Lock()
	e.instances[id] = inst
	e.mu.Unlock()
	e.log.Info("workflow_started", "instance_id", id, "kind", string(kind), "appointments", len(appts))
	return id, nil
}

func (e *MemoryEngine) Current(ctx context.Context, instanceID string) (Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return Step{}, ErrNoInstance
	}
	return inst.step, nil
}

func (e *MemoryEngine) Signal(ctx context.Context, instanceID string, ev Event) (Step, error) {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return Step{}, ErrNoInstance
	}
	if inst.step.Done {
		return inst.step, ErrInstanceDone
	}

	next, err := e.advance(ctx, instanceID, inst, ev)
	if err != nil {
		return inst.step, err
	}
	e.mu.Lock()
	inst.step = next
	e.mu.Unlock()
	e.log.Debug("workflow_step", "instance_id", instanceID, "step", string(next.Name), "outcome", next.Outcome)
	return next, nil
}

func (e *MemoryEngine) advance(ctx context.Context, id string, inst *instance, ev Event) (Step, error) {
	cur := inst.step
	if ev.Type == EventAbort {
		return finished(id, inst.kind, OutcomeAborted, "Okay, I've left your appointments as they are."), nil
	}
	if eventFor(cur.Expects()) != ev.Type {
		return Step{}, ErrUnexpectedEvent
	}

	switch cur.Name {
	case StepSelectAppointment:
		appt, ok := findAppointment(inst.appointments, ev.Value)
		if !ok {
			return Step{}, fmt.Errorf("%w: unknown appointment %q", ErrUnexpectedEvent, ev.Value)
		}
		if inst.kind == KindCancel {
			return Step{
				InstanceID:    id,
				Kind:          inst.kind,
				Name:          StepConfirm,
				Prompt:        "Just to confirm, you'd like to cancel your " + describeAppointment(appt) + "?",
				Options:       confirmOptions,
				AppointmentID: appt.ID,
			}, nil
		}
		slots, err := e.adapter.GetAvailableSlots(ctx, inst.customerID, business.DefaultSlotWindow(e.now()))
		if err != nil {
			return Step{}, errorsx.Wrap(err, errorsx.ReasonAdapterCall)
		}
		if len(slots) == 0 {
			return finished(id, inst.kind, OutcomeNoSlots, "I'm sorry, there are no open slots in the next two weeks."), nil
		}
		if len(slots) > 3 {
			slots = slots[:3]
		}
		inst.slots = slots
		return Step{
			InstanceID:    id,
			Kind:          inst.kind,
			Name:          StepSelectSlot,
			Prompt:        "Here are the next openings: " + listSlots(slots) + " Which works best?",
			Options:       slotOptions(slots),
			AppointmentID: appt.ID,
		}, nil

	case StepSelectSlot:
		slot, ok := findSlot(inst.slots, ev.Value)
		if !ok {
			return Step{}, fmt.Errorf("%w: unknown slot %q", ErrUnexpectedEvent, ev.Value)
		}
		return Step{
			InstanceID:    id,
			Kind:          inst.kind,
			Name:          StepConfirm,
			Prompt:        "Just to confirm, you'd like to move your appointment to " + describeSlot(slot) + "?",
			Options:       confirmOptions,
			AppointmentID: cur.AppointmentID,
			SlotID:        slot.ID,
		}, nil

	case StepConfirm:
		if ev.Value != "yes" {
			done := finished(id, inst.kind, OutcomeDeclined, "No problem, I've kept your appointment as it is.")
			done.AppointmentID = cur.AppointmentID
			return done, nil
		}
		return e.commit(ctx, id, inst, cur), nil
	}
	return Step{}, ErrUnexpectedEvent
}

// commit performs the confirmed change. Adapter failures end the instance
// in the failed step rather than surfacing as errors.
func (e *MemoryEngine) commit(ctx context.Context, id string, inst *instance, cur Step) Step {
	failed := Step{
		InstanceID:    id,
		Kind:          inst.kind,
		Name:          StepFailed,
		Prompt:        "I wasn't able to complete that change. Please try again later or ask for our team.",
		AppointmentID: cur.AppointmentID,
		Done:          true,
		Outcome:       OutcomeError,
	}
	if inst.kind == KindCancel {
		res, err := e.adapter.CancelAppointment(ctx, cur.AppointmentID)
		if err != nil || !res.OK {
			e.log.Warn("cancel_failed", "instance_id", id, "appointment_id", cur.AppointmentID, "error", errorsx.Wrap(err, errorsx.ReasonAdapterCall))
			return failed
		}
		done := finished(id, inst.kind, OutcomeCanceled, "Your appointment has been cancelled.")
		done.AppointmentID = cur.AppointmentID
		return done
	}
	res, err := e.adapter.RescheduleAppointment(ctx, cur.AppointmentID, cur.SlotID)
	if err != nil || !res.OK {
		e.log.Warn("reschedule_failed", "instance_id", id, "appointment_id", cur.AppointmentID, "error", errorsx.Wrap(err, errorsx.ReasonAdapterCall))
		return failed
	}
	prompt := "Your appointment has been moved."
	if res.Appointment != nil {
		prompt = "Your appointment is now " + describeAppointment(*res.Appointment) + "."
	}
	done := finished(id, inst.kind, OutcomeRescheduled, prompt)
	done.AppointmentID = cur.AppointmentID
	done.SlotID = cur.SlotID
	return done
}

func finished(id string, kind Kind, outcome, prompt string) Step {
	return Step{InstanceID: id, Kind: kind, Name: StepDone, Prompt: prompt, Done: true, Outcome: outcome}
}

func verb(kind Kind) string {
	if kind == KindReschedule {
		return "reschedule"
	}
	return "cancel"
}

func describeAppointment(a business.Appointment) string {
	return strings.TrimSpace(fmt.Sprintf("%s on %s, %s", a.Service, a.Date, a.Window))
}

func describeSlot(s business.Slot) string {
	return s.Date + ", " + s.Window
}

func listAppointments(appts []business.Appointment) string {
	parts := make([]string, 0, len(appts))
	for i, a := range appts {
		parts = append(parts, fmt.Sprintf("%d) %s", i+1, describeAppointment(a)))
	}
	return strings.Join(parts, "; ") + "."
}

func listSlots(slots []business.Slot) string {
	parts := make([]string, 0, len(slots))
	for i, s := range slots {
		parts = append(parts, fmt.Sprintf("%d) %s", i+1, describeSlot(s)))
	}
	return strings.Join(parts, "; ") + "."
}

func appointmentOptions(appts []business.Appointment) []llm.Option {
	out := make([]llm.Option, 0, len(appts))
	for _, a := range appts {
		out = append(out, llm.Option{ID: a.ID, Label: describeAppointment(a)})
	}
	return out
}

func slotOptions(slots []business.Slot) []llm.Option {
	out := make([]llm.Option, 0, len(slots))
	for _, s := range slots {
		out = append(out, llm.Option{ID: s.ID, Label: describeSlot(s)})
	}
	return out
}

func findAppointment(appts []business.Appointment, id string) (business.Appointment, bool) {
	for _, a := range appts {
		if a.ID == id {
			return a, true
		}
	}
	return business.Appointment{}, false
}

func findSlot(slots []business.Slot, id string) (business.Slot, bool) {
	for _, s := range slots {
		if s.ID == id {
			return s, true
		}
	}
	return business.Slot{}, false
}
