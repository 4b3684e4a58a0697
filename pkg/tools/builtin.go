package tools

import (
	"context"
	"strings"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/workflow"
)

const (
	ToolListAppointments      = "list_appointments"
	ToolGetAppointmentDetails = "get_appointment_details"
	ToolGetAvailableSlots     = "get_available_slots"
	ToolCreateAppointment     = "create_appointment"
	ToolCancelAppointment     = "cancel_appointment"
	ToolRescheduleAppointment = "reschedule_appointment"
	ToolConfirmCancellation   = "confirm_cancellation"
	ToolGetOpenInvoices       = "get_open_invoices"
	ToolGetServicePolicy      = "get_service_policy"
	ToolEscalate              = "escalate"
)

type ListAppointmentsArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"minLength=1"`
	Limit      int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=10"`
}

type AppointmentDetailsArgs struct {
	AppointmentID string `json:"appointment_id" jsonschema:"minLength=1"`
}

type AvailableSlotsArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"minLength=1"`
	Days       int    `json:"days,omitempty" jsonschema:"minimum=1,maximum=30"`
}

type CreateAppointmentArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"minLength=1"`
	SlotID     string `json:"slot_id" jsonschema:"minLength=1"`
	Service    string `json:"service" jsonschema:"minLength=1"`
	Notes      string `json:"notes,omitempty"`
}

type ChangeAppointmentArgs struct {
	CustomerID    string `json:"customer_id" jsonschema:"minLength=1"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

type ConfirmCancellationArgs struct {
	Confirm bool `json:"confirm"`
}

type CustomerArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"minLength=1"`
}

type ServicePolicyArgs struct {
	Topic string `json:"topic" jsonschema:"minLength=1"`
}

type EscalateArgs struct {
	Reason     string `json:"reason" jsonschema:"minLength=1"`
	CustomerID string `json:"customer_id,omitempty"`
}

// DefaultCatalog returns every built-in tool.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		define(Tool{
			Name:             ToolListAppointments,
			Description:      "List the caller's upcoming appointments.",
			Preconditions:    []Precondition{PreVerified},
			InjectCustomerID: true,
		}, func(ctx context.Context, e env, a ListAppointmentsArgs) (Result, error) {
			limit := a.Limit
			if limit <= 0 {
				limit = 3
			}
			appts, err := e.adapter.ListUpcomingAppointments(ctx, a.CustomerID, limit)
			if err != nil {
				return nil, err
			}
			return AppointmentsResult{Appointments: appts}, nil
		}),
		define(Tool{
			Name:          ToolGetAppointmentDetails,
			Description:   "Give details about one of the appointments already listed to the caller.",
			Preconditions: []Precondition{PreVerified, PreHasAppointments},
		}, func(ctx context.Context, e env, a AppointmentDetailsArgs) (Result, error) {
			for _, s := range e.session.State.Appointments {
				if s.ID == a.AppointmentID {
					return AppointmentDetailsResult{Appointment: business.Appointment{
						ID: s.ID, Date: s.Date, Window: s.Window, Service: s.Service, Technician: s.Technician,
						CustomerID: e.session.State.CustomerID(), Status: "scheduled",
					}}, nil
				}
			}
			return ClarifyResult{
				Tool:    ToolGetAppointmentDetails,
				Missing: []string{"appointment_id"},
				Text:    "Which appointment would you like details on?",
			}, nil
		}),
		define(Tool{
			Name:             ToolGetAvailableSlots,
			Description:      "Find open service slots for a new or moved appointment.",
			Preconditions:    []Precondition{PreVerified},
			InjectCustomerID: true,
		}, func(ctx context.Context, e env, a AvailableSlotsArgs) (Result, error) {
			window := business.DefaultSlotWindow(e.now)
			if a.Days > 0 {
				window.To = e.now.AddDate(0, 0, a.Days)
			}
			slots, err := e.adapter.GetAvailableSlots(ctx, a.CustomerID, window)
			if err != nil {
				return nil, err
			}
			if len(slots) > 5 {
				slots = slots[:5]
			}
			return SlotsResult{Slots: slots}, nil
		}),
		define(Tool{
			Name:             ToolCreateAppointment,
			Description:      "Book a new appointment in one of the offered slots.",
			Preconditions:    []Precondition{PreVerified, PreHasAvailableSlots},
			InjectCustomerID: true,
		}, func(ctx context.Context, e env, a CreateAppointmentArgs) (Result, error) {
			res, err := e.adapter.CreateAppointment(ctx, business.CreateAppointmentInput{
				CustomerID: a.CustomerID, SlotID: a.SlotID, Service: a.Service, Notes: a.Notes,
			})
			if err != nil {
				return nil, err
			}
			return CreateResult{OK: res.OK, AppointmentID: res.AppointmentID, SlotID: a.SlotID}, nil
		}),
		define(Tool{
			Name:             ToolCancelAppointment,
			Description:      "Start cancelling one of the caller's appointments.",
			Preconditions:    []Precondition{PreVerified},
			InjectCustomerID: true,
			Workflow:         workflow.KindCancel,
		}, delegate[ChangeAppointmentArgs](workflow.KindCancel)),
		define(Tool{
			Name:             ToolRescheduleAppointment,
			Description:      "Start moving one of the caller's appointments to another slot.",
			Preconditions:    []Precondition{PreVerified},
			InjectCustomerID: true,
			Workflow:         workflow.KindReschedule,
		}, delegate[ChangeAppointmentArgs](workflow.KindReschedule)),
		define(Tool{
			Name:          ToolConfirmCancellation,
			Description:   "Confirm or decline the cancellation the caller was asked about.",
			Preconditions: []Precondition{PreVerified, PrePendingCancellation},
		}, func(ctx context.Context, e env, a ConfirmCancellationArgs) (Result, error) {
			id := *e.session.State.PendingCancellationID
			if !a.Confirm {
				return CancellationResult{Declined: true, Text: "No problem, your appointment stays as scheduled."}, nil
			}
			res, err := e.adapter.CancelAppointment(ctx, id)
			if err != nil {
				return nil, err
			}
			if !res.OK {
				return CancellationResult{Text: "I wasn't able to cancel that appointment. It may already be cancelled."}, nil
			}
			return CancellationResult{OK: true, AppointmentID: id, Text: "Your appointment has been cancelled."}, nil
		}),
		define(Tool{
			Name:             ToolGetOpenInvoices,
			Description:      "List the caller's open invoices.",
			Preconditions:    []Precondition{PreVerified},
			InjectCustomerID: true,
		}, func(ctx context.Context, e env, a CustomerArgs) (Result, error) {
			invoices, err := e.adapter.GetOpenInvoices(ctx, a.CustomerID)
			if err != nil {
				return nil, err
			}
			return InvoicesResult{Invoices: invoices}, nil
		}),
		define(Tool{
			Name:        ToolGetServicePolicy,
			Description: "Look up a service policy such as cancellation or warranty terms.",
		}, func(ctx context.Context, e env, a ServicePolicyArgs) (Result, error) {
			topic := strings.ToLower(a.Topic)
			text, err := e.adapter.GetServicePolicy(ctx, topic)
			if err != nil {
				return nil, err
			}
			return ServicePolicyResult{Topic: topic, Policy: text}, nil
		}),
		define(Tool{
			Name:             ToolEscalate,
			Description:      "Open a ticket so a human team member follows up with the caller.",
			InjectCustomerID: true,
		}, func(ctx context.Context, e env, a EscalateArgs) (Result, error) {
			res, err := e.adapter.Escalate(ctx, business.EscalationInput{
				CustomerID: a.CustomerID, Phone: e.session.Phone, Reason: a.Reason,
			})
			if err != nil {
				return nil, err
			}
			return EscalationResult{OK: res.OK, TicketID: res.TicketID}, nil
		}),
	)
}

func delegate[A any](kind workflow.Kind) func(context.Context, env, A) (Result, error) {
	return func(context.Context, env, A) (Result, error) {
		return WorkflowResult{Workflow: kind}, nil
	}
}
