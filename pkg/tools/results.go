package tools

import (
	"fmt"
	"strings"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/workflow"
)

// Result is the outcome of one orchestrated turn. Each tool has its own
// variant; the remaining variants cover replies that reached no tool.
type Result interface {
	// Kind names the variant. Tool variants use the tool name.
	Kind() string
	// Message is the canned reply used when the model cannot narrate.
	Message() string
	isResult()
}

type AppointmentsResult struct {
	Appointments []business.Appointment `json:"appointments"`
}

type AppointmentDetailsResult struct {
	Appointment business.Appointment `json:"appointment"`
}

type SlotsResult struct {
	Slots []business.Slot `json:"slots"`
}

type CreateResult struct {
	OK            bool   `json:"ok"`
	AppointmentID string `json:"appointmentId,omitempty"`
	SlotID        string `json:"slotId"`
}

type CancellationResult struct {
	OK            bool   `json:"ok"`
	Declined      bool   `json:"declined"`
	AppointmentID string `json:"canceledAppointmentId"`
	Text          string `json:"message"`
}

type InvoicesResult struct {
	Invoices []business.Invoice `json:"invoices"`
}

type ServicePolicyResult struct {
	Topic  string `json:"topic"`
	Policy string `json:"policy"`
}

type EscalationResult struct {
	OK       bool   `json:"ok"`
	TicketID string `json:"ticketId,omitempty"`
}

// WorkflowResult asks the caller to hand the turn to the workflow bridge.
type WorkflowResult struct {
	Workflow workflow.Kind `json:"workflow"`
}

// MessageResult is a plain text reply decided by the model.
type MessageResult struct {
	Text string `json:"message"`
}

// ClarifyResult asks the user for arguments a tool is missing.
type ClarifyResult struct {
	Tool    string   `json:"tool"`
	Missing []string `json:"missing"`
	Text    string   `json:"message"`
}

// PolicyResult reports an unmet precondition. No adapter call was made.
type PolicyResult struct {
	Tool         string       `json:"tool"`
	Precondition Precondition `json:"precondition"`
	Hint         string       `json:"hint"`
	Text         string       `json:"message"`
}

// FallbackResult is the safe reply after a failure.
type FallbackResult struct {
	Tool string `json:"tool,omitempty"`
	Text string `json:"message"`
}

func (AppointmentsResult) Kind() string       { return ToolListAppointments }
func (AppointmentDetailsResult) Kind() string { return ToolGetAppointmentDetails }
func (SlotsResult) Kind() string              { return ToolGetAvailableSlots }
func (CreateResult) Kind() string             { return ToolCreateAppointment }
func (CancellationResult) Kind() string       { return ToolConfirmCancellation }
func (InvoicesResult) Kind() string           { return ToolGetOpenInvoices }
func (ServicePolicyResult) Kind() string      { return ToolGetServicePolicy }
func (EscalationResult) Kind() string         { return ToolEscalate }
func (WorkflowResult) Kind() string           { return "workflow" }
func (MessageResult) Kind() string            { return "message" }
func (ClarifyResult) Kind() string            { return "clarify" }
func (PolicyResult) Kind() string             { return "policy" }
func (FallbackResult) Kind() string           { return "fallback" }

func (AppointmentsResult) isResult()       {}
func (AppointmentDetailsResult) isResult() {}
func (SlotsResult) isResult()              {}
func (CreateResult) isResult()             {}
func (CancellationResult) isResult()       {}
func (InvoicesResult) isResult()           {}
func (ServicePolicyResult) isResult()      {}
func (EscalationResult) isResult()         {}
func (WorkflowResult) isResult()           {}
func (MessageResult) isResult()            {}
func (ClarifyResult) isResult()            {}
func (PolicyResult) isResult()             {}
func (FallbackResult) isResult()           {}

func (r AppointmentsResult) Message() string {
	if len(r.Appointments) == 0 {
		return "You don't have any upcoming appointments."
	}
	parts := make([]string, 0, len(r.Appointments))
	for _, a := range r.Appointments {
		parts = append(parts, fmt.Sprintf("%s on %s, %s", a.Service, a.Date, a.Window))
	}
	return fmt.Sprintf("You have %d upcoming appointment(s): %s.", len(parts), strings.Join(parts, "; "))
}

func (r AppointmentDetailsResult) Message() string {
	a := r.Appointment
	msg := fmt.Sprintf("Your %s is on %s, %s.", a.Service, a.Date, a.Window)
	if a.Technician != "" {
		msg += " Your technician is " + a.Technician + "."
	}
	return msg
}

func (r SlotsResult) Message() string {
	if len(r.Slots) == 0 {
		return "I don't see any open slots in the next two weeks."
	}
	parts := make([]string, 0, len(r.Slots))
	for _, s := range r.Slots {
		parts = append(parts, s.Date+", "+s.Window)
	}
	return "The next openings are " + strings.Join(parts, "; ") + ". Which one works for you?"
}

func (r CreateResult) Message() string {
	if !r.OK {
		return "That slot is no longer available. Would you like to hear other openings?"
	}
	return "You're booked. Your confirmation number is " + r.AppointmentID + "."
}

func (r CancellationResult) Message() string { return r.Text }

func (r InvoicesResult) Message() string {
	if len(r.Invoices) == 0 {
		return "You don't have any open invoices."
	}
	var total int64
	for _, inv := range r.Invoices {
		total += inv.AmountCents
	}
	return fmt.Sprintf("You have %d open invoice(s) totaling $%d.%02d.", len(r.Invoices), total/100, total%100)
}

func (r ServicePolicyResult) Message() string { return r.Policy }

func (r EscalationResult) Message() string {
	if !r.OK {
		return "I couldn't reach our team just now. Please call back during business hours."
	}
	return "I've opened ticket " + r.TicketID + " and someone from our team will follow up."
}

func (r WorkflowResult) Message() string { return "" }
func (r MessageResult) Message() string  { return r.Text }
func (r ClarifyResult) Message() string  { return r.Text }
func (r PolicyResult) Message() string   { return r.Text }
func (r FallbackResult) Message() string { return r.Text }

// ValidateResult checks a result before it is used downstream.
func ValidateResult(r Result) error {
	switch v := r.(type) {
	case AppointmentsResult:
		for _, a := range v.Appointments {
			if a.ID == "" {
				return fmt.Errorf("appointment without id")
			}
		}
	case AppointmentDetailsResult:
		if v.Appointment.ID == "" {
			return fmt.Errorf("appointment without id")
		}
	case SlotsResult:
		for _, s := range v.Slots {
			if s.ID == "" {
				return fmt.Errorf("slot without id")
			}
		}
	case CreateResult:
		if v.OK && v.AppointmentID == "" {
			return fmt.Errorf("booking reported ok without appointment id")
		}
	case CancellationResult:
		if v.OK && v.AppointmentID == "" {
			return fmt.Errorf("cancellation reported ok without appointment id")
		}
		if v.Text == "" {
			return fmt.Errorf("empty cancellation message")
		}
	case InvoicesResult:
		for _, inv := range v.Invoices {
			if inv.ID == "" || inv.AmountCents < 0 {
				return fmt.Errorf("invalid invoice %q", inv.ID)
			}
		}
	case ServicePolicyResult:
		if strings.TrimSpace(v.Policy) == "" {
			return fmt.Errorf("empty policy for topic %q", v.Topic)
		}
	case EscalationResult:
		if v.OK && v.TicketID == "" {
			return fmt.Errorf("escalation reported ok without ticket id")
		}
	case WorkflowResult:
		if v.Workflow != workflow.KindCancel && v.Workflow != workflow.KindReschedule {
			return fmt.Errorf("unknown workflow %q", v.Workflow)
		}
	case MessageResult:
		if strings.TrimSpace(v.Text) == "" {
			return fmt.Errorf("empty message")
		}
	case ClarifyResult:
		if v.Text == "" {
			return fmt.Errorf("empty clarification")
		}
	case PolicyResult:
		if v.Text == "" {
			return fmt.Errorf("empty policy message")
		}
	case FallbackResult:
		if v.Text == "" {
			return fmt.Errorf("empty fallback message")
		}
	default:
		return fmt.Errorf("unknown result variant %T", r)
	}
	return nil
}
