// Package business is the contract of the customer/appointment system the
// session actor talks to. Results are read-through data; the adapter is the
// authority on every business rule.
package business

import (
	"context"
	"time"
)

type CustomerMatch struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Appointment struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	Date       string `json:"date"`
	Window     string `json:"window"`
	Service    string `json:"service"`
	Technician string `json:"technician,omitempty"`
	Status     string `json:"status"`
}

type Slot struct {
	ID         string `json:"id"`
	Date       string `json:"date"`
	Window     string `json:"window"`
	Technician string `json:"technician,omitempty"`
}

// SlotWindow bounds a slot search.
type SlotWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type Invoice struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	DueDate     string `json:"dueDate"`
	Status      string `json:"status"`
}

type CancelResult struct {
	OK bool `json:"ok"`
}

type RescheduleResult struct {
	OK          bool         `json:"ok"`
	Appointment *Appointment `json:"appointment,omitempty"`
}

type CreateAppointmentInput struct {
	CustomerID string `json:"customerId"`
	SlotID     string `json:"slotId"`
	Service    string `json:"service"`
	Notes      string `json:"notes,omitempty"`
}

type CreateResult struct {
	OK            bool   `json:"ok"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

type EscalationInput struct {
	CustomerID string `json:"customerId,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Reason     string `json:"reason"`
	Summary    string `json:"summary,omitempty"`
}

type EscalationResult struct {
	OK       bool   `json:"ok"`
	TicketID string `json:"ticketId,omitempty"`
}

// Adapter is the business-data port.
type Adapter interface {
	LookupCustomerByPhone(ctx context.Context, phone string) ([]CustomerMatch, error)
	VerifyAccount(ctx context.Context, customerID, zip string) (bool, error)
	ListUpcomingAppointments(ctx context.Context, customerID string, limit int) ([]Appointment, error)
	GetAvailableSlots(ctx context.Context, customerID string, window SlotWindow) ([]Slot, error)
	CancelAppointment(ctx context.Context, appointmentID string) (CancelResult, error)
	RescheduleAppointment(ctx context.Context, appointmentID, slotID string) (RescheduleResult, error)
	CreateAppointment(ctx context.Context, in CreateAppointmentInput) (CreateResult, error)
	GetOpenInvoices(ctx context.Context, customerID string) ([]Invoice, error)
	GetServicePolicy(ctx context.Context, topic string) (string, error)
	Escalate(ctx context.Context, in EscalationInput) (EscalationResult, error)
}

// DefaultSlotWindow is the next fourteen days from now.
func DefaultSlotWindow(now time.Time) SlotWindow {
	return SlotWindow{From: now, To: now.Add(14 * 24 * time.Hour)}
}
