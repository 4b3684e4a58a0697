// Package conversation holds the conversation state record and the pure
// transition function that is the only way to change it.
package conversation

// Status is the coarse position of a conversation.
type Status string

const (
	StatusCollectingVerification          Status = "CollectingVerification"
	StatusVerifiedIdle                    Status = "VerifiedIdle"
	StatusPresentingAppointments          Status = "PresentingAppointments"
	StatusPendingCancellationConfirmation Status = "PendingCancellationConfirmation"
	StatusCompleted                       Status = "Completed"
)

// Verification tracks identity confirmation for the caller.
type Verification struct {
	Verified    bool    `json:"verified"`
	CustomerID  *string `json:"customerId"`
	ZipAttempts uint    `json:"zipAttempts"`
}

// AppointmentSummary is the cached, non-authoritative view of an appointment.
type AppointmentSummary struct {
	ID         string `json:"id"`
	Date       string `json:"date,omitempty"`
	Window     string `json:"window,omitempty"`
	Service    string `json:"service,omitempty"`
	Technician string `json:"technician,omitempty"`
}

// State is the conversation state persisted with the session snapshot.
type State struct {
	Status                Status               `json:"status"`
	Verification          Verification         `json:"verification"`
	Appointments          []AppointmentSummary `json:"appointments"`
	PendingCancellationID *string              `json:"pendingCancellationId"`
}

// New returns the state of a conversation that has never been seen.
func New() State {
	return State{
		Status:       StatusCollectingVerification,
		Appointments: []AppointmentSummary{},
	}
}

// CustomerID returns the verified customer id, or "" when unverified.
func (s State) CustomerID() string {
	if !s.Verification.Verified || s.Verification.CustomerID == nil {
		return ""
	}
	return *s.Verification.CustomerID
}

// Clone returns a copy sharing no mutable memory with s.
func (s State) Clone() State {
	out := s
	out.Appointments = append([]AppointmentSummary(nil), s.Appointments...)
	if out.Appointments == nil {
		out.Appointments = []AppointmentSummary{}
	}
	out.Verification.CustomerID = cloneString(s.Verification.CustomerID)
	out.PendingCancellationID = cloneString(s.PendingCancellationID)
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
