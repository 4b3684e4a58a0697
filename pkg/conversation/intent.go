package conversation

// VerificationReason says why verification is being requested again.
type VerificationReason string

const (
	ReasonMissing    VerificationReason = "missing"
	ReasonInvalidZip VerificationReason = "invalid_zip"
)

// Intent is a discrete input to Apply. The set of variants is closed.
type Intent interface {
	intentName() string
}

type RequestVerification struct{ Reason VerificationReason }

type Verified struct{ CustomerID string }

type AppointmentsLoaded struct{ Appointments []AppointmentSummary }

type AppointmentsListed struct{}

type CancelRequested struct{ AppointmentID string }

type CancelConfirmed struct{}

type CancelDeclined struct{}

func (RequestVerification) intentName() string { return "request_verification" }
func (Verified) intentName() string            { return "verified" }
func (AppointmentsLoaded) intentName() string  { return "appointments_loaded" }
func (AppointmentsListed) intentName() string  { return "appointments_listed" }
func (CancelRequested) intentName() string     { return "cancel_requested" }
func (CancelConfirmed) intentName() string     { return "cancel_confirmed" }
func (CancelDeclined) intentName() string      { return "cancel_declined" }

// IntentName returns the wire name of an intent, or "" for nil.
func IntentName(in Intent) string {
	if in == nil {
		return ""
	}
	return in.intentName()
}
