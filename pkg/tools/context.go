package tools

import (
	"fmt"
	"strings"

	"github.com/harunnryd/concierge/pkg/conversation"
)

// DefaultContextMaxChars bounds the context handed to the model.
const DefaultContextMaxChars = 1200

// BuildContext summarizes what the model may rely on this turn.
func BuildContext(s Session, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultContextMaxChars
	}
	var b strings.Builder
	v := s.State.Verification
	if v.Verified {
		fmt.Fprintf(&b, "verification: verified customer_id=%s\n", s.State.CustomerID())
	} else {
		fmt.Fprintf(&b, "verification: not verified, zip attempts=%d\n", v.ZipAttempts)
	}
	fmt.Fprintf(&b, "status: %s\n", s.State.Status)
	if s.State.PendingCancellationID != nil {
		fmt.Fprintf(&b, "pending cancellation: %s\n", *s.State.PendingCancellationID)
	}
	if len(s.State.Appointments) > 0 {
		b.WriteString("appointments: " + joinAppointments(s.State.Appointments) + "\n")
	}
	if len(s.AvailableSlots) > 0 {
		parts := make([]string, 0, len(s.AvailableSlots))
		for _, sl := range s.AvailableSlots {
			parts = append(parts, fmt.Sprintf("%s %s %s", sl.ID, sl.Date, sl.Window))
		}
		b.WriteString("available slots: " + strings.Join(parts, "; ") + "\n")
	}
	return clip(strings.TrimSpace(b.String()), maxChars)
}

func joinAppointments(appts []conversation.AppointmentSummary) string {
	parts := make([]string, 0, len(appts))
	for _, a := range appts {
		parts = append(parts, strings.TrimSpace(fmt.Sprintf("%s %s %s %s", a.ID, a.Service, a.Date, a.Window)))
	}
	return strings.Join(parts, "; ")
}

func clip(text string, max int) string {
	if len(text) <= max {
		return text
	}
	if max <= 3 {
		return text[:max]
	}
	return text[:max-3] + "..."
}
