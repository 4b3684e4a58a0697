// Package callsession persists call-session records: the JSON summary that
// lets a stateless client rebuild its view, and the per-turn history.
package callsession

import (
	"time"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/turn"
)

const (
	IdentityUnverified = "unverified"
	IdentityVerified   = "verified"
)

// WorkflowState mirrors the active workflow instance for the client.
type WorkflowState struct {
	Kind          string `json:"kind"`
	Step          string `json:"step"`
	AppointmentID string `json:"appointmentId,omitempty"`
	InstanceID    string `json:"instanceId"`
}

// Summary is the document stored on the call record.
type Summary struct {
	IdentityStatus         string                 `json:"identityStatus"`
	VerifiedCustomerID     string                 `json:"verifiedCustomerId,omitempty"`
	LastAppointmentOptions []business.Appointment `json:"lastAppointmentOptions,omitempty"`
	WorkflowState          *WorkflowState         `json:"workflowState,omitempty"`
}

// Record is one call session. Summary is kept as raw JSON text because
// other systems write it too.
type Record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Phone          string    `json:"phone"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Summary        string    `json:"summary,omitempty"`
}

// TurnRecord is the persisted history entry of one turn.
type TurnRecord struct {
	StreamID    uint64           `json:"streamId"`
	TurnID      string           `json:"turnId"`
	MessageID   string           `json:"messageId"`
	UserText    string           `json:"userText"`
	Reply       string           `json:"reply"`
	Canceled    bool             `json:"canceled"`
	Meta        turn.Meta        `json:"meta"`
	Checkpoints turn.Checkpoints `json:"checkpoints"`
	At          time.Time        `json:"at"`
}
