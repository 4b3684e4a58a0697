// Package eventlog is the bounded, ordered log of user-visible conversation
// events and the replay protocol clients use to catch up after a disconnect.
package eventlog

import (
	"time"

	"github.com/harunnryd/concierge/pkg/conversation"
)

// Type is the kind of a conversation event.
type Type string

const (
	TypeToken    Type = "token"
	TypeStatus   Type = "status"
	TypeFinal    Type = "final"
	TypeError    Type = "error"
	TypeResync   Type = "resync"
	TypeSpeaking Type = "speaking"
)

// Role is the speaker an event is attributed to.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Event is one entry of the log as it is stored and sent to listeners.
type Event struct {
	ID            uint64    `json:"id"`
	Seq           uint64    `json:"seq"`
	Type          Type      `json:"type"`
	Text          string    `json:"text,omitempty"`
	Data          any       `json:"data,omitempty"`
	TurnID        string    `json:"turnId,omitempty"`
	MessageID     string    `json:"messageId,omitempty"`
	Role          Role      `json:"role"`
	CorrelationID string    `json:"correlationId,omitempty"`
	At            time.Time `json:"at"`
}

// ResyncData is the payload of the terminal event of a replay.
type ResyncData struct {
	FromID   uint64             `json:"fromId"`
	ToID     uint64             `json:"toId"`
	Speaking bool               `json:"speaking"`
	State    conversation.State `json:"state"`
}

// SpeakingData is the payload of a speaking toggle.
type SpeakingData struct {
	Speaking bool `json:"speaking"`
}

// DefaultRole is the role an event of type t gets when none is set.
func DefaultRole(t Type) Role {
	switch t {
	case TypeStatus, TypeError, TypeResync, TypeSpeaking:
		return RoleSystem
	default:
		return RoleAssistant
	}
}
