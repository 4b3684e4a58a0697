package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jinzhu/copier"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/store"
	"github.com/harunnryd/concierge/pkg/verification"
	"github.com/harunnryd/concierge/pkg/workflow"
)

// Snapshot is the persisted session record of one conversation. The event
// buffer lives next to it under its own key so token bursts do not rewrite
// the whole record.
type Snapshot struct {
	State          conversation.State  `json:"state"`
	Phone          string              `json:"lastPhoneNumber,omitempty"`
	CallSessionID  string              `json:"lastCallSessionId,omitempty"`
	Workflow       workflow.Binding    `json:"workflow"`
	AvailableSlots []business.Slot     `json:"availableSlots,omitempty"`
	PendingIntent  verification.Intent `json:"pendingIntent,omitempty"`
	History        []llm.Message       `json:"history,omitempty"`
	Speaking       bool                `json:"speaking"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func freshSnapshot() Snapshot {
	return Snapshot{State: conversation.New()}
}

func snapshotKey(conversationID string) string { return "sessions/" + conversationID + "/snapshot" }

func eventsKey(conversationID string) string { return "sessions/" + conversationID + "/events" }

// clone deep-copies s so a copy handed to the persistence writer shares no
// slices or pointers with the state the actor keeps mutating.
func (s Snapshot) clone() Snapshot {
	var out Snapshot
	if err := copier.CopyWithOption(&out, &s, copier.Option{DeepCopy: true}); err != nil {
		out = s
		out.State = s.State.Clone()
	}
	if out.State.Appointments == nil {
		out.State.Appointments = []conversation.AppointmentSummary{}
	}
	return out
}

// loadSnapshot reads the persisted session. A missing or malformed record
// yields a fresh state; the bool reports whether anything was restored.
func loadSnapshot(ctx context.Context, kv store.Store, conversationID string) (Snapshot, bool, error) {
	raw, err := kv.Get(ctx, snapshotKey(conversationID))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return freshSnapshot(), false, nil
	case err != nil:
		return freshSnapshot(), false, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return freshSnapshot(), false, errorsx.Wrap(err, errorsx.ReasonSnapshotDecode)
	}
	if snap.State.Status == "" {
		return freshSnapshot(), false, errorsx.New(errorsx.ReasonSnapshotDecode, "snapshot has no conversation status")
	}
	if snap.State.Appointments == nil {
		snap.State.Appointments = []conversation.AppointmentSummary{}
	}
	return snap, true, nil
}

// loadEvents reads the persisted event buffer. Unreadable buffers restart
// the log empty.
func loadEvents(ctx context.Context, kv store.Store, conversationID string) (eventlog.Snapshot, error) {
	var snap eventlog.Snapshot
	err := store.GetJSON(ctx, kv, eventsKey(conversationID), &snap)
	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, store.ErrNotFound):
		return eventlog.Snapshot{}, nil
	default:
		return eventlog.Snapshot{}, errorsx.Wrap(err, errorsx.ReasonSnapshotDecode)
	}
}
