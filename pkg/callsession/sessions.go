package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/store"
)

// Sessions reads and writes call-session records in a store.
type Sessions struct {
	kv  store.Store
	log *slog.Logger
	now func() time.Time

	// Serializes read-modify-write of one record within this process.
	mu sync.Mutex
}

func NewSessions(kv store.Store, log *slog.Logger) *Sessions {
	return &Sessions{kv: kv, log: logging.NewComponentLogger(log, "callsession"), now: time.Now}
}

func recordKey(id string) string { return "calls/" + id }

func turnKey(id string, streamID uint64) string {
	return fmt.Sprintf("turns/%s/%012d", id, streamID)
}

// Ensure returns the record with id, creating it when absent. An empty id
// allocates a new one.
func (s *Sessions) Ensure(ctx context.Context, id, conversationID, phone string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	var rec Record
	err := store.GetJSON(ctx, s.kv, recordKey(id), &rec)
	switch {
	case err == nil:
		return rec, nil
	case !errors.Is(err, store.ErrNotFound):
		s.log.Warn("call_record_unreadable", "call_session_id", id, "error", errorsx.Wrap(err, errorsx.ReasonStoreRead))
	}
	now := s.now()
	rec = Record{ID: id, ConversationID: conversationID, Phone: phone, CreatedAt: now, UpdatedAt: now}
	if err := store.PutJSON(ctx, s.kv, recordKey(id), rec); err != nil {
		return Record{}, errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	}
	return rec, nil
}

// Get loads the record with id.
func (s *Sessions) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	if err := store.GetJSON(ctx, s.kv, recordKey(id), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Summary decodes the summary of record id. Missing or malformed summaries
// come back as an empty summary; malformed ones are logged.
func (s *Sessions) Summary(ctx context.Context, id string) (Summary, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return s.decode(rec), nil
}

func (s *Sessions) decode(rec Record) Summary {
	empty := Summary{IdentityStatus: IdentityUnverified}
	if strings.TrimSpace(rec.Summary) == "" {
		return empty
	}
	var sum Summary
	if err := json.Unmarshal([]byte(rec.Summary), &sum); err != nil {
		s.log.Warn("summary_malformed", "call_session_id", rec.ID, "error", errorsx.Wrap(err, errorsx.ReasonSummaryDecode))
		return empty
	}
	if sum.IdentityStatus == "" {
		sum.IdentityStatus = IdentityUnverified
	}
	return sum
}

// UpdateSummary applies fn to the current summary and writes it back.
func (s *Sessions) UpdateSummary(ctx context.Context, id string, fn func(*Summary)) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	sum := s.decode(rec)
	fn(&sum)
	raw, err := json.Marshal(sum)
	if err != nil {
		return Summary{}, err
	}
	rec.Summary = string(raw)
	rec.UpdatedAt = s.now()
	if err := store.PutJSON(ctx, s.kv, recordKey(id), rec); err != nil {
		return Summary{}, errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	}
	return sum, nil
}

// AppendTurn stores one turn record under the call session.
func (s *Sessions) AppendTurn(ctx context.Context, id string, tr TurnRecord) error {
	if tr.At.IsZero() {
		tr.At = s.now()
	}
	if err := store.PutJSON(ctx, s.kv, turnKey(id, tr.StreamID), tr); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	}
	return nil
}

// Turns returns the stored turns of a call session in stream order.
func (s *Sessions) Turns(ctx context.Context, id string) ([]TurnRecord, error) {
	keys, err := s.kv.List(ctx, "turns/"+id+"/")
	if err != nil {
		return nil, err
	}
	out := make([]TurnRecord, 0, len(keys))
	for _, k := range keys {
		var tr TurnRecord
		if err := store.GetJSON(ctx, s.kv, k, &tr); err != nil {
			s.log.Warn("turn_record_unreadable", "key", k, "error", err)
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}
