package eventlog

import (
	"sync"
	"time"

	"github.com/harunnryd/concierge/pkg/conversation"
)

// DefaultCapacity is the number of events a log retains.
const DefaultCapacity = 200

// TurnRef identifies the turn an event is emitted under.
type TurnRef struct {
	TurnID    string
	MessageID string
}

// Log is an append-only ring of events with monotonically assigned ids.
// It is owned by one actor; the mutex only guards readers such as the
// persistence writer that snapshot it from another goroutine.
type Log struct {
	mu       sync.RWMutex
	capacity int
	events   []Event
	lastID   uint64
	now      func() time.Time
}

// New creates a log retaining up to capacity events.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, now: time.Now}
}

// Emit assigns the next id to ev, fills its defaults and appends it.
func (l *Log) Emit(ev Event, ref TurnRef) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastID++
	ev.ID = l.lastID
	ev.Seq = ev.ID
	if ev.TurnID == "" {
		ev.TurnID = ref.TurnID
	}
	if ev.MessageID == "" {
		ev.MessageID = ref.MessageID
	}
	if ev.Role == "" {
		ev.Role = DefaultRole(ev.Type)
	}
	ev.At = l.now()

	l.events = append(l.events, ev)
	if over := len(l.events) - l.capacity; over > 0 {
		// Shift instead of reslicing so the backing array does not grow forever.
		n := copy(l.events, l.events[over:])
		for i := n; i < len(l.events); i++ {
			l.events[i] = Event{}
		}
		l.events = l.events[:n]
	}
	return ev
}

// LastID returns the id of the most recent event, or 0.
func (l *Log) LastID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// CollectAfter returns retained events with id greater than *lastSeen, in
// order. A nil lastSeen returns the whole buffer. When the oldest retained
// id is above *lastSeen+1 the caller has missed evicted events.
func (l *Log) CollectAfter(lastSeen *uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lastSeen == nil {
		return append([]Event(nil), l.events...)
	}
	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.ID > *lastSeen {
			out = append(out, ev)
		}
	}
	return out
}

// HasGap reports whether events after lastSeen were evicted.
func (l *Log) HasGap(lastSeen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return lastSeen < l.lastID
	}
	return l.events[0].ID > lastSeen+1
}

// Replay returns the events after lastSeen followed by the terminal resync
// event. The resync event is not recorded and carries id 0.
func (l *Log) Replay(lastSeen *uint64, speaking bool, state conversation.State) []Event {
	events := l.CollectAfter(lastSeen)
	var from uint64
	if lastSeen != nil {
		from = *lastSeen
	}
	return append(events, l.ResyncEvent(from, speaking, state))
}

// ResyncEvent builds the terminal event of a replay.
func (l *Log) ResyncEvent(fromID uint64, speaking bool, state conversation.State) Event {
	toID := l.LastID()
	return Event{
		Type: TypeResync,
		Role: RoleSystem,
		Data: ResyncData{FromID: fromID, ToID: toID, Speaking: speaking, State: state.Clone()},
		At:   l.now(),
	}
}

// Snapshot is the persisted form of a log.
type Snapshot struct {
	Events []Event `json:"events"`
	LastID uint64  `json:"lastEventId"`
}

// Snapshot copies the buffer and last id for persistence.
func (l *Log) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{Events: append([]Event(nil), l.events...), LastID: l.lastID}
}

// Restore replaces the log content with a persisted snapshot. Ids continue
// from the larger of the stored last id and the newest stored event.
func (l *Log) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := s.Events
	if len(events) > l.capacity {
		events = events[len(events)-l.capacity:]
	}
	l.events = append([]Event(nil), events...)
	l.lastID = s.LastID
	if n := len(l.events); n > 0 && l.events[n-1].ID > l.lastID {
		l.lastID = l.events[n-1].ID
	}
}
