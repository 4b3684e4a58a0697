package session

import (
	"strconv"

	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/turn"
)

// Listener is an attached client. Send must not block; a listener that
// cannot keep up returns an error and is detached.
type Listener = eventlog.Listener

// EmitToken implements narrator.Emitter.
func (a *Actor) EmitToken(t *turn.Turn, text string) bool {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if !a.tracker.IsActive(t) {
		return false
	}
	if a.tracker.SetSpeaking(true, "first_token") {
		a.emitLocked(eventlog.Event{Type: eventlog.TypeSpeaking, Data: eventlog.SpeakingData{Speaking: true}, CorrelationID: t.CorrelationID}, t.Ref())
	}
	t.MarkToken()
	a.emitLocked(eventlog.Event{Type: eventlog.TypeToken, Text: text, CorrelationID: t.CorrelationID}, t.Ref())
	return true
}

// EmitStatus implements workflow.StatusEmitter. Repeats of the previous
// status line are skipped.
func (a *Actor) EmitStatus(t *turn.Turn, text string) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if !a.tracker.IsActive(t) || !t.RecordStatus(text) {
		return
	}
	a.emitLocked(eventlog.Event{Type: eventlog.TypeStatus, Text: text, CorrelationID: t.CorrelationID}, t.Ref())
}

func (a *Actor) emitFinal(t *turn.Turn, text string) bool {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if !a.tracker.IsActive(t) {
		return false
	}
	t.MarkFinal()
	a.emitLocked(eventlog.Event{Type: eventlog.TypeFinal, Text: text, CorrelationID: t.CorrelationID}, t.Ref())
	return true
}

// stopSpeaking turns the speaking flag off, emitting only on change.
func (a *Actor) stopSpeaking(t *turn.Turn, reason string) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.tracker.SetSpeaking(false, reason) {
		a.emitLocked(eventlog.Event{Type: eventlog.TypeSpeaking, Data: eventlog.SpeakingData{Speaking: false}, CorrelationID: t.CorrelationID}, t.Ref())
	}
}

// BargeIn cancels the stream in flight. It does not wait for the mailbox.
// It returns the canceled stream id, 0 when nothing was running.
func (a *Actor) BargeIn() uint64 {
	a.emitMu.Lock()
	cur := a.tracker.Current()
	canceled, changed := a.tracker.BargeIn()
	if changed {
		ev := eventlog.Event{Type: eventlog.TypeSpeaking, Data: eventlog.SpeakingData{Speaking: false}}
		if cur != nil {
			ev.CorrelationID = cur.CorrelationID
		}
		a.emitLocked(ev, cur.Ref())
	}
	a.emitMu.Unlock()

	a.touch()
	a.log.Info("barge_in", "stream_id", canceled, "speaking_changed", changed)
	metrics.Record(a.deps.Observer, metrics.EventBargeIn, 1, a.tags(canceled), nil)
	return canceled
}

// Resync returns the events after lastSeen and the terminal resync event.
// A nil lastSeen replays the whole buffer.
func (a *Actor) Resync(lastSeen *uint64) ResyncReply {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if lastSeen != nil && a.events.HasGap(*lastSeen) {
		a.log.Info("resync_gap", "last_seen", *lastSeen, "latest_event_id", a.events.LastID())
	}
	speaking := a.tracker.Speaking()
	state := a.State()
	return ResyncReply{
		Events:        a.events.Replay(lastSeen, speaking, state),
		Speaking:      speaking,
		LatestEventID: a.events.LastID(),
		State:         state,
	}
}

// Attach replays the events after lastSeen to l and then subscribes it.
// Nothing emitted in between is lost or duplicated. A closed actor returns
// ErrActorClosed before anything is sent.
func (a *Actor) Attach(l Listener, lastSeen *uint64) error {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	select {
	case <-a.quit:
		return ErrActorClosed
	default:
	}
	for _, ev := range a.events.Replay(lastSeen, a.tracker.Speaking(), a.State()) {
		if err := l.Send(ev); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonListenerSend)
		}
	}
	a.fanout.Attach(l)
	a.touch()
	a.log.Info("listener_attached", "listener_id", l.ID(), "listeners", a.fanout.Len())
	return nil
}

// Detach unsubscribes the listener with id.
func (a *Actor) Detach(id string) bool {
	ok := a.fanout.Detach(id)
	if ok {
		a.touch()
		a.log.Info("listener_detached", "listener_id", id, "listeners", a.fanout.Len())
	}
	return ok
}

// emitLocked logs ev, fans it out and schedules persistence. emitMu must
// be held.
func (a *Actor) emitLocked(ev eventlog.Event, ref eventlog.TurnRef) eventlog.Event {
	ev = a.events.Emit(ev, ref)
	for _, id := range a.fanout.Broadcast(ev) {
		a.log.Warn("listener_dropped", "listener_id", id, "event_id", ev.ID, "reason", errorsx.ReasonListenerSend)
		metrics.Record(a.deps.Observer, metrics.EventListenerDropped, 1, map[string]string{"conversation_id": a.id}, nil)
	}
	a.writer.markEvents()
	if a.deps.Sink != nil {
		a.deps.Sink.Publish(a.id, ev)
	}
	metrics.Record(a.deps.Observer, metrics.EventEmitted, 1, map[string]string{"conversation_id": a.id, "type": string(ev.Type)}, nil)
	return ev
}

func (a *Actor) tags(streamID uint64) map[string]string {
	return map[string]string{"conversation_id": a.id, "stream_id": strconv.FormatUint(streamID, 10)}
}
