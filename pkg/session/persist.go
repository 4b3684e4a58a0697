package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/store"
)

const writeTimeout = 5 * time.Second

// writer is the single persistence goroutine of one actor. Writes are
// applied in submission order; repeated event buffer writes are coalesced
// into one write of the newest buffer.
type writer struct {
	kv             store.Store
	sessions       *callsession.Sessions
	conversationID string
	events         func() eventlog.Snapshot
	log            *slog.Logger
	obs            metrics.Observer

	jobs   chan func(context.Context)
	dirty  chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed sync.Once
}

func newWriter(kv store.Store, sessions *callsession.Sessions, conversationID string, events func() eventlog.Snapshot, log *slog.Logger, obs metrics.Observer) *writer {
	w := &writer{
		kv:             kv,
		sessions:       sessions,
		conversationID: conversationID,
		events:         events,
		log:            log,
		obs:            obs,
		jobs:           make(chan func(context.Context), 64),
		dirty:          make(chan struct{}, 1),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go w.loop()
	return w
}

// markEvents schedules a write of the event buffer.
func (w *writer) markEvents() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// snapshot schedules a write of snap.
func (w *writer) snapshot(snap Snapshot) {
	w.submit(func(ctx context.Context) { w.writeSnapshot(ctx, snap) })
}

// turn schedules a turn record write.
func (w *writer) turn(callSessionID string, rec callsession.TurnRecord) {
	if w.sessions == nil || callSessionID == "" {
		return
	}
	w.submit(func(ctx context.Context) {
		if err := w.sessions.AppendTurn(ctx, callSessionID, rec); err != nil {
			w.log.Warn("turn_record_write_failed", "call_session_id", callSessionID, "stream_id", rec.StreamID, "error", err)
		}
	})
}

func (w *writer) submit(job func(context.Context)) {
	select {
	case <-w.quit:
		return
	default:
	}
	select {
	case w.jobs <- job:
	case <-w.quit:
	}
}

func (w *writer) writeSnapshot(ctx context.Context, snap Snapshot) {
	err := store.PutJSON(ctx, w.kv, snapshotKey(w.conversationID), snap)
	w.record("snapshot", err)
	if err != nil {
		w.log.Warn("snapshot_write_failed", "error", errorsx.Wrap(err, errorsx.ReasonStoreWrite))
	}
}

func (w *writer) writeEvents(ctx context.Context) {
	err := store.PutJSON(ctx, w.kv, eventsKey(w.conversationID), w.events())
	w.record("events", err)
	if err != nil {
		w.log.Warn("events_write_failed", "error", errorsx.Wrap(err, errorsx.ReasonStoreWrite))
	}
}

func (w *writer) record(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Record(w.obs, metrics.EventStoreWrite, 1, map[string]string{"kind": kind, "status": status}, nil)
}

func (w *writer) run(job func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	job(ctx)
}

func (w *writer) loop() {
	defer close(w.done)
	for {
		select {
		case job := <-w.jobs:
			w.run(job)
		case <-w.dirty:
			w.run(w.writeEvents)
		case <-w.quit:
			w.drain()
			return
		}
	}
}

// drain flushes what was queued before close.
func (w *writer) drain() {
	for {
		select {
		case job := <-w.jobs:
			w.run(job)
		case <-w.dirty:
			w.run(w.writeEvents)
		default:
			return
		}
	}
}

// close stops intake and waits for queued writes.
func (w *writer) close() {
	w.closed.Do(func() { close(w.quit) })
	<-w.done
}
