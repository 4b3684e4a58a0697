// Package session runs one actor per conversation. The actor serializes
// inbound messages through a mailbox, owns the conversation state and the
// event log, and is the only writer of both.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/narrator"
	"github.com/harunnryd/concierge/pkg/store"
	"github.com/harunnryd/concierge/pkg/tools"
	"github.com/harunnryd/concierge/pkg/turn"
	"github.com/harunnryd/concierge/pkg/verification"
	"github.com/harunnryd/concierge/pkg/workflow"
)

var (
	ErrActorClosed = errors.New("session actor closed")
	ErrDraining    = errors.New("session registry draining")
)

const genericFailure = "Sorry, something went wrong on my end. Could you say that again?"

// Config holds the per-actor knobs.
type Config struct {
	EventBuffer     int
	HistoryTurns    int
	ContextMaxChars int
	SyncSnapshots   bool
	MailboxSize     int
}

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = eventlog.DefaultCapacity
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	if c.ContextMaxChars <= 0 {
		c.ContextMaxChars = tools.DefaultContextMaxChars
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 16
	}
	return c
}

// EventSink receives every emitted event after it was logged.
type EventSink interface {
	Publish(conversationID string, ev eventlog.Event)
}

// Deps are the collaborators shared by all actors.
type Deps struct {
	Store        store.Store
	Sessions     *callsession.Sessions
	Gate         *verification.Gate
	Orchestrator *tools.Orchestrator
	Bridge       *workflow.Bridge
	Narrator     *narrator.Narrator
	Sink         EventSink
	Observer     metrics.Observer
	Log          *slog.Logger
}

// Inbound is one user message.
type Inbound struct {
	Phone         string
	Text          string
	CallSessionID string
	MessageID     string
	CorrelationID string
}

// Reply answers a turn.
type Reply struct {
	Reply         string             `json:"reply"`
	Events        []eventlog.Event   `json:"events"`
	LatestEventID uint64             `json:"latestEventId"`
	State         conversation.State `json:"state"`
	CallSessionID string             `json:"callSessionId,omitempty"`
	Canceled      bool               `json:"canceled,omitempty"`
}

// ResyncReply answers a resync request.
type ResyncReply struct {
	Events        []eventlog.Event   `json:"events"`
	Speaking      bool               `json:"speaking"`
	LatestEventID uint64             `json:"latestEventId"`
	State         conversation.State `json:"state"`
}

type command struct {
	name string
	run  func()
}

// Actor is the session of one conversation.
type Actor struct {
	id   string
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	events  *eventlog.Log
	fanout  *eventlog.Fanout
	tracker *turn.Tracker
	writer  *writer

	// emitMu orders emission against barge-in, resync and listener attach
	// so a listener never sees a gap and no token of a canceled stream is
	// delivered after its barge-in.
	emitMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan command
	quit    chan struct{}
	done    chan struct{}
	closing sync.Once

	// snap is owned by the loop goroutine.
	snap Snapshot

	state      atomic.Pointer[conversation.State]
	lastActive atomic.Int64
	busy       atomic.Bool
}

// New restores the actor of conversationID from the store and starts its
// mailbox loop.
func New(ctx context.Context, conversationID string, cfg Config, deps Deps) (*Actor, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	cfg = cfg.withDefaults()
	log := logging.NewComponentLogger(deps.Log, "session").With("conversation_id", conversationID)

	snap, restored, err := loadSnapshot(ctx, deps.Store, conversationID)
	if err != nil {
		log.Warn("snapshot_unreadable", "error", err)
	}
	if snap.Speaking {
		log.Info("speaking_reset_on_restore")
		snap.Speaking = false
	}
	buffer, err := loadEvents(ctx, deps.Store, conversationID)
	if err != nil {
		log.Warn("events_unreadable", "error", err)
	}

	actorCtx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		id:      conversationID,
		cfg:     cfg,
		deps:    deps,
		log:     log,
		now:     time.Now,
		events:  eventlog.New(cfg.EventBuffer),
		fanout:  eventlog.NewFanout(),
		tracker: turn.NewTracker(),
		ctx:     actorCtx,
		cancel:  cancel,
		mailbox: make(chan command, cfg.MailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		snap:    snap,
	}
	a.events.Restore(buffer)
	a.writer = newWriter(deps.Store, deps.Sessions, conversationID, a.events.Snapshot, log, deps.Observer)
	a.publish()
	a.touch()

	metrics.Record(deps.Observer, metrics.EventActorCreated, 1, map[string]string{"conversation_id": conversationID}, map[string]any{"restored": restored})
	log.Info("actor_started", "restored", restored, "last_event_id", a.events.LastID(), "status", string(snap.State.Status))
	go a.loop()
	return a, nil
}

// ID returns the conversation key.
func (a *Actor) ID() string { return a.id }

// State returns a copy of the latest conversation state.
func (a *Actor) State() conversation.State {
	if s := a.state.Load(); s != nil {
		return s.Clone()
	}
	return conversation.New()
}

// Speaking reports the speaking flag.
func (a *Actor) Speaking() bool { return a.tracker.Speaking() }

// LatestEventID returns the id of the newest event.
func (a *Actor) LatestEventID() uint64 { return a.events.LastID() }

// Listeners returns the number of attached listeners.
func (a *Actor) Listeners() int { return a.fanout.Len() }

// LastActive returns when the actor last handled a command.
func (a *Actor) LastActive() time.Time { return time.Unix(0, a.lastActive.Load()) }

// Busy reports whether a command is running.
func (a *Actor) Busy() bool { return a.busy.Load() }

// Message handles one user message as a turn.
func (a *Actor) Message(ctx context.Context, in Inbound) (Reply, error) {
	var out Reply
	err := a.do(ctx, "message", func() {
		out = a.runTurn(in, func(t *turn.Turn) string { return a.converse(t, in) })
	})
	return out, err
}

// StartCancel begins the cancellation flow without a spoken request.
func (a *Actor) StartCancel(ctx context.Context, in Inbound) (Reply, error) {
	var out Reply
	err := a.do(ctx, "start_cancel", func() {
		out = a.runTurn(in, a.startCancel)
	})
	return out, err
}

// ConfirmCancel answers the pending cancellation question.
func (a *Actor) ConfirmCancel(ctx context.Context, in Inbound, confirm bool) (Reply, error) {
	var out Reply
	err := a.do(ctx, "confirm_cancel", func() {
		out = a.runTurn(in, func(t *turn.Turn) string { return a.confirmCancel(t, confirm) })
	})
	return out, err
}

// Summary returns the call-session summary of the conversation's latest
// call session.
func (a *Actor) Summary(ctx context.Context) (string, callsession.Summary, error) {
	var id string
	if err := a.do(ctx, "summary", func() { id = a.snap.CallSessionID }); err != nil {
		return "", callsession.Summary{}, err
	}
	if id == "" || a.deps.Sessions == nil {
		return id, callsession.Summary{IdentityStatus: callsession.IdentityUnverified}, nil
	}
	sum, err := a.deps.Sessions.Summary(ctx, id)
	return id, sum, err
}

// Close cancels the turn in flight, stops the loop and flushes pending
// writes.
func (a *Actor) Close() {
	a.closing.Do(func() {
		a.cancel()
		close(a.quit)
		<-a.done
		a.writer.snapshot(a.snapshotCopy())
		a.writer.markEvents()
		a.writer.close()
		a.log.Info("actor_stopped", "last_event_id", a.events.LastID())
	})
}

// do runs fn on the loop goroutine and waits for it.
func (a *Actor) do(ctx context.Context, name string, fn func()) error {
	finished := make(chan struct{})
	cmd := command{name: name, run: func() {
		defer close(finished)
		fn()
	}}
	select {
	case <-a.quit:
		return ErrActorClosed
	default:
	}
	select {
	case a.mailbox <- cmd:
	case <-a.quit:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrActorClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case cmd := <-a.mailbox:
			a.busy.Store(true)
			cmd.run()
			a.busy.Store(false)
			a.touch()
		case <-a.quit:
			return
		}
	}
}

func (a *Actor) touch() { a.lastActive.Store(a.now().UnixNano()) }

// publish makes the loop-owned state visible to other goroutines.
func (a *Actor) publish() {
	s := a.snap.State.Clone()
	a.state.Store(&s)
}

func (a *Actor) snapshotCopy() Snapshot {
	snap := a.snap
	snap.Speaking = a.tracker.Speaking()
	snap.UpdatedAt = a.now()
	return snap.clone()
}
