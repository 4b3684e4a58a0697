package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/narrator"
	"github.com/harunnryd/concierge/pkg/providers/mock"
	"github.com/harunnryd/concierge/pkg/store"
	"github.com/harunnryd/concierge/pkg/tools"
	"github.com/harunnryd/concierge/pkg/verification"
	"github.com/harunnryd/concierge/pkg/workflow"
)

const phone = "+14155550142"

var fixedNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	kv      *store.Memory
	adapter *mock.BusinessAdapter
	obs     *metrics.MemoryObserver
	sink    *sinkRecorder
	deps    Deps
}

func newFixture(t *testing.T, model llm.Model) *fixture {
	t.Helper()
	if model == nil {
		model = mock.NewModel(mock.ModelConfig{})
	}
	f := &fixture{
		kv:      store.NewMemory(),
		adapter: mock.NewBusinessAdapter(mock.DefaultSeed()),
		obs:     metrics.NewMemoryObserver(),
		sink:    &sinkRecorder{},
	}
	clock := func() time.Time { return fixedNow }
	sessions := callsession.NewSessions(f.kv, nil)
	engine := workflow.NewMemoryEngine(f.adapter, nil)
	engine.SetClock(clock)
	bridge := workflow.NewBridge(engine, f.adapter, model, sessions, workflow.BridgeOptions{Observer: f.obs})
	bridge.SetClock(clock)
	orch := tools.NewOrchestrator(nil, f.adapter, model, tools.Options{Timeout: time.Second, Observer: f.obs})
	orch.SetClock(clock)
	f.deps = Deps{
		Store:        f.kv,
		Sessions:     sessions,
		Gate:         verification.NewGate(f.adapter, nil, f.obs),
		Orchestrator: orch,
		Bridge:       bridge,
		Narrator:     narrator.New(model, nil),
		Sink:         f.sink,
		Observer:     f.obs,
	}
	return f
}

func (f *fixture) actor(t *testing.T, cfg Config) *Actor {
	t.Helper()
	a, err := New(context.Background(), "conv-1", cfg, f.deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func say(t *testing.T, a *Actor, text string) Reply {
	t.Helper()
	r, err := a.Message(context.Background(), Inbound{Phone: phone, Text: text})
	require.NoError(t, err)
	return r
}

func types(events []eventlog.Event) []eventlog.Type {
	out := make([]eventlog.Type, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (s *sinkRecorder) Publish(_ string, ev eventlog.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type listener struct {
	id     string
	mu     sync.Mutex
	events []eventlog.Event
	notify chan eventlog.Type
	fail   bool
}

func newListener(id string) *listener {
	return &listener{id: id, notify: make(chan eventlog.Type, 64)}
}

func (l *listener) ID() string { return l.id }

func (l *listener) Send(ev eventlog.Event) error {
	if l.fail {
		return errors.New("socket closed")
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	select {
	case l.notify <- ev.Type:
	default:
	}
	return nil
}

func (l *listener) received() []eventlog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]eventlog.Event(nil), l.events...)
}

func (l *listener) waitFor(t *testing.T, typ eventlog.Type) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-l.notify:
			if got == typ {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event received", typ)
		}
	}
}

// gatedModel streams one chunk and then waits for release.
type gatedModel struct {
	*mock.Model
	release chan struct{}
}

func (g gatedModel) Streams() bool { return true }

func (g gatedModel) RespondStream(ctx context.Context, _ llm.RespondInput) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		select {
		case out <- "Before I can help":
		case <-ctx.Done():
			return
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return
		}
		select {
		case out <- " with your account, I need your ZIP code.":
		case <-ctx.Done():
		}
	}()
	return out, nil
}

type panickingModel struct {
	*mock.Model
	armed bool
}

func (p *panickingModel) Respond(ctx context.Context, in llm.RespondInput) (string, error) {
	if p.armed {
		p.armed = false
		panic("respond exploded")
	}
	return p.Model.Respond(ctx, in)
}

func TestVerificationGateThenResumesIntent(t *testing.T) {
	f := newFixture(t, nil)
	a := f.actor(t, Config{})

	r := say(t, a, "what are my upcoming appointments")
	assert.Equal(t, "Before I can help with your account, please tell me the 5-digit ZIP code of your service address.", r.Reply)
	assert.Equal(t, conversation.StatusCollectingVerification, r.State.Status)
	assert.Equal(t, []eventlog.Type{eventlog.TypeFinal}, types(r.Events))
	assert.Zero(t, f.adapter.Calls("list_upcoming_appointments"))

	r = say(t, a, "it's 94107")
	assert.Contains(t, r.Reply, "Thanks, you're verified.")
	assert.Contains(t, r.Reply, "You have 2 upcoming appointment(s)")
	assert.Equal(t, conversation.StatusPresentingAppointments, r.State.Status)
	assert.Equal(t, "cust_001", r.State.CustomerID())
	assert.Equal(t, []eventlog.Type{eventlog.TypeStatus, eventlog.TypeFinal}, types(r.Events))
	assert.Equal(t, "Let me pull up your appointments.", r.Events[0].Text)

	id, sum, err := a.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.CallSessionID, id)
	assert.Equal(t, callsession.IdentityVerified, sum.IdentityStatus)
	assert.Equal(t, "cust_001", sum.VerifiedCustomerID)
}

func TestCancelFlowThroughWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	a := f.actor(t, Config{SyncSnapshots: true})

	r := say(t, a, "94107")
	assert.Equal(t, "Thanks, you're verified. How can I help you today?", r.Reply)

	r = say(t, a, "I need to cancel my appointment")
	assert.Contains(t, r.Reply, "Which appointment would you like to cancel?")
	assert.Equal(t, conversation.StatusPresentingAppointments, r.State.Status)

	r = say(t, a, "the first one")
	assert.Equal(t, conversation.StatusPendingCancellationConfirmation, r.State.Status)
	require.NotNil(t, r.State.PendingCancellationID)
	assert.Equal(t, "appt_001", *r.State.PendingCancellationID)

	r, err := a.ConfirmCancel(context.Background(), Inbound{}, true)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, r.State.Status)
	assert.Equal(t, 1, f.adapter.Calls("cancel_appointment"))
	assert.NotEmpty(t, f.obs.Named(metrics.EventWorkflowStep))
}

func TestStartCancelAsksForZipThenResumes(t *testing.T) {
	f := newFixture(t, nil)
	a := f.actor(t, Config{})

	r, err := a.StartCancel(context.Background(), Inbound{Phone: phone})
	require.NoError(t, err)
	assert.Contains(t, r.Reply, "ZIP code")
	assert.Equal(t, conversation.StatusCollectingVerification, r.State.Status)

	r = say(t, a, "94107")
	assert.Contains(t, r.Reply, "Thanks, you're verified.")
	assert.Contains(t, r.Reply, "Which appointment would you like to cancel?")
}

func TestConfirmCancelWithoutPendingCancellation(t *testing.T) {
	f := newFixture(t, nil)
	a := f.actor(t, Config{})
	say(t, a, "94107")

	r, err := a.ConfirmCancel(context.Background(), Inbound{}, true)
	require.NoError(t, err)
	assert.Contains(t, r.Reply, "There's no cancellation waiting for confirmation.")
	assert.Zero(t, f.adapter.Calls("cancel_appointment"))
}

func TestBargeInCancelsStreamingTurn(t *testing.T) {
	model := gatedModel{Model: mock.NewModel(mock.ModelConfig{}), release: make(chan struct{})}
	f := newFixture(t, model)
	a := f.actor(t, Config{})

	l := newListener("ws-1")
	require.NoError(t, a.Attach(l, nil))

	done := make(chan Reply, 1)
	go func() {
		r, err := a.Message(context.Background(), Inbound{Phone: phone, Text: "hello"})
		assert.NoError(t, err)
		done <- r
	}()
	l.waitFor(t, eventlog.TypeToken)
	assert.True(t, a.Speaking())

	assert.Equal(t, uint64(1), a.BargeIn())
	close(model.release)

	var r Reply
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after barge-in")
	}
	assert.True(t, r.Canceled)
	assert.Empty(t, r.Reply)
	assert.False(t, a.Speaking())

	got := types(l.received())
	assert.Equal(t, []eventlog.Type{
		eventlog.TypeResync, eventlog.TypeSpeaking, eventlog.TypeToken, eventlog.TypeSpeaking,
	}, got)
	assert.Len(t, f.obs.Named(metrics.EventBargeIn), 1)

	assert.Zero(t, a.BargeIn(), "nothing in flight")
}

func TestResyncReplaysAfterLastSeen(t *testing.T) {
	f := newFixture(t, nil)
	a := f.actor(t, Config{})
	first := say(t, a, "hello")
	say(t, a, "94107")

	lastSeen := first.LatestEventID
	rs := a.Resync(&lastSeen)
	require.NotEmpty(t, rs.Events)
	tail := rs.Events[len(rs.Events)-1]
	assert.Equal(t, eventlog.TypeResync, tail.Type)
	assert.Zero(t, tail.ID)
	data, ok := tail.Data.(eventlog.ResyncData)
	require.True(t, ok)
	assert.Equal(t, lastSeen, data.FromID)
	assert.Equal(t, a.LatestEventID(), data.ToID)
	for _, ev := range rs.Events[:len(rs.Events)-1] {
		assert.Greater(t, ev.ID, lastSeen)
	}
	assert.True(t, rs.State.Verification.Verified)

	all := a.Resync(nil)
	assert.Len(t, all.Events, int(a.LatestEventID())+1)
}

func TestSnapshotRestoresAcrossActors(t *testing.T) {
	f := newFixture(t, nil)
	a, err := New(context.Background(), "conv-1", Config{SyncSnapshots: true}, f.deps)
	require.NoError(t, err)
	say(t, a, "94107")
	_, err = f.kv.Get(context.Background(), snapshotKey("conv-1"))
	require.NoError(t, err, "synchronous snapshots are written before the reply")
	latest := a.LatestEventID()
	a.Close()

	b := f.actor(t, Config{})
	assert.True(t, b.State().Verification.Verified)
	assert.Equal(t, latest, b.LatestEventID())

	r := say(t, b, "hello there")
	require.NotEmpty(t, r.Events)
	assert.Equal(t, latest+1, r.Events[0].ID, "ids continue after restore")
}

func TestMalformedSnapshotStartsFresh(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.kv.Put(context.Background(), snapshotKey("conv-1"), []byte("{not json")))

	a := f.actor(t, Config{})
	assert.Equal(t, conversation.StatusCollectingVerification, a.State().Status)
	assert.False(t, a.Speaking())
}

func TestPersistedSpeakingIsReset(t *testing.T) {
	f := newFixture(t, nil)
	snap := freshSnapshot()
	snap.Speaking = true
	require.NoError(t, store.PutJSON(context.Background(), f.kv, snapshotKey("conv-1"), snap))

	a := f.actor(t, Config{})
	assert.False(t, a.Speaking())
	assert.False(t, a.Resync(nil).Speaking)
}

func TestPanicInTurnEmitsGenericFinal(t *testing.T) {
	model := &panickingModel{Model: mock.NewModel(mock.ModelConfig{}), armed: true}
	f := newFixture(t, model)
	a := f.actor(t, Config{})

	r := say(t, a, "hello")
	assert.Equal(t, genericFailure, r.Reply)
	require.Len(t, r.Events, 1)
	assert.Equal(t, eventlog.TypeFinal, r.Events[0].Type)
	assert.Equal(t, genericFailure, r.Events[0].Text)
	assert.False(t, a.Speaking())
	assert.Len(t, f.obs.Named(metrics.EventTurnFailed), 1)

	r = say(t, a, "hello again")
	assert.NotEqual(t, genericFailure, r.Reply, "the actor keeps serving")
}

func TestEmittedEventsReachSinkAndListeners(t *testing.T) {
	f := newFixture(t, nil)
	a := f.actor(t, Config{})
	good := newListener("good")
	bad := newListener("bad")
	require.NoError(t, a.Attach(good, nil))
	require.NoError(t, a.Attach(bad, nil))
	bad.fail = true

	r := say(t, a, "hello")
	assert.Equal(t, len(r.Events), f.sink.len())
	assert.Equal(t, 1, a.Listeners(), "failing listener is detached")
	assert.Len(t, good.received(), 1+len(r.Events))
	assert.NotEmpty(t, f.obs.Named(metrics.EventListenerDropped))
}

func TestTurnRecordsAreWritten(t *testing.T) {
	f := newFixture(t, nil)
	a, err := New(context.Background(), "conv-1", Config{}, f.deps)
	require.NoError(t, err)
	r := say(t, a, "hello")
	a.Close()

	turns, err := f.deps.Sessions.Turns(context.Background(), r.CallSessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].UserText)
	assert.Equal(t, r.Reply, turns[0].Reply)
	assert.False(t, turns[0].Canceled)
}

func TestClosedActorRejectsCommands(t *testing.T) {
	f := newFixture(t, nil)
	a, err := New(context.Background(), "conv-1", Config{}, f.deps)
	require.NoError(t, err)
	a.Close()

	_, err = a.Message(context.Background(), Inbound{Text: "hello"})
	assert.ErrorIs(t, err, ErrActorClosed)
	_, _, err = a.Summary(context.Background())
	assert.ErrorIs(t, err, ErrActorClosed)

	l := newListener("ws-late")
	assert.ErrorIs(t, a.Attach(l, nil), ErrActorClosed)
	assert.Empty(t, l.received(), "nothing is replayed to a closed actor's listener")
	assert.Zero(t, a.Listeners())
}
