package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/redact"
	"github.com/harunnryd/concierge/pkg/session"
)

// Inbound socket message types.
const (
	msgBargeIn         = "barge_in"
	msgResync          = "resync"
	msgConfirmCancel   = "confirm_cancel"
	msgStartCancel     = "start_cancel"
	msgFinalTranscript = "final_transcript"
	msgMessage         = "message"
)

var errListenerClosed = errors.New("listener closed")
var errListenerFull = errors.New("listener buffer full")

type socketMessage struct {
	Type          string  `json:"type"`
	Text          string  `json:"text,omitempty"`
	PhoneNumber   string  `json:"phoneNumber,omitempty"`
	CallSessionID string  `json:"callSessionId,omitempty"`
	MessageID     string  `json:"messageId,omitempty"`
	LastEventID   *uint64 `json:"lastEventId,omitempty"`
	Confirm       *bool   `json:"confirm,omitempty"`
}

// socketListener is an eventlog.Listener writing to one websocket. Send
// never blocks; a full buffer drops the listener from the fan-out.
type socketListener struct {
	id      string
	conn    *websocket.Conn
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	out    chan eventlog.Event
	closed bool
	done   chan struct{}
}

func newSocketListener(conn *websocket.Conn, buffer int, timeout time.Duration, log *slog.Logger) *socketListener {
	l := &socketListener{
		id:      uuid.NewString(),
		conn:    conn,
		timeout: timeout,
		log:     log,
		out:     make(chan eventlog.Event, buffer),
		done:    make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *socketListener) ID() string { return l.id }

func (l *socketListener) Send(ev eventlog.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errListenerClosed
	}
	select {
	case l.out <- ev:
		return nil
	default:
		return errListenerFull
	}
}

func (l *socketListener) writeLoop() {
	defer close(l.done)
	for ev := range l.out {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.timeout))
		if err := l.conn.WriteJSON(ev); err != nil {
			l.log.Warn("socket_write_failed", "listener_id", l.id, "error", err)
			_ = l.conn.Close()
			for range l.out {
			}
			return
		}
	}
}

// close stops the writer after it flushes what is queued.
func (l *socketListener) close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.out)
	}
	l.mu.Unlock()
	<-l.done
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() || (s.deps.Actors != nil && s.deps.Actors.Draining()) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "draining", Message: "server is draining"})
		return
	}
	q := r.URL.Query()
	phone := strings.TrimSpace(q.Get("phoneNumber"))
	key := conversationKey(r, "", phone)
	if key == "" {
		s.reject(w, "ws", "conversation id is required")
		return
	}
	var lastSeen *uint64
	if raw := q.Get("lastEventId"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.reject(w, "ws", "lastEventId must be an unsigned integer")
			return
		}
		lastSeen = &v
	}
	actor, _, err := s.deps.Actors.GetOrCreate(r.Context(), key)
	if err != nil {
		s.fail(w, "ws", key, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.With("conversation_id", redact.Phone(key))
	l := newSocketListener(conn, s.cfg.SocketBuffer, time.Duration(s.cfg.WriteTimeoutMS)*time.Millisecond, log)
	defer l.close()
	err = actor.Attach(l, lastSeen)
	if errors.Is(err, session.ErrActorClosed) {
		// Evicted between lookup and attach: restore it once.
		actor, _, err = s.deps.Actors.GetOrCreate(r.Context(), key)
		if err == nil {
			log.Info("actor_restored", "route", "ws")
			err = actor.Attach(l, lastSeen)
		}
	}
	if err != nil {
		log.Warn("socket_attach_failed", "error", err)
		return
	}
	metrics.Record(s.deps.Observer, metrics.EventSocketOpened, 1, map[string]string{"conversation_id": key}, nil)
	defer func() {
		actor.Detach(l.ID())
		metrics.Record(s.deps.Observer, metrics.EventSocketClosed, 1, map[string]string{"conversation_id": key}, nil)
	}()

	sc := &socketConn{server: s, actor: actor, listener: l, phone: phone, log: log}
	sc.serve(conn)
}

// socketConn dispatches the inbound messages of one socket. Turns run one
// at a time off the read loop so barge-in and resync are handled while a
// turn is in flight.
type socketConn struct {
	server   *Server
	actor    *session.Actor
	listener *socketListener
	phone    string
	log      *slog.Logger
}

func (c *socketConn) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	turns := make(chan func(context.Context), 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for run := range turns {
			run(ctx)
		}
	}()
	defer func() {
		close(turns)
		cancel()
		wg.Wait()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("socket_read_closed", "error", err)
			}
			return
		}
		var msg socketMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.rejectFrame("malformed JSON message")
			continue
		}
		if run := c.dispatch(msg); run != nil {
			select {
			case turns <- run:
			default:
				c.rejectFrame("too many pending messages")
			}
		}
	}
}

// dispatch handles control messages inline and returns turn work for the
// turn goroutine.
func (c *socketConn) dispatch(msg socketMessage) func(context.Context) {
	switch msg.Type {
	case msgBargeIn:
		c.actor.BargeIn()
		return nil
	case msgResync:
		c.actor.Detach(c.listener.ID())
		if err := c.actor.Attach(c.listener, msg.LastEventID); err != nil {
			c.log.Warn("socket_resync_failed", "error", err)
		}
		return nil
	case msgStartCancel:
		in := c.inbound(msg)
		return func(ctx context.Context) { c.report(c.actor.StartCancel(ctx, in)) }
	case msgConfirmCancel:
		if msg.Confirm == nil {
			c.rejectFrame("confirm_cancel needs confirm")
			return nil
		}
		in, confirm := c.inbound(msg), *msg.Confirm
		return func(ctx context.Context) { c.report(c.actor.ConfirmCancel(ctx, in, confirm)) }
	case msgFinalTranscript, msgMessage:
		in := c.inbound(msg)
		if in.Text == "" {
			c.rejectFrame(msg.Type + " needs text")
			return nil
		}
		if msg.Type == msgFinalTranscript && (c.actor.Speaking() || c.actor.Busy()) {
			// The caller spoke over the reply.
			c.actor.BargeIn()
		}
		return func(ctx context.Context) { c.report(c.actor.Message(ctx, in)) }
	default:
		c.rejectFrame("unknown message type " + strconv.Quote(msg.Type))
		return nil
	}
}

func (c *socketConn) inbound(msg socketMessage) session.Inbound {
	phone := strings.TrimSpace(msg.PhoneNumber)
	if phone == "" {
		phone = c.phone
	}
	return session.Inbound{
		Phone:         phone,
		Text:          strings.TrimSpace(msg.Text),
		CallSessionID: msg.CallSessionID,
		MessageID:     msg.MessageID,
	}
}

// report logs turn failures. Replies reach the socket as broadcast events.
func (c *socketConn) report(_ session.Reply, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("socket_turn_failed", "error", err)
	}
}

// rejectFrame answers a bad socket message with an unlogged error event.
func (c *socketConn) rejectFrame(msg string) {
	metrics.Record(c.server.deps.Observer, metrics.EventPayloadRejected, 1, map[string]string{"route": "ws"}, nil)
	_ = c.listener.Send(eventlog.Event{
		Type: eventlog.TypeError,
		Text: msg,
		Role: eventlog.DefaultRole(eventlog.TypeError),
		At:   time.Now().UTC(),
	})
}
