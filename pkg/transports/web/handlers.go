package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/redact"
	"github.com/harunnryd/concierge/pkg/session"
	"github.com/harunnryd/concierge/pkg/store"
)

type messageRequest struct {
	PhoneNumber    string `json:"phoneNumber"`
	Text           string `json:"text"`
	CallSessionID  string `json:"callSessionId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type resyncRequest struct {
	LastEventID    *uint64 `json:"lastEventId"`
	PhoneNumber    string  `json:"phoneNumber,omitempty"`
	ConversationID string  `json:"conversationId,omitempty"`
}

type tokenRequest struct {
	PhoneNumber    string `json:"phoneNumber,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type summaryResponse struct {
	CallSessionID string              `json:"callSessionId"`
	Summary       callsession.Summary `json:"summary"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, "message", &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.Text == "" || req.PhoneNumber == "" {
		s.reject(w, "message", "phoneNumber and text are required")
		return
	}
	key := conversationKey(r, req.ConversationID, req.PhoneNumber)
	in := session.Inbound{
		Phone:         req.PhoneNumber,
		Text:          req.Text,
		CallSessionID: req.CallSessionID,
		MessageID:     req.MessageID,
		CorrelationID: r.Header.Get(headerCorrelationID),
	}
	var reply session.Reply
	err := s.withActor(r.Context(), key, func(a *session.Actor) error {
		var err error
		reply, err = a.Message(r.Context(), in)
		return err
	})
	if err != nil {
		s.fail(w, "message", key, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if !s.decode(w, r, "resync", &req) {
		return
	}
	key := conversationKey(r, req.ConversationID, req.PhoneNumber)
	if key == "" {
		s.reject(w, "resync", "conversation id is required")
		return
	}
	var out session.ResyncReply
	err := s.withActor(r.Context(), key, func(a *session.Actor) error {
		out = a.Resync(req.LastEventID)
		return nil
	})
	if err != nil {
		s.fail(w, "resync", key, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decode(w, r, "rtk_token", &req) {
		return
	}
	key := conversationKey(r, req.ConversationID, req.PhoneNumber)
	if key == "" {
		s.reject(w, "rtk_token", "conversation id is required")
		return
	}
	if s.deps.Tokens == nil || !s.deps.Tokens.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "tokens_disabled", Message: "realtime tokens are not configured"})
		return
	}
	tok, err := s.deps.Tokens.Mint(key)
	if err != nil {
		s.fail(w, "rtk_token", key, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// handleSummary reads the summary of an explicit call session, or of the
// conversation's latest one.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if id := strings.TrimSpace(r.URL.Query().Get("callSessionId")); id != "" {
		if s.deps.Sessions == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "unknown call session"})
			return
		}
		sum, err := s.deps.Sessions.Summary(r.Context(), id)
		if err != nil {
			s.fail(w, "summary", id, err)
			return
		}
		writeJSON(w, http.StatusOK, summaryResponse{CallSessionID: id, Summary: sum})
		return
	}
	key := conversationKey(r, "", r.URL.Query().Get("phoneNumber"))
	if key == "" {
		s.reject(w, "summary", "callSessionId or conversation id is required")
		return
	}
	var out summaryResponse
	err := s.withActor(r.Context(), key, func(a *session.Actor) error {
		id, sum, err := a.Summary(r.Context())
		out = summaryResponse{CallSessionID: id, Summary: sum}
		return err
	})
	if err != nil {
		s.fail(w, "summary", key, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	draining := s.draining.Load()
	var actors int64
	if s.deps.Actors != nil {
		actors = s.deps.Actors.Count()
		draining = draining || s.deps.Actors.Draining()
	}
	status := http.StatusOK
	body := map[string]any{"status": "ok", "actors": actors}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			if _, taken := body[k]; !taken {
				body[k] = v
			}
		}
	}
	if draining {
		status = http.StatusServiceUnavailable
		body["status"] = "draining"
	}
	writeJSON(w, status, body)
}

// withActor runs fn on the actor of key. An actor closed by eviction
// between lookup and use is restored once.
func (s *Server) withActor(ctx context.Context, key string, fn func(*session.Actor) error) error {
	for attempt := 0; ; attempt++ {
		a, created, err := s.deps.Actors.GetOrCreate(ctx, key)
		if err != nil {
			return err
		}
		if a == nil {
			return errorsx.New(errorsx.ReasonPayloadInvalid, "conversation id is required")
		}
		if created {
			s.log.Info("actor_restored", "conversation_id", redact.Phone(key))
		}
		err = fn(a)
		if errors.Is(err, session.ErrActorClosed) && attempt == 0 {
			continue
		}
		return err
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, route string, out any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			s.reject(w, route, "request body is empty")
			return false
		}
		s.reject(w, route, "malformed JSON body")
		return false
	}
	if dec.More() {
		s.reject(w, route, "unexpected data after JSON body")
		return false
	}
	return true
}

func (s *Server) reject(w http.ResponseWriter, route, msg string) {
	s.log.Warn("payload_rejected", "route", route, "reason", msg)
	metrics.Record(s.deps.Observer, metrics.EventPayloadRejected, 1, map[string]string{"route": route}, nil)
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(errorsx.ReasonPayloadInvalid), Message: msg})
}

func (s *Server) fail(w http.ResponseWriter, route, key string, err error) {
	status := http.StatusInternalServerError
	code := string(errorsx.Reason(err))
	switch {
	case errorsx.HasReason(err, errorsx.ReasonPayloadInvalid):
		s.reject(w, route, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrDraining), errors.Is(err, session.ErrActorClosed):
		status, code = http.StatusServiceUnavailable, "draining"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "canceled"
	}
	s.log.Error("request_failed", "route", route, "conversation_id", redact.Phone(key), "status", status, "error", err)
	writeJSON(w, status, errorResponse{Error: code, Message: http.StatusText(status)})
}

// conversationKey picks the X-Conversation-Id header, then the
// conversationId query or body field, then the phone number.
func conversationKey(r *http.Request, bodyID, phone string) string {
	for _, v := range []string{
		r.Header.Get(headerConversationID),
		r.URL.Query().Get("conversationId"),
		bodyID,
		phone,
	} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
