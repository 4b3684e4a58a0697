// Package web exposes conversation actors over HTTP and a realtime
// websocket.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/providers/twilio"
	"github.com/harunnryd/concierge/pkg/session"
	"github.com/harunnryd/concierge/pkg/transports"
)

const (
	headerConversationID = "X-Conversation-Id"
	headerCorrelationID  = "X-Correlation-Id"
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	SocketBuffer   int      `mapstructure:"socket_buffer"`
	WriteTimeoutMS int      `mapstructure:"write_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.SocketBuffer <= 0 {
		c.SocketBuffer = 256
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 5000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Actors is the part of the session registry the server uses.
type Actors interface {
	GetOrCreate(ctx context.Context, id string) (*session.Actor, bool, error)
	Count() int64
	Draining() bool
}

// TokenIssuer mints realtime client tokens.
type TokenIssuer interface {
	Enabled() bool
	Mint(identity string) (twilio.AccessToken, error)
}

type Deps struct {
	Actors   Actors
	Sessions *callsession.Sessions
	Tokens   TokenIssuer
	Metrics  http.Handler
	// Health adds fields to the /health body.
	Health   func() map[string]any
	Observer metrics.Observer
	Log      *slog.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	handler  http.Handler
	draining atomic.Bool
}

func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logging.NewComponentLogger(deps.Log, "web_transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.handler = s.routes()
	return s
}

func (s *Server) Name() string { return "web" }

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("POST /resync", s.handleResync)
	mux.HandleFunc("POST /rtk-token", s.handleToken)
	mux.HandleFunc("GET /summary", s.handleSummary)
	mux.HandleFunc("GET /ws", s.handleSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return otelhttp.NewHandler(mux, "concierge",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// ReadyFields reports the listen address for the startup banner.
func (s *Server) ReadyFields() map[string]any {
	return map[string]any{"addr": s.cfg.Addr, "socket_path": "/ws"}
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.handler,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("web_server_error", "error", err.Error())
		}
	}()
	s.log.Info("web_server_started", "addr", s.cfg.Addr)
	return nil
}

// SetDraining makes /health report unavailable and refuses new sockets.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

// Stop shuts the listener down, waiting up to ctx for open requests.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.Contains(a, "://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

var (
	_ transports.Transport     = (*Server)(nil)
	_ transports.ReadyReporter = (*Server)(nil)
)
