// Package concierge assembles a runnable concierge server from Config:
// storage, providers, the session registry, observers and the web
// transport.
package concierge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/callsession"
	"github.com/harunnryd/concierge/pkg/configutil"
	"github.com/harunnryd/concierge/pkg/eventbus"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/narrator"
	"github.com/harunnryd/concierge/pkg/observers"
	"github.com/harunnryd/concierge/pkg/providers/twilio"
	"github.com/harunnryd/concierge/pkg/redact"
	"github.com/harunnryd/concierge/pkg/resilience"
	"github.com/harunnryd/concierge/pkg/runner"
	"github.com/harunnryd/concierge/pkg/session"
	"github.com/harunnryd/concierge/pkg/store"
	"github.com/harunnryd/concierge/pkg/tools"
	"github.com/harunnryd/concierge/pkg/transports"
	"github.com/harunnryd/concierge/pkg/transports/web"
	"github.com/harunnryd/concierge/pkg/verification"
	"github.com/harunnryd/concierge/pkg/workflow"
)

type Engine struct {
	cfg       Config
	log       *slog.Logger
	providers *ProviderRegistry
	store     store.Store
	sessions  *callsession.Sessions
	registry  *session.Registry
	server    *web.Server
	transport transports.Transport
	publisher *eventbus.Publisher
	runner    *runner.LifecycleRunner

	asyncObs *metrics.AsyncObserver
	latency  *observers.LatencyObserver
	usage    *observers.UsageObserver
	timeline *observers.TimelineObserver
	closers  []io.Closer

	cancelEviction context.CancelFunc
}

// EngineOptions overrides parts of the assembly. Zero values fall back to
// what Config selects.
type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	Store     store.Store
	Model     llm.Model
	Business  business.Adapter
	// Banner receives the startup banner; nil uses stdout when
	// Config.Banner is set.
	Banner io.Writer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	log.Info("concierge_init",
		"environment", cfg.Environment,
		"model_provider", cfg.Providers.Model.Name,
		"business_provider", cfg.Providers.Business.Name,
		"store", cfg.Store.Kind,
		"kafka", cfg.Kafka.Enabled,
	)

	e := &Engine{cfg: cfg, log: log, providers: providers}
	prom, err := e.buildObservers()
	if err != nil {
		e.closeAll()
		return nil, err
	}
	obs := metrics.Observer(e.asyncObs)

	kv := opts.Store
	if kv == nil {
		kv, err = buildStore(cfg.Store)
		if err != nil {
			e.closeAll()
			return nil, err
		}
	}
	e.store = kv
	e.sessions = callsession.NewSessions(kv, log)

	model := opts.Model
	if model == nil {
		model, err = providers.BuildModel(cfg.Providers.Model, log)
		if err != nil {
			e.closeAll()
			return nil, fmt.Errorf("model provider: %w", err)
		}
	}
	resilient := llm.NewResilientModel(model,
		resilience.NewCircuitBreaker(cfg.Model.BreakerThreshold, configutil.Millis(cfg.Model.BreakerCooldown, 30*time.Second)),
		llm.RetryConfig{
			MaxAttempts: cfg.Model.MaxAttempts,
			BaseDelay:   configutil.Millis(cfg.Model.BaseDelayMS, 250*time.Millisecond),
			MaxDelay:    configutil.Millis(cfg.Model.MaxDelayMS, 4*time.Second),
			Jitter:      cfg.Model.Jitter,
		})
	resilient.SetObserver(obs)

	adapter := opts.Business
	if adapter == nil {
		adapter, err = providers.BuildBusiness(cfg.Providers.Business, log)
		if err != nil {
			e.closeAll()
			return nil, fmt.Errorf("business provider: %w", err)
		}
	}
	adapter = twilio.NewEscalationNotifier(adapter, cfg.Twilio, log, obs)

	e.publisher = eventbus.New(cfg.Kafka, log, obs)

	deps := session.Deps{
		Store:    kv,
		Sessions: e.sessions,
		Gate:     verification.NewGate(adapter, log, obs),
		Orchestrator: tools.NewOrchestrator(tools.DefaultCatalog(), adapter, resilient, tools.Options{
			SystemPrompt:    systemPrompt(cfg.Agent),
			Timeout:         configutil.Millis(cfg.Tools.TimeoutMS, 6*time.Second),
			ContextMaxChars: cfg.Session.ContextMaxChars,
			Log:             log,
			Observer:        obs,
		}),
		Bridge: workflow.NewBridge(workflow.NewMemoryEngine(adapter, log), adapter, resilient, e.sessions, workflow.BridgeOptions{
			SelectionTTL: configutil.Millis(cfg.Session.SelectionTTLMS, 10*time.Minute),
			Log:          log,
			Observer:     obs,
		}),
		Narrator: narrator.New(resilient, log),
		Sink:     e.publisher,
		Observer: obs,
		Log:      log,
	}
	sessCfg := session.Config{
		EventBuffer:     cfg.Session.EventBuffer,
		HistoryTurns:    cfg.Session.HistoryTurns,
		ContextMaxChars: cfg.Session.ContextMaxChars,
		SyncSnapshots:   cfg.Persistence.SyncSnapshots,
		MailboxSize:     cfg.Session.MailboxSize,
	}
	e.registry = session.NewRegistry(session.NewFactory(sessCfg, deps), log, obs)

	var metricsHandler http.Handler
	if prom != nil {
		metricsHandler = prom.Handler()
	}
	e.server = web.NewServer(cfg.Server, web.Deps{
		Actors:   e.registry,
		Sessions: e.sessions,
		Tokens:   twilio.NewTokenMinter(cfg.Twilio),
		Metrics:  metricsHandler,
		Health:   e.healthFields,
		Observer: obs,
		Log:      log,
	})
	e.transport = e.server

	drainTimeout := configutil.Millis(cfg.Shutdown.DrainTimeoutMS, 20*time.Second)
	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: e.onStart,
		OnStop:  e.onStop,
	}, drainTimeout+5*time.Second)
	if opts.Banner != nil {
		e.runner.Banner = opts.Banner
	} else if cfg.Banner {
		e.runner.Banner = os.Stdout
	}
	e.runner.ReadyFields = e.readyFields()
	return e, nil
}

// buildObservers fans metrics out to every configured sink behind one
// async queue. It returns the prometheus observer when enabled.
func (e *Engine) buildObservers() (*metrics.PrometheusObserver, error) {
	cfg := e.cfg
	e.latency = observers.NewLatencyObserver(e.log)
	e.usage = observers.NewUsageObserver(cfg.Timeline.Dir)
	sinks := []metrics.Observer{e.latency, e.usage, observers.NewLoggerObserver(e.log)}

	var prom *metrics.PrometheusObserver
	if cfg.Metrics.Prometheus {
		prom = metrics.NewPrometheusObserver()
		sinks = append(sinks, prom)
	}
	if dir := strings.TrimSpace(cfg.Timeline.Dir); dir != "" {
		if cfg.Timeline.RetentionDays > 0 {
			removed, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Timeline.RetentionDays)*24*time.Hour)
			if err != nil {
				e.log.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if removed > 0 {
				e.log.Info("artifacts_purged", "dir", dir, "removed", removed)
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		sinks = append(sinks, e.timeline)
		e.closers = append(e.closers, e.timeline)
	}
	e.closers = append(e.closers, e.usage)
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		e.closers = append(e.closers, f)
		var jsonl metrics.Observer = metrics.NewJSONLObserver(f)
		if rate := cfg.Metrics.JSONLSampleRate; rate < 1 {
			jsonl = metrics.NewSamplingObserver(jsonl, rate, metrics.EventEmitted)
		}
		sinks = append(sinks, jsonl)
	}
	buffer := cfg.Metrics.AsyncBuffer
	if buffer <= 0 {
		buffer = 2048
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(sinks...), buffer)
	return prom, nil
}

func buildStore(cfg StoreConfig) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "dir":
		d, err := store.NewDir(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
		return d, nil
	default:
		return store.NewMemory(), nil
	}
}

// systemPrompt builds the model instructions from the agent profile. An
// empty profile keeps the built-in prompt.
func systemPrompt(a AgentProfileConfig) string {
	if strings.TrimSpace(a.Business) == "" && strings.TrimSpace(a.Persona) == "" && strings.TrimSpace(a.Style) == "" {
		return ""
	}
	company := strings.TrimSpace(a.Business)
	if company == "" {
		company = "a home services company"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are the phone concierge of %s.", company)
	if p := strings.TrimSpace(a.Persona); p != "" {
		b.WriteString(" " + p)
	}
	if s := strings.TrimSpace(a.Style); s != "" {
		b.WriteString(" Style: " + s)
	}
	b.WriteString(" Use a tool when the caller asks about their account; otherwise answer briefly.")
	return b.String()
}

func (e *Engine) readyFields() map[string]any {
	fields := map[string]any{"transport": e.transport.Name()}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields[k] = v
		}
	}
	fields["environment"] = e.cfg.Environment
	fields["model"] = e.cfg.Providers.Model.Name
	fields["business"] = e.cfg.Providers.Business.Name
	fields["kafka"] = e.publisher.Enabled()
	return fields
}

func (e *Engine) onStart(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	evictCtx, cancel := context.WithCancel(ctx)
	e.cancelEviction = cancel
	go e.registry.RunEviction(evictCtx,
		configutil.Millis(e.cfg.Session.IdleTimeoutMS, 0),
		configutil.Millis(e.cfg.Session.EvictIntervalMS, 0))
	e.log.Info("engine_ready", "addr", e.cfg.Server.Addr)
	return nil
}

func (e *Engine) onStop() {
	if e.cancelEviction != nil {
		e.cancelEviction()
	}
	e.closeAll()
	e.log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_conversations", e.registry.Count())
}

// Drain stops intake, lets in-flight requests finish and closes every
// actor so their pending writes are flushed.
func (e *Engine) Drain(ctx context.Context) error {
	e.registry.SetDraining(true)
	e.transport.SetDraining(true)
	var errs error
	if err := e.transport.Stop(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("stop %s transport: %w", e.transport.Name(), err))
	}
	e.registry.CloseAll()
	if !e.registry.WaitForEmpty(ctx, 100*time.Millisecond) {
		errs = errors.Join(errs, fmt.Errorf("%d actors still live after drain", e.registry.Count()))
	}
	return errs
}

// closeAll flushes the event export, then the metrics queue, then the
// artifact writers.
func (e *Engine) closeAll() {
	if e.publisher != nil {
		_ = e.publisher.Close()
	}
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.log.Warn("close_failed", "error", err)
		}
	}
	e.closers = nil
}

// Run blocks until ctx is canceled or Stop is called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Start runs the engine in the background.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.log.Error("engine_run_failed", "error", err)
		}
	}()
	return nil
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Handler returns the HTTP routes without a listener.
func (e *Engine) Handler() http.Handler { return e.server.Handler() }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Sessions() *callsession.Sessions { return e.sessions }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

// Latency summarizes recent turn latencies.
func (e *Engine) Latency() observers.LatencySummary { return e.latency.Summary() }

func (e *Engine) healthFields() map[string]any {
	l := e.Latency()
	return map[string]any{
		"state": e.State().String(),
		"latency": map[string]any{
			"turns":  l.Turns,
			"p50_ms": l.P50,
			"p95_ms": l.P95,
		},
	}
}

// Usage returns the usage counters of one conversation.
func (e *Engine) Usage(conversationID string) (observers.UsageSummary, bool) {
	return e.usage.Usage(conversationID)
}

func (e *Engine) State() runner.State { return e.runner.State() }
