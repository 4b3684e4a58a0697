// Package eventbus exports emitted conversation events to Kafka, keyed by
// conversation id. When Kafka is disabled events are only logged.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/eventlog"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/resilience"
)

const (
	defaultBuffer = 1024
	writeTimeout  = 10 * time.Second
)

type Config struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Principal string   `mapstructure:"principal"`
	Buffer    int      `mapstructure:"buffer"`
	// Retries bounds extra write attempts after a failed Kafka write.
	Retries        int `mapstructure:"retries"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the exported form of one event.
type Record struct {
	ConversationID string         `json:"conversationId"`
	Event          eventlog.Event `json:"event"`
}

// Publisher queues events and writes them from one goroutine so per
// conversation order is kept.
type Publisher struct {
	writer    messageWriter
	topic     string
	principal string
	log       *slog.Logger
	obs       metrics.Observer
	retry     resilience.RetryPolicy

	// mu guards queue against close while a publish is in progress.
	mu      sync.RWMutex
	queue   chan Record
	dropped atomic.Int64
	closed  bool
	once    sync.Once
	done    chan struct{}
}

// New returns a publisher. A disabled config or one without brokers gives
// a log-only publisher.
func New(cfg Config, log *slog.Logger, obs metrics.Observer) *Publisher {
	log = logging.NewComponentLogger(log, "eventbus")
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka_disabled", "mode", "log_only")
		return newPublisher(nil, cfg, log, obs)
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	log.Info("kafka_publisher_initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return newPublisher(w, cfg, log, obs)
}

func newPublisher(w messageWriter, cfg Config, log *slog.Logger, obs metrics.Observer) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if log == nil {
		log = logging.NewComponentLogger(nil, "eventbus")
	}
	p := &Publisher{
		writer:    w,
		topic:     cfg.Topic,
		principal: cfg.Principal,
		log:       log,
		obs:       obs,
		retry:     resilience.NewRetryPolicy(cfg.Retries, time.Duration(cfg.RetryBackoffMS)*time.Millisecond),
		queue:     make(chan Record, cfg.Buffer),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.writer != nil }

// Dropped returns how many events were dropped on a full queue.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Publish queues ev. It never blocks the caller.
func (p *Publisher) Publish(conversationID string, ev eventlog.Event) {
	if p == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- Record{ConversationID: conversationID, Event: ev}:
	default:
		p.dropped.Add(1)
		p.record("dropped")
	}
}

// Close stops intake, flushes queued events and closes the writer.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done
		if p.writer != nil {
			if cerr := p.writer.Close(); cerr != nil {
				p.log.Error("kafka_close_failed", "error", cerr)
				err = cerr
			}
		}
	})
	return err
}

func (p *Publisher) loop() {
	defer close(p.done)
	for rec := range p.queue {
		p.write(rec)
	}
}

func (p *Publisher) write(rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		p.log.Error("event_marshal_failed", "conversation_id", rec.ConversationID, "error", err)
		p.record("error")
		return
	}
	if p.writer == nil {
		p.log.Debug("event_published", "conversation_id", rec.ConversationID, "event_id", rec.Event.ID, "type", string(rec.Event.Type))
		p.record("logged")
		return
	}
	msg := kafka.Message{
		Key:   []byte(rec.ConversationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(rec.Event.Type)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	attempts := 0
	err = p.retry.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return p.writer.WriteMessages(ctx, msg)
	})
	if attempts > 1 {
		p.log.Warn("kafka_write_retried", "conversation_id", rec.ConversationID, "attempts", attempts, "ok", err == nil)
	}
	if err != nil {
		p.log.Error("kafka_write_failed", "conversation_id", rec.ConversationID, "topic", p.topic, "error", errorsx.Wrap(err, errorsx.ReasonEventExport))
		p.record("error")
		return
	}
	p.record("ok")
}

func (p *Publisher) record(status string) {
	metrics.Record(p.obs, metrics.EventEventExport, 1, map[string]string{"status": status}, nil)
}
