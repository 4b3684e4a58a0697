package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
)

// Factory builds the actor of a conversation.
type Factory func(ctx context.Context, conversationID string) (*Actor, error)

// Registry maps conversation keys to live actors.
type Registry struct {
	actors   sync.Map
	count    atomic.Int64
	factory  Factory
	draining atomic.Bool
	create   sync.Mutex
	log      *slog.Logger
	obs      metrics.Observer
	now      func() time.Time
}

func NewRegistry(factory Factory, log *slog.Logger, obs metrics.Observer) *Registry {
	return &Registry{
		factory: factory,
		log:     logging.NewComponentLogger(log, "session_registry"),
		obs:     obs,
		now:     time.Now,
	}
}

// NewFactory returns a Factory building actors with cfg and deps.
func NewFactory(cfg Config, deps Deps) Factory {
	return func(ctx context.Context, conversationID string) (*Actor, error) {
		return New(ctx, conversationID, cfg, deps)
	}
}

// GetOrCreate returns the actor of id, restoring it when it is not live.
// The bool reports whether the actor was created by this call.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Actor, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if v, ok := r.actors.Load(id); ok {
		return v.(*Actor), false, nil
	}
	if r.Draining() {
		return nil, false, ErrDraining
	}
	// Restores are serialized.
	r.create.Lock()
	defer r.create.Unlock()
	if v, ok := r.actors.Load(id); ok {
		return v.(*Actor), false, nil
	}
	a, err := r.factory(ctx, id)
	if err != nil {
		return nil, false, err
	}
	r.actors.Store(id, a)
	r.count.Add(1)
	return a, true, nil
}

func (r *Registry) Get(id string) (*Actor, bool) {
	if v, ok := r.actors.Load(id); ok {
		return v.(*Actor), true
	}
	return nil, false
}

// Remove stops the actor of id and flushes its state.
func (r *Registry) Remove(id string) {
	if v, ok := r.actors.LoadAndDelete(id); ok {
		v.(*Actor).Close()
		r.count.Add(-1)
	}
}

func (r *Registry) CloseAll() {
	r.actors.Range(func(key, value any) bool {
		if id, ok := key.(string); ok {
			r.Remove(id)
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

// SetDraining stops creation of new actors. Live actors keep serving.
func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// EvictIdle removes actors with no listener and no command for longer than
// idle. It returns the evicted keys.
func (r *Registry) EvictIdle(idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	now := r.now()
	var evicted []string
	r.actors.Range(func(key, value any) bool {
		a := value.(*Actor)
		if a.Busy() || a.Listeners() > 0 || now.Sub(a.LastActive()) < idle {
			return true
		}
		id := key.(string)
		r.Remove(id)
		evicted = append(evicted, id)
		r.log.Info("actor_evicted", "conversation_id", id, "idle", now.Sub(a.LastActive()).String())
		metrics.Record(r.obs, metrics.EventActorEvicted, 1, map[string]string{"conversation_id": id}, nil)
		return true
	})
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = idle / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(idle)
		}
	}
}
