// Package sessions keeps one conversation engine per session id in memory,
// bounded by a capacity limit and an idle TTL.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/datachat/internal/observability"
)

// Eviction reasons reported to metrics and the eviction hook.
const (
	EvictCapacity  = "capacity"
	EvictTTL       = "ttl"
	EvictDestroyed = "destroyed"
)

// Config bounds the registry.
type Config struct {
	// MaxSessions caps live sessions. Creating one more evicts the least
	// recently accessed. Default: 100
	MaxSessions int

	// TTL is how long a session may sit idle before the sweep removes it.
	// Default: 30 minutes
	TTL time.Duration

	// SweepInterval is how often the background sweep runs.
	// Default: 5 minutes
	SweepInterval time.Duration
}

// DefaultConfig returns the default registry bounds.
func DefaultConfig() Config {
	return Config{
		MaxSessions:   100,
		TTL:           30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaults.MaxSessions
	}
	if c.TTL <= 0 {
		c.TTL = defaults.TTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	return c
}

// Factory builds the engine for a new session.
type Factory[E any] func(id string) E

// EvictFunc observes removed sessions. It runs outside the registry lock.
type EvictFunc[E any] func(id string, engine E, reason string)

// Option customizes a Registry.
type Option[E any] func(*Registry[E])

// WithLogger sets the logger.
func WithLogger[E any](logger *observability.Logger) Option[E] {
	return func(r *Registry[E]) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records active sessions and evictions.
func WithMetrics[E any](metrics *observability.Metrics) Option[E] {
	return func(r *Registry[E]) {
		r.metrics = metrics
	}
}

// WithClock overrides time.Now.
func WithClock[E any](now func() time.Time) Option[E] {
	return func(r *Registry[E]) {
		if now != nil {
			r.now = now
		}
	}
}

// WithEvictHook registers a callback for every removed session.
func WithEvictHook[E any](fn EvictFunc[E]) Option[E] {
	return func(r *Registry[E]) {
		r.onEvict = fn
	}
}

type record[E any] struct {
	engine       E
	lastAccessed time.Time
}

type eviction[E any] struct {
	id     string
	engine E
	reason string
}

// Registry maps session ids to engines.
//
// Thread Safety:
// Registry is safe for concurrent use. A single mutex guards the map; the
// engines themselves are not serialized here.
type Registry[E any] struct {
	mu       sync.Mutex
	sessions map[string]*record[E]

	factory Factory[E]
	config  Config
	now     func() time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
	onEvict EvictFunc[E]

	cronMu    sync.Mutex
	scheduler *cron.Cron
}

// NewRegistry creates a registry that builds engines with factory.
func NewRegistry[E any](factory Factory[E], config Config, opts ...Option[E]) *Registry[E] {
	r := &Registry[E]{
		sessions: make(map[string]*record[E]),
		factory:  factory,
		config:   config.withDefaults(),
		now:      time.Now,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewID returns a fresh random session id.
func (r *Registry[E]) NewID() string {
	return uuid.NewString()
}

// Resolve returns the engine for id, creating it when absent, and marks the
// session as accessed. Creating a session at capacity first evicts the least
// recently accessed one.
func (r *Registry[E]) Resolve(id string) E {
	r.mu.Lock()
	now := r.now()
	if rec, ok := r.sessions[id]; ok {
		rec.lastAccessed = now
		r.mu.Unlock()
		return rec.engine
	}

	var evicted []eviction[E]
	for len(r.sessions) >= r.config.MaxSessions {
		ev, ok := r.evictOldestLocked()
		if !ok {
			break
		}
		evicted = append(evicted, ev)
	}

	rec := &record[E]{engine: r.factory(id), lastAccessed: now}
	r.sessions[id] = rec
	active := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(active)
	r.notify(evicted)
	r.logger.Debug(context.Background(), "session created", "session_id", id, "active", active)
	return rec.engine
}

// Get returns the engine for id without creating one. A hit counts as an
// access.
func (r *Registry[E]) Get(id string) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		var zero E
		return zero, false
	}
	rec.lastAccessed = r.now()
	return rec.engine, true
}

// Exists reports whether id is live. It does not touch the access time.
func (r *Registry[E]) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Destroy removes id. Destroying an unknown id is a no-op.
func (r *Registry[E]) Destroy(id string) {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.SetActiveSessions(active)
	r.notify([]eviction[E]{{id: id, engine: rec.engine, reason: EvictDestroyed}})
}

// Len returns the number of live sessions.
func (r *Registry[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes every session idle for longer than the TTL and returns how
// many were removed.
func (r *Registry[E]) Sweep() int {
	r.mu.Lock()
	cutoff := r.now().Add(-r.config.TTL)
	var evicted []eviction[E]
	for id, rec := range r.sessions {
		if rec.lastAccessed.Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, eviction[E]{id: id, engine: rec.engine, reason: EvictTTL})
		}
	}
	active := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(active)
	r.notify(evicted)
	if len(evicted) > 0 {
		r.logger.Info(context.Background(), "expired idle sessions", "removed", len(evicted), "active", active)
	}
	return len(evicted)
}

// Start begins the periodic sweep. Calling Start twice is a no-op.
// The sweep runs on its own goroutine and never holds up process exit.
func (r *Registry[E]) Start() {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.scheduler != nil {
		return
	}

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	scheduler.Schedule(cron.Every(r.config.SweepInterval), cron.FuncJob(func() {
		r.Sweep()
	}))
	scheduler.Start()
	r.scheduler = scheduler

	r.logger.Info(context.Background(), "session sweep started",
		"interval", r.config.SweepInterval.String(),
		"ttl", r.config.TTL.String(),
		"max_sessions", r.config.MaxSessions,
	)
}

// Stop ends the periodic sweep and waits for a running sweep to finish.
func (r *Registry[E]) Stop() {
	r.cronMu.Lock()
	scheduler := r.scheduler
	r.scheduler = nil
	r.cronMu.Unlock()

	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
}

// evictOldestLocked removes the least recently accessed session with a
// full scan. Callers hold r.mu.
func (r *Registry[E]) evictOldestLocked() (eviction[E], bool) {
	var (
		oldestID string
		oldest   *record[E]
	)
	for id, rec := range r.sessions {
		if oldest == nil || rec.lastAccessed.Before(oldest.lastAccessed) {
			oldestID = id
			oldest = rec
		}
	}
	if oldest == nil {
		return eviction[E]{}, false
	}
	delete(r.sessions, oldestID)
	return eviction[E]{id: oldestID, engine: oldest.engine, reason: EvictCapacity}, true
}

func (r *Registry[E]) notify(evicted []eviction[E]) {
	for _, ev := range evicted {
		r.metrics.RecordSessionEviction(ev.reason)
		if ev.reason == EvictCapacity {
			r.logger.Warn(context.Background(), "session evicted at capacity",
				"session_id", ev.id, "max_sessions", r.config.MaxSessions)
		}
		if r.onEvict != nil {
			r.onEvict(ev.id, ev.engine, ev.reason)
		}
	}
}
