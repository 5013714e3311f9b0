// Package registry keeps resolved query handles between GetFlightInfo and DoGet.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trino-arrow-gateway/internal/domain"
	"trino-arrow-gateway/internal/observability"
)

// Defaults for Options.
const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = time.Minute
)

// Options configures a Registry. A zero TTL keeps entries until they are
// deleted explicitly.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	// Now is the clock used for expiry. Nil uses time.Now.
	Now func() time.Time
}

type entry struct {
	handle    *domain.QueryHandle
	expiresAt time.Time
}

// Registry is a concurrent queryId to QueryHandle map with TTL eviction.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]entry),
		ttl:      opts.TTL,
		interval: opts.SweepInterval,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// Put registers handle under its query id, replacing any previous entry.
func (r *Registry) Put(handle *domain.QueryHandle) {
	e := entry{handle: handle}
	if r.ttl > 0 {
		e.expiresAt = r.now().Add(r.ttl)
	}

	r.mu.Lock()
	r.entries[handle.QueryID] = e
	n := len(r.entries)
	r.mu.Unlock()
	observability.SetRegistryEntries(n)
}

// Get returns the handle for queryID. Unknown and expired ids return a
// *domain.NotFoundError.
func (r *Registry) Get(queryID string) (*domain.QueryHandle, error) {
	r.mu.RLock()
	e, ok := r.entries[queryID]
	r.mu.RUnlock()
	if !ok || r.expired(e, r.now()) {
		return nil, domain.ErrNotFound("Unknown queryId: %s", queryID)
	}
	return e.handle, nil
}

// Delete removes queryID and reports whether it was present.
func (r *Registry) Delete(queryID string) bool {
	r.mu.Lock()
	_, ok := r.entries[queryID]
	delete(r.entries, queryID)
	n := len(r.entries)
	r.mu.Unlock()
	observability.SetRegistryEntries(n)
	return ok
}

// Len returns the number of stored entries, expired or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep removes expired entries and returns how many were evicted.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	evicted := 0
	for id, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, id)
			evicted++
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	observability.SetRegistryEntries(n)
	if evicted > 0 {
		r.logger.Debug("evicted expired query handles", "evicted", evicted, "remaining", n)
	}
	return evicted
}

// Run sweeps expired entries every SweepInterval until ctx is done. It
// returns immediately when eviction is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) expired(e entry, now time.Time) bool {
	return r.ttl > 0 && !now.Before(e.expiresAt)
}
