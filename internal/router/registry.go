package router

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout is how long an unused router is kept.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultClientLimit is how many clients one student may hold routers for.
	DefaultClientLimit = 8
)

// Factory builds the router for one (student, client) pair.
type Factory func(studentID, clientID string) *Router

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClientLimit caps the routers kept per student. Creating one past the
// cap stops and drops the student's least recently used router.
func WithClientLimit(limit int) RegistryOption {
	return func(g *Registry) {
		if limit > 0 {
			g.clientLimit = limit
		}
	}
}

type sessionKey struct {
	studentID string
	clientID  string
}

// Registry keeps one Router per (student, client) pair so each device has
// its own in-flight utterance and plan hint.
type Registry struct {
	factory     Factory
	idleTimeout time.Duration
	clientLimit int
	now         func() time.Time

	mu      sync.Mutex
	routers map[sessionKey]*Router
}

// NewRegistry creates a Registry. A zero idleTimeout uses DefaultIdleTimeout.
func NewRegistry(factory Factory, idleTimeout time.Duration, now func() time.Time, opts ...RegistryOption) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	if now == nil {
		now = time.Now
	}

	registry := &Registry{
		factory:     factory,
		idleTimeout: idleTimeout,
		clientLimit: DefaultClientLimit,
		now:         now,
		mu:          sync.Mutex{},
		routers:     make(map[sessionKey]*Router),
	}

	for _, opt := range opts {
		opt(registry)
	}

	return registry
}

// Get returns the router for the pair, creating it on first use.
func (g *Registry) Get(studentID, clientID string) *Router {
	key := sessionKey{studentID: studentID, clientID: clientID}

	g.mu.Lock()

	existing, ok := g.routers[key]
	if ok {
		g.mu.Unlock()

		return existing
	}

	evicted := g.evictLocked(studentID)

	created := g.factory(studentID, clientID)
	g.routers[key] = created

	g.mu.Unlock()

	if evicted != nil {
		evicted.Stop()
	}

	return created
}

// evictLocked drops the least recently used router of studentID when the
// student is at the client limit.
func (g *Registry) evictLocked(studentID string) *Router {
	var (
		oldestKey sessionKey
		oldest    *Router
		count     int
	)

	for key, existing := range g.routers {
		if key.studentID != studentID {
			continue
		}

		count++

		if oldest == nil || existing.idleSince().Before(oldest.idleSince()) {
			oldestKey = key
			oldest = existing
		}
	}

	if count < g.clientLimit || oldest == nil {
		return nil
	}

	delete(g.routers, oldestKey)

	return oldest
}

// Invalidate drops the plan hints of every router serving studentID.
func (g *Registry) Invalidate(studentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0

	for key, existing := range g.routers {
		if key.studentID == studentID {
			existing.Invalidate()
			count++
		}
	}

	return count
}

// Len returns the number of live routers.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.routers)
}

// Sweep stops and removes routers idle for longer than the idle timeout.
func (g *Registry) Sweep() int {
	cutoff := g.now().Add(-g.idleTimeout)

	g.mu.Lock()

	var idle []*Router

	for key, existing := range g.routers {
		if existing.idleSince().Before(cutoff) {
			idle = append(idle, existing)
			delete(g.routers, key)
		}
	}

	g.mu.Unlock()

	for _, existing := range idle {
		existing.Stop()
	}

	return len(idle)
}

// Run sweeps every interval until ctx is done.
func (g *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
