package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrPoolExhausted is returned when no session becomes available within
	// the acquire timeout. Callers may retry with backoff.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolClosed is returned for acquires issued during or after shutdown.
	ErrPoolClosed = errors.New("session pool closed")
)

// Session is a live browser automation connection. It is owned by the pool
// and borrowed by exactly one test case at a time.
type Session struct {
	ID        string
	Suite     string
	Browser   Browser
	CreatedAt time.Time
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Log            *zap.SugaredLogger
	Factory        Factory
	Capacity       int
	AcquireTimeout time.Duration
}

// Stats is a snapshot of pool occupancy. Busy+Idle never exceeds Capacity.
type Stats struct {
	Capacity int
	Busy     int
	Idle     int
}

// Pool bounds the number of concurrent browser sessions. Idle sessions are
// kept per suite so a case reuses a browser configured for its suite;
// sessions released unhealthy are destroyed and their capacity slot is
// freed for lazy replacement.
type Pool struct {
	log            *zap.SugaredLogger
	factory        Factory
	capacity       int
	acquireTimeout time.Duration

	mu      sync.Mutex
	idle    map[string][]*Session
	live    int // sessions that exist or are being created (busy + idle + in-flight creation)
	busy    int
	closed  bool
	waiters []chan struct{}
}

// NewPool creates a pool. No sessions are opened up front; creation is lazy
// on first acquire.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session factory is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	return &Pool{
		log:            cfg.Log,
		factory:        cfg.Factory,
		capacity:       cfg.Capacity,
		acquireTimeout: cfg.AcquireTimeout,
		idle:           make(map[string][]*Session),
	}, nil
}

// Acquire returns an exclusive session with affinity for the given suite,
// blocking until one is available. It fails with ErrPoolExhausted once the
// acquire timeout elapses, ErrPoolClosed if the pool shuts down, or the
// context error if ctx is canceled first.
func (p *Pool) Acquire(ctx context.Context, suite string) (*Session, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if list := p.idle[suite]; len(list) > 0 {
			s := list[len(list)-1]
			p.idle[suite] = list[:len(list)-1]
			p.busy++
			p.mu.Unlock()
			return s, nil
		}

		if p.live < p.capacity {
			p.live++
			p.busy++
			p.mu.Unlock()
			return p.create(suite)
		}

		// Capacity is saturated. If another suite has an idle session,
		// evict it to make room; otherwise wait for a release.
		if victim := p.evictIdleLocked(suite); victim != nil {
			p.mu.Unlock()
			if err := victim.Browser.Quit(); err != nil {
				p.log.Warnw("failed to quit evicted session", "session", victim.ID, "err", err)
			}
			continue
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			p.dropWaiter(wait)
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			p.dropWaiter(wait)
			return nil, ctx.Err()
		}
	}
}

// create opens a new browser session. The caller has already reserved the
// live and busy slots; they are rolled back on failure.
func (p *Pool) create(suite string) (*Session, error) {
	browser, err := p.factory(suite)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.busy--
		p.notifyLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s := &Session{
		ID:        uuid.NewString(),
		Suite:     suite,
		Browser:   browser,
		CreatedAt: time.Now(),
	}
	p.log.Debugw("created session", "session", s.ID, "suite", suite)
	return s, nil
}

// Release returns a session to the pool. Healthy sessions rejoin the idle
// set; unhealthy ones are destroyed, freeing their capacity slot for lazy
// replacement. After Close every released session is destroyed.
func (p *Pool) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}
	p.mu.Lock()
	p.busy--
	if healthy && !p.closed {
		p.idle[s.Suite] = append(p.idle[s.Suite], s)
		p.notifyLocked()
		p.mu.Unlock()
		return
	}
	p.live--
	p.notifyLocked()
	p.mu.Unlock()

	if err := s.Browser.Quit(); err != nil {
		p.log.Warnw("failed to quit session", "session", s.ID, "err", err)
	}
	p.log.Debugw("destroyed session", "session", s.ID, "healthy", healthy)
}

// Close shuts the pool down: idle sessions are quit immediately, busy ones
// when released, and blocked acquires fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var drained []*Session
	for suite, list := range p.idle {
		drained = append(drained, list...)
		delete(p.idle, suite)
	}
	p.live -= len(drained)
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, s := range drained {
		if err := s.Browser.Quit(); err != nil {
			p.log.Warnw("failed to quit session during shutdown", "session", s.ID, "err", err)
		}
	}
	p.log.Infow("session pool closed", "drained", len(drained))
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, list := range p.idle {
		idle += len(list)
	}
	return Stats{Capacity: p.capacity, Busy: p.busy, Idle: idle}
}

// evictIdleLocked removes and returns one idle session belonging to a
// different suite, or nil if none exists. Caller holds p.mu.
func (p *Pool) evictIdleLocked(suite string) *Session {
	for other, list := range p.idle {
		if other == suite || len(list) == 0 {
			continue
		}
		s := list[len(list)-1]
		p.idle[other] = list[:len(list)-1]
		p.live--
		return s
	}
	return nil
}

// notifyLocked wakes one waiter, if any. Caller holds p.mu.
func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	close(p.waiters[0])
	p.waiters = p.waiters[1:]
}

// dropWaiter removes a waiter that gave up. If the waiter was already
// notified, the wakeup is passed on so no release is lost.
func (p *Pool) dropWaiter(wait chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	// Not found: we raced with a notify. Hand the token to the next waiter.
	select {
	case <-wait:
		p.notifyLocked()
	default:
	}
}
