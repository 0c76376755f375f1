// Copyright (c) 2025 BVK Chaitanya

// Package locker implements per-key mutual exclusion with FIFO waiter
// hand-off. Releasing a contended key transfers holdership directly to the
// first waiter, so two callers can never both observe the key as unlocked.
// A background sweep force-releases keys held past a staleness threshold.
package locker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bvk/bidbot/ctxutil"
)

type waiter struct {
	// ready receives exactly one value: true when holdership is transferred
	// to this waiter and false when the wait is failed. Buffered so senders
	// never block on a departed waiter.
	ready chan bool
}

type lockEntry struct {
	acquiredAt time.Time

	waiters []*waiter
}

// Manager serializes access to arbitrary string keys.
type Manager struct {
	cg ctxutil.CloseGroup

	opts Options

	mu sync.Mutex

	locks map[string]*lockEntry
}

// New creates a lock manager and starts its stale-lock sweep.
func New(opts *Options) *Manager {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()

	m := &Manager{
		opts:  *opts,
		locks: make(map[string]*lockEntry),
	}
	m.cg.Go(m.goSweep)
	return m
}

// Close stops the sweep and fails all pending waiters.
func (m *Manager) Close() {
	m.cg.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.locks {
		for _, w := range e.waiters {
			w.ready <- false
		}
		delete(m.locks, key)
	}
}

// Acquire grants the key to the caller, waiting up to the configured waiter
// timeout when the key is held. Returns false when the wait times out, the
// context is canceled or the key is force-released by the sweep.
func (m *Manager) Acquire(ctx context.Context, key string) bool {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		m.locks[key] = &lockEntry{acquiredAt: time.Now()}
		m.mu.Unlock()
		return true
	}

	w := &waiter{ready: make(chan bool, 1)}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(m.opts.WaiterTimeout)
	defer timer.Stop()

	select {
	case granted := <-w.ready:
		return granted
	case <-timer.C:
	case <-ctx.Done():
	}

	// The wait is over; withdraw from the queue. If the waiter is already
	// gone, a hand-off or a sweep has resolved it and the buffered result
	// must be consumed.
	m.mu.Lock()
	if e, ok := m.locks[key]; ok {
		for i, q := range e.waiters {
			if q == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				m.mu.Unlock()
				return false
			}
		}
	}
	m.mu.Unlock()

	if granted := <-w.ready; granted {
		// Holdership arrived after the caller gave up; pass it on.
		m.Release(key)
	}
	return false
}

// Release frees the key or hands it to the first waiter. The hand-off keeps
// the key held with a refreshed acquisition timestamp, leaving no interval
// where a racing Acquire could observe the key unlocked.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		slog.Warn("release of a key that is not locked", "key", key)
		return
	}
	if len(e.waiters) == 0 {
		delete(m.locks, key)
		return
	}

	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	e.acquiredAt = time.Now()
	next.ready <- true
}

// Locked reports whether the key is currently held.
func (m *Manager) Locked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[key]
	return ok
}

// NumWaiters returns the number of callers queued on the key.
func (m *Manager) NumWaiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok {
		return len(e.waiters)
	}
	return 0
}

func (m *Manager) goSweep(ctx context.Context) {
	for context.Cause(ctx) == nil {
		ctxutil.Sleep(ctx, m.opts.SweepInterval)
		m.sweep(time.Now())
	}
}

// sweep force-releases keys held longer than the staleness threshold and
// fails their waiters. A holder that crashed without releasing cannot
// otherwise be recovered.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.locks {
		if held := now.Sub(e.acquiredAt); held > m.opts.StaleTimeout {
			slog.Warn("force-releasing stale lock", "key", key, "held", held, "waiters", len(e.waiters))
			for _, w := range e.waiters {
				w.ready <- false
			}
			delete(m.locks, key)
		}
	}
}
