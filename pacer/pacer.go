// Copyright (c) 2025 BVK Chaitanya

// Package pacer enforces the aggregate bids-per-window budget. It keeps a
// rolling window of bid timestamps for proactive self-pacing and a separate
// reactive pause that is set when the marketplace reports a rate-limit
// violation. Both gates must be open before a bid may proceed.
package pacer

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Pacer is safe for concurrent use.
type Pacer struct {
	opts Options

	mu sync.Mutex

	// stamps holds the un-expired bid timestamps, oldest first.
	stamps []time.Time

	// Reactive pause imposed by an upstream rate-limit rejection. Checked
	// before, and independently of, the rolling window.
	paused   bool
	resumeAt time.Time

	// lastGrant spaces consecutive grants by MinInterval. It is never
	// rolled back on Unreserve; spacing is about time, not slots.
	lastGrant time.Time

	// wake is closed when a window slot may have opened. All concurrent
	// WaitForSlot callers share this one pending wait instead of each arming
	// an independent timer.
	wake       chan struct{}
	timerArmed bool

	now func() time.Time
}

// New creates a pacer with the given aggregate limit per window.
func New(opts *Options) *Pacer {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	return &Pacer{
		opts: *opts,
		wake: make(chan struct{}),
		now:  time.Now,
	}
}

// Reset clears the window and the reactive pause.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stamps = nil
	p.paused = false
	p.resumeAt = time.Time{}
	p.lastGrant = time.Time{}
}

func (p *Pacer) pruneLocked(now time.Time) {
	cutoff := now.Add(-p.opts.Window)
	i := 0
	for i < len(p.stamps) && !p.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		p.stamps = p.stamps[i:]
	}
	if p.paused && !now.Before(p.resumeAt) {
		p.paused = false
	}
}

// CanPlaceBid reports whether a bid could proceed right now.
func (p *Pacer) CanPlaceBid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.pruneLocked(now)
	if p.opts.MinInterval > 0 && now.Sub(p.lastGrant) < p.opts.MinInterval {
		return false
	}
	return !p.paused && len(p.stamps) < p.opts.Limit
}

// RecordBid charges one slot of the window directly, for bids placed
// without going through WaitForSlot.
func (p *Pacer) RecordBid() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.pruneLocked(now)
	p.stamps = append(p.stamps, now)
	p.lastGrant = now
}

// Unreserve refunds the most recently charged slot when the bid it was
// reserved for did not go out.
func (p *Pacer) Unreserve() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.stamps); n > 0 {
		p.stamps = p.stamps[:n-1]
	}
}

// PausedUntil returns the reactive pause deadline, or the zero time when no
// pause is active.
func (p *Pacer) PausedUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return p.resumeAt
	}
	return time.Time{}
}

// WaitForSlot suspends the caller until both the reactive pause and the
// rolling window allow a bid, up to the configured wait ceiling. The granted
// slot is charged to the window before returning, so concurrent callers can
// never overshoot the limit; a caller whose bid does not go out must refund
// the slot with Unreserve.
func (p *Pacer) WaitForSlot(ctx context.Context) error {
	deadline := p.now().Add(p.opts.WaitTimeout)
	for {
		p.mu.Lock()
		now := p.now()
		p.pruneLocked(now)

		var until time.Time
		switch {
		case p.paused:
			until = p.resumeAt
		case len(p.stamps) >= p.opts.Limit:
			// The oldest stamp leaving the window opens the next slot.
			until = p.stamps[0].Add(p.opts.Window + p.opts.SafetyBuffer)
		case p.opts.MinInterval > 0 && now.Sub(p.lastGrant) < p.opts.MinInterval:
			until = p.lastGrant.Add(p.opts.MinInterval)
		default:
			p.stamps = append(p.stamps, now)
			p.lastGrant = now
			p.mu.Unlock()
			return nil
		}

		if until.After(deadline) {
			p.mu.Unlock()
			return os.ErrDeadlineExceeded
		}

		wake := p.wake
		if !p.timerArmed {
			p.timerArmed = true
			time.AfterFunc(until.Sub(now), p.wakeWaiters)
		}
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (p *Pacer) wakeWaiters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.timerArmed = false
}

// retryHintRe matches human-readable retry durations embedded in upstream
// rate-limit messages, e.g. "too many requests, retry in 2 minutes".
var retryHintRe = regexp.MustCompile(`(\d+)\s*(hours?|hrs?|minutes?|mins?|seconds?|secs?)`)

// OnRateLimitError imposes a reactive pause parsed from the upstream error
// text. An unparseable message pauses for exactly one window. The reactive
// pause always wins over the proactive window check.
func (p *Pacer) OnRateLimitError(message string) {
	d := ParseRetryHint(message)
	if d <= 0 {
		d = p.opts.Window
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	resumeAt := now.Add(d)
	if p.paused && p.resumeAt.After(resumeAt) {
		// An earlier violation already imposed a longer pause.
		return
	}
	p.paused = true
	p.resumeAt = resumeAt
	slog.Warn("rate limit reported by marketplace; pausing all bids", "pause", d, "resumeAt", resumeAt)
}

// ParseRetryHint extracts a retry duration from upstream error text. Returns
// zero when the text carries no recognizable hint.
func ParseRetryHint(message string) time.Duration {
	m := retryHintRe.FindStringSubmatch(strings.ToLower(message))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0
	}
	switch {
	case strings.HasPrefix(m[2], "h"):
		return time.Duration(n) * time.Hour
	case strings.HasPrefix(m[2], "m"):
		return time.Duration(n) * time.Minute
	default:
		return time.Duration(n) * time.Second
	}
}
