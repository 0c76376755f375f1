// Copyright (c) 2025 BVK Chaitanya

package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrExhausted is returned when no wallet becomes available within the
// bounded wait. Callers soft-skip and retry on the next trigger.
var ErrExhausted = errors.New("wallet pool exhausted")

type Options struct {
	// Window is the rolling-window span for per-wallet budgets.
	Window time.Duration

	// WaitTimeout bounds a blocking Reserve call.
	WaitTimeout time.Duration

	// PollInterval is the re-check period while blocked on a full pool.
	PollInterval time.Duration
}

func (v *Options) setDefaults() {
	if v.Window == 0 {
		v.Window = time.Minute
	}
	if v.WaitTimeout == 0 {
		v.WaitTimeout = 30 * time.Second
	}
	if v.PollInterval == 0 {
		v.PollInterval = 500 * time.Millisecond
	}
}

// Pool rotates bids across a fixed set of wallets.
type Pool struct {
	opts Options

	mu sync.Mutex

	wallets []*Wallet

	now func() time.Time
}

// NewPool validates the wallets and creates a pool over them.
func NewPool(opts *Options, wallets []*Wallet) (*Pool, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if len(wallets) == 0 {
		return nil, fmt.Errorf("pool needs at least one wallet: %w", os.ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, w := range wallets {
		if err := w.Check(); err != nil {
			return nil, err
		}
		if seen[w.Address] {
			return nil, fmt.Errorf("duplicate wallet address %q: %w", w.Address, os.ErrExist)
		}
		seen[w.Address] = true
	}
	return &Pool{
		opts:    *opts,
		wallets: wallets,
		now:     time.Now,
	}, nil
}

// Size returns the number of wallets in the pool.
func (p *Pool) Size() int {
	return len(p.wallets)
}

// AggregateLimit is the sum of per-wallet budgets. It feeds the pacer's
// window limit so the global budget matches the pool's real capacity.
func (p *Pool) AggregateLimit() int {
	total := 0
	for _, w := range p.wallets {
		total += w.BidsPerWindow
	}
	return total
}

// MinInterval is the system-wide minimum spacing between bids when the pool
// runs at full capacity.
func (p *Pool) MinInterval() time.Duration {
	limit := p.AggregateLimit()
	if limit <= 0 {
		return p.opts.Window
	}
	return p.opts.Window / time.Duration(limit)
}

// selectLocked returns the least-recently-used wallet under its limit, or
// nil when all wallets are saturated.
func (p *Pool) selectLocked(now time.Time) *Wallet {
	var pick *Wallet
	for _, w := range p.wallets {
		if !w.underLimitLocked(now, p.opts.Window) {
			continue
		}
		if pick == nil || w.lastBid.Before(pick.lastBid) {
			pick = w
		}
	}
	return pick
}

// TrySelect returns an available wallet without charging its window, or nil
// when the pool is saturated.
func (p *Pool) TrySelect() *Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectLocked(p.now())
}

// Reserve picks the least-recently-used available wallet and charges its
// window atomically at reservation time. When the pool is saturated the
// caller blocks, re-checking availability, up to the wait ceiling. If the
// downstream submission ultimately fails, the caller must Unreserve so the
// failed attempt does not consume throughput.
func (p *Pool) Reserve(ctx context.Context) (*Wallet, error) {
	deadline := p.now().Add(p.opts.WaitTimeout)
	for {
		p.mu.Lock()
		now := p.now()
		if w := p.selectLocked(now); w != nil {
			w.stamps = append(w.stamps, now)
			w.lastBid = now
			p.mu.Unlock()
			return w, nil
		}
		p.mu.Unlock()

		if !p.now().Add(p.opts.PollInterval).Before(deadline) {
			return nil, ErrExhausted
		}
		select {
		case <-time.After(p.opts.PollInterval):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// Unreserve is the compensating action for a Reserve whose downstream
// submission failed: it refunds the newest window charge on the wallet.
func (p *Pool) Unreserve(w *Wallet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(w.stamps); n > 0 {
		w.stamps = w.stamps[:n-1]
	}
}

// BidCount returns the wallet's un-expired bid count.
func (p *Pool) BidCount(w *Wallet) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.pruneLocked(p.now(), p.opts.Window)
	return len(w.stamps)
}

// Addresses returns every wallet address in the pool. Used by the
// reconciliation sweep to query the marketplace's open-offers view.
func (p *Pool) Addresses() []string {
	addrs := make([]string, 0, len(p.wallets))
	for _, w := range p.wallets {
		addrs = append(addrs, w.Address)
	}
	return addrs
}

// ByAddress returns the wallet with the given address.
func (p *Pool) ByAddress(addr string) (*Wallet, bool) {
	for _, w := range p.wallets {
		if w.Address == addr {
			return w, true
		}
	}
	return nil, false
}

// Groups scopes wallet pools by named group. Every collection config binds
// to exactly one group.
type Groups struct {
	pools map[string]*Pool
}

// NewGroups builds one pool per named wallet group.
func NewGroups(opts *Options, groups map[string][]*Wallet) (*Groups, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("at least one wallet group is required: %w", os.ErrInvalid)
	}
	pools := make(map[string]*Pool)
	for name, wallets := range groups {
		p, err := NewPool(opts, wallets)
		if err != nil {
			return nil, fmt.Errorf("could not create wallet group %q: %w", name, err)
		}
		pools[name] = p
	}
	return &Groups{pools: pools}, nil
}

// Pool returns the named group's pool.
func (g *Groups) Pool(name string) (*Pool, bool) {
	p, ok := g.pools[name]
	return p, ok
}

// AggregateLimit sums every group's capacity.
func (g *Groups) AggregateLimit() int {
	total := 0
	for _, p := range g.pools {
		total += p.AggregateLimit()
	}
	return total
}

// MinInterval is the tightest system-wide bid spacing when every group runs
// at full capacity. All pools in a Groups share one window.
func (g *Groups) MinInterval() time.Duration {
	var window time.Duration
	for _, p := range g.pools {
		window = p.opts.Window
		break
	}
	limit := g.AggregateLimit()
	if limit <= 0 {
		return window
	}
	return window / time.Duration(limit)
}

// Addresses returns all wallet addresses across groups.
func (g *Groups) Addresses() []string {
	var addrs []string
	for _, p := range g.pools {
		addrs = append(addrs, p.Addresses()...)
	}
	return addrs
}
