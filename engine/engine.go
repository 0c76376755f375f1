// Copyright (c) 2025 BVK Chaitanya

// Package engine runs the bid orchestration: it consumes push events and
// periodic poll timers, decides outbid/ratchet/skip actions per token, and
// drives offer placement through the locker, pacer and wallet pool gates.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bvk/bidbot/config"
	"github.com/bvk/bidbot/ctxutil"
	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/idgen"
	"github.com/bvk/bidbot/journal"
	"github.com/bvk/bidbot/locker"
	"github.com/bvk/bidbot/market"
	"github.com/bvk/bidbot/notify"
	"github.com/bvk/bidbot/pacer"
	"github.com/bvk/bidbot/state"
	"github.com/bvk/bidbot/syncmap"
	"github.com/bvk/bidbot/wallet"
)

// EventSource is the push-channel side of the dual-trigger dispatcher.
// *feed.Supervisor implements it.
type EventSource interface {
	Events() (<-chan *market.Event, func())
}

// Collaborators are the services the engine coordinates. Journal and
// Notifier may be nil.
type Collaborators struct {
	Marketplace market.Marketplace

	Signer market.Signer

	Store *state.Store

	Wallets *wallet.Groups

	Pacer *pacer.Pacer

	Locks *locker.Manager

	Journal *journal.Journal

	Notifier *notify.Notifier
}

func (c *Collaborators) Check() error {
	if c.Marketplace == nil || c.Signer == nil || c.Store == nil || c.Wallets == nil || c.Pacer == nil || c.Locks == nil {
		return fmt.Errorf("marketplace, signer, store, wallets, pacer and locks are all required: %w", os.ErrInvalid)
	}
	return nil
}

type Engine struct {
	cg ctxutil.CloseGroup

	opts Options

	mkt    market.Marketplace
	signer market.Signer
	store  *state.Store
	groups *wallet.Groups
	pacer  *pacer.Pacer
	locks  *locker.Manager
	jrnl   *journal.Journal
	notice *notify.Notifier

	idgen *idgen.Generator

	fetchLimit *rate.Limiter

	// ourAddrs recognizes our own offers in market snapshots and events.
	ourAddrs map[string]bool

	runners map[string]*runner

	queue chan *market.Event

	evicted  atomic.Int64
	draining atomic.Bool

	seenFills syncmap.Map[string, time.Time]
}

// New prepares the engine for the given collections. Call Start to begin
// bidding.
func New(opts *Options, c *Collaborators, cfgs []*config.Collection) (*Engine, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := c.Check(); err != nil {
		return nil, err
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one collection is required: %w", os.ErrInvalid)
	}

	eng := &Engine{
		opts:       *opts,
		mkt:        c.Marketplace,
		signer:     c.Signer,
		store:      c.Store,
		groups:     c.Wallets,
		pacer:      c.Pacer,
		locks:      c.Locks,
		jrnl:       c.Journal,
		notice:     c.Notifier,
		idgen:      idgen.New(fmt.Sprintf("bidbot-%d", time.Now().UnixNano()), 0),
		fetchLimit: rate.NewLimiter(opts.FetchRate, opts.FetchBurst),
		ourAddrs:   make(map[string]bool),
		runners:    make(map[string]*runner),
		queue:      make(chan *market.Event, opts.QueueSize),
	}
	for _, addr := range c.Wallets.Addresses() {
		eng.ourAddrs[addr] = true
	}

	for _, cfg := range cfgs {
		pool, ok := c.Wallets.Pool(cfg.WalletGroup)
		if !ok {
			return nil, fmt.Errorf("collection %q references unknown wallet group %q: %w", cfg.Symbol, cfg.WalletGroup, os.ErrInvalid)
		}
		eng.runners[cfg.Symbol] = newRunner(eng, cfg, pool)
	}
	return eng, nil
}

// Start launches the poll loops, the push-queue drain and the
// reconciliation sweep. Events from src are routed until Close.
func (eng *Engine) Start(src EventSource) {
	eng.cg.Go(func(ctx context.Context) {
		eng.goDispatch(ctx, src)
	})
	eng.cg.Go(eng.goDrain)
	eng.cg.Go(eng.goReconcile)
	for _, r := range eng.runners {
		r := r
		eng.cg.Go(r.goPoll)
	}
}

func (eng *Engine) Close() {
	eng.cg.Close()
}

// Evicted returns the number of push events dropped to keep the queue
// bounded.
func (eng *Engine) Evicted() int64 {
	return eng.evicted.Load()
}

// goDispatch reads validated push events and enqueues them, evicting the
// oldest entry when the queue is full.
func (eng *Engine) goDispatch(ctx context.Context, src EventSource) {
	ch, unsubscribe := src.Events()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if _, ok := eng.runners[ev.Collection]; !ok {
				continue
			}
			eng.enqueue(ev)
		}
	}
}

func (eng *Engine) enqueue(ev *market.Event) {
	for {
		select {
		case eng.queue <- ev:
			return
		default:
		}
		select {
		case old := <-eng.queue:
			eng.evicted.Add(1)
			mtxEvictions.Inc()
			slog.Warn("push queue full; evicting oldest event",
				"collection", old.Collection, "kind", old.Kind)
		default:
		}
	}
}

// goDrain is the single consumer of the push queue. The CAS guard keeps the
// drain exclusive even if Start were ever called twice.
func (eng *Engine) goDrain(ctx context.Context) {
	if !eng.draining.CompareAndSwap(false, true) {
		slog.Error("push queue drain is already running")
		return
	}
	defer eng.draining.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.queue:
			eng.handleEvent(ctx, ev)
		}
	}
}

func (eng *Engine) handleEvent(ctx context.Context, ev *market.Event) {
	r, ok := eng.runners[ev.Collection]
	if !ok {
		return
	}
	if ev.Kind.IsFill() {
		eng.handleFill(ctx, ev)
		return
	}
	r.handlePush(ctx, ev)
}

// handleFill counts a confirmed purchase exactly once. Redelivered events
// share the dedup key and are dropped.
func (eng *Engine) handleFill(ctx context.Context, ev *market.Event) {
	key := ev.DedupKey()
	if _, loaded := eng.seenFills.LoadOrStore(key, time.Now()); loaded {
		slog.Info("duplicate fill event dropped", "key", key)
		return
	}

	q := eng.store.AddQuantity(ev.Collection, 1)
	if ev.TokenID != "" {
		eng.store.RemoveBid(ev.Collection, ev.TokenID)
	}
	mtxFills.WithLabelValues(ev.Collection).Inc()
	slog.InfoContext(ctx, "fill confirmed", "collection", ev.Collection,
		"token", ev.TokenID, "kind", ev.Kind, "price", ev.Price, "quantity", q)

	if eng.jrnl != nil {
		rec := &gobs.FillRecord{
			Collection: ev.Collection,
			TokenID:    ev.TokenID,
			Kind:       string(ev.Kind),
			Price:      ev.Price,
			Timestamp:  ev.Timestamp,
		}
		if err := eng.jrnl.RecordFill(ctx, rec); err != nil {
			slog.Warn("could not journal fill", "err", err)
		}
	}
	eng.notice.Fill(ev.Collection, ev.TokenID, ev.Price)
}

// goReconcile periodically rebuilds tracked state from the marketplace's
// authoritative open-offer view.
func (eng *Engine) goReconcile(ctx context.Context) {
	for {
		ctxutil.Sleep(ctx, eng.opts.ReconcileInterval)
		if context.Cause(ctx) != nil {
			return
		}
		if err := eng.reconcile(ctx); err != nil {
			slog.Warn("could not reconcile open offers", "err", err)
		}
		eng.expireFillKeys()
	}
}

func (eng *Engine) reconcile(ctx context.Context) error {
	var all []*market.Offer
	for _, addr := range eng.groups.Addresses() {
		var offers []*market.Offer
		err := eng.fetch(ctx, func() error {
			var err error
			offers, err = eng.mkt.GetMyOffers(ctx, addr)
			return err
		})
		if err != nil {
			return fmt.Errorf("could not fetch open offers for %s: %w", addr, err)
		}
		all = append(all, offers...)
	}
	eng.store.Reconcile(all)
	slog.InfoContext(ctx, "reconciled open offers", "count", len(all))
	return nil
}

func (eng *Engine) expireFillKeys() {
	cutoff := time.Now().Add(-eng.opts.FillDedupTTL)
	eng.seenFills.Range(func(key string, at time.Time) bool {
		if at.Before(cutoff) {
			eng.seenFills.Delete(key)
		}
		return true
	})
}

// fetch runs a snapshot call under the fetch throttle, retrying transient
// failures a bounded number of times.
func (eng *Engine) fetch(ctx context.Context, f func() error) error {
	var err error
	for i := 0; i <= eng.opts.TransientRetries; i++ {
		if i > 0 {
			ctxutil.Sleep(ctx, eng.opts.TransientRetryInterval)
		}
		if context.Cause(ctx) != nil {
			return context.Cause(ctx)
		}
		if err = eng.fetchLimit.Wait(ctx); err != nil {
			return err
		}
		if err = f(); err == nil {
			return nil
		}
		if market.KindOf(err) != market.KindTransient {
			break
		}
	}
	if kind := market.KindOf(err); kind != 0 {
		mtxMarketErrors.WithLabelValues(kind.String()).Inc()
	}
	return err
}
