// Copyright (c) 2025 BVK Chaitanya

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bvk/bidbot/config"
	"github.com/bvk/bidbot/ctxutil"
	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/market"
	"github.com/bvk/bidbot/wallet"
)

// runner owns all bidding activity for one collection.
type runner struct {
	eng *Engine

	cfg *config.Collection

	pool *wallet.Pool

	// cycleCh is a one-slot semaphore making the poll cycle and push
	// processing mutually exclusive. Acquisition waits a bounded time.
	cycleCh chan struct{}

	// floor cache, refreshed once per poll interval.
	floor   int64
	floorAt time.Time
}

func newRunner(eng *Engine, cfg *config.Collection, pool *wallet.Pool) *runner {
	return &runner{
		eng:     eng,
		cfg:     cfg,
		pool:    pool,
		cycleCh: make(chan struct{}, 1),
	}
}

// lockCycle acquires the cycle semaphore, waiting at most the configured
// bound. Returns false when the other trigger holds it for too long.
func (r *runner) lockCycle(ctx context.Context) bool {
	select {
	case r.cycleCh <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(r.eng.opts.CycleWait)
	defer t.Stop()
	select {
	case r.cycleCh <- struct{}{}:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *runner) unlockCycle() {
	<-r.cycleCh
}

// tally counts decision outcomes within one cycle.
type tally map[string]int

func (t tally) add(outcome string, collection string) {
	t[outcome]++
	mtxOutcomes.WithLabelValues(collection, outcome).Inc()
}

// covered reports outcomes that leave us with a live competitive bid.
func (t tally) covered() int {
	return t[outcomePlaced] + t[outcomeOutbid] + t[outcomeRatcheted] + t[outcomeAlreadyOurs]
}

// goPoll runs the periodic full re-scan cycle.
func (r *runner) goPoll(ctx context.Context) {
	for {
		ctxutil.Sleep(ctx, r.cfg.PollInterval)
		if context.Cause(ctx) != nil {
			return
		}
		r.poll(ctx)
	}
}

func (r *runner) poll(ctx context.Context) {
	if !r.lockCycle(ctx) {
		slog.Warn("poll cycle skipped; push processing held the cycle too long", "collection", r.cfg.Symbol)
		return
	}
	defer r.unlockCycle()

	sym := r.cfg.Symbol
	if r.cfg.QuantityCap > 0 && r.eng.store.Quantity(sym) >= r.cfg.QuantityCap {
		slog.InfoContext(ctx, "quantity cap reached; not bidding", "collection", sym, "cap", r.cfg.QuantityCap)
		return
	}

	env, floor, err := r.envelope(ctx)
	if err != nil {
		slog.Warn("could not fetch collection details", "collection", sym, "err", err)
		return
	}
	if !env.valid() {
		slog.Warn("price envelope is empty; skipping cycle", "collection", sym,
			"min", env.min, "max", env.max, "floor", floor)
		return
	}

	t := make(tally)
	if r.cfg.Mode == "collection" {
		out := r.evaluateCollection(ctx, env, floor, 0)
		t.add(out, sym)
	} else {
		r.pollTokens(ctx, env, t)
	}

	slog.InfoContext(ctx, "scan cycle complete", "collection", sym, "floor", floor,
		"placed", t[outcomePlaced], "outbid", t[outcomeOutbid], "ratcheted", t[outcomeRatcheted],
		"tooHigh", t[outcomeTooHigh], "alreadyOurs", t[outcomeAlreadyOurs],
		"failed", t[outcomeFailed], "skipped", t[outcomeSkipped])
}

func (r *runner) pollTokens(ctx context.Context, env envelope, t tally) {
	sym := r.cfg.Symbol

	// Over-fetch so too-high and locked tokens still leave enough
	// candidates to reach the target coverage.
	var tokens []*market.Token
	err := r.eng.fetch(ctx, func() error {
		var err error
		tokens, err = r.eng.mkt.ListTokens(ctx, sym, 2*r.cfg.CandidateCount, r.cfg.AttributeFilter)
		return err
	})
	if err != nil {
		r.onMarketError(ctx, err)
		t.add(outcomeFailed, sym)
		return
	}

	cheap := make([]*gobs.CheapToken, 0, len(tokens))
	for _, tok := range tokens {
		cheap = append(cheap, &gobs.CheapToken{TokenID: tok.TokenID, ListedPrice: tok.ListedPrice})
	}
	r.eng.store.Update(sym, func(cs *gobs.CollectionState) {
		cs.CheapestTokens = cheap
	})

	for _, tok := range tokens {
		if t.covered() >= r.cfg.CandidateCount {
			break
		}
		out := r.evaluateToken(ctx, tok.TokenID, tok.ListedPrice, env, 0)
		t.add(out, sym)
		if context.Cause(ctx) != nil {
			return
		}
	}
}

// handlePush processes one push event, giving way to an active poll cycle
// for at most the bounded wait.
func (r *runner) handlePush(ctx context.Context, ev *market.Event) {
	if !r.lockCycle(ctx) {
		slog.Warn("push event dropped; poll cycle held the cycle too long",
			"collection", ev.Collection, "kind", ev.Kind, "token", ev.TokenID)
		return
	}
	defer r.unlockCycle()

	if r.eng.ourAddrs[ev.Maker] {
		return
	}

	env, floor, err := r.envelope(ctx)
	if err != nil {
		slog.Warn("could not fetch collection details", "collection", r.cfg.Symbol, "err", err)
		return
	}
	if !env.valid() {
		return
	}

	var out string
	switch ev.Kind {
	case market.EventNewOffer, market.EventOfferCancelled:
		if r.cfg.Mode != "token" {
			return
		}
		// When the competitor's price is below our tracked bid, it is the
		// second-best and enables the ratchet.
		var second int64
		if ours, ok := r.eng.store.Bid(ev.Collection, ev.TokenID); ok && ev.Price > 0 && ev.Price < ours.Price {
			second = ev.Price
		}
		out = r.evaluateToken(ctx, ev.TokenID, 0, env, second)

	case market.EventCollectionOfferCreated, market.EventCollectionOfferEdited, market.EventCollectionOfferCancelled:
		if r.cfg.Mode != "collection" {
			return
		}
		var second int64
		r.eng.store.View(r.cfg.Symbol, func(cs *gobs.CollectionState) {
			if cs.CollectionOffer != nil && ev.Price > 0 && ev.Price < cs.CollectionOffer.Price {
				second = ev.Price
			}
		})
		out = r.evaluateCollection(ctx, env, floor, second)

	default:
		return
	}
	mtxOutcomes.WithLabelValues(r.cfg.Symbol, out).Inc()
	slog.InfoContext(ctx, "push event handled", "collection", r.cfg.Symbol,
		"kind", ev.Kind, "token", ev.TokenID, "outcome", out)
}

// envelope returns the current price band, refreshing the cached floor once
// per poll interval.
func (r *runner) envelope(ctx context.Context) (envelope, int64, error) {
	if r.floorAt.IsZero() || time.Since(r.floorAt) >= r.cfg.PollInterval {
		var col *market.Collection
		err := r.eng.fetch(ctx, func() error {
			var err error
			col, err = r.eng.mkt.GetCollection(ctx, r.cfg.Symbol)
			return err
		})
		if err != nil {
			r.onMarketError(ctx, err)
			return envelope{}, 0, err
		}
		r.floor, r.floorAt = col.FloorPrice, time.Now()
	}
	env := newEnvelope(r.cfg.MinBidSats(), r.cfg.MaxBidSats(), r.floor, r.cfg.MinFloorPct, r.cfg.MaxFloorPct)
	return env, r.floor, nil
}

// evaluateToken decides and applies the action for one token. The returned
// string is the tally outcome.
func (r *runner) evaluateToken(ctx context.Context, tokenID string, listed int64, env envelope, secondBest int64) string {
	sym := r.cfg.Symbol
	if r.cfg.QuantityCap > 0 && r.eng.store.Quantity(sym) >= r.cfg.QuantityCap {
		return outcomeSkipped
	}

	key := sym + "/" + tokenID
	if r.eng.locks.Locked(key) {
		return outcomeSkipped
	}

	var ours *gobs.TrackedBid
	if b, ok := r.eng.store.Bid(sym, tokenID); ok {
		if r.cfg.BidCooldown > 0 && time.Since(b.PlacedAt) < r.cfg.BidCooldown {
			return outcomeSkipped
		}
		ours = &b
	}

	var best *market.Offer
	err := r.eng.fetch(ctx, func() error {
		var err error
		best, err = r.eng.mkt.GetBestOffer(ctx, tokenID)
		return err
	})
	if err != nil {
		r.onMarketError(ctx, err)
		return outcomeFailed
	}
	bestIsOurs := best != nil && r.eng.ourAddrs[best.Maker]

	dec := decideToken(&decideInput{
		listed:     listed,
		best:       best,
		bestIsOurs: bestIsOurs,
		ours:       ours,
		secondBest: secondBest,
		env:        env,
		margin:     r.cfg.OutbidMargin,
	})
	if !dec.place {
		if dec.outcome == outcomeTooHigh && ours != nil && !bestIsOurs {
			r.eng.store.SetLeading(sym, tokenID, false)
		}
		return dec.outcome
	}
	return r.placeToken(ctx, tokenID, dec, ours)
}

// placeToken runs the placement pipeline for one token under the per-token
// lock, the pacer and the wallet pool gates.
func (r *runner) placeToken(ctx context.Context, tokenID string, dec decision, ours *gobs.TrackedBid) string {
	sym := r.cfg.Symbol
	key := sym + "/" + tokenID

	if !r.eng.locks.Acquire(ctx, key) {
		return outcomeSkipped
	}
	defer r.eng.locks.Release(key)

	if err := r.eng.pacer.WaitForSlot(ctx); err != nil {
		slog.Warn("no pacer slot for bid", "collection", sym, "token", tokenID, "err", err)
		return outcomeSkipped
	}
	w, err := r.pool.Reserve(ctx)
	if err != nil {
		r.eng.pacer.Unreserve()
		slog.Warn("no wallet available for bid", "collection", sym, "token", tokenID, "err", err)
		return outcomeSkipped
	}

	if dec.cancel && ours != nil && ours.OfferID != "" {
		if err := r.eng.mkt.CancelOffer(ctx, market.OfferID(ours.OfferID), ours.WalletAddress); err != nil {
			// Placing on top of a live prior offer would leave two open
			// offers from the same wallet; give up until the next cycle.
			r.eng.pacer.Unreserve()
			r.pool.Unreserve(w)
			r.onMarketError(ctx, err)
			slog.Warn("could not cancel prior offer", "collection", sym, "token", tokenID,
				"offer", ours.OfferID, "err", err)
			return outcomeFailed
		}
		r.journalOffer(ctx, tokenID, ours.Price, ours.WalletAddress, ours.OfferID, "cancelled")
	}

	req := &market.OfferRequest{
		Collection:     sym,
		TokenID:        tokenID,
		Price:          dec.price,
		Quantity:       1,
		Duration:       r.cfg.OfferDuration,
		MakerAddress:   w.Address,
		PaymentAddress: w.PaymentAddress,
		ClientID:       r.eng.idgen.NextID().String(),
	}
	offer, err := r.submit(ctx, req, w)
	if err != nil {
		r.eng.idgen.RevertID()
		r.eng.pacer.Unreserve()
		r.pool.Unreserve(w)
		r.onMarketError(ctx, err)
		slog.Warn("could not place bid", "collection", sym, "token", tokenID,
			"price", dec.price, "err", err)
		return outcomeFailed
	}

	r.eng.store.SetBid(sym, tokenID, &gobs.TrackedBid{
		Price:         dec.price,
		Expiration:    offer.Expiration,
		WalletAddress: w.Address,
		OfferID:       string(offer.OfferID),
		PlacedAt:      time.Now(),
	})
	r.eng.store.SetLeading(sym, tokenID, true)
	r.journalOffer(ctx, tokenID, dec.price, w.Address, string(offer.OfferID), journalAction(dec.outcome))
	slog.InfoContext(ctx, "bid placed", "collection", sym, "token", tokenID,
		"price", dec.price, "wallet", w.Name, "offer", offer.OfferID)
	return dec.outcome
}

// submit runs create-sign-submit once, retrying one more time after
// cancelling a conflicting duplicate offer.
func (r *runner) submit(ctx context.Context, req *market.OfferRequest, w *wallet.Wallet) (*market.Offer, error) {
	attempt := func() (*market.Offer, error) {
		unsigned, err := r.eng.mkt.CreateOffer(ctx, req)
		if err != nil {
			return nil, err
		}
		signed, err := r.eng.signer.SignOffer(ctx, unsigned, w.Address)
		if err != nil {
			return nil, err
		}
		return r.eng.mkt.SubmitSignedOffer(ctx, signed)
	}

	offer, err := attempt()
	if market.KindOf(err) != market.KindDuplicateOffer {
		return offer, err
	}

	if err := r.cancelConflicts(ctx, req, w); err != nil {
		return nil, err
	}
	return attempt()
}

func (r *runner) cancelConflicts(ctx context.Context, req *market.OfferRequest, w *wallet.Wallet) error {
	if req.TokenID == "" {
		// The conflicting collection offer id is unknown here; reconciliation
		// recovers it on the next sweep.
		return errors.New("conflicting collection offer exists")
	}
	offers, err := r.eng.mkt.GetOffers(ctx, req.TokenID, w.Address)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if err := r.eng.mkt.CancelOffer(ctx, o.OfferID, w.Address); err != nil {
			return err
		}
		r.journalOffer(ctx, req.TokenID, o.Price, w.Address, string(o.OfferID), "cancelled")
	}
	return nil
}

// evaluateCollection decides and applies the action for the single
// collection-wide offer.
func (r *runner) evaluateCollection(ctx context.Context, env envelope, floor int64, secondBest int64) string {
	sym := r.cfg.Symbol
	if r.cfg.QuantityCap > 0 && r.eng.store.Quantity(sym) >= r.cfg.QuantityCap {
		return outcomeSkipped
	}

	key := sym + "/collection-offer"
	if r.eng.locks.Locked(key) {
		return outcomeSkipped
	}

	var ours *gobs.CollectionOffer
	r.eng.store.View(sym, func(cs *gobs.CollectionState) {
		if cs.CollectionOffer != nil {
			c := *cs.CollectionOffer
			ours = &c
		}
	})

	var best *market.Offer
	err := r.eng.fetch(ctx, func() error {
		var err error
		best, err = r.eng.mkt.GetBestCollectionOffer(ctx, sym)
		return err
	})
	if err != nil {
		r.onMarketError(ctx, err)
		return outcomeFailed
	}
	bestIsOurs := best != nil && r.eng.ourAddrs[best.Maker]

	dec := decideCollection(best, bestIsOurs, ours, secondBest, env, r.cfg.OutbidMargin, floor)
	if !dec.place {
		return dec.outcome
	}
	return r.placeCollection(ctx, dec, ours)
}

func (r *runner) placeCollection(ctx context.Context, dec decision, ours *gobs.CollectionOffer) string {
	sym := r.cfg.Symbol
	key := sym + "/collection-offer"

	if !r.eng.locks.Acquire(ctx, key) {
		return outcomeSkipped
	}
	defer r.eng.locks.Release(key)

	if err := r.eng.pacer.WaitForSlot(ctx); err != nil {
		slog.Warn("no pacer slot for collection offer", "collection", sym, "err", err)
		return outcomeSkipped
	}
	w, err := r.pool.Reserve(ctx)
	if err != nil {
		r.eng.pacer.Unreserve()
		slog.Warn("no wallet available for collection offer", "collection", sym, "err", err)
		return outcomeSkipped
	}

	quantity := int64(1)
	if r.cfg.QuantityCap > 0 {
		if quantity = r.cfg.QuantityCap - r.eng.store.Quantity(sym); quantity < 1 {
			r.eng.pacer.Unreserve()
			r.pool.Unreserve(w)
			return outcomeSkipped
		}
	}

	balance, err := r.eng.mkt.GetBalance(ctx, w.PaymentAddress)
	if err != nil {
		r.eng.pacer.Unreserve()
		r.pool.Unreserve(w)
		r.onMarketError(ctx, err)
		return outcomeFailed
	}
	if need := dec.price * quantity; balance < need {
		r.eng.pacer.Unreserve()
		r.pool.Unreserve(w)
		slog.Warn("insufficient balance for collection offer", "collection", sym,
			"wallet", w.Name, "need", need, "balance", balance)
		return outcomeFailed
	}

	if dec.cancel && ours != nil && ours.OfferID != "" {
		if err := r.eng.mkt.CancelCollectionOffer(ctx, market.OfferID(ours.OfferID), ours.WalletAddress); err != nil {
			r.eng.pacer.Unreserve()
			r.pool.Unreserve(w)
			r.onMarketError(ctx, err)
			slog.Warn("could not cancel prior collection offer", "collection", sym,
				"offer", ours.OfferID, "err", err)
			return outcomeFailed
		}
		r.journalOffer(ctx, "", ours.Price, ours.WalletAddress, ours.OfferID, "cancelled")
	}

	req := &market.OfferRequest{
		Collection:     sym,
		Price:          dec.price,
		Quantity:       quantity,
		Duration:       r.cfg.OfferDuration,
		MakerAddress:   w.Address,
		PaymentAddress: w.PaymentAddress,
		ClientID:       r.eng.idgen.NextID().String(),
	}
	offer, err := r.submit(ctx, req, w)
	if err != nil {
		r.eng.idgen.RevertID()
		r.eng.pacer.Unreserve()
		r.pool.Unreserve(w)
		r.onMarketError(ctx, err)
		slog.Warn("could not place collection offer", "collection", sym, "price", dec.price, "err", err)
		return outcomeFailed
	}

	r.eng.store.Update(sym, func(cs *gobs.CollectionState) {
		cs.Mode = r.cfg.Mode
		cs.CollectionOffer = &gobs.CollectionOffer{
			Price:         dec.price,
			WalletAddress: w.Address,
			OfferID:       string(offer.OfferID),
		}
	})
	r.journalOffer(ctx, "", dec.price, w.Address, string(offer.OfferID), journalAction(dec.outcome))
	slog.InfoContext(ctx, "collection offer placed", "collection", sym,
		"price", dec.price, "quantity", quantity, "wallet", w.Name, "offer", offer.OfferID)
	return dec.outcome
}

// onMarketError routes rate-limit signals to the pacer's reactive pause.
func (r *runner) onMarketError(ctx context.Context, err error) {
	if market.KindOf(err) != market.KindRateLimited {
		return
	}
	r.eng.pacer.OnRateLimitError(market.MessageOf(err))
	until := r.eng.pacer.PausedUntil()
	slog.WarnContext(ctx, "rate limited by marketplace", "collection", r.cfg.Symbol, "resume", until)
	r.eng.notice.RateLimitPause(until)
}

func (r *runner) journalOffer(ctx context.Context, tokenID string, price int64, walletAddr, offerID, action string) {
	if r.eng.jrnl == nil {
		return
	}
	rec := &gobs.OfferRecord{
		Collection:    r.cfg.Symbol,
		TokenID:       tokenID,
		Price:         price,
		WalletAddress: walletAddr,
		OfferID:       offerID,
		Action:        action,
		Timestamp:     time.Now(),
	}
	if err := r.eng.jrnl.RecordOffer(ctx, rec); err != nil {
		slog.Warn("could not journal offer", "err", err)
	}
}

func journalAction(outcome string) string {
	if outcome == outcomeRatcheted {
		return "ratcheted"
	}
	return "placed"
}
