// Copyright (c) 2025 BVK Chaitanya

package engine

import (
	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/market"
)

// Decision outcomes. These are the per-cycle tally categories.
const (
	outcomeNone        = "none"
	outcomePlaced      = "placed"
	outcomeOutbid      = "outbid"
	outcomeRatcheted   = "ratcheted"
	outcomeTooHigh     = "too-high"
	outcomeAlreadyOurs = "already-ours"
	outcomeFailed      = "failed"
	outcomeSkipped     = "skipped"
)

// envelope is the floor-relative price band for one collection.
type envelope struct {
	min int64
	max int64
}

// newEnvelope computes [minOffer, maxOffer] from the absolute bounds and the
// current floor price. Percent arithmetic rounds down to whole sats.
func newEnvelope(minBid, maxBid, floor int64, minPct, maxPct float64) envelope {
	e := envelope{min: minBid, max: maxBid}
	if floor > 0 {
		if fromFloor := int64(float64(floor) * minPct / 100); fromFloor > e.min {
			e.min = fromFloor
		}
		if fromFloor := int64(float64(floor) * maxPct / 100); fromFloor < e.max {
			e.max = fromFloor
		}
	}
	return e
}

// valid reports whether the band is non-empty.
func (e envelope) valid() bool {
	return e.min > 0 && e.min <= e.max
}

// clamp raises price to the band minimum. Prices above the maximum are
// rejected by the caller, not clamped.
func (e envelope) clamp(price int64) int64 {
	if price < e.min {
		return e.min
	}
	return price
}

// decision is the action chosen for one token or one collection offer.
type decision struct {
	outcome string

	// cancel requests cancelling our existing offer before placing.
	cancel bool

	// place requests a new offer at price.
	place bool

	price int64
}

// decideInput is a single-token market snapshot plus our tracked position.
type decideInput struct {
	// listed is the token's current ask, zero when unknown.
	listed int64

	// best is the highest open offer on the token, ours included. Nil when
	// the token has no offers.
	best *market.Offer

	// bestIsOurs is true when best was made by one of our wallets.
	bestIsOurs bool

	// ours is our tracked bid, nil when we have none.
	ours *gobs.TrackedBid

	// secondBest is the highest competing price below ours, when known
	// (push events carry it); zero when unknown.
	secondBest int64

	env    envelope
	margin int64
}

// decideToken picks the action for one token.
//
// No competitor: bid max(listed/2, minOffer). Competitor ahead of us:
// competitor+margin. We lead with a known second-best: ratchet down to
// second+margin when the gap exceeds the margin. We lead alone: normalize to
// minOffer. Any target above maxOffer is a too-high outcome.
func decideToken(in *decideInput) decision {
	if in.best == nil {
		target := in.env.clamp(in.listed / 2)
		if target > in.env.max {
			return decision{outcome: outcomeTooHigh}
		}
		if in.ours != nil {
			if in.ours.Price == target {
				return decision{outcome: outcomeAlreadyOurs}
			}
			// Our tracked offer is gone from the book; replace it.
			return decision{outcome: outcomePlaced, cancel: true, place: true, price: target}
		}
		return decision{outcome: outcomePlaced, place: true, price: target}
	}

	if in.bestIsOurs && in.ours == nil {
		// We lead but lost track of the offer; reconciliation will rebuild
		// the entry.
		return decision{outcome: outcomeAlreadyOurs}
	}

	if in.bestIsOurs {
		if in.secondBest > 0 {
			if gap := in.ours.Price - in.secondBest; gap > in.margin {
				target := in.env.clamp(in.secondBest + in.margin)
				if target >= in.ours.Price {
					return decision{outcome: outcomeAlreadyOurs}
				}
				return decision{outcome: outcomeRatcheted, cancel: true, place: true, price: target}
			}
			return decision{outcome: outcomeAlreadyOurs}
		}
		if in.ours.Price != in.env.min {
			return decision{outcome: outcomeRatcheted, cancel: true, place: true, price: in.env.min}
		}
		return decision{outcome: outcomeAlreadyOurs}
	}

	// A competitor holds the best offer.
	target := in.env.clamp(in.best.Price + in.margin)
	if target > in.env.max {
		return decision{outcome: outcomeTooHigh}
	}
	if in.ours != nil {
		if in.ours.Price >= target {
			return decision{outcome: outcomeAlreadyOurs}
		}
		return decision{outcome: outcomeOutbid, cancel: true, place: true, price: target}
	}
	return decision{outcome: outcomePlaced, place: true, price: target}
}

// decideCollection picks the action for the single collection-wide offer. The
// arbitrage guard requires the bid to stay strictly below floor.
func decideCollection(best *market.Offer, bestIsOurs bool, ours *gobs.CollectionOffer, secondBest int64, env envelope, margin, floor int64) decision {
	in := &decideInput{
		best:       best,
		bestIsOurs: bestIsOurs,
		secondBest: secondBest,
		env:        env,
		margin:     margin,
	}
	if ours != nil {
		in.ours = &gobs.TrackedBid{Price: ours.Price, OfferID: ours.OfferID, WalletAddress: ours.WalletAddress}
	}
	// With no competitor and no listing price, open at the band minimum.
	in.listed = 2 * env.min

	d := decideToken(in)
	if d.place && floor > 0 && d.price >= floor {
		return decision{outcome: outcomeTooHigh}
	}
	return d
}
