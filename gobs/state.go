// Copyright (c) 2025 BVK Chaitanya

// Package gobs holds the gob-encoded types persisted by the bot. Only plain
// data lives here; behavior belongs to the owning packages.
package gobs

import "time"

// TrackedBid is one of our open bids on a token, recorded only after the
// marketplace confirmed the submission.
type TrackedBid struct {
	Price int64

	Expiration time.Time

	WalletAddress string

	OfferID string

	PlacedAt time.Time
}

// CheapToken is an entry in the cached cheapest-listings list.
type CheapToken struct {
	TokenID string

	ListedPrice int64
}

// CollectionOffer is our single collection-wide offer, when in collection
// mode.
type CollectionOffer struct {
	Price int64

	WalletAddress string

	OfferID string
}

// CollectionState is the bot's belief about one collection: what we bid,
// where we lead and how much quantity has filled.
type CollectionState struct {
	// Mode is "token" or "collection".
	Mode string

	// Bids maps token id to our open bid.
	Bids map[string]*TrackedBid

	// Leading holds token ids where our bid was best at last observation.
	Leading map[string]bool

	// CheapestTokens caches the cheapest known listings, cheapest first.
	CheapestTokens []*CheapToken

	// Quantity counts confirmed fills toward the configured cap.
	Quantity int64

	// CollectionOffer is set only in collection mode.
	CollectionOffer *CollectionOffer

	LastActivity time.Time
}

// BotState is the whole durable snapshot, written atomically to one file.
type BotState struct {
	Collections map[string]*CollectionState

	SavedAt time.Time
}
