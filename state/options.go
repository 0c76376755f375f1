// Copyright (c) 2025 BVK Chaitanya

package state

import "time"

type Options struct {
	// Path is the snapshot file. The durable write goes to a temporary file
	// in the same directory followed by a rename.
	Path string

	// Debounce is how long mutation bursts are coalesced before a durable
	// write.
	Debounce time.Duration

	// BidTTL is the grace period after a bid's expiration before GC drops it.
	BidTTL time.Duration

	// MaxBidsPerCollection caps tracked bids per collection; oldest placed
	// bids are dropped first.
	MaxBidsPerCollection int

	// MaxCheapTokens caps the cached cheapest-listings list.
	MaxCheapTokens int

	// GCInterval is the period between garbage-collection passes.
	GCInterval time.Duration
}

func (v *Options) setDefaults() {
	if v.Debounce == 0 {
		v.Debounce = 2 * time.Second
	}
	if v.BidTTL == 0 {
		v.BidTTL = time.Hour
	}
	if v.MaxBidsPerCollection == 0 {
		v.MaxBidsPerCollection = 500
	}
	if v.MaxCheapTokens == 0 {
		v.MaxCheapTokens = 50
	}
	if v.GCInterval == 0 {
		v.GCInterval = time.Minute
	}
}
