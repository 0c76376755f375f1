// Copyright (c) 2025 BVK Chaitanya

package gobs

import "time"

// OfferRecord is one journal entry for a placed, ratcheted or cancelled
// offer.
type OfferRecord struct {
	Collection string

	// TokenID is empty for collection-wide offers.
	TokenID string

	Price int64

	WalletAddress string

	OfferID string

	// Action is "placed", "ratcheted" or "cancelled".
	Action string

	Timestamp time.Time
}

// FillRecord is one journal entry for a confirmed purchase or accepted
// offer.
type FillRecord struct {
	Collection string

	TokenID string

	Kind string

	Price int64

	Timestamp time.Time
}
