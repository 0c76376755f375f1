// Copyright (c) 2025 BVK Chaitanya

// Package market defines the marketplace collaborator contracts consumed by
// the bidding engine. Wire-level REST/websocket clients implement these
// interfaces; the engine never talks to the marketplace directly.
package market

import (
	"context"
	"time"
)

// OfferID identifies an open offer on the marketplace side.
type OfferID string

// Offer is an open bid on a single token or on a whole collection. All
// prices are in sats.
type Offer struct {
	OfferID OfferID

	Collection string

	// TokenID is empty for collection-wide offers.
	TokenID string

	Price int64

	// Maker is the bidder's payment address.
	Maker string

	Expiration time.Time

	// Quantity is the number of tokens a collection offer may fill.
	Quantity int64
}

// IsCollectionOffer reports whether the offer spans the whole collection.
func (o *Offer) IsCollectionOffer() bool {
	return o.TokenID == ""
}

// Token is a single listing within a collection.
type Token struct {
	TokenID string

	Collection string

	// ListedPrice is zero when the token is not currently listed.
	ListedPrice int64

	Attributes map[string]string
}

// Collection holds marketplace-side collection details.
type Collection struct {
	Symbol string

	// FloorPrice is the lowest current ask, in sats.
	FloorPrice int64

	TotalSupply int64
}

// OfferRequest carries the parameters for a new offer. TokenID is empty for
// collection offers.
type OfferRequest struct {
	Collection string
	TokenID    string
	Price      int64
	Quantity   int64
	Duration   time.Duration

	// MakerAddress receives the token on a fill; PaymentAddress funds the
	// offer. Both belong to the signing wallet.
	MakerAddress   string
	PaymentAddress string

	// ClientID is a caller-chosen idempotency token.
	ClientID string
}

// UnsignedOffer is a marketplace-prepared payload that must be signed before
// submission.
type UnsignedOffer struct {
	Request *OfferRequest

	// Payload is the opaque base64 data to sign.
	Payload string
}

// SignedOffer is an UnsignedOffer after signing.
type SignedOffer struct {
	Request *OfferRequest

	Payload string
}

// Marketplace is the query and submission surface of the remote marketplace.
//
// Implementations classify failures into *market.Error values with the
// appropriate Kind; the engine matches on Kind and never inspects message
// text.
type Marketplace interface {
	GetCollection(ctx context.Context, symbol string) (*Collection, error)

	// ListTokens returns up to count cheapest listed tokens matching the
	// attribute filter, cheapest first.
	ListTokens(ctx context.Context, symbol string, count int, filter map[string]string) ([]*Token, error)

	// GetBestOffer returns the highest open offer on a token, or nil when the
	// token has no offers.
	GetBestOffer(ctx context.Context, tokenID string) (*Offer, error)

	// GetOffers returns open offers on a token made by the given address.
	GetOffers(ctx context.Context, tokenID, maker string) ([]*Offer, error)

	// GetMyOffers returns all open offers made by the given address across
	// collections.
	GetMyOffers(ctx context.Context, maker string) ([]*Offer, error)

	// GetBestCollectionOffer returns the highest collection-wide offer, or nil
	// when there is none.
	GetBestCollectionOffer(ctx context.Context, symbol string) (*Offer, error)

	// GetBalance returns the spendable balance of an address in sats.
	GetBalance(ctx context.Context, address string) (int64, error)

	CreateOffer(ctx context.Context, req *OfferRequest) (*UnsignedOffer, error)

	SubmitSignedOffer(ctx context.Context, signed *SignedOffer) (*Offer, error)

	CancelOffer(ctx context.Context, id OfferID, maker string) error

	CancelCollectionOffer(ctx context.Context, id OfferID, maker string) error
}

// Signer signs marketplace payloads with the named wallet's key. Key
// handling and the wire format are outside the engine.
type Signer interface {
	SignOffer(ctx context.Context, unsigned *UnsignedOffer, walletAddress string) (*SignedOffer, error)
}
