// Copyright (c) 2025 BVK Chaitanya

package market

import (
	"fmt"
	"os"
	"time"
)

// EventKind names a push-channel event type.
type EventKind string

const (
	EventNewOffer                 EventKind = "new-offer"
	EventCollectionOfferCreated   EventKind = "collection-offer-created"
	EventCollectionOfferEdited    EventKind = "collection-offer-edited"
	EventOfferCancelled           EventKind = "offer-cancelled"
	EventCollectionOfferCancelled EventKind = "collection-offer-cancelled"
	EventBuyConfirmed             EventKind = "buy-confirmed"
	EventOfferAccepted            EventKind = "offer-accepted"
	EventCollectionOfferFulfilled EventKind = "collection-offer-fulfilled"
)

// IsFill reports whether the event confirms a purchase or an accepted offer.
func (k EventKind) IsFill() bool {
	switch k {
	case EventBuyConfirmed, EventOfferAccepted, EventCollectionOfferFulfilled:
		return true
	}
	return false
}

// Event is a validated push-channel message.
type Event struct {
	Kind EventKind `json:"kind"`

	Collection string `json:"collection"`

	// TokenID is empty for collection-scoped events.
	TokenID string `json:"tokenId,omitempty"`

	// Price in sats; zero when not applicable (cancellations).
	Price int64 `json:"price,omitempty"`

	// Maker is the counter-party address that produced the event.
	Maker string `json:"maker,omitempty"`

	OfferID OfferID `json:"offerId,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Check validates the minimum required field set for the event's kind.
// Malformed events are rejected at the channel boundary and never reach the
// engine.
func (e *Event) Check() error {
	if e.Kind == "" || e.Collection == "" {
		return fmt.Errorf("event missing kind or collection: %w", os.ErrInvalid)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %q has no timestamp: %w", e.Kind, os.ErrInvalid)
	}
	switch e.Kind {
	case EventNewOffer:
		if e.TokenID == "" || e.Price <= 0 || e.Maker == "" {
			return fmt.Errorf("new-offer event missing token, price or maker: %w", os.ErrInvalid)
		}
	case EventCollectionOfferCreated, EventCollectionOfferEdited:
		if e.Price <= 0 || e.Maker == "" {
			return fmt.Errorf("%s event missing price or maker: %w", e.Kind, os.ErrInvalid)
		}
	case EventOfferCancelled, EventBuyConfirmed, EventOfferAccepted:
		if e.TokenID == "" {
			return fmt.Errorf("%s event missing token id: %w", e.Kind, os.ErrInvalid)
		}
	case EventCollectionOfferCancelled, EventCollectionOfferFulfilled:
		// Collection and timestamp are sufficient.
	default:
		return fmt.Errorf("unknown event kind %q: %w", e.Kind, os.ErrInvalid)
	}
	return nil
}

// DedupKey is the composite identity used to drop redelivered events before
// they can double-count a fill.
func (e *Event) DedupKey() string {
	return fmt.Sprintf("%s/%s/%s/%d", e.Collection, e.TokenID, e.Kind, e.Timestamp.UnixMilli())
}
