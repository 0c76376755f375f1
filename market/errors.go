// Copyright (c) 2025 BVK Chaitanya

package market

import (
	"errors"
	"fmt"
)

// Kind classifies a marketplace failure. Classification happens once, at the
// wire-client boundary, so the engine can match on Kind instead of scraping
// message strings.
type Kind int

const (
	// KindTransient covers network timeouts, 5xx responses and similar
	// failures that may succeed on retry.
	KindTransient Kind = iota + 1

	// KindRateLimited is an upstream throttling rejection. Never retried
	// inline; routed to the pacer's reactive pause.
	KindRateLimited

	KindInsufficientFunds

	KindOfferLimit

	KindStaleListing

	KindInvalidFee

	// KindDuplicateOffer means a conflicting offer from the same maker is
	// already open; the prior offer must be cancelled before retrying.
	KindDuplicateOffer
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate-limited"
	case KindInsufficientFunds:
		return "insufficient-funds"
	case KindOfferLimit:
		return "offer-limit"
	case KindStaleListing:
		return "stale-listing"
	case KindInvalidFee:
		return "invalid-fee"
	case KindDuplicateOffer:
		return "duplicate-offer"
	}
	return fmt.Sprintf("kind-%d", int(k))
}

// Permanent reports whether retrying the same call this cycle is pointless.
func (k Kind) Permanent() bool {
	switch k {
	case KindInsufficientFunds, KindOfferLimit, KindStaleListing, KindInvalidFee:
		return true
	}
	return false
}

// Error is a classified marketplace failure.
type Error struct {
	Kind Kind

	// Status is the HTTP status code when one was received.
	Status int

	// Message is the upstream error text. Rate-limited messages may embed a
	// retry hint ("retry in 2 minutes") that the pacer parses.
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("marketplace: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("marketplace: %s: %s", e.Kind, e.Message)
}

// NewError creates a classified marketplace error.
func NewError(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// KindOf returns the classification of err, or zero when err is not a
// marketplace error.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return 0
}

// MessageOf returns the upstream message of err when it is a marketplace
// error.
func MessageOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Message
	}
	return ""
}
