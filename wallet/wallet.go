// Copyright (c) 2025 BVK Chaitanya

// Package wallet tracks the pool of signing identities used to multiply bid
// throughput. Each wallet carries its own rolling bids-per-window budget;
// selection is least-recently-used among wallets under their limit. Key
// material never enters this package; signing happens in the market.Signer
// collaborator keyed by wallet address.
package wallet

import (
	"fmt"
	"os"
	"time"
)

// Wallet is one signing identity. The identity fields are immutable; the
// rolling window is owned and mutated by the Pool that holds the wallet.
type Wallet struct {
	// Name is the operator-assigned identifier, e.g. "bidder-03".
	Name string

	// Address is the maker/receive address presented on offers.
	Address string

	// PaymentAddress funds the offers. May equal Address.
	PaymentAddress string

	// BidsPerWindow is this wallet's budget within the pool's window.
	BidsPerWindow int

	// stamps holds un-expired bid timestamps, oldest first.
	stamps []time.Time

	// lastBid orders LRU selection. Zero for a wallet that has never bid.
	lastBid time.Time
}

// Check validates the immutable identity fields.
func (w *Wallet) Check() error {
	if w.Name == "" || w.Address == "" {
		return fmt.Errorf("wallet needs a name and an address: %w", os.ErrInvalid)
	}
	if w.BidsPerWindow <= 0 {
		return fmt.Errorf("wallet %q needs a positive bid budget: %w", w.Name, os.ErrInvalid)
	}
	if w.PaymentAddress == "" {
		w.PaymentAddress = w.Address
	}
	return nil
}

func (w *Wallet) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}

func (w *Wallet) underLimitLocked(now time.Time, window time.Duration) bool {
	w.pruneLocked(now, window)
	return len(w.stamps) < w.BidsPerWindow
}
