// Copyright (c) 2025 BVK Chaitanya

// Package state owns the bot's tracked-offer state: one CollectionState per
// collection, mutated only through this package, persisted as a whole
// snapshot with debounced, crash-safe writes.
package state

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bvk/bidbot/ctxutil"
	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/market"
)

// Store is safe for concurrent use.
type Store struct {
	cg ctxutil.CloseGroup

	opts Options

	mu sync.Mutex

	collections map[string]*gobs.CollectionState

	dirty bool

	// writeMu serializes durable writes so two flushes can never interleave
	// on the snapshot file.
	writeMu sync.Mutex
}

// Open loads the snapshot at opts.Path (a missing file starts empty) and
// starts the debounced saver and the garbage collector.
func Open(opts *Options) (*Store, error) {
	if opts == nil || opts.Path == "" {
		return nil, fmt.Errorf("state store needs a snapshot path: %w", os.ErrInvalid)
	}
	o := *opts
	o.setDefaults()

	s := &Store{
		opts:        o,
		collections: make(map[string]*gobs.CollectionState),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	s.cg.Go(s.goSave)
	s.cg.Go(s.goGC)
	return s, nil
}

// Close stops background work and force-flushes the snapshot.
func (s *Store) Close() error {
	s.cg.Close()
	return s.Flush()
}

func (s *Store) load() error {
	fp, err := os.Open(s.opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not open state snapshot %q: %w", s.opts.Path, err)
	}
	defer fp.Close()

	bs := new(gobs.BotState)
	if err := gob.NewDecoder(fp).Decode(bs); err != nil {
		return fmt.Errorf("could not decode state snapshot %q: %w", s.opts.Path, err)
	}
	if bs.Collections != nil {
		s.collections = bs.Collections
	}
	slog.Info("restored state snapshot", "path", s.opts.Path, "collections", len(s.collections), "savedAt", bs.SavedAt)
	return nil
}

// Flush performs a durable write when there are unsaved changes. The write
// is atomic: encode to a temporary file in the snapshot's directory, then
// rename over the snapshot path.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	bs := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeSnapshot(bs); err != nil {
		// The snapshot never reached disk, so the pending changes are
		// still unsaved. Mark them for the saver's next pass.
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) writeSnapshot(bs *gobs.BotState) error {
	dir := filepath.Dir(s.opts.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.opts.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temporary snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(bs); err != nil {
		tmp.Close()
		return fmt.Errorf("could not encode state snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("could not sync temporary snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temporary snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.opts.Path); err != nil {
		return fmt.Errorf("could not rename snapshot into place: %w", err)
	}
	return nil
}

func (s *Store) goSave(ctx context.Context) {
	for context.Cause(ctx) == nil {
		ctxutil.Sleep(ctx, s.opts.Debounce)
		if err := s.Flush(); err != nil {
			slog.Error("could not flush state snapshot (will retry)", "error", err)
		}
	}
}

func (s *Store) goGC(ctx context.Context) {
	for context.Cause(ctx) == nil {
		ctxutil.Sleep(ctx, s.opts.GCInterval)
		s.gc(time.Now())
	}
}

// snapshotLocked deep-copies the collection map for encoding outside the
// state mutex.
func (s *Store) snapshotLocked() *gobs.BotState {
	bs := &gobs.BotState{
		Collections: make(map[string]*gobs.CollectionState, len(s.collections)),
		SavedAt:     time.Now(),
	}
	for id, cs := range s.collections {
		bs.Collections[id] = copyCollectionState(cs)
	}
	return bs
}

func copyCollectionState(cs *gobs.CollectionState) *gobs.CollectionState {
	cp := &gobs.CollectionState{
		Mode:         cs.Mode,
		Bids:         make(map[string]*gobs.TrackedBid, len(cs.Bids)),
		Leading:      make(map[string]bool, len(cs.Leading)),
		Quantity:     cs.Quantity,
		LastActivity: cs.LastActivity,
	}
	for k, b := range cs.Bids {
		bid := *b
		cp.Bids[k] = &bid
	}
	for k, v := range cs.Leading {
		cp.Leading[k] = v
	}
	for _, ct := range cs.CheapestTokens {
		c := *ct
		cp.CheapestTokens = append(cp.CheapestTokens, &c)
	}
	if cs.CollectionOffer != nil {
		co := *cs.CollectionOffer
		cp.CollectionOffer = &co
	}
	return cp
}

// Snapshot returns a deep copy of the current state for status reporting.
func (s *Store) Snapshot() *gobs.BotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// getLocked lazily creates the collection entry on first touch.
func (s *Store) getLocked(collection string) *gobs.CollectionState {
	cs, ok := s.collections[collection]
	if !ok {
		cs = &gobs.CollectionState{
			Mode:    "token",
			Bids:    make(map[string]*gobs.TrackedBid),
			Leading: make(map[string]bool),
		}
		s.collections[collection] = cs
	}
	return cs
}

// Update runs fn over the collection's state under the store mutex, creating
// the entry on first touch and marking the snapshot dirty.
func (s *Store) Update(collection string, fn func(cs *gobs.CollectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.getLocked(collection)
	fn(cs)
	cs.LastActivity = time.Now()
	s.dirty = true
}

// View runs fn over the collection's state read-only. fn is not called when
// the collection has never been touched.
func (s *Store) View(collection string, fn func(cs *gobs.CollectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.collections[collection]; ok {
		fn(cs)
	}
}

// Bid returns a copy of our tracked bid on the token.
func (s *Store) Bid(collection, tokenID string) (gobs.TrackedBid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.collections[collection]
	if !ok {
		return gobs.TrackedBid{}, false
	}
	b, ok := cs.Bids[tokenID]
	if !ok {
		return gobs.TrackedBid{}, false
	}
	return *b, true
}

// SetBid records our confirmed bid on a token. Only call after the
// marketplace reported a successful submission.
func (s *Store) SetBid(collection, tokenID string, bid *gobs.TrackedBid) {
	s.Update(collection, func(cs *gobs.CollectionState) {
		cs.Bids[tokenID] = bid
	})
}

// RemoveBid drops the tracked bid and leading flag for a token.
func (s *Store) RemoveBid(collection, tokenID string) {
	s.Update(collection, func(cs *gobs.CollectionState) {
		delete(cs.Bids, tokenID)
		delete(cs.Leading, tokenID)
	})
}

// SetLeading records whether we believe our bid leads on the token.
func (s *Store) SetLeading(collection, tokenID string, leading bool) {
	s.Update(collection, func(cs *gobs.CollectionState) {
		if leading {
			cs.Leading[tokenID] = true
		} else {
			delete(cs.Leading, tokenID)
		}
	})
}

// Quantity returns the collection's confirmed fill count.
func (s *Store) Quantity(collection string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.collections[collection]; ok {
		return cs.Quantity
	}
	return 0
}

// AddQuantity is the single path that advances the quantity counter. Returns
// the new value.
func (s *Store) AddQuantity(collection string, n int64) int64 {
	var total int64
	s.Update(collection, func(cs *gobs.CollectionState) {
		cs.Quantity += n
		total = cs.Quantity
	})
	return total
}

// gc prunes long-expired bids, enforces the per-collection bid cap, trims
// the cheapest-listings cache and drops empty idle collections.
func (s *Store) gc(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cs := range s.collections {
		for tokenID, bid := range cs.Bids {
			if now.Sub(bid.Expiration) > s.opts.BidTTL {
				delete(cs.Bids, tokenID)
				delete(cs.Leading, tokenID)
				s.dirty = true
			}
		}

		if excess := len(cs.Bids) - s.opts.MaxBidsPerCollection; excess > 0 {
			type placed struct {
				tokenID string
				at      time.Time
			}
			all := make([]placed, 0, len(cs.Bids))
			for tokenID, bid := range cs.Bids {
				all = append(all, placed{tokenID, bid.PlacedAt})
			}
			slices.SortFunc(all, func(a, b placed) int {
				return a.at.Compare(b.at)
			})
			for _, p := range all[:excess] {
				delete(cs.Bids, p.tokenID)
				delete(cs.Leading, p.tokenID)
			}
			s.dirty = true
		}

		if len(cs.CheapestTokens) > 0 {
			slices.SortFunc(cs.CheapestTokens, func(a, b *gobs.CheapToken) int {
				return int(a.ListedPrice - b.ListedPrice)
			})
			if len(cs.CheapestTokens) > s.opts.MaxCheapTokens {
				cs.CheapestTokens = cs.CheapestTokens[:s.opts.MaxCheapTokens]
				s.dirty = true
			}
		}

		if len(cs.Bids) == 0 && cs.CollectionOffer == nil && cs.Quantity == 0 &&
			now.Sub(cs.LastActivity) > s.opts.BidTTL {
			delete(s.collections, id)
			s.dirty = true
		}
	}
}

// Reconcile replaces tracked bids with the marketplace's authoritative open
// offers for our addresses, recovering state lost to a crash. Quantity
// counters are preserved; they only advance through fills.
func (s *Store) Reconcile(offers []*market.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seen := make(map[string]map[string]bool)
	seenGroup := make(map[string]bool)

	for _, o := range offers {
		cs := s.getLocked(o.Collection)
		if o.IsCollectionOffer() {
			cs.Mode = "collection"
			cs.CollectionOffer = &gobs.CollectionOffer{
				Price:         o.Price,
				WalletAddress: o.Maker,
				OfferID:       string(o.OfferID),
			}
			cs.LastActivity = now
			seenGroup[o.Collection] = true
			continue
		}
		if seen[o.Collection] == nil {
			seen[o.Collection] = make(map[string]bool)
		}
		seen[o.Collection][o.TokenID] = true

		if prev, ok := cs.Bids[o.TokenID]; ok && prev.OfferID == string(o.OfferID) {
			continue
		}
		cs.Bids[o.TokenID] = &gobs.TrackedBid{
			Price:         o.Price,
			Expiration:    o.Expiration,
			WalletAddress: o.Maker,
			OfferID:       string(o.OfferID),
			PlacedAt:      now,
		}
		cs.LastActivity = now
	}

	// Drop bids and collection offers the marketplace no longer reports.
	for id, cs := range s.collections {
		if cs.CollectionOffer != nil && !seenGroup[id] {
			cs.CollectionOffer = nil
		}
		if cs.Mode != "token" {
			continue
		}
		for tokenID := range cs.Bids {
			if !seen[id][tokenID] {
				delete(cs.Bids, tokenID)
				delete(cs.Leading, tokenID)
			}
		}
	}
	s.dirty = true
}
