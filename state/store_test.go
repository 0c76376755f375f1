// Copyright (c) 2025 BVK Chaitanya

package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/market"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&Options{Path: filepath.Join(t.TempDir(), "state.gob")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.gob")

	s, err := Open(&Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}

	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	s.SetBid("punks", "punk-7", &gobs.TrackedBid{
		Price:         1_001_000,
		Expiration:    exp,
		WalletAddress: "addr-a",
		OfferID:       "offer-1",
		PlacedAt:      time.Now().Truncate(time.Millisecond),
	})
	s.SetLeading("punks", "punk-7", true)
	s.AddQuantity("punks", 2)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reloading must reproduce identical bids, quantities and expirations.
	s2, err := Open(&Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	bid, ok := s2.Bid("punks", "punk-7")
	if !ok {
		t.Fatalf("tracked bid must survive the round trip")
	}
	if bid.Price != 1_001_000 || bid.OfferID != "offer-1" || bid.WalletAddress != "addr-a" {
		t.Fatalf("unexpected bid after reload: %+v", bid)
	}
	if !bid.Expiration.Equal(exp) {
		t.Fatalf("wanted expiration %v, got %v", exp, bid.Expiration)
	}
	if q := s2.Quantity("punks"); q != 2 {
		t.Fatalf("wanted quantity 2, got %d", q)
	}
}

func TestQuantitySinglePath(t *testing.T) {
	s := testStore(t)

	if got := s.AddQuantity("punks", 1); got != 1 {
		t.Fatalf("wanted 1, got %d", got)
	}
	if got := s.AddQuantity("punks", 1); got != 2 {
		t.Fatalf("wanted 2, got %d", got)
	}
	if got := s.Quantity("other"); got != 0 {
		t.Fatalf("untouched collection must report zero, got %d", got)
	}
}

func TestGCPrunesExpiredBids(t *testing.T) {
	s := testStore(t)

	now := time.Now()
	s.SetBid("punks", "old", &gobs.TrackedBid{Price: 1, Expiration: now.Add(-3 * time.Hour), PlacedAt: now.Add(-4 * time.Hour)})
	s.SetBid("punks", "live", &gobs.TrackedBid{Price: 1, Expiration: now.Add(time.Hour), PlacedAt: now})
	s.SetLeading("punks", "old", true)

	s.gc(now)

	if _, ok := s.Bid("punks", "old"); ok {
		t.Fatalf("long-expired bid must be pruned")
	}
	if _, ok := s.Bid("punks", "live"); !ok {
		t.Fatalf("live bid must survive gc")
	}
	s.View("punks", func(cs *gobs.CollectionState) {
		if cs.Leading["old"] {
			t.Fatalf("leading flag must be dropped with the bid")
		}
	})
}

func TestGCBidCapDropsOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.gob")
	s, err := Open(&Options{Path: path, MaxBidsPerCollection: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now()
	exp := now.Add(time.Hour)
	s.SetBid("punks", "a", &gobs.TrackedBid{Price: 1, Expiration: exp, PlacedAt: now.Add(-3 * time.Minute)})
	s.SetBid("punks", "b", &gobs.TrackedBid{Price: 1, Expiration: exp, PlacedAt: now.Add(-2 * time.Minute)})
	s.SetBid("punks", "c", &gobs.TrackedBid{Price: 1, Expiration: exp, PlacedAt: now.Add(-1 * time.Minute)})

	s.gc(now)

	if _, ok := s.Bid("punks", "a"); ok {
		t.Fatalf("oldest bid must be dropped when over the cap")
	}
	for _, tokenID := range []string{"b", "c"} {
		if _, ok := s.Bid("punks", tokenID); !ok {
			t.Fatalf("bid %q must survive the cap", tokenID)
		}
	}
}

func TestGCSortsAndCapsCheapTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.gob")
	s, err := Open(&Options{Path: path, MaxCheapTokens: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Update("punks", func(cs *gobs.CollectionState) {
		cs.CheapestTokens = []*gobs.CheapToken{
			{TokenID: "x", ListedPrice: 300},
			{TokenID: "y", ListedPrice: 100},
			{TokenID: "z", ListedPrice: 200},
		}
	})

	s.gc(time.Now())

	s.View("punks", func(cs *gobs.CollectionState) {
		if len(cs.CheapestTokens) != 2 {
			t.Fatalf("wanted 2 cheap tokens, got %d", len(cs.CheapestTokens))
		}
		if cs.CheapestTokens[0].TokenID != "y" || cs.CheapestTokens[1].TokenID != "z" {
			t.Fatalf("cheap tokens must be re-sorted cheapest first: %+v", cs.CheapestTokens)
		}
	})
}

func TestReconcile(t *testing.T) {
	s := testStore(t)

	now := time.Now()
	s.SetBid("punks", "gone", &gobs.TrackedBid{Price: 10, Expiration: now.Add(time.Hour), OfferID: "stale"})
	s.AddQuantity("punks", 3)

	s.Reconcile([]*market.Offer{
		{OfferID: "live-1", Collection: "punks", TokenID: "punk-1", Price: 500, Maker: "addr-a", Expiration: now.Add(time.Hour)},
		{OfferID: "coll-1", Collection: "meebits", Price: 900, Maker: "addr-b", Expiration: now.Add(time.Hour)},
	})

	if _, ok := s.Bid("punks", "gone"); ok {
		t.Fatalf("bids absent from the authoritative view must be dropped")
	}
	bid, ok := s.Bid("punks", "punk-1")
	if !ok || bid.Price != 500 || bid.OfferID != "live-1" {
		t.Fatalf("authoritative bid must be restored, got %+v ok=%v", bid, ok)
	}
	if q := s.Quantity("punks"); q != 3 {
		t.Fatalf("reconcile must preserve quantity, got %d", q)
	}
	s.View("meebits", func(cs *gobs.CollectionState) {
		if cs.CollectionOffer == nil || cs.CollectionOffer.Price != 900 {
			t.Fatalf("collection offer must be restored: %+v", cs.CollectionOffer)
		}
		if cs.Mode != "collection" {
			t.Fatalf("wanted collection mode, got %q", cs.Mode)
		}
	})

	// A second sweep that no longer reports the group offer must clear it.
	s.Reconcile(nil)
	s.View("meebits", func(cs *gobs.CollectionState) {
		if cs.CollectionOffer != nil {
			t.Fatalf("cancelled collection offer must not survive reconcile: %+v", cs.CollectionOffer)
		}
	})
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.gob")
	s, err := Open(&Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Nothing written yet: flush is a no-op and the file must not exist.
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := filepath.Glob(path); err != nil {
		t.Fatal(err)
	}

	s.AddQuantity("punks", 1)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	s2, err := Open(&Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if q := s2.Quantity("punks"); q != 1 {
		t.Fatalf("flushed quantity must be durable, got %d", q)
	}
}

func TestFlushRetriesAfterWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.gob")
	s, err := Open(&Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.AddQuantity("punks", 3)

	// A directory at the snapshot path makes the rename fail.
	if err := os.Mkdir(path, 0700); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err == nil {
		t.Fatalf("flush must fail when the snapshot cannot be renamed into place")
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	// The failed write must leave the changes pending, so the next flush
	// persists them.
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	s2, err := Open(&Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if q := s2.Quantity("punks"); q != 3 {
		t.Fatalf("wanted quantity 3 after the retried flush, got %d", q)
	}
}
