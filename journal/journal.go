// Copyright (c) 2025 BVK Chaitanya

// Package journal keeps a durable, append-only history of placed offers and
// confirmed fills in the key-value datastore, keyed by date for cheap range
// scans.
package journal

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/kvutil"
	"github.com/bvkgo/kv"
)

const Keyspace = "/journal/"

type Journal struct {
	db kv.Database
}

func New(db kv.Database) *Journal {
	return &Journal{db: db}
}

func offerKey(at time.Time) string {
	return path.Join(Keyspace, "offers", at.UTC().Format("2006-01-02/15"), fmt.Sprintf("%020d", at.UnixNano()))
}

func fillKey(at time.Time) string {
	return path.Join(Keyspace, "fills", at.UTC().Format("2006-01-02/15"), fmt.Sprintf("%020d", at.UnixNano()))
}

// RecordOffer appends a placed/ratcheted/cancelled offer entry.
func (j *Journal) RecordOffer(ctx context.Context, rec *gobs.OfferRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	key := offerKey(rec.Timestamp)
	if err := kvutil.SetDB(ctx, j.db, key, rec); err != nil {
		return fmt.Errorf("could not journal offer at key %q: %w", key, err)
	}
	return nil
}

// RecordFill appends a confirmed fill entry.
func (j *Journal) RecordFill(ctx context.Context, rec *gobs.FillRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	key := fillKey(rec.Timestamp)
	if err := kvutil.SetDB(ctx, j.db, key, rec); err != nil {
		return fmt.Errorf("could not journal fill at key %q: %w", key, err)
	}
	return nil
}

// ScanOffers invokes fn over all offer entries in time order.
func (j *Journal) ScanOffers(ctx context.Context, fn func(*gobs.OfferRecord) error) error {
	begin, end := kvutil.PathRange(path.Join(Keyspace, "offers"))
	return kvutil.AscendDB(ctx, j.db, begin, end, func(ctx context.Context, _ kv.Reader, _ string, rec *gobs.OfferRecord) error {
		return fn(rec)
	})
}

// ScanFills invokes fn over all fill entries in time order.
func (j *Journal) ScanFills(ctx context.Context, fn func(*gobs.FillRecord) error) error {
	begin, end := kvutil.PathRange(path.Join(Keyspace, "fills"))
	return kvutil.AscendDB(ctx, j.db, begin, end, func(ctx context.Context, _ kv.Reader, _ string, rec *gobs.FillRecord) error {
		return fn(rec)
	})
}
