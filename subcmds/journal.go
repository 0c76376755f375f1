// Copyright (c) 2025 BVK Chaitanya

package subcmds

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/bvkgo/kvbadger"
	"github.com/dgraph-io/badger/v4"
	"github.com/visvasity/cli"

	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/journal"
)

// journalFlags opens the journal database directly, so these commands only
// work while the daemon is stopped.
type journalFlags struct {
	dataDir string

	since time.Duration
}

func (jf *journalFlags) SetFlags(fset *flag.FlagSet) {
	fset.StringVar(&jf.dataDir, "data-dir", "", "path to the data directory")
	fset.DurationVar(&jf.since, "since", 24*time.Hour, "how far back to print entries")
}

func (jf *journalFlags) open() (*journal.Journal, func(), error) {
	if len(jf.dataDir) == 0 {
		jf.dataDir = filepath.Join(os.Getenv("HOME"), ".bidbot")
	}
	bopts := badger.DefaultOptions(filepath.Join(jf.dataDir, "db")).WithReadOnly(true)
	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open the database (is the daemon running?): %w", err)
	}
	return journal.New(kvbadger.New(bdb, isGoodKey)), func() { bdb.Close() }, nil
}

type JournalOffers struct {
	journalFlags
}

func (c *JournalOffers) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("offers", flag.ContinueOnError)
	c.SetFlags(fset)
	return "offers", fset, cli.CmdFunc(c.run)
}

func (c *JournalOffers) Purpose() string {
	return "Prints the journal of placed, ratcheted and cancelled offers"
}

func (c *JournalOffers) run(ctx context.Context, args []string) error {
	jrnl, closer, err := c.open()
	if err != nil {
		return err
	}
	defer closer()

	cutoff := time.Now().Add(-c.since)
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tCOLLECTION\tTOKEN\tPRICE\tWALLET\tOFFER")
	err = jrnl.ScanOffers(ctx, func(rec *gobs.OfferRecord) error {
		if rec.Timestamp.Before(cutoff) {
			return nil
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.Timestamp.Format(time.RFC3339), rec.Action, rec.Collection,
			rec.TokenID, rec.Price, rec.WalletAddress, rec.OfferID)
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

type JournalFills struct {
	journalFlags
}

func (c *JournalFills) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("fills", flag.ContinueOnError)
	c.SetFlags(fset)
	return "fills", fset, cli.CmdFunc(c.run)
}

func (c *JournalFills) Purpose() string {
	return "Prints the journal of confirmed fills"
}

func (c *JournalFills) run(ctx context.Context, args []string) error {
	jrnl, closer, err := c.open()
	if err != nil {
		return err
	}
	defer closer()

	cutoff := time.Now().Add(-c.since)
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tCOLLECTION\tTOKEN\tPRICE")
	err = jrnl.ScanFills(ctx, func(rec *gobs.FillRecord) error {
		if rec.Timestamp.Before(cutoff) {
			return nil
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			rec.Timestamp.Format(time.RFC3339), rec.Kind, rec.Collection, rec.TokenID, rec.Price)
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}
