// Copyright (c) 2025 BVK Chaitanya

package subcmds

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/visvasity/cli"

	"github.com/bvk/bidbot/subcmds/cmdutil"
)

type Status struct {
	cmdutil.ClientFlags
}

func (c *Status) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("status", flag.ContinueOnError)
	c.ClientFlags.SetFlags(fset)
	return "status", fset, cli.CmdFunc(c.run)
}

func (c *Status) Purpose() string {
	return "Prints a per-collection summary from the running daemon"
}

func (c *Status) run(ctx context.Context, args []string) error {
	resp, err := cmdutil.Get[StatusResponse](ctx, &c.ClientFlags, "/status")
	if err != nil {
		return fmt.Errorf("could not fetch daemon status: %w", err)
	}

	fmt.Printf("pid: %d\n", resp.Pid)
	fmt.Printf("uptime: %s\n", time.Since(resp.StartedAt).Round(time.Second))
	fmt.Printf("feed: %s (%d reconnects)\n", resp.FeedState, resp.FeedReconnects)
	fmt.Printf("queue evictions: %d\n", resp.QueueEvictions)
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tMODE\tBIDS\tLEADING\tQUANTITY\tGROUP OFFER\tLAST ACTIVITY")
	for _, cs := range resp.Collections {
		offer := "-"
		if cs.CollectionOfferPrice > 0 {
			offer = fmt.Sprintf("%d", cs.CollectionOfferPrice)
		}
		activity := "-"
		if !cs.LastActivity.IsZero() {
			activity = cs.LastActivity.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			cs.Symbol, cs.Mode, cs.NumBids, cs.NumLeading, cs.Quantity, offer, activity)
	}
	return tw.Flush()
}
