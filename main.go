// Copyright (c) 2025 BVK Chaitanya

package main

import (
	"context"
	"log"
	"os"

	"github.com/visvasity/cli"

	"github.com/bvk/bidbot/subcmds"
)

func main() {
	journalCmds := []cli.Command{
		new(subcmds.JournalOffers),
		new(subcmds.JournalFills),
	}

	cmds := []cli.Command{
		new(subcmds.Run),
		new(subcmds.Status),
		new(subcmds.IDGen),
		cli.NewGroup("journal", "View the offer/fill journal", journalCmds...),
	}
	if err := cli.Run(context.Background(), cmds, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
