// Package main starts the sheetsync relay and handles termination.
//
// The relay orders the messages of every spreadsheet room, journals them for
// catch-up and keeps a replica of each room for snapshots. Clients keep their
// own state and only trust the relay for ordering.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	relaycmd "github.com/louisbranch/sheetsync/internal/cmd/relay"
)

func main() {
	cfg, err := relaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[RELAY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relaycmd.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
