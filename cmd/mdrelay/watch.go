// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pdiddy/mdrelay/internal/history"
	"github.com/pdiddy/mdrelay/internal/mineru"
	"github.com/pdiddy/mdrelay/internal/tracker"
	"github.com/pdiddy/mdrelay/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory and convert new PDFs as they appear",
	Long: `Watch monitors the input directory and relays every new PDF through
the conversion service. Files already present at startup are converted
first. Runs until interrupted.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := relayConfig(cmd)
	if err := requireAPIKey(cfg); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("opening conversion history: %w", err)
	}
	defer store.Close()

	client := mineru.NewClient(cfg.Service)
	trk := tracker.New(client, cfg.Tracker, tracker.WithHistory(store), tracker.WithLogger(logger))
	defer trk.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watcher.New(cfg.Tracker, trk, logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down", slog.Int("in_flight", trk.Active()))
	return nil
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
