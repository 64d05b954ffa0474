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
	"github.com/pdiddy/mdrelay/internal/server"
	"github.com/pdiddy/mdrelay/internal/tracker"
	"github.com/pdiddy/mdrelay/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the conversion relay over HTTP",
	Long: `Serve exposes the relay as an HTTP API: POST /convert uploads a PDF
and returns a task id, POST /convert-and-wait blocks for the Markdown, and
GET /status and /result report on past and in-flight conversions.

With --watch the directory watcher runs alongside the server, so both
triggers share one job table and history. Runs until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := relayConfig(cmd)
	if v, _ := cmd.Flags().GetString("bind"); v != "" {
		cfg.Server.Bind = v
	}
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

	if withWatch, _ := cmd.Flags().GetBool("watch"); withWatch {
		w := watcher.New(cfg.Tracker, trk, logger)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	srv := server.New(trk, client, store, cfg, logger)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down", slog.Int("in_flight", trk.Active()))
	return nil
}

func init() {
	serveCmd.Flags().String("bind", "", "listen address (default :8080)")
	serveCmd.Flags().Bool("watch", false, "also watch the input directory")

	rootCmd.AddCommand(serveCmd)
}
