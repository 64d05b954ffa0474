// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pdiddy/mdrelay/internal/history"
	"github.com/pdiddy/mdrelay/internal/mineru"
	"github.com/pdiddy/mdrelay/internal/tracker"
	"github.com/pdiddy/mdrelay/pkg/types"
)

var convertCmd = &cobra.Command{
	Use:   "convert [pdfs...]",
	Short: "Convert PDF files to Markdown via the conversion service",
	Long: `Convert uploads each PDF to the conversion service, waits for the
remote conversion to finish, and files the Markdown into the output
directory next to the original PDF. Already-converted files are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg := relayConfig(cmd)
	if v, _ := cmd.Flags().GetString("on-failure"); v != "" {
		cfg.Tracker.OnFailure = types.FailurePolicy(v)
	}
	if err := requireAPIKey(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("opening conversion history: %w", err)
	}
	defer store.Close()

	client := mineru.NewClient(cfg.Service)
	trk := tracker.New(client, cfg.Tracker, tracker.WithHistory(store))
	defer trk.Shutdown()

	type pending struct {
		path string
		job  *tracker.Job
	}

	var jobs []pending
	converted, skipped, failed := 0, 0, 0

	for _, path := range args {
		name := filepath.Base(path)
		job, err := trk.Submit(ctx, path)
		switch {
		case errors.Is(err, tracker.ErrJobActive), errors.Is(err, tracker.ErrAlreadyConverted):
			fmt.Fprintf(os.Stdout, "  skip   %s (already converted)\n", name)
			skipped++
			continue
		case err != nil:
			fmt.Fprintf(os.Stdout, "  FAIL   %s: %v\n", name, err)
			failed++
			continue
		}
		fmt.Fprintf(os.Stdout, "  upload %s -> task %s\n", name, trk.Snapshot(job).TaskID)
		jobs = append(jobs, pending{path: path, job: job})
	}

	for _, p := range jobs {
		name := filepath.Base(p.path)
		final, err := trk.Wait(ctx, p.job)
		if err != nil {
			fmt.Fprintf(os.Stdout, "  FAIL   %s: %v\n", name, err)
			failed++
			continue
		}
		fmt.Fprintf(os.Stdout, "  done   %s -> %s\n", name, final.MarkdownPath)
		converted++
	}

	fmt.Fprintf(os.Stdout, "\n%d converted, %d skipped, %d failed\n", converted, skipped, failed)
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed conversion", failed)
	}
	return nil
}

func init() {
	convertCmd.Flags().String("on-failure", string(types.PolicyQuarantine), "failed-input policy: quarantine or restore")

	rootCmd.AddCommand(convertCmd)
}
