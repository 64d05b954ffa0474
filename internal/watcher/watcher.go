// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package watcher turns filesystem events on the input directory into
// conversion submissions. New PDFs are debounced until their size settles,
// so partially copied files are never uploaded.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pdiddy/mdrelay/internal/tracker"
	"github.com/pdiddy/mdrelay/pkg/types"
)

// Sink receives settled PDF paths. *tracker.Tracker satisfies it.
type Sink interface {
	Submit(ctx context.Context, path string) (*tracker.Job, error)
}

// Watcher monitors the input directory and submits new PDFs.
type Watcher struct {
	cfg    types.TrackerConfig
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{} // paths currently settling

	wg sync.WaitGroup
}

// New builds a Watcher submitting into sink.
func New(cfg types.TrackerConfig, sink Sink, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Run watches the input directory until ctx is cancelled. PDFs already
// present at startup are submitted first, then filesystem events drive the
// rest. Submission errors are logged, never fatal: the watcher outlives any
// single bad file.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.InputDir, 0o755); err != nil {
		return fmt.Errorf("creating input directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.InputDir); err != nil {
		return fmt.Errorf("watching %s: %w", w.cfg.InputDir, err)
	}

	w.logger.Info("watching for PDFs", slog.String("dir", w.cfg.InputDir))

	w.scanExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				w.enqueue(ctx, event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			w.logger.Warn("filesystem watcher error", slog.String("error", err.Error()))
		}
	}
}

// scanExisting submits PDFs that were already sitting in the input
// directory before the watcher started.
func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.InputDir)
	if err != nil {
		w.logger.Warn("scanning input directory", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.enqueue(ctx, filepath.Join(w.cfg.InputDir, entry.Name()))
	}
}

// enqueue starts a settle-then-submit goroutine for path, at most one per
// path at a time.
func (w *Watcher) enqueue(ctx context.Context, path string) {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return
	}

	w.mu.Lock()
	if _, busy := w.pending[path]; busy {
		w.mu.Unlock()
		return
	}
	w.pending[path] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.pending, path)
			w.mu.Unlock()
		}()
		w.settleAndSubmit(ctx, path)
	}()
}

// settleAndSubmit waits for the file size to stop changing, then submits.
func (w *Watcher) settleAndSubmit(ctx context.Context, path string) {
	if err := w.waitSettled(ctx, path); err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("file never settled",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return
	}

	_, err := w.sink.Submit(ctx, path)
	switch {
	case err == nil:
	case errors.Is(err, tracker.ErrJobActive), errors.Is(err, tracker.ErrAlreadyConverted):
		w.logger.Info("skipping duplicate", slog.String("path", path))
	default:
		w.logger.Error("submission failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// waitSettled polls the file size until two consecutive reads agree and the
// file is non-empty. A vanished file aborts the wait.
func (w *Watcher) waitSettled(ctx context.Context, path string) error {
	delay := w.cfg.SettleDelay
	if delay <= 0 {
		delay = time.Second
	}

	var last int64 = -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("file disappeared while settling: %w", err)
		}
		if info.Size() == last && info.Size() > 0 {
			return nil
		}
		last = info.Size()
	}
}
