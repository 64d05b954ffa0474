// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package tracker drives each PDF through the conversion lifecycle:
// detected, uploading, polling, downloading, then done or failed.
// Transitions move forward only; at most one job per source file is in
// flight at any time.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pdiddy/mdrelay/internal/history"
	"github.com/pdiddy/mdrelay/internal/mineru"
	"github.com/pdiddy/mdrelay/pkg/types"
)

// Service is the slice of the conversion-service client the tracker needs.
type Service interface {
	CreateTask(ctx context.Context, filename string, r io.Reader) (string, error)
	TaskStatus(ctx context.Context, taskID string) (mineru.Status, error)
	FetchResult(ctx context.Context, taskID string) (string, error)
}

// Tracker owns the job table and the per-file state machine.
type Tracker struct {
	svc     Service
	cfg     types.TrackerConfig
	store   *history.Store
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*Job // keyed by base name, in-flight only

	wg sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHistory attaches a history store for cross-restart duplicate detection
// and terminal-job records.
func WithHistory(store *history.Store) Option {
	return func(t *Tracker) { t.store = store }
}

// WithLogger sets the structured logger for transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// New builds a Tracker. Background polling and downloading run under the
// tracker's own context so an HTTP handler returning does not cancel an
// in-flight job; Shutdown cancels it.
func New(svc Service, cfg types.TrackerConfig, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		svc:     svc,
		cfg:     cfg,
		logger:  slog.New(slog.DiscardHandler),
		baseCtx: ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Shutdown cancels in-flight background work and waits for it to settle.
func (t *Tracker) Shutdown() {
	t.cancel()
	t.wg.Wait()
}

// Submit validates and registers a PDF, uploads it, and returns once the
// conversion service has assigned a task id. Polling and download continue
// in the background; use Job.Wait to block until the job is terminal.
//
// Invalid files fail immediately with a Failure of kind invalid_input and
// the original file is left untouched. Duplicate submissions return
// ErrJobActive or ErrAlreadyConverted.
func (t *Tracker) Submit(ctx context.Context, path string) (*Job, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if err := t.validate(path); err != nil {
		return nil, err
	}

	job, err := t.register(ctx, base, path)
	if err != nil {
		return nil, err
	}

	t.logger.Info("pdf detected", slog.String("file", base), slog.String("path", path))

	if err := t.spool(job); err != nil {
		failure := failf(types.FailureInvalidInput, "moving %s into processing: %v", base, err)
		t.fail(job, failure)
		return job, failure
	}

	if err := t.upload(ctx, job); err != nil {
		t.fail(job, err)
		return job, err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.complete(t.baseCtx, job)
	}()

	return job, nil
}

// Wait blocks until the job is terminal or ctx is done, returning the final
// snapshot. Failed jobs return their terminal Failure as the error.
func (t *Tracker) Wait(ctx context.Context, job *Job) (View, error) {
	select {
	case <-ctx.Done():
		return t.Snapshot(job), ctx.Err()
	case <-job.done:
	}

	final := t.Snapshot(job)
	if final.State == types.StateFailed {
		return final, &Failure{Kind: final.Failure, Err: errors.New(final.Error)}
	}
	return final, nil
}

// validate applies the submission preconditions: .pdf extension, readable,
// below the size ceiling.
func (t *Tracker) validate(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return failf(types.FailureInvalidInput, "%s is not a PDF", filepath.Base(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return failf(types.FailureInvalidInput, "unreadable input: %v", err)
	}
	if t.cfg.MaxFileSize > 0 && info.Size() > t.cfg.MaxFileSize {
		return failf(types.FailureInvalidInput, "%s is %d bytes, above the %d byte ceiling",
			filepath.Base(path), info.Size(), t.cfg.MaxFileSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return failf(types.FailureInvalidInput, "unreadable input: %v", err)
	}
	f.Close()
	return nil
}

// register inserts the job into the table after duplicate checks.
func (t *Tracker) register(ctx context.Context, base, path string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, active := t.jobs[base]; active {
		return nil, fmt.Errorf("%s: %w", base, ErrJobActive)
	}
	if _, err := os.Stat(filepath.Join(t.cfg.OutputDir, base+".md")); err == nil {
		return nil, fmt.Errorf("%s: %w", base, ErrAlreadyConverted)
	}
	if t.store != nil {
		if _, err := t.store.FindDoneByBase(ctx, base); err == nil {
			return nil, fmt.Errorf("%s: %w", base, ErrAlreadyConverted)
		}
	}

	job := &Job{
		sourcePath: path,
		origPath:   path,
		baseName:   base,
		state:      types.StateDetected,
		createdAt:  time.Now().UTC(),
		done:       make(chan struct{}),
	}
	t.jobs[base] = job
	return job, nil
}

// spool moves the input into the processing directory so the watched
// directory stays clean while the job is in flight.
func (t *Tracker) spool(job *Job) error {
	dest := filepath.Join(t.cfg.ProcessingDir, job.baseName+".pdf")
	if job.sourcePath == dest {
		return nil
	}
	if err := os.MkdirAll(t.cfg.ProcessingDir, 0o755); err != nil {
		return err
	}
	if err := os.Rename(job.sourcePath, dest); err != nil {
		return err
	}
	t.setSourcePath(job, dest)
	return nil
}

// upload performs the Detected -> Uploading -> Polling transition. The
// client retries transient failures internally; exhaustion surfaces here as
// a terminal upload_error.
func (t *Tracker) upload(ctx context.Context, job *Job) error {
	t.transition(job, types.StateUploading)

	f, err := os.Open(t.Snapshot(job).SourcePath)
	if err != nil {
		return failf(types.FailureUpload, "opening %s: %v", job.baseName, err)
	}
	defer f.Close()

	t.bumpAttempts(job)
	taskID, err := t.svc.CreateTask(ctx, job.baseName+".pdf", f)
	if err != nil {
		return failf(types.FailureUpload, "uploading %s: %v", job.baseName, err)
	}

	t.mu.Lock()
	job.taskID = taskID
	job.state = types.StatePolling
	t.mu.Unlock()

	t.logger.Info("upload accepted",
		slog.String("file", job.baseName),
		slog.String("task_id", taskID))
	return nil
}

// complete drives Polling -> Downloading -> Done (or Failed) in the
// background. Poll errors are tolerated as "still processing"; only the
// poll budget bounds the loop.
func (t *Tracker) complete(ctx context.Context, job *Job) {
	for poll := 0; poll < t.cfg.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			t.fail(job, failf(types.FailurePollTimeout, "shutdown while polling task %s", job.taskID))
			return
		case <-time.After(t.cfg.PollInterval):
		}

		t.bumpAttempts(job)
		status, err := t.svc.TaskStatus(ctx, job.taskID)
		if err != nil {
			t.logger.Warn("status poll failed",
				slog.String("task_id", job.taskID),
				slog.String("error", err.Error()))
			continue
		}

		switch status.State {
		case mineru.TaskDone:
			t.download(ctx, job)
			return
		case mineru.TaskFailed:
			t.fail(job, failf(types.FailureRemote, "conversion service reported failure: %s", status.Message))
			return
		}
	}

	t.fail(job, failf(types.FailurePollTimeout,
		"task %s did not complete within %d polls", job.taskID, t.cfg.MaxPolls))
}

// download performs Polling -> Downloading -> Done, filing the artifacts
// into the output directory.
func (t *Tracker) download(ctx context.Context, job *Job) {
	t.transition(job, types.StateDownloading)

	t.bumpAttempts(job)
	markdown, err := t.svc.FetchResult(ctx, job.taskID)
	if err != nil {
		t.fail(job, failf(types.FailureDownload, "fetching result for %s: %v", job.baseName, err))
		return
	}

	mdPath, pdfPath, err := t.place(job, markdown)
	if err != nil {
		t.fail(job, failf(types.FailureDownload, "filing %s: %v", job.baseName, err))
		return
	}

	t.mu.Lock()
	job.markdownPath = mdPath
	job.pdfPath = pdfPath
	job.state = types.StateDone
	t.mu.Unlock()

	t.finish(job)
	t.logger.Info("conversion complete",
		slog.String("file", job.baseName),
		slog.String("task_id", job.taskID),
		slog.String("output", mdPath))
}

// fail records the terminal error, applies the failed-input policy, and
// releases the job.
func (t *Tracker) fail(job *Job, err error) {
	var failure *Failure
	if !errors.As(err, &failure) {
		failure = &Failure{Kind: types.FailureUpload, Err: err}
	}

	t.mu.Lock()
	job.state = types.StateFailed
	job.lastErr = failure
	t.mu.Unlock()

	t.disposeFailed(job)
	t.finish(job)
	t.logger.Error("conversion failed",
		slog.String("file", job.baseName),
		slog.String("kind", string(failure.Kind)),
		slog.String("error", failure.Err.Error()))
}

// finish records the terminal snapshot, removes the job from the table, and
// wakes waiters. The table only ever holds in-flight jobs; terminal state
// lives in the history store and the job handle itself.
func (t *Tracker) finish(job *Job) {
	if t.store != nil {
		if err := t.store.Record(context.Background(), t.snapshotRecord(job)); err != nil {
			t.logger.Warn("recording conversion history failed",
				slog.String("file", job.baseName),
				slog.String("error", err.Error()))
		}
	}

	t.mu.Lock()
	delete(t.jobs, job.baseName)
	t.mu.Unlock()
	close(job.done)
}

// Find returns the in-flight job snapshot for a task id.
func (t *Tracker) Find(taskID string) (View, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, job := range t.jobs {
		if job.taskID == taskID {
			return job.view(), true
		}
	}
	return View{}, false
}

// Active returns the number of in-flight jobs.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Snapshot returns a consistent copy of the job's current state.
func (t *Tracker) Snapshot(job *Job) View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return job.view()
}

func (t *Tracker) transition(job *Job, state types.JobState) {
	t.mu.Lock()
	job.state = state
	t.mu.Unlock()
	t.logger.Debug("state transition",
		slog.String("file", job.baseName),
		slog.String("state", string(state)))
}

func (t *Tracker) bumpAttempts(job *Job) {
	t.mu.Lock()
	job.attempts++
	t.mu.Unlock()
}

func (t *Tracker) setSourcePath(job *Job, path string) {
	t.mu.Lock()
	job.sourcePath = path
	t.mu.Unlock()
}

func (t *Tracker) snapshotRecord(job *Job) types.JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return job.record()
}
