// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/pdiddy/mdrelay/pkg/types"
)

// ErrJobActive is returned when a file with the same base name is already
// in flight. At most one job per source file exists at any time.
var ErrJobActive = errors.New("a conversion for this file is already in flight")

// ErrAlreadyConverted is returned when the output for a file already exists,
// either on disk or in the conversion history.
var ErrAlreadyConverted = errors.New("file is already converted")

// Failure is a terminal job error carrying its taxonomy kind.
type Failure struct {
	Kind types.FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// failf builds a Failure from a format string.
func failf(kind types.FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Job tracks one file through the conversion lifecycle. All mutable fields
// are guarded by the owning Tracker's mutex; callers outside the tracker
// observe jobs through View snapshots.
type Job struct {
	// sourcePath is where the PDF currently lives (the processing
	// directory once the job is accepted).
	sourcePath string

	// origPath is the path as originally submitted, used by the restore
	// failure policy.
	origPath string

	baseName  string
	taskID    string
	state     types.JobState
	attempts  int
	createdAt time.Time
	lastErr   *Failure

	// markdownPath and pdfPath are set when the job completes.
	markdownPath string
	pdfPath      string

	// done is closed when the job reaches a terminal state.
	done chan struct{}
}

// View is an immutable snapshot of a job for callers outside the tracker.
type View struct {
	TaskID       string
	BaseName     string
	SourcePath   string
	State        types.JobState
	Attempts     int
	CreatedAt    time.Time
	MarkdownPath string
	PDFPath      string
	Failure      types.FailureKind
	Error        string
}

// Done reports whether the snapshot is in a terminal state.
func (v View) Done() bool {
	return v.State.Terminal()
}

func (j *Job) view() View {
	v := View{
		TaskID:       j.taskID,
		BaseName:     j.baseName,
		SourcePath:   j.sourcePath,
		State:        j.state,
		Attempts:     j.attempts,
		CreatedAt:    j.createdAt,
		MarkdownPath: j.markdownPath,
		PDFPath:      j.pdfPath,
	}
	if j.lastErr != nil {
		v.Failure = j.lastErr.Kind
		v.Error = j.lastErr.Err.Error()
	}
	return v
}

// record builds the terminal JobRecord snapshot for receipts and history.
func (j *Job) record() types.JobRecord {
	rec := types.JobRecord{
		TaskID:       j.taskID,
		SourcePath:   j.origPath,
		BaseName:     j.baseName,
		State:        j.state,
		Attempts:     j.attempts,
		MarkdownPath: j.markdownPath,
		PDFPath:      j.pdfPath,
		CreatedAt:    j.createdAt,
		FinishedAt:   time.Now().UTC(),
	}
	if j.lastErr != nil {
		rec.Failure = j.lastErr.Kind
		rec.Error = j.lastErr.Err.Error()
	}
	return rec
}
