// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// JobState is the lifecycle position of a conversion job. Transitions move
// forward only; no state is revisited except polling while the remote task
// is still in progress.
type JobState string

const (
	StateDetected    JobState = "detected"
	StateUploading   JobState = "uploading"
	StatePolling     JobState = "polling"
	StateDownloading JobState = "downloading"
	StateDone        JobState = "done"
	StateFailed      JobState = "failed"
)

// Terminal reports whether a job in this state is finished.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	// FailureInvalidInput marks files rejected before upload: not a PDF,
	// unreadable, or above the size ceiling.
	FailureInvalidInput FailureKind = "invalid_input"

	// FailureUpload marks transport or non-success responses while
	// submitting the document, after retries were exhausted.
	FailureUpload FailureKind = "upload_error"

	// FailurePollTimeout marks jobs that exceeded the maximum number of
	// status polls without the remote task completing.
	FailurePollTimeout FailureKind = "poll_timeout"

	// FailureRemote marks jobs the conversion service itself reported
	// as failed.
	FailureRemote FailureKind = "remote_error"

	// FailureDownload marks result-retrieval failures after retries
	// were exhausted.
	FailureDownload FailureKind = "download_error"

	// FailureConfig marks startup configuration problems (missing API key).
	FailureConfig FailureKind = "config_error"
)

// JobRecord is the terminal snapshot of a conversion job. It is written as a
// YAML receipt next to the converted output and persisted in the history
// database.
type JobRecord struct {
	// TaskID is the opaque identifier assigned by the conversion service.
	TaskID string `json:"task_id" yaml:"task_id"`

	// SourcePath is the path of the PDF as originally submitted.
	SourcePath string `json:"source_path" yaml:"source_path"`

	// BaseName is the file name without directory or extension
	// (e.g. "report" for report.pdf). Output files share it.
	BaseName string `json:"base_name" yaml:"base_name"`

	// State is the terminal state, done or failed.
	State JobState `json:"state" yaml:"state"`

	// Failure classifies the error for failed jobs; empty on success.
	Failure FailureKind `json:"failure,omitempty" yaml:"failure,omitempty"`

	// Error is the last error message for failed jobs.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	// Attempts counts upload and download tries plus status polls.
	Attempts int `json:"attempts" yaml:"attempts"`

	// MarkdownPath is the converted output location; empty on failure.
	MarkdownPath string `json:"markdown_path,omitempty" yaml:"markdown_path,omitempty"`

	// PDFPath is the final location of the original PDF.
	PDFPath string `json:"pdf_path,omitempty" yaml:"pdf_path,omitempty"`

	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}
