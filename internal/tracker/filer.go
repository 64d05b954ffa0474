// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package tracker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/mdrelay/pkg/types"
)

// place writes the converted Markdown and moves the original PDF into the
// output directory, then drops a YAML receipt beside them. The Markdown is
// written through a temp file and renamed so readers never observe a
// partial output.
func (t *Tracker) place(job *Job, markdown string) (mdPath, pdfPath string, err error) {
	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating output directory: %w", err)
	}

	mdPath = filepath.Join(t.cfg.OutputDir, job.baseName+".md")
	if err := writeAtomic(mdPath, []byte(markdown)); err != nil {
		return "", "", fmt.Errorf("writing markdown: %w", err)
	}

	pdfPath = filepath.Join(t.cfg.OutputDir, job.baseName+".pdf")
	src := t.Snapshot(job).SourcePath
	if err := os.Rename(src, pdfPath); err != nil {
		return "", "", fmt.Errorf("moving original PDF: %w", err)
	}

	if err := t.writeReceipt(job, mdPath, pdfPath); err != nil {
		// The conversion itself succeeded; a missing receipt is not fatal.
		t.logger.Warn("writing receipt failed",
			slog.String("file", job.baseName),
			slog.String("error", err.Error()))
	}

	return mdPath, pdfPath, nil
}

// writeReceipt records the job outcome as a YAML sidecar in the output
// directory.
func (t *Tracker) writeReceipt(job *Job, mdPath, pdfPath string) error {
	rec := t.snapshotRecord(job)
	rec.State = types.StateDone
	rec.MarkdownPath = mdPath
	rec.PDFPath = pdfPath

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return os.WriteFile(filepath.Join(t.cfg.OutputDir, job.baseName+".yaml"), data, 0o644)
}

// disposeFailed applies the failed-input policy: quarantine moves the PDF to
// the failed directory, restore puts it back where it was submitted from.
// Inputs that never left their original location are left untouched.
func (t *Tracker) disposeFailed(job *Job) {
	src := t.Snapshot(job).SourcePath
	if src == job.origPath {
		return
	}

	var dest string
	switch t.cfg.OnFailure {
	case types.PolicyRestore:
		dest = job.origPath
	default:
		dest = filepath.Join(t.cfg.FailedDir, job.baseName+".pdf")
		if err := os.MkdirAll(t.cfg.FailedDir, 0o755); err != nil {
			t.logger.Warn("creating failed directory",
				slog.String("error", err.Error()))
			return
		}
	}

	if err := os.Rename(src, dest); err != nil {
		t.logger.Warn("moving failed input",
			slog.String("file", job.baseName),
			slog.String("error", err.Error()))
		return
	}
	t.setSourcePath(job, dest)
}

// writeAtomic writes data to path via a temp file in the same directory and
// an atomic rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mdrelay-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
