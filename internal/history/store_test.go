// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/mdrelay/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(taskID, base string, state types.JobState) types.JobRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := types.JobRecord{
		TaskID:     taskID,
		SourcePath: "input/" + base + ".pdf",
		BaseName:   base,
		State:      state,
		Attempts:   2,
		CreatedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}
	if state == types.StateDone {
		rec.MarkdownPath = "output/" + base + ".md"
		rec.PDFPath = "output/" + base + ".pdf"
	} else {
		rec.Failure = types.FailureUpload
		rec.Error = "upload returned HTTP 500"
	}
	return rec
}

func TestRecordAndFindByTask(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	want := sampleRecord("T1", "report", types.StateDone)
	require.NoError(t, s.Record(ctx, want))

	got, err := s.FindByTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, want.BaseName, got.BaseName)
	assert.Equal(t, types.StateDone, got.State)
	assert.Equal(t, want.MarkdownPath, got.MarkdownPath)
	assert.WithinDuration(t, want.FinishedAt, got.FinishedAt, time.Second)
}

func TestFindByTask_NotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.FindByTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindDoneByBase(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// A failed attempt must not satisfy duplicate detection.
	require.NoError(t, s.Record(ctx, sampleRecord("T1", "report", types.StateFailed)))
	_, err := s.FindDoneByBase(ctx, "report")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Record(ctx, sampleRecord("T2", "report", types.StateDone)))
	got, err := s.FindDoneByBase(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, "T2", got.TaskID)
}

func TestRecordReplacesSameTask(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, sampleRecord("T1", "report", types.StateFailed)))
	require.NoError(t, s.Record(ctx, sampleRecord("T1", "report", types.StateDone)))

	got, err := s.FindByTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, got.State)
	assert.Empty(t, got.Error)
}

func TestRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i, base := range []string{"a", "b", "c"} {
		rec := sampleRecord("T"+base, base, types.StateDone)
		rec.FinishedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Record(ctx, rec))
	}

	records, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	assert.Equal(t, "c", records[0].BaseName)
	assert.Equal(t, "b", records[1].BaseName)
}
