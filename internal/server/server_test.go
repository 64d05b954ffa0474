// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/mdrelay/internal/history"
	"github.com/pdiddy/mdrelay/internal/mineru"
	"github.com/pdiddy/mdrelay/internal/tracker"
	"github.com/pdiddy/mdrelay/pkg/types"
)

// fakeService is an in-process conversion service. Tasks complete on the
// first status poll unless scripted otherwise.
type fakeService struct {
	mu        sync.Mutex
	uploads   int
	uploadErr error
	status    map[string]mineru.Status
	markdown  map[string]string
}

func newFakeService() *fakeService {
	return &fakeService{
		status:   make(map[string]mineru.Status),
		markdown: make(map[string]string),
	}
}

func (f *fakeService) CreateTask(_ context.Context, filename string, _ io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	base := strings.TrimSuffix(filename, ".pdf")
	taskID := "task-" + base
	if _, ok := f.markdown[taskID]; !ok {
		f.markdown[taskID] = "# " + base + "\nconverted body"
	}
	return taskID, nil
}

func (f *fakeService) TaskStatus(_ context.Context, taskID string) (mineru.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[taskID]; ok {
		return st, nil
	}
	if _, ok := f.markdown[taskID]; !ok {
		return mineru.Status{}, mineru.ErrTaskNotFound
	}
	return mineru.Status{State: mineru.TaskDone}, nil
}

func (f *fakeService) FetchResult(_ context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, ok := f.markdown[taskID]
	if !ok {
		return "", mineru.ErrTaskNotFound
	}
	return md, nil
}

func (f *fakeService) setStatus(taskID string, st mineru.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[taskID] = st
}

func (f *fakeService) setResult(taskID, markdown string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markdown[taskID] = markdown
}

type serverEnv struct {
	svc   *fakeService
	trk   *tracker.Tracker
	store *history.Store
	cfg   types.RelayConfig
	ts    *httptest.Server
}

func newServerEnv(t *testing.T, mutate func(*types.RelayConfig)) *serverEnv {
	t.Helper()

	root := t.TempDir()
	cfg := types.Defaults()
	cfg.Tracker.InputDir = filepath.Join(root, "input")
	cfg.Tracker.ProcessingDir = filepath.Join(root, "processing")
	cfg.Tracker.OutputDir = filepath.Join(root, "output")
	cfg.Tracker.FailedDir = filepath.Join(root, "failed")
	cfg.Tracker.MaxFileSize = 1 << 20
	cfg.Tracker.PollInterval = time.Millisecond
	cfg.Tracker.MaxPolls = 50
	cfg.Server.SpoolDir = cfg.Tracker.ProcessingDir
	cfg.Server.MaxWait = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := newFakeService()
	trk := tracker.New(svc, cfg.Tracker, tracker.WithHistory(store))
	t.Cleanup(trk.Shutdown)

	srv := New(trk, svc, store, cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverEnv{svc: svc, trk: trk, store: store, cfg: cfg, ts: ts}
}

// postPDF uploads content as a multipart form to path.
func (e *serverEnv) postPDF(t *testing.T, path, field, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.ts.URL+path, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "mdrelay", body["service"])
}

func TestIndex(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, "mdrelay", body["service"])
}

func TestConvert(t *testing.T) {
	env := newServerEnv(t, nil)

	resp := env.postPDF(t, "/convert", "file", "report.pdf", []byte("%PDF-1.4 body"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[convertResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "task-report", body.TaskID)
	assert.Equal(t, "report.pdf", body.Filename)

	// Background polling files the output shortly after.
	deadline := time.Now().Add(5 * time.Second)
	mdPath := filepath.Join(env.cfg.Tracker.OutputDir, "report.md")
	for time.Now().Before(deadline) {
		if _, err := os.Stat(mdPath); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output %s never appeared", mdPath)
}

func TestConvert_MissingFileField(t *testing.T) {
	env := newServerEnv(t, nil)

	resp := env.postPDF(t, "/convert", "document", "report.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeJSON[convertResponse](t, resp)
	assert.Contains(t, body.Error, "file")
}

func TestConvert_RejectsNonPDF(t *testing.T) {
	env := newServerEnv(t, nil)

	resp := env.postPDF(t, "/convert", "file", "notes.txt", []byte("plain text"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, env.svc.uploads)
}

func TestConvert_RejectsOversized(t *testing.T) {
	env := newServerEnv(t, func(cfg *types.RelayConfig) {
		cfg.Tracker.MaxFileSize = 64
	})

	resp := env.postPDF(t, "/convert", "file", "big.pdf", make([]byte, 4096))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, 0, env.svc.uploads)
}

func TestConvert_DuplicateConflict(t *testing.T) {
	env := newServerEnv(t, nil)

	resp := env.postPDF(t, "/convert", "file", "report.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Wait until the first conversion lands in history.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := env.store.FindByTask(context.Background(), "task-report"); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = env.postPDF(t, "/convert", "file", "report.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeJSON[convertResponse](t, resp)
	assert.Contains(t, body.Error, "already")
}

func TestConvertAndWait(t *testing.T) {
	env := newServerEnv(t, nil)

	resp := env.postPDF(t, "/convert-and-wait", "file", "report.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[convertResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "task-report", body.TaskID)
	assert.Equal(t, "# report\nconverted body", body.Markdown)
}

func TestConvertAndWait_Timeout(t *testing.T) {
	env := newServerEnv(t, func(cfg *types.RelayConfig) {
		// The wait budget must expire well before the poll budget.
		cfg.Server.MaxWait = 50 * time.Millisecond
		cfg.Tracker.PollInterval = 10 * time.Millisecond
		cfg.Tracker.MaxPolls = 10000
	})
	env.svc.setStatus("task-slow", mineru.Status{State: mineru.TaskProcessing})

	resp := env.postPDF(t, "/convert-and-wait", "file", "slow.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)

	body := decodeJSON[convertResponse](t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "task-slow", body.TaskID)
}

func TestStatus_InFlight(t *testing.T) {
	env := newServerEnv(t, func(cfg *types.RelayConfig) {
		// Keep the job in flight long enough to observe it.
		cfg.Tracker.PollInterval = 10 * time.Millisecond
		cfg.Tracker.MaxPolls = 1000
	})
	env.svc.setStatus("task-pending", mineru.Status{State: mineru.TaskProcessing})

	resp := env.postPDF(t, "/convert", "file", "pending.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(env.ts.URL + "/status/task-pending")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[statusResponse](t, resp)
	assert.Equal(t, "task-pending", body.TaskID)
	assert.Equal(t, string(types.StatePolling), body.Status)
	assert.False(t, body.Complete)
}

func TestStatus_FromHistory(t *testing.T) {
	env := newServerEnv(t, nil)
	require.NoError(t, env.store.Record(context.Background(), types.JobRecord{
		TaskID:     "T-done",
		BaseName:   "archived",
		State:      types.StateDone,
		CreatedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}))

	resp, err := http.Get(env.ts.URL + "/status/T-done")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[statusResponse](t, resp)
	assert.Equal(t, string(types.StateDone), body.Status)
	assert.True(t, body.Complete)
}

func TestStatus_RemoteProxy(t *testing.T) {
	env := newServerEnv(t, nil)
	env.svc.setResult("task-remote", "# remote")
	env.svc.setStatus("task-remote", mineru.Status{State: mineru.TaskProcessing})

	resp, err := http.Get(env.ts.URL + "/status/task-remote")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[statusResponse](t, resp)
	assert.Equal(t, string(mineru.TaskProcessing), body.Status)
	assert.False(t, body.Complete)
}

func TestStatus_UnknownTask(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/status/task-missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResult_Local(t *testing.T) {
	env := newServerEnv(t, nil)

	mdPath := filepath.Join(t.TempDir(), "archived.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("# archived doc"), 0o644))
	require.NoError(t, env.store.Record(context.Background(), types.JobRecord{
		TaskID:       "T-done",
		BaseName:     "archived",
		State:        types.StateDone,
		MarkdownPath: mdPath,
		CreatedAt:    time.Now().UTC(),
		FinishedAt:   time.Now().UTC(),
	}))

	resp, err := http.Get(env.ts.URL + "/result/T-done")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "# archived doc", string(data))
}

func TestResult_FailedJob(t *testing.T) {
	env := newServerEnv(t, nil)
	require.NoError(t, env.store.Record(context.Background(), types.JobRecord{
		TaskID:     "T-failed",
		BaseName:   "broken",
		State:      types.StateFailed,
		Failure:    types.FailureRemote,
		Error:      "conversion service reported failure",
		CreatedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}))

	resp, err := http.Get(env.ts.URL + "/result/T-failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResult_RemoteProxy(t *testing.T) {
	env := newServerEnv(t, nil)
	env.svc.setResult("task-remote", "# remote doc")

	resp, err := http.Get(env.ts.URL + "/result/task-remote")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "# remote doc", string(data))
}

func TestResult_Unknown(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/result/task-missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
