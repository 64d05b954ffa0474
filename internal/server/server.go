// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package server exposes the conversion relay over HTTP. It mirrors the
// directory watcher's flow: uploads are spooled to disk, handed to the
// tracker, and the caller either gets the task id right away or blocks
// until the conversion is terminal.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pdiddy/mdrelay/internal/history"
	"github.com/pdiddy/mdrelay/internal/mineru"
	"github.com/pdiddy/mdrelay/internal/tracker"
	"github.com/pdiddy/mdrelay/pkg/types"
)

// Server hosts the relay API around a Tracker.
type Server struct {
	trk    *tracker.Tracker
	svc    tracker.Service
	store  *history.Store
	cfg    types.RelayConfig
	logger *slog.Logger

	listener net.Listener
	server   *http.Server
}

// New builds a Server. store may be nil; remote proxying then covers
// conversions this process does not remember.
func New(trk *tracker.Tracker, svc tracker.Service, store *history.Store, cfg types.RelayConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		trk:    trk,
		svc:    svc,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      cfg.Server.MaxWait + time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /convert", s.handleConvert)
	mux.HandleFunc("POST /convert-and-wait", s.handleConvertAndWait)
	mux.HandleFunc("GET /status/{task_id}", s.handleStatus)
	mux.HandleFunc("GET /result/{task_id}", s.handleResult)
	return s.withRequestLog(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Bind, err)
	}
	s.listener = listener
	s.logger.Info("api server listening", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return ctx.Err()
}

// withRequestLog tags each request with a uuid and logs method, path, and
// duration.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)))
	})
}

type convertResponse struct {
	Success  bool   `json:"success"`
	TaskID   string `json:"task_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Markdown string `json:"markdown,omitempty"`
	Error    string `json:"error,omitempty"`
}

type statusResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Complete bool   `json:"complete"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "mdrelay",
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "mdrelay",
		"endpoints": map[string]string{
			"POST /convert":          "upload a PDF, returns a task id",
			"POST /convert-and-wait": "upload a PDF, block for the Markdown",
			"GET /status/{task_id}":  "conversion status",
			"GET /result/{task_id}":  "converted Markdown",
			"GET /health":            "health check",
		},
	})
}

// handleConvert accepts a multipart PDF, spools it, and submits it. The
// response carries the task id as soon as the remote service accepts the
// upload; polling continues in the background.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	job, ok := s.acceptUpload(w, r)
	if !ok {
		return
	}
	view := s.trk.Snapshot(job)
	s.writeJSON(w, http.StatusOK, convertResponse{
		Success:  true,
		TaskID:   view.TaskID,
		Filename: view.BaseName + ".pdf",
	})
}

// handleConvertAndWait accepts a multipart PDF and blocks until the job is
// terminal or the server-side wait budget runs out.
func (s *Server) handleConvertAndWait(w http.ResponseWriter, r *http.Request) {
	job, ok := s.acceptUpload(w, r)
	if !ok {
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.MaxWait)
	defer cancel()

	final, err := s.trk.Wait(waitCtx, job)
	if errors.Is(err, context.DeadlineExceeded) {
		s.writeJSON(w, http.StatusRequestTimeout, convertResponse{
			TaskID: final.TaskID,
			Error:  "conversion did not finish in time",
		})
		return
	}
	if err != nil {
		s.writeJSON(w, s.failureStatus(err), convertResponse{
			TaskID: final.TaskID,
			Error:  err.Error(),
		})
		return
	}

	markdown, err := os.ReadFile(final.MarkdownPath)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, convertResponse{
			TaskID: final.TaskID,
			Error:  "reading converted output: " + err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, convertResponse{
		Success:  true,
		TaskID:   final.TaskID,
		Filename: final.BaseName + ".pdf",
		Markdown: string(markdown),
	})
}

// acceptUpload parses the multipart form, enforces the size ceiling, spools
// the PDF, and submits it. On failure it writes the error response and
// returns ok=false.
func (s *Server) acceptUpload(w http.ResponseWriter, r *http.Request) (*tracker.Job, bool) {
	maxSize := s.cfg.Tracker.MaxFileSize
	if maxSize > 0 {
		// Allow headroom for the multipart framing around the file.
		r.Body = http.MaxBytesReader(w, r.Body, maxSize+(1<<20))
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, convertResponse{Error: "file exceeds the size ceiling"})
			return nil, false
		}
		s.writeJSON(w, http.StatusBadRequest, convertResponse{Error: "multipart form must carry a 'file' field"})
		return nil, false
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		s.writeJSON(w, http.StatusBadRequest, convertResponse{Error: "only PDF files are accepted"})
		return nil, false
	}
	if maxSize > 0 && header.Size > maxSize {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, convertResponse{Error: "file exceeds the size ceiling"})
		return nil, false
	}

	spooled, err := s.spool(header.Filename, file)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, convertResponse{Error: "spooling upload: " + err.Error()})
		return nil, false
	}

	job, err := s.trk.Submit(r.Context(), spooled)
	if err != nil {
		os.Remove(spooled)
		s.writeJSON(w, s.failureStatus(err), convertResponse{Error: err.Error()})
		return nil, false
	}
	return job, true
}

// spool writes the uploaded file into the spool directory under its own
// base name, where the tracker picks it up.
func (s *Server) spool(filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.Server.SpoolDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(s.cfg.Server.SpoolDir, filepath.Base(filename))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// handleStatus reports a task's progress. In-flight jobs answer from the
// tracker, finished ones from the history store, and anything else is
// proxied to the conversion service.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	if view, ok := s.trk.Find(taskID); ok {
		s.writeJSON(w, http.StatusOK, statusResponse{
			TaskID:   taskID,
			Status:   string(view.State),
			Complete: view.Done(),
		})
		return
	}

	if s.store != nil {
		if rec, err := s.store.FindByTask(r.Context(), taskID); err == nil {
			s.writeJSON(w, http.StatusOK, statusResponse{
				TaskID:   taskID,
				Status:   string(rec.State),
				Complete: true,
				Error:    rec.Error,
			})
			return
		}
	}

	status, err := s.svc.TaskStatus(r.Context(), taskID)
	if errors.Is(err, mineru.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown task id")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "querying conversion service: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		TaskID:   taskID,
		Status:   string(status.State),
		Complete: status.State != mineru.TaskProcessing,
		Error:    status.Message,
	})
}

// handleResult serves the converted Markdown as text/plain. Locally filed
// output wins; otherwise the remote result endpoint is proxied.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	if s.store != nil {
		if rec, err := s.store.FindByTask(r.Context(), taskID); err == nil {
			if rec.State != types.StateDone {
				s.writeError(w, http.StatusNotFound, "conversion failed, no result available")
				return
			}
			if data, err := os.ReadFile(rec.MarkdownPath); err == nil {
				s.writeMarkdown(w, data)
				return
			}
			// Filed output went missing; fall through to the remote copy.
		}
	}

	markdown, err := s.svc.FetchResult(r.Context(), taskID)
	if errors.Is(err, mineru.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown task id")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusNotFound, "result not available: "+err.Error())
		return
	}
	s.writeMarkdown(w, []byte(markdown))
}

// failureStatus maps a tracker error to an HTTP status code.
func (s *Server) failureStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrJobActive), errors.Is(err, tracker.ErrAlreadyConverted):
		return http.StatusConflict
	}
	var failure *tracker.Failure
	if errors.As(err, &failure) {
		switch failure.Kind {
		case types.FailureInvalidInput:
			return http.StatusBadRequest
		case types.FailurePollTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeMarkdown(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
