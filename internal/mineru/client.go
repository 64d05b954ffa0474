// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package mineru implements the HTTP client for the remote PDF-to-Markdown
// conversion service. The service's published contract is loosely documented,
// so endpoint paths come from configuration and response decoding tolerates
// several field layouts.
package mineru

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/pdiddy/mdrelay/internal/httputil"
	"github.com/pdiddy/mdrelay/pkg/types"
)

// ErrTaskNotFound is returned when the service does not recognize a task id.
var ErrTaskNotFound = errors.New("task not found")

// TaskState is the normalized remote task status.
type TaskState string

const (
	TaskProcessing TaskState = "processing"
	TaskDone       TaskState = "done"
	TaskFailed     TaskState = "failed"
)

// Status is the outcome of a single status poll.
type Status struct {
	State TaskState

	// Message carries the remote error description when State is TaskFailed.
	Message string
}

// Client talks to the conversion service.
type Client struct {
	httpClient *http.Client
	cfg        types.ServiceConfig
}

// NewClient builds a Client from the service configuration. The HTTP client's
// timeout comes from cfg; retries for transient failures are handled per call.
func NewClient(cfg types.ServiceConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// NewClientWithHTTP builds a Client around an injected *http.Client. Tests
// use this with httptest transports.
func NewClientWithHTTP(cfg types.ServiceConfig, hc *http.Client) *Client {
	return &Client{httpClient: hc, cfg: cfg}
}

// CreateTask uploads a document as multipart form data and returns the task
// identifier assigned by the service. Transient failures (transport errors,
// 429, 5xx) are retried with backoff up to cfg.MaxRetries.
func (c *Client) CreateTask(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copying document into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	url := c.endpoint(c.cfg.ExtractPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setHeaders(req)

	resp, err := httputil.DoWithRetry(ctx, c.httpClient, req, c.cfg.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload returned HTTP %d: %s", resp.StatusCode, snippet(resp.Body))
	}

	payload, err := decodeLoose(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing upload response: %w", err)
	}

	// The task id has appeared under several keys across service versions.
	taskID := firstString(payload, "task_id", "data.task_id", "id", "data.id")
	if taskID == "" {
		return "", fmt.Errorf("upload response carries no task id")
	}
	return taskID, nil
}

// TaskStatus polls the status endpoint for a task. It normalizes the loosely
// specified status strings: completed/succeeded/done map to TaskDone,
// failed/error to TaskFailed, and everything else to TaskProcessing.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (Status, error) {
	url := c.endpoint(fmt.Sprintf(c.cfg.StatusPath, taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("creating status request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Status{}, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("status returned HTTP %d", resp.StatusCode)
	}

	payload, err := decodeLoose(resp.Body)
	if err != nil {
		return Status{}, fmt.Errorf("parsing status response: %w", err)
	}

	raw := strings.ToLower(firstString(payload, "status", "data.status", "state", "data.state"))
	switch raw {
	case "completed", "succeeded", "done":
		return Status{State: TaskDone}, nil
	case "failed", "error":
		msg := firstString(payload, "error", "data.error", "message", "data.err_msg")
		if msg == "" {
			msg = "conversion failed"
		}
		return Status{State: TaskFailed, Message: msg}, nil
	default:
		return Status{State: TaskProcessing}, nil
	}
}

// FetchResult retrieves the converted Markdown for a completed task. The
// content arrives either inline in the result payload or behind a download
// URL that requires a second GET. Transient failures are retried.
func (c *Client) FetchResult(ctx context.Context, taskID string) (string, error) {
	url := c.endpoint(fmt.Sprintf(c.cfg.ResultPath, taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating result request: %w", err)
	}
	c.setHeaders(req)

	resp, err := httputil.DoWithRetry(ctx, c.httpClient, req, c.cfg.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("result request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("result returned HTTP %d", resp.StatusCode)
	}

	payload, err := decodeLoose(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing result response: %w", err)
	}

	md := firstString(payload,
		"md_content", "md",
		"data.md_content", "data.md",
		"result.md_content")
	if md != "" {
		return md, nil
	}

	if dlURL := firstString(payload, "download_url", "data.download_url", "full_md_link", "data.full_md_link"); dlURL != "" {
		return c.download(ctx, dlURL)
	}

	return "", fmt.Errorf("result response carries no markdown content")
}

// download fetches Markdown from an indirect result URL.
func (c *Client) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := httputil.DoWithRetry(ctx, c.httpClient, req, c.cfg.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned HTTP %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading download body: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("download from %s produced empty content", url)
	}
	return string(data), nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
}

// decodeLoose parses a JSON object without a fixed schema.
func decodeLoose(r io.Reader) (map[string]any, error) {
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// firstString returns the first non-empty string found at the given dotted
// paths within a loosely structured payload.
func firstString(payload map[string]any, paths ...string) string {
	for _, path := range paths {
		current := any(payload)
		ok := true
		for _, key := range strings.Split(path, ".") {
			obj, isMap := current.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			current, ok = obj[key]
			if !ok {
				break
			}
		}
		if !ok {
			continue
		}
		switch v := current.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			// Some service versions return numeric ids.
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// snippet reads a short prefix of a response body for error messages.
func snippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}
