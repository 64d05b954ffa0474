// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// HTTPConfig holds shared HTTP settings for requests to the conversion service.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "mdrelay/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// ServiceConfig holds settings for the remote conversion service. The
// endpoint paths are templates because the service's documented contract is
// unverified; deployments can override them without a rebuild.
type ServiceConfig struct {
	HTTPConfig `yaml:",inline"`

	// BaseURL is the root of the conversion service (e.g. "https://mineru.net").
	BaseURL string `json:"base_url" yaml:"base_url"`

	// ExtractPath is the upload endpoint path.
	ExtractPath string `json:"extract_path" yaml:"extract_path"`

	// StatusPath is the status endpoint path; %s is replaced by the task id.
	StatusPath string `json:"status_path" yaml:"status_path"`

	// ResultPath is the result endpoint path; %s is replaced by the task id.
	ResultPath string `json:"result_path" yaml:"result_path"`

	// APIKey is the Bearer token for the conversion service.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// MaxRetries bounds retry attempts for upload and download calls.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// FailurePolicy selects what happens to the original PDF when a job fails.
type FailurePolicy string

const (
	// PolicyQuarantine moves failed inputs to the failed directory so an
	// operator can inspect them.
	PolicyQuarantine FailurePolicy = "quarantine"

	// PolicyRestore moves failed inputs back to the input directory so a
	// later run retries them.
	PolicyRestore FailurePolicy = "restore"
)

// TrackerConfig holds settings for the conversion tracker and watch mode.
type TrackerConfig struct {
	// InputDir is the watched directory for new PDFs.
	InputDir string `json:"input_dir" yaml:"input_dir"`

	// ProcessingDir holds files currently in flight.
	ProcessingDir string `json:"processing_dir" yaml:"processing_dir"`

	// OutputDir receives <name>.md, <name>.pdf, and the YAML receipt.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// FailedDir is the quarantine directory for permanently failed inputs.
	FailedDir string `json:"failed_dir" yaml:"failed_dir"`

	// MaxFileSize is the upload size ceiling in bytes.
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// PollInterval is the delay between consecutive status polls.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// MaxPolls bounds status polls per job; exceeding it fails the job.
	MaxPolls int `json:"max_polls" yaml:"max_polls"`

	// SettleDelay is how long a watched file's size must stay unchanged
	// before it is picked up.
	SettleDelay time.Duration `json:"settle_delay" yaml:"settle_delay"`

	// OnFailure selects the failed-input policy: quarantine or restore.
	OnFailure FailurePolicy `json:"on_failure" yaml:"on_failure"`
}

// ServerConfig holds settings for hosted mode.
type ServerConfig struct {
	// Bind is the listen address (e.g. ":8080").
	Bind string `json:"bind" yaml:"bind"`

	// SpoolDir receives uploaded files before they are submitted.
	SpoolDir string `json:"spool_dir" yaml:"spool_dir"`

	// MaxWait bounds /convert-and-wait blocking time.
	MaxWait time.Duration `json:"max_wait" yaml:"max_wait"`
}

// RelayConfig groups all configuration for the relay.
type RelayConfig struct {
	Service ServiceConfig `json:"service" yaml:"service"`
	Tracker TrackerConfig `json:"tracker" yaml:"tracker"`
	Server  ServerConfig  `json:"server" yaml:"server"`

	// HistoryPath is the SQLite conversion-history database location.
	HistoryPath string `json:"history_path" yaml:"history_path"`
}

// Defaults returns a RelayConfig with the documented default values. The
// endpoint paths mirror the conversion service's v4 API as published, and
// the poll budget matches 15 minutes at a 5-second interval.
func Defaults() RelayConfig {
	return RelayConfig{
		Service: ServiceConfig{
			HTTPConfig: HTTPConfig{
				Timeout:   120 * time.Second,
				UserAgent: "mdrelay/0.1",
			},
			BaseURL:     "https://mineru.net",
			ExtractPath: "/api/v4/extract/task",
			StatusPath:  "/api/v1/tasks/%s",
			ResultPath:  "/api/v4/extract/%s",
			MaxRetries:  3,
		},
		Tracker: TrackerConfig{
			InputDir:      "input",
			ProcessingDir: "processing",
			OutputDir:     "output",
			FailedDir:     "failed",
			MaxFileSize:   50 * 1024 * 1024,
			PollInterval:  5 * time.Second,
			MaxPolls:      180,
			SettleDelay:   2 * time.Second,
			OnFailure:     PolicyQuarantine,
		},
		Server: ServerConfig{
			Bind:     ":8080",
			SpoolDir: "processing",
			MaxWait:  15 * time.Minute,
		},
		HistoryPath: "mdrelay.db",
	}
}
