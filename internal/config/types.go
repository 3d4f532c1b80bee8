package config

// Config is the on-disk configuration (JSON or YAML).
//
// Every section is optional; `schedule` and `run` work without a config file,
// `sync` needs at least one entry under reports.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Deployment   DeploymentConfig   `json:"deployment"`
	Logging      LoggingConfig      `json:"logging"`

	// TaskEngine controls how `sync` executes registrations.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Debug serves health, status and pprof while `sync --watch` runs.
	Debug *DebugConfig `json:"debug,omitempty"`

	Reports []ReportConfig `json:"reports,omitempty"`
}

// OrchestratorConfig points at the orchestration service API.
//
// APIURL and APIKey can be overridden with PREFECT_API_URL / PREFECT_API_KEY.
type OrchestratorConfig struct {
	APIURL string `json:"api_url,omitempty" env:"PREFECT_API_URL"`
	APIKey string `json:"api_key,omitempty" env:"PREFECT_API_KEY"` // do not log

	// Timeout is a Go duration string applied per HTTP attempt (default "30s").
	Timeout string `json:"timeout,omitempty"`

	RetryMax   int `json:"retry_max,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// DeploymentConfig controls how deployments are built and submitted.
//
// Defaults (when fields are omitted/zero):
//   - entrypoint: "notebookrunner:run_report"
//   - path: "."
//   - isolated: false (register in-process)
//   - handoff_timeout: "0s" (wait for the child indefinitely)
type DeploymentConfig struct {
	Entrypoint string   `json:"entrypoint,omitempty"`
	Path       string   `json:"path,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// Isolated registers each deployment from a freshly launched child process.
	Isolated bool `json:"isolated,omitempty" env:"NOTEBOOKRUNNER_ISOLATED"`

	HandoffTimeout string `json:"handoff_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"NOTEBOOKRUNNER_LOG_LEVEL"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TaskEngineConfig controls the registration engine used by `sync`.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// StorageConfig controls the registration ledger.
//
// Example:
//
//	storage: { driver: sqlite, path: ./notebookrunner.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls failure notifications emitted by `sync`.
type NotifierConfig struct {
	Telegram TelegramConfig `json:"telegram"`

	// DedupWindow suppresses repeat alerts for the same report (Go duration, default "0s").
	DedupWindow string `json:"dedup_window,omitempty"`
}

type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty" env:"NOTEBOOKRUNNER_TELEGRAM_TOKEN"` // do not log
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DebugConfig controls the debug HTTP server of `sync --watch`.
//
// A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default "/debug/pprof/"
	Token         string `json:"token,omitempty" env:"NOTEBOOKRUNNER_DEBUG_TOKEN"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// ReportConfig is one scheduled notebook report registered by `sync`.
//
// APIURL falls back to orchestrator.api_url when empty.
type ReportConfig struct {
	Name        string         `json:"name"`
	NotebookURL string         `json:"notebook_url"`
	Queue       string         `json:"queue"`
	Schedule    string         `json:"schedule"`
	Timezone    string         `json:"timezone,omitempty"`
	APIURL      string         `json:"api_url,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
