package app

import (
	"fmt"
	"strings"
	"time"

	"notebookrunner/internal/config"
	"notebookrunner/internal/deploy"
	"notebookrunner/internal/job"
	"notebookrunner/internal/notifier"
	"notebookrunner/internal/observability/debugsrv"
	"notebookrunner/internal/storage"
	"notebookrunner/internal/task/engine"
	logx "notebookrunner/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	level := cfg.Logging.Level
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./notebookrunner.ledger.jsonl"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Workers: 2, QueueSize: 64, HistorySize: 100, RetryMax: 3}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: counts must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, 500*time.Millisecond); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("task_engine.retry_max_delay", te.RetryMaxDelay, 15*time.Second); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapNotifierConfig returns the notifier config and, when enabled, the
// Telegram target.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, *notifier.TelegramConfig, error) {
	n := cfg.Notifier
	if n == nil || !n.Telegram.Enabled {
		return notifier.Config{}, nil, nil
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	return notifier.Config{
			Enabled:     true,
			RatePerSec:  n.Telegram.RatePerSec,
			DedupWindow: dedup,
		}, &notifier.TelegramConfig{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		}, nil
}

// DeployOptions maps the orchestrator and deployment sections.
func DeployOptions(cfg *config.Config) (deploy.Options, error) {
	timeout, err := config.ParseDurationField("orchestrator.timeout", cfg.Orchestrator.Timeout)
	if err != nil {
		return deploy.Options{}, err
	}
	return deploy.Options{
		Entrypoint: cfg.Deployment.Entrypoint,
		Path:       cfg.Deployment.Path,
		Tags:       append([]string(nil), cfg.Deployment.Tags...),
		APIKey:     cfg.Orchestrator.APIKey,
		Timeout:    timeout,
		RetryMax:   cfg.Orchestrator.RetryMax,
		RatePerSec: cfg.Orchestrator.RatePerSec,
	}, nil
}

// ReportSpec turns a configured report into a job spec. The report's api_url
// falls back to orchestrator.api_url.
func ReportSpec(cfg *config.Config, r config.ReportConfig) job.Spec {
	api := strings.TrimSpace(r.APIURL)
	if api == "" {
		api = cfg.Orchestrator.APIURL
	}
	return job.Spec{
		APIURL:      api,
		Name:        r.Name,
		NotebookURL: r.NotebookURL,
		Queue:       r.Queue,
		Schedule:    r.Schedule,
		Timezone:    r.Timezone,
		Parameters:  r.Parameters,
	}
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	d := cfg.Debug
	if d == nil {
		return debugsrv.Config{}
	}
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Prefix:        d.Prefix,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
	}
}
