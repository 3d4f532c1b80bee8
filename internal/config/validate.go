package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate checks config-level invariants that do not need the job model:
// durations parse, report names are present and unique, drivers are known.
// Per-report field validation happens when a report becomes a job spec.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("orchestrator.timeout", c.Orchestrator.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("deployment.handoff_timeout", c.Deployment.HandoffTimeout); err != nil {
		return err
	}
	if te := c.TaskEngine; te != nil {
		for path, raw := range map[string]string{
			"task_engine.default_timeout": te.DefaultTimeout,
			"task_engine.retry_base":      te.RetryBase,
			"task_engine.retry_max_delay": te.RetryMaxDelay,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}
	if n := c.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return err
		}
	}
	if n := c.Notifier; n != nil && n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return fmt.Errorf("notifier.telegram.token is required when enabled")
		}
		if n.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram.chat_id is required when enabled")
		}
	}

	if d := c.Debug; d != nil && d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			return fmt.Errorf("debug.addr: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Reports))
	for i, r := range c.Reports {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("reports[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("reports[%d]: duplicate report name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
