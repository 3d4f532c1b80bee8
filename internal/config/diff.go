package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notebookrunner/pkg/logx"
)

// ReportChanges lists report names by what happened to them between two configs.
type ReportChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c ReportChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured fields for logging (never includes the API key or bot
// token), and (3) the per-report changes that a re-sync must register.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, ReportChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Orchestrator.APIURL != newCfg.Orchestrator.APIURL ||
		oldCfg.Orchestrator.Timeout != newCfg.Orchestrator.Timeout ||
		oldCfg.Orchestrator.RetryMax != newCfg.Orchestrator.RetryMax ||
		oldCfg.Orchestrator.RatePerSec != newCfg.Orchestrator.RatePerSec ||
		(oldCfg.Orchestrator.APIKey != "") != (newCfg.Orchestrator.APIKey != "") {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.String("orchestrator.api_url", newCfg.Orchestrator.APIURL),
			logx.Bool("orchestrator.api_key_set", newCfg.Orchestrator.APIKey != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Deployment, newCfg.Deployment) {
		changed = append(changed, "deployment")
		attrs = append(attrs,
			logx.String("deployment.entrypoint", newCfg.Deployment.Entrypoint),
			logx.Bool("deployment.isolated", newCfg.Deployment.Isolated),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		if d := newCfg.Debug; d != nil {
			attrs = append(attrs,
				logx.Bool("debug.enabled", d.Enabled),
				logx.String("debug.addr", d.Addr),
				logx.Bool("debug.token_set", d.Token != ""),
			)
		}
	}

	rc := diffReports(oldCfg.Reports, newCfg.Reports)
	if !rc.Empty() {
		changed = append(changed, "reports")
		attrs = append(attrs,
			logx.String("reports.added", strings.Join(rc.Added, ",")),
			logx.String("reports.removed", strings.Join(rc.Removed, ",")),
			logx.String("reports.changed", strings.Join(rc.Changed, ",")),
		)
	}

	return changed, attrs, rc
}

func diffReports(oldR, newR []ReportConfig) ReportChanges {
	oldBy := make(map[string]ReportConfig, len(oldR))
	for _, r := range oldR {
		oldBy[r.Name] = r
	}
	newBy := make(map[string]ReportConfig, len(newR))
	for _, r := range newR {
		newBy[r.Name] = r
	}

	var rc ReportChanges
	for name, nr := range newBy {
		or, ok := oldBy[name]
		switch {
		case !ok:
			rc.Added = append(rc.Added, name)
		case !reflect.DeepEqual(or, nr):
			rc.Changed = append(rc.Changed, name)
		}
	}
	for name := range oldBy {
		if _, ok := newBy[name]; !ok {
			rc.Removed = append(rc.Removed, name)
		}
	}
	sort.Strings(rc.Added)
	sort.Strings(rc.Removed)
	sort.Strings(rc.Changed)
	return rc
}
