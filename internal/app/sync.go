package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notebookrunner/internal/config"
	"notebookrunner/internal/job"
	"notebookrunner/internal/orchestrator"
	"notebookrunner/internal/task/engine"
	logx "notebookrunner/pkg/logx"
	"notebookrunner/pkg/systemd"
)

// SyncResult is the outcome of registering one configured report.
type SyncResult struct {
	Name       string
	Deployment orchestrator.Deployment
	Attempts   int
	Err        error
	// Skipped is set when a registration for the same report was still in
	// flight.
	Skipped bool
}

// SyncError reports the failed results of a sync.
type SyncError struct {
	Failed []SyncResult
}

func (e *SyncError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, r := range e.Failed {
		names = append(names, r.Name)
	}
	return fmt.Sprintf("%d report(s) failed: %s", len(e.Failed), strings.Join(names, ", "))
}

func (e *SyncError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, r := range e.Failed {
		out = append(out, r.Err)
	}
	return out
}

// SyncErr returns a *SyncError when any result failed.
func SyncErr(results []SyncResult) error {
	var failed []SyncResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &SyncError{Failed: failed}
}

func taskID(name string) string { return "register:" + name }

// Sync registers the reports of cfg named in names (all of them when names is
// empty) through the task engine and waits for every outcome. The engine must
// be started. Once ctx is done, tasks that have not started fail with
// ctx.Err() and running ones see their context cancelled.
func (a *App) Sync(ctx context.Context, cfg *config.Config, names []string) []SyncResult {
	if cfg == nil {
		cfg = a.Config()
	}
	reports := cfg.Reports
	if len(names) > 0 {
		byName := make(map[string]config.ReportConfig, len(cfg.Reports))
		for _, r := range cfg.Reports {
			byName[r.Name] = r
		}
		reports = make([]config.ReportConfig, 0, len(names))
		for _, n := range names {
			r, ok := byName[n]
			if !ok {
				r = config.ReportConfig{Name: n}
			}
			reports = append(reports, r)
		}
	}

	results := make([]SyncResult, len(reports))
	opts, optsErr := DeployOptions(cfg)

	var wg sync.WaitGroup
	for i, r := range reports {
		results[i].Name = r.Name
		if optsErr != nil {
			results[i].Err = optsErr
			continue
		}
		spec := ReportSpec(cfg, r)
		res := &results[i]
		var lastErr error

		wg.Add(1)
		err := a.engine.Submit(ctx, engine.Task{
			ID:   taskID(r.Name),
			Name: r.Name,
			Opt:  engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
			Run: func(c context.Context) error {
				if err := ctx.Err(); err != nil {
					return engine.NoRetry(err)
				}
				c, cancel := context.WithCancel(c)
				defer cancel()
				defer context.AfterFunc(ctx, cancel)()

				if _, err := spec.Validate(); err != nil {
					lastErr = err
					a.record(c, spec, a.Mode(), orchestrator.Deployment{}, err, 0)
					return engine.NoRetry(err)
				}
				dep, err := a.Register(c, spec, opts)
				if err != nil {
					lastErr = err
					if ctx.Err() != nil {
						return engine.NoRetry(err)
					}
					return classify(err)
				}
				res.Deployment = dep
				return nil
			},
			Done: func(er engine.Result) {
				defer wg.Done()
				res.Attempts = er.Attempts
				res.Err = er.Err
				// Report the registrar's error, not the retry marker around it.
				if lastErr != nil && errors.Is(er.Err, lastErr) {
					res.Err = lastErr
				}
			},
		})
		if err != nil {
			wg.Done()
			if errors.Is(err, engine.ErrOverlapSkip) {
				res.Skipped = true
			} else {
				res.Err = err
			}
		}
	}
	wg.Wait()

	for _, r := range results {
		switch {
		case r.Skipped:
			a.log.Info("report skipped, registration in flight", logx.String("name", r.Name))
		case r.Err != nil:
			a.log.Error("report registration failed",
				logx.String("name", r.Name), logx.Int("attempts", r.Attempts), logx.Err(r.Err))
		}
	}
	return results
}

// classify decides whether a registration error is worth another attempt.
func classify(err error) error {
	var apiErr *orchestrator.APIError
	switch {
	case job.IsValidation(err), errors.Is(err, context.Canceled):
		return engine.NoRetry(err)
	case errors.As(err, &apiErr):
		if !apiErr.Temporary() {
			return engine.NoRetry(err)
		}
		if apiErr.RetryAfter > 0 {
			return engine.RetryAfter(err, apiErr.RetryAfter)
		}
	}
	return err
}

// Watch runs an initial sync, then re-syncs whenever the config file changes,
// until ctx is done. Start must have been called.
func (a *App) Watch(ctx context.Context) error {
	if a.sup == nil {
		return errors.New("app not started")
	}
	updates := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(updates)

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		systemd.Watchdog(c, a.log)
		return nil
	})

	current := a.Config()
	if err := a.debug.Reconfigure(ctx, mapDebugConfig(current)); err != nil {
		a.log.Error("debug server not started", logx.Err(err))
	}
	a.syncStatus(a.Sync(ctx, current, nil))
	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	a.log.Info("watching config", logx.String("path", a.cfgm.Path()), logx.Int("reports", len(current.Reports)))

	for {
		select {
		case <-ctx.Done():
			_, _ = systemd.Stopping()
			return nil
		case <-a.sup.Context().Done():
			_, _ = systemd.Stopping()
			return a.sup.Err()
		case next, ok := <-updates:
			if !ok {
				return nil
			}
			a.applyConfig(current, next)
			current = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs, rc := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.log.Info("config reloaded", append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)
	if err := a.logs.Apply(mapLogConfig(next)); err != nil {
		a.log.Warn("logging reload kept the previous file sink", logx.Err(err))
	}

	var resyncAll bool
	for _, s := range changed {
		switch s {
		case "storage", "task_engine", "notifier":
			a.log.Warn("config section changed, restart required to apply", logx.String("section", s))
		case "debug":
			if err := a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(next)); err != nil {
				a.log.Error("debug server reconfigure failed", logx.Err(err))
			}
		case "orchestrator", "deployment":
			resyncAll = true
		}
	}
	if resyncAll {
		if err := a.selectRegistrar(next); err != nil {
			a.log.Error("deployment settings rejected", logx.Err(err))
			return
		}
	}
	for _, n := range rc.Removed {
		a.log.Warn("report removed from config, its deployment is left in place", logx.String("name", n))
	}

	var names []string
	if !resyncAll {
		names = append(append(names, rc.Added...), rc.Changed...)
		if len(names) == 0 {
			return
		}
	}
	a.sup.Go("resync", func(c context.Context) error {
		a.syncStatus(a.Sync(c, next, names))
		return nil
	})
}

func (a *App) syncStatus(results []SyncResult) {
	sum := &SyncSummary{At: time.Now()}
	for _, r := range results {
		switch {
		case r.Skipped:
			sum.Skipped++
		case r.Err != nil:
			sum.Failed++
			if sum.Failures == nil {
				sum.Failures = map[string]string{}
			}
			sum.Failures[r.Name] = r.Err.Error()
		default:
			sum.OK++
		}
	}
	a.statusMu.Lock()
	a.lastSync = sum
	a.statusMu.Unlock()

	a.log.Info("sync finished", logx.Int("ok", sum.OK), logx.Int("failed", sum.Failed), logx.Int("skipped", sum.Skipped))
	_, _ = systemd.Status(fmt.Sprintf("synced %d, failed %d, skipped %d", sum.OK, sum.Failed, sum.Skipped))
}
