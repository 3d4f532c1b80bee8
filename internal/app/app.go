// Package app wires configuration, logging, the ledger, the task engine and
// the notifier around the deployment registrars.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"notebookrunner/internal/config"
	"notebookrunner/internal/deploy"
	"notebookrunner/internal/eventbus"
	"notebookrunner/internal/handoff"
	"notebookrunner/internal/job"
	"notebookrunner/internal/notifier"
	"notebookrunner/internal/observability/debugsrv"
	"notebookrunner/internal/orchestrator"
	rtsup "notebookrunner/internal/runtime/supervisor"
	"notebookrunner/internal/storage"
	"notebookrunner/internal/task/engine"
	logx "notebookrunner/pkg/logx"
)

// Options control how an App is built.
type Options struct {
	ConfigPath string
	// RequireConfig makes a missing config file an error.
	RequireConfig bool
	// Isolated overrides deployment.isolated when non-nil.
	Isolated *bool
	// ChildArgs go before "handoff <bundle>" when relaunching.
	ChildArgs []string
	// Registrar replaces the registrar chosen from config.
	Registrar deploy.Registrar
	// Stderr receives relaunched children's stderr.
	Stderr io.Writer
}

type App struct {
	opts Options

	cfgm  *config.Manager
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	notif  *notifier.Service
	sup    *rtsup.Supervisor
	debug  *debugsrv.Server

	statusMu sync.Mutex
	lastSync *SyncSummary

	regMu     sync.RWMutex
	registrar deploy.Registrar
	mode      string
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	var (
		cfg *config.Config
		err error
	)
	if opts.RequireConfig {
		cfg, err = cfgm.Load()
	} else {
		cfg, err = cfgm.LoadOptional()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	a := &App{opts: opts, cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New()}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, a.closeOnErr(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, a.closeOnErr(fmt.Errorf("storage: %w", err))
		}
		a.store = st
		a.log.Debug("ledger enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	a.engine = engine.New(engCfg, log, a.bus)

	ncfg, tg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	var sender notifier.Sender
	if tg != nil {
		t, err := notifier.NewTelegram(*tg)
		if err != nil {
			return nil, a.closeOnErr(fmt.Errorf("notifier: %w", err))
		}
		sender = t
	}
	a.notif = notifier.New(ncfg, sender, log)

	if err := a.selectRegistrar(cfg); err != nil {
		return nil, a.closeOnErr(err)
	}
	a.debug = debugsrv.New(log, func() any { return a.Status() })
	return a, nil
}

func (a *App) closeOnErr(err error) error {
	_ = a.Close()
	return err
}

// Close releases the ledger and the log file.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger    { return a.log }

// Mode reports how deployments are registered: storage.ModeDirect or
// storage.ModeIsolated.
func (a *App) Mode() string {
	a.regMu.RLock()
	defer a.regMu.RUnlock()
	return a.mode
}

func (a *App) selectRegistrar(cfg *config.Config) error {
	isolated := cfg.Deployment.Isolated
	if a.opts.Isolated != nil {
		isolated = *a.opts.Isolated
	}
	timeout, err := config.ParseDurationField("deployment.handoff_timeout", cfg.Deployment.HandoffTimeout)
	if err != nil {
		return err
	}

	var (
		reg  deploy.Registrar
		mode = storage.ModeDirect
	)
	switch {
	case a.opts.Registrar != nil:
		reg = a.opts.Registrar
		if isolated {
			mode = storage.ModeIsolated
		}
	case isolated:
		reg = &handoff.Relaunch{
			Args:    a.opts.ChildArgs,
			Timeout: timeout,
			Stderr:  a.opts.Stderr,
			Log:     a.log.With(logx.String("comp", "handoff")),
		}
		mode = storage.ModeIsolated
	default:
		reg = deploy.Direct{Log: a.log.With(logx.String("comp", "deploy"))}
	}

	a.regMu.Lock()
	a.registrar, a.mode = reg, mode
	a.regMu.Unlock()
	return nil
}

// Register registers spec through the configured registrar and appends the
// attempt to the ledger.
func (a *App) Register(ctx context.Context, spec job.Spec, opts deploy.Options) (orchestrator.Deployment, error) {
	a.regMu.RLock()
	reg, mode := a.registrar, a.mode
	a.regMu.RUnlock()

	start := time.Now()
	dep, err := reg.Register(ctx, spec, opts)
	a.record(ctx, spec, mode, dep, err, time.Since(start))
	return dep, err
}

func (a *App) record(ctx context.Context, spec job.Spec, mode string, dep orchestrator.Deployment, err error, took time.Duration) {
	if a.store == nil {
		return
	}
	r := storage.Record{
		At:       time.Now(),
		Name:     spec.Name,
		Queue:    spec.Queue,
		Schedule: strings.TrimSpace(spec.Schedule),
		APIURL:   spec.APIURL,
		Mode:     mode,
		OK:       err == nil,
		TookMS:   took.Milliseconds(),
	}
	if err != nil {
		r.Error = err.Error()
	} else {
		r.DeploymentID = dep.ID.String()
	}
	// Recorded even when the caller's ctx is done.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if werr := a.store.Append(wctx, r); werr != nil {
		a.log.Warn("ledger append failed", logx.String("name", spec.Name), logx.Err(werr))
	}
}

// History returns ledger records, newest first.
func (a *App) History(ctx context.Context, limit int) ([]storage.Record, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.List(ctx, limit)
}

// Start launches the task engine and the notifier.
func (a *App) Start(ctx context.Context) {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.engine.Start(a.sup.Context())
	a.sup.Go("notifier", func(c context.Context) error { return a.notif.Run(c, a.bus) })
}

// Stop stops the debug server, the engine, then every supervised goroutine.
func (a *App) Stop(ctx context.Context) error {
	if err := a.debug.Stop(ctx); err != nil {
		a.log.Warn("debug server stop failed", logx.Err(err))
	}
	a.engine.Stop(ctx)
	if a.sup == nil {
		return nil
	}
	err := a.sup.Stop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SyncSummary describes the most recent sync.
type SyncSummary struct {
	At       time.Time         `json:"at"`
	OK       int               `json:"ok"`
	Failed   int               `json:"failed"`
	Skipped  int               `json:"skipped"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Status is the document served at the debug server's /status.
type Status struct {
	ConfigPath    string          `json:"config_path"`
	Mode          string          `json:"mode"`
	Reports       int             `json:"reports"`
	LastSync      *SyncSummary    `json:"last_sync,omitempty"`
	Engine        engine.Snapshot `json:"engine"`
	Supervisor    rtsup.Counters  `json:"supervisor"`
	Notifications int             `json:"notifications"`
}

func (a *App) Status() Status {
	st := Status{
		ConfigPath:    a.cfgm.Path(),
		Mode:          a.Mode(),
		Engine:        a.engine.Snapshot(),
		Notifications: len(a.notif.History()),
	}
	if cfg := a.Config(); cfg != nil {
		st.Reports = len(cfg.Reports)
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
	}
	a.statusMu.Lock()
	if a.lastSync != nil {
		cp := *a.lastSync
		st.LastSync = &cp
	}
	a.statusMu.Unlock()
	return st
}
