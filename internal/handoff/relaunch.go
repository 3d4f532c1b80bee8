package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"notebookrunner/internal/deploy"
	"notebookrunner/internal/job"
	"notebookrunner/internal/orchestrator"
	logx "notebookrunner/pkg/logx"
)

// Command is the subcommand the child is started with.
const Command = "handoff"

// ChildError is a registration failure reported by the child process.
// Cause is the rebuilt *orchestrator.APIError or *job.ValidationError when
// the child's error was one of those.
type ChildError struct {
	Msg   string
	Cause error
}

func (e *ChildError) Error() string { return "handoff child: " + e.Msg }
func (e *ChildError) Unwrap() error { return e.Cause }

// Relaunch is a deploy.Registrar that registers from a new process.
//
// The call blocks until the child exits. There is no deadline unless ctx has
// one or Timeout is set; either kills the child when it expires.
type Relaunch struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args are placed before "handoff <bundle>", e.g. global flags.
	Args    []string
	Env     []string
	Timeout time.Duration
	// Stderr receives the child's stderr; defaults to logx.Stderr().
	Stderr io.Writer
	// TempDir is the parent for the per-call temp dir; defaults to os.TempDir().
	TempDir string
	Log     logx.Logger
}

var _ deploy.Registrar = (*Relaunch)(nil)

func (r *Relaunch) Register(ctx context.Context, spec job.Spec, opts deploy.Options) (orchestrator.Deployment, error) {
	exe := r.Executable
	if exe == "" {
		p, err := os.Executable()
		if err != nil {
			return orchestrator.Deployment{}, fmt.Errorf("handoff: locate executable: %w", err)
		}
		exe = p
	}

	dir, err := os.MkdirTemp(r.TempDir, "notebookrunner-handoff-")
	if err != nil {
		return orchestrator.Deployment{}, fmt.Errorf("handoff: temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.Log.Warn("handoff temp dir cleanup failed", logx.String("dir", dir), logx.Err(err))
		}
	}()

	path, err := Write(dir, Bundle{Spec: spec, Options: opts})
	if err != nil {
		return orchestrator.Deployment{}, err
	}
	b, err := Read(path)
	if err != nil {
		return orchestrator.Deployment{}, err
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Args...), Command, path)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = logx.Stderr()
	}
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	start := time.Now()
	r.Log.Debug("handoff child starting", logx.String("exe", exe), logx.String("bundle", path))
	runErr := cmd.Run()

	res, readErr := ReadResult(b.ResultPath)
	switch {
	case readErr == nil && res.Error != "":
		return orchestrator.Deployment{}, res.childError()
	case readErr == nil && res.Deployment != nil:
		r.Log.Debug("handoff child finished", logx.Duration("took", time.Since(start)))
		return *res.Deployment, nil
	case ctx.Err() != nil:
		return orchestrator.Deployment{}, fmt.Errorf("handoff: child aborted: %w", ctx.Err())
	case runErr != nil:
		return orchestrator.Deployment{}, fmt.Errorf("handoff: child failed: %w", runErr)
	case readErr != nil:
		return orchestrator.Deployment{}, readErr
	default:
		return orchestrator.Deployment{}, errors.New("handoff: child wrote an empty result")
	}
}

// Serve is the child side: it reads the bundle at path, registers through reg
// and records the outcome in the bundle's result file. The returned error is
// the registration error, so the child can exit non-zero.
func Serve(ctx context.Context, path string, reg deploy.Registrar) error {
	b, err := Read(path)
	if err != nil {
		return err
	}
	if b.ResultPath == "" {
		return errors.New("handoff: bundle has no result_path")
	}

	dep, regErr := reg.Register(ctx, b.Spec, b.Options)
	res := Result{Deployment: &dep}
	if regErr != nil {
		res = failureResult(regErr)
	}
	if err := WriteResult(b.ResultPath, res); err != nil {
		return errors.Join(regErr, err)
	}
	return regErr
}
