// Package deploy turns a job spec into an orchestrator deployment and
// registers it.
//
// Two Registrar implementations exist: Direct (in-process, here) and
// handoff.Relaunch (from a freshly started child process).
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notebookrunner/internal/flow"
	"notebookrunner/internal/job"
	"notebookrunner/internal/orchestrator"
	logx "notebookrunner/pkg/logx"
)

// Version is the deployment version sent with every registration.
const Version = "1"

// Options are the deployment-level knobs that are not part of a job spec.
type Options struct {
	Entrypoint string   `json:"entrypoint,omitempty"`
	Path       string   `json:"path,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// Client settings used when a registrar builds its own client.
	APIKey     string        `json:"api_key,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	RetryMax   int           `json:"retry_max,omitempty"`
	RatePerSec int           `json:"rate_per_sec,omitempty"`
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Entrypoint) == "" {
		o.Entrypoint = flow.DefaultEntrypoint
	}
	if strings.TrimSpace(o.Path) == "" {
		o.Path = "."
	}
	return o
}

// ClientConfig derives the orchestrator client config for apiURL.
func (o Options) ClientConfig(apiURL string) orchestrator.Config {
	return orchestrator.Config{
		BaseURL:    apiURL,
		APIKey:     o.APIKey,
		Timeout:    o.Timeout,
		RetryMax:   o.RetryMax,
		RatePerSec: o.RatePerSec,
	}
}

// Build validates spec and renders the deployment request.
// FlowID is left empty; Register fills it once the flow exists.
func Build(spec job.Spec, opts Options) (orchestrator.DeploymentCreate, error) {
	sch, err := spec.Validate()
	if err != nil {
		return orchestrator.DeploymentCreate{}, err
	}
	opts = opts.withDefaults()

	tags := append([]string{}, opts.Tags...)
	return orchestrator.DeploymentCreate{
		Name:                   spec.Name,
		Version:                Version,
		Description:            flow.Description,
		WorkQueueName:          spec.Queue,
		Schedule:               &sch,
		IsScheduleActive:       true,
		Parameters:             flow.DeploymentParameters(spec.Name, spec.NotebookURL, spec.Parameters),
		ParameterOpenAPISchema: flow.ParameterSchema(),
		Tags:                   tags,
		Path:                   opts.Path,
		Entrypoint:             opts.Entrypoint,
	}, nil
}

// API is the subset of the orchestrator client Register needs.
type API interface {
	CreateFlow(ctx context.Context, name string) (orchestrator.Flow, error)
	CreateDeployment(ctx context.Context, d orchestrator.DeploymentCreate) (orchestrator.Deployment, error)
}

// Register builds the deployment for spec, makes sure its flow exists and
// upserts the deployment. The flow is named after the job.
func Register(ctx context.Context, api API, spec job.Spec, opts Options) (orchestrator.Deployment, error) {
	req, err := Build(spec, opts)
	if err != nil {
		return orchestrator.Deployment{}, err
	}
	return apply(ctx, api, req)
}

func apply(ctx context.Context, api API, req orchestrator.DeploymentCreate) (orchestrator.Deployment, error) {
	f, err := api.CreateFlow(ctx, req.Name)
	if err != nil {
		return orchestrator.Deployment{}, err
	}
	req.FlowID = f.ID
	return api.CreateDeployment(ctx, req)
}

// Registrar registers one job spec and returns the resulting deployment.
type Registrar interface {
	Register(ctx context.Context, spec job.Spec, opts Options) (orchestrator.Deployment, error)
}

// RegistrarFunc adapts a function to Registrar.
type RegistrarFunc func(ctx context.Context, spec job.Spec, opts Options) (orchestrator.Deployment, error)

func (f RegistrarFunc) Register(ctx context.Context, spec job.Spec, opts Options) (orchestrator.Deployment, error) {
	return f(ctx, spec, opts)
}

// Direct registers in the current process with a client bound to spec.APIURL.
// A new client is built per call, so no connection settings leak between jobs.
type Direct struct {
	Log logx.Logger
}

func (d Direct) Register(ctx context.Context, spec job.Spec, opts Options) (orchestrator.Deployment, error) {
	req, err := Build(spec, opts)
	if err != nil {
		return orchestrator.Deployment{}, err
	}
	c, err := orchestrator.New(opts.ClientConfig(spec.APIURL), d.Log)
	if err != nil {
		return orchestrator.Deployment{}, fmt.Errorf("orchestrator client: %w", err)
	}

	start := time.Now()
	dep, err := apply(ctx, c, req)
	if err != nil {
		return orchestrator.Deployment{}, err
	}
	d.Log.Info("deployment registered",
		logx.String("name", dep.Name),
		logx.String("deployment_id", dep.ID.String()),
		logx.String("queue", dep.WorkQueueName),
		logx.Duration("took", time.Since(start)),
	)
	return dep, nil
}
