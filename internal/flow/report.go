// Package flow holds the reusable two-step "run report" workflow that every
// registered deployment points at.
//
// The notebook step is a stub: it logs what it would run and returns a fixed
// placeholder. Fetching, executing and mailing notebooks is left to the
// workers that pick the deployment up.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	logx "notebookrunner/pkg/logx"
)

const (
	// Description is stored on every deployment.
	Description = "Run a notebook and report via email."

	// DefaultEntrypoint is the "<module>:<function>" the deployment tells
	// workers to invoke.
	DefaultEntrypoint = "notebookrunner:run_report"

	// Placeholder is what the notebook step returns until real execution exists.
	Placeholder = "intentionally left blank"

	DefaultRetries = 1
)

// Params are the flow's call arguments as stored in the deployment.
type Params struct {
	Name        string         `json:"name"`
	NotebookURL string         `json:"notebook_url"`
	Parameters  map[string]any `json:"parameters"`
	Retries     int            `json:"retries,omitempty"`
}

// DeploymentParameters renders the parameters map a deployment carries.
// "parameters" is always present (null when unset): it is what the notebook receives.
func DeploymentParameters(name, notebookURL string, params map[string]any) map[string]any {
	var p any
	if params != nil {
		p = params
	}
	return map[string]any{
		"name":         name,
		"notebook_url": notebookURL,
		"parameters":   p,
	}
}

// ParameterSchema is the JSON schema of Params, stored by the orchestrator so
// its UI can render a run form.
func ParameterSchema() map[string]any {
	return map[string]any{
		"title": "Parameters",
		"type":  "object",
		"properties": map[string]any{
			"name": map[string]any{
				"title":    "name",
				"position": 0,
				"type":     "string",
			},
			"notebook_url": map[string]any{
				"title":     "notebook_url",
				"position":  1,
				"type":      "string",
				"format":    "uri",
				"minLength": 1,
				"maxLength": 65536,
			},
			"parameters": map[string]any{
				"title":    "parameters",
				"position": 2,
				"type":     "object",
			},
			"retries": map[string]any{
				"title":    "retries",
				"position": 3,
				"default":  DefaultRetries,
				"type":     "integer",
			},
		},
		"required": []string{"name", "notebook_url"},
	}
}

// ExecuteNotebook is the notebook step.
func ExecuteNotebook(ctx context.Context, log logx.Logger, notebookURL string, params map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	log.Info(fmt.Sprintf("Will run %s with the following parameters %v", notebookURL, params))
	return Placeholder, nil
}

// RunReport runs the two steps: execute the notebook, then log what it returned.
func RunReport(ctx context.Context, log logx.Logger, p Params) (string, error) {
	if strings.TrimSpace(p.Name) == "" {
		return "", errors.New("name required")
	}
	if strings.TrimSpace(p.NotebookURL) == "" {
		return "", errors.New("notebook_url required")
	}
	if p.Retries == 0 {
		p.Retries = DefaultRetries
	}

	runLog := log.With(
		logx.String("flow", p.Name),
		logx.String("run_id", uuid.NewString()),
	)
	runLog.Debug("flow run started", logx.Int("retries", p.Retries))

	body, err := ExecuteNotebook(ctx, runLog.With(logx.String("task", "execute_notebook")), p.NotebookURL, p.Parameters)
	if err != nil {
		runLog.Error("flow run failed", logx.Err(err))
		return "", err
	}

	runLog.Info(fmt.Sprintf("Notebook returned: %s", body))
	return body, nil
}
