package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"notebookrunner/internal/schedule"
)

// Flow is the orchestrator's flow record. Flows are keyed by name.
type Flow struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Tags    []string  `json:"tags,omitempty"`
	Created time.Time `json:"created,omitempty"`
}

// DeploymentCreate is the request body for POST /deployments/.
//
// The orchestrator upserts on (flow_id, name), so submitting the same
// deployment twice updates it in place.
type DeploymentCreate struct {
	Name             string             `json:"name"`
	FlowID           uuid.UUID          `json:"flow_id"`
	Version          string             `json:"version,omitempty"`
	Description      string             `json:"description,omitempty"`
	WorkQueueName    string             `json:"work_queue_name,omitempty"`
	Schedule         *schedule.Schedule `json:"schedule,omitempty"`
	IsScheduleActive bool               `json:"is_schedule_active"`
	// Parameters always serializes (null "parameters" entries included):
	// they are the flow's call arguments.
	Parameters             map[string]any `json:"parameters"`
	ParameterOpenAPISchema map[string]any `json:"parameter_openapi_schema,omitempty"`
	Tags                   []string       `json:"tags"`
	Path                   string         `json:"path,omitempty"`
	Entrypoint             string         `json:"entrypoint,omitempty"`
}

// Deployment is the orchestrator's persisted deployment record.
type Deployment struct {
	ID               uuid.UUID          `json:"id"`
	Name             string             `json:"name"`
	FlowID           uuid.UUID          `json:"flow_id"`
	Version          string             `json:"version,omitempty"`
	Description      string             `json:"description,omitempty"`
	WorkQueueName    string             `json:"work_queue_name,omitempty"`
	Schedule         *schedule.Schedule `json:"schedule,omitempty"`
	IsScheduleActive bool               `json:"is_schedule_active"`
	Parameters       map[string]any     `json:"parameters,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Path             string             `json:"path,omitempty"`
	Entrypoint       string             `json:"entrypoint,omitempty"`
	Created          time.Time          `json:"created,omitempty"`
	Updated          time.Time          `json:"updated,omitempty"`
}
