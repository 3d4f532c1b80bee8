// Package orchestrator is a small client for the workflow orchestration
// service's REST API (flows and deployments).
//
// Transport retries (5xx, 429, connection errors) are handled by
// hashicorp/go-retryablehttp; anything else surfaces as *APIError.
package orchestrator
