package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Registration modes.
const (
	ModeDirect   = "direct"
	ModeIsolated = "isolated"
)

// Record is one registration attempt. Keep it compact and schema-stable.
type Record struct {
	At           time.Time `json:"at"`
	Name         string    `json:"name"`
	Queue        string    `json:"queue"`
	Schedule     string    `json:"schedule"`
	APIURL       string    `json:"api_url"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Mode         string    `json:"mode"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
	TookMS       int64     `json:"took_ms"`
}

// Store is the ledger API.
type Store interface {
	Append(ctx context.Context, r Record) error
	// List returns up to limit records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
