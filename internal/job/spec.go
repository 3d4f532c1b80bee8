package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"notebookrunner/internal/schedule"
)

// Spec is everything needed to register one scheduled notebook report.
//
// It has no identity beyond Name and is never persisted by this tool; the
// orchestrator owns the resulting deployment record.
type Spec struct {
	APIURL      string         `json:"api_url"`
	Name        string         `json:"name"`
	NotebookURL string         `json:"notebook_url"`
	Queue       string         `json:"queue"`
	Schedule    string         `json:"schedule"`
	Timezone    string         `json:"timezone,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ValidationError reports which field of a Spec was rejected.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err (or anything it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the spec and returns the parsed schedule.
func (s Spec) Validate() (schedule.Schedule, error) {
	if err := checkHTTPURL(s.APIURL); err != nil {
		return schedule.Schedule{}, &ValidationError{Field: "api_url", Err: err}
	}
	if strings.TrimSpace(s.Name) == "" {
		return schedule.Schedule{}, &ValidationError{Field: "name", Err: errors.New("required")}
	}
	if err := checkHTTPURL(s.NotebookURL); err != nil {
		return schedule.Schedule{}, &ValidationError{Field: "notebook_url", Err: err}
	}
	if strings.TrimSpace(s.Queue) == "" {
		return schedule.Schedule{}, &ValidationError{Field: "queue", Err: errors.New("required")}
	}
	sch, err := schedule.Parse(s.Schedule, s.Timezone)
	if err != nil {
		return schedule.Schedule{}, &ValidationError{Field: "schedule", Err: err}
	}
	return sch, nil
}

func checkHTTPURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: host required", raw)
	}
	return nil
}

// ParseParams turns repeated "key=value" flags into a parameter map.
//
// Values that decode as JSON keep their JSON type ("n=3" is a number,
// "tags=[\"a\"]" a list); anything else is kept as a plain string.
func ParseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", p)
		}
		out[k] = decodeValue(v)
	}
	return out, nil
}

func decodeValue(v string) any {
	var x any
	dec := json.NewDecoder(bytes.NewReader([]byte(v)))
	dec.UseNumber()
	if err := dec.Decode(&x); err != nil || dec.More() {
		return v
	}
	return x
}

// MergeParams decodes a JSON object (may be empty) and overlays pairs on it.
func MergeParams(rawJSON string, pairs []string) (map[string]any, error) {
	var base map[string]any
	if s := strings.TrimSpace(rawJSON); s != "" {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&base); err != nil {
			return nil, fmt.Errorf("parameters must be a JSON object: %w", err)
		}
	}
	kv, err := ParseParams(pairs)
	if err != nil {
		return nil, err
	}
	if len(kv) == 0 {
		return base, nil
	}
	if base == nil {
		base = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		base[k] = v
	}
	return base, nil
}
