// Package handoff runs a deployment registration in a fresh child process.
//
// The parent writes a Bundle to a temporary file and re-executes its own
// binary with the "handoff" command. The child reads the bundle, registers
// the deployment in-process and writes a Result next to the bundle.
package handoff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"notebookrunner/internal/deploy"
	"notebookrunner/internal/job"
	"notebookrunner/internal/orchestrator"
)

// MarkerKey identifies a bundle file. Its value must be MarkerVersion.
const (
	MarkerKey     = "notebookrunner_handoff"
	MarkerVersion = 1

	bundleName = "bundle.json"
	resultName = "result.json"
)

// ErrNotHandoff is returned by Read for files without the marker key.
var ErrNotHandoff = errors.New("handoff: not a handoff bundle")

// Bundle is the serialized argument set passed to the child.
type Bundle struct {
	Marker     int            `json:"notebookrunner_handoff"`
	Spec       job.Spec       `json:"spec"`
	Options    deploy.Options `json:"options"`
	ResultPath string         `json:"result_path"`
}

// Result is what the child reports back. Exactly one of Deployment and Error
// is set. APIError and Invalid keep the type of the child's error so the
// parent can tell permanent rejections from temporary ones.
type Result struct {
	Deployment *orchestrator.Deployment `json:"deployment,omitempty"`
	Error      string                   `json:"error,omitempty"`
	APIError   *orchestrator.APIError   `json:"api_error,omitempty"`
	Invalid    *Invalid                 `json:"invalid,omitempty"`
}

// Invalid is a job.ValidationError in wire form.
type Invalid struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func failureResult(err error) Result {
	res := Result{Error: err.Error()}
	var ae *orchestrator.APIError
	if errors.As(err, &ae) {
		res.APIError = ae
	}
	var ve *job.ValidationError
	if errors.As(err, &ve) {
		reason := ""
		if ve.Err != nil {
			reason = ve.Err.Error()
		}
		res.Invalid = &Invalid{Field: ve.Field, Reason: reason}
	}
	return res
}

// childError rebuilds the child's failure on the parent side.
func (r Result) childError() *ChildError {
	ce := &ChildError{Msg: r.Error}
	switch {
	case r.APIError != nil:
		ce.Cause = r.APIError
	case r.Invalid != nil:
		ce.Cause = &job.ValidationError{Field: r.Invalid.Field, Err: errors.New(r.Invalid.Reason)}
	}
	return ce
}

// Write stores b as dir/bundle.json and returns the path. The marker and,
// when empty, the result path are filled in.
func Write(dir string, b Bundle) (string, error) {
	b.Marker = MarkerVersion
	if b.ResultPath == "" {
		b.ResultPath = filepath.Join(dir, resultName)
	}
	path := filepath.Join(dir, bundleName)
	if err := writeJSON(path, b); err != nil {
		return "", fmt.Errorf("handoff: write bundle: %w", err)
	}
	return path, nil
}

// Read loads a bundle. Files that lack the marker key, or carry an unknown
// marker value, yield ErrNotHandoff.
func Read(path string) (Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("handoff: read bundle: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Bundle{}, fmt.Errorf("handoff: decode bundle: %w", err)
	}
	m, ok := top[MarkerKey]
	if !ok {
		return Bundle{}, ErrNotHandoff
	}
	var v int
	if err := json.Unmarshal(m, &v); err != nil || v != MarkerVersion {
		return Bundle{}, ErrNotHandoff
	}

	var b Bundle
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("handoff: decode bundle: %w", err)
	}
	return b, nil
}

// WriteResult stores r at path.
func WriteResult(path string, r Result) error {
	if err := writeJSON(path, r); err != nil {
		return fmt.Errorf("handoff: write result: %w", err)
	}
	return nil
}

// ReadResult loads the child's result file.
func ReadResult(path string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("handoff: read result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("handoff: decode result: %w", err)
	}
	return r, nil
}

// writeJSON writes through a temp file so a crashed writer never leaves a
// half-written document behind.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
