package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebookrunner/internal/deploy"
	"notebookrunner/internal/handoff"
	"notebookrunner/internal/job"
	"notebookrunner/internal/orchestrator"
	"notebookrunner/internal/storage"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "notebookrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func reportYAML(name, sched string) string {
	return fmt.Sprintf(`  - name: %s
    notebook_url: https://hub.example.com/notebooks/%s.ipynb
    queue: reports
    schedule: %q
`, name, name, sched)
}

func baseYAML(apiURL, ledger string) string {
	return fmt.Sprintf(`orchestrator:
  api_url: %s
  retry_max: 1
logging:
  level: error
storage:
  driver: file
  path: %s
task_engine:
  workers: 2
  retry_max: 3
  retry_base: 1ms
  retry_max_delay: 5ms
reports:
`, apiURL, ledger)
}

func newOrchestrator(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var deployments atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/flows/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(orchestrator.Flow{ID: uuid.New(), Name: fmt.Sprint(body["name"])})
	})
	mux.HandleFunc("/api/deployments/", func(w http.ResponseWriter, r *http.Request) {
		var body orchestrator.DeploymentCreate
		_ = json.NewDecoder(r.Body).Decode(&body)
		deployments.Add(1)
		_ = json.NewEncoder(w).Encode(orchestrator.Deployment{ID: uuid.New(), Name: body.Name, FlowID: body.FlowID})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &deployments
}

func startApp(t *testing.T, opts Options) *App {
	t.Helper()
	a, err := New(opts)
	require.NoError(t, err)
	a.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(ctx))
		assert.NoError(t, a.Close())
	})
	return a
}

func TestSyncRegistersReportsAndRecordsLedger(t *testing.T) {
	srv, deployments := newOrchestrator(t)
	dir := t.TempDir()
	ledger := filepath.Join(dir, "ledger.jsonl")
	cfg := baseYAML(srv.URL+"/api", ledger) +
		reportYAML("weekly-sales", "0 9 * * MON") +
		reportYAML("broken", "not a schedule")
	a := startApp(t, Options{ConfigPath: writeConfig(t, dir, cfg), RequireConfig: true})

	results := a.Sync(context.Background(), nil, nil)
	require.Len(t, results, 2)

	ok, bad := results[0], results[1]
	assert.Equal(t, "weekly-sales", ok.Name)
	require.NoError(t, ok.Err)
	assert.NotEqual(t, uuid.Nil, ok.Deployment.ID)
	assert.Equal(t, 1, ok.Attempts)

	assert.Equal(t, "broken", bad.Name)
	require.Error(t, bad.Err)
	assert.True(t, job.IsValidation(bad.Err), bad.Err)
	assert.Equal(t, 1, bad.Attempts)
	assert.EqualValues(t, 1, deployments.Load())

	var se *SyncError
	require.ErrorAs(t, SyncErr(results), &se)
	require.Len(t, se.Failed, 1)
	assert.Equal(t, "broken", se.Failed[0].Name)

	recs, err := a.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byName := map[string]storage.Record{}
	for _, r := range recs {
		byName[r.Name] = r
	}
	assert.True(t, byName["weekly-sales"].OK)
	assert.Equal(t, ok.Deployment.ID.String(), byName["weekly-sales"].DeploymentID)
	assert.Equal(t, storage.ModeDirect, byName["weekly-sales"].Mode)
	assert.False(t, byName["broken"].OK)
	assert.Contains(t, byName["broken"].Error, "schedule")
}

func TestSyncRetriesTemporaryErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl")) + reportYAML("daily", "1h")

	var calls atomic.Int32
	reg := deploy.RegistrarFunc(func(_ context.Context, spec job.Spec, _ deploy.Options) (orchestrator.Deployment, error) {
		if calls.Add(1) < 3 {
			return orchestrator.Deployment{}, &orchestrator.APIError{StatusCode: http.StatusServiceUnavailable, Method: "POST", Path: "/deployments/"}
		}
		return orchestrator.Deployment{ID: uuid.New(), Name: spec.Name}, nil
	})
	a := startApp(t, Options{ConfigPath: writeConfig(t, dir, cfg), RequireConfig: true, Registrar: reg})

	results := a.Sync(context.Background(), nil, nil)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)

	recs, err := a.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].OK)
	assert.False(t, recs[1].OK)
}

func TestSyncDoesNotRetryRejectedDeployments(t *testing.T) {
	dir := t.TempDir()
	cfg := baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl")) + reportYAML("daily", "1h")

	var calls atomic.Int32
	reject := &orchestrator.APIError{StatusCode: http.StatusUnprocessableEntity, Detail: "bad entrypoint"}
	reg := deploy.RegistrarFunc(func(context.Context, job.Spec, deploy.Options) (orchestrator.Deployment, error) {
		calls.Add(1)
		return orchestrator.Deployment{}, fmt.Errorf("create deployment: %w", reject)
	})
	a := startApp(t, Options{ConfigPath: writeConfig(t, dir, cfg), RequireConfig: true, Registrar: reg})

	results := a.Sync(context.Background(), nil, nil)
	require.Len(t, results, 1)
	assert.True(t, orchestrator.IsValidation(results[0].Err), results[0].Err)
	assert.Equal(t, 1, results[0].Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSyncDoesNotRetryRejectedChildErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl")) + reportYAML("daily", "1h")

	var calls atomic.Int32
	reg := deploy.RegistrarFunc(func(context.Context, job.Spec, deploy.Options) (orchestrator.Deployment, error) {
		calls.Add(1)
		return orchestrator.Deployment{}, &handoff.ChildError{
			Msg:   "POST /deployments/: 400 Bad Request: bad entrypoint",
			Cause: &orchestrator.APIError{StatusCode: http.StatusBadRequest, Method: "POST", Path: "/deployments/", Detail: "bad entrypoint"},
		}
	})
	isolated := true
	a := startApp(t, Options{ConfigPath: writeConfig(t, dir, cfg), RequireConfig: true, Isolated: &isolated, Registrar: reg})

	results := a.Sync(context.Background(), nil, nil)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, 1, results[0].Attempts)
	assert.EqualValues(t, 1, calls.Load())

	recs, err := a.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, storage.ModeIsolated, recs[0].Mode)
}

func TestSyncReturnsAfterCancel(t *testing.T) {
	for _, tc := range []struct {
		name string
		// engineCtx reports whether the engine runs under the cancelled ctx too.
		engineCtx bool
	}{
		{"shared context", true},
		{"sync context only", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := strings.Replace(baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl")), "workers: 2", "workers: 1", 1) +
				reportYAML("a", "1h") + reportYAML("b", "1h") + reportYAML("c", "1h")

			entered := make(chan struct{}, 3)
			reg := deploy.RegistrarFunc(func(ctx context.Context, _ job.Spec, _ deploy.Options) (orchestrator.Deployment, error) {
				entered <- struct{}{}
				<-ctx.Done()
				return orchestrator.Deployment{}, ctx.Err()
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			a, err := New(Options{ConfigPath: writeConfig(t, dir, cfg), RequireConfig: true, Registrar: reg})
			require.NoError(t, err)
			if tc.engineCtx {
				a.Start(ctx)
			} else {
				a.Start(context.Background())
			}
			t.Cleanup(func() {
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				_ = a.Stop(stopCtx)
				assert.NoError(t, a.Close())
			})

			done := make(chan []SyncResult, 1)
			go func() { done <- a.Sync(ctx, nil, nil) }()
			<-entered
			cancel()

			select {
			case results := <-done:
				require.Len(t, results, 3)
				for _, r := range results {
					assert.ErrorIs(t, r.Err, context.Canceled, r.Name)
					assert.LessOrEqual(t, r.Attempts, 1, r.Name)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Sync did not return after its context was cancelled")
			}
			assert.Len(t, entered, 0, "queued reports must not start after cancel")
		})
	}
}

func TestSyncSkipsReportStillInFlight(t *testing.T) {
	dir := t.TempDir()
	cfg := baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl")) + reportYAML("daily", "1h")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reg := deploy.RegistrarFunc(func(ctx context.Context, spec job.Spec, _ deploy.Options) (orchestrator.Deployment, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
			return orchestrator.Deployment{}, ctx.Err()
		}
		return orchestrator.Deployment{ID: uuid.New(), Name: spec.Name}, nil
	})
	a := startApp(t, Options{ConfigPath: writeConfig(t, dir, cfg), RequireConfig: true, Registrar: reg})

	first := make(chan []SyncResult, 1)
	go func() { first <- a.Sync(context.Background(), nil, nil) }()
	<-entered

	second := a.Sync(context.Background(), nil, []string{"daily"})
	require.Len(t, second, 1)
	assert.True(t, second[0].Skipped)
	assert.NoError(t, second[0].Err)

	close(release)
	res := <-first
	require.Len(t, res, 1)
	assert.NoError(t, res[0].Err)
	assert.False(t, res[0].Skipped)
}

func TestSyncUnknownReportName(t *testing.T) {
	dir := t.TempDir()
	cfg := baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl")) + reportYAML("daily", "1h")
	reg := deploy.RegistrarFunc(func(context.Context, job.Spec, deploy.Options) (orchestrator.Deployment, error) {
		t.Error("registrar must not be called")
		return orchestrator.Deployment{}, nil
	})
	a := startApp(t, Options{ConfigPath: writeConfig(t, dir, cfg), RequireConfig: true, Registrar: reg})

	res := a.Sync(context.Background(), nil, []string{"nope"})
	require.Len(t, res, 1)
	assert.True(t, job.IsValidation(res[0].Err))
}

func TestRegisterRecordsIsolatedMode(t *testing.T) {
	dir := t.TempDir()
	cfg := baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl"))
	isolated := true
	reg := deploy.RegistrarFunc(func(context.Context, job.Spec, deploy.Options) (orchestrator.Deployment, error) {
		return orchestrator.Deployment{}, errors.New("child failed")
	})
	a, err := New(Options{ConfigPath: writeConfig(t, dir, cfg), Isolated: &isolated, Registrar: reg})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, storage.ModeIsolated, a.Mode())

	spec := job.Spec{APIURL: "http://prefect.local/api", Name: "x", NotebookURL: "https://n/x.ipynb", Queue: "q", Schedule: "1h"}
	_, err = a.Register(context.Background(), spec, deploy.Options{})
	require.EqualError(t, err, "child failed")

	recs, err := a.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, storage.ModeIsolated, recs[0].Mode)
	assert.Equal(t, "child failed", recs[0].Error)
	assert.Equal(t, "1h", recs[0].Schedule)
}

func TestHistoryWithoutLedger(t *testing.T) {
	a, err := New(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)
	defer a.Close()
	_, err = a.History(context.Background(), 10)
	assert.ErrorIs(t, err, storage.ErrDisabled)
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Options{ConfigPath: writeConfig(t, dir, "task_engine:\n  retry_base: soon\n")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task_engine.retry_base")

	_, err = New(Options{ConfigPath: filepath.Join(dir, "missing.yaml"), RequireConfig: true})
	require.Error(t, err)
}

func TestWatchResyncsAddedReports(t *testing.T) {
	dir := t.TempDir()
	head := strings.Replace(baseYAML("http://prefect.local/api", filepath.Join(dir, "ledger.jsonl")),
		"reports:\n", "debug:\n  enabled: true\n  addr: 127.0.0.1:0\nreports:\n", 1)
	path := writeConfig(t, dir, head+reportYAML("daily", "1h"))

	var (
		mu   sync.Mutex
		seen []string
	)
	reg := deploy.RegistrarFunc(func(_ context.Context, spec job.Spec, _ deploy.Options) (orchestrator.Deployment, error) {
		mu.Lock()
		seen = append(seen, spec.Name)
		mu.Unlock()
		return orchestrator.Deployment{ID: uuid.New(), Name: spec.Name}, nil
	})
	names := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := append([]string(nil), seen...)
		sort.Strings(out)
		return out
	}

	a := startApp(t, Options{ConfigPath: path, RequireConfig: true, Registrar: reg})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx) }()

	require.Eventually(t, func() bool { return len(names()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.Status().LastSync != nil }, 5*time.Second, 10*time.Millisecond)

	addr := a.debug.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	assert.Equal(t, 1, st.Reports)
	require.NotNil(t, st.LastSync)
	assert.Equal(t, 1, st.LastSync.OK)
	assert.Equal(t, storage.ModeDirect, st.Mode)

	// Give the watcher a moment to arm before rewriting the file.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, dir, head+reportYAML("daily", "1h")+reportYAML("weekly", "0 9 * * MON"))

	require.Eventually(t, func() bool {
		for _, n := range names() {
			if n == "weekly" {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}
}
