package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
orchestrator:
  api_url: http://prefect.local:4200/api
  timeout: 10s
deployment:
  tags: [reports]
logging:
  level: debug
  console: true
reports:
  - name: weekly-sales
    notebook_url: https://hub.example.com/notebooks/sales.ipynb
    queue: reports
    schedule: "0 9 * * MON"
    parameters:
      region: emea
      limit: 10
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "runner.yaml", sampleYAML)

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://prefect.local:4200/api", cfg.Orchestrator.APIURL)
	assert.Equal(t, []string{"reports"}, cfg.Deployment.Tags)
	require.Len(t, cfg.Reports, 1)
	r := cfg.Reports[0]
	assert.Equal(t, "weekly-sales", r.Name)
	assert.Equal(t, "emea", r.Parameters["region"])
	assert.EqualValues(t, 10, r.Parameters["limit"])
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "runner.yaml", "orchestrator:\n  api_uri: http://typo\n")
	_, err := NewManager(path).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_uri")
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	path := writeFile(t, "runner.json", `{"logging":{"level":"info"}}{"logging":{}}`)
	_, err := NewManager(path).Parse()
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PREFECT_API_URL", "http://from-env:4200/api")
	t.Setenv("PREFECT_API_KEY", "secret")
	t.Setenv("NOTEBOOKRUNNER_ISOLATED", "true")

	path := writeFile(t, "runner.yaml", sampleYAML)
	cfg, err := NewManager(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:4200/api", cfg.Orchestrator.APIURL)
	assert.Equal(t, "secret", cfg.Orchestrator.APIKey)
	assert.True(t, cfg.Deployment.Isolated)
	// untouched by env
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadOptionalMissingFile(t *testing.T) {
	t.Setenv("PREFECT_API_URL", "http://only-env/api")

	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := m.LoadOptional()
	require.NoError(t, err)
	assert.Equal(t, "http://only-env/api", cfg.Orchestrator.APIURL)
	assert.Same(t, cfg, m.Get())
}

func TestLoadDotEnvMissingIsNotError(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	t.Setenv("NOTEBOOKRUNNER_LOG_LEVEL", "warn")
	path := writeFile(t, ".env", "NOTEBOOKRUNNER_LOG_LEVEL=trace\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "warn", os.Getenv("NOTEBOOKRUNNER_LOG_LEVEL"))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty", cfg: Config{}, ok: true},
		{name: "bad timeout", cfg: Config{Orchestrator: OrchestratorConfig{Timeout: "soon"}}},
		{name: "negative handoff timeout", cfg: Config{Deployment: DeploymentConfig{HandoffTimeout: "-1s"}}},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "mongo"}}},
		{name: "duplicate reports", cfg: Config{Reports: []ReportConfig{{Name: "a"}, {Name: "a"}}}},
		{name: "unnamed report", cfg: Config{Reports: []ReportConfig{{Queue: "q"}}}},
		{name: "telegram without token", cfg: Config{Notifier: &NotifierConfig{Telegram: TelegramConfig{Enabled: true, ChatID: 1}}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr string
	}{
		{raw: "", want: 0},
		{raw: "  ", def: time.Second, want: time.Second},
		{raw: "0s", def: 5 * time.Second, want: 5 * time.Second},
		{raw: "90s", def: time.Second, want: 90 * time.Second},
		{raw: "-1s", wantErr: "must be >= 0"},
		{raw: "soon", wantErr: `invalid duration "soon"`},
	} {
		got, err := ParseDurationOrDefault("orchestrator.timeout", tc.raw, tc.def)
		if tc.wantErr != "" {
			require.Error(t, err, tc.raw)
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.Contains(t, err.Error(), "orchestrator.timeout")
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	d, err := ParseDurationField("deployment.handoff_timeout", "")
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestSummarizeConfigChangeReports(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Reports: []ReportConfig{
		{Name: "a", Queue: "q"},
		{Name: "b", Queue: "q"},
	}}
	newCfg := &Config{
		Orchestrator: OrchestratorConfig{APIKey: "k"},
		Reports: []ReportConfig{
			{Name: "a", Queue: "other"},
			{Name: "c", Queue: "q"},
		},
	}

	sections, attrs, rc := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"orchestrator", "reports"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"c"}, rc.Added)
	assert.Equal(t, []string{"b"}, rc.Removed)
	assert.Equal(t, []string{"a"}, rc.Changed)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "runner.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"  - name: monthly\n    notebook_url: https://hub.example.com/m.ipynb\n    queue: reports\n    schedule: \"@monthly\"\n"), 0o600))

	select {
	case cfg := <-ch:
		require.Len(t, cfg.Reports, 2)
		assert.Equal(t, "monthly", cfg.Reports[1].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config publish")
	}

	cancel()
	<-done
}
