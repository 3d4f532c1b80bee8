package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	logx "notebookrunner/pkg/logx"
)

// Config controls a Client.
//
// Defaults (when fields are omitted/zero):
//   - Timeout: 30s per attempt
//   - RetryMax: 3
//   - RetryWaitMin: 500ms, RetryWaitMax: 15s
//   - RatePerSec: 0 (unlimited)
type Config struct {
	BaseURL string
	APIKey  string

	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	RatePerSec   int

	UserAgent string
}

// Client talks to the orchestrator REST API.
//
// The base URL is per-client state; two clients pointed at different
// servers can be used side by side in one process.
type Client struct {
	base    *url.URL
	apiKey  string
	ua      string
	http    *retryablehttp.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a Client. BaseURL must be an absolute http(s) URL, usually
// ending in "/api".
func New(cfg Config, log logx.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("orchestrator url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("orchestrator url %q: want absolute http(s) url", cfg.BaseURL)
	}
	base.Path = strings.TrimRight(base.Path, "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "notebookrunner"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "orchestrator"))

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = leveledLogger{log: log}
	// Hand back the last response instead of a generic "giving up" error so
	// the API error body can be decoded.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{base: base, apiKey: cfg.APIKey, ua: cfg.UserAgent, http: rc, log: log}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c, nil
}

// BaseURL returns the API root this client is bound to.
func (c *Client) BaseURL() string { return c.base.String() }

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateFlow returns the flow with the given name, creating it if needed.
func (c *Client) CreateFlow(ctx context.Context, name string) (Flow, error) {
	if strings.TrimSpace(name) == "" {
		return Flow{}, errors.New("flow name required")
	}
	var f Flow
	if err := c.do(ctx, http.MethodPost, "/flows/", map[string]any{"name": name}, &f); err != nil {
		return Flow{}, fmt.Errorf("create flow %q: %w", name, err)
	}
	return f, nil
}

// CreateDeployment creates or updates a deployment.
func (c *Client) CreateDeployment(ctx context.Context, d DeploymentCreate) (Deployment, error) {
	if d.FlowID == uuid.Nil {
		return Deployment{}, errors.New("deployment flow_id required")
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	var out Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments/", d, &out); err != nil {
		return Deployment{}, fmt.Errorf("create deployment %q: %w", d.Name, err)
	}
	return out, nil
}

// ReadDeployment fetches a deployment by ID.
func (c *Client) ReadDeployment(ctx context.Context, id uuid.UUID) (Deployment, error) {
	var out Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+id.String(), nil, &out); err != nil {
		return Deployment{}, fmt.Errorf("read deployment %s: %w", id, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("api call",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(method, path, resp, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// leveledLogger adapts logx to retryablehttp.LeveledLogger.
type leveledLogger struct{ log logx.Logger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error(msg, kvFields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, kvFields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Trace(msg, kvFields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, kvFields(kv)...) }

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		// never echo request objects (they carry the Authorization header)
		if k == "request" {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
