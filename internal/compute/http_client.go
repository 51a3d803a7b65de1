package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slipway-ml/slipway/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient implements JobClient against the job service REST surface.
// Status queries retry with linear backoff; Submit and Cancel never do.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("compute base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Submit(ctx context.Context, spec JobSpec) (JobHandle, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return JobHandle{}, fmt.Errorf("compute marshal job spec: %w", err)
	}
	code, respBody, err := c.do(ctx, http.MethodPost, "/jobs", body)
	if err != nil {
		return JobHandle{}, fmt.Errorf("compute submit: %w", err)
	}
	switch {
	case code == http.StatusBadRequest:
		return JobHandle{}, fmt.Errorf("compute submit rejected: %w", ErrInvalidSpec)
	case code == http.StatusTooManyRequests:
		return JobHandle{}, fmt.Errorf("compute submit refused: %w", ErrQuotaExceeded)
	case code >= 500:
		return JobHandle{}, fmt.Errorf("compute submit status %d: %w", code, ErrUnavailable)
	case code != http.StatusCreated && code != http.StatusOK:
		return JobHandle{}, fmt.Errorf("compute submit unexpected status %d", code)
	}

	var out struct {
		ID          string `json:"id"`
		Environment string `json:"environment"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return JobHandle{}, fmt.Errorf("compute decode submit response: %w", err)
	}
	if out.ID == "" {
		return JobHandle{}, fmt.Errorf("compute submit response missing job id")
	}
	env := spec.Environment
	if out.Environment != "" {
		env = models.Environment(out.Environment)
	}
	return JobHandle{ID: out.ID, Environment: env, SubmittedAt: time.Now().UTC()}, nil
}

func (c *HTTPClient) Status(ctx context.Context, handle JobHandle) (JobStatus, error) {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return StatusUnknown, ctx.Err()
		}
		status, err := c.statusOnce(ctx, handle)
		if err == nil {
			return status, nil
		}
		// A stale handle never resolves; retrying it is wasted budget.
		if errors.Is(err, ErrNotFound) {
			return StatusUnknown, err
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return StatusUnknown, fmt.Errorf("compute status failed: %w", lastErr)
}

func (c *HTTPClient) statusOnce(ctx context.Context, handle JobHandle) (JobStatus, error) {
	code, respBody, err := c.do(ctx, http.MethodGet, "/jobs/"+handle.ID, nil)
	if err != nil {
		return StatusUnknown, err
	}
	switch {
	case code == http.StatusNotFound:
		return StatusUnknown, fmt.Errorf("job %s: %w", handle.ID, ErrNotFound)
	case code >= 500:
		return StatusUnknown, fmt.Errorf("compute status %d: %w", code, ErrUnavailable)
	case code != http.StatusOK:
		return StatusUnknown, fmt.Errorf("compute status unexpected status %d", code)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return StatusUnknown, fmt.Errorf("compute decode status response: %w", err)
	}
	return ParseStatus(out.Status), nil
}

func (c *HTTPClient) Cancel(ctx context.Context, handle JobHandle) error {
	code, _, err := c.do(ctx, http.MethodPost, "/jobs/"+handle.ID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("compute cancel: %w", err)
	}
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("job %s: %w", handle.ID, ErrNotFound)
	case code >= 500:
		return fmt.Errorf("compute cancel status %d: %w", code, ErrUnavailable)
	case code >= 400:
		return fmt.Errorf("compute cancel rejected with status %d", code)
	}
	return nil
}

// do issues one request and drains the response body while the per-request
// context is still alive, returning the status code and raw body.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
