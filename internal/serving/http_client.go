package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient implements EndpointClient against the endpoint service REST
// surface. Reads (GetTraffic, ListDeployments) retry with linear backoff;
// mutations are issued exactly once because a traffic change is not safely
// idempotent to blindly resend.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("serving base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
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

func (c *HTTPClient) GetTraffic(ctx context.Context, endpoint string) (map[string]int, error) {
	body, err := c.getWithRetry(ctx, "/endpoints/"+endpoint+"/traffic")
	if err != nil {
		return nil, fmt.Errorf("get traffic: %w", err)
	}
	var out map[string]int
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode traffic map: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) SetTraffic(ctx context.Context, endpoint string, alloc map[string]int) error {
	body, err := json.Marshal(alloc)
	if err != nil {
		return fmt.Errorf("marshal traffic map: %w", err)
	}
	code, _, err := c.do(ctx, http.MethodPut, "/endpoints/"+endpoint+"/traffic", body)
	if err != nil {
		return fmt.Errorf("set traffic: %w", err)
	}
	return checkMutation("set traffic", code)
}

func (c *HTTPClient) ListDeployments(ctx context.Context, endpoint string) ([]DeploymentDescriptor, error) {
	body, err := c.getWithRetry(ctx, "/endpoints/"+endpoint+"/deployments")
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	var out []DeploymentDescriptor
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode deployments: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) CreateOrUpdateDeployment(ctx context.Context, endpoint string, desc DeploymentDescriptor) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	code, _, err := c.do(ctx, http.MethodPut, "/endpoints/"+endpoint+"/deployments/"+desc.Name, body)
	if err != nil {
		return fmt.Errorf("create or update deployment: %w", err)
	}
	return checkMutation("create or update deployment", code)
}

func (c *HTTPClient) DeleteDeployment(ctx context.Context, endpoint, name string) error {
	code, _, err := c.do(ctx, http.MethodDelete, "/endpoints/"+endpoint+"/deployments/"+name, nil)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if code == http.StatusNotFound {
		// Deleting what is already gone achieves the intent.
		return nil
	}
	return checkMutation("delete deployment", code)
}

func (c *HTTPClient) Invoke(ctx context.Context, endpoint, deployment string, payload []byte) ([]byte, error) {
	code, body, err := c.do(ctx, http.MethodPost, "/endpoints/"+endpoint+"/deployments/"+deployment+"/score", payload)
	if err != nil {
		return nil, fmt.Errorf("invoke deployment: %w", err)
	}
	switch {
	case code == http.StatusNotFound:
		return nil, fmt.Errorf("invoke deployment %s: %w", deployment, ErrNotFound)
	case code >= 500:
		return nil, fmt.Errorf("invoke deployment status %d: %w", code, ErrUnavailable)
	case code >= 400:
		return nil, fmt.Errorf("invoke deployment rejected with status %d", code)
	}
	return body, nil
}

func checkMutation(op string, code int) error {
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case code >= 500:
		return fmt.Errorf("%s status %d: %w", op, code, ErrUnavailable)
	case code >= 400:
		return fmt.Errorf("%s rejected with status %d", op, code)
	}
	return nil
}

func (c *HTTPClient) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code, body, err := c.do(ctx, http.MethodGet, path, nil)
		switch {
		case err != nil:
			lastErr = err
		case code == http.StatusNotFound:
			return nil, ErrNotFound
		case code >= 500:
			lastErr = fmt.Errorf("status %d: %w", code, ErrUnavailable)
		case code != http.StatusOK:
			return nil, fmt.Errorf("unexpected status %d", code)
		default:
			return body, nil
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return nil, lastErr
}

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
