package registry

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
	HTTPClient *http.Client
}

// HTTPClient implements Client against the registry REST surface. Register
// is a mutation and is never retried by this layer.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
	}, nil
}

func (c *HTTPClient) Register(ctx context.Context, artifactURI, name string) (RegisteredModel, error) {
	payload := map[string]string{
		"artifactUri": artifactURI,
		"name":        name,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return RegisteredModel{}, fmt.Errorf("registry marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/models", bytes.NewReader(body))
	if err != nil {
		return RegisteredModel{}, fmt.Errorf("registry build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return RegisteredModel{}, fmt.Errorf("registry register: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return RegisteredModel{}, fmt.Errorf("registry read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return RegisteredModel{}, fmt.Errorf("registry register status %d: %w", resp.StatusCode, ErrUnavailable)
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		return RegisteredModel{}, fmt.Errorf("registry register rejected with status %d", resp.StatusCode)
	}

	var out RegisteredModel
	if err := json.Unmarshal(respBody, &out); err != nil {
		return RegisteredModel{}, fmt.Errorf("registry decode response: %w", err)
	}
	if out.Name == "" {
		out.Name = name
	}
	return out, nil
}
