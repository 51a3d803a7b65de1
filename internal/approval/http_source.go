package approval

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

// HTTPSource asks an external approval service for the decision. The remote
// call blocks server-side until somebody decides or the window elapses, so
// the local deadline gets a grace period past the requested timeout.
type HTTPSource struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

const timeoutGrace = 15 * time.Second

type approvalWire struct {
	RunID          string `json:"runId"`
	ModelName      string `json:"modelName"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type decisionWire struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason"`
	TimedOut  bool   `json:"timedOut"`
}

func (s *HTTPSource) Await(ctx context.Context, req Request) (Decision, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout+timeoutGrace)
		defer cancel()
	}

	body, err := json.Marshal(approvalWire{
		RunID:          req.RunID.String(),
		ModelName:      req.ModelName,
		TimeoutSeconds: int(req.Timeout / time.Second),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("marshal approval request: %w", err)
	}

	url := strings.TrimRight(s.BaseURL, "/") + "/v1/approvals"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build approval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		httpReq.Header.Set("X-API-Key", s.APIKey)
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("approval request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, fmt.Errorf("read approval response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var wire decisionWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return Decision{}, fmt.Errorf("decode approval response: %w", err)
		}
		return Decision{
			Approved:  wire.Approved,
			DecidedBy: wire.DecidedBy,
			Reason:    wire.Reason,
			TimedOut:  wire.TimedOut,
		}, nil
	case resp.StatusCode == http.StatusRequestTimeout:
		return Decision{TimedOut: true, Reason: "approval window elapsed"}, nil
	default:
		return Decision{}, fmt.Errorf("approval service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}
