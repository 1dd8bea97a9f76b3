package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/trustgate/internal/trust"
	"github.com/mbd888/trustgate/internal/validation"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Config holds the configuration for reaching a TrustGate deployment.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Payment string // optional X-PAYMENT value forwarded on every call
	Timeout time.Duration
}

// TrustGateClient calls the gateway's invoke endpoints.
type TrustGateClient struct {
	cfg  Config
	http *x402.Client
}

// NewTrustGateClient creates a new client.
func NewTrustGateClient(cfg Config) *TrustGateClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &TrustGateClient{
		cfg:  cfg,
		http: x402.NewClient(cfg.Payment).WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
}

// APIError is a non-2xx, non-402 reply from the gateway.
type APIError struct {
	Status  int
	Code    string                      `json:"error"`
	Message string                      `json:"message"`
	Fields  validation.ValidationErrors `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d)", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// InvokeResult is a successful invocation.
type InvokeResult struct {
	Output     json.RawMessage
	Settlement *x402.SettlementResponse
}

// Invoke runs op through POST /agent/{op}/invoke. An unpaid call returns
// *x402.PaymentRequiredError.
func (c *TrustGateClient) Invoke(ctx context.Context, op trust.Op, in trust.Input) (*InvokeResult, error) {
	body, err := json.Marshal(map[string]any{"input": in})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+op.InvokePath(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	var envelope struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil || len(envelope.Output) == 0 {
		return nil, fmt.Errorf("unexpected response shape")
	}

	result := &InvokeResult{Output: envelope.Output}
	if s, ok := x402.Settlement(resp); ok {
		result.Settlement = s
	}
	return result, nil
}
