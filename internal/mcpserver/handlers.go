package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/trustgate/internal/trust"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Invoker runs a gateway operation.
type Invoker interface {
	Invoke(ctx context.Context, op trust.Op, in trust.Input) (*InvokeResult, error)
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client Invoker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client Invoker) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAgentProfile returns an agent's identity record.
func (h *Handlers) HandleGetAgentProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.invoke(ctx, trust.OpProfile, req, nil)
}

// HandleGetTrustScore returns an agent's trust score.
func (h *Handlers) HandleGetTrustScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.invoke(ctx, trust.OpScore, req, summarizeScore)
}

// HandleValidateAgent runs validation checks against an agent.
func (h *Handlers) HandleValidateAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.invoke(ctx, trust.OpValidate, req, summarizeValidation)
}

func (h *Handlers) invoke(ctx context.Context, op trust.Op, req mcp.CallToolRequest, summarize func(json.RawMessage) string) (*mcp.CallToolResult, error) {
	in := trust.Input{
		AgentID: strings.TrimSpace(req.GetString("agent_id", "")),
		Chain:   strings.TrimSpace(req.GetString("chain", "")),
	}
	if op == trust.OpValidate {
		for _, c := range strings.Split(req.GetString("checks", ""), ",") {
			if c = strings.TrimSpace(c); c != "" {
				in.Checks = append(in.Checks, c)
			}
		}
	}
	// Reject locally what the gateway would reject, so no round trip is spent.
	if errs := in.Validate(op); len(errs) > 0 {
		return mcp.NewToolResultError("Invalid arguments: " + errs.Error()), nil
	}

	res, err := h.client.Invoke(ctx, op, in)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}

	var sb strings.Builder
	if summarize != nil {
		if line := summarize(res.Output); line != "" {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	if res.Settlement != nil {
		fmt.Fprintf(&sb, "Payment: settled in %s on %s\n", res.Settlement.Transaction, res.Settlement.Network)
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(formatJSON(res.Output))
	return mcp.NewToolResultText(sb.String()), nil
}

// describeError renders gateway failures for the model. A 402 becomes the
// requirement the caller has to satisfy.
func describeError(err error) string {
	var payErr *x402.PaymentRequiredError
	if errors.As(err, &payErr) {
		return formatPaymentRequired(payErr)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case len(apiErr.Fields) > 0:
			return "Invalid arguments: " + apiErr.Fields.Error()
		case apiErr.Status == 404:
			return "Agent not found: " + apiErr.Message
		default:
			return apiErr.Error()
		}
	}
	return fmt.Sprintf("Request failed: %v", err)
}

func formatPaymentRequired(e *x402.PaymentRequiredError) string {
	var sb strings.Builder
	sb.WriteString("Payment required.\n")
	if e.Response == nil || len(e.Response.Accepts) == 0 {
		sb.WriteString("The gateway did not state its requirements.")
		return sb.String()
	}
	a := e.Response.Accepts[0]
	price := a.MaxAmountRequired + " atomic units"
	if a.Extra != nil && a.Extra.Price != "" {
		price = a.Extra.Price + " " + a.Extra.Currency
	}
	fmt.Fprintf(&sb, "Price: %s\n", price)
	fmt.Fprintf(&sb, "Pay to: %s\n", a.PayTo)
	fmt.Fprintf(&sb, "Network: %s\n", a.Network)
	fmt.Fprintf(&sb, "Asset: %s\n", a.Asset)
	if a.Extra != nil && a.Extra.Nonce != "" {
		fmt.Fprintf(&sb, "Nonce: %s\n", a.Extra.Nonce)
	}
	if e.Response.Error != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", e.Response.Error)
	}
	sb.WriteString("\nTransfer the amount, then restart this server with TRUSTGATE_PAYMENT set to the X-PAYMENT value for that transfer.")
	return sb.String()
}

func summarizeScore(raw json.RawMessage) string {
	var s struct {
		AgentID    string `json:"agentId"`
		TrustScore struct {
			Score   int    `json:"score"`
			Verdict string `json:"verdict"`
		} `json:"trustScore"`
		FeedbackCount int `json:"feedbackCount"`
	}
	if json.Unmarshal(raw, &s) != nil || s.AgentID == "" {
		return ""
	}
	return fmt.Sprintf("Agent %s: trust score %d/100 (%s) from %d feedback entries",
		s.AgentID, s.TrustScore.Score, s.TrustScore.Verdict, s.FeedbackCount)
}

func summarizeValidation(raw json.RawMessage) string {
	var v struct {
		AgentID string   `json:"agentId"`
		Verdict string   `json:"overallVerdict"`
		Issues  []string `json:"issues"`
	}
	if json.Unmarshal(raw, &v) != nil || v.AgentID == "" {
		return ""
	}
	return fmt.Sprintf("Agent %s: %s (%d issues)", v.AgentID, v.Verdict, len(v.Issues))
}

// formatJSON pretty-prints raw JSON, returning it unchanged if it is not valid.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
