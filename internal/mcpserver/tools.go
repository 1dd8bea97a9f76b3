package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/trustgate/internal/checks"
)

// Tool definitions for the TrustGate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

func agentArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("The agent's ERC-8004 identity token id, a non-negative integer (e.g. '42')")),
		mcp.WithString("chain",
			mcp.Description("Network the agent is registered on: 'base', 'base-sepolia', 'ethereum' or 'sepolia'. Defaults to the gateway's default chain.")),
	}
}

var ToolGetAgentProfile = mcp.NewTool("get_agent_profile",
	append([]mcp.ToolOption{
		mcp.WithDescription(
			"Look up an AI agent's ERC-8004 identity: owner address, registration URI and the " +
				"registration file (name, description, endpoints, supported trust models). " +
				"Use this before paying or delegating work to an unknown agent. This is a paid call."),
	}, agentArgs()...)...,
)

var ToolGetTrustScore = mcp.NewTool("get_trust_score",
	append([]mcp.ToolOption{
		mcp.WithDescription(
			"Compute a 0-100 trust score for an ERC-8004 agent from its on-chain reputation feedback " +
				"and identity maturity. Returns the score, a verdict (untrusted, low-trust, neutral, " +
				"trusted, highly-trusted) and the breakdown. This is a paid call."),
	}, agentArgs()...)...,
)

var ToolValidateAgent = mcp.NewTool("validate_agent",
	append([]mcp.ToolOption{
		mcp.WithDescription(
			"Validate an ERC-8004 agent: probe its declared endpoints, resolve its payment wallet and " +
				"collect attestations. Returns per-check results and an overall verdict " +
				"(validated, validated-with-warnings, partial, failed). This is a paid call."),
		mcp.WithString("checks",
			mcp.Description("Comma-separated subset of checks to run: "+checksList()+". Defaults to all.")),
	}, agentArgs()...)...,
)

func checksList() string {
	var s string
	for i, c := range checks.All {
		if i > 0 {
			s += ", "
		}
		s += "'" + string(c) + "'"
	}
	return s
}
