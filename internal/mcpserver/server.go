// Package mcpserver exposes the gateway's trust operations as MCP tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all TrustGate tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("trustgate", version)
	h := NewHandlers(NewTrustGateClient(cfg))

	s.AddTool(ToolGetAgentProfile, h.HandleGetAgentProfile)
	s.AddTool(ToolGetTrustScore, h.HandleGetTrustScore)
	s.AddTool(ToolValidateAgent, h.HandleValidateAgent)

	return s
}
