// TrustGate MCP Server - exposes agent trust evaluation as MCP tools for LLMs
package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	// stdout carries the protocol
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("TRUSTGATE_API_URL", "http://localhost:8080"),
		Payment: os.Getenv("TRUSTGATE_PAYMENT"),
	}
	logger.Info("starting trustgate mcp server",
		"version", Version,
		"api_url", cfg.APIURL,
		"payment_configured", cfg.Payment != "",
	)

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
