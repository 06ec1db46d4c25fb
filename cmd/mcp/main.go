// Peertrade MCP Server - Exposes the Peertrade trade desk as MCP tools for LLMs
//
// Runs over stdio for MCP-capable clients. Configuration comes from
// PEERTRADE_* environment variables, optionally loaded from a .env file
// in the working directory.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/peertradehq/peertrade/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:        envOrDefault("PEERTRADE_API_URL", "http://localhost:8080"),
		APIKey:        os.Getenv("PEERTRADE_API_KEY"),
		TraderAddress: os.Getenv("PEERTRADE_TRADER_ADDRESS"),
	}

	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "PEERTRADE_API_KEY")
	}
	if cfg.TraderAddress == "" {
		missing = append(missing, "PEERTRADE_TRADER_ADDRESS")
	}
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing required environment: %s\n", strings.Join(missing, ", "))
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
