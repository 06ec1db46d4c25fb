package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Peertrade tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("peertrade", "1.0.0")
	client := NewPeertradeClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolBrowseOffers, h.HandleBrowseOffers)
	s.AddTool(ToolGetOffer, h.HandleGetOffer)
	s.AddTool(ToolInitiateTrade, h.HandleInitiateTrade)
	s.AddTool(ToolAcceptTrade, h.HandleAcceptTrade)
	s.AddTool(ToolMarkFiatPaid, h.HandleMarkFiatPaid)
	s.AddTool(ToolFinalizeTrade, h.HandleFinalizeTrade)
	s.AddTool(ToolCancelTrade, h.HandleCancelTrade)
	s.AddTool(ToolDisputeTrade, h.HandleDisputeTrade)
	s.AddTool(ToolSubmitEvidence, h.HandleSubmitEvidence)
	s.AddTool(ToolGetTrade, h.HandleGetTrade)
	s.AddTool(ToolListMyTrades, h.HandleListMyTrades)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)
	s.AddTool(ToolRateCounterparty, h.HandleRateCounterparty)

	return s
}
