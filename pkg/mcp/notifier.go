package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// OwnerNotifier pushes notifications to execution owners.
type OwnerNotifier interface {
	Notify(ctx context.Context, ownerID string, payload map[string]any) error
}

// MCPNotifier implements OwnerNotifier with MCP server-to-client messages.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier over mcpServer's sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the owner's session. Owners without a session are
// skipped silently.
func (n *MCPNotifier) Notify(_ context.Context, ownerID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(ownerID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away after the lookup.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
