package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("owner-1", "session-abc")
	sid, ok := r.SessionFor("owner-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("owner-1", "session-old")
	r.Register("owner-1", "session-new")

	sid, ok := r.SessionFor("owner-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("owner-1", "session-abc")
	r.Register("owner-2", "session-abc")
	r.Register("owner-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("owner-1")
	assert.False(t, ok, "owner-1 should be removed")
	_, ok = r.SessionFor("owner-2")
	assert.False(t, ok, "owner-2 should be removed")

	sid, ok := r.SessionFor("owner-3")
	assert.True(t, ok, "owner-3 should still exist")
	assert.Equal(t, "session-xyz", sid)
}

func TestMCPNotifier_NoSession(t *testing.T) {
	n := NewMCPNotifier(server.NewMCPServer("t", "0"), NewSessionRegistry())
	assert.NoError(t, n.Notify(context.Background(), "owner-1", map[string]any{"x": 1}))
}

func TestMCPNotifier_StaleSessionIsDropped(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("owner-1", "gone")
	n := NewMCPNotifier(server.NewMCPServer("t", "0"), sessions)

	require.NoError(t, n.Notify(context.Background(), "owner-1", map[string]any{"x": 1}))
	_, ok := sessions.SessionFor("owner-1")
	assert.False(t, ok)
}
