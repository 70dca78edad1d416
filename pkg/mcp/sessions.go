package mcp

import "sync"

// SessionRegistry maps execution owner IDs to MCP session IDs.
// Populated when a client calls a tool naming an owner.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // ownerID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an owner with a session, replacing any earlier one.
func (r *SessionRegistry) Register(ownerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ownerID] = sessionID
}

// SessionFor returns the session ID for ownerID, if connected.
func (r *SessionRegistry) SessionFor(ownerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[ownerID]
	return sid, ok
}

// Remove deletes every owner mapped to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for owner, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, owner)
		}
	}
}

// Len returns the number of mapped owners.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
