package hub

import (
	"log/slog"
	"sync"
)

// Groups tracks which clients are subscribed to which session group.
type Groups struct {
	mu       sync.RWMutex
	members  map[string]map[*client]struct{}
	byClient map[*client]map[string]struct{}
}

// NewGroups creates an empty group registry.
func NewGroups() *Groups {
	return &Groups{
		members:  make(map[string]map[*client]struct{}),
		byClient: make(map[*client]map[string]struct{}),
	}
}

// Join adds c to the group for sessionID. It reports false when c was
// already a member.
func (g *Groups) Join(sessionID string, c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.members[sessionID]; !exists {
		g.members[sessionID] = make(map[*client]struct{})
	}
	if _, exists := g.members[sessionID][c]; exists {
		return false
	}
	g.members[sessionID][c] = struct{}{}

	if _, exists := g.byClient[c]; !exists {
		g.byClient[c] = make(map[string]struct{})
	}
	g.byClient[c][sessionID] = struct{}{}

	slog.Debug("Client joined group", "session_id", sessionID, "client_id", c.id)
	return true
}

// Leave removes c from the group for sessionID. It reports false when c was
// not a member.
func (g *Groups) Leave(sessionID string, c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaveLocked(sessionID, c)
}

func (g *Groups) leaveLocked(sessionID string, c *client) bool {
	clients, ok := g.members[sessionID]
	if !ok {
		return false
	}
	if _, exists := clients[c]; !exists {
		return false
	}

	delete(clients, c)
	if len(clients) == 0 {
		delete(g.members, sessionID)
	}
	if sessions, ok := g.byClient[c]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(g.byClient, c)
		}
	}

	slog.Debug("Client left group", "session_id", sessionID, "client_id", c.id)
	return true
}

// RemoveClient drops every membership of c and returns the affected groups.
func (g *Groups) RemoveClient(c *client) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	sessions := make([]string, 0, len(g.byClient[c]))
	for sessionID := range g.byClient[c] {
		sessions = append(sessions, sessionID)
	}
	for _, sessionID := range sessions {
		g.leaveLocked(sessionID, c)
	}
	return sessions
}

// Members returns the clients subscribed to sessionID.
func (g *Groups) Members(sessionID string) []*client {
	g.mu.RLock()
	defer g.mu.RUnlock()

	clients := g.members[sessionID]
	out := make([]*client, 0, len(clients))
	for c := range clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of clients subscribed to sessionID.
func (g *Groups) Count(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members[sessionID])
}

// Len returns the number of non-empty groups.
func (g *Groups) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}
