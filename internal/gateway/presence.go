package gateway

import "sync"

// PresenceIndex maps a logical user id to the set of its active physical
// connections on this process. Entries are created lazily on first
// registration and removed when the set empties; there is no "online
// with zero connections" state.
//
// The index is purely process-local and never performs I/O; it is
// authoritative only for connections terminated here. Cross-instance
// visibility goes through the fanout bus.
type PresenceIndex struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

func NewPresenceIndex() *PresenceIndex {
	return &PresenceIndex{
		users: make(map[string]map[string]struct{}),
	}
}

// Add binds a connection to a user. Returns true if this was the user's
// first connection (offline → online transition).
func (p *PresenceIndex) Add(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, exists := p.users[userID]
	if !exists {
		set = make(map[string]struct{}, 1)
		p.users[userID] = set
	}
	set[connID] = struct{}{}
	return !exists
}

// Remove unbinds a connection. Returns true if the user's set became
// empty (online → offline transition); the entry is deleted in that
// case.
func (p *PresenceIndex) Remove(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, exists := p.users[userID]
	if !exists {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(p.users, userID)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one connection here.
func (p *PresenceIndex) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID]) > 0
}

// ConnectionsFor returns a copy of the user's connection ids.
func (p *PresenceIndex) ConnectionsFor(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.users[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// OnlineCount returns the number of users with at least one connection.
func (p *PresenceIndex) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}
