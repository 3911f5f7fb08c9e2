package server

import (
	"sync"

	"github.com/npezzotti/go-wanderchat/internal/types"
	"github.com/samber/lo"
)

// SessionRegistry binds each user to at most one live client and caches the
// user's profile while they are online.
type SessionRegistry interface {
	// Bind makes c the live session for its user and returns the session it
	// replaced, if any. The replaced session is not closed.
	Bind(c *Client, profile types.Profile) *Client
	// Resolve returns the live session for userId or nil when the user is offline.
	Resolve(userId int) *Client
	// Forget removes the binding for c's user only if c is still the bound
	// session. It reports whether a binding was removed.
	Forget(c *Client) bool
	Profile(userId int) (types.Profile, bool)
	Sessions() []*Client
	Len() int
}

type memoryRegistry struct {
	mu       sync.RWMutex
	sessions map[int]*Client
	profiles map[int]types.Profile
}

func NewSessionRegistry() SessionRegistry {
	return &memoryRegistry{
		sessions: make(map[int]*Client),
		profiles: make(map[int]types.Profile),
	}
}

func (r *memoryRegistry) Bind(c *Client, profile types.Profile) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[c.userId]
	r.sessions[c.userId] = c
	r.profiles[c.userId] = profile

	if prev == c {
		return nil
	}
	return prev
}

func (r *memoryRegistry) Resolve(userId int) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessions[userId]
}

func (r *memoryRegistry) Forget(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[c.userId]; !ok || cur != c {
		return false
	}

	delete(r.sessions, c.userId)
	delete(r.profiles, c.userId)
	return true
}

func (r *memoryRegistry) Profile(userId int) (types.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[userId]
	return p, ok
}

func (r *memoryRegistry) Sessions() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.sessions)
}

func (r *memoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
