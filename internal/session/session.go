// Package session implements the Session Manager (spec.md §4.4): the
// only authority on whether a connection carries an authenticated
// session.
package session

import (
	"sync"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/id"
)

// Info is a session's externally visible state.
type Info struct {
	SessionID       string
	ClientID        string
	ClientType      string
	ProtocolVersion string
	Transport       string
	CreatedAt       time.Time
	LastTouch       time.Time
	TTL             time.Duration
}

func (i Info) expired(now time.Time) bool {
	return now.Sub(i.LastTouch) >= i.TTL
}

// Manager tracks live sessions and their liveness (now - last_touch < ttl).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Info
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{sessions: make(map[string]*Info)}
}

// Create registers a new session and returns its assigned ID.
func (m *Manager) Create(clientID, clientType, protocolVersion, transport string, ttl time.Duration) Info {
	now := time.Now().UTC()
	info := Info{
		SessionID:       id.Session(),
		ClientID:        clientID,
		ClientType:      clientType,
		ProtocolVersion: protocolVersion,
		Transport:       transport,
		CreatedAt:       now,
		LastTouch:       now,
		TTL:             ttl,
	}

	m.mu.Lock()
	m.sessions[info.SessionID] = &info
	m.mu.Unlock()
	return info
}

// Get returns a session's current snapshot.
func (m *Manager) Get(sessionID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return *s, true
}

// Touch updates a session's last-touch instant, extending its liveness.
func (m *Manager) Touch(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastTouch = time.Now().UTC()
	return true
}

// Remove deletes a session eagerly (explicit goodbye/disconnect).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// IsValid reports whether sessionID exists and has not expired.
func (m *Manager) IsValid(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	return !s.expired(time.Now().UTC())
}

// CleanupExpired lazily sweeps and removes every session past its TTL,
// returning the count removed.
func (m *Manager) CleanupExpired() int {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for sid, s := range m.sessions {
		if s.expired(now) {
			delete(m.sessions, sid)
			removed++
		}
	}
	return removed
}
