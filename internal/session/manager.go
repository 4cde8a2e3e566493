// Package session owns the mapping from session id to live browser
// session and runs the periodic health sweep that enforces TTLs.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/config"
	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/ports"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// historySize bounds the terminated-session diagnostic ring.
const historySize = 50

// Supervisor is the slice of the Chrome supervisor the manager needs.
type Supervisor interface {
	CheckHealth(ctx context.Context, session *types.BrowserSession) types.Health
	Terminate(ctx context.Context, session *types.BrowserSession, reason types.TerminationReason) *types.TerminatedSession
}

// Manager owns the authoritative session map. All map access is
// serialized by a single mutex; critical sections stay short and
// termination I/O happens outside the lock.
type Manager struct {
	cfg      *config.Config
	sup      Supervisor
	registry *ports.Registry

	mu       sync.RWMutex
	sessions map[string]*types.BrowserSession
	history  []*types.TerminatedSession
	draining bool

	// transientMisses counts consecutive unhealthy_transient sweeps per
	// session; a second miss reclassifies as crashed.
	transientMisses map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, sup Supervisor, registry *ports.Registry) *Manager {
	return &Manager{
		cfg:             cfg,
		sup:             sup,
		registry:        registry,
		sessions:        make(map[string]*types.BrowserSession),
		transientMisses: make(map[string]int),
		stopCh:          make(chan struct{}),
	}
}

// Insert records a newly launched session. It enforces the session
// capacity and refuses new sessions once shutdown has begun, so a
// launch that races the drain is torn down instead of orphaned.
func (m *Manager) Insert(session *types.BrowserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.draining {
		return fmt.Errorf("session %s: %w", session.SessionID, types.ErrShuttingDown)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return fmt.Errorf("session %s: %w", session.SessionID, types.ErrNoSlotsAvailable)
	}
	if _, exists := m.sessions[session.SessionID]; exists {
		return fmt.Errorf("session %s: %w", session.SessionID, types.ErrSessionAlreadyExists)
	}
	session.State = types.StateActive
	m.sessions[session.SessionID] = session
	metrics.UpdateSessionMetrics(len(m.sessions))
	log.Info().
		Str("session_id", session.SessionID).
		Int("port", session.DebugPort).
		Time("expires_at", session.ExpiresAt).
		Msg("Session registered")
	return nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*types.BrowserSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// ListIDs snapshots the live session ids.
func (m *Manager) ListIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// OwnsProfile reports whether any live session uses the given profile
// directory. The janitor consults this before pruning.
func (m *Manager) OwnsProfile(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ProfilePath == path {
			return true
		}
	}
	return false
}

// Sessions returns value copies of every live session. Callers that
// only report on sessions use this instead of holding pointers into
// the map, so their reads never race the manager's state transitions.
func (m *Manager) Sessions() []types.BrowserSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.BrowserSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// History returns a copy of the terminated-session ring, newest last.
func (m *Manager) History() []*types.TerminatedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.TerminatedSession, len(m.history))
	copy(out, m.history)
	return out
}

// Terminate tears down one session by id. Sessions already in
// TERMINATING are skipped so a sweep never terminates the same session
// twice.
func (m *Manager) Terminate(ctx context.Context, sessionID string, reason types.TerminationReason) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, types.ErrSessionNotFound)
	}
	if session.State == types.StateTerminating {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, types.ErrSessionTerminating)
	}
	session.State = types.StateTerminating
	m.mu.Unlock()

	// Process teardown and port release happen without the map lock.
	// The supervisor never touches session state; both transitions are
	// written here under the manager's mutex.
	record := m.sup.Terminate(ctx, session, reason)

	m.mu.Lock()
	session.State = types.StateTerminated
	delete(m.sessions, sessionID)
	delete(m.transientMisses, sessionID)
	m.history = append(m.history, record)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	metrics.UpdateSessionMetrics(len(m.sessions))
	m.mu.Unlock()
	return nil
}
