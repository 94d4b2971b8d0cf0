package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/telaris/telaris/internal/event"
)

var (
	ErrSessionExists   = errors.New("session already exists for call-id")
	ErrSessionNotFound = errors.New("no session for call-id")
	ErrAtCapacity      = errors.New("session limit reached")
)

const defaultMaxSessions = 10000

// Manager owns every active session and routes inputs to them by
// Call-ID. Each session runs on its own goroutine; the manager only
// touches the index.
type Manager struct {
	deps        Deps
	maxSessions int
	logger      *slog.Logger

	mu       sync.RWMutex
	byCallID map[string]*Session
	closed   bool
}

// NewManager wires a session manager. Deps left zero get safe
// defaults where one exists; Transport and Router are mandatory.
func NewManager(deps Deps, maxSessions int) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = event.Discard
	}
	if deps.RingTimeout <= 0 {
		deps.RingTimeout = 20 * time.Second
	}
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Manager{
		deps:        deps,
		maxSessions: maxSessions,
		logger:      deps.Logger.With("subsystem", "session"),
		byCallID:    make(map[string]*Session),
	}
}

// Start creates a session for an initial INVITE and begins processing
// on its own goroutine. The returned session is already registered
// under its Call-ID.
func (m *Manager) Start(p StartParams) (*Session, error) {
	s := newSession(m, p)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrAtCapacity
	}
	if _, exists := m.byCallID[p.CallID]; exists {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	if len(m.byCallID) >= m.maxSessions {
		m.mu.Unlock()
		m.logger.Warn("session limit reached, rejecting call",
			"limit", m.maxSessions,
			"caller", p.CallerNum,
		)
		return nil, ErrAtCapacity
	}
	m.byCallID[p.CallID] = s
	m.mu.Unlock()

	go s.run()
	return s, nil
}

// Dispatch delivers an input to the session owning the Call-ID. A
// false ok means no such session is active; the transport responds
// 481 on its own.
func (m *Manager) Dispatch(callID string, in Input) bool {
	m.mu.RLock()
	s, ok := m.byCallID[callID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Deliver(in)
}

// Get looks up an active session by Call-ID.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byCallID[callID]
	return s, ok
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCallID)
}

// Snapshots returns a view of every active session for the ops
// surface.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byCallID))
	for _, s := range m.byCallID {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Shutdown hangs up every active session and waits for them to drain,
// up to the given timeout.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.byCallID))
	for _, s := range m.byCallID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Deliver(Command{Op: OpHangup})
	}

	deadline := time.After(timeout)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-deadline:
			m.logger.Warn("shutdown timeout with sessions still active",
				"remaining", m.Count(),
			)
			return
		}
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.byCallID[s.CallID]; ok && cur == s {
		delete(m.byCallID, s.CallID)
	}
	m.mu.Unlock()
}
