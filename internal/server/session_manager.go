package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/expensebridge/internal/logging"
)

// DefaultSessionTimeout is how long an idle session binding is kept.
const DefaultSessionTimeout = 24 * time.Hour

// sessionInfo tracks session metadata for cleanup
type sessionInfo struct {
	principal  string
	lastAccess time.Time
}

// SessionPrincipals binds MCP session ids to principals so that a client
// which authorized once does not have to repeat its principal on every call.
type SessionPrincipals struct {
	sessions       map[string]*sessionInfo
	mu             sync.Mutex
	cleanupTicker  *time.Ticker
	cleanupDone    chan struct{}
	stopOnce       sync.Once
	sessionTimeout time.Duration
	logger         *slog.Logger
}

// NewSessionPrincipals creates a binding table and starts its cleanup loop.
// Call Stop to end it.
func NewSessionPrincipals(timeout time.Duration, logger *slog.Logger) *SessionPrincipals {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &SessionPrincipals{
		sessions:       make(map[string]*sessionInfo),
		cleanupTicker:  time.NewTicker(10 * time.Minute),
		cleanupDone:    make(chan struct{}),
		sessionTimeout: timeout,
		logger:         logger,
	}
	go m.cleanupExpiredSessions()
	return m
}

// Principal returns the principal bound to sessionID.
func (m *SessionPrincipals) Principal(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	info.lastAccess = time.Now()
	return info.principal, true
}

// Bind associates principal with sessionID, replacing any earlier binding.
func (m *SessionPrincipals) Bind(sessionID, principal string) {
	if sessionID == "" || principal == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionInfo{
		principal:  principal,
		lastAccess: time.Now(),
	}
}

// Remove drops the binding for sessionID.
func (m *SessionPrincipals) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Len returns the number of bound sessions.
func (m *SessionPrincipals) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionPrincipals) cleanupExpiredSessions() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.expire(time.Now())
		case <-m.cleanupDone:
			return
		}
	}
}

func (m *SessionPrincipals) expire(now time.Time) {
	m.mu.Lock()
	expired := 0
	for id, info := range m.sessions {
		if now.Sub(info.lastAccess) > m.sessionTimeout {
			m.logger.Debug("session binding expired",
				logging.PrincipalHash(info.principal))
			delete(m.sessions, id)
			expired++
		}
	}
	m.mu.Unlock()
	if expired > 0 {
		m.logger.Info("cleaned up expired session bindings", "count", expired)
	}
}

// Stop ends the cleanup loop.
func (m *SessionPrincipals) Stop() {
	m.stopOnce.Do(func() {
		m.cleanupTicker.Stop()
		close(m.cleanupDone)
	})
}
