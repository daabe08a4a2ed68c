package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNilSession       = errors.New("session is nil")
	ErrInvalidSession   = errors.New("session id is empty")
	ErrSessionEnded     = errors.New("session has ended")
	ErrCacheUnavailable = errors.New("session cache unavailable")
)

// Session is the short-lived handle a caller uses to address one thread.
// The session id doubles as the thread id.
type Session struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func (s *Session) Ended() bool {
	return s != nil && s.EndedAt != nil
}

// SessionCache is the session lookup contract used by the orchestrator.
type SessionCache interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Put(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, sessionID string) error
}

func validateSession(sess *Session) error {
	if sess == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(sess.SessionID) == "" {
		return ErrInvalidSession
	}
	if strings.TrimSpace(sess.UserID) == "" {
		return ErrInvalidUser
	}
	return nil
}

// MemorySessionCache keeps sessions in process memory with an optional idle TTL.
type MemorySessionCache struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemorySessionCache(ttl time.Duration) *MemorySessionCache {
	return &MemorySessionCache{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemorySessionCache) Get(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.ttl > 0 && m.now().Sub(sess.LastActiveAt) > m.ttl {
		delete(m.sessions, sessionID)
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (m *MemorySessionCache) Put(ctx context.Context, sess *Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.SessionID] = *sess
	return nil
}

func (m *MemorySessionCache) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

var _ SessionCache = (*MemorySessionCache)(nil)
