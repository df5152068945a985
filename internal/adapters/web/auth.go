package web

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthManager issues single-use web tokens (sent to the admin via the "/auth"
// admin command) and tracks the cookie sessions they upgrade into.
type AuthManager struct {
	mu         sync.RWMutex
	token      string
	sessions   map[string]*Session
	sessionTTL time.Duration
}

// Session is one browser session admitted past the auth token gate.
type Session struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

func NewAuthManager(sessionTTL time.Duration) *AuthManager {
	return &AuthManager{
		sessions:   make(map[string]*Session),
		sessionTTL: sessionTTL,
	}
}

// GenerateAuthToken mints a fresh one-time token and drops every existing
// session — requesting a new auth link invalidates whatever was issued
// before it.
func (am *AuthManager) GenerateAuthToken() string {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.token = uuid.New().String()
	am.sessions = make(map[string]*Session)
	return am.token
}

// ValidateToken opens a new session if token matches the current one. It
// does not clear the token; DeleteCurrentToken does that.
func (am *AuthManager) ValidateToken(token string) (string, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if token == "" || am.token == "" || token != am.token {
		return "", false
	}
	sessionID := uuid.New().String()
	now := time.Now()
	am.sessions[sessionID] = &Session{ID: sessionID, CreatedAt: now, LastSeen: now}
	return sessionID, true
}

func (am *AuthManager) ValidateSession(sessionID string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()
	session, ok := am.sessions[sessionID]
	if !ok {
		return false
	}
	if time.Since(session.LastSeen) > am.sessionTTL {
		delete(am.sessions, sessionID)
		return false
	}
	session.LastSeen = time.Now()
	return true
}

func (am *AuthManager) CleanExpiredSessions() {
	am.mu.Lock()
	defer am.mu.Unlock()
	now := time.Now()
	for id, session := range am.sessions {
		if now.Sub(session.LastSeen) > am.sessionTTL {
			delete(am.sessions, id)
		}
	}
}

// DeleteCurrentToken invalidates the outstanding one-time token without
// touching already-admitted sessions (used once the token has been consumed).
func (am *AuthManager) DeleteCurrentToken() {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.token = ""
}
