// Package session holds the volatile per-user authentication state.
//
// Everything here lives in process memory only: a restart logs every user
// out. That is intentional: the bot re-prompts for credentials instead of
// persisting tokens anywhere.
package session

import (
	"sync"

	"kpibot/internal/kpi"
)

// Session is one authenticated user's state, keyed by Telegram user ID.
type Session struct {
	UserID       int64
	AccessToken  string
	RefreshToken string

	// Username is the login identifier the user typed (phone number).
	Username string

	// Profile is display data from the login response. It is shown by
	// /status and the login summary; the bot makes no decisions on it.
	Profile kpi.Profile
}

// Store is a mutex-guarded in-memory session map.
//
// It is mutated by the controller (login/logout) and read concurrently by
// every poll loop, so all access goes through the lock. No locks are held
// across network calls.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[int64]*Session)}
}

// Save inserts or replaces the session for s.UserID.
func (st *Store) Save(s *Session) {
	if s == nil {
		return
	}
	st.mu.Lock()
	st.sessions[s.UserID] = s
	st.mu.Unlock()
}

// Get returns the session for userID, or nil if the user is not logged in.
// The returned pointer is shared; treat it as read-only.
func (st *Store) Get(userID int64) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[userID]
}

// AccessToken returns the current token for userID and whether a session
// exists. Pollers call this every cycle so a logout or session replacement
// is observed at the next cycle boundary.
func (st *Store) AccessToken(userID int64) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[userID]
	if !ok {
		return "", false
	}
	return s.AccessToken, true
}

// Delete removes the session for userID (no-op when absent) and reports
// whether a session was present.
func (st *Store) Delete(userID int64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sessions[userID]
	delete(st.sessions, userID)
	return ok
}

// Len returns the number of logged-in users.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
