package session

import (
	"sync"

	"github.com/taranbis/digital-twin/internal/broadcast"
)

// Store is the mutex-guarded set of active sessions. Its critical section
// is limited to inserting, erasing, and iterating to enqueue a slot — it is
// never held across a network call.
type Store struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewStore constructs an empty session set.
func NewStore() *Store {
	return &Store{sessions: make(map[*Session]struct{})}
}

// Add registers a session. It does not arrange removal: the session's
// OnClose callback must call Remove (the server passes Remove as OnClose).
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	st.sessions[s] = struct{}{}
	st.mu.Unlock()
}

// Remove unregisters a session. Safe to call more than once.
func (st *Store) Remove(s *Session) {
	st.mu.Lock()
	delete(st.sessions, s)
	st.mu.Unlock()
}

// Len reports the number of currently registered sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Broadcast hands slot to every registered session. Enqueue on each session
// only appends to that session's private queue, so the store's lock is
// never held across a network write.
func (st *Store) Broadcast(slot *broadcast.Slot) {
	st.mu.Lock()
	targets := make([]*Session, 0, len(st.sessions))
	for s := range st.sessions {
		targets = append(targets, s)
	}
	st.mu.Unlock()

	for _, s := range targets {
		s.Enqueue(slot)
	}
}
