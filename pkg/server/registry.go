package server

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry holds the joined sessions.
//
// IDs are allocated under the same lock as the insertion, so ID order is
// insertion order and any snapshot is a prefix-consistent view: if it
// contains session n it contains every live session with a smaller ID.
// IDs are never reused.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		metrics:  metrics,
	}
}

// Register assigns sess a fresh ID and inserts it.
func (r *Registry) Register(sess *Session) uint64 {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	sess.ID = id
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionRegistered()
	return id
}

// Deregister removes the session with the given ID. It reports whether
// anything was removed; removing an absent ID is a no-op.
func (r *Registry) Deregister(id uint64) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.metrics.RecordActiveSessions(count)
	}
	return ok
}

// Lookup returns the session with the given ID.
func (r *Registry) Lookup(id uint64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Snapshot returns a point-in-time copy of all sessions ordered by ID.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return sessions
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// FindByName finds a session by display name, ignoring case. Display
// names are only written on the dispatcher goroutine, which is also the
// only caller.
func (r *Registry) FindByName(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sess := range r.sessions {
		if strings.EqualFold(sess.DisplayName, name) {
			return sess, true
		}
	}
	return nil, false
}
