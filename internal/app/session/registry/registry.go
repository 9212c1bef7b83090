// Package registry tracks the live playback session of each guild.
package registry

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/osa030/patchouli/internal/app/playback"
)

var (
	ErrSessionExists   = errors.New("session already exists for guild")
	ErrSessionNotFound = errors.New("no session for guild")
)

// SessionRegistry maps guild IDs to their playback controllers.
// A guild has at most one entry; an entry exists only while its session is live.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*playback.Controller
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*playback.Controller),
	}
}

// Get returns the session for a guild.
func (r *SessionRegistry) Get(guildID string) (*playback.Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctrl, ok := r.sessions[guildID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ctrl, nil
}

// CreateAndInsert builds a session with create and stores it, unless the
// guild already has one. The check and insert are atomic.
func (r *SessionRegistry) CreateAndInsert(guildID string, create func() *playback.Controller) (*playback.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctrl, ok := r.sessions[guildID]; ok {
		return ctrl, ErrSessionExists
	}
	ctrl := create()
	r.sessions[guildID] = ctrl
	return ctrl, nil
}

// Remove deletes the entry for a guild if it is still ctrl.
// Removing an absent entry is a no-op.
func (r *SessionRegistry) Remove(guildID string, ctrl *playback.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[guildID]; ok && (ctrl == nil || cur == ctrl) {
		delete(r.sessions, guildID)
	}
}

// All returns all live sessions ordered by guild ID.
func (r *SessionRegistry) All() []*playback.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]*playback.Controller, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.sessions[id])
	}
	return result
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
