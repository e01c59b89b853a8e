// Package presence tracks which users are online and their advertised status.
package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/Aks-20/SocialChat/internal/protocol"
)

// Tracker maintains the online roster and per-user status. Both are derived
// entirely from server-pushed events; nothing is inferred locally.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	status map[string]string
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
		status: make(map[string]string),
	}
}

// SetRoster replaces the entire online set atomically.
func (t *Tracker) SetRoster(userIDs []string) {
	next := lo.SliceToMap(userIDs, func(id string) (string, struct{}) {
		return id, struct{}{}
	})
	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
}

// SetOnline marks a single user online.
func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	t.online[userID] = struct{}{}
	t.mu.Unlock()
}

// SetOffline removes a user from the roster and clears their status.
// Status and presence are coupled only on this transition.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	delete(t.online, userID)
	delete(t.status, userID)
	t.mu.Unlock()
}

// SetStatus records a user's advertised status, independent of the roster.
func (t *Tracker) SetStatus(userID, status string) {
	t.mu.Lock()
	t.status[userID] = status
	t.mu.Unlock()
}

// IsOnline reports whether the user is in the roster.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	_, ok := t.online[userID]
	t.mu.RUnlock()
	return ok
}

// StatusOf returns the user's status, defaulting to offline when unknown.
func (t *Tracker) StatusOf(userID string) string {
	t.mu.RLock()
	s, ok := t.status[userID]
	t.mu.RUnlock()
	if !ok {
		return protocol.StatusOffline
	}
	return s
}

// Online returns the roster sorted ascending.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := lo.Keys(t.online)
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
