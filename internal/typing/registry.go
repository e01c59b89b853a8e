// Package typing tracks who is typing in which conversation, and owns the
// sender-side debounce contract for local typing signals.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultTTL is how long a typing entry lives without a refresh. It must
// exceed the sender-side debounce window so a continuously typing peer never
// flickers out of the set between refreshes.
const DefaultTTL = 3 * time.Second

// Registry maintains, per conversation, the set of users currently typing.
// Entries expire if no refresh arrives within the TTL. The Registry owns its
// expiry timers; Leave and Close cancel them so none fires against torn-down
// state.
type Registry struct {
	log zerolog.Logger
	ttl time.Duration

	mu            sync.Mutex
	conversations map[string]map[string]*time.Timer
}

// NewRegistry returns a Registry expiring entries after ttl
// (DefaultTTL when zero).
func NewRegistry(ttl time.Duration, log zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		log:           log,
		ttl:           ttl,
		conversations: make(map[string]map[string]*time.Timer),
	}
}

// HandleEvent applies one typing event. A true event creates or refreshes the
// user's entry (idempotent); a false event removes it. A conversation whose
// set becomes empty is deleted so idle conversations cost no memory.
func (r *Registry) HandleEvent(conversationID, userID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !isTyping {
		r.removeLocked(conversationID, userID)
		return
	}

	users := r.conversations[conversationID]
	if users == nil {
		users = make(map[string]*time.Timer)
		r.conversations[conversationID] = users
	}
	if prev, ok := users[userID]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(r.ttl, func() { r.expire(conversationID, userID, t) })
	users[userID] = t
}

// TypingUsers returns the users currently typing in a conversation, sorted.
func (r *Registry) TypingUsers(conversationID string) []string {
	r.mu.Lock()
	ids := lo.Keys(r.conversations[conversationID])
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// IsTyping reports whether userID is typing in the conversation.
func (r *Registry) IsTyping(conversationID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conversations[conversationID][userID]
	return ok
}

// Leave drops all typing state for a conversation and cancels its timers.
func (r *Registry) Leave(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.conversations[conversationID] {
		t.Stop()
	}
	delete(r.conversations, conversationID)
}

// Close cancels every outstanding timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, users := range r.conversations {
		for _, t := range users {
			t.Stop()
		}
	}
	r.conversations = make(map[string]map[string]*time.Timer)
}

// expire fires on timeout. The pointer comparison discards a stale fire that
// lost the race against a refresh.
func (r *Registry) expire(conversationID, userID string, t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conversations[conversationID][userID]; ok && cur == t {
		r.log.Debug().
			Str("conversation", conversationID).
			Str("user", userID).
			Msg("typing entry expired")
		r.removeLocked(conversationID, userID)
	}
}

func (r *Registry) removeLocked(conversationID, userID string) {
	users, ok := r.conversations[conversationID]
	if !ok {
		return
	}
	if t, ok := users[userID]; ok {
		t.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(r.conversations, conversationID)
	}
}
