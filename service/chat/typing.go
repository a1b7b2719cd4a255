package chat

import (
	"sort"
	"sync"
	"time"

	"ChatRelay/tools/safe"
)

type typingKey struct {
	ConversationID string
	UserID         string
}

// TypingTracker holds soft typing indicators with a TTL. Indicators are
// never persisted; a user who stops sending refreshes simply ages out
// and the janitor announces the implicit stop.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[typingKey]time.Time // expiry instant
	ttl     time.Duration

	now func() time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		entries: make(map[typingKey]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Refresh starts or extends the indicator. Returns true when the user
// was not already typing in the conversation, i.e. a typing_start
// should be broadcast.
func (t *TypingTracker) Refresh(conversationID, userID string) bool {
	k := typingKey{ConversationID: conversationID, UserID: userID}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.entries[k]
	t.entries[k] = now.Add(t.ttl)
	return !ok || !exp.After(now)
}

// Stop clears the indicator. Returns true when it was still live, i.e.
// a typing_stop should be broadcast.
func (t *TypingTracker) Stop(conversationID, userID string) bool {
	k := typingKey{ConversationID: conversationID, UserID: userID}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.entries[k]
	if !ok {
		return false
	}
	delete(t.entries, k)
	return exp.After(now)
}

// Snapshot returns the users currently typing in the conversation,
// expired entries excluded. Feeds the connected hello frame so a late
// subscriber never sees a stale indicator.
func (t *TypingTracker) Snapshot(conversationID string) []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for k, exp := range t.entries {
		if k.ConversationID != conversationID || !exp.After(now) {
			continue
		}
		users = append(users, k.UserID)
	}
	sort.Strings(users)
	return users
}

// SnapshotAll returns every live indicator keyed by conversation.
func (t *TypingTracker) SnapshotAll() map[string][]string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]string)
	for k, exp := range t.entries {
		if !exp.After(now) {
			continue
		}
		out[k.ConversationID] = append(out[k.ConversationID], k.UserID)
	}
	for _, users := range out {
		sort.Strings(users)
	}
	return out
}

// RunJanitor sweeps expired indicators and reports each one through
// onExpire so the server can broadcast the implicit typing_stop. Stops
// when done is closed.
func (t *TypingTracker) RunJanitor(done <-chan struct{}, onExpire func(conversationID, userID string)) {
	interval := t.ttl / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	safe.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, k := range t.sweep() {
					onExpire(k.ConversationID, k.UserID)
				}
			}
		}
	})
}

func (t *TypingTracker) sweep() []typingKey {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []typingKey
	for k, exp := range t.entries {
		if exp.After(now) {
			continue
		}
		delete(t.entries, k)
		expired = append(expired, k)
	}
	return expired
}
