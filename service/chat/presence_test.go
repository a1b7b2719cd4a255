package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"ChatRelay/model"
	"ChatRelay/store/memory"
)

type recordingMirror struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMirror) PresenceOnline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, userID+":online")
	return nil
}

func (m *recordingMirror) PresenceOffline(_ context.Context, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, userID+":offline")
	return nil
}

func (m *recordingMirror) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func newPresenceFixture(t *testing.T, window time.Duration) (*memory.Store, *Registry, *Presence) {
	t.Helper()
	st := memory.New()
	reg := NewRegistry(0)
	rt := NewRouter(reg, 2, 64, 50, nil)
	return st, reg, NewPresence(st, rt, nil, window)
}

func TestPresenceBroadcastToFriendsAndMembers(t *testing.T) {
	st, reg, pr := newPresenceFixture(t, 0)
	st.AddFriendship("alice", "frida", model.FriendshipStatusAccepted)
	st.AddFriendship("alice", "pending-pete", model.FriendshipStatusPending)
	seedConversation(st, "conv1", "alice", "bob")

	frida := NewClient("f1", "frida", nil, 16)
	bob := NewClient("b1", "bob", nil, 16)
	pete := NewClient("p1", "pending-pete", nil, 16)
	reg.Register(frida)
	reg.Register(bob)
	reg.Register(pete)
	drainTransitions(reg)

	pr.Observe(Transition{UserID: "alice", Online: true, At: time.Now()})

	for _, c := range []*Client{frida, bob} {
		ev := waitForEvent(t, c, EventPresenceChange)
		if ev.ConversationID != "" {
			t.Fatalf("presence is not conversation-scoped, got %q", ev.ConversationID)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if evs := decodeEvents(t, pete); len(evs) != 0 {
		t.Fatalf("pending friendship must not receive presence, got %+v", evs)
	}
}

func TestPresenceDebounceCollapsesFlap(t *testing.T) {
	st, reg, pr := newPresenceFixture(t, 40*time.Millisecond)
	st.AddFriendship("alice", "frida", model.FriendshipStatusAccepted)

	frida := NewClient("f1", "frida", nil, 16)
	reg.Register(frida)
	drainTransitions(reg)

	now := time.Now()
	// never-published user flaps online->offline inside one window:
	// peers already assume offline, so nothing goes out
	pr.Observe(Transition{UserID: "alice", Online: true, At: now})
	pr.Observe(Transition{UserID: "alice", Online: false, At: now.Add(10 * time.Millisecond)})

	time.Sleep(120 * time.Millisecond)
	if evs := decodeEvents(t, frida); len(evs) != 0 {
		t.Fatalf("settled flap must publish nothing, got %+v", evs)
	}

	// a settle on the other side publishes exactly once
	pr.Observe(Transition{UserID: "alice", Online: false, At: now})
	pr.Observe(Transition{UserID: "alice", Online: true, At: now.Add(10 * time.Millisecond)})
	ev := waitForEvent(t, frida, EventPresenceChange)
	if ev.Type != EventPresenceChange {
		t.Fatalf("unexpected event %+v", ev)
	}
	time.Sleep(80 * time.Millisecond)
	if evs := decodeEvents(t, frida); len(evs) != 0 {
		t.Fatalf("one edge, one broadcast; got extras %+v", evs)
	}
}

func TestPresenceNoRebroadcastOfSameState(t *testing.T) {
	st, reg, pr := newPresenceFixture(t, 0)
	st.AddFriendship("alice", "frida", model.FriendshipStatusAccepted)

	frida := NewClient("f1", "frida", nil, 16)
	reg.Register(frida)
	drainTransitions(reg)

	pr.Observe(Transition{UserID: "alice", Online: true, At: time.Now()})
	waitForEvent(t, frida, EventPresenceChange)

	pr.Observe(Transition{UserID: "alice", Online: true, At: time.Now()})
	time.Sleep(50 * time.Millisecond)
	if evs := decodeEvents(t, frida); len(evs) != 0 {
		t.Fatalf("repeated state must not re-broadcast, got %+v", evs)
	}
}

func TestPresenceMirrorSeesRawTransitions(t *testing.T) {
	st := memory.New()
	reg := NewRegistry(0)
	rt := NewRouter(reg, 1, 16, 50, nil)
	mirror := &recordingMirror{}
	// long window: the mirror must not wait for the debounce
	pr := NewPresence(st, rt, mirror, time.Hour)

	now := time.Now()
	pr.Observe(Transition{UserID: "alice", Online: true, At: now})
	pr.Observe(Transition{UserID: "alice", Online: false, At: now.Add(time.Second)})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mirror.snapshot()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := mirror.snapshot()
	if len(got) != 2 {
		t.Fatalf("mirror must see every raw edge, got %v", got)
	}
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["alice:online"] || !seen["alice:offline"] {
		t.Fatalf("mirror must see both edges, got %v", got)
	}
}
