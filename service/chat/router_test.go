package chat

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func publishN(rt *Router, n int, recipients ...string) {
	for i := 0; i < n; i++ {
		rt.Publish(&Event{
			Type:           EventNewMessage,
			ConversationID: "conv1",
			Sequence:       int64(i + 1),
			Payload:        map[string]string{"content": fmt.Sprintf("m%d", i)},
		}, recipients)
	}
}

func TestRouterSkipsOfflineRecipients(t *testing.T) {
	reg := NewRegistry(0)
	rt := NewRouter(reg, 1, 16, 50, nil)

	// nobody registered for "ghost"; must not panic or block
	publishN(rt, 3, "ghost")
	time.Sleep(20 * time.Millisecond)
}

func TestRouterDeliversToEveryConnection(t *testing.T) {
	reg := NewRegistry(0)
	rt := NewRouter(reg, 1, 64, 50, nil)

	a := NewClient("a", "alice", nil, 64)
	b := NewClient("b", "alice", nil, 64)
	reg.Register(a)
	reg.Register(b)
	drainTransitions(reg)

	publishN(rt, 5, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Send) == 5 && len(b.Send) == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(a.Send) != 5 || len(b.Send) != 5 {
		t.Fatalf("want 5 events per connection, got a=%d b=%d", len(a.Send), len(b.Send))
	}

	var ev Event
	if err := json.Unmarshal(<-a.Send, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventNewMessage || ev.Sequence != 1 {
		t.Fatalf("unexpected first event: %+v", ev)
	}
}

func TestRouterForceDisconnectsSlowConsumer(t *testing.T) {
	const maxStuck = 5
	reg := NewRegistry(0)
	rt := NewRouter(reg, 1, 128, maxStuck, nil)

	fast := NewClient("fast", "alice", nil, 128)
	slow := NewClient("slow", "alice", nil, 1) // fills after one event
	reg.Register(fast)
	reg.Register(slow)
	drainTransitions(reg)

	// 1 fill + maxStuck failures
	publishN(rt, maxStuck+2, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.ConnCount("alice") == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := reg.ConnCount("alice"); n != 1 {
		t.Fatalf("slow consumer should be force-disconnected, conns=%d", n)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client should be closed")
	}

	// healthy sibling keeps everything and the user stays online
	if len(fast.Send) != maxStuck+2 {
		t.Fatalf("fast connection must see all events, got %d", len(fast.Send))
	}
	if !reg.IsOnline("alice") {
		t.Fatal("user must stay online through a sibling disconnect")
	}
	if got := drainTransitions(reg); len(got) != 0 {
		t.Fatalf("sibling disconnect must not emit presence edges, got %+v", got)
	}
}

func TestRouterDeliveredHookFiresOncePerRecipient(t *testing.T) {
	reg := NewRegistry(0)
	rt := NewRouter(reg, 1, 16, 50, nil)

	hits := make(chan string, 8)
	rt.SetDeliveredHook(func(_ *Event, recipientID string) { hits <- recipientID })

	c := NewClient("c1", "bob", nil, 16)
	reg.Register(c)
	drainTransitions(reg)

	rt.Publish(&Event{Type: EventNewMessage, ConversationID: "conv1", Sequence: 1}, []string{"bob", "ghost"})

	select {
	case who := <-hits:
		if who != "bob" {
			t.Fatalf("hook for wrong recipient %q", who)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivered hook never fired")
	}
	select {
	case who := <-hits:
		t.Fatalf("hook fired again for %q", who)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterHookSkipsNonMessageEvents(t *testing.T) {
	reg := NewRegistry(0)
	rt := NewRouter(reg, 1, 16, 50, nil)

	hits := make(chan string, 1)
	rt.SetDeliveredHook(func(_ *Event, recipientID string) { hits <- recipientID })

	c := NewClient("c1", "bob", nil, 16)
	reg.Register(c)
	drainTransitions(reg)

	rt.Publish(&Event{Type: EventTypingStart, ConversationID: "conv1",
		Payload: TypingPayload{UserID: "alice"}}, []string{"bob"})

	select {
	case who := <-hits:
		t.Fatalf("typing events must not trip the delivered hook, got %q", who)
	case <-time.After(50 * time.Millisecond):
	}
}
