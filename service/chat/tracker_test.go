package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ChatRelay/model"
	"ChatRelay/store/memory"
	"ChatRelay/tools/errs"
)

func seedConversation(st *memory.Store, id string, members ...string) {
	st.AddConversation(&model.Conversation{
		ID:      id,
		Type:    model.ConversationTypeGroup,
		Members: members,
	})
}

func seedMessage(t *testing.T, st *memory.Store, convID, senderID, content string) *model.Message {
	t.Helper()
	msg := &model.Message{ConversationID: convID, SenderID: senderID, Content: content}
	if err := st.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("save message: %v", err)
	}
	return msg
}

// decodeEvents parses everything buffered on the client so far.
func decodeEvents(t *testing.T, c *Client) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case raw := <-c.Send:
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// waitForEvent polls until the client receives an event of the given
// type or the deadline passes.
func waitForEvent(t *testing.T, c *Client, typ EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range decodeEvents(t, c) {
			if ev.Type == typ {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event within deadline", typ)
	return Event{}
}

func newTrackerFixture(t *testing.T) (*memory.Store, *Registry, *Tracker) {
	t.Helper()
	st := memory.New()
	reg := NewRegistry(0)
	rt := NewRouter(reg, 2, 64, 50, nil)
	return st, reg, NewTracker(st, rt)
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	st, reg, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")
	msg := seedMessage(t, st, "conv1", "alice", "hi")

	sender := NewClient("s1", "alice", nil, 16)
	reg.Register(sender)
	drainTransitions(reg)

	at := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.MarkDelivered(context.Background(), msg.ID, "bob", at); err != nil {
				t.Errorf("mark delivered: %v", err)
			}
		}()
	}
	wg.Wait()

	ev := waitForEvent(t, sender, EventDeliveredReceipt)
	if extra := decodeEvents(t, sender); len(extra) != 0 {
		t.Fatalf("duplicate transitions must not re-notify, got %+v", extra)
	}
	if ev.ConversationID != "conv1" {
		t.Fatalf("unexpected conversation %q", ev.ConversationID)
	}

	got, err := st.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(at) {
		t.Fatalf("delivered_at not recorded: %+v", got.DeliveredAt)
	}
}

func TestMarkReadImpliesDelivered(t *testing.T) {
	st, _, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")
	msg := seedMessage(t, st, "conv1", "alice", "hi")

	readAt := time.Now()
	if err := tr.MarkRead(context.Background(), msg.ID, "bob", readAt); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	got, _ := st.GetMessage(context.Background(), msg.ID)
	if got.DeliveredAt == nil {
		t.Fatal("read must drive the delivered edge first")
	}
	if got.ReadMarkerFor("bob") == nil {
		t.Fatal("read marker missing")
	}
}

func TestMarkReadRejectsBackwardTimestamp(t *testing.T) {
	st, _, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")
	msg := seedMessage(t, st, "conv1", "alice", "hi")

	deliveredAt := time.Now()
	if err := tr.MarkDelivered(context.Background(), msg.ID, "bob", deliveredAt); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	err := tr.MarkRead(context.Background(), msg.ID, "bob", deliveredAt.Add(-time.Second))
	if errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("want InvalidState, got %v", err)
	}

	// clamped retry succeeds
	if err := tr.MarkRead(context.Background(), msg.ID, "bob", deliveredAt); err != nil {
		t.Fatalf("clamped retry: %v", err)
	}
	got, _ := st.GetMessage(context.Background(), msg.ID)
	if m := got.ReadMarkerFor("bob"); m == nil || !m.ReadAt.Equal(deliveredAt) {
		t.Fatalf("want read marker at delivered_at, got %+v", m)
	}
}

func TestMarkReadOwnMessageForbidden(t *testing.T) {
	st, _, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")
	msg := seedMessage(t, st, "conv1", "alice", "hi")

	err := tr.MarkRead(context.Background(), msg.ID, "alice", time.Now())
	if errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("sender reading own message must be InvalidState, got %v", err)
	}
}

func TestDeletedMessageHaltsTransitions(t *testing.T) {
	st, _, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")
	msg := seedMessage(t, st, "conv1", "alice", "hi")

	if err := st.SetDeleted(context.Background(), msg.ID); err != nil {
		t.Fatalf("set deleted: %v", err)
	}
	if err := tr.MarkDelivered(context.Background(), msg.ID, "bob", time.Now()); err != nil {
		t.Fatalf("delivered on deleted must be a no-op, got %v", err)
	}
	if err := tr.MarkRead(context.Background(), msg.ID, "bob", time.Now()); err != nil {
		t.Fatalf("read on deleted must be a no-op, got %v", err)
	}
	got, _ := st.GetMessage(context.Background(), msg.ID)
	if got.DeliveredAt != nil || len(got.ReadBy) != 0 {
		t.Fatalf("deleted message must not accumulate receipt state: %+v", got)
	}
}

func TestMarkReadIsSetOncePerRecipient(t *testing.T) {
	st, reg, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")
	msg := seedMessage(t, st, "conv1", "alice", "hi")

	sender := NewClient("s1", "alice", nil, 32)
	reg.Register(sender)
	drainTransitions(reg)

	first := time.Now()
	if err := tr.MarkRead(context.Background(), msg.ID, "bob", first); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if err := tr.MarkRead(context.Background(), msg.ID, "bob", first.Add(time.Minute)); err != nil {
		t.Fatalf("repeat read must be a silent no-op, got %v", err)
	}

	got, _ := st.GetMessage(context.Background(), msg.ID)
	if m := got.ReadMarkerFor("bob"); m == nil || !m.ReadAt.Equal(first) {
		t.Fatalf("read marker must keep the first timestamp, got %+v", m)
	}

	waitForEvent(t, sender, EventReadReceipt)
	// the implied delivered receipt may still be in flight; only a
	// second read receipt would be a bug
	time.Sleep(50 * time.Millisecond)
	for _, ev := range decodeEvents(t, sender) {
		if ev.Type == EventReadReceipt {
			t.Fatalf("repeat read must not re-notify, got %+v", ev)
		}
	}
}

// TestReceiptOrderingInvariant hammers random interleavings of the two
// transitions and checks the state machine afterwards: a read marker
// implies a delivered edge no later than the read.
func TestReceiptOrderingInvariant(t *testing.T) {
	st, _, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")

	for round := 0; round < 50; round++ {
		msg := seedMessage(t, st, "conv1", "alice", "hi")
		base := time.Now()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				at := base.Add(time.Duration(i) * time.Millisecond)
				if i%2 == 0 {
					tr.MarkDelivered(context.Background(), msg.ID, "bob", at)
				} else {
					err := tr.MarkRead(context.Background(), msg.ID, "bob", at)
					if err != nil && errs.CodeOf(err) != errs.CodeInvalidState {
						t.Errorf("round %d: unexpected error %v", round, err)
					}
				}
			}(i)
		}
		wg.Wait()

		got, err := st.GetMessage(context.Background(), msg.ID)
		if err != nil {
			t.Fatalf("round %d: get message: %v", round, err)
		}
		if got.DeliveredAt == nil {
			t.Fatalf("round %d: delivered edge missing", round)
		}
		if m := got.ReadMarkerFor("bob"); m != nil && m.ReadAt.Before(*got.DeliveredAt) {
			t.Fatalf("round %d: read %v precedes delivery %v", round, m.ReadAt, got.DeliveredAt)
		}
	}
}

func TestCatchUpMarksBacklogDelivered(t *testing.T) {
	st, _, tr := newTrackerFixture(t)
	seedConversation(st, "conv1", "alice", "bob")
	m1 := seedMessage(t, st, "conv1", "alice", "one")
	m2 := seedMessage(t, st, "conv1", "alice", "two")
	mine := seedMessage(t, st, "conv1", "bob", "mine")

	if err := tr.CatchUp(context.Background(), "bob"); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	for _, id := range []string{m1.ID, m2.ID} {
		got, _ := st.GetMessage(context.Background(), id)
		if got.DeliveredAt == nil {
			t.Fatalf("message %s should be delivered after catch-up", id)
		}
	}
	got, _ := st.GetMessage(context.Background(), mine.ID)
	if got.DeliveredAt != nil {
		t.Fatal("own message must not be caught up as delivered to its sender")
	}
}
