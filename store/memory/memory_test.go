package memory

import (
	"context"
	"testing"
	"time"

	"ChatRelay/model"
	"ChatRelay/store"
)

func seed(t *testing.T) (*Store, *model.Message) {
	t.Helper()
	s := New()
	s.AddConversation(&model.Conversation{
		ID:      "conv1",
		Type:    model.ConversationTypeDirect,
		Members: []string{"alice", "bob"},
	})
	msg := &model.Message{ConversationID: "conv1", SenderID: "alice", Content: "hi"}
	if err := s.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("save: %v", err)
	}
	return s, msg
}

func TestSaveMessageAssignsMonotonicSeq(t *testing.T) {
	s, first := seed(t)
	if first.Seq != 1 {
		t.Fatalf("want seq 1, got %d", first.Seq)
	}
	second := &model.Message{ConversationID: "conv1", SenderID: "bob", Content: "yo"}
	if err := s.SaveMessage(context.Background(), second); err != nil {
		t.Fatalf("save: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("want seq 2, got %d", second.Seq)
	}
	if second.ID == "" || second.CreatedAt.IsZero() {
		t.Fatalf("save must assign id and created_at: %+v", second)
	}
}

func TestSaveMessageUnknownConversation(t *testing.T) {
	s := New()
	err := s.SaveMessage(context.Background(), &model.Message{ConversationID: "nope"})
	if err != store.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSetDeliveredAtIsSetOnce(t *testing.T) {
	s, msg := seed(t)
	first := time.Now()

	changed, err := s.SetDeliveredAt(context.Background(), msg.ID, first)
	if err != nil || !changed {
		t.Fatalf("first set: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetDeliveredAt(context.Background(), msg.ID, first.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("second set must be a no-op: changed=%v err=%v", changed, err)
	}
	got, _ := s.GetMessage(context.Background(), msg.ID)
	if !got.DeliveredAt.Equal(first) {
		t.Fatalf("delivered_at overwritten: %v", got.DeliveredAt)
	}
}

func TestSetReadMarkerPerRecipient(t *testing.T) {
	s, msg := seed(t)
	at := time.Now()

	changed, err := s.SetReadMarker(context.Background(), msg.ID, "bob", at)
	if err != nil || !changed {
		t.Fatalf("first marker: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetReadMarker(context.Background(), msg.ID, "bob", at.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("repeat marker must be a no-op: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetReadMarker(context.Background(), msg.ID, "carol", at)
	if err != nil || !changed {
		t.Fatalf("distinct recipient must get its own marker: changed=%v err=%v", changed, err)
	}
}

func TestDeletedMessageRefusesReceipts(t *testing.T) {
	s, msg := seed(t)
	if err := s.SetDeleted(context.Background(), msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if changed, _ := s.SetDeliveredAt(context.Background(), msg.ID, time.Now()); changed {
		t.Fatal("deleted message accepted a delivered edge")
	}
	if changed, _ := s.SetReadMarker(context.Background(), msg.ID, "bob", time.Now()); changed {
		t.Fatal("deleted message accepted a read marker")
	}
}

func TestGetUndeliveredMessagesFiltersProperly(t *testing.T) {
	s, msg := seed(t)

	own := &model.Message{ConversationID: "conv1", SenderID: "bob", Content: "mine"}
	if err := s.SaveMessage(context.Background(), own); err != nil {
		t.Fatalf("save: %v", err)
	}
	delivered := &model.Message{ConversationID: "conv1", SenderID: "alice", Content: "seen"}
	if err := s.SaveMessage(context.Background(), delivered); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.SetDeliveredAt(context.Background(), delivered.ID, time.Now()); err != nil {
		t.Fatalf("set delivered: %v", err)
	}

	got, err := s.GetUndeliveredMessages(context.Background(), "bob")
	if err != nil {
		t.Fatalf("get undelivered: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("want only the pending message, got %+v", got)
	}
}

func TestGetFriendsAcceptedOnly(t *testing.T) {
	s := New()
	s.AddFriendship("alice", "bob", model.FriendshipStatusAccepted)
	s.AddFriendship("carol", "alice", model.FriendshipStatusAccepted)
	s.AddFriendship("alice", "mallory", model.FriendshipStatusBlocked)
	s.AddFriendship("dave", "alice", model.FriendshipStatusPending)

	got, err := s.GetFriends(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get friends: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want [bob carol] in either order, got %v", got)
	}
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["bob"] || !seen["carol"] {
		t.Fatalf("want bob and carol, got %v", got)
	}
}
