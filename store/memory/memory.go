package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ChatRelay/model"
	"ChatRelay/store"
	"ChatRelay/tools/ids"
)

// Store is an in-memory store.Store used by tests and dev mode. All
// operations take the single mutex, which makes each call atomic the
// same way the real backends are.
type Store struct {
	mu            sync.Mutex
	messages      map[string]*model.Message
	conversations map[string]*model.Conversation
	friendships   []model.Friendship
	reactions     []model.Reaction
}

func New() *Store {
	return &Store{
		messages:      make(map[string]*model.Message),
		conversations: make(map[string]*model.Conversation),
	}
}

// ---- seeding helpers (dev/tests) ----

func (s *Store) AddConversation(c *model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.conversations[cp.ID] = &cp
}

func (s *Store) AddFriendship(userID, friendID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friendships = append(s.friendships,
		model.Friendship{UserID: userID, FriendID: friendID, Status: status, CreatedAt: time.Now()})
}

// ---- store.Store ----

func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return store.ErrNotFound
	}
	conv.MaxSeq++
	msg.Seq = conv.MaxSeq
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	cp.ReadBy = append([]model.ReadMarker(nil), m.ReadBy...)
	return &cp, nil
}

func (s *Store) GetUnreadMessagesSince(ctx context.Context, userID, conversationID string, since int64) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Seq > since && !m.Deleted {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) GetUndeliveredMessages(ctx context.Context, userID string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.Deleted || m.DeliveredAt != nil || m.SenderID == userID {
			continue
		}
		conv, ok := s.conversations[m.ConversationID]
		if !ok || !conv.HasMember(userID) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) SetDeliveredAt(ctx context.Context, messageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.Deleted || m.DeliveredAt != nil {
		return false, nil
	}
	t := at
	m.DeliveredAt = &t
	return true, nil
}

func (s *Store) SetReadMarker(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.Deleted || m.ReadMarkerFor(userID) != nil {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, model.ReadMarker{UserID: userID, ReadAt: at})
	return true, nil
}

func (s *Store) SetEdited(ctx context.Context, messageID, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	if m.Deleted {
		return nil
	}
	m.Content = content
	t := at
	m.EditedAt = &t
	return nil
}

func (s *Store) SetDeleted(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	m.Deleted = true
	return nil
}

func (s *Store) AddReaction(ctx context.Context, r *model.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[r.MessageID]; !ok {
		return store.ErrNotFound
	}
	for _, x := range s.reactions {
		if x.MessageID == r.MessageID && x.UserID == r.UserID && x.Emoji == r.Emoji {
			return nil
		}
	}
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.reactions = append(s.reactions, cp)
	return nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.reactions[:0]
	for _, x := range s.reactions {
		if x.MessageID == messageID && x.UserID == userID && x.Emoji == emoji {
			continue
		}
		out = append(out, x)
	}
	s.reactions = out
	return nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	return &cp, nil
}

func (s *Store) GetConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return c.Members, nil
}

func (s *Store) GetConversationIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, c := range s.conversations {
		if c.HasMember(userID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetFriends(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.friendships {
		if f.Status != model.FriendshipStatusAccepted {
			continue
		}
		switch userID {
		case f.UserID:
			out = append(out, f.FriendID)
		case f.FriendID:
			out = append(out, f.UserID)
		}
	}
	return out, nil
}
