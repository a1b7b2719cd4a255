package model

import "time"

const (
	ConversationTypeDirect = "direct"
	ConversationTypeGroup  = "group"
)

const (
	ConversationFieldID      = "conversation_id"
	ConversationFieldMembers = "members"
	ConversationFieldMaxSeq  = "max_seq"
)

// Conversation membership is external to the core: the core only reads
// Members to resolve fan-out targets, never mutates it.
type Conversation struct {
	ID        string    `bson:"conversation_id" json:"conversation_id"`
	Type      string    `bson:"type" json:"type"`
	Title     string    `bson:"title,omitempty" json:"title,omitempty"`
	CreatedBy string    `bson:"created_by" json:"created_by"`
	Members   []string  `bson:"members" json:"members"`
	MaxSeq    int64     `bson:"max_seq" json:"max_seq"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// HasMember reports membership without touching the store.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// RecipientsExcluding returns members minus the given user, the usual
// fan-out target set for sender-originated events.
func (c *Conversation) RecipientsExcluding(userID string) []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out
}
