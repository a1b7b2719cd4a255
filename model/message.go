package model

import "time"

// Message field names shared by the mongo store filters.
const (
	MessageFieldID             = "message_id"
	MessageFieldConversationID = "conversation_id"
	MessageFieldSenderID       = "sender_id"
	MessageFieldSeq            = "seq"
	MessageFieldDeliveredAt    = "delivered_at"
	MessageFieldReadBy         = "read_by"
	MessageFieldDeleted        = "deleted"
)

// ReadMarker records one recipient's read acknowledgement. Set once;
// later re-reads keep the original timestamp.
type ReadMarker struct {
	UserID string    `bson:"user_id" json:"user_id"`
	ReadAt time.Time `bson:"read_at" json:"read_at"`
}

// Message is the durable chat message. SenderID is empty for system
// messages. DeliveredAt is set once, the first time any recipient's
// connection received the push (or came online with it pending).
type Message struct {
	ID             string       `bson:"message_id" json:"message_id"`
	ConversationID string       `bson:"conversation_id" json:"conversation_id"`
	SenderID       string       `bson:"sender_id,omitempty" json:"sender_id,omitempty"`
	Content        string       `bson:"content" json:"content"`
	AttachmentURL  string       `bson:"attachment_url,omitempty" json:"attachment_url,omitempty"`
	Seq            int64        `bson:"seq" json:"seq"`
	CreatedAt      time.Time    `bson:"created_at" json:"created_at"`
	EditedAt       *time.Time   `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
	Deleted        bool         `bson:"deleted" json:"deleted"`
	DeliveredAt    *time.Time   `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
	ReadBy         []ReadMarker `bson:"read_by,omitempty" json:"read_by,omitempty"`
}

// ReadMarkerFor returns the recipient's read marker, if any.
func (m *Message) ReadMarkerFor(userID string) *ReadMarker {
	for i := range m.ReadBy {
		if m.ReadBy[i].UserID == userID {
			return &m.ReadBy[i]
		}
	}
	return nil
}

// Reaction is a per-message emoji reaction.
type Reaction struct {
	MessageID      string    `bson:"message_id" json:"message_id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	UserID         string    `bson:"user_id" json:"user_id"`
	Emoji          string    `bson:"emoji" json:"emoji"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}
