package chat

import (
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// EventType is the closed set of server-pushed event kinds. Payload
// shapes are fixed per type; decoding/encoding happens only at the
// transport boundary.
type EventType string

const (
	EventNewMessage       EventType = "new_message"
	EventMessageEdited    EventType = "message_edited"
	EventMessageDeleted   EventType = "message_deleted"
	EventReactionAdded    EventType = "reaction_added"
	EventReactionRemoved  EventType = "reaction_removed"
	EventTypingStart      EventType = "typing_start"
	EventTypingStop       EventType = "typing_stop"
	EventReadReceipt      EventType = "read_receipt"
	EventDeliveredReceipt EventType = "delivered_receipt"
	EventPresenceChange   EventType = "presence_change"
	EventConnected        EventType = "connected"
	EventError            EventType = "error"
)

// Event is the wire envelope pushed to clients. Sequence is the
// per-conversation counter assigned at persistence time; a recipient
// seeing N then N+2 knows it missed N+1 and re-fetches via sync.
type Event struct {
	Type           EventType   `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
	Sequence       int64       `json:"sequence,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ---- payload variants ----

type ReceiptPayload struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	At        time.Time `json:"at"`
}

type TypingPayload struct {
	UserID string `json:"user_id"`
}

type PresencePayload struct {
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"` // online | offline
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

type ReactionPayload struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	At        time.Time `json:"at"`
}

type EditedPayload struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id,omitempty"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

type DeletedPayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id,omitempty"`
}

type ConnectedPayload struct {
	UserID     string    `json:"user_id"`
	ConnID     string    `json:"conn_id"`
	ServerTime time.Time `json:"server_time"`
	// Typing holds users currently typing per conversation so a late
	// subscriber is never told about an expired indicator.
	Typing map[string][]string `json:"typing,omitempty"`
}

type ErrorPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ---- inbound client actions ----

type ActionType string

const (
	ActionSendMessage    ActionType = "send_message"
	ActionMarkRead       ActionType = "mark_read"
	ActionTypingStart    ActionType = "typing_start"
	ActionTypingStop     ActionType = "typing_stop"
	ActionEditMessage    ActionType = "edit_message"
	ActionDeleteMessage  ActionType = "delete_message"
	ActionAddReaction    ActionType = "add_reaction"
	ActionRemoveReaction ActionType = "remove_reaction"
	ActionSync           ActionType = "sync"
	ActionPing           ActionType = "ping"
)

// ClientAction is the raw inbound frame. Data stays untyped until the
// handler decodes it into its own struct.
type ClientAction struct {
	Type ActionType             `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func ParseAction(raw []byte) (*ClientAction, error) {
	var a ClientAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, errors.Wrap(err, "parse action")
	}
	if a.Type == "" {
		return nil, errors.New("action missing type")
	}
	return &a, nil
}

// DecodeData maps the untyped Data into a typed payload struct,
// honoring json tags.
func (a *ClientAction) DecodeData(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "build decoder")
	}
	if err := dec.Decode(a.Data); err != nil {
		return errors.Wrapf(err, "decode %s data", a.Type)
	}
	return nil
}

type SendMessageData struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachment_url"`
}

type MarkReadData struct {
	MessageID string `json:"message_id"`
}

type TypingData struct {
	ConversationID string `json:"conversation_id"`
}

type EditMessageData struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessageData struct {
	MessageID string `json:"message_id"`
}

type ReactionData struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type SyncData struct {
	ConversationID string `json:"conversation_id"`
	SinceSeq       int64  `json:"since_seq"`
}
