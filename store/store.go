package store

import (
	"context"
	"errors"
	"time"

	"ChatRelay/model"
)

// ErrNotFound is returned for unknown messages/conversations. Anything
// else coming out of a Store is treated as StoreUnavailable by the core.
var ErrNotFound = errors.New("store: not found")

// Store is the narrow durable-store interface the delivery core
// consumes. Each call is atomic and strongly consistent from the
// core's perspective; the core never does read-modify-write across
// calls for delivery state (the set-once calls push the race into the
// store's atomic update).
type Store interface {
	// SaveMessage persists the message and assigns its per-conversation
	// sequence number and creation time. Persistence precedes broadcast.
	SaveMessage(ctx context.Context, msg *model.Message) error

	GetMessage(ctx context.Context, messageID string) (*model.Message, error)

	// GetUnreadMessagesSince returns non-deleted messages in the
	// conversation with seq > since, oldest first. Used for gap
	// re-fetch and reconnect catch-up.
	GetUnreadMessagesSince(ctx context.Context, userID, conversationID string, since int64) ([]*model.Message, error)

	// GetUndeliveredMessages returns messages addressed to userID (in
	// any of their conversations, not sent by them) whose delivered_at
	// is still unset. Feeds catch-up delivery on reconnect.
	GetUndeliveredMessages(ctx context.Context, userID string) ([]*model.Message, error)

	// SetDeliveredAt sets delivered_at if and only if it is still
	// unset and the message is not deleted. Returns true when this
	// call performed the transition.
	SetDeliveredAt(ctx context.Context, messageID string, at time.Time) (bool, error)

	// SetReadMarker records the recipient's read marker if absent and
	// the message is not deleted. Returns true when this call
	// performed the transition.
	SetReadMarker(ctx context.Context, messageID, userID string, at time.Time) (bool, error)

	SetEdited(ctx context.Context, messageID, content string, at time.Time) error
	SetDeleted(ctx context.Context, messageID string) error

	AddReaction(ctx context.Context, r *model.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error

	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	GetConversationMembers(ctx context.Context, conversationID string) ([]string, error)

	// GetConversationIDs lists the conversations the user belongs to.
	GetConversationIDs(ctx context.Context, userID string) ([]string, error)

	// GetFriends returns accepted friends only.
	GetFriends(ctx context.Context, userID string) ([]string, error)
}
