package chat

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"ChatRelay/logger"
	"ChatRelay/model"
	"ChatRelay/store"
	"ChatRelay/tools/errs"
)

const trackerShards = 64

// Tracker advances per-recipient message receipt state. Transitions are
// monotonic: sent -> delivered -> read. delivered_at is recorded once per
// message, read markers once per recipient. Repeating a transition is a
// no-op, never an error.
type Tracker struct {
	store  store.Store
	router *Router
	locks  [trackerShards]sync.Mutex
}

func NewTracker(st store.Store, rt *Router) *Tracker {
	return &Tracker{store: st, router: rt}
}

func (t *Tracker) lockFor(messageID, recipientID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write([]byte(recipientID))
	return &t.locks[h.Sum32()%trackerShards]
}

// MarkDelivered records the delivered edge for a message and notifies the
// sender. Only the first call per message has any effect; later calls (and
// calls against deleted messages) return nil.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) error {
	mu := t.lockFor(messageID, recipientID)
	mu.Lock()
	defer mu.Unlock()
	return t.markDeliveredLocked(ctx, messageID, recipientID, at)
}

func (t *Tracker) markDeliveredLocked(ctx context.Context, messageID, recipientID string, at time.Time) error {
	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreErr(err)
	}
	if msg.Deleted {
		return nil
	}
	changed, err := t.store.SetDeliveredAt(ctx, messageID, at)
	if err != nil {
		return mapStoreErr(err)
	}
	if !changed {
		return nil
	}
	t.notifySender(msg, EventDeliveredReceipt, recipientID, at)
	return nil
}

// MarkRead records the read marker for recipientID and notifies the sender.
// A read against an undelivered message drives the delivered edge first with
// the same timestamp. A readAt earlier than the recorded delivered_at is
// rejected with InvalidState; the transport layer clamps and retries.
func (t *Tracker) MarkRead(ctx context.Context, messageID, recipientID string, readAt time.Time) error {
	mu := t.lockFor(messageID, recipientID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreErr(err)
	}
	if msg.Deleted {
		return nil
	}
	if msg.SenderID == recipientID {
		return errs.ErrInvalidState.WithDetail("sender cannot read own message")
	}
	if msg.DeliveredAt == nil {
		if err := t.markDeliveredLocked(ctx, messageID, recipientID, readAt); err != nil {
			return err
		}
	} else if readAt.Before(*msg.DeliveredAt) {
		return errs.ErrInvalidState.WithDetail("read timestamp precedes delivery")
	}
	changed, err := t.store.SetReadMarker(ctx, messageID, recipientID, readAt)
	if err != nil {
		return mapStoreErr(err)
	}
	if !changed {
		return nil
	}
	t.notifySender(msg, EventReadReceipt, recipientID, readAt)
	return nil
}

// DeliveredAtFor exposes the recorded delivered edge so callers can clamp a
// rejected read timestamp before retrying.
func (t *Tracker) DeliveredAtFor(ctx context.Context, messageID string) (*time.Time, error) {
	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return msg.DeliveredAt, nil
}

// CatchUp marks every message still undelivered to userID as delivered now.
// Called when a user's first connection comes up, after the backlog has been
// flushed down the socket.
func (t *Tracker) CatchUp(ctx context.Context, userID string) error {
	msgs, err := t.store.GetUndeliveredMessages(ctx, userID)
	if err != nil {
		return mapStoreErr(err)
	}
	now := time.Now()
	for _, msg := range msgs {
		if err := t.MarkDelivered(ctx, msg.ID, userID, now); err != nil {
			logger.Warnf("catch-up delivery failed: message=%s user=%s err=%v", msg.ID, userID, err)
		}
	}
	return nil
}

func (t *Tracker) notifySender(msg *model.Message, typ EventType, recipientID string, at time.Time) {
	if t.router == nil || msg.SenderID == "" {
		return
	}
	t.router.Publish(&Event{
		Type:           typ,
		ConversationID: msg.ConversationID,
		Timestamp:      at,
		Payload: ReceiptPayload{
			MessageID: msg.ID,
			UserID:    recipientID,
			At:        at,
		},
	}, []string{msg.SenderID})
}

func mapStoreErr(err error) error {
	if err == nil || err == store.ErrNotFound {
		return err
	}
	return errs.ErrStoreUnavailable.WithDetail(err.Error())
}
