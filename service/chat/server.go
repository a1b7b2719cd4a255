package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"ChatRelay/config"
	"ChatRelay/logger"
	"ChatRelay/model"
	"ChatRelay/service/sink"
	"ChatRelay/store"
	"ChatRelay/tools/errs"
	"ChatRelay/tools/ids"
	"ChatRelay/tools/safe"
	"ChatRelay/tools/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server wires the delivery core together and owns the WebSocket
// transport.
type Server struct {
	cfg      config.CoreConfig
	store    store.Store
	authOpts security.Options

	Registry *Registry
	Router   *Router
	Tracker  *Tracker
	Presence *Presence
	Typing   *TypingTracker

	disp *Dispatcher
	done chan struct{}
}

func NewServer(cfg config.AppConfig, st store.Store, snk sink.Sink, mirror Mirror) *Server {
	reg := NewRegistry(cfg.Core.OfflineGrace.Std())
	rt := NewRouter(reg, cfg.Core.FanoutWorkers, 4*cfg.Core.SendQueueSize, cfg.Core.MaxStuckSends, snk)
	tr := NewTracker(st, rt)
	pr := NewPresence(st, rt, mirror, cfg.Core.PresenceDebounce.Std())
	ty := NewTypingTracker(cfg.Core.TypingTTL.Std())

	authOpts := security.DefaultOptions([]byte(cfg.Auth.Secret))
	if cfg.Auth.TokenTTL > 0 {
		authOpts.TTL = cfg.Auth.TokenTTL.Std()
	}

	s := &Server{
		cfg:      cfg.Core,
		store:    st,
		authOpts: authOpts,
		Registry: reg,
		Router:   rt,
		Tracker:  tr,
		Presence: pr,
		Typing:   ty,
		disp:     NewDispatcher(),
		done:     make(chan struct{}),
	}

	rt.SetDeliveredHook(func(ev *Event, recipientID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg, ok := ev.Payload.(*model.Message)
		if !ok {
			return
		}
		if err := tr.MarkDelivered(ctx, msg.ID, recipientID, time.Now()); err != nil {
			logger.Warnf("delivered hook failed: message=%s user=%s err=%v", msg.ID, recipientID, err)
		}
	})

	safe.Go(func() { pr.Run(reg.Transitions()) })
	ty.RunJanitor(s.done, s.onTypingExpired)

	for _, h := range []Handler{
		sendMessageHandler{},
		markReadHandler{},
		typingStartHandler{},
		typingStopHandler{},
		editMessageHandler{},
		deleteMessageHandler{},
		addReactionHandler{},
		removeReactionHandler{},
		syncHandler{},
		pingHandler{},
	} {
		s.disp.Register(h)
	}
	return s
}

func (s *Server) AuthOptions() security.Options { return s.authOpts }

// Close stops the background janitor. Live connections are left to
// drain through the normal unregister path.
func (s *Server) Close() {
	close(s.done)
}

// ---- domain operations ----

// SendMessage persists the message (store assigns seq + created_at) and
// only then broadcasts. A send that fails to persist is rejected and
// nothing is pushed.
func (s *Server) SendMessage(ctx context.Context, senderID string, data SendMessageData) (*model.Message, error) {
	conv, err := s.store.GetConversation(ctx, data.ConversationID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if senderID != "" && !conv.HasMember(senderID) {
		return nil, errors.Errorf("user %s is not a member of conversation %s", senderID, conv.ID)
	}

	msg := &model.Message{
		ID:             ids.GenerateString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        data.Content,
		AttachmentURL:  data.AttachmentURL,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, mapStoreErr(err)
	}

	// sender typed something and sent it: the indicator is over
	if senderID != "" && s.Typing.Stop(conv.ID, senderID) {
		s.broadcastTyping(EventTypingStop, conv.ID, senderID, conv.RecipientsExcluding(senderID))
	}

	s.Router.Publish(&Event{
		Type:           EventNewMessage,
		ConversationID: conv.ID,
		Sequence:       msg.Seq,
		Timestamp:      msg.CreatedAt,
		Payload:        msg,
	}, conv.RecipientsExcluding(senderID))
	return msg, nil
}

// MarkRead records a read marker. When the tracker rejects the
// timestamp as preceding the delivered edge, it is clamped to
// delivered_at and retried once.
func (s *Server) MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) error {
	err := s.Tracker.MarkRead(ctx, messageID, userID, readAt)
	if errs.CodeOf(err) != errs.CodeInvalidState {
		return err
	}
	deliveredAt, derr := s.Tracker.DeliveredAtFor(ctx, messageID)
	if derr != nil || deliveredAt == nil || !readAt.Before(*deliveredAt) {
		return err
	}
	return s.Tracker.MarkRead(ctx, messageID, userID, *deliveredAt)
}

// EditMessage updates content in place and broadcasts message_edited to
// every member, editor included, so all devices converge.
func (s *Server) EditMessage(ctx context.Context, userID, messageID, content string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreErr(err)
	}
	if msg.SenderID != userID {
		return errors.New("only the sender can edit a message")
	}
	if msg.Deleted {
		return errors.New("message is deleted")
	}
	now := time.Now()
	if err := s.store.SetEdited(ctx, messageID, content, now); err != nil {
		return mapStoreErr(err)
	}
	members, err := s.store.GetConversationMembers(ctx, msg.ConversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	s.Router.Publish(&Event{
		Type:           EventMessageEdited,
		ConversationID: msg.ConversationID,
		Timestamp:      now,
		Payload: EditedPayload{
			MessageID: messageID,
			SenderID:  msg.SenderID,
			Content:   content,
			EditedAt:  now,
		},
	}, members)
	return nil
}

// DeleteMessage soft-deletes: content stays out of the wire event and
// no further receipt transitions are possible for the message.
func (s *Server) DeleteMessage(ctx context.Context, userID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreErr(err)
	}
	if msg.SenderID != userID {
		return errors.New("only the sender can delete a message")
	}
	if msg.Deleted {
		return nil
	}
	if err := s.store.SetDeleted(ctx, messageID); err != nil {
		return mapStoreErr(err)
	}
	members, err := s.store.GetConversationMembers(ctx, msg.ConversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	s.Router.Publish(&Event{
		Type:           EventMessageDeleted,
		ConversationID: msg.ConversationID,
		Timestamp:      time.Now(),
		Payload:        DeletedPayload{MessageID: messageID, SenderID: msg.SenderID},
	}, members)
	return nil
}

func (s *Server) AddReaction(ctx context.Context, userID, messageID, emoji string) error {
	return s.reaction(ctx, userID, messageID, emoji, true)
}

func (s *Server) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	return s.reaction(ctx, userID, messageID, emoji, false)
}

func (s *Server) reaction(ctx context.Context, userID, messageID, emoji string, add bool) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreErr(err)
	}
	if msg.Deleted {
		return errors.New("message is deleted")
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !conv.HasMember(userID) {
		return errors.Errorf("user %s is not a member of conversation %s", userID, conv.ID)
	}
	now := time.Now()
	typ := EventReactionAdded
	if add {
		err = s.store.AddReaction(ctx, &model.Reaction{
			MessageID:      messageID,
			ConversationID: conv.ID,
			UserID:         userID,
			Emoji:          emoji,
			CreatedAt:      now,
		})
	} else {
		typ = EventReactionRemoved
		err = s.store.RemoveReaction(ctx, messageID, userID, emoji)
	}
	if err != nil {
		return mapStoreErr(err)
	}
	s.Router.Publish(&Event{
		Type:           typ,
		ConversationID: conv.ID,
		Timestamp:      now,
		Payload:        ReactionPayload{MessageID: messageID, UserID: userID, Emoji: emoji, At: now},
	}, conv.Members)
	return nil
}

func (s *Server) TypingStart(ctx context.Context, conversationID, userID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !conv.HasMember(userID) {
		return errors.Errorf("user %s is not a member of conversation %s", userID, conv.ID)
	}
	if s.Typing.Refresh(conv.ID, userID) {
		s.broadcastTyping(EventTypingStart, conv.ID, userID, conv.RecipientsExcluding(userID))
	}
	return nil
}

func (s *Server) TypingStop(ctx context.Context, conversationID, userID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if s.Typing.Stop(conv.ID, userID) {
		s.broadcastTyping(EventTypingStop, conv.ID, userID, conv.RecipientsExcluding(userID))
	}
	return nil
}

func (s *Server) broadcastTyping(typ EventType, conversationID, userID string, recipients []string) {
	s.Router.Publish(&Event{
		Type:           typ,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Payload:        TypingPayload{UserID: userID},
	}, recipients)
}

func (s *Server) onTypingExpired(conversationID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		logger.Warnf("typing expiry lookup failed: conversation=%s err=%v", conversationID, err)
		return
	}
	s.broadcastTyping(EventTypingStop, conversationID, userID, conv.RecipientsExcluding(userID))
}

// Sync re-sends the backlog after since to one client only. Events go
// straight to the requesting connection, not through the fan-out.
func (s *Server) Sync(ctx context.Context, c *Client, conversationID string, sinceSeq int64) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !conv.HasMember(c.UserID) {
		return errors.Errorf("user %s is not a member of conversation %s", c.UserID, conv.ID)
	}
	msgs, err := s.store.GetUnreadMessagesSince(ctx, c.UserID, conversationID, sinceSeq)
	if err != nil {
		return mapStoreErr(err)
	}
	for _, msg := range msgs {
		payload, err := (&Event{
			Type:           EventNewMessage,
			ConversationID: conversationID,
			Sequence:       msg.Seq,
			Timestamp:      msg.CreatedAt,
			Payload:        msg,
		}).Encode()
		if err != nil {
			return err
		}
		c.TrySend(payload)
	}
	return nil
}

// History returns the backlog for the REST surface.
func (s *Server) History(ctx context.Context, userID, conversationID string, sinceSeq int64) ([]*model.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !conv.HasMember(userID) {
		return nil, errors.Errorf("user %s is not a member of conversation %s", userID, conv.ID)
	}
	msgs, err := s.store.GetUnreadMessagesSince(ctx, userID, conversationID, sinceSeq)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return msgs, nil
}

// ---- websocket transport ----

// HandleWS authenticates, upgrades, registers the connection, pushes
// the hello frame and the undelivered backlog, then runs the read loop
// until the peer goes away.
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c.GetHeader("Authorization"))
	}
	userID, err := security.VerifySubject(s.authOpts, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: user=%s err=%v", userID, err)
		return
	}

	client := NewClient(ids.GenerateString(), userID, ws, s.cfg.SendQueueSize)
	s.Registry.Register(client)
	logger.Infof("connection up: user=%s conn=%s", userID, client.ConnID)

	safe.Go(func() { s.writePump(client) })

	s.sendHello(client)
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Tracker.CatchUp(ctx, userID); err != nil {
			logger.Warnf("catch-up failed: user=%s err=%v", userID, err)
		}
	})

	s.readLoop(client)

	s.Registry.Unregister(client)
	logger.Infof("connection down: user=%s conn=%s", userID, client.ConnID)
}

func (s *Server) sendHello(c *Client) {
	payload, err := (&Event{
		Type:      EventConnected,
		Timestamp: time.Now(),
		Payload: ConnectedPayload{
			UserID:     c.UserID,
			ConnID:     c.ConnID,
			ServerTime: time.Now(),
			Typing:     s.Typing.SnapshotAll(),
		},
	}).Encode()
	if err != nil {
		logger.Errorf("encode hello: %v", err)
		return
	}
	c.TrySend(payload)
}

func (s *Server) readLoop(c *Client) {
	c.WS.SetReadLimit(maxMsgSize)
	c.WS.SetReadDeadline(time.Now().Add(pongWait))
	c.WS.SetPongHandler(func(string) error {
		c.Touch()
		return c.WS.SetReadDeadline(time.Now().Add(pongWait))
	})

	hctx := &HandlerContext{S: s}
	for {
		_, raw, err := c.WS.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("read error: user=%s conn=%s err=%v", c.UserID, c.ConnID, err)
			}
			return
		}
		c.Touch()

		action, err := ParseAction(raw)
		if err != nil {
			s.sendError(c, errs.CodeInvalidState, err.Error())
			continue
		}
		if err := s.disp.Dispatch(hctx, action, c); err != nil {
			logger.Warnf("action %s failed: user=%s err=%v", action.Type, c.UserID, err)
			s.sendError(c, errs.CodeOf(err), err.Error())
		}
	}
}

// writePump is the single writer for the connection. It drains the
// send buffer and keeps the WebSocket-level ping alive; registry
// Close() closing the done channel ends it.
func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.WS.Close()
	}()
	for {
		select {
		case payload, ok := <-c.Send:
			if !ok {
				return
			}
			c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.Done():
			c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			c.WS.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendError(c *Client, code int, msg string) {
	payload, err := (&Event{
		Type:      EventError,
		Timestamp: time.Now(),
		Payload:   ErrorPayload{Code: code, Msg: msg},
	}).Encode()
	if err != nil {
		return
	}
	c.TrySend(payload)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
