package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Each inbound action type gets one handler. Handlers decode their own
// payload, enforce membership, and call into the server's domain
// methods; the read loop turns returned errors into error frames.

type sendMessageHandler struct{}

func (sendMessageHandler) Type() ActionType { return ActionSendMessage }

func (sendMessageHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data SendMessageData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	if data.ConversationID == "" || (data.Content == "" && data.AttachmentURL == "") {
		return errors.New("send_message requires conversation_id and content")
	}
	_, err := ctx.S.SendMessage(context.Background(), c.UserID, data)
	return err
}

type markReadHandler struct{}

func (markReadHandler) Type() ActionType { return ActionMarkRead }

func (markReadHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data MarkReadData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	if data.MessageID == "" {
		return errors.New("mark_read requires message_id")
	}
	return ctx.S.MarkRead(context.Background(), data.MessageID, c.UserID, time.Now())
}

type typingStartHandler struct{}

func (typingStartHandler) Type() ActionType { return ActionTypingStart }

func (typingStartHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data TypingData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	return ctx.S.TypingStart(context.Background(), data.ConversationID, c.UserID)
}

type typingStopHandler struct{}

func (typingStopHandler) Type() ActionType { return ActionTypingStop }

func (typingStopHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data TypingData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	return ctx.S.TypingStop(context.Background(), data.ConversationID, c.UserID)
}

type editMessageHandler struct{}

func (editMessageHandler) Type() ActionType { return ActionEditMessage }

func (editMessageHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data EditMessageData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	if data.MessageID == "" || data.Content == "" {
		return errors.New("edit_message requires message_id and content")
	}
	return ctx.S.EditMessage(context.Background(), c.UserID, data.MessageID, data.Content)
}

type deleteMessageHandler struct{}

func (deleteMessageHandler) Type() ActionType { return ActionDeleteMessage }

func (deleteMessageHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data DeleteMessageData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	if data.MessageID == "" {
		return errors.New("delete_message requires message_id")
	}
	return ctx.S.DeleteMessage(context.Background(), c.UserID, data.MessageID)
}

type addReactionHandler struct{}

func (addReactionHandler) Type() ActionType { return ActionAddReaction }

func (addReactionHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data ReactionData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	if data.MessageID == "" || data.Emoji == "" {
		return errors.New("add_reaction requires message_id and emoji")
	}
	return ctx.S.AddReaction(context.Background(), c.UserID, data.MessageID, data.Emoji)
}

type removeReactionHandler struct{}

func (removeReactionHandler) Type() ActionType { return ActionRemoveReaction }

func (removeReactionHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data ReactionData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	if data.MessageID == "" || data.Emoji == "" {
		return errors.New("remove_reaction requires message_id and emoji")
	}
	return ctx.S.RemoveReaction(context.Background(), c.UserID, data.MessageID, data.Emoji)
}

type syncHandler struct{}

func (syncHandler) Type() ActionType { return ActionSync }

func (syncHandler) Handle(ctx *HandlerContext, action *ClientAction, c *Client) error {
	var data SyncData
	if err := action.DecodeData(&data); err != nil {
		return err
	}
	if data.ConversationID == "" {
		return errors.New("sync requires conversation_id")
	}
	return ctx.S.Sync(context.Background(), c, data.ConversationID, data.SinceSeq)
}

type pingHandler struct{}

func (pingHandler) Type() ActionType { return ActionPing }

func (pingHandler) Handle(_ *HandlerContext, _ *ClientAction, c *Client) error {
	c.Touch()
	return nil
}
