package chat

import (
	"github.com/pkg/errors"

	"ChatRelay/logger"
)

// HandlerContext carries what an action handler needs beyond the frame
// itself.
type HandlerContext struct {
	S *Server
}

// Handler processes one inbound action type.
type Handler interface {
	Type() ActionType
	Handle(ctx *HandlerContext, action *ClientAction, c *Client) error
}

// Dispatcher routes parsed client actions to their handlers.
type Dispatcher struct {
	handlers map[ActionType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[ActionType]Handler)}
}

func (d *Dispatcher) Register(h Handler) {
	if _, dup := d.handlers[h.Type()]; dup {
		logger.Warnf("handler for %s registered twice, keeping last", h.Type())
	}
	d.handlers[h.Type()] = h
}

func (d *Dispatcher) Dispatch(ctx *HandlerContext, action *ClientAction, c *Client) error {
	h, ok := d.handlers[action.Type]
	if !ok {
		return errors.Errorf("unknown action type %q", action.Type)
	}
	return h.Handle(ctx, action, c)
}
