package collab

import "collabhub/logger"

// FrameHandler processes one inbound frame type. A returned error is shaped into
// an error frame for the sender; it never tears the connection down.
type FrameHandler interface {
	Type() string
	Handle(s *Server, c *Client, f *Frame) error
}

// Dispatcher routes inbound frames by type.
type Dispatcher struct {
	handlers map[string]FrameHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]FrameHandler)}
}

// Register wires a handler; later registrations for the same type win.
func (d *Dispatcher) Register(h FrameHandler) {
	if _, dup := d.handlers[h.Type()]; dup {
		logger.Warnf("[collab] handler for %s re-registered", h.Type())
	}
	d.handlers[h.Type()] = h
}

// Get returns the handler for a frame type, or nil.
func (d *Dispatcher) Get(frameType string) FrameHandler {
	return d.handlers[frameType]
}
