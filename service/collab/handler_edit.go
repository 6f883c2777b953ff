package collab

import (
	"context"
	"fmt"

	"collabhub/logger"
	"collabhub/tools/decode"
	"collabhub/tools/errs"
)

// editHandler relays crdt-update and awareness-update frames. The update
// blob is opaque: the gateway admits, records activity, and forwards; merge
// semantics live entirely in the clients.
type editHandler struct {
	frameType string
}

func (h editHandler) Type() string { return h.frameType }

func (h editHandler) Handle(s *Server, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[EditPayload](f.Data)
	if err != nil || p.DocumentID == "" || p.Update == "" {
		return errs.ErrProtocol.WithDetail(h.frameType + " requires documentId and update")
	}
	if c.Document() != p.DocumentID {
		return errs.ErrProtocol.WithDetail("join the document before sending updates")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if d := s.limiter.Allow(ctx, c.PrincipalID, h.frameType); !d.Admitted {
		detail := fmt.Sprintf("too many %s messages", h.frameType)
		if d.BlockedUntil > 0 {
			detail = fmt.Sprintf("%s, blocked until %d", detail, d.BlockedUntil)
		}
		return errs.ErrRateLimited.WithDetail(detail)
	}

	// activity bookkeeping; a failure never blocks the relay
	if h.frameType == TypeAwarenessUpdate && len(p.Cursor) > 0 {
		if err := s.presence.UpdateCursor(ctx, p.DocumentID, c.PrincipalID, p.Cursor); err != nil {
			logger.Warnf("[collab] cursor update doc=%s principal=%s: %v", p.DocumentID, c.PrincipalID, err)
		}
	} else {
		if err := s.presence.Touch(ctx, p.DocumentID, c.PrincipalID); err != nil {
			logger.Warnf("[collab] presence touch doc=%s principal=%s: %v", p.DocumentID, c.PrincipalID, err)
		}
	}

	out := map[string]any{
		"documentId": p.DocumentID,
		"update":     p.Update,
		"user": UserInfo{
			PrincipalID: c.PrincipalID,
			DisplayName: c.DisplayName,
		},
	}
	if h.frameType == TypeAwarenessUpdate && len(p.Cursor) > 0 {
		out["cursor"] = p.Cursor
	}
	if err := s.publish(ctx, p.DocumentID, h.frameType, c.SocketID, out); err != nil {
		return errs.ErrTransient.WrapMsg("relay update", "doc", p.DocumentID, "err", err)
	}
	return nil
}
