package collab

import (
	"context"

	"collabhub/tools/decode"
	"collabhub/tools/errs"
)

type leaveHandler struct{}

func (leaveHandler) Type() string { return TypeLeaveDocument }

// Handle detaches the connection from its document. Leaving a document the
// connection is not in is answered with an error frame, like any other
// out-of-state frame; the connection itself is left alone.
func (leaveHandler) Handle(s *Server, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[LeavePayload](f.Data)
	if err != nil || p.DocumentID == "" {
		return errs.ErrProtocol.WithDetail("leave-document requires documentId")
	}
	if c.Document() != p.DocumentID {
		return errs.ErrProtocol.WithDetail("not joined to " + p.DocumentID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	s.leaveDocument(ctx, c, p.DocumentID)
	return nil
}
