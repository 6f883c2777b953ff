package collab

import (
	"context"
	"time"

	"collabhub/logger"
	"collabhub/service/storage"
	"collabhub/tools/decode"
	"collabhub/tools/errs"
)

const handlerTimeout = 10 * time.Second

type joinHandler struct{}

func (joinHandler) Type() string { return TypeJoinDocument }

// Handle attaches the connection to a document: presence first, then the
// bus subscription, then the join announcement, and finally the roster
// snapshot back to the joiner. A join while already attached elsewhere runs
// the leave path for the old document first.
func (joinHandler) Handle(s *Server, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[JoinPayload](f.Data)
	if err != nil || p.DocumentID == "" {
		return errs.ErrProtocol.WithDetail("join-document requires documentId")
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if prev := c.Document(); prev != "" {
		s.leaveDocument(ctx, c, prev)
	}

	session := storage.Session{
		PrincipalID: c.PrincipalID,
		DisplayName: c.DisplayName,
		SocketID:    c.SocketID,
	}
	if err := s.presence.AddSession(ctx, p.DocumentID, session); err != nil {
		return errs.ErrTransient.WrapMsg("register presence", "doc", p.DocumentID, "err", err)
	}

	if err := s.ensureSubscribed(p.DocumentID); err != nil {
		// roll back so the roster does not show a member nobody can reach
		if _, rerr := s.presence.RemoveSessionOwned(ctx, p.DocumentID, c.PrincipalID, c.SocketID); rerr != nil {
			logger.Warnf("[collab] join rollback doc=%s: %v", p.DocumentID, rerr)
		}
		return errs.ErrTransient.WrapMsg("subscribe document", "doc", p.DocumentID, "err", err)
	}

	s.conns.SetDocument(c, p.DocumentID)

	err = s.publish(ctx, p.DocumentID, TypeUserJoined, c.SocketID, map[string]UserInfo{
		"user": {PrincipalID: c.PrincipalID, DisplayName: c.DisplayName},
	})
	if err != nil {
		logger.Warnf("[collab] publish user-joined doc=%s: %v", p.DocumentID, err)
	}

	sessions, err := s.presence.ListSessions(ctx, p.DocumentID)
	if err != nil {
		logger.Warnf("[collab] roster doc=%s: %v", p.DocumentID, err)
		sessions = nil
	}
	users := make([]UserInfo, 0, len(sessions))
	for _, sess := range sessions {
		users = append(users, UserInfo{
			PrincipalID: sess.PrincipalID,
			DisplayName: sess.DisplayName,
			Cursor:      sess.Cursor,
		})
	}
	c.SendFrame(TypeUsersInDocument, map[string]any{
		"documentId": p.DocumentID,
		"users":      users,
	})
	logger.Infof("[collab] joined doc=%s principal=%s socket=%s", p.DocumentID, c.PrincipalID, c.SocketID)
	return nil
}
