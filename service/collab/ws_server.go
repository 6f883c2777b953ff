package collab

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabhub/logger"
	"collabhub/tools/ids"
	"collabhub/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// browsers cannot set Authorization on websocket dials; the token in the
	// query string is the auth boundary, not the Origin header
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the gin handler for GET /ws?token=...
// The token is verified before the upgrade so a bad credential costs one
// plain HTTP round-trip, not a socket.
func Handler(s *Server, jwt security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := security.Verify(jwt, c.Query("token"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warnf("[collab] upgrade failed: %v", err)
			return
		}
		s.serve(ws, principal)
	}
}

func (s *Server) serve(ws *websocket.Conn, principal *security.Principal) {
	client := NewClient(ids.GenerateString(), principal, ws, s.sendQueue)
	s.conns.Add(client)
	go client.writePump()

	client.SendFrame(TypeConnected, map[string]string{
		"message":     "connected",
		"socketId":    client.SocketID,
		"principalId": client.PrincipalID,
	})
	logger.Infof("[collab] connected socket=%s principal=%s", client.SocketID, client.PrincipalID)

	s.readLoop(client)
	s.teardown(client)
}

func (s *Server) readLoop(c *Client) {
	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warnf("[collab] read socket=%s: %v", c.SocketID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		frame, err := ParseFrame(raw)
		if err != nil {
			c.Enqueue(errorFrame(err))
			continue
		}
		h := s.disp.Get(frame.Type)
		if h == nil {
			c.SendFrame(TypeError, map[string]string{
				"message": "unknown message type: " + frame.Type,
			})
			continue
		}
		if err := h.Handle(s, c, frame); err != nil {
			c.Enqueue(errorFrame(err))
		}
	}
}
