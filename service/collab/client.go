package collab

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"collabhub/logger"
	"collabhub/tools/security"
)

const writeWait = 5 * time.Second

// Client is one authenticated websocket connection. All writes go through
// the Send channel and a single writer goroutine; concurrent writers on a
// gorilla conn are not allowed.
type Client struct {
	SocketID    string
	PrincipalID string
	DisplayName string

	ws   *websocket.Conn
	Send chan []byte

	mu    sync.RWMutex
	docID string

	drops     atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(socketID string, p *security.Principal, ws *websocket.Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Client{
		SocketID:    socketID,
		PrincipalID: p.ID,
		DisplayName: p.DisplayName,
		ws:          ws,
		Send:        make(chan []byte, queueSize),
		closed:      make(chan struct{}),
	}
}

// Document returns the currently joined document id, or "".
func (c *Client) Document() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docID
}

func (c *Client) setDocument(docID string) {
	c.mu.Lock()
	c.docID = docID
	c.mu.Unlock()
}

// Enqueue hands a payload to the writer without blocking. A full queue means
// the consumer cannot keep up; the frame is dropped and counted rather than
// stalling the fan-out workers.
func (c *Client) Enqueue(payload []byte) bool {
	if payload == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	case c.Send <- payload:
		return true
	default:
		n := c.drops.Add(1)
		if n%100 == 1 {
			logger.Warnf("[collab] slow consumer socket=%s dropped=%d", c.SocketID, n)
		}
		return false
	}
}

// SendFrame builds and enqueues an outbound frame.
func (c *Client) SendFrame(frameType string, data any) {
	c.Enqueue(BuildFrame(frameType, data))
}

// Drops reports how many frames this connection has shed.
func (c *Client) Drops() int64 { return c.drops.Load() }

// writePump is the single writer. It exits when the connection closes or a
// write fails; the read loop notices the broken conn and tears down.
func (c *Client) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.Send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("[collab] write failed socket=" + c.SocketID + ": " + err.Error())
				c.Close()
				return
			}
		}
	}
}

// CloseWithCode sends a close control frame then tears the conn down. Used
// for server-initiated shutdown (normal closure).
func (c *Client) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.Close()
}

// Close is idempotent and unblocks both pumps.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
