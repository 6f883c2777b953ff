package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabhub/global/config"
	"collabhub/service/bus"
	"collabhub/service/ratelimit"
	"collabhub/service/storage"
	"collabhub/tools/security"
)

type fixture struct {
	ts       *httptest.Server
	jwt      security.Options
	server   *Server
	presence *storage.Presence
}

func newFixture(t *testing.T, rules map[string]config.RateRule) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	presence := storage.NewPresence(rdb, 5*time.Minute)
	limiter := ratelimit.New(rdb, rules)
	b := bus.NewRedisBus(rdb)

	srv := NewServer(Deps{
		Presence:      presence,
		Limiter:       limiter,
		Bus:           b,
		SendQueueSize: 64,
	})

	jwt := security.DefaultOptions([]byte("test-secret"))
	r := gin.New()
	r.GET("/ws", Handler(srv, jwt))
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
		_ = b.Close()
		_ = rdb.Close()
	})
	return &fixture{ts: ts, jwt: jwt, server: srv, presence: presence}
}

func (f *fixture) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=" + url.QueryEscape(token)
}

func (f *fixture) dial(t *testing.T, principalID, displayName string) *websocket.Conn {
	t.Helper()
	token, _, err := security.Generate(f.jwt, principalID, displayName)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	connected := readFrame(t, conn)
	require.Equal(t, TypeConnected, connected.Type)
	require.Equal(t, "connected", connected.Data["message"])
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	return f
}

func send(t *testing.T, conn *websocket.Conn, frameType string, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Frame{Type: frameType, Data: data}))
}

func join(t *testing.T, conn *websocket.Conn, docID string) *Frame {
	t.Helper()
	send(t, conn, TypeJoinDocument, map[string]any{"documentId": docID})
	f := readFrame(t, conn)
	require.Equal(t, TypeUsersInDocument, f.Type)
	return f
}

func rosterNames(f *Frame) []string {
	users, _ := f.Data["users"].([]any)
	out := make([]string, 0, len(users))
	for _, u := range users {
		m, _ := u.(map[string]any)
		id, _ := m["principalId"].(string)
		out = append(out, id)
	}
	return out
}

func TestDialRejectsBadToken(t *testing.T) {
	f := newFixture(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinReturnsRoster(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")

	roster := join(t, alice, "doc1")
	assert.Equal(t, "doc1", roster.Data["documentId"])
	assert.ElementsMatch(t, []string{"alice"}, rosterNames(roster))

	sessions, err := f.presence.ListSessions(context.Background(), "doc1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Alice", sessions[0].DisplayName)
}

func TestJoinIsAnnouncedToOthers(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")
	join(t, alice, "doc1")

	bob := f.dial(t, "bob", "Bob")
	roster := join(t, bob, "doc1")
	assert.ElementsMatch(t, []string{"alice", "bob"}, rosterNames(roster))

	announce := readFrame(t, alice)
	require.Equal(t, TypeUserJoined, announce.Type)
	user := announce.Data["user"].(map[string]any)
	assert.Equal(t, "bob", user["principalId"])
}

func TestUpdateIsRelayedWithoutEcho(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")
	join(t, alice, "doc1")
	bob := f.dial(t, "bob", "Bob")
	join(t, bob, "doc1")
	readFrame(t, alice) // bob's user-joined

	send(t, alice, TypeCRDTUpdate, map[string]any{
		"documentId": "doc1",
		"update":     "AAECAwQ=",
	})

	relayed := readFrame(t, bob)
	require.Equal(t, TypeCRDTUpdate, relayed.Type)
	assert.Equal(t, "AAECAwQ=", relayed.Data["update"])
	assert.Equal(t, "doc1", relayed.Data["documentId"])
	user := relayed.Data["user"].(map[string]any)
	assert.Equal(t, "alice", user["principalId"])

	// the sender must not hear their own update back
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err)
}

func TestUpdateRequiresJoin(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")

	send(t, alice, TypeCRDTUpdate, map[string]any{
		"documentId": "doc1",
		"update":     "AAECAwQ=",
	})
	errFrame := readFrame(t, alice)
	require.Equal(t, TypeError, errFrame.Type)
	assert.Contains(t, errFrame.Data["message"], "join the document")
}

func TestAwarenessUpdateCarriesCursor(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")
	join(t, alice, "doc1")
	bob := f.dial(t, "bob", "Bob")
	join(t, bob, "doc1")
	readFrame(t, alice)

	send(t, alice, TypeAwarenessUpdate, map[string]any{
		"documentId": "doc1",
		"update":     "AQ==",
		"cursor":     map[string]any{"anchor": 3, "head": 7},
	})

	relayed := readFrame(t, bob)
	require.Equal(t, TypeAwarenessUpdate, relayed.Type)
	cursor := relayed.Data["cursor"].(map[string]any)
	assert.EqualValues(t, 3, cursor["anchor"])

	assert.Eventually(t, func() bool {
		sessions, err := f.presence.ListSessions(context.Background(), "doc1")
		if err != nil {
			return false
		}
		for _, s := range sessions {
			if s.PrincipalID == "alice" && len(s.Cursor) > 0 {
				return true
			}
		}
		return false
	}, time.Second, 20*time.Millisecond)
}

func TestLeaveIsAnnounced(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")
	join(t, alice, "doc1")
	bob := f.dial(t, "bob", "Bob")
	join(t, bob, "doc1")
	readFrame(t, alice)

	send(t, bob, TypeLeaveDocument, map[string]any{"documentId": "doc1"})

	left := readFrame(t, alice)
	require.Equal(t, TypeUserLeft, left.Type)
	user := left.Data["user"].(map[string]any)
	assert.Equal(t, "bob", user["principalId"])

	assert.Eventually(t, func() bool {
		n, err := f.presence.CountSessions(context.Background(), "doc1")
		return err == nil && n == 1
	}, time.Second, 20*time.Millisecond)
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")
	join(t, alice, "doc1")
	bob := f.dial(t, "bob", "Bob")
	join(t, bob, "doc1")
	readFrame(t, alice)

	require.NoError(t, bob.Close())

	left := readFrame(t, alice)
	assert.Equal(t, TypeUserLeft, left.Type)

	assert.Eventually(t, func() bool {
		n, err := f.presence.CountSessions(context.Background(), "doc1")
		return err == nil && n == 1
	}, time.Second, 20*time.Millisecond)
}

func TestRateLimitedUpdateGetsErrorFrame(t *testing.T) {
	f := newFixture(t, map[string]config.RateRule{
		TypeCRDTUpdate: {MaxMessages: 2, Window: time.Second, Block: 5 * time.Second},
	})
	alice := f.dial(t, "alice", "Alice")
	join(t, alice, "doc1")

	for i := 0; i < 3; i++ {
		send(t, alice, TypeCRDTUpdate, map[string]any{
			"documentId": "doc1",
			"update":     "AA==",
		})
	}

	errFrame := readFrame(t, alice)
	require.Equal(t, TypeError, errFrame.Type)
	assert.Contains(t, errFrame.Data["message"], "rate limit exceeded")
}

func TestLeaveWhileNotJoinedIsAnError(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")

	send(t, alice, TypeLeaveDocument, map[string]any{"documentId": "doc1"})
	errFrame := readFrame(t, alice)
	require.Equal(t, TypeError, errFrame.Type)
	assert.Contains(t, errFrame.Data["message"], "not joined")

	// the connection survives and can still join
	roster := join(t, alice, "doc1")
	assert.Equal(t, "doc1", roster.Data["documentId"])
}

func TestUnknownFrameType(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")

	send(t, alice, "teleport", map[string]any{})
	errFrame := readFrame(t, alice)
	require.Equal(t, TypeError, errFrame.Type)
	assert.Contains(t, errFrame.Data["message"], "unknown message type")
}

func TestMalformedFrame(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{nope")))
	errFrame := readFrame(t, alice)
	assert.Equal(t, TypeError, errFrame.Type)
}

func TestRejoinMovesDocument(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice", "Alice")
	join(t, alice, "doc1")

	roster := join(t, alice, "doc2")
	assert.Equal(t, "doc2", roster.Data["documentId"])

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		n1, err1 := f.presence.CountSessions(ctx, "doc1")
		n2, err2 := f.presence.CountSessions(ctx, "doc2")
		return err1 == nil && err2 == nil && n1 == 0 && n2 == 1
	}, time.Second, 20*time.Millisecond)
}
