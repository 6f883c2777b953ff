package collab

import (
	"encoding/json"

	"github.com/pkg/errors"

	"collabhub/logger"
	"collabhub/tools/errs"
)

// Inbound frame types.
const (
	TypeJoinDocument    = "join-document"
	TypeLeaveDocument   = "leave-document"
	TypeCRDTUpdate      = "crdt-update"
	TypeAwarenessUpdate = "awareness-update"
)

// Outbound frame types.
const (
	TypeConnected       = "connected"
	TypeUsersInDocument = "users-in-document"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypeError           = "error"
)

// Frame is the wire unit in both directions: a type tag plus a free-form
// data object. Inbound data stays a map until the handler decodes it into
// its payload struct.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// ParseFrame decodes one websocket text message.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrProtocol.WrapMsg("malformed frame", "err", err)
	}
	if f.Type == "" {
		return nil, errs.ErrProtocol.WithDetail("frame has no type")
	}
	return &f, nil
}

// JoinPayload is the data of a join-document frame.
type JoinPayload struct {
	DocumentID string `json:"documentId"`
}

// LeavePayload is the data of a leave-document frame.
type LeavePayload struct {
	DocumentID string `json:"documentId"`
}

// EditPayload is the data of a crdt-update or awareness-update frame.
// Update is an opaque base64 blob; the gateway relays it without decoding.
// Cursor rides along on awareness updates only.
type EditPayload struct {
	DocumentID string          `json:"documentId"`
	Update     string          `json:"update"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
}

// UserInfo is the public shape of a presence session.
type UserInfo struct {
	PrincipalID string          `json:"principalId"`
	DisplayName string          `json:"displayName"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

// BuildFrame marshals an outbound frame. Marshalling our own payload types
// cannot fail in practice; a failure is logged and drops the frame.
func BuildFrame(frameType string, data any) []byte {
	raw, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: frameType, Data: data})
	if err != nil {
		logger.Errorf("[collab] marshal %s frame: %v", frameType, err)
		return nil
	}
	return raw
}

// rawFrame builds an outbound frame around already-encoded data, used when
// relaying bus envelopes without a decode round-trip.
func rawFrame(frameType string, data json.RawMessage) []byte {
	raw, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: frameType, Data: data})
	if err != nil {
		logger.Errorf("[collab] marshal relayed %s frame: %v", frameType, err)
		return nil
	}
	return raw
}

// errorFrame shapes an error for the client. CodeError messages are safe to
// surface; anything else is reported generically.
func errorFrame(err error) []byte {
	msg := "internal error"
	var ce errs.CodeError
	if errors.As(err, &ce) {
		msg = ce.Msg
		if ce.Detail != "" {
			msg = msg + ": " + ce.Detail
		}
	}
	return BuildFrame(TypeError, map[string]string{"message": msg})
}
