package collab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabhub/tools/errs"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"join-document","data":{"documentId":"doc1"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoinDocument, f.Type)
	assert.Equal(t, "doc1", f.Data["documentId"])
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	_, err := ParseFrame([]byte(`{not json`))
	assert.True(t, errs.ErrProtocol.Is(err))

	_, err = ParseFrame([]byte(`{"data":{}}`))
	assert.True(t, errs.ErrProtocol.Is(err))
}

func TestBuildFrameRoundTrip(t *testing.T) {
	raw := BuildFrame(TypeUserJoined, map[string]UserInfo{
		"user": {PrincipalID: "alice", DisplayName: "Alice"},
	})
	require.NotNil(t, raw)

	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUserJoined, f.Type)
	user := f.Data["user"].(map[string]any)
	assert.Equal(t, "alice", user["principalId"])
}

func TestErrorFrameSurfacesCodeErrors(t *testing.T) {
	raw := errorFrame(errs.ErrRateLimited.WithDetail("too many crdt-update messages"))
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, TypeError, f.Type)
	assert.Contains(t, f.Data["message"], "rate limit exceeded")
	assert.Contains(t, f.Data["message"], "too many crdt-update messages")
}

func TestErrorFrameHidesInternalErrors(t *testing.T) {
	raw := errorFrame(assert.AnError)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "internal error", f.Data["message"])
}
