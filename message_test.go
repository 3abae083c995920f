package workers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Creation(t *testing.T) {
	t.Run("request gets a generated tx", func(t *testing.T) {
		msg := newRequest("ping", map[string]any{"message": "hi"}, nil)
		assert.Equal(t, "ping", msg.Type)
		assert.NotEmpty(t, msg.Tx)
		assert.Equal(t, map[string]any{"message": "hi"}, msg.Payload)
	})

	t.Run("custom generator receives the draft", func(t *testing.T) {
		gen := func(draft Message) string {
			return "tx-" + draft.Type
		}
		msg := newRequest("compute", nil, gen)
		assert.Equal(t, "tx-compute", msg.Tx)
	})

	t.Run("distinct requests get distinct txs", func(t *testing.T) {
		a := newRequest("ping", nil, nil)
		b := newRequest("ping", nil, nil)
		assert.NotEqual(t, a.Tx, b.Tx)
	})

	t.Run("response reuses the request tx", func(t *testing.T) {
		req := newRequest("ping", map[string]any{"n": 1}, nil)
		resp := newResponse(req.Tx, "ping", map[string]any{"n": 2})
		assert.Equal(t, req.Tx, resp.Tx)
		assert.Equal(t, "pingResult", resp.Type)
	})

	t.Run("error response wraps a serialized error", func(t *testing.T) {
		msg := newErrorResponse("tx-1", "compute", errors.New("boom"))
		assert.Equal(t, "computeError", msg.Type)
		se, ok := msg.Payload.(SerializedError)
		require.True(t, ok)
		assert.Equal(t, "Error", se.Name)
		assert.Equal(t, "boom", se.Message)
	})
}

func TestMessage_TypeGuards(t *testing.T) {
	req := newRequest("ping", nil, nil)
	resp := newResponse(req.Tx, "ping", nil)
	errResp := newErrorResponse(req.Tx, "ping", errors.New("x"))

	assert.True(t, IsRequest(req))
	assert.False(t, IsResult(req))
	assert.False(t, IsError(req))

	assert.True(t, IsResult(resp))
	assert.False(t, IsRequest(resp))
	assert.False(t, IsError(resp))

	assert.True(t, IsError(errResp))
	assert.False(t, IsRequest(errResp))
	assert.False(t, IsResult(errResp))

	t.Run("tx is required for all guards", func(t *testing.T) {
		broadcast := Message{Type: "pingResult"}
		assert.False(t, IsResult(broadcast))
		assert.False(t, IsRequest(broadcast))
		assert.False(t, IsError(broadcast))
	})
}

func TestSerializedError_RoundTrip(t *testing.T) {
	t.Run("remote error keeps name and code", func(t *testing.T) {
		original := &RemoteError{Name: "FileError", Message: "no such file", Code: "ENOENT"}
		se := serializeError(original)
		assert.Equal(t, "FileError", se.Name)
		assert.Equal(t, "ENOENT", se.Code)

		back := deserializeError(se)
		assert.Equal(t, original.Name, back.Name)
		assert.Equal(t, original.Message, back.Message)
		assert.Equal(t, original.Code, back.Code)
	})

	t.Run("plain error becomes a generic Error", func(t *testing.T) {
		se := serializeError(fmt.Errorf("disk full"))
		assert.Equal(t, "Error", se.Name)
		assert.Equal(t, "disk full", se.Message)
		assert.Empty(t, se.Code)
	})

	t.Run("decoded map payload reconstructs the error", func(t *testing.T) {
		payload := map[string]any{"name": "RangeError", "message": "out of range", "code": "E42"}
		re := deserializeError(payload)
		assert.Equal(t, "RangeError", re.Name)
		assert.Equal(t, "out of range", re.Message)
		assert.Equal(t, "E42", re.Code)
		assert.Contains(t, re.Error(), "RangeError")
		assert.Contains(t, re.Error(), "E42")
	})

	t.Run("map payload without a name falls back to Error", func(t *testing.T) {
		re := deserializeError(map[string]any{"message": "mystery"})
		assert.Equal(t, "Error", re.Name)
	})
}
