package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Ping(t *testing.T) {
	f, err := decodeFrame([]byte(`[1]`))
	require.NoError(t, err)
	assert.Equal(t, framePing, f.Type)
}

func TestDecodeFrame_Pong(t *testing.T) {
	f, err := decodeFrame([]byte(`[2]`))
	require.NoError(t, err)
	assert.Equal(t, framePong, f.Type)
}

func TestDecodeFrame_SingleElementNonPingPong(t *testing.T) {
	_, err := decodeFrame([]byte(`[0]`))
	assert.ErrorIs(t, err, errProtocolDecode)
}

func TestDecodeFrame_NotAnArray(t *testing.T) {
	_, err := decodeFrame([]byte(`{"not":"an array"}`))
	assert.ErrorIs(t, err, errProtocolDecode)
}

func TestDecodeFrame_Message(t *testing.T) {
	f, err := decodeFrame([]byte(`[0, 12, "stateChange", ["sys.x", {"val":42,"ack":true,"ts":1000}]]`))
	require.NoError(t, err)
	assert.Equal(t, frameMessage, f.Type)
	assert.Equal(t, int64(12), f.ID)
	assert.Equal(t, "stateChange", f.Name)
	require.Len(t, f.Args, 2)
	assert.Equal(t, "sys.x", f.Args[0])
}

func TestDecodeFrame_MessageNoArgs(t *testing.T) {
	f, err := decodeFrame([]byte(`[0, 1, "___ready___"]`))
	require.NoError(t, err)
	assert.Equal(t, "___ready___", f.Name)
	assert.Nil(t, f.Args)
}

func TestDecodeFrame_CallbackResponse(t *testing.T) {
	f, err := decodeFrame([]byte(`[3, 7, [null, {"val":1}]]`))
	require.NoError(t, err)
	assert.Equal(t, frameCallback, f.Type)
	assert.Equal(t, int64(7), f.ID)
	require.Len(t, f.CallbackArgs, 2)
	assert.Nil(t, f.CallbackArgs[0])
}

func TestDecodeFrame_UnexpectedTag(t *testing.T) {
	_, err := decodeFrame([]byte(`[9, 1, "x"]`))
	assert.ErrorIs(t, err, errProtocolDecode)
}

func TestOutboundMessage_Marshal(t *testing.T) {
	data, err := outboundMessage{ID: 3, Name: "subscribe", Args: []interface{}{"sys.*"}}.marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `[0, 3, "subscribe", ["sys.*"]]`, string(data))
}

func TestOutboundCallback_Marshal(t *testing.T) {
	data, err := outboundCallback{ID: 4, Name: "getState", Args: []interface{}{"sys.x"}}.marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `[3, 4, "getState", ["sys.x"]]`, string(data))
}

func TestMarshalPingPong(t *testing.T) {
	ping, err := marshalPing()
	require.NoError(t, err)
	assert.JSONEq(t, `[1]`, string(ping))

	pong, err := marshalPong()
	require.NoError(t, err)
	assert.JSONEq(t, `[2]`, string(pong))
}
