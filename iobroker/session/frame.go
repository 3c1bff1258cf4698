package session

import (
	"encoding/json"
	"fmt"
)

// frameType is the leading tag of every ioBroker wire frame (§6 wire protocol).
type frameType int

const (
	frameMessage  frameType = 0
	framePing     frameType = 1
	framePong     frameType = 2
	frameCallback frameType = 3
)

// outboundMessage is a [MESSAGE, id, name, args] frame with no response
// expected.
type outboundMessage struct {
	ID   int64
	Name string
	Args []interface{}
}

func (m outboundMessage) marshal() ([]byte, error) {
	return json.Marshal([]interface{}{frameMessage, m.ID, m.Name, m.Args})
}

// outboundCallback is a [CALLBACK, id, name, args] frame awaiting a
// [CALLBACK, id, [err, result...]] response.
type outboundCallback struct {
	ID   int64
	Name string
	Args []interface{}
}

func (m outboundCallback) marshal() ([]byte, error) {
	return json.Marshal([]interface{}{frameCallback, m.ID, m.Name, m.Args})
}

func marshalPing() ([]byte, error)  { return json.Marshal([]interface{}{framePing}) }
func marshalPong() ([]byte, error)  { return json.Marshal([]interface{}{framePong}) }

// inboundFrame is the decoded shape of any inbound wire frame.
type inboundFrame struct {
	Type frameType
	ID   int64
	Name string
	Args []interface{}
	// Callback-only: the raw [err, result, ...] argument list.
	CallbackArgs []interface{}
}

// decodeFrame parses one inbound WebSocket text message into an inboundFrame.
// Malformed frames return errProtocolDecode-wrapped errors; callers log and
// drop rather than propagate (§7 ProtocolDecode).
func decodeFrame(data []byte) (*inboundFrame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: not a json array: %v", errProtocolDecode, err)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", errProtocolDecode)
	}

	var tag int
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return nil, fmt.Errorf("%w: bad type tag: %v", errProtocolDecode, err)
	}
	ft := frameType(tag)

	if len(raw) == 1 {
		if ft != framePing && ft != framePong {
			return nil, fmt.Errorf("%w: single-element frame with non-ping/pong tag %d", errProtocolDecode, tag)
		}
		return &inboundFrame{Type: ft}, nil
	}

	switch ft {
	case frameMessage:
		return decodeMessageFrame(raw)
	case frameCallback:
		return decodeCallbackFrame(raw)
	default:
		return nil, fmt.Errorf("%w: unexpected multi-element tag %d", errProtocolDecode, tag)
	}
}

func decodeMessageFrame(raw []json.RawMessage) (*inboundFrame, error) {
	if len(raw) < 3 {
		return nil, fmt.Errorf("%w: message frame too short", errProtocolDecode)
	}
	var id int64
	_ = json.Unmarshal(raw[1], &id)
	var name string
	if err := json.Unmarshal(raw[2], &name); err != nil {
		return nil, fmt.Errorf("%w: message name: %v", errProtocolDecode, err)
	}
	var args []interface{}
	if len(raw) > 3 {
		if err := json.Unmarshal(raw[3], &args); err != nil {
			return nil, fmt.Errorf("%w: message args: %v", errProtocolDecode, err)
		}
	}
	return &inboundFrame{Type: frameMessage, ID: id, Name: name, Args: args}, nil
}

func decodeCallbackFrame(raw []json.RawMessage) (*inboundFrame, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: callback frame too short", errProtocolDecode)
	}
	var id int64
	if err := json.Unmarshal(raw[1], &id); err != nil {
		return nil, fmt.Errorf("%w: callback id: %v", errProtocolDecode, err)
	}

	// The peer may reply [CALLBACK, id, [err, result, ...]] (response) or we
	// may be decoding our own request shape [CALLBACK, id, name, args] if the
	// server ever echoes it; distinguish by element count/type.
	if len(raw) == 3 {
		var callbackArgs []interface{}
		if err := json.Unmarshal(raw[2], &callbackArgs); err != nil {
			return nil, fmt.Errorf("%w: callback response args: %v", errProtocolDecode, err)
		}
		return &inboundFrame{Type: frameCallback, ID: id, CallbackArgs: callbackArgs}, nil
	}

	var name string
	_ = json.Unmarshal(raw[2], &name)
	var args []interface{}
	if len(raw) > 3 {
		_ = json.Unmarshal(raw[3], &args)
	}
	return &inboundFrame{Type: frameCallback, ID: id, Name: name, Args: args}, nil
}
