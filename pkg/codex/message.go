package codex

import (
	"encoding/json"
	"fmt"
)

// MessageKind discriminates a decoded wire message.
type MessageKind int

const (
	KindResponse MessageKind = iota
	KindRequest
	KindNotification
)

// Message is one decoded line of the wire protocol. The kind is derived
// from which fields are present:
//   - id + method            -> request (agent asking the host)
//   - id + (result | error)  -> response
//   - method without id      -> notification
type Message struct {
	Kind   MessageKind
	ID     interface{}
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Decode parses a single newline-framed message and discriminates its kind.
// A response carrying both result and error is treated as an error response.
func Decode(line []byte) (*Message, error) {
	var raw struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	hasID := raw.ID != nil
	hasMethod := raw.Method != ""
	hasResult := raw.Result != nil
	hasError := raw.Error != nil

	switch {
	case hasID && hasMethod:
		return &Message{Kind: KindRequest, ID: raw.ID, Method: raw.Method, Params: raw.Params}, nil
	case hasID && (hasResult || hasError):
		msg := &Message{Kind: KindResponse, ID: raw.ID, Error: raw.Error}
		// error wins over result when both are present
		if !hasError {
			msg.Result = raw.Result
		}
		return msg, nil
	case hasMethod:
		return &Message{Kind: KindNotification, Method: raw.Method, Params: raw.Params}, nil
	default:
		return nil, fmt.Errorf("message has neither method nor response fields")
	}
}

// Encode marshals a wire message and appends the line terminator.
func Encode(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// NormalizeID converts JSON-unmarshaled IDs to a consistent type for map
// lookup. JSON numbers are unmarshaled as float64, but outgoing request IDs
// are stored as int64. String IDs pass through untouched.
func NormalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}
