// Package gateway translates boundary frames to and from the core: verb
// dispatch into the registry and supervisors, and fan-out of session events
// to WebSocket clients.
package gateway

import (
	"encoding/json"

	apperrors "github.com/cloud-codex/cloud-codex/internal/common/errors"
)

// Client -> server frame types
const (
	TypeThreadStart     = "thread/start"
	TypeThreadResume    = "thread/resume"
	TypeTurnStart       = "turn/start"
	TypeTurnInterrupt   = "turn/interrupt"
	TypeApprovalRespond = "approval/respond"
)

// Server -> client frame types
const (
	TypeResponse        = "response"
	TypeEvent           = "event"
	TypeApprovalRequest = "approval/request"
	TypeError           = "error"
	TypeIRUpdate        = "ir/update"
)

// Frame is the boundary envelope exchanged with clients.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame builds a frame of the given type, marshaling the payload.
func NewFrame(frameType, requestID string, payload interface{}) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{Type: frameType, RequestID: requestID, Payload: data}, nil
}

// NewResponseFrame builds a response frame correlated by request id.
func NewResponseFrame(requestID string, payload interface{}) (*Frame, error) {
	return NewFrame(TypeResponse, requestID, payload)
}

// NewErrorFrame builds an error frame, optionally correlated by request id.
func NewErrorFrame(requestID, code, message string) *Frame {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Frame{Type: TypeError, RequestID: requestID, Payload: data}
}

// ErrorFrameFor builds an error frame from a coded gateway error.
func ErrorFrameFor(requestID string, err error) *Frame {
	return NewErrorFrame(requestID, string(apperrors.CodeOf(err)), errMessage(err))
}

// ParsePayload parses the frame payload into the given struct.
func (f *Frame) ParsePayload(v interface{}) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}
