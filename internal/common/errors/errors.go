// Package errors defines the gateway's error taxonomy. Every failure that
// reaches a client carries one of these codes, whether it travels as an HTTP
// status on the REST surface or as an error frame on the stream.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code classifies a gateway failure.
type Code string

const (
	// CodeBadFrame covers malformed payloads and unknown frame types.
	CodeBadFrame Code = "BAD_FRAME"
	// CodeIdentityMissing means the boundary layer asserted no user id.
	CodeIdentityMissing Code = "IDENTITY_MISSING"
	// CodeSessionNotFound means no live session matches the id.
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	// CodeRunNotFound means the session has no run view for the thread.
	CodeRunNotFound Code = "RUN_NOT_FOUND"
	// CodeApprovalNotFound covers unknown approval ids and session
	// mismatches; both are dropped without touching the pending table.
	CodeApprovalNotFound Code = "APPROVAL_NOT_FOUND"
	// CodeAgentUnavailable means the agent subprocess could not be spawned
	// or failed its initialize handshake.
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	// CodeAgentError carries a classified RPC or process error from a
	// running agent.
	CodeAgentError Code = "AGENT_ERROR"
	// CodeRPCTimeout means the agent missed an outgoing request deadline.
	CodeRPCTimeout Code = "RPC_TIMEOUT"
	// CodeInternal is the fallback for everything else.
	CodeInternal Code = "INTERNAL"
)

// Error is a coded gateway error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// BadFrame reports a malformed or unknown client frame.
func BadFrame(detail string) *Error {
	return New(CodeBadFrame, detail)
}

// IdentityMissing reports a connection without an asserted user id.
func IdentityMissing() *Error {
	return New(CodeIdentityMissing, "missing user identity")
}

// SessionNotFound reports an unknown session id.
func SessionNotFound(sessionID string) *Error {
	return New(CodeSessionNotFound, fmt.Sprintf("session %q not found", sessionID))
}

// RunNotFound reports an unknown thread within a session.
func RunNotFound(threadID string) *Error {
	return New(CodeRunNotFound, fmt.Sprintf("run %q not found", threadID))
}

// ApprovalNotFound reports an unknown or mismatched approval id.
func ApprovalNotFound(approvalID string) *Error {
	return New(CodeApprovalNotFound, fmt.Sprintf("approval %q not found", approvalID))
}

// AgentUnavailable reports a spawn or handshake failure.
func AgentUnavailable(err error) *Error {
	return Wrap(CodeAgentUnavailable, "failed to start agent session", err)
}

// AgentError reports a failure from a running agent. The message carries
// the classified summary; RPC deadline misses get their own code.
func AgentError(err error) *Error {
	code := CodeAgentError
	if strings.Contains(err.Error(), "timed out") {
		code = CodeRPCTimeout
	}
	return Wrap(code, err.Error(), err)
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error chain's code onto the REST surface.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeBadFrame, CodeIdentityMissing:
		return http.StatusBadRequest
	case CodeSessionNotFound, CodeRunNotFound, CodeApprovalNotFound:
		return http.StatusNotFound
	case CodeAgentUnavailable:
		return http.StatusServiceUnavailable
	case CodeRPCTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
