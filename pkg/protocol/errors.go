package protocol

import (
	"encoding/json"
	"fmt"
)

// Code is a stable, machine-readable error code sent to clients.
type Code string

const (
	CodeInvalidFormat  Code = "invalid_format"
	CodeRateLimited    Code = "rate_limited"
	CodeNotParticipant Code = "not_participant"
	CodeAccessDenied   Code = "access_denied"
	CodeBlocked        Code = "blocked"
	CodeInvalidTarget  Code = "invalid_target"
	CodeInvalidState   Code = "invalid_state"
	CodeUnavailable    Code = "unavailable"
	CodeInternal       Code = "internal_error"
)

// Error is both a Go error and the outbound "error" frame. Ref carries the
// type of the inbound frame that was rejected, when known.
type Error struct {
	Code    Code
	Message string
	Ref     string
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// WithRef returns a copy of e referencing the given frame type.
func (e *Error) WithRef(ref string) *Error {
	cp := *e
	cp.Ref = ref
	return &cp
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Code    Code   `json:"code"`
		Message string `json:"message"`
		Ref     string `json:"ref,omitempty"`
	}{TypeError, e.Code, e.Message, e.Ref})
}
