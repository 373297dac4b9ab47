package mllp

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable code for framing-layer failures, usable for
// logging, metrics, and retry decisions.
type ErrorCode uint16

const (
	ErrCodeUnknown ErrorCode = 0

	// missing start byte, missing end sequence, truncated frame
	ErrCodeBadFrame ErrorCode = 1001
	// payload is not valid UTF-8 where a string is required
	ErrCodeBadPayload ErrorCode = 1002
	// frame exceeds the configured maximum message size
	ErrCodeFrameTooLarge ErrorCode = 1003
)

// ProtocolError is the only error type returned by the framing layer.
// All protocol errors are permanent: retrying the same bytes will not
// help, the peer violated the wire format.
type ProtocolError struct {
	Code ErrorCode
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("mllp protocol error (%d)", e.Code)
	}
	return fmt.Sprintf("mllp protocol error (%d): %s", e.Code, e.Msg)
}

// Transient reports whether the error is safe to retry. Framing
// violations never are.
func (e *ProtocolError) Transient() bool { return false }

func NewError(code ErrorCode, msg string) *ProtocolError {
	return &ProtocolError{
		Code: code,
		Msg:  msg,
	}
}

func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
