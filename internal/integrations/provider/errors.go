package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindStatus    ErrorKind = "status"
	KindEnvelope  ErrorKind = "envelope"
	KindMalformed ErrorKind = "malformed"
)

const maxRawBytes = 4096

// Error is the single normalized failure returned by every Client call.
// Code is the HTTP status for KindStatus, the envelope code for KindEnvelope
// and zero otherwise. Raw holds the (truncated) upstream payload when one
// was received.
type Error struct {
	Op      string
	Kind    ErrorKind
	Code    int
	Message string
	Raw     string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("provider: %s: %s", e.Op, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Timeout reports whether the call was abandoned because it exceeded its deadline.
func (e *Error) Timeout() bool {
	return e != nil && e.Kind == KindTimeout
}

func transportError(op string, err error) *Error {
	kind := KindTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Message: "request failed", Err: err}
}

func truncate(raw []byte) string {
	if len(raw) > maxRawBytes {
		return string(raw[:maxRawBytes])
	}
	return string(raw)
}
