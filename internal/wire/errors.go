package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error type tags carried in error replies.
const (
	ErrTypeParse     = "parse"
	ErrTypeResolve   = "resolve"
	ErrTypeNotFound  = "notFound"
	ErrTypeProtocol  = "protocol"
	ErrTypeSession   = "session"
	ErrTypeInternal  = "internal"
	ErrTypeForbidden = "forbidden"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrIllegalSlot   = errors.New("illegal non-terminal slot")
	ErrUnknownScheme = errors.New("unknown scheme")
	ErrNotLoaded     = errors.New("not loaded")
)

// ParseError reports malformed descriptor syntax or an invalid slot name.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

// ResolveError reports a segment that could not be resolved.
type ResolveError struct {
	Descriptor string
	Segment    string
	Err        error
}

func (e *ResolveError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("resolve %q: %v", e.Descriptor, e.Err)
	}
	return fmt.Sprintf("resolve %q at %q: %v", e.Descriptor, e.Segment, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// TransportError is a non-success status or missing response.
// SessionInvalid marks the session identifier itself as rejected.
type TransportError struct {
	Status         int
	SessionInvalid bool
	Err            error
}

func (e *TransportError) Error() string {
	kind := "recoverable"
	if e.SessionInvalid {
		kind = "session invalid"
	}
	if e.Err != nil {
		return fmt.Sprintf("transport (%s, status %d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("transport (%s, status %d)", kind, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Recoverable() bool { return !e.SessionInvalid }

// ProtocolError is an unmatched reply or a malformed frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

// RemoteError is an error reply produced by the server for one request.
type RemoteError struct {
	Type       string
	Message    string
	CommsFatal bool
}

func (e *RemoteError) Error() string {
	if e.CommsFatal {
		return fmt.Sprintf("remote %s (comms fatal): %s", e.Type, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.Type == ErrTypeNotFound
}

// RemoteErrorFrom converts an error reply into a RemoteError.
func RemoteErrorFrom(m Message) *RemoteError {
	var text string
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &text); err != nil {
			text = string(m.Body)
		}
	}
	return &RemoteError{Type: m.ErrorType, Message: text, CommsFatal: m.CommsFatal}
}

func IsRecoverable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Recoverable()
	}
	return false
}

func IsSessionInvalid(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.SessionInvalid
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Type == ErrTypeSession
	}
	return false
}

func IsCommsFatal(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.CommsFatal
	}
	return false
}
