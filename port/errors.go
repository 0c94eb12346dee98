package port

import (
	"errors"
	"fmt"
)

// Error codes carried by ERROR envelopes.
const (
	CodeHandlerNotFound = "HANDLER_NOT_FOUND"
	CodeHandlerFailed   = "HANDLER_FAILED"
	CodeHandlerPanic    = "HANDLER_PANIC"
	CodeInvalidArgs     = "INVALID_ARGS"
)

// PortErrorType discriminates local port failures.
type PortErrorType int

const (
	PortErrorTypeTimeout PortErrorType = iota
	PortErrorTypeClosed
	PortErrorTypeHandlerExists
	PortErrorTypeReservedName
	PortErrorTypeMalformed
)

// PortError is a failure raised on this side of the channel.
type PortError struct {
	Type    PortErrorType
	Name    string
	Message string
}

func (e *PortError) Error() string {
	switch e.Type {
	case PortErrorTypeTimeout:
		if e.Name != "" {
			return fmt.Sprintf("port: no reply to %q before deadline", e.Name)
		}
		return "port: no reply before deadline"
	case PortErrorTypeClosed:
		return "port: closed"
	case PortErrorTypeHandlerExists:
		return fmt.Sprintf("port: handler already registered for %q", e.Name)
	case PortErrorTypeReservedName:
		return fmt.Sprintf("port: %q is a reserved control name", e.Name)
	case PortErrorTypeMalformed:
		return fmt.Sprintf("port: malformed envelope: %s", e.Message)
	default:
		return fmt.Sprintf("port: %s", e.Message)
	}
}

// Is matches on Type so callers can use errors.Is(err, ErrTimeout).
func (e *PortError) Is(target error) bool {
	t, ok := target.(*PortError)
	return ok && t.Type == e.Type
}

var (
	ErrTimeout       = &PortError{Type: PortErrorTypeTimeout}
	ErrPortClosed    = &PortError{Type: PortErrorTypeClosed}
	ErrHandlerExists = &PortError{Type: PortErrorTypeHandlerExists}
	ErrReservedName  = &PortError{Type: PortErrorTypeReservedName}
	ErrMalformed     = &PortError{Type: PortErrorTypeMalformed}
)

// ErrChannelClosed is returned by Channel.Send once either end has closed.
var ErrChannelClosed = errors.New("channel closed")

// RemoteError is a failure reported by the peer in an ERROR envelope. Only the
// text crosses the boundary.
type RemoteError struct {
	Code    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches another RemoteError by code; an empty code matches any remote error.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

var (
	ErrRemote          = &RemoteError{}
	ErrHandlerNotFound = &RemoteError{Code: CodeHandlerNotFound}
)

func malformed(format string, args ...interface{}) error {
	return &PortError{Type: PortErrorTypeMalformed, Message: fmt.Sprintf(format, args...)}
}
