package opcua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gopcua/opcua/ua"
)

// Error kinds. Every error returned by a Session wraps exactly one of them,
// test with errors.Is.
var (
	ErrUnreachable  = errors.New("endpoint unreachable")
	ErrAuthRejected = errors.New("authentication rejected")
	ErrProtocol     = errors.New("protocol error")

	ErrNotFound     = errors.New("node not found")
	ErrTypeMismatch = errors.New("type mismatch")

	ErrDisconnected = errors.New("session disconnected")
	ErrTimeout      = errors.New("request timed out")
	// ErrRejected covers node level bad status codes (not writable, access
	// denied, ...) that leave the session usable.
	ErrRejected = errors.New("request rejected")
)

// ConnectError is returned by Connect. Endpoint is always the redacted URL.
type ConnectError struct {
	Kind     error
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{e.Kind, e.Err} }

type ResolveError struct {
	Kind    error
	Address string
	Err     error
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s: %v", e.Address, e.Kind)
	}
	return fmt.Sprintf("resolve %s: %v: %v", e.Address, e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() []error { return []error{e.Kind, e.Err} }

type IoError struct {
	Op      string
	Kind    error
	Address string
	Err     error
}

func (e *IoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Address, e.Kind, e.Err)
}

func (e *IoError) Unwrap() []error { return []error{e.Kind, e.Err} }

// IsSessionLost reports whether err means the whole session is gone, as
// opposed to a single node operation failing.
func IsSessionLost(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

func classifyConnect(err error) error {
	var status ua.StatusCode
	if errors.As(err, &status) {
		switch status {
		case ua.StatusBadUserAccessDenied,
			ua.StatusBadIdentityTokenInvalid,
			ua.StatusBadIdentityTokenRejected:
			return ErrAuthRejected
		case ua.StatusBadTimeout:
			return ErrUnreachable
		}
		return ErrProtocol
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrUnreachable
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnreachable
	}
	return ErrProtocol
}

func classifyResolve(status ua.StatusCode) error {
	switch status {
	case ua.StatusBadNodeIDUnknown, ua.StatusBadNodeIDInvalid, ua.StatusBadAttributeIDInvalid:
		return ErrNotFound
	case ua.StatusBadTypeMismatch:
		return ErrTypeMismatch
	}
	return ErrNotFound
}

// classifyIO maps a request error to an IoError kind. connected is the
// client's view of the secure channel after the failure.
func classifyIO(err error, connected bool) error {
	var status ua.StatusCode
	if errors.As(err, &status) {
		switch status {
		case ua.StatusBadTimeout, ua.StatusBadRequestTimeout:
			return ErrTimeout
		case ua.StatusBadTypeMismatch:
			return ErrTypeMismatch
		case ua.StatusBadSessionClosed,
			ua.StatusBadSessionIDInvalid,
			ua.StatusBadSecureChannelClosed,
			ua.StatusBadConnectionClosed,
			ua.StatusBadNotConnected,
			ua.StatusBadServerNotConnected,
			ua.StatusBadCommunicationError:
			return ErrDisconnected
		}
		if !connected {
			return ErrDisconnected
		}
		return ErrRejected
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && connected {
		return ErrTimeout
	}
	return ErrDisconnected
}
