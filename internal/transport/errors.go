package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies a failed request for the orchestrator, which decides
// per call whether a failure is fatal or recorded-and-continued.
type ErrorKind int

const (
	KindConnectionRefused ErrorKind = iota
	KindTimeout
	KindIO
	KindHTTPStatus
)

// Error carries a machine-usable code alongside the human text. For
// KindHTTPStatus the code is the HTTP status; otherwise it is the
// errno-style value the exit paths expect.
type Error struct {
	Kind ErrorKind
	Code int
	Info string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConnectionRefused:
		return fmt.Sprintf("connection refused: %s", e.Info)
	case KindTimeout:
		return fmt.Sprintf("timeout: %s", e.Info)
	case KindHTTPStatus:
		return fmt.Sprintf("unexpected HTTP status %d: %s", e.Code, e.Info)
	default:
		return e.Info
	}
}

// acceptedStatus reports whether an HTTP status terminates the request
// successfully. 308 is accepted for resumable transfers.
func acceptedStatus(code int) bool {
	switch code {
	case 200, 201, 301, 302, 307, 308:
		return true
	}
	return false
}

// classify maps a transport-level error to its kind.
func classify(err error) *Error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{Kind: KindConnectionRefused, Code: int(syscall.ECONNREFUSED), Info: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Code: int(syscall.ETIMEDOUT), Info: err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Code: int(syscall.ETIMEDOUT), Info: err.Error()}
	}

	return &Error{Kind: KindIO, Code: int(syscall.EIO), Info: err.Error()}
}
