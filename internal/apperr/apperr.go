// Package apperr defines the failure taxonomy shared by the crawler, the
// stores and the CLI.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure.
type Kind int

const (
	// KindTransport covers network failures and timeouts.
	KindTransport Kind = iota + 1
	// KindApplication is a non-zero status code reported in a response body.
	KindApplication
	// KindValidation is bad user input or a missing file, table or column.
	KindValidation
	// KindPersistence is a failed write of a single record.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindApplication:
		return "application"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a tagged failure.
type Error struct {
	Kind Kind
	Op   string
	Code int    // remote status code, KindApplication only
	Msg  string // remote message or validation detail
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindApplication:
		return fmt.Sprintf("%s: api error code=%d message=%q", e.Op, e.Code, e.Msg)
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps a network level failure.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Application reports a non-zero remote status code.
func Application(op string, code int, msg string) error {
	return &Error{Kind: KindApplication, Op: op, Code: code, Msg: msg}
}

// Validation reports bad input. The message is formatted like fmt.Sprintf.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Persistence wraps a failed record write.
func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTimeout reports whether err is a timeout: a net.Error with Timeout() set
// or a context deadline. Cancellation is not a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
