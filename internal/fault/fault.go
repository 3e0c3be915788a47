// Package fault defines the error taxonomy shared by the harvester packages.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is(err, fault.ErrTransport) etc. in calling code.
var (
	// ErrTransport marks network failures and timeouts. Retryable.
	ErrTransport = errors.New("transport fault")

	// ErrProtocol marks malformed responses and provider-declared errors.
	ErrProtocol = errors.New("protocol fault")

	// ErrRange marks time values outside the representable range.
	ErrRange = errors.New("range fault")

	// ErrConflict marks a rejected attempt to run a second job for a service.
	ErrConflict = errors.New("conflict fault")

	// ErrStorage marks persistence failures.
	ErrStorage = errors.New("storage fault")
)

// Fault is a classified error. It unwraps to both its Kind and the
// underlying cause.
type Fault struct {
	Kind error
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	switch {
	case f.Op != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Op, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	case f.Op != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Op)
	default:
		return f.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (f *Fault) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

func newFault(kind error, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Transport wraps err as a retryable transport fault.
func Transport(op string, err error) *Fault { return newFault(ErrTransport, op, err) }

// Protocol wraps err as a fatal protocol fault.
func Protocol(op string, err error) *Fault { return newFault(ErrProtocol, op, err) }

// Range wraps err as a range fault.
func Range(op string, err error) *Fault { return newFault(ErrRange, op, err) }

// Conflict wraps err as a conflict fault.
func Conflict(op string, err error) *Fault { return newFault(ErrConflict, op, err) }

// Storage wraps err as a storage fault.
func Storage(op string, err error) *Fault { return newFault(ErrStorage, op, err) }

// Rangef builds a range fault from a format string.
func Rangef(op, format string, args ...any) *Fault {
	return Range(op, fmt.Errorf(format, args...))
}

// Protocolf builds a protocol fault from a format string.
func Protocolf(op, format string, args ...any) *Fault {
	return Protocol(op, fmt.Errorf(format, args...))
}

// IsRetryable reports whether err is a transport fault.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// KindOf returns the taxonomy kind of err, or nil if err is unclassified.
func KindOf(err error) error {
	for _, kind := range []error{ErrTransport, ErrProtocol, ErrRange, ErrConflict, ErrStorage} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
