package adminq

import (
	"errors"
	"fmt"

	"github.com/romshark/gvnic/desc"
)

// Classes of device-reported command failures. A StatusError unwraps to
// exactly one of them.
var (
	ErrRetry       = errors.New("device asked to retry")
	ErrInvalid     = errors.New("invalid argument")
	ErrTimeout     = errors.New("deadline exceeded")
	ErrPermission  = errors.New("permission denied")
	ErrNoMemory    = errors.New("device out of resources")
	ErrUnsupported = errors.New("not supported")
)

var (
	// ErrFlushTimeout means the device never consumed the queued commands.
	// The admin queue is unusable afterwards and the device must be reset.
	ErrFlushTimeout = errors.New("admin queue flush timed out")
	ErrNotAllocated = errors.New("admin queue not allocated")
)

// StatusError is a non-success status written back by the device.
type StatusError struct {
	Opcode desc.Opcode
	Status desc.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Opcode, e.Status)
}

func (e *StatusError) Unwrap() error { return classify(e.Status) }

func classify(s desc.Status) error {
	switch s {
	case desc.StatusAborted,
		desc.StatusCancelled,
		desc.StatusDataLoss,
		desc.StatusFailedPrecondition,
		desc.StatusUnavailable:
		return ErrRetry
	case desc.StatusDeadlineExceeded:
		return ErrTimeout
	case desc.StatusPermissionDenied, desc.StatusUnauthenticated:
		return ErrPermission
	case desc.StatusResourceExhausted:
		return ErrNoMemory
	case desc.StatusUnimplemented:
		return ErrUnsupported
	}
	// Unset, already-exists, internal, invalid-argument, not-found,
	// out-of-range, unknown and anything undefined.
	return ErrInvalid
}

// Retryable reports whether a failed command may succeed when issued again.
func Retryable(err error) bool {
	return errors.Is(err, ErrRetry) ||
		errors.Is(err, ErrNoMemory) ||
		errors.Is(err, ErrTimeout)
}
