package devices

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// AllocationError reports that a device could not satisfy a buffer request:
// exhausted memory, unsupported element type or an invalid element count.
//
// It is returned by Queue.Allocate and surfaces unchanged through the tensors
// access protocol. Match it with errors.As.
type AllocationError struct {
	// Queue description where the allocation was requested.
	Queue string

	// DType and Count describe the rejected request.
	DType dtypes.DType
	Count int

	err error
}

// AllocationErrorf creates an *AllocationError for the given request, with a
// stack trace attached to the cause.
func AllocationErrorf(queue Queue, dtype dtypes.DType, count int, format string, args ...any) *AllocationError {
	return &AllocationError{
		Queue: queue.String(),
		DType: dtype,
		Count: count,
		err:   errors.Errorf(format, args...),
	}
}

// Bytes returns the size of the rejected request, or 0 if the dtype has no
// defined memory footprint.
func (e *AllocationError) Bytes() uintptr {
	if e.Count < 0 || e.DType == dtypes.InvalidDType {
		return 0
	}
	return e.DType.Memory() * uintptr(e.Count)
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation of %s (%d x %s) failed on %s: %v",
		humanize.Bytes(uint64(e.Bytes())), e.Count, e.DType, e.Queue, e.err)
}

// Unwrap returns the underlying cause, which carries a stack trace.
func (e *AllocationError) Unwrap() error { return e.err }

// DeviceError reports a failure of a device queue: a scheduled operation
// failed, a wait timed out or the queue refused work because of a previous
// sticky error.
//
// Once a queue records a DeviceError it is sticky: every subsequent operation
// on the queue propagates it until Queue.ClearError is called.
type DeviceError struct {
	// Queue description where the error was recorded.
	Queue string

	// Op names the operation that failed, e.g. "copy" or "waitUntilComplete".
	Op string

	// Timeout is set when the failure was the device timeout elapsing.
	Timeout bool

	err error
}

// DeviceErrorf creates a *DeviceError with a stack trace attached to the cause.
func DeviceErrorf(queue Queue, op string, format string, args ...any) *DeviceError {
	return &DeviceError{
		Queue: queue.String(),
		Op:    op,
		err:   errors.Errorf(format, args...),
	}
}

// WrapDeviceError wraps err as a *DeviceError, or returns it unchanged if it
// already is one (an error crossing queues keeps its original context).
func WrapDeviceError(queue Queue, op string, err error) *DeviceError {
	if err == nil {
		return nil
	}
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr
	}
	return &DeviceError{
		Queue: queue.String(),
		Op:    op,
		err:   errors.WithStack(err),
	}
}

// TimeoutErrorf creates a *DeviceError flagged as a timeout.
func TimeoutErrorf(queue Queue, op string, timeout time.Duration) *DeviceError {
	return &DeviceError{
		Queue:   queue.String(),
		Op:      op,
		Timeout: true,
		err:     errors.Errorf("device timeout of %s exceeded", timeout),
	}
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error on %s during %q: %v", e.Queue, e.Op, e.err)
}

// Unwrap returns the underlying cause, which carries a stack trace.
func (e *DeviceError) Unwrap() error { return e.err }

// IsTimeout returns whether err is (or wraps) a DeviceError caused by the
// device timeout elapsing.
func IsTimeout(err error) bool {
	var devErr *DeviceError
	return errors.As(err, &devErr) && devErr.Timeout
}
