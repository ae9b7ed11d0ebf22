package devices

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// Buffer is an opaque handle to a device buffer holding a flat run of
// elements of one dtype. Only the queue that allocated it knows its layout.
type Buffer any

// Event is a completion marker on a queue's ordered work stream. It fires
// exactly once, when every operation submitted to its queue before the event
// was created has finished, and stays fired forever.
type Event interface {
	// Done reports whether the event has fired. It never blocks.
	Done() bool

	// Wait blocks the calling goroutine until the event fires, honoring the
	// owning device's timeout: on expiry it returns a *DeviceError with the
	// Timeout flag set, leaving the event itself untouched.
	Wait() error
}

// Queue is an independent asynchronous sequential executor owned by a Device:
// work submitted to it runs in submission order, but distinct queues do not
// order against each other — cross-queue ordering happens only through
// CreateEvent + WaitFor edges.
//
// The host queue (Device.HostQueue) is the special queue representing
// synchronous execution on the calling goroutine: scheduled work runs inline
// and WaitFor blocks.
//
// Errors are sticky: once an operation fails (including by timeout), the
// queue refuses further work and every operation reports the stored error
// until ClearError acknowledges it.
type Queue interface {
	fmt.Stringer

	// Device that owns this queue.
	Device() Device

	// IsHost reports whether this is the device's host queue.
	IsHost() bool

	// Allocate a buffer of count elements of the given dtype. It fails with a
	// *AllocationError if the device cannot satisfy the request, and with the
	// sticky error if the queue already failed.
	Allocate(dtype dtypes.DType, count int) (Buffer, error)

	// Free releases a buffer allocated on this queue's device. Freeing nil is
	// a no-op.
	Free(buffer Buffer)

	// Data returns the host-visible flat slice backing the buffer, or nil if
	// the device memory is not host addressable.
	Data(buffer Buffer) any

	// Schedule appends work to the queue's ordered stream and returns the
	// event that fires when it (and everything before it) completed. The op
	// name is used for diagnostics. If the queue is in an error state the
	// work is discarded and the returned event is already fired.
	//
	// An error returned by work becomes the queue's sticky error.
	Schedule(op string, work func() error) Event

	// ScheduleCopy appends a bulk element copy from src to dst to the ordered
	// stream. Both buffers must have been allocated on this queue's device
	// with the same dtype; dst must be at least as long as src.
	ScheduleCopy(dst, src Buffer) Event

	// CreateEvent records a completion event capturing all work submitted to
	// this queue so far.
	CreateEvent() Event

	// WaitFor orders all work submitted after this call behind the event. On
	// a device queue it returns immediately (it only enqueues the ordering);
	// on the host queue it blocks the calling goroutine until the event
	// fires, turning a timeout into the sticky error.
	WaitFor(event Event)

	// LastError returns the queue's sticky error, or nil.
	LastError() error

	// ClearError acknowledges and resets the sticky error, making the queue
	// usable again.
	ClearError()

	// WaitUntilComplete blocks the calling goroutine until all submitted work
	// has finished, honoring the device timeout. It returns the sticky error,
	// if any.
	WaitUntilComplete() error
}
