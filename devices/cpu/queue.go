package cpu

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/xsync"
)

// queueBacklog bounds the number of scheduled-but-unstarted tasks; Schedule
// applies backpressure beyond it.
const queueBacklog = 128

// task is one entry of a worker queue's ordered stream. A nil work marks a
// pure completion event.
type task struct {
	op   string
	work func() error
	done *xsync.Latch
}

// queue implements devices.Queue. The host queue runs work inline on the
// calling goroutine; worker queues feed a single goroutine consuming tasks in
// submission order, which is what makes events meaningful.
type queue struct {
	dev  *Device
	id   uuid.UUID
	name string
	host bool

	// errMu guards the sticky error only. It is never held while blocking on
	// the task channel, so a worker recording a failure cannot deadlock with
	// a backpressured Schedule.
	errMu sync.Mutex
	err   error

	// lifeMu guards closed and the channel send in Schedule, serializing
	// against stop().
	lifeMu  sync.Mutex
	closed  bool
	tasks   chan *task // nil for the host queue
	stopped *xsync.Latch
}

// Compile-time check:
var _ devices.Queue = (*queue)(nil)

func newHostQueue(d *Device) *queue {
	return &queue{dev: d, id: uuid.New(), host: true}
}

func newWorkerQueue(d *Device, name string) *queue {
	q := &queue{
		dev:     d,
		id:      uuid.New(),
		name:    name,
		tasks:   make(chan *task, queueBacklog),
		stopped: xsync.NewLatch(),
	}
	go q.run()
	return q
}

// run consumes the ordered task stream. After a failure the remaining work is
// discarded, but completion latches still trigger so waiters never hang.
func (q *queue) run() {
	defer q.stopped.Trigger()
	for t := range q.tasks {
		if t.work != nil && q.LastError() == nil {
			if err := t.work(); err != nil {
				q.fail(t.op, err)
			}
		}
		t.done.Trigger()
	}
}

// stop closes the task stream and waits for the worker goroutine to drain it.
func (q *queue) stop() {
	if q.host {
		return
	}
	q.lifeMu.Lock()
	if q.closed {
		q.lifeMu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.lifeMu.Unlock()
	q.stopped.Wait()
}

// String implements fmt.Stringer; it identifies the queue in errors and logs.
func (q *queue) String() string {
	if q.host {
		return DeviceName + ":host"
	}
	if q.name != "" {
		return fmt.Sprintf("%s:%s", DeviceName, q.name)
	}
	return fmt.Sprintf("%s:queue-%s", DeviceName, q.id.String()[:8])
}

// Device implements devices.Queue.
func (q *queue) Device() devices.Device { return q.dev }

// IsHost implements devices.Queue.
func (q *queue) IsHost() bool { return q.host }

// Allocate implements devices.Queue. Buffers come zeroed, possibly from the
// device buffer pool.
func (q *queue) Allocate(dtype dtypes.DType, count int) (devices.Buffer, error) {
	q.dev.assertValid()
	if err := q.LastError(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, devices.AllocationErrorf(q, dtype, count, "element count must be positive")
	}
	if dtype == dtypes.InvalidDType || dtype.GoType() == nil {
		return nil, devices.AllocationErrorf(q, dtype, count, "dtype %s is not supported by the cpu device", dtype)
	}
	if klog.V(2).Enabled() {
		klog.Infof("cpu: allocating %d x %s on %s", count, dtype, q)
	}
	return q.dev.getBuffer(dtype, count), nil
}

// Free implements devices.Queue, returning the buffer to the device pool.
func (q *queue) Free(buf devices.Buffer) {
	if buf == nil {
		return
	}
	q.dev.putBuffer(q.cpuBuffer(buf))
}

// Data implements devices.Queue. cpu buffers are host memory, so this always
// returns the backing flat slice.
func (q *queue) Data(buf devices.Buffer) any {
	if buf == nil {
		return nil
	}
	return q.cpuBuffer(buf).flat
}

// Schedule implements devices.Queue.
func (q *queue) Schedule(op string, work func() error) devices.Event {
	q.dev.assertValid()
	if q.host {
		if q.LastError() == nil && work != nil {
			if err := work(); err != nil {
				q.fail(op, err)
			}
		}
		return q.firedEvent()
	}

	// Fast sticky check: failed queues discard work.
	if q.LastError() != nil {
		return q.firedEvent()
	}

	t := &task{op: op, work: work, done: xsync.NewLatch()}
	q.lifeMu.Lock()
	if q.closed {
		q.lifeMu.Unlock()
		exceptions.Panicf("cpu: queue %s used after Finalize", q)
	}
	q.tasks <- t
	q.lifeMu.Unlock()
	return &event{q: q, latch: t.done}
}

// ScheduleCopy implements devices.Queue. Mismatched buffers are programmer
// errors and panic; a failed queue discards the copy (sticky contract).
func (q *queue) ScheduleCopy(dst, src devices.Buffer) devices.Event {
	dstBuf, srcBuf := q.cpuBuffer(dst), q.cpuBuffer(src)
	if !dstBuf.valid || !srcBuf.valid {
		exceptions.Panicf("cpu: ScheduleCopy on %s with a freed buffer", q)
	}
	if dstBuf.dtype != srcBuf.dtype {
		exceptions.Panicf("cpu: ScheduleCopy on %s with mismatched dtypes %s and %s", q, dstBuf.dtype, srcBuf.dtype)
	}
	if dstBuf.length < srcBuf.length {
		exceptions.Panicf("cpu: ScheduleCopy on %s with destination length %d < source length %d",
			q, dstBuf.length, srcBuf.length)
	}
	return q.Schedule("copy", func() error {
		copyFlat(dstBuf.flat, srcBuf.flat)
		return nil
	})
}

// CreateEvent implements devices.Queue: the returned event fires once all
// work submitted so far completes. On the host queue that is immediately.
func (q *queue) CreateEvent() devices.Event {
	if q.host {
		return q.firedEvent()
	}
	return q.Schedule("event", nil)
}

// WaitFor implements devices.Queue. On a worker queue the wait itself is a
// task: subsequent work is ordered behind the event while the caller returns
// immediately. On the host queue it blocks the calling goroutine.
func (q *queue) WaitFor(ev devices.Event) {
	if q.host {
		if err := ev.Wait(); err != nil {
			q.fail("waitFor", err)
		}
		return
	}
	q.Schedule("waitFor", func() error {
		return ev.Wait()
	})
}

// LastError implements devices.Queue.
func (q *queue) LastError() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

// ClearError implements devices.Queue.
func (q *queue) ClearError() {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	q.err = nil
}

// WaitUntilComplete implements devices.Queue.
func (q *queue) WaitUntilComplete() error {
	if q.host {
		return q.LastError()
	}
	if err := q.CreateEvent().Wait(); err != nil {
		// The timeout is already recorded as the sticky error.
		return err
	}
	return q.LastError()
}

// fail records the queue's sticky error. The first failure wins; later ones
// are only logged.
func (q *queue) fail(op string, err error) {
	if err == nil {
		return
	}
	devErr := devices.WrapDeviceError(q, op, err)
	q.errMu.Lock()
	defer q.errMu.Unlock()
	if q.err != nil {
		if klog.V(1).Enabled() {
			klog.Infof("cpu: queue %s already failed, dropping error from %q: %v", q, op, err)
		}
		return
	}
	q.err = devErr
}

// firedEvent returns an event that is already triggered.
func (q *queue) firedEvent() devices.Event {
	l := xsync.NewLatch()
	l.Trigger()
	return &event{q: q, latch: l}
}

// cpuBuffer asserts that buf was allocated by a cpu device.
func (q *queue) cpuBuffer(buf devices.Buffer) *buffer {
	b, ok := buf.(*buffer)
	if !ok {
		exceptions.Panicf("cpu: buffer %T was not allocated on a cpu device (queue %s)", buf, q)
	}
	return b
}

// event implements devices.Event on top of a latch, honoring the owning
// device's timeout on Wait.
type event struct {
	q     *queue
	latch *xsync.Latch
}

// Compile-time check:
var _ devices.Event = (*event)(nil)

// Done implements devices.Event.
func (e *event) Done() bool { return e.latch.Test() }

// Wait implements devices.Event. A timeout becomes the owning queue's sticky
// error and is returned.
func (e *event) Wait() error {
	timeout := e.q.dev.Timeout()
	if !e.latch.WaitWithTimeout(timeout) {
		err := devices.TimeoutErrorf(e.q, "wait", timeout)
		e.q.fail("wait", err)
		return err
	}
	return nil
}
