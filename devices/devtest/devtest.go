// Package devtest holds test utilities for packages that exercise the devices
// contract: a shared default test device, and a wrapper device that injects
// artificial latency and scripted failures into its queues, used to verify
// cross-queue synchronization and sticky-error behavior.
package devtest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftml/weft/devices"
	_ "github.com/weftml/weft/devices/cpu" // registers the cpu device
)

var (
	deviceOnce   sync.Once
	cachedDevice devices.Device
)

// BuildTestDevice sets devices.DefaultConfig to "cpu" -- it can be overridden
// by the WEFT_DEVICE environment variable -- and returns a device shared by
// all tests of the process.
func BuildTestDevice() devices.Device {
	devices.DefaultConfig = "cpu"
	deviceOnce.Do(func() {
		cachedDevice = devices.New()
		fmt.Printf("Device: %s\n", cachedDevice.Description())
	})
	return cachedDevice
}

// Device wraps another device, adding a fixed latency in front of every
// scheduled operation and optionally failing a scheduled operation on demand.
// Everything else delegates to the wrapped device, so buffers and events stay
// fully interoperable.
type Device struct {
	inner   devices.Device
	latency time.Duration
	host    *delayQueue

	pendingFailure atomic.Pointer[error]
}

// Compile-time check:
var _ devices.Device = (*Device)(nil)

// Wrap returns a Device imposing the given artificial latency on all
// scheduled work of all its queues.
func Wrap(dev devices.Device, latency time.Duration) *Device {
	d := &Device{inner: dev, latency: latency}
	// The engine tracks queues by identity, so the host wrapper must be stable.
	d.host = &delayQueue{Queue: dev.HostQueue(), dev: d}
	return d
}

// FailNext makes the next scheduled operation on any queue of this device
// fail with the given error instead of running.
func (d *Device) FailNext(err error) {
	d.pendingFailure.Store(&err)
}

// takeFailure consumes the scripted failure, if one is pending.
func (d *Device) takeFailure() error {
	errPtr := d.pendingFailure.Swap(nil)
	if errPtr == nil {
		return nil
	}
	return *errPtr
}

// Name implements devices.Device.
func (d *Device) Name() string { return "devtest" }

// Description implements devices.Device.
func (d *Device) Description() string {
	return fmt.Sprintf("devtest: %s with %s injected latency", d.inner.Description(), d.latency)
}

// HostQueue implements devices.Device.
func (d *Device) HostQueue() devices.Queue { return d.host }

// NewQueue implements devices.Device.
func (d *Device) NewQueue(name string) devices.Queue {
	return &delayQueue{Queue: d.inner.NewQueue(name), dev: d}
}

// Timeout implements devices.Device.
func (d *Device) Timeout() time.Duration { return d.inner.Timeout() }

// SetTimeout implements devices.Device.
func (d *Device) SetTimeout(timeout time.Duration) { d.inner.SetTimeout(timeout) }

// Finalize implements devices.Device.
func (d *Device) Finalize() { d.inner.Finalize() }

// delayQueue delegates to the wrapped queue, prefixing scheduled work with
// the device latency and applying scripted failures.
type delayQueue struct {
	devices.Queue
	dev *Device
}

// Device implements devices.Queue.
func (q *delayQueue) Device() devices.Device { return q.dev }

// Schedule implements devices.Queue.
func (q *delayQueue) Schedule(op string, work func() error) devices.Event {
	if err := q.dev.takeFailure(); err != nil {
		return q.Queue.Schedule(op, func() error { return err })
	}
	return q.Queue.Schedule(op, func() error {
		time.Sleep(q.dev.latency)
		if work == nil {
			return nil
		}
		return work()
	})
}

// ScheduleCopy implements devices.Queue. The latency (or scripted failure)
// goes in as a separate task right before the copy; both run on the same
// ordered stream, so the returned copy event still fires last.
func (q *delayQueue) ScheduleCopy(dst, src devices.Buffer) devices.Event {
	if err := q.dev.takeFailure(); err != nil {
		return q.Queue.Schedule("copy", func() error { return err })
	}
	q.Queue.Schedule("copy-delay", func() error {
		time.Sleep(q.dev.latency)
		return nil
	})
	return q.Queue.ScheduleCopy(dst, src)
}
