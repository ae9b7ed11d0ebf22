// Package cpu implements the devices contract in-process: buffers are Go
// slices and each queue is a goroutine consuming an ordered task stream, so
// cross-queue synchronization behaves like a real accelerator's (events order
// work, only host waits block) while everything stays debuggable host memory.
//
// It registers itself under the name "cpu". The configuration string is a
// comma-separated "key=value" list; the only key is "timeout", a
// time.ParseDuration value applied as the device timeout:
//
//	dev := devices.NewWithConfig("cpu:timeout=2s")
package cpu

import (
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/xsync"
)

// DeviceName to be used in WEFT_DEVICE to select this device.
const DeviceName = "cpu"

// Registers New as the constructor for the "cpu" device.
func init() {
	devices.Register(DeviceName, New)
}

// Device implements devices.Device with host memory and goroutine queues.
type Device struct {
	host         *queue
	timeoutNanos atomic.Int64
	finalized    atomic.Bool

	// Live worker queues by their id, so Finalize can stop them.
	queues xsync.SyncMap[string, *queue]

	// Buffer pools keyed by dtype and length, lazily created.
	bufferPools xsync.SyncMap[bufferPoolKey, *sync.Pool]
}

// Compile-time check:
var _ devices.Device = (*Device)(nil)

// New creates a cpu Device with the given configuration. See the package
// documentation for the configuration syntax. It panics on malformed
// configurations; unknown keys only log a warning.
func New(config string) devices.Device {
	d := &Device{}
	d.host = newHostQueue(d)
	for _, part := range strings.Split(config, ",") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			exceptions.Panicf("cpu: configuration entry %q is not in key=value form (config=%q)", part, config)
		}
		switch key {
		case "timeout":
			timeout, err := time.ParseDuration(value)
			if err != nil {
				exceptions.Panicf("cpu: invalid timeout %q in configuration %q: %v", value, config, err)
			}
			d.SetTimeout(timeout)
		default:
			klog.Warningf("cpu: unknown configuration key %q ignored (config=%q)", key, config)
		}
	}
	return d
}

// Name implements devices.Device.
func (d *Device) Name() string { return DeviceName }

// Description implements devices.Device.
func (d *Device) Description() string {
	return "cpu: host-memory device with goroutine-backed queues"
}

// HostQueue implements devices.Device.
func (d *Device) HostQueue() devices.Queue {
	d.assertValid()
	return d.host
}

// NewQueue implements devices.Device: it starts a new goroutine-backed
// ordered executor.
func (d *Device) NewQueue(name string) devices.Queue {
	d.assertValid()
	q := newWorkerQueue(d, name)
	d.queues.Store(q.id.String(), q)
	return q
}

// Timeout implements devices.Device.
func (d *Device) Timeout() time.Duration {
	return time.Duration(d.timeoutNanos.Load())
}

// SetTimeout implements devices.Device.
func (d *Device) SetTimeout(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}
	d.timeoutNanos.Store(int64(timeout))
}

// Finalize implements devices.Device: it drains and stops all worker queues.
// Using the device afterwards panics.
func (d *Device) Finalize() {
	if d.finalized.Swap(true) {
		klog.Warningf("cpu: Device.Finalize called more than once")
		return
	}
	d.queues.Range(func(id string, q *queue) bool {
		q.stop()
		d.queues.Delete(id)
		return true
	})
}

func (d *Device) assertValid() {
	if d.finalized.Load() {
		exceptions.Panicf("cpu: device used after Finalize")
	}
}

// buffer is the cpu implementation of devices.Buffer: a flat Go slice of the
// dtype's Go type.
type buffer struct {
	dtype  dtypes.DType
	length int
	valid  bool

	// flat is always a slice of dtype.GoType() with len == length.
	flat any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for the given dtype/length.
func (d *Device) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	pool, ok := d.bufferPools.Load(key)
	if !ok {
		pool, _ = d.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return &buffer{
					dtype:  dtype,
					length: length,
					flat:   reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
				}
			},
		})
	}
	return pool
}

// getBuffer returns a zeroed buffer from the device pools.
func (d *Device) getBuffer(dtype dtypes.DType, length int) *buffer {
	buf := d.getBufferPool(dtype, length).Get().(*buffer)
	buf.valid = true
	clear(buf.bytes())
	return buf
}

// putBuffer returns a buffer to the device pools. Any references to it must
// be dropped.
func (d *Device) putBuffer(buf *buffer) {
	if buf == nil || !buf.valid {
		return
	}
	buf.valid = false
	d.getBufferPool(buf.dtype, buf.length).Put(buf)
}

// bytes returns the raw byte view of the buffer's flat slice.
func (b *buffer) bytes() []byte {
	v := reflect.ValueOf(b.flat)
	if v.Len() == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(v.UnsafePointer()), v.Len()*int(b.dtype.Memory()))
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}
