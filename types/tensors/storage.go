package tensors

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/weftml/weft/devices"
)

// storageIDs tags each storage with a monotonically increasing id, used only
// for diagnostics and log messages.
var storageIDs atomic.Int64

// storage is the shared backing of one or more Tensor views: one device
// buffer of a fixed element count, reference-counted, allocated lazily on the
// first access that needs bytes.
//
// All metadata decisions of the access protocol -- lazy allocation, queue
// synchronization, copy-on-write and the queue tag -- happen while
// holding mu. The bulk data work those decisions schedule runs on the
// (already ordered) device queues, outside the lock.
type storage struct {
	id    int64
	dev   devices.Device
	dtype dtypes.DType
	count int

	// refs counts the views bound to this storage. The uniqueness test
	// refs == 1 is what gates copy-on-write.
	refs atomic.Int64

	mu sync.Mutex

	// buffer stays nil until the first access that needs bytes. adopted, when
	// not nil, is a caller-provided flat slice used in place of a device
	// buffer (FromConstFlatData adoption and gob decoding).
	buffer  devices.Buffer
	adopted any

	// lastQueue tags the queue with in-flight work over the contents: the
	// last mutation, or a scheduled read of them (the copy-on-write source,
	// a device-queue access window). Accesses from other queues must order
	// behind it. nil while no queue has touched the contents.
	lastQueue devices.Queue

	mutated  bool // diagnostics only
	readOnly bool
}

func newStorage(dev devices.Device, dtype dtypes.DType, count int) *storage {
	s := &storage{
		id:    storageIDs.Add(1),
		dev:   dev,
		dtype: dtype,
		count: count,
	}
	s.refs.Store(1)
	return s
}

// acquire registers one more view bound to this storage.
func (s *storage) acquire() {
	s.refs.Add(1)
}

// release drops one view's reference; the last release frees the buffer.
// When the tagged queue may still be reading the buffer (a copy-on-write
// snapshot in flight), the free is scheduled behind that work instead of
// performed inline, so the buffer is never recycled under the read. A failed
// queue discards the scheduled free and leaves the buffer to the garbage
// collector.
func (s *storage) release() {
	refs := s.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		klog.Errorf("tensors: storage #%d released more times than acquired", s.id)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer != nil {
		if q := s.lastQueue; q != nil && !q.IsHost() {
			buf := s.buffer
			q.Schedule("free", func() error {
				q.Free(buf)
				return nil
			})
		} else {
			s.dev.HostQueue().Free(s.buffer)
		}
		s.buffer = nil
	}
	s.adopted = nil
}

// isUnique reports whether exactly one view holds this storage.
func (s *storage) isUnique() bool {
	return s.refs.Load() == 1
}

// lockedEnsure allocates the device buffer on the first access that needs
// bytes. Tensors created and reshaped but never read pay no allocation cost.
func (s *storage) lockedEnsure(q devices.Queue) error {
	if s.adopted != nil || s.buffer != nil {
		return nil
	}
	buffer, err := q.Allocate(s.dtype, s.count)
	if err != nil {
		return err
	}
	if klog.V(2).Enabled() {
		klog.Infof("tensors: storage #%d allocated %d x %s on %s", s.id, s.count, s.dtype, q)
	}
	s.buffer = buffer
	return nil
}

// lockedFlat returns the backing flat slice, a []T of the storage dtype.
// The contents must have been ensured first.
func (s *storage) lockedFlat(q devices.Queue) any {
	if s.adopted != nil {
		return s.adopted
	}
	return q.Data(s.buffer)
}

// lockedSync establishes the happens-before edge between the tagged queue
// and q: an access on q must never overtake work still in flight elsewhere,
// whether that is a write it should observe or a scheduled read of contents
// it is about to overwrite. Host accesses block until the tagged queue's
// outstanding work completes; accesses from other device queues only order
// behind it and return immediately.
func (s *storage) lockedSync(q devices.Queue) error {
	last := s.lastQueue
	if last == nil || last == q {
		return nil
	}
	if err := last.LastError(); err != nil {
		return devices.WrapDeviceError(last, "sync", err)
	}
	ev := last.CreateEvent()
	if q.IsHost() {
		if err := ev.Wait(); err != nil {
			return err
		}
		// The writer may have failed while we waited; its data is suspect.
		if err := last.LastError(); err != nil {
			return devices.WrapDeviceError(last, "sync", err)
		}
		return nil
	}
	q.WaitFor(ev)
	return nil
}

// lockedCopy creates a fresh storage with the same contents, the copy ordered
// on q. It serves copy-on-write exclusively. If the contents were never
// materialized both storages are logically zero and no copy is scheduled.
// Otherwise both storages are tagged with q: the scheduled snapshot reads the
// receiver and writes the fresh storage, and later accesses through surviving
// views of either must order behind it.
func (s *storage) lockedCopy(q devices.Queue) (*storage, error) {
	if err := q.LastError(); err != nil {
		return nil, devices.WrapDeviceError(q, "copy", err)
	}
	fresh := newStorage(s.dev, s.dtype, s.count)
	if s.adopted == nil && s.buffer == nil {
		return fresh, nil
	}
	fresh.mu.Lock()
	err := fresh.lockedEnsure(q)
	fresh.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.adopted != nil {
		// Adopted slices have no device buffer, so the copy is a scheduled
		// host-side move instead of a device-native one.
		src, dst := s.adopted, q.Data(fresh.buffer)
		q.Schedule("copy", func() error {
			reflect.Copy(reflect.ValueOf(dst), reflect.ValueOf(src))
			return nil
		})
	} else {
		q.ScheduleCopy(fresh.buffer, s.buffer)
	}
	if klog.V(2).Enabled() {
		klog.Infof("tensors: copy-on-write of storage #%d into #%d on %s", s.id, fresh.id, q)
	}
	s.lastQueue = q
	fresh.lastQueue = q
	return fresh, nil
}
