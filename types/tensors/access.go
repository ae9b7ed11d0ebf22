package tensors

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/shapes"
	"github.com/weftml/weft/types/xslices"
)

// access implements the protocol shared by ReadOnly, ReadWrite and
// SharedView. For each access it:
//
//  1. Resolves a nil queue to the storage device's host queue.
//  2. Fails fast if the requesting queue carries a sticky error.
//  3. Under the storage lock: orders the access after the storage's tagged
//     queue (host accesses block, device accesses only order), runs
//     copy-on-write if this is a write and the storage is held by other
//     non-shared views, allocates the buffer if this is the first access
//     that needs bytes, and re-tags the storage with the queue. Every write
//     re-tags; so does a read through a device queue, since its accessFn
//     schedules work over the window that later accesses must order behind.
//     Host reads leave the tag alone: they are complete when the access
//     returns.
//  4. Releases the storage lock and hands accessFn the view's window of the
//     flat buffer: elements [offset, offset+span).
//
// The storage lock protects the metadata decisions only, never the bulk
// data: accessFn runs outside it (but under the view's own lock), so
// accesses to distinct views of the same storage can nest, as in
// Tensor.Equal comparing two aliases.
func (t *Tensor) access(queue devices.Queue, write bool, accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	s := t.storage
	if write {
		if s.readOnly {
			exceptions.Panicf("read-write access to read-only storage #%d (created with FromConstFlatData)", s.id)
		}
		if t.shape.HasBroadcast() {
			panic(shapes.Errorf("read-write access through broadcast view of shape %s: a stride-0 axis aliases many logical elements onto each stored one", t.shape))
		}
	}
	q := queue
	if q == nil {
		q = s.dev.HostQueue()
	}
	// A queue with a sticky error accepts no new work until cleared.
	if err := q.LastError(); err != nil {
		panic(devices.WrapDeviceError(q, "access", err))
	}

	s.mu.Lock()
	if err := s.lockedSync(q); err != nil {
		s.mu.Unlock()
		panic(err)
	}
	if write && !t.shared && !s.isUnique() {
		fresh, err := s.lockedCopy(q)
		if err != nil {
			s.mu.Unlock()
			panic(err)
		}
		s.mu.Unlock()
		// refs >= 2 here, so this release never frees the old storage.
		s.release()
		t.storage = fresh
		s = fresh
		s.mu.Lock()
	}
	if err := s.lockedEnsure(q); err != nil {
		s.mu.Unlock()
		panic(err)
	}
	flat := s.lockedFlat(q)
	if write || !q.IsHost() {
		s.lastQueue = q
	}
	if write {
		s.mutated = true
	}
	s.mu.Unlock()

	window := reflect.ValueOf(flat).Slice(t.offset, t.offset+t.shape.SpanSize()).Interface()
	accessFn(window)
}

// ReadOnly gives accessFn access to the view's window of the flat storage,
// a []T of the Go type matching the dtype, holding elements
// [offset, offset+span). Individual logical elements live at the positions
// Shape.LinearIndex computes; Shape.Iter traverses them in row-major order.
//
// A nil queue means the device's host queue: the call blocks until work in
// flight on the storage's tagged queue has completed, and flat may be used
// directly. With a device queue the access only orders behind that work, and
// accessFn should schedule its data movement on the queue rather than touch
// flat on the calling goroutine; the storage is then tagged with the queue,
// so later accesses order behind the scheduled reads too.
//
// It panics with a *devices.DeviceError if the requesting queue has a sticky
// error or the storage's tagged queue failed, and with a
// *devices.AllocationError if the lazy allocation fails.
func (t *Tensor) ReadOnly(queue devices.Queue, accessFn func(flat any)) {
	t.access(queue, false, accessFn)
}

// ReadWrite is ReadOnly's mutating counterpart, with the same window,
// queue resolution and error contract, plus:
//
//   - If the storage is also held by other views (and this view is not
//     shared), the storage is copied first and the view rebound to the copy,
//     so the other views keep their values. The old storage stays tagged
//     with the copy's queue while the snapshot is in flight, so writes
//     through the surviving views cannot overtake it.
//   - The queue is tagged on the storage; subsequent accesses through any
//     view of this storage order behind it.
//
// Writing through a broadcast (stride-0) view or to a tensor created with
// FromConstFlatData is a fatal error.
func (t *Tensor) ReadWrite(queue devices.Queue, accessFn func(flat any)) {
	t.access(queue, true, accessFn)
}

// castFlat casts the window to []T. Go `int` accessors view the underlying
// int64/int32 data through the platform word size.
func castFlat[T dtypes.Supported](flat any) []T {
	if typed, ok := flat.([]T); ok {
		return typed
	}
	var zero T
	if _, isInt := any(zero).(int); isInt {
		switch v := flat.(type) {
		case []int64:
			return any(unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(v))), len(v))).([]T)
		case []int32:
			return any(unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(v))), len(v))).([]T)
		}
	}
	exceptions.Panicf("cannot access %T data as %T", flat, []T(nil))
	return nil
}

// ReadOnly is the generic version of Tensor.ReadOnly: accessFn receives the
// window as a []T. T must match the tensor's dtype.
func ReadOnly[T dtypes.Supported](t *Tensor, queue devices.Queue, accessFn func(flat []T)) {
	t.AssertValid()
	dtype := dtypes.FromGenericsType[T]()
	if t.DType() != dtype {
		exceptions.Panicf("ReadOnly[%s]: tensor has dtype %s, generic type and dtype must match", dtype, t.DType())
	}
	t.ReadOnly(queue, func(flat any) {
		accessFn(castFlat[T](flat))
	})
}

// ReadWrite is the generic version of Tensor.ReadWrite: accessFn receives
// the window as a []T. T must match the tensor's dtype.
func ReadWrite[T dtypes.Supported](t *Tensor, queue devices.Queue, accessFn func(flat []T)) {
	t.AssertValid()
	dtype := dtypes.FromGenericsType[T]()
	if t.DType() != dtype {
		exceptions.Panicf("ReadWrite[%s]: tensor has dtype %s, generic type and dtype must match", dtype, t.DType())
	}
	t.ReadWrite(queue, func(flat any) {
		accessFn(castFlat[T](flat))
	})
}

// At returns the element at the given logical indices, one per axis.
// Negative indices are not supported; indices out of range panic with a
// *shapes.ShapeError. It goes through a full host access, so prefer the bulk
// accessors in loops.
func At[T dtypes.Supported](t *Tensor, indices ...int) T {
	var value T
	ReadOnly(t, nil, func(flat []T) {
		value = flat[t.shape.LinearIndex(indices...)]
	})
	return value
}

// SetAt sets the element at the given logical indices, one per axis, with
// the full read-write protocol (copy-on-write included).
func SetAt[T dtypes.Supported](t *Tensor, value T, indices ...int) {
	ReadWrite(t, nil, func(flat []T) {
		flat[t.shape.LinearIndex(indices...)] = value
	})
}

// ToScalar returns the value of a size-1 tensor, of any rank.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	t.AssertValid()
	if t.Size() != 1 {
		exceptions.Panicf("ToScalar requires a size-1 tensor, got shape %s", t.Shape())
	}
	var value T
	ReadOnly(t, nil, func(flat []T) {
		// A size-1 view has span 1, its only element is the window's first.
		value = flat[0]
	})
	return value
}

// CopyFlatData returns a copy of the view's logical elements in row-major
// order, honoring strides, offset and broadcast. The returned slice is
// independent of the storage.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	t.AssertValid()
	var data []T
	ReadOnly(t, nil, func(flat []T) {
		if t.shape.IsDense() {
			data = xslices.Copy(flat)
			return
		}
		data = make([]T, t.Size())
		ii := 0
		for li := range t.shape.Iter() {
			data[ii] = flat[li]
			ii++
		}
	})
	return data
}

// SharedView returns a view with copy-on-write disabled: writes through it
// (and through views derived from it) mutate the storage in place. The
// caller asserts those writes target disjoint regions, as HostMultiWrite
// arranges for its batches.
//
// The snapshot semantics are paid once, up front: if the storage is held by
// other views at this point, it is copied now and t rebound to the copy, so
// the sharing never reaches bystander views. Ordering still applies per
// access. If reshapeDimensions are given, the returned view has that shape
// (same size, dense layouts only).
//
// SharedView of a tensor created with FromConstFlatData is a fatal error:
// the storage can never be written, shared or not.
func (t *Tensor) SharedView(queue devices.Queue, reshapeDimensions ...int) *Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	s := t.storage
	if s.readOnly {
		exceptions.Panicf("SharedView of read-only storage #%d (created with FromConstFlatData)", s.id)
	}
	q := queue
	if q == nil {
		q = s.dev.HostQueue()
	}
	if err := q.LastError(); err != nil {
		panic(devices.WrapDeviceError(q, "sharedView", err))
	}

	s.mu.Lock()
	if err := s.lockedSync(q); err != nil {
		s.mu.Unlock()
		panic(err)
	}
	if !t.shared && !s.isUnique() {
		fresh, err := s.lockedCopy(q)
		if err != nil {
			s.mu.Unlock()
			panic(err)
		}
		s.mu.Unlock()
		s.release()
		t.storage = fresh
		s = fresh
	} else {
		s.mu.Unlock()
	}

	shape := t.shape
	if len(reshapeDimensions) > 0 {
		shape = t.shape.Reshaped(reshapeDimensions...)
	}
	s.acquire()
	return &Tensor{shape: shape, storage: s, offset: t.offset, shared: true}
}
