package tensors

import (
	"reflect"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/shapes"
)

// createView binds a new view of the given shape to t's storage, relOffset
// elements into t's own window. All subview constructors funnel through
// here: it validates that the child's span fits within the parent's
// addressable window and inherits the parent's shared flag.
func (t *Tensor) createView(shape shapes.Shape, relOffset int) *Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	span := shape.SpanSize()
	if relOffset < 0 || relOffset+span > t.shape.SpanSize() {
		panic(shapes.Errorf("view of shape %s spans elements [%d, %d) of its parent, beyond the parent's window of %d elements",
			shape, relOffset, relOffset+span, t.shape.SpanSize()))
	}
	t.storage.acquire()
	return &Tensor{
		shape:   shape,
		storage: t.storage,
		offset:  t.offset + relOffset,
		shared:  t.shared,
	}
}

// View returns a zero-copy sub-region view: a window of the given extents
// whose origin sits at the logical indices `at`, one per axis. The child
// keeps the parent's strides, so it addresses the same storage elements:
//
//	t := FromFlatDataAndDimensions(dev, []int32{0, 1, ..., 19}, 4, 5)
//	m := t.View([]int{1, 1}, 2, 3)   // rows 1-2, columns 1-3 of t
//
// Writes through the view follow the copy-on-write protocol like any other
// access. Out-of-range windows panic with a *shapes.ShapeError.
func (t *Tensor) View(at []int, extents ...int) *Tensor {
	t.AssertValid()
	rank := t.Rank()
	if len(at) != rank || len(extents) != rank {
		panic(shapes.Errorf("View on shape %s takes exactly %d origin indices and %d extents, got %d and %d",
			t.shape, rank, rank, len(at), len(extents)))
	}
	for ii := range rank {
		if at[ii] < 0 || extents[ii] < 1 || at[ii]+extents[ii] > t.shape.Extent(ii) {
			panic(shapes.Errorf("View on shape %s: axis %d window [%d, %d) out of range [0, %d)",
				t.shape, ii, at[ii], at[ii]+extents[ii], t.shape.Extent(ii)))
		}
	}
	child := shapes.MakeStrided(t.DType(), extents, t.shape.Strides())
	return t.createView(child, t.shape.LinearIndex(at...))
}

// ViewStrided is View with explicit per-axis strides for the child, which
// may have a different rank than the parent: strides of 0 alias an axis
// (broadcast), larger strides skip elements, and a flat parent can be viewed
// as a matrix. `at` positions the origin in the parent's coordinates. The
// child's span must fit within the parent's window.
func (t *Tensor) ViewStrided(at []int, extents, strides []int) *Tensor {
	t.AssertValid()
	if len(at) != t.Rank() {
		panic(shapes.Errorf("ViewStrided on shape %s takes exactly %d origin indices, got %d",
			t.shape, t.Rank(), len(at)))
	}
	child := shapes.MakeStrided(t.DType(), extents, strides)
	return t.createView(child, t.shape.LinearIndex(at...))
}

// ViewItems returns the view of count items starting at item offset, where
// "items" index the leading axis: the batch slice used by HostMultiWrite to
// hand each worker its own disjoint region.
func (t *Tensor) ViewItems(offset, count int) *Tensor {
	t.AssertValid()
	items := t.shape.Extent(0)
	if offset < 0 || count < 1 || offset+count > items {
		panic(shapes.Errorf("ViewItems on shape %s: items [%d, %d) out of range [0, %d)",
			t.shape, offset, offset+count, items))
	}
	extents := t.shape.Extents()
	extents[0] = count
	child := shapes.MakeStrided(t.DType(), extents, t.shape.Strides())
	at := make([]int, t.Rank())
	at[0] = offset
	return t.createView(child, t.shape.LinearIndex(at...))
}

// BroadcastTo returns a zero-copy view of the given extents in which the
// receiver's elements repeat along the widened extent-1 axes (stride 0): no
// element is ever copied, each stored element just appears under many
// logical indices. The rank must match; Reshaped can introduce the extent-1
// axes first. Broadcast views are read-only.
func (t *Tensor) BroadcastTo(extents ...int) *Tensor {
	return t.createView(t.shape.BroadcastTo(extents...), 0)
}

// Transposed returns a zero-copy view with axes permuted: by default the
// last two are swapped (the matrix transpose), or give one destination axis
// per axis. Only the traversal order changes, storage and offset stay put.
func (t *Tensor) Transposed(permutation ...int) *Tensor {
	return t.createView(t.shape.Transposed(permutation...), 0)
}

// Squeezed returns a zero-copy view with size-1 axes removed: the given
// ones, or all of them if none are given. Negative axes count from the end.
// If every axis would be dropped, a shape [1] view remains.
func (t *Tensor) Squeezed(axes ...int) *Tensor {
	return t.createView(t.shape.Squeezed(axes...), 0)
}

// Reshaped returns a zero-copy view of the given extents over the same
// elements, in the same row-major order. Only dense views can be reshaped;
// the total size must not change.
func (t *Tensor) Reshaped(dimensions ...int) *Tensor {
	return t.createView(t.shape.Reshaped(dimensions...), 0)
}

// Alias returns a new view identical to t: same shape, same storage, same
// offset. The two views then count as distinct holders of the storage, so
// the first write through either copies it (unless shared).
func (t *Tensor) Alias() *Tensor {
	return t.createView(t.shape, 0)
}

// Dense returns a view whose elements occupy a gapless window: the receiver
// itself if it is already contiguous, otherwise a fresh row-major
// materialization built with a gather ordered on queue (nil means the host
// queue, which blocks until done).
//
// Contiguous means size == span: note a transposed square matrix is
// contiguous (same gapless window, permuted traversal), so Dense returns it
// unchanged. Use Clone or CopyFlatData when row-major layout itself is
// required.
func (t *Tensor) Dense(queue devices.Queue) *Tensor {
	t.AssertValid()
	if t.shape.IsContiguous() {
		return t
	}
	return t.materialize(queue)
}

// Clone returns a dense row-major deep copy of the view's logical elements,
// in fresh storage, with the copy ordered on queue (nil means the host
// queue, which blocks until done). Broadcast views expand: the clone holds
// size elements regardless of how few are stored.
func (t *Tensor) Clone(queue devices.Queue) *Tensor {
	t.AssertValid()
	return t.materialize(queue)
}

// materialize gathers the view's logical elements, in row-major order, into
// a new tensor of the same extents with dense strides. The gather is
// scheduled on the queue, ordered after the source's tagged queue, and the
// source stays tagged while the gather is in flight: a sequential write to
// the source cannot overtake it, so the new tensor holds the pre-write
// values.
func (t *Tensor) materialize(queue devices.Queue) *Tensor {
	dst := FromShape(t.Device(), shapes.Make(t.DType(), t.shape.Extents()...))
	q := queue
	if q == nil {
		q = t.Device().HostQueue()
	}
	srcShape := t.Shape()
	t.ReadOnly(q, func(src any) {
		dst.ReadWrite(q, func(dstFlat any) {
			q.Schedule("materialize", func() error {
				srcV, dstV := reflect.ValueOf(src), reflect.ValueOf(dstFlat)
				ii := 0
				for li := range srcShape.Iter() {
					dstV.Index(ii).Set(srcV.Index(li))
					ii++
				}
				return nil
			})
		})
	})
	return dst
}
