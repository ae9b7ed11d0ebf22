// Package shapes defines Shape, the strided shape algebra used by tensors.
//
// A Shape describes the layout of a tensor view: the DType of its elements,
// the extent (size) of each axis and the stride (element step) of each axis.
// Strides make zero-copy transforms possible: transposing permutes strides,
// broadcasting sets a stride to zero, and slicing only changes the view
// offset, never the underlying data.
//
// Go float16 support uses the github.com/x448/float16 implementation; the
// DType enumeration and Go type mapping come from github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes of a shape. Valid shapes have rank 1 to MaxRank.
//   - Axis: the index of a dimension. Negative axis arguments count from the
//     end, so axis=-1 refers to the last axis.
//   - Extent: the size of one axis.
//   - Stride: the element step to advance one unit along an axis. A stride of
//     0 marks a broadcast axis: one stored value re-read across the whole
//     logical extent.
//   - Span: the minimum buffer length a view can address,
//     1 + Σ (extent[i]-1)*stride[i]. Size() == SpanSize() exactly when the
//     shape is contiguous (no gaps, no broadcast re-reads).
//
// Example: shapes.Make(dtypes.Float32, 2, 3) creates the dense row-major
// shape (float32)[2 3] with strides [3 1].
//
// ## Errors
//
// Construction and transformation failures panic with a *ShapeError carrying
// a stack trace; use the Check* variants to validate without panicking, or
// exceptions.Try to capture the panic as an error. Out-of-bounds element
// indices and invalid axis arguments are precondition violations and panic
// via exceptions.Panicf.
package shapes

import (
	"encoding/gob"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxRank is the maximum number of axes a Shape supports. Extents and strides
// are stored inline (no heap allocation), so indexing stays cheap.
const MaxRank = 5

// Shape describes the strided layout of a tensor view: element DType, one
// extent and one stride per axis.
//
// Shape is an immutable value: transformations (Transposed, BroadcastTo,
// Squeezed, ...) return new shapes. Use Make or MakeStrided to create one; the
// zero Shape is invalid.
type Shape struct {
	// DType of the elements this shape describes.
	DType dtypes.DType

	rank    int
	extents [MaxRank]int
	strides [MaxRank]int
}

// ShapeError reports an invalid shape construction or an incompatible shape
// transformation: rank mismatch, out-of-bounds sub-region, non-broadcastable
// extents, join extent mismatch.
//
// It is the panic value of the shape operations; recover it with
// exceptions.Try and match it with errors.As.
type ShapeError struct {
	err error
}

// Error implements the error interface.
func (e *ShapeError) Error() string { return e.err.Error() }

// Unwrap returns the underlying cause, which carries a stack trace.
func (e *ShapeError) Unwrap() error { return e.err }

// Errorf creates a *ShapeError with a stack trace attached.
func Errorf(format string, args ...any) *ShapeError {
	return &ShapeError{err: errors.Errorf(format, args...)}
}

// Make returns the dense row-major Shape with the given extents: the last
// axis has stride 1 and each preceding axis has stride extent[i+1]*stride[i+1].
//
// It panics with *ShapeError if no extents are given, if there are more than
// MaxRank, or if any extent is not positive.
func Make(dtype dtypes.DType, extents ...int) Shape {
	s := Shape{DType: dtype, rank: len(extents)}
	checkRankBounds(len(extents))
	for ii, extent := range extents {
		if extent <= 0 {
			panic(Errorf("shapes.Make(%s, %v): extent of axis %d must be positive", dtype, extents, ii))
		}
		s.extents[ii] = extent
	}
	stride := 1
	for axis := s.rank - 1; axis >= 0; axis-- {
		s.strides[axis] = stride
		stride *= s.extents[axis]
	}
	return s
}

// MakeStrided returns a Shape with explicit strides. A stride of 0 marks a
// broadcast axis; negative strides are not supported.
//
// It panics with *ShapeError if extents and strides have different lengths,
// the rank is out of bounds, an extent is not positive or a stride is negative.
func MakeStrided(dtype dtypes.DType, extents, strides []int) Shape {
	if len(extents) != len(strides) {
		panic(Errorf("shapes.MakeStrided(%s, %v, %v): %d extents but %d strides",
			dtype, extents, strides, len(extents), len(strides)))
	}
	checkRankBounds(len(extents))
	s := Shape{DType: dtype, rank: len(extents)}
	for ii, extent := range extents {
		if extent <= 0 {
			panic(Errorf("shapes.MakeStrided(%s, %v, %v): extent of axis %d must be positive",
				dtype, extents, strides, ii))
		}
		if strides[ii] < 0 {
			panic(Errorf("shapes.MakeStrided(%s, %v, %v): negative stride on axis %d not supported",
				dtype, extents, strides, ii))
		}
		s.extents[ii] = extent
		s.strides[ii] = strides[ii]
	}
	return s
}

func checkRankBounds(rank int) {
	if rank < 1 || rank > MaxRank {
		panic(Errorf("shapes: rank must be between 1 and %d, got %d", MaxRank, rank))
	}
}

// DenseStrides returns the row-major strides for the given extents: last axis
// stride 1, each preceding axis stride extent[i+1]*stride[i+1].
func DenseStrides(extents ...int) []int {
	strides := make([]int, len(extents))
	stride := 1
	for axis := len(extents) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= extents[axis]
	}
	return strides
}

// SpanSize returns 1 + Σ (extent[i]-1)*stride[i] for the given extents and
// strides: the minimum buffer length a view with this layout can address.
func SpanSize(extents, strides []int) int {
	span := 1
	for ii, extent := range extents {
		span += (extent - 1) * strides[ii]
	}
	return span
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType && s.rank > 0 }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return s.rank }

// Extent returns the extent (size) of the given axis. A negative axis counts
// from the end, so Extent(-1) is the extent of the last axis.
func (s Shape) Extent(axis int) int { return s.extents[s.adjustAxis(axis)] }

// Stride returns the element stride of the given axis. A negative axis counts
// from the end. A stride of 0 marks a broadcast axis.
func (s Shape) Stride(axis int) int { return s.strides[s.adjustAxis(axis)] }

// Extents returns a copy of the extents, one per axis.
func (s Shape) Extents() []int {
	extents := make([]int, s.rank)
	copy(extents, s.extents[:s.rank])
	return extents
}

// Strides returns a copy of the strides, one per axis.
func (s Shape) Strides() []int {
	strides := make([]int, s.rank)
	copy(strides, s.strides[:s.rank])
	return strides
}

// adjustAxis normalizes a possibly-negative axis and panics (precondition
// violation) if it is out of bounds.
func (s Shape) adjustAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.rank
	}
	if adjusted < 0 || adjusted >= s.rank {
		exceptions.Panicf("shapes: axis %d out-of-bounds for rank %d (shape=%s)", axis, s.rank, s)
	}
	return adjusted
}

// Shape returns itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size returns the number of logical elements of the shape, the product of
// all extents.
func (s Shape) Size() (size int) {
	size = 1
	for _, extent := range s.extents[:s.rank] {
		size *= extent
	}
	return
}

// SpanSize returns the minimum buffer length this shape can address:
// 1 + Σ (extent[i]-1)*stride[i].
//
// Broadcast-free shapes satisfy Size() <= SpanSize(), with equality exactly
// when the shape is contiguous. Broadcast axes re-read storage, so there
// Size() can exceed SpanSize().
func (s Shape) SpanSize() int {
	return SpanSize(s.extents[:s.rank], s.strides[:s.rank])
}

// IsContiguous returns whether the shape addresses a gapless region:
// Size() == SpanSize(). Dense row-major shapes are always contiguous.
func (s Shape) IsContiguous() bool { return s.Size() == s.SpanSize() }

// IsDense returns whether the strides are exactly the row-major DenseStrides
// of the extents.
func (s Shape) IsDense() bool {
	stride := 1
	for axis := s.rank - 1; axis >= 0; axis-- {
		if s.strides[axis] != stride {
			return false
		}
		stride *= s.extents[axis]
	}
	return true
}

// HasBroadcast returns whether any axis re-reads storage: stride 0 with
// extent > 1. Writing through such an axis is rejected by the tensors access
// protocol. An extent-1 axis with stride 0 addresses a single element and
// does not count.
func (s Shape) HasBroadcast() bool {
	for axis := 0; axis < s.rank; axis++ {
		if s.strides[axis] == 0 && s.extents[axis] > 1 {
			return true
		}
	}
	return false
}

// Memory returns the bytes needed to store the full span of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.SpanSize())
}

// LinearIndex returns the element offset of the given multi-index: the dot
// product of indices and strides. The result is always < SpanSize().
//
// One index per axis is required and each must be in [0, extent); violations
// panic as precondition violations (they are programmer errors, not
// recoverable shape errors).
func (s Shape) LinearIndex(indices ...int) int {
	if len(indices) != s.rank {
		exceptions.Panicf("shapes: LinearIndex got %d indices for rank %d (shape=%s)", len(indices), s.rank, s)
	}
	linear := 0
	for axis, index := range indices {
		if index < 0 || index >= s.extents[axis] {
			exceptions.Panicf("shapes: index %d out-of-bounds for axis %d with extent %d (shape=%s)",
				index, axis, s.extents[axis], s)
		}
		linear += index * s.strides[axis]
	}
	return linear
}

// Equal compares dtype and extents. Strides are layout, not identity: a
// transposed or broadcast view of the same logical shape compares equal.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualExtents(s2)
}

// EqualExtents compares extents only; dtypes and strides may differ.
func (s Shape) EqualExtents(s2 Shape) bool {
	if s.rank != s2.rank {
		return false
	}
	for axis := 0; axis < s.rank; axis++ {
		if s.extents[axis] != s2.extents[axis] {
			return false
		}
	}
	return true
}

// EqualLayout compares dtype, extents and strides.
func (s Shape) EqualLayout(s2 Shape) bool {
	if !s.Equal(s2) {
		return false
	}
	for axis := 0; axis < s.rank; axis++ {
		if s.strides[axis] != s2.strides[axis] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, pretty-printing the shape. Dense shapes
// print as "(float32)[2 3]"; other layouts append the strides.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.IsDense() {
		return fmt.Sprintf("(%s)%v", s.DType, s.extents[:s.rank])
	}
	return fmt.Sprintf("(%s)%v strides%v", s.DType, s.extents[:s.rank], s.strides[:s.rank])
}

// GobSerialize the shape in binary format: dtype and extents only. Strides
// are layout and always normalize to dense on decoding.
func (s Shape) GobSerialize(encoder *gob.Encoder) (err error) {
	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize Shape %s", s)
		}
	}
	enc(s.DType)
	enc(s.Extents())
	return
}

// GobDeserialize a Shape from the decoder. The returned shape is dense
// row-major over the decoded extents.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	var dtype dtypes.DType
	var extents []int
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize Shape")
		}
	}
	dec(&dtype)
	dec(&extents)
	if err != nil {
		return
	}
	err = exceptions.TryCatch[error](func() { s = Make(dtype, extents...) })
	return
}
