// Package tensors implements a strided, reference-counted, multi-dimensional
// array: the Tensor, a zero-copy view over shared, lazily allocated device
// storage, with a copy-on-write access protocol that synchronizes reads and
// writes across asynchronous device queues.
//
// A Tensor is a view: a shape (see types/shapes) plus a reference to a shared
// storage buffer and an element offset into it. Slicing, broadcasting,
// transposing and squeezing all create new views over the same storage and
// never copy data:
//
//	t := tensors.FromFlatDataAndDimensions(dev, []float32{0, 1, ..., 11}, 3, 4)
//	row := t.View([]int{1, 0}, 1, 4)   // shares t's storage
//	col := t.Transposed().View(...)    // still shares t's storage
//
// Views have value semantics: mutating one view never silently corrupts
// another view over the same storage. The first write through a view whose
// storage is also held by other views copies the storage first
// (copy-on-write); the uniqueness test is the storage's reference count.
// SharedView opts a view out of copy-on-write for controlled concurrent
// writes into disjoint regions (see HostMultiWrite).
//
// There are various ways to construct a Tensor. The device is always passed
// explicitly, there is no ambient global device:
//
//   - FromShape(dev, shape): zero-initialized tensor of the given shape. The
//     device buffer is allocated lazily, on the first access that needs bytes.
//
//   - FromFlatDataAndDimensions[T](dev, data, dimensions...): tensor with the
//     given dimensions, contents copied from the flattened data.
//
//   - FromScalarAndDimensions[T](dev, value, dimensions...): tensor with the
//     given dimensions filled with value. FromScalar creates it with shape [1].
//
//   - FromValue[S](dev, value): generic conversion from any (regular)
//     multi-dimensional slice, e.g. FromValue(dev, [][]float32{{1, 2}, {3, 4}}).
//     FromAnyValue is the non-generic version.
//
//   - FromConstFlatData[T](dev, data, dimensions...): adopts the caller's
//     slice without copying and marks the storage read-only.
//
// Reading and writing go through the access protocol (Tensor.ReadOnly,
// Tensor.ReadWrite and the generic ReadOnly[T]/ReadWrite[T]), which resolves
// a nil queue to the device's host queue, orders the access after the queue
// with work still in flight over the storage's contents, and hands the
// accessor the view's window of the flat buffer. See access.go for the
// protocol's contract.
//
// Element types are the closed set supported by gopjrt's dtypes package
// (dtypes.Supported). Tensors of Go `int` are stored as the platform word
// size (int64 or int32) and accessed generically as such.
package tensors

import (
	"reflect"
	"strconv"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/shapes"
	"github.com/weftml/weft/types/xslices"
)

// Tensor is a view over shared storage: a shape, a reference to the storage
// and the element offset where the view's logical index 0 begins.
//
// A Tensor handle is safe for concurrent use; the handle's mutex orders its
// own rebinds (copy-on-write) and accesses. Lock order is always
// Tensor.mu before storage.mu.
type Tensor struct {
	mu sync.Mutex

	// shape is immutable; it is only cleared by Finalize.
	shape   shapes.Shape
	storage *storage

	// offset is the element offset into storage where logical index 0 lives.
	// Invariant: offset + shape.SpanSize() <= storage.count.
	offset int

	// shared disables copy-on-write for this view: the caller asserts writes
	// through it (and its derived views) target disjoint regions.
	shared bool
}

// Shape of the view, including the DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType is a shortcut to Tensor.Shape().DType.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank is a shortcut to Tensor.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of logical elements of the view.
func (t *Tensor) Size() int { return t.shape.Size() }

// Device the storage belongs to.
func (t *Tensor) Device() devices.Device {
	t.AssertValid()
	return t.storage.dev
}

// IsShared returns whether this view opted out of copy-on-write (it was
// derived from a SharedView).
func (t *Tensor) IsShared() bool { return t.shared }

// Ok returns whether the Tensor is in a valid state: not nil and not
// finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.storage != nil && t.shape.Ok()
}

// AssertValid panics if the tensor is nil, finalized or has an invalid shape.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if t.storage == nil {
		panic(errors.New("Tensor was finalized, storage already released"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
}

// Finalize releases the view's reference to its storage; the storage buffer
// itself is freed when the last view holding it is finalized. Finalize is
// idempotent. No finalizers are registered: release is always explicit.
//
// The free is ordered behind the storage's tagged queue, so device work the
// access protocol scheduled (a pending copy-on-write snapshot, an access
// window) never reads a recycled buffer. Only work a caller scheduled off
// the queue it accessed through remains the caller's responsibility.
func (t *Tensor) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		return
	}
	t.storage.release()
	t.storage = nil
	t.shape = shapes.Invalid()
	t.shared = false
}

// FromShape creates a Tensor of the given shape on dev, with contents
// logically zero. No device buffer is allocated until the first access that
// needs bytes, so tensors can be created and reshaped without ever paying
// allocation cost if never read.
func FromShape(dev devices.Device, shape shapes.Shape) *Tensor {
	if dev == nil {
		panic(errors.New("FromShape: nil device"))
	}
	if !shape.Ok() {
		panic(errors.New("FromShape: invalid shape"))
	}
	return &Tensor{
		shape:   shape,
		storage: newStorage(dev, shape.DType, shape.SpanSize()),
	}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// contents copied from the flattened values in data. The DType is inferred
// from the data element type.
func FromFlatDataAndDimensions[T dtypes.Supported](dev devices.Device, data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(dev, shape)
	if ints, ok := any(data).([]int); ok {
		// The underlying data is int32 or int64 depending on the platform;
		// reinterpret instead of converting element by element.
		t.ReadWrite(nil, func(flat any) {
			reflect.Copy(reflect.ValueOf(flat), reflect.ValueOf(intFlat(ints)))
		})
		return t
	}
	ReadWrite(t, nil, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the scalar value replicated everywhere. The DType is inferred from the
// value type.
func FromScalarAndDimensions[T dtypes.Supported](dev devices.Device, value T, dimensions ...int) *Tensor {
	var zero T
	if _, isInt := any(zero).(int); isInt {
		size := shapes.Make(dtypes.FromGenericsType[T](), dimensions...).Size()
		return FromFlatDataAndDimensions(dev, xslices.SliceWithValue(size, value), dimensions...)
	}
	t := FromShape(dev, shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	ReadWrite(t, nil, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromScalar creates a tensor of shape [1] holding the value. Ranks start at
// 1 in this engine, so single values live in one-element tensors; see
// ToScalar for the reverse direction.
func FromScalar[T dtypes.Supported](dev devices.Device, value T) *Tensor {
	return FromScalarAndDimensions(dev, value, 1)
}

// FromConstFlatData creates a tensor that adopts the caller's flat slice as
// its contents, without copying, and marks the storage read-only: read-write
// access through any view of it is a fatal error. This models externally
// pinned or constant buffers. The caller must not mutate data afterwards.
func FromConstFlatData[T dtypes.Supported](dev devices.Device, data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromConstFlatData(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(dev, shape)
	if ints, ok := any(data).([]int); ok {
		t.storage.adopted = intFlat(ints)
	} else {
		t.storage.adopted = data
	}
	t.storage.readOnly = true
	return t
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from
// with FromValue. There are no recursions in generics' constraint
// definitions, so slice levels are enumerated up to the maximum rank.
type MultiDimensionSlice interface {
	bool | float32 | float64 | int | int32 | int64 | uint8 | uint32 | uint64 | complex64 | complex128 |
		[]bool | []float32 | []float64 | []int | []int32 | []int64 | []uint8 | []uint32 | []uint64 | []complex64 | []complex128 |
		[][]bool | [][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 | [][]uint8 | [][]uint32 | [][]uint64 | [][]complex64 | [][]complex128 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 | [][][]uint32 | [][][]uint64 | [][][]complex64 | [][][]complex128 |
		[][][][]bool | [][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64 | [][][][]uint8 | [][][][]uint32 | [][][][]uint64 | [][][][]complex64 | [][][][]complex128 |
		[][][][][]bool | [][][][][]float32 | [][][][][]float64 | [][][][][]int | [][][][][]int32 | [][][][][]int64 | [][][][][]uint8 | [][][][][]uint32 | [][][][][]uint64 | [][][][][]complex64 | [][][][][]complex128
}

// FromValue creates a tensor from the given multi-dimensional slice (or
// scalar, which gets shape [1]). Slices of rank > 1 must be regular: all
// sub-slices at the same level must have the same length.
//
// It panics with a ShapeError if the value is irregular or too deeply nested.
// FromFlatDataAndDimensions is much faster if speed is a concern.
func FromValue[S MultiDimensionSlice](dev devices.Device, value S) *Tensor {
	return FromAnyValue(dev, value)
}

// FromAnyValue is a non-generic version of FromValue. If value is already a
// *Tensor it is returned unchanged.
func FromAnyValue(dev devices.Device, value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(shapes.Errorf("cannot create tensor from %T: %v", value, err))
	}
	t := FromShape(dev, shape)
	t.ReadWrite(nil, func(flatAny any) {
		valueV := reflect.ValueOf(value)
		if valueV.Kind() != reflect.Slice {
			// Scalar: shape [1], one element to set. Convert covers `int`
			// landing in an int64/int32 buffer.
			flatV := reflect.ValueOf(flatAny)
			flatV.Index(0).Set(valueV.Convert(flatV.Type().Elem()))
			return
		}
		if baseType(reflect.TypeOf(value)) == reflect.TypeOf(int(0)) {
			// Reinterpret the int32/int64 buffer as []int so reflect.Copy
			// below can copy the caller's []int rows directly.
			switch flat := flatAny.(type) {
			case []int64:
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat))
			case []int32:
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat))
			}
		}
		copySlicesRecursively(reflect.ValueOf(flatAny), valueV, shapes.DenseStrides(shape.Extents()...))
	})
	return t
}

// intFlat reinterprets an []int as the platform-sized dtype slice ([]int64 or
// []int32) without copying.
func intFlat(data []int) any {
	switch strconv.IntSize {
	case 64:
		return unsafe.Slice((*int64)(unsafe.Pointer(unsafe.SliceData(data))), len(data))
	case 32:
		return unsafe.Slice((*int32)(unsafe.Pointer(unsafe.SliceData(data))), len(data))
	}
	exceptions.Panicf("cannot use `int` of %d bits, use int32 or int64 instead", strconv.IntSize)
	return nil
}

// shapeForValue derives the dense shape of a multi-dimensional slice and
// validates its regularity. Scalars get shape [1].
func shapeForValue(value any) (shapes.Shape, error) {
	valueT := reflect.TypeOf(value)
	valueV := reflect.ValueOf(value)
	var extents []int
	elemT, elemV := valueT, valueV
	for elemT.Kind() == reflect.Slice {
		if elemV.Len() == 0 {
			return shapes.Invalid(), errors.Errorf(
				"empty slices cannot be converted, zero-extent tensors are not representable")
		}
		extents = append(extents, elemV.Len())
		elemT = elemT.Elem()
		elemV = elemV.Index(0)
	}
	if elemT.Kind() == reflect.Pointer {
		return shapes.Invalid(), errors.Errorf("cannot convert pointers (%s) to tensor values", elemT)
	}
	dtype := dtypes.FromGoType(elemT)
	if dtype == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("unsupported element type %s", elemT)
	}
	if len(extents) == 0 {
		extents = []int{1}
	} else if len(extents) > shapes.MaxRank {
		return shapes.Invalid(), errors.Errorf("nesting depth %d exceeds the maximum rank %d",
			len(extents), shapes.MaxRank)
	} else if err := checkRegular(valueV, extents); err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtype, extents...), nil
}

// checkRegular verifies every sub-slice matches the extent of its level.
func checkRegular(v reflect.Value, extents []int) error {
	if v.Len() != extents[0] {
		return errors.Errorf("irregular nested slices: got length %d where %d was expected",
			v.Len(), extents[0])
	}
	if len(extents) == 1 {
		return nil
	}
	for ii := range v.Len() {
		if err := checkRegular(v.Index(ii), extents[1:]); err != nil {
			return err
		}
	}
	return nil
}

// copySlicesRecursively copies values of a multi-dimensional slice into a
// flat slice, assuming the dense strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

// baseType returns the element type underlying a multi-dimensional slice
// type, so baseType of [][]int is int.
func baseType(valueType reflect.Type) reflect.Type {
	for valueType.Kind() == reflect.Slice {
		valueType = valueType.Elem()
	}
	return valueType
}

// denseValue gathers the view's logical elements, honoring strides, offset
// and broadcast, into a fresh flat slice in row-major order.
func (t *Tensor) denseValue() reflect.Value {
	size := t.shape.Size()
	flatCopyV := reflect.MakeSlice(reflect.SliceOf(t.DType().GoType()), size, size)
	t.ReadOnly(nil, func(flat any) {
		flatV := reflect.ValueOf(flat)
		if t.shape.IsDense() {
			reflect.Copy(flatCopyV, flatV)
			return
		}
		ii := 0
		for li := range t.shape.Iter() {
			flatCopyV.Index(ii).Set(flatV.Index(li))
			ii++
		}
	})
	return flatCopyV
}

// Value returns a multi-dimensional slice containing a copy of the view's
// logical values. A shape [1] tensor yields a one-element slice. This is
// expensive and mostly used for small tensors, in tests and to print results.
func (t *Tensor) Value() any {
	return convertDataToSlices(t.denseValue(), t.shape.Extents()...).Interface()
}

// convertDataToSlices takes flat data and builds a multi-dimensional slice of
// the given dimensions; the innermost slices point into the flat data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return createSlicesRecursively(resultT.Elem(), dataV, dimensions, shapes.DenseStrides(dimensions...))
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// Equal checks whether both tensors hold the same dtype, extents and logical
// values, independently of layout: a transposed view equals its dense
// materialization. Same-handle comparison is true by identity.
//
// Slow implementation, fine for small tensors and tests.
func (t *Tensor) Equal(other *Tensor) bool {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	equal := true
	t.ReadOnly(nil, func(flat0 any) {
		other.ReadOnly(nil, func(flat1 any) {
			v0, v1 := reflect.ValueOf(flat0), reflect.ValueOf(flat1)
			for li0, indices := range t.shape.Iter() {
				li1 := other.shape.LinearIndex(indices...)
				if !v0.Index(li0).Equal(v1.Index(li1)) {
					equal = false
					return
				}
			}
		})
	})
	return equal
}

// InDelta checks whether |t - other| <= delta holds elementwise, with the
// same shape requirements as Equal. Float16 and bfloat16 elements compare
// through their float32 conversions; complex elements compare by the modulus
// of their difference; non-numeric dtypes fall back to exact equality.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	inDelta := true
	t.ReadOnly(nil, func(flat0 any) {
		other.ReadOnly(nil, func(flat1 any) {
			v0, v1 := reflect.ValueOf(flat0), reflect.ValueOf(flat1)
			for li0, indices := range t.shape.Iter() {
				li1 := other.shape.LinearIndex(indices...)
				if !elementsInDelta(v0.Index(li0), v1.Index(li1), delta) {
					inDelta = false
					return
				}
			}
		})
	})
	return inDelta
}
