package tensors

import (
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/weftml/weft/devices/devtest"
	"github.com/weftml/weft/types/shapes"
	"github.com/weftml/weft/types/xslices"
)

func TestView(t *testing.T) {
	tensor := FromFlatDataAndDimensions(device, xslices.Iota(int32(0), 20), 4, 5)
	view := tensor.View([]int{1, 1}, 2, 3)
	require.True(t, view.Shape().Equal(shapes.MakeStrided(dtypes.Int32, []int{2, 3}, []int{5, 1})))
	require.Same(t, tensor.storage, view.storage)
	for ri := range 2 {
		for ci := range 3 {
			require.Equal(t, int32((ri+1)*5+ci+1), At[int32](view, ri, ci))
		}
	}

	// Views of views compose; offsets accumulate.
	cell := view.View([]int{1, 2}, 1, 1)
	require.Equal(t, int32(13), ToScalar[int32](cell))

	requireShapeError(t, func() { tensor.View([]int{3, 3}, 2, 3) })  // overflows both axes
	requireShapeError(t, func() { tensor.View([]int{0, 0}, 2) })     // wrong arity
	requireShapeError(t, func() { tensor.View([]int{-1, 0}, 2, 3) }) // negative origin
	requireShapeError(t, func() { tensor.View([]int{0, 0}, 0, 3) })  // empty window
	requireShapeError(t, func() { tensor.View([]int{0, 5}, 1, 1) })  // origin at the edge
}

func TestViewStrided(t *testing.T) {
	flat := FromFlatDataAndDimensions(device, xslices.Iota(int64(0), 12), 12)

	// A flat buffer seen as a matrix.
	matrix := flat.ViewStrided([]int{0}, []int{3, 4}, []int{4, 1})
	require.Equal(t, [][]int64{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}}, matrix.Value())

	// Stride 2 picks every other element; the origin selects the parity.
	evens := flat.ViewStrided([]int{0}, []int{6}, []int{2})
	odds := flat.ViewStrided([]int{1}, []int{6}, []int{2})
	require.Equal(t, []int64{0, 2, 4, 6, 8, 10}, CopyFlatData[int64](evens))
	require.Equal(t, []int64{1, 3, 5, 7, 9, 11}, CopyFlatData[int64](odds))

	// A column of the matrix view: stride jumps one row at a time.
	col := matrix.ViewStrided([]int{0, 2}, []int{3}, []int{4})
	require.Equal(t, []int64{2, 6, 10}, CopyFlatData[int64](col))

	// Stride 0 repeats a single stored element.
	rep := flat.ViewStrided([]int{3}, []int{5}, []int{0})
	require.True(t, rep.Shape().HasBroadcast())
	require.Equal(t, []int64{3, 3, 3, 3, 3}, CopyFlatData[int64](rep))

	// The child's span must fit the parent's window, even when the parent is
	// itself strided: odds addresses elements [1, 12) of the storage, so a
	// child reaching past its 11-element span is rejected.
	requireShapeError(t, func() { flat.ViewStrided([]int{8}, []int{3}, []int{2}) })
	requireShapeError(t, func() { odds.ViewStrided([]int{5}, []int{2}, []int{1}) })
	requireShapeError(t, func() { flat.ViewStrided([]int{0, 0}, []int{3}, []int{1}) })
}

func TestViewItems(t *testing.T) {
	tensor := FromFlatDataAndDimensions(device, xslices.Iota(int64(0), 12), 4, 3)
	mid := tensor.ViewItems(1, 2)
	require.Equal(t, [][]int64{{3, 4, 5}, {6, 7, 8}}, mid.Value())

	// Items follow the leading axis of the view, whatever its layout: item 2
	// of the transposed matrix is column 2 of the original.
	col := tensor.Transposed().ViewItems(2, 1)
	require.Equal(t, [][]int64{{2, 5, 8, 11}}, col.Value())

	requireShapeError(t, func() { tensor.ViewItems(3, 2) })
	requireShapeError(t, func() { tensor.ViewItems(0, 0) })
	requireShapeError(t, func() { tensor.ViewItems(-1, 1) })
}

func TestTransposed(t *testing.T) {
	m := FromValue(device, [][]float32{{1, 2, 3}, {4, 5, 6}})
	mt := m.Transposed()
	require.Equal(t, []int{1, 3}, mt.Shape().Strides())
	require.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, mt.Value())
	require.Same(t, m.storage, mt.storage)

	// Axis i of the result is axis permutation[i] of the source.
	cube := FromFlatDataAndDimensions(device, xslices.Iota(int32(0), 24), 2, 3, 4)
	perm := cube.Transposed(1, 2, 0)
	require.Equal(t, []int{3, 4, 2}, perm.Shape().Extents())
	require.Equal(t, At[int32](cube, 1, 2, 3), At[int32](perm, 2, 3, 1))
	require.Equal(t, At[int32](cube, 0, 1, 2), At[int32](perm, 1, 2, 0))

	requireShapeError(t, func() { FromValue(device, []float32{1}).Transposed() })
	requireShapeError(t, func() { cube.Transposed(0, 0, 1) })
}

func TestSqueezed(t *testing.T) {
	tensor := FromFlatDataAndDimensions(device, []float32{1, 2, 3}, 1, 1, 3)
	require.Equal(t, []int{3}, tensor.Squeezed().Shape().Extents())
	require.Equal(t, []float32{1, 2, 3}, CopyFlatData[float32](tensor.Squeezed()))
	require.Equal(t, []int{1, 3}, tensor.Squeezed(0).Shape().Extents())
	require.Equal(t, []int{1, 3}, tensor.Squeezed(-2).Shape().Extents())
	requireShapeError(t, func() { tensor.Squeezed(2) }) // extent 3, not droppable

	// Squeezing away every axis still leaves a rank-1 view.
	scalar := FromFlatDataAndDimensions(device, []float32{7}, 1, 1)
	require.Equal(t, []int{1}, scalar.Squeezed().Shape().Extents())
	require.Equal(t, float32(7), ToScalar[float32](scalar.Squeezed()))
}

func TestReshaped(t *testing.T) {
	flat := FromFlatDataAndDimensions(device, xslices.Iota(float32(0), 12), 12)
	m := flat.Reshaped(3, 4)
	require.Equal(t, []int{3, 4}, m.Shape().Extents())
	require.Equal(t, [][]float32{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}}, m.Value())
	require.Equal(t, []int{2, 6}, m.Reshaped(2, 6).Shape().Extents())
	require.Same(t, flat.storage, m.storage)

	// A dense sub-view reshapes; a transposed (non-dense) one does not.
	row := m.View([]int{1, 0}, 1, 4)
	require.Equal(t, [][]float32{{4, 5}, {6, 7}}, row.Reshaped(2, 2).Value())
	requireShapeError(t, func() { m.Transposed().Reshaped(12) })
	requireShapeError(t, func() { flat.Reshaped(5, 2) }) // size change
}

func TestDenseAndClone(t *testing.T) {
	m := FromValue(device, [][]float32{{1, 2, 3}, {4, 5, 6}})
	require.Same(t, m, m.Dense(nil))

	// A full transpose still covers a gapless window (size == span), so it
	// is already dense in the contiguity sense.
	mt := m.Transposed()
	require.Same(t, mt, mt.Dense(nil))

	// A sub-window has gaps (span 5 over 4 elements): Dense gathers it into
	// fresh row-major storage.
	sub := m.View([]int{0, 1}, 2, 2)
	dense := sub.Dense(nil)
	require.NotSame(t, sub, dense)
	require.NotSame(t, sub.storage, dense.storage)
	require.True(t, dense.Shape().IsDense())
	require.Equal(t, [][]float32{{2, 3}, {5, 6}}, dense.Value())
	require.True(t, dense.Equal(sub))

	// Clone always copies, and in row-major order.
	clone := mt.Clone(nil)
	require.NotSame(t, mt.storage, clone.storage)
	require.True(t, clone.Shape().IsDense())
	require.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, clone.Value())
	SetAt(clone, float32(99), 0, 0)
	require.Equal(t, float32(1), At[float32](m, 0, 0))

	// Cloning a broadcast view expands it into real elements.
	spread := FromValue(device, []float32{7}).BroadcastTo(3).Clone(nil)
	require.Equal(t, []float32{7, 7, 7}, CopyFlatData[float32](spread))

	// The gather can run on a device queue; the host sync in Value orders
	// behind it.
	q := device.NewQueue("gather")
	deviceDense := sub.Dense(q)
	require.Equal(t, [][]float32{{2, 3}, {5, 6}}, deviceDense.Value())
	require.NoError(t, q.WaitUntilComplete())
}

func TestCloneOrdersBehindPendingGather(t *testing.T) {
	dev := devtest.Wrap(devtest.BuildTestDevice(), 100*time.Millisecond)
	q := dev.NewQueue("gather")
	src := FromFlatDataAndDimensions(dev, []int32{1, 2, 3}, 3)

	clone := src.Clone(q)

	// The gather is still in flight on q: the sequential host write must
	// order behind it, so the clone keeps the pre-write values.
	SetAt(src, int32(99), 0)

	require.Equal(t, []int32{1, 2, 3}, CopyFlatData[int32](clone))
	require.Equal(t, []int32{99, 2, 3}, CopyFlatData[int32](src))
	require.NoError(t, q.WaitUntilComplete())
}
