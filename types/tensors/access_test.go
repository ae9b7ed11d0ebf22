package tensors

import (
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/devices/cpu"
	"github.com/weftml/weft/devices/devtest"
	"github.com/weftml/weft/types/shapes"
	"github.com/weftml/weft/types/xslices"
)

func TestReadWriteWindow(t *testing.T) {
	tensor := FromShape(device, shapes.Make(dtypes.Int32, 4, 5))
	ReadWrite(tensor, nil, func(flat []int32) {
		require.Len(t, flat, 20)
		for ii := range flat {
			flat[ii] = int32(ii) // element [r, c] holds r*5 + c
		}
	})

	// A sub-region view exposes the window [offset, offset+span) of the same
	// storage; element [r, c] sits at the window position LinearIndex gives.
	view := tensor.View([]int{1, 1}, 2, 3)
	ReadOnly(view, nil, func(flat []int32) {
		require.Len(t, flat, view.Shape().SpanSize())
		for li, indices := range view.Shape().Iter() {
			row, col := indices[0]+1, indices[1]+1
			require.Equal(t, int32(row*5+col), flat[li])
		}
	})
	require.Equal(t, []int32{6, 7, 8, 11, 12, 13}, CopyFlatData[int32](view))
}

func TestGenericAccessDTypeCheck(t *testing.T) {
	tensor := FromScalarAndDimensions(device, float32(1), 3)
	err := exceptions.TryCatch[error](func() { ReadOnly(tensor, nil, func(flat []float64) {}) })
	require.ErrorContains(t, err, "dtype")
	err = exceptions.TryCatch[error](func() { SetAt(tensor, int32(1), 0) })
	require.ErrorContains(t, err, "dtype")
}

func TestBroadcastViews(t *testing.T) {
	row := FromValue(device, []float32{1, 2, 3})
	grid := row.Reshaped(1, 3).BroadcastTo(4, 3)
	require.Equal(t, []int{0, 1}, grid.Shape().Strides())
	require.Equal(t, [][]float32{{1, 2, 3}, {1, 2, 3}, {1, 2, 3}, {1, 2, 3}}, grid.Value())

	// Two logical indices differing only in the broadcast axis resolve to
	// the same storage offset.
	require.Equal(t, grid.Shape().LinearIndex(0, 1), grid.Shape().LinearIndex(3, 1))

	// Writing through a stride-0 axis is rejected.
	requireShapeError(t, func() { SetAt(grid, float32(9), 0, 0) })
	requireShapeError(t, func() { ReadWrite(grid, nil, func(flat []float32) {}) })

	// A clone expands the broadcast into real, writable elements.
	expanded := grid.Clone(nil)
	SetAt(expanded, float32(9), 0, 0)
	require.Equal(t, float32(9), At[float32](expanded, 0, 0))
	require.Equal(t, float32(1), At[float32](expanded, 1, 0))
	require.Equal(t, float32(1), At[float32](row, 0))
}

func TestCopyOnWrite(t *testing.T) {
	a := FromValue(device, [][]float32{{1, 2}, {3, 4}})
	b := a.Alias()
	require.Same(t, a.storage, b.storage)

	// First write through a decouples it: b keeps its bytes.
	SetAt(a, float32(99), 0, 0)
	require.NotSame(t, a.storage, b.storage)
	require.Equal(t, float32(99), At[float32](a, 0, 0))
	require.Equal(t, float32(1), At[float32](b, 0, 0))

	// A sole owner mutates in place, no fresh storage.
	solo := FromValue(device, []float32{1})
	st := solo.storage
	SetAt(solo, float32(2), 0)
	require.Same(t, st, solo.storage)

	// Reads never copy.
	c := a.Alias()
	_ = CopyFlatData[float32](c)
	_ = a.Value()
	require.Same(t, a.storage, c.storage)
}

func TestAliasedWritesAndDecoupling(t *testing.T) {
	tensor := FromFlatDataAndDimensions(device, xslices.Iota(float32(0), 12), 3, 4)

	// A shared window taken while the storage is unique pays no copy, and
	// its writes alias the tensor in place.
	window := tensor.SharedView(nil)
	require.Same(t, tensor.storage, window.storage)
	row := window.View([]int{1, 0}, 1, 4)
	require.True(t, row.IsShared())
	require.Equal(t, []float32{4, 5, 6, 7}, CopyFlatData[float32](row))

	SetAt(window, float32(99), 1, 2)
	require.Same(t, tensor.storage, window.storage)
	require.Equal(t, []float32{4, 5, 99, 7}, CopyFlatData[float32](row))
	require.Equal(t, float32(99), At[float32](tensor, 1, 2))

	// A write through a plain (unshared) alias copies first: the row view
	// keeps its values and is decoupled from the alias.
	alias := tensor.Alias()
	require.False(t, alias.IsShared())
	SetAt(alias, float32(-1), 1, 2)
	require.NotSame(t, tensor.storage, alias.storage)
	require.Equal(t, float32(-1), At[float32](alias, 1, 2))
	require.Equal(t, []float32{4, 5, 99, 7}, CopyFlatData[float32](row))
}

func TestSharedViewForcesCopyUpFront(t *testing.T) {
	a := FromValue(device, []float32{1, 2, 3})
	b := a.Alias() // the storage is no longer unique
	old := b.storage

	shared := a.SharedView(nil)
	// a was rebound to a fresh copy, which the shared view aliases; b keeps
	// the old storage untouched.
	require.Same(t, a.storage, shared.storage)
	require.NotSame(t, b.storage, a.storage)
	require.Same(t, old, b.storage)

	ReadWrite(shared, nil, func(flat []float32) { flat[0] = 9 })
	require.Same(t, a.storage, shared.storage) // no further copies
	require.Equal(t, float32(9), At[float32](a, 0))
	require.Equal(t, float32(1), At[float32](b, 0))

	// The optional reshape applies to the returned view only.
	wide := a.SharedView(nil, 3, 1)
	require.True(t, wide.Shape().Equal(shapes.Make(dtypes.Float32, 3, 1)))
	require.True(t, a.Shape().Equal(shapes.Make(dtypes.Float32, 3)))
}

func TestCopyOnWriteBeforeMaterialization(t *testing.T) {
	a := FromShape(device, shapes.Make(dtypes.Float32, 2))
	b := a.Alias()
	require.Nil(t, a.storage.buffer)

	// Copy-on-write of contents that were never materialized copies
	// nothing: both sides are still logically zero.
	SetAt(a, float32(5), 0)
	require.NotSame(t, a.storage, b.storage)
	require.Nil(t, b.storage.buffer)
	require.Equal(t, []float32{0, 0}, CopyFlatData[float32](b))
	require.Equal(t, []float32{5, 0}, CopyFlatData[float32](a))
}

func TestQueueSyncOrdering(t *testing.T) {
	dev := devtest.Wrap(devtest.BuildTestDevice(), 30*time.Millisecond)
	tensor := FromShape(dev, shapes.Make(dtypes.Int64, 8))
	writer := dev.NewQueue("writer")

	// The fill runs on the writer queue, delayed by the injected latency.
	ReadWrite(tensor, writer, func(flat []int64) {
		writer.Schedule("fill", func() error {
			for ii := range flat {
				flat[ii] = int64(ii)
			}
			return nil
		})
	})

	// A host read blocks until the writer's outstanding work completes: no
	// stale zeros.
	require.Equal(t, xslices.Iota(int64(0), 8), CopyFlatData[int64](tensor))

	// A read on another device queue orders behind the writer without
	// blocking the host: its check task sees the refilled values.
	ReadWrite(tensor, writer, func(flat []int64) {
		writer.Schedule("refill", func() error {
			for ii := range flat {
				flat[ii] = int64(100 + ii)
			}
			return nil
		})
	})
	reader := dev.NewQueue("reader")
	var got []int64
	ReadOnly(tensor, reader, func(flat []int64) {
		reader.Schedule("check", func() error {
			got = append(got, flat...)
			return nil
		})
	})
	require.NoError(t, reader.WaitUntilComplete())
	require.Equal(t, xslices.Iota(int64(100), 8), got)
	require.NoError(t, writer.WaitUntilComplete())
}

func TestWriteOrdersBehindPendingSnapshot(t *testing.T) {
	dev := devtest.Wrap(devtest.BuildTestDevice(), 100*time.Millisecond)
	q := dev.NewQueue("snapshot")
	a := FromFlatDataAndDimensions(dev, []float32{1, 2, 3, 4}, 4)
	b := a.Alias()

	// The write through a triggers copy-on-write: the snapshot of the old
	// storage is still in flight on q when ReadWrite returns.
	ReadWrite(a, q, func(flat []float32) {
		q.Schedule("negate-last", func() error {
			flat[3] = -4
			return nil
		})
	})
	require.NotSame(t, a.storage, b.storage)

	// The sequential host write through the surviving alias must wait for
	// the snapshot read, not overtake it.
	SetAt(b, float32(99), 0)

	require.Equal(t, []float32{1, 2, 3, -4}, CopyFlatData[float32](a))
	require.Equal(t, []float32{99, 2, 3, 4}, CopyFlatData[float32](b))
	require.NoError(t, q.WaitUntilComplete())
}

func TestFinalizeDefersFreeBehindPendingSnapshot(t *testing.T) {
	dev := devtest.Wrap(devtest.BuildTestDevice(), 100*time.Millisecond)
	q := dev.NewQueue("recycle")
	a := FromFlatDataAndDimensions(dev, []float32{5, 6, 7, 8}, 4)
	b := a.Alias()
	ReadWrite(a, q, func(flat []float32) {}) // snapshot pending on q

	// Finalizing the last holder of the old storage must not recycle its
	// buffer while the snapshot still reads it: the free is deferred onto q.
	b.Finalize()
	c := FromFlatDataAndDimensions(dev, []float32{-1, -2, -3, -4}, 4)

	require.Equal(t, []float32{5, 6, 7, 8}, CopyFlatData[float32](a))
	require.Equal(t, []float32{-1, -2, -3, -4}, CopyFlatData[float32](c))
	require.NoError(t, q.WaitUntilComplete())
}

func TestStickyErrorFailFast(t *testing.T) {
	dev := cpu.New("")
	t.Cleanup(dev.Finalize)
	tensor := FromScalarAndDimensions(dev, float32(1), 2)

	boom := errors.New("boom")
	q := dev.NewQueue("doomed")
	q.Schedule("explode", func() error { return boom })
	require.Error(t, q.WaitUntilComplete())

	// A failed queue refuses accesses outright.
	err := exceptions.TryCatch[error](func() { ReadOnly(tensor, q, func(flat []float32) {}) })
	require.Error(t, err)
	var devErr *devices.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.ErrorIs(t, err, boom)

	q.ClearError()
	ReadOnly(tensor, q, func(flat []float32) {})
	require.NoError(t, q.WaitUntilComplete())

	// A failure on the storage's tagged queue surfaces on the next access
	// from anywhere else, then clears the same way.
	ReadWrite(tensor, q, func(flat []float32) {})
	q.Schedule("explode", func() error { return boom })
	_ = q.WaitUntilComplete()
	err = exceptions.TryCatch[error](func() { CopyFlatData[float32](tensor) })
	require.ErrorIs(t, err, boom)
	q.ClearError()
	require.Equal(t, []float32{1, 1}, CopyFlatData[float32](tensor))
}

func TestAccessTimeout(t *testing.T) {
	inner := cpu.New("timeout=40ms")
	t.Cleanup(inner.Finalize)
	dev := devtest.Wrap(inner, 250*time.Millisecond)
	tensor := FromShape(dev, shapes.Make(dtypes.Float32, 4))

	slow := dev.NewQueue("slow")
	ReadWrite(tensor, slow, func(flat []float32) {
		slow.Schedule("slow-fill", func() error {
			flat[0] = 1
			return nil
		})
	})

	// The host read gives up when the device timeout elapses.
	err := exceptions.TryCatch[error](func() { CopyFlatData[float32](tensor) })
	require.Error(t, err)
	require.True(t, devices.IsTimeout(err))

	// Once the work drains and the error is acknowledged, the storage is
	// whole again.
	time.Sleep(400 * time.Millisecond)
	slow.ClearError()
	require.Equal(t, float32(1), At[float32](tensor, 0))
}
