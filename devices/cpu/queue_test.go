package cpu

import (
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/xslices"
	"github.com/weftml/weft/types/xsync"
)

func TestScheduleOrdering(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.NewQueue("order")

	var got []int
	for ii := range 100 {
		q.Schedule("append", func() error {
			got = append(got, ii)
			return nil
		})
	}
	require.NoError(t, q.WaitUntilComplete())
	require.Equal(t, xslices.Iota(0, 100), got)
}

func TestHostQueueInline(t *testing.T) {
	dev := newTestDevice(t)
	host := dev.HostQueue()
	require.True(t, host.IsHost())

	ran := false
	ev := host.Schedule("inline", func() error { ran = true; return nil })
	require.True(t, ran)
	require.True(t, ev.Done())
	require.NoError(t, ev.Wait())

	// Host failures are sticky too.
	host.Schedule("explode", func() error { return errors.New("boom") })
	ran = false
	host.Schedule("after", func() error { ran = true; return nil })
	require.False(t, ran)
	require.Error(t, host.WaitUntilComplete())
	host.ClearError()
	require.NoError(t, host.WaitUntilComplete())
}

func TestCrossQueueEvents(t *testing.T) {
	dev := newTestDevice(t)
	producer := dev.NewQueue("producer")
	consumer := dev.NewQueue("consumer")

	gate := xsync.NewLatch()
	value := 0
	producer.Schedule("produce", func() error {
		gate.Wait()
		value = 42
		return nil
	})
	ev := producer.CreateEvent()
	require.False(t, ev.Done())

	// WaitFor returns immediately; the wait happens on the consumer's stream.
	seen := -1
	consumer.WaitFor(ev)
	consumer.Schedule("consume", func() error {
		seen = value
		return nil
	})

	gate.Trigger()
	require.NoError(t, consumer.WaitUntilComplete())
	require.Equal(t, 42, seen)
	require.True(t, ev.Done())

	// The host queue blocks on WaitFor instead.
	hostEv := producer.CreateEvent()
	dev.HostQueue().WaitFor(hostEv)
	require.True(t, hostEv.Done())
}

func TestStickyError(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.NewQueue("fails")

	boom := errors.New("boom")
	q.Schedule("explode", func() error { return boom })

	ran := false
	ev := q.Schedule("after", func() error { ran = true; return nil })
	require.NoError(t, ev.Wait()) // Events still fire on failed queues.

	err := q.WaitUntilComplete()
	var devErr *devices.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, "explode", devErr.Op)
	require.ErrorIs(t, err, boom)
	require.False(t, ran)

	// Allocation is refused while the sticky error is set.
	_, err = q.Allocate(dtypes.Int32, 1)
	require.ErrorAs(t, err, &devErr)

	q.ClearError()
	require.NoError(t, q.WaitUntilComplete())
}

func TestTimeout(t *testing.T) {
	dev := New("timeout=30ms").(*Device)
	defer dev.Finalize()
	q := dev.NewQueue("slow")

	ev := q.Schedule("sleep", func() error {
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	err := ev.Wait()
	require.Error(t, err)
	require.True(t, devices.IsTimeout(err))

	var devErr *devices.DeviceError
	require.ErrorAs(t, q.LastError(), &devErr)
	require.True(t, devErr.Timeout)
}

func TestScheduleCopy(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.NewQueue("copy")

	src, err := q.Allocate(dtypes.Int64, 3)
	require.NoError(t, err)
	dst, err := q.Allocate(dtypes.Int64, 3)
	require.NoError(t, err)
	copy(q.Data(src).([]int64), []int64{7, 8, 9})

	require.NoError(t, q.ScheduleCopy(dst, src).Wait())
	require.NoError(t, q.WaitUntilComplete())
	require.Equal(t, []int64{7, 8, 9}, q.Data(dst).([]int64))

	other, err := q.Allocate(dtypes.Float64, 3)
	require.NoError(t, err)
	require.Panics(t, func() { q.ScheduleCopy(dst, other) })

	q.Free(src)
	require.Panics(t, func() { q.ScheduleCopy(dst, src) })
}
