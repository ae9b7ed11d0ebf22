package tensors

import (
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/xsync"
)

// HostMultiWrite fills t from multiple goroutines, one callback per
// contiguous batch of leading-axis items. It takes a single SharedView of t
// (paying the copy-on-write once, up front, if the storage was shared) and
// hands each callback the batch's ViewItems sub-view together with the index
// of its first item:
//
//	err := tensors.HostMultiWrite(t, nil, 0, func(batch *tensors.Tensor, start int) error {
//		return fillRows(batch, start) // batch covers items [start, start+batch.Shape().Extent(0))
//	})
//
// batchSize <= 0 picks items/runtime.NumCPU(), rounded up. At most
// runtime.NumCPU() callbacks run concurrently; the batches are disjoint, so
// their writes need no coordination. HostMultiWrite returns only after every
// batch has completed.
//
// A batch that fails, by returning an error or panicking with one as the
// access protocol does, is recorded while its siblings run to completion.
// The first failure is then pushed onto the queue as a failing task, so it
// lands in the queue's sticky error, and returned. A nil queue means the
// device's host queue.
func HostMultiWrite(t *Tensor, queue devices.Queue, batchSize int, writeFn func(batch *Tensor, start int) error) error {
	return hostMultiWrite(t, queue, batchSize, true, writeFn)
}

// HostMultiWriteSequential is HostMultiWrite with the batches run in order
// on the calling goroutine, for deterministic debugging. Same batching,
// same error contract.
func HostMultiWriteSequential(t *Tensor, queue devices.Queue, batchSize int, writeFn func(batch *Tensor, start int) error) error {
	return hostMultiWrite(t, queue, batchSize, false, writeFn)
}

func hostMultiWrite(t *Tensor, queue devices.Queue, batchSize int, parallel bool, writeFn func(batch *Tensor, start int) error) error {
	t.AssertValid()
	q := queue
	if q == nil {
		q = t.Device().HostQueue()
	}
	shared := t.SharedView(q)
	defer shared.Finalize()

	items := shared.Shape().Extent(0)
	if batchSize <= 0 {
		batchSize = max((items+runtime.NumCPU()-1)/runtime.NumCPU(), 1)
	}

	var failMu sync.Mutex
	var firstErr error
	runBatch := func(start, count int) {
		batch := shared.ViewItems(start, count)
		defer batch.Finalize()
		var err error
		if panicErr := exceptions.TryCatch[error](func() { err = writeFn(batch, start) }); panicErr != nil {
			err = panicErr
		}
		if err == nil {
			return
		}
		failMu.Lock()
		defer failMu.Unlock()
		if firstErr == nil {
			firstErr = errors.WithMessagef(err, "batch starting at item %d", start)
		}
	}

	if parallel {
		var wg sync.WaitGroup
		sem := xsync.NewSemaphore(runtime.NumCPU())
		for start := 0; start < items; start += batchSize {
			count := min(batchSize, items-start)
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem.Acquire()
				defer sem.Release()
				runBatch(start, count)
			}()
		}
		wg.Wait()
	} else {
		for start := 0; start < items; start += batchSize {
			runBatch(start, min(batchSize, items-start))
		}
	}

	if firstErr != nil {
		// Funnel the failure through the queue so it sticks there like any
		// other failed device work, then surface it.
		q.Schedule("hostMultiWrite", func() error { return firstErr })
		return q.WaitUntilComplete()
	}
	return q.LastError()
}
