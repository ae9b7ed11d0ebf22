package shapes

import "iter"

// Iter iterates over all logical elements of the shape in row-major order,
// yielding the element's linear storage offset (the dot product of indices
// and strides, always < SpanSize()) and its multi-index.
//
// Broadcast axes (stride 0) yield the same offset for every index along the
// axis. To avoid allocations the yielded indices slice is owned by the
// iterator: don't modify or retain it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if !s.Ok() {
			return
		}

		indices := make([]int, s.rank)
		linear := 0
		// N-dimensional counter: the last axis moves fastest, and the linear
		// offset is maintained incrementally from the strides.
		for {
			if !yield(linear, indices) {
				return
			}
			axis := s.rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				linear += s.strides[axis]
				if indices[axis] < s.extents[axis] {
					break
				}
				// Overflow: reset this axis and carry over to the next one.
				linear -= s.extents[axis] * s.strides[axis]
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}
