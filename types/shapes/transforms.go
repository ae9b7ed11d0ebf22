package shapes

// Transformations produce new shapes; the receiver is never modified. All of
// them preserve the "zero data movement" property: they only rearrange
// extents and strides, so views built on them keep sharing storage.

// BroadcastTo widens every extent-1 axis whose new extent differs from 1 by
// setting its stride to 0 (one stored value re-read across the new extent).
// All other axes must match the new extents exactly.
//
// It panics with *ShapeError if the ranks differ or a non-unit axis does not
// match.
func (s Shape) BroadcastTo(newExtents ...int) Shape {
	if len(newExtents) != s.rank {
		panic(Errorf("shapes: BroadcastTo(%v) rank mismatch with %s", newExtents, s))
	}
	result := s
	for axis, newExtent := range newExtents {
		if newExtent <= 0 {
			panic(Errorf("shapes: BroadcastTo(%v) extent of axis %d must be positive", newExtents, axis))
		}
		switch {
		case s.extents[axis] == newExtent:
			// Unchanged, stride kept.
		case s.extents[axis] == 1:
			result.extents[axis] = newExtent
			result.strides[axis] = 0
		default:
			panic(Errorf("shapes: cannot broadcast axis %d of %s to extent %d (only extent-1 axes broadcast)",
				axis, s, newExtent))
		}
	}
	return result
}

// Transposed reorders axes according to the permutation: axis i of the result
// is axis permutation[i] of the receiver. With no permutation the last two
// axes are swapped. Negative axes count from the end.
//
// No data moves: extents and strides are permuted together. It panics with
// *ShapeError if the rank is < 2 or the permutation is invalid.
func (s Shape) Transposed(permutation ...int) Shape {
	if s.rank < 2 {
		panic(Errorf("shapes: Transposed requires rank > 1, got %s", s))
	}
	if len(permutation) == 0 {
		result := s
		result.extents[s.rank-2], result.extents[s.rank-1] = s.extents[s.rank-1], s.extents[s.rank-2]
		result.strides[s.rank-2], result.strides[s.rank-1] = s.strides[s.rank-1], s.strides[s.rank-2]
		return result
	}
	if len(permutation) != s.rank {
		panic(Errorf("shapes: Transposed(%v) needs %d axes for %s", permutation, s.rank, s))
	}
	result := s
	var seen [MaxRank]bool
	for ii, axis := range permutation {
		adjusted := axis
		if adjusted < 0 {
			adjusted += s.rank
		}
		if adjusted < 0 || adjusted >= s.rank || seen[adjusted] {
			panic(Errorf("shapes: Transposed(%v) is not a permutation of the axes of %s", permutation, s))
		}
		seen[adjusted] = true
		result.extents[ii] = s.extents[adjusted]
		result.strides[ii] = s.strides[adjusted]
	}
	return result
}

// Squeezed drops extent-1 axes: all of them when called without arguments, or
// only the given axes (negative axes count from the end). The resulting rank
// is whatever remains; if every axis is dropped, one extent-1 axis is kept so
// the shape stays valid.
//
// It panics with *ShapeError if a given axis has extent != 1, and as a
// precondition violation if an axis is out of bounds.
func (s Shape) Squeezed(axes ...int) Shape {
	var drop [MaxRank]bool
	if len(axes) == 0 {
		for axis := 0; axis < s.rank; axis++ {
			drop[axis] = s.extents[axis] == 1
		}
	} else {
		for _, axis := range axes {
			adjusted := s.adjustAxis(axis)
			if s.extents[adjusted] != 1 {
				panic(Errorf("shapes: Squeezed(%v) axis %d of %s has extent %d, only extent-1 axes can be dropped",
					axes, axis, s, s.extents[adjusted]))
			}
			drop[adjusted] = true
		}
	}
	result := Shape{DType: s.DType}
	for axis := 0; axis < s.rank; axis++ {
		if drop[axis] {
			continue
		}
		result.extents[result.rank] = s.extents[axis]
		result.strides[result.rank] = s.strides[axis]
		result.rank++
	}
	if result.rank == 0 {
		// Everything had extent 1: keep a single element shape.
		result.rank = 1
		result.extents[0] = 1
		result.strides[0] = 1
	}
	return result
}

// Joined sizes the concatenation of the receiver with the given shapes along
// the axis (negative counts from the end): the axis extent is the sum across
// all shapes, everything else must match. The result has dense strides, since
// it describes the freshly allocated concatenation target; copying the data
// is a kernel concern.
//
// It panics with *ShapeError on dtype, rank or extent mismatches.
func (s Shape) Joined(axis int, others ...Shape) Shape {
	adjusted := s.adjustAxis(axis)
	extents := s.Extents()
	for _, other := range others {
		if other.DType != s.DType {
			panic(Errorf("shapes: Joined(%d) dtype mismatch: %s vs %s", axis, s, other))
		}
		if other.rank != s.rank {
			panic(Errorf("shapes: Joined(%d) rank mismatch: %s vs %s", axis, s, other))
		}
		for ii := 0; ii < s.rank; ii++ {
			if ii == adjusted {
				continue
			}
			if other.extents[ii] != s.extents[ii] {
				panic(Errorf("shapes: Joined(%d) extent mismatch on axis %d: %s vs %s", axis, ii, s, other))
			}
		}
		extents[adjusted] += other.extents[adjusted]
	}
	return Make(s.DType, extents...)
}

// Reshaped returns a dense shape with the new extents. The receiver must
// already be dense row-major — gapless is not enough, since a permuted layout
// would change the element order — and the total size must not change.
//
// It panics with *ShapeError if the receiver is not dense or the sizes differ.
func (s Shape) Reshaped(newExtents ...int) Shape {
	if !s.IsDense() {
		panic(Errorf("shapes: Reshaped(%v) requires a dense row-major shape, got %s", newExtents, s))
	}
	result := Make(s.DType, newExtents...)
	if result.Size() != s.Size() {
		panic(Errorf("shapes: Reshaped(%v) changes size from %d to %d (shape=%s)",
			newExtents, s.Size(), result.Size(), s))
	}
	return result
}
