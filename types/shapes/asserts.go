package shapes

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in CheckExtents or AssertExtents for an axis
// whose extent doesn't matter.
const UncheckedAxis = int(-1)

// HasShape is an interface for objects that have an associated Shape.
// Both tensors.Tensor and Shape itself implement it.
type HasShape interface {
	Shape() Shape
}

// CheckExtents checks that the shape has the given extents and rank. A value
// of -1 for an extent means it can take any value and is not checked.
//
// It returns an error if the rank is different or if any extent doesn't match.
func (s Shape) CheckExtents(extents ...int) error {
	if s.rank != len(extents) {
		return errors.Errorf("shape %s has incompatible rank %d (wanted %d)", s, s.rank, len(extents))
	}
	for ii, want := range extents {
		if want != UncheckedAxis && s.extents[ii] != want {
			return errors.Errorf("shape %s axis %d has extent %d, wanted %d (extents wanted=%v)",
				s, ii, s.extents[ii], want, extents)
		}
	}
	return nil
}

// Check that the shape has the given dtype, extents and rank. A value of -1
// for an extent means it can take any value and is not checked.
//
// It returns an error if the dtype or rank is different or if any extent
// doesn't match.
func (s Shape) Check(dtype dtypes.DType, extents ...int) error {
	if dtype != s.DType {
		return errors.Errorf("shape %s has incompatible dtype %s (wanted %s)", s, s.DType, dtype)
	}
	return s.CheckExtents(extents...)
}

// CheckRank checks that the shape has the given rank.
//
// It returns an error if the rank is different.
func (s Shape) CheckRank(rank int) error {
	if s.rank != rank {
		return errors.Errorf("shape %s has incompatible rank %d -- wanted %d", s, s.rank, rank)
	}
	return nil
}

// AssertExtents checks that the shape has the given extents and rank. A value
// of -1 for an extent means it can take any value and is not checked.
//
// It panics if it doesn't match.
func (s Shape) AssertExtents(extents ...int) {
	err := s.CheckExtents(extents...)
	if err != nil {
		panic(fmt.Sprintf("shapes.AssertExtents(%v): %+v", extents, err))
	}
}

// Assert checks that the shape has the given dtype, extents and rank. A value
// of -1 for an extent means it can take any value and is not checked.
//
// It panics if it doesn't match.
func (s Shape) Assert(dtype dtypes.DType, extents ...int) {
	err := s.Check(dtype, extents...)
	if err != nil {
		panic(fmt.Sprintf("shapes.Assert(%s, %v): %+v", dtype, extents, err))
	}
}

// AssertRank checks that the shape has the given rank.
//
// It panics if it doesn't match.
func (s Shape) AssertRank(rank int) {
	err := s.CheckRank(rank)
	if err != nil {
		panic(fmt.Sprintf("shapes.AssertRank(%d): %+v", rank, err))
	}
}

// CheckExtents checks that the shaped object has the given extents and rank.
// A value of -1 for an extent means it can take any value and is not checked.
func CheckExtents(shaped HasShape, extents ...int) error {
	return shaped.Shape().CheckExtents(extents...)
}

// AssertExtents checks that the shaped object has the given extents and rank.
// A value of -1 for an extent means it is not checked.
//
// It panics if it doesn't match.
func AssertExtents(shaped HasShape, extents ...int) {
	shaped.Shape().AssertExtents(extents...)
}

// Assert checks that the shaped object has the given dtype, extents and rank.
// A value of -1 for an extent means it is not checked.
//
// It panics if it doesn't match.
func Assert(shaped HasShape, dtype dtypes.DType, extents ...int) {
	shaped.Shape().Assert(dtype, extents...)
}

// CheckRank checks that the shaped object has the given rank.
//
// It returns an error if the rank is different.
func CheckRank(shaped HasShape, rank int) error {
	return shaped.Shape().CheckRank(rank)
}

// AssertRank checks that the shaped object has the given rank.
//
// It panics if it doesn't match.
func AssertRank(shaped HasShape, rank int) {
	shaped.Shape().AssertRank(rank)
}
