// Package xslices provides the small generic slice helpers used across the
// repository. It predates parts of the standard slices package, so a couple of
// helpers overlap with it.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Copy returns a new shallow copy of the slice, or nil if it is empty.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// FillSlice fills the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	// Doubling copy is faster than a plain loop.
	if len(slice) == 0 {
		return
	}
	slice[0] = value
	for filled := 1; filled < len(slice); filled *= 2 {
		copy(slice[filled:], slice[:filled])
	}
}

// SliceWithValue creates a slice of the given size filled with the given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// Iota returns a slice of length len with incremental values starting at start.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element of in and
// returns the mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
