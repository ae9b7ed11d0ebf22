package tensors

import (
	"bytes"
	"fmt"
	"math"
	"math/cmplx"
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/weftml/weft/types/shapes"
)

var (
	typeFloat16  = reflect.TypeOf(float16.Float16(0))
	typeBFloat16 = reflect.TypeOf(bfloat16.BFloat16(0))
)

// String returns Summary(precision=4).
func (t *Tensor) String() string {
	return t.Summary(4)
}

// Summary returns a multi-line summary of the view's logical contents, with
// the given printing precision. Inspired by numpy's output: axes longer than
// 6 print their first and last 3 elements with an ellipsis in between.
// Strides, offset and broadcast are resolved before printing, so a
// transposed view prints in its logical order.
func (t *Tensor) Summary(precision int) string {
	t.AssertValid()
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }

	// Print one value with formatting appropriate to its type:
	wValue := func(v reflect.Value) {
		if v.Type() == typeFloat16 {
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		} else if v.Type() == typeBFloat16 {
			w("%.*g", precision, v.Interface().(bfloat16.BFloat16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		case reflect.Complex64, reflect.Complex128:
			c := v.Complex()
			w("(%.*g+%.*gi)", precision, real(c), precision, imag(c))
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Interface())
		}
	}

	values := t.denseValue()
	extents := t.shape.Extents()
	strides := shapes.DenseStrides(extents...)
	rank := len(extents)

	// Go type equivalent as the prefix, e.g. "[2][3]float32".
	for _, extent := range extents {
		w("[%d]", extent)
	}
	w("%s", values.Type().Elem())

	multiRow := rank > 1 && t.shape.Size() > extents[rank-1]

	var printElements func(index, indent, level int)
	printElements = func(index, indent, level int) {
		extent := extents[level]
		if level == rank-1 {
			// One row of data:
			w("{")
			if extent > 6 {
				for ii := range 3 {
					if ii > 0 {
						w(", ")
					}
					wValue(values.Index(index + ii))
				}
				w(", ..., ")
				for ii := extent - 3; ii < extent; ii++ {
					if ii > extent-3 {
						w(", ")
					}
					wValue(values.Index(index + ii))
				}
			} else {
				for ii := range extent {
					if ii > 0 {
						w(", ")
					}
					wValue(values.Index(index + ii))
				}
			}
			w("}")
			return
		}

		// Outer axis: one sub-block per element, each on its own line.
		stride := strides[level]
		w("{")
		if indent == -1 {
			if multiRow {
				w("\n ")
			}
			indent = 1
		}
		indentStr := strings.Repeat(" ", indent)
		if extent > 6 {
			for ii := range 3 {
				if ii > 0 {
					w(",\n%s", indentStr)
				}
				printElements(index+ii*stride, indent+1, level+1)
			}
			w(",\n%s...", indentStr)
			for ii := extent - 3; ii < extent; ii++ {
				w(",\n%s", indentStr)
				printElements(index+ii*stride, indent+1, level+1)
			}
		} else {
			for ii := range extent {
				if ii > 0 {
					w(",\n%s", indentStr)
				}
				printElements(index+ii*stride, indent+1, level+1)
			}
		}
		w("}")
	}
	printElements(0, -1, 0)
	return buf.String()
}

// elementFloat converts one element to float64 for approximate comparisons.
// The 16-bit float types convert through their float32 views. The second
// result is false for non-numeric kinds.
func elementFloat(v reflect.Value) (float64, bool) {
	if v.Type() == typeFloat16 {
		return float64(v.Interface().(float16.Float16).Float32()), true
	}
	if v.Type() == typeBFloat16 {
		return float64(v.Interface().(bfloat16.BFloat16).Float32()), true
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}

// elementsInDelta compares one pair of elements for Tensor.InDelta.
func elementsInDelta(v0, v1 reflect.Value, delta float64) bool {
	if v0.Kind() == reflect.Complex64 || v0.Kind() == reflect.Complex128 {
		return cmplx.Abs(v0.Complex()-v1.Complex()) <= delta
	}
	f0, ok0 := elementFloat(v0)
	f1, ok1 := elementFloat(v1)
	if !ok0 || !ok1 {
		return v0.Equal(v1)
	}
	return math.Abs(f0-f1) <= delta
}
