// Package indices defines Tuple, an ordered association from dimension names
// to signed integer indices, and BBox, a boxed n-D iteration domain.
//
// Tuples are the common currency of the engine: domain sizes, offsets, halo
// widths, block geometries and skew angles are all Tuples over the same
// ordered dimension-name sequence. Two tuples may only be combined when they
// agree on that sequence; a mismatch is a programming error and panics.
//
// ## Glossary
//
//   - Dim: one named axis of the iteration space, e.g. "x".
//   - Fold: the number of elements processed by one vector operation in the
//     unit-stride dim.
//   - Cluster: the innermost grouping of folds executed as one unrolled unit.
package indices

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// Tuple is an ordered association from a dimension name to an int64 value.
//
// The dims slice is shared between tuples created with NewLike or any of the
// element-wise operations, so comparing dim sequences is usually a pointer
// comparison. Use New to create a fresh sequence.
type Tuple struct {
	dims []string
	vals []int64
}

// New returns a Tuple over the given dims, all values zero.
func New(dims ...string) Tuple {
	return Tuple{dims: dims, vals: make([]int64, len(dims))}
}

// NewWith returns a Tuple over dims with the given values.
// len(vals) must equal len(dims).
func NewWith(dims []string, vals []int64) Tuple {
	if len(dims) != len(vals) {
		exceptions.Panicf("indices.NewWith: %d dims but %d values", len(dims), len(vals))
	}
	t := Tuple{dims: dims, vals: make([]int64, len(vals))}
	copy(t.vals, vals)
	return t
}

// NewLike returns a Tuple with the same dim sequence as t, all values set to v.
func NewLike(t Tuple, v int64) Tuple {
	t2 := Tuple{dims: t.dims, vals: make([]int64, len(t.vals))}
	for i := range t2.vals {
		t2.vals[i] = v
	}
	return t2
}

// IsValid reports whether the tuple has at least one dim.
func (t Tuple) IsValid() bool { return len(t.dims) > 0 }

// NumDims returns the number of dims.
func (t Tuple) NumDims() int { return len(t.dims) }

// DimName returns the name of the i-th dim.
func (t Tuple) DimName(i int) string { return t.dims[i] }

// Dims returns the shared dim-name sequence. Callers must not modify it.
func (t Tuple) Dims() []string { return t.dims }

// At returns the value of the i-th dim.
func (t Tuple) At(i int) int64 { return t.vals[i] }

// SetAt sets the value of the i-th dim.
func (t *Tuple) SetAt(i int, v int64) { t.vals[i] = v }

// IndexOf returns the position of the named dim, or -1 if not present.
func (t Tuple) IndexOf(dim string) int {
	for i, d := range t.dims {
		if d == dim {
			return i
		}
	}
	return -1
}

// Has reports whether the named dim is present.
func (t Tuple) Has(dim string) bool { return t.IndexOf(dim) >= 0 }

// Get returns the value of the named dim. Unknown dims panic.
func (t Tuple) Get(dim string) int64 {
	i := t.IndexOf(dim)
	if i < 0 {
		exceptions.Panicf("indices.Tuple.Get: unknown dim %q in %s", dim, t)
	}
	return t.vals[i]
}

// Set sets the value of the named dim. Unknown dims panic.
func (t *Tuple) Set(dim string, v int64) {
	i := t.IndexOf(dim)
	if i < 0 {
		exceptions.Panicf("indices.Tuple.Set: unknown dim %q in %s", dim, *t)
	}
	t.vals[i] = v
}

// Clone returns a deep copy sharing the dim-name sequence.
func (t Tuple) Clone() Tuple {
	t2 := Tuple{dims: t.dims, vals: make([]int64, len(t.vals))}
	copy(t2.vals, t.vals)
	return t2
}

// assertSameDims panics unless t and o agree on the ordered dim sequence.
func (t Tuple) assertSameDims(op string, o Tuple) {
	if len(t.dims) != len(o.dims) {
		exceptions.Panicf("indices.Tuple.%s: dim mismatch: %s vs %s", op, t, o)
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			exceptions.Panicf("indices.Tuple.%s: dim mismatch: %s vs %s", op, t, o)
		}
	}
}

// combine returns a new tuple with fn applied element-wise.
func (t Tuple) combine(op string, o Tuple, fn func(a, b int64) int64) Tuple {
	t.assertSameDims(op, o)
	r := Tuple{dims: t.dims, vals: make([]int64, len(t.vals))}
	for i := range t.vals {
		r.vals[i] = fn(t.vals[i], o.vals[i])
	}
	return r
}

// Add returns t + o element-wise.
func (t Tuple) Add(o Tuple) Tuple {
	return t.combine("Add", o, func(a, b int64) int64 { return a + b })
}

// Sub returns t - o element-wise.
func (t Tuple) Sub(o Tuple) Tuple {
	return t.combine("Sub", o, func(a, b int64) int64 { return a - b })
}

// Mul returns t * o element-wise.
func (t Tuple) Mul(o Tuple) Tuple {
	return t.combine("Mul", o, func(a, b int64) int64 { return a * b })
}

// Div returns t / o element-wise. Division by zero panics.
func (t Tuple) Div(o Tuple) Tuple {
	return t.combine("Div", o, func(a, b int64) int64 { return a / b })
}

// Mod returns t % o element-wise.
func (t Tuple) Mod(o Tuple) Tuple {
	return t.combine("Mod", o, func(a, b int64) int64 { return a % b })
}

// Min returns the element-wise minimum of t and o.
func (t Tuple) Min(o Tuple) Tuple {
	return t.combine("Min", o, func(a, b int64) int64 { return min(a, b) })
}

// Max returns the element-wise maximum of t and o.
func (t Tuple) Max(o Tuple) Tuple {
	return t.combine("Max", o, func(a, b int64) int64 { return max(a, b) })
}

// AddVal returns t with v added to every dim.
func (t Tuple) AddVal(v int64) Tuple {
	r := t.Clone()
	for i := range r.vals {
		r.vals[i] += v
	}
	return r
}

// MulVal returns t with every dim multiplied by v.
func (t Tuple) MulVal(v int64) Tuple {
	r := t.Clone()
	for i := range r.vals {
		r.vals[i] *= v
	}
	return r
}

// Product returns the product of all values. The product of a 0-dim tuple is 1.
func (t Tuple) Product() int64 {
	p := int64(1)
	for _, v := range t.vals {
		p *= v
	}
	return p
}

// RoundUpMultiple returns t with each value rounded up to the next multiple
// of the corresponding value in mult. Zero or negative multiples leave the
// value unchanged.
func (t Tuple) RoundUpMultiple(mult Tuple) Tuple {
	t.assertSameDims("RoundUpMultiple", mult)
	r := t.Clone()
	for i := range r.vals {
		if mult.vals[i] > 0 {
			r.vals[i] = RoundUp(r.vals[i], mult.vals[i])
		}
	}
	return r
}

// Equal reports whether t and o have the same dims and values.
func (t Tuple) Equal(o Tuple) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] || t.vals[i] != o.vals[i] {
			return false
		}
	}
	return true
}

// String pretty-prints the tuple as "x=1,y=2".
func (t Tuple) String() string {
	parts := make([]string, len(t.dims))
	for i, d := range t.dims {
		parts[i] = fmt.Sprintf("%s=%d", d, t.vals[i])
	}
	return strings.Join(parts, ",")
}

// Key returns a comparable string usable as a map key, e.g. for memoizing
// measurements per block geometry.
func (t Tuple) Key() string { return t.String() }

// RoundUp rounds val up to the next multiple of mult. mult must be positive.
func RoundUp[T constraints.Integer](val, mult T) T {
	if mult <= 0 {
		exceptions.Panicf("indices.RoundUp: multiple must be positive, got %d", int64(mult))
	}
	rem := val % mult
	if rem == 0 {
		return val
	}
	if val < 0 {
		return val - rem
	}
	return val + mult - rem
}

// RoundDown rounds val down to the previous multiple of mult. mult must be positive.
func RoundDown[T constraints.Integer](val, mult T) T {
	if mult <= 0 {
		exceptions.Panicf("indices.RoundDown: multiple must be positive, got %d", int64(mult))
	}
	rem := val % mult
	if rem == 0 {
		return val
	}
	if val < 0 {
		return val - mult - rem
	}
	return val - rem
}

// DivUp returns ceil(a/b) for positive b.
func DivUp[T constraints.Integer](a, b T) T {
	return RoundUp(a, b) / b
}
