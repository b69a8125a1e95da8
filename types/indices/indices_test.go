package indices

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTupleOps(t *testing.T) {
	a := NewWith([]string{"x", "y", "z"}, []int64{4, 6, 8})
	b := NewWith([]string{"x", "y", "z"}, []int64{1, 2, 3})

	assert.Equal(t, int64(5), a.Add(b).Get("x"))
	assert.Equal(t, int64(4), a.Sub(b).Get("y"))
	assert.Equal(t, int64(24), a.Mul(b).Get("z"))
	assert.Equal(t, int64(3), a.Div(b).Get("y"))
	assert.Equal(t, int64(0), a.Mod(b).Get("x"))
	assert.Equal(t, int64(2), a.Min(b).Get("y"))
	assert.Equal(t, int64(8), a.Max(b).Get("z"))
	assert.Equal(t, int64(4*6*8), a.Product())

	c := a.Clone()
	c.Set("y", 7)
	assert.Equal(t, int64(7), c.Get("y"))
	assert.Equal(t, int64(6), a.Get("y"), "Clone must not alias values")
}

func TestTupleDimMismatchPanics(t *testing.T) {
	a := New("x", "y")
	b := New("y", "x")
	e := exceptions.Try(func() { a.Add(b) })
	require.NotNil(t, e, "reordered dims must be rejected")

	c := New("x")
	e = exceptions.Try(func() { a.Add(c) })
	require.NotNil(t, e, "different ranks must be rejected")
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, int64(8), RoundUp(int64(5), int64(4)))
	assert.Equal(t, int64(8), RoundUp(int64(8), int64(4)))
	assert.Equal(t, int64(-4), RoundUp(int64(-5), int64(4)))
	assert.Equal(t, int64(-8), RoundDown(int64(-5), int64(4)))
	assert.Equal(t, int64(4), RoundDown(int64(5), int64(4)))
	assert.Equal(t, int64(2), DivUp(int64(5), int64(4)))

	m := NewWith([]string{"x", "y"}, []int64{4, 8})
	v := NewWith([]string{"x", "y"}, []int64{5, 8})
	r := v.RoundUpMultiple(m)
	assert.Equal(t, int64(8), r.Get("x"))
	assert.Equal(t, int64(8), r.Get("y"))
}

func TestBBoxUpdate(t *testing.T) {
	dims := []string{"x", "y", "z"}
	begin := NewWith(dims, []int64{0, 0, 0})
	end := NewWith(dims, []int64{8, 4, 16})
	bb := NewBBox(begin, end)
	require.False(t, bb.Valid)

	folds := NewWith(dims, []int64{1, 1, 8})
	clusters := NewWith(dims, []int64{1, 1, 8})
	bb.Update(true, folds, clusters)

	require.True(t, bb.Valid)
	assert.Equal(t, int64(8*4*16), bb.Size)
	assert.Equal(t, bb.Size, bb.NumPoints)
	assert.True(t, bb.IsFull)
	assert.True(t, bb.IsAligned)
	assert.True(t, bb.IsClusterMult)
	assert.Equal(t, int64(16), bb.Len.Get("z"))

	// Partial box: num points below size.
	bb2 := NewBBox(begin, end)
	bb2.NumPoints = 10
	bb2.Update(false, folds, clusters)
	assert.False(t, bb2.IsFull)
	assert.LessOrEqual(t, bb2.NumPoints, bb2.Size)

	// Unaligned begin.
	begin3 := NewWith(dims, []int64{0, 0, 3})
	bb3 := NewBBox(begin3, end)
	bb3.Update(true, folds, clusters)
	assert.False(t, bb3.IsAligned)
	assert.False(t, bb3.IsClusterMult) // len z = 13.
}

func TestBBoxContainsIntersect(t *testing.T) {
	dims := []string{"x", "y"}
	bb := NewBBox(NewWith(dims, []int64{0, 0}), NewWith(dims, []int64{4, 4}))
	assert.True(t, bb.Contains(NewWith(dims, []int64{3, 0})))
	assert.False(t, bb.Contains(NewWith(dims, []int64{4, 0})))

	other := NewBBox(NewWith(dims, []int64{2, 2}), NewWith(dims, []int64{6, 6}))
	in := bb.Intersect(other)
	assert.Equal(t, int64(2), in.Begin.Get("x"))
	assert.Equal(t, int64(4), in.End.Get("y"))

	disjoint := NewBBox(NewWith(dims, []int64{8, 8}), NewWith(dims, []int64{9, 9}))
	empty := bb.Intersect(disjoint)
	assert.True(t, empty.IsEmpty())
}

func TestBBoxVisitPoints(t *testing.T) {
	dims := []string{"x", "y"}
	bb := NewBBox(NewWith(dims, []int64{1, 1}), NewWith(dims, []int64{3, 4}))
	var count int
	var last Tuple
	bb.VisitPoints(func(pt Tuple) bool {
		count++
		last = pt.Clone()
		return true
	})
	assert.Equal(t, 6, count)
	assert.Equal(t, int64(2), last.Get("x"))
	assert.Equal(t, int64(3), last.Get("y"))
}
