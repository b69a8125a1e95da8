package grids

import (
	"bytes"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/luco2018/yask/types/errkind"
	"github.com/luco2018/yask/types/indices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDims() []Dim {
	return []Dim{
		{Name: "t", Kind: Step},
		{Name: "x", Kind: Domain},
		{Name: "y", Kind: Domain},
		{Name: "z", Kind: Domain},
	}
}

// makeGrid builds an 8x8x16 grid with halo 2 in every domain dim, step
// depth 4, fold 8, with storage attached.
func makeGrid(t *testing.T, elemBytes int) *Grid {
	g := New("pressure", testDims(), elemBytes, 8)
	g.SetStepDepth(4)
	for _, d := range []string{"x", "y"} {
		g.SetDimSize(d, 8)
		g.SetHalo(d, 2, 2)
	}
	g.SetDimSize("z", 16)
	g.SetHalo("z", 2, 2)
	g.ComputeLayout()

	alloc := NewAllocator()
	res := alloc.Request(NumaNone, elemBytes, g.NumStorageElems())
	require.NoError(t, alloc.Commit(nil))
	g.AttachStorage(res.Storage())
	return g
}

func TestReadWriteRoundTrip(t *testing.T) {
	for _, eb := range []int{4, 8} {
		g := makeGrid(t, eb)
		g.SetCheckBounds(true)

		// Every index within [first-halo, last+halo] per dim must round-trip.
		pt := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{3, -2, 9, 17})
		g.WritePoint(pt, 42.5)
		assert.Equal(t, 42.5, g.ReadPoint(pt), "elem bytes %d", eb)

		pt2 := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{0, 0, 0, 0})
		g.WritePoint(pt2, -1.25)
		assert.Equal(t, -1.25, g.ReadPoint(pt2))
	}
}

func TestOutOfRangePanicsInDebug(t *testing.T) {
	g := makeGrid(t, 8)
	g.SetCheckBounds(true)
	pt := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{0, -3, 0, 0})
	e := exceptions.Try(func() { g.ReadPoint(pt) })
	require.NotNil(t, e)
	err, ok := e.(error)
	require.True(t, ok)
	assert.True(t, errkind.IsKind(err, errkind.IndexOutOfRange))
}

func TestDirtyRing(t *testing.T) {
	g := makeGrid(t, 8)
	require.Equal(t, int64(4), g.StepDepth())

	// Writing step 5 on depth 4 sets exactly dirty[1].
	pt := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{5, 1, 1, 1})
	g.WritePoint(pt, 1)
	for slot := int64(0); slot < 4; slot++ {
		assert.Equal(t, slot == 1, g.IsDirty(slot), "slot %d", slot)
	}

	g.SetDirty(1, false)
	for slot := int64(0); slot < 4; slot++ {
		assert.False(t, g.IsDirty(slot))
	}
}

func TestVecAccess(t *testing.T) {
	g := makeGrid(t, 8)
	g.SetCheckBounds(true)
	pt := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{0, 2, 3, 0})
	src := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	g.WriteVec(pt, src)
	dst := make([]float64, 8)
	g.ReadVec(pt, dst)
	assert.Equal(t, src, dst)

	// Unaligned vector start must be rejected.
	bad := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{0, 2, 3, 3})
	e := exceptions.Try(func() { g.ReadVec(bad, dst) })
	require.NotNil(t, e)
}

func TestWriteRowLeavesDirtyUntouched(t *testing.T) {
	g := makeGrid(t, 8)
	pt := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{2, 0, 0, -2})
	g.WriteRow(pt, []float64{9, 9, 9})
	for slot := int64(0); slot < 4; slot++ {
		assert.False(t, g.IsDirty(slot), "halo unpack must not dirty slot %d", slot)
	}
	got := make([]float64, 3)
	g.ReadRow(pt, got)
	assert.Equal(t, []float64{9, 9, 9}, got)
}

func TestShareStorage(t *testing.T) {
	a := makeGrid(t, 8)
	b := New("pressure2", testDims(), 8, 8)
	b.SetStepDepth(4)
	for _, d := range []string{"x", "y"} {
		b.SetDimSize(d, 8)
		b.SetHalo(d, 2, 2)
	}
	b.SetDimSize("z", 16)
	b.SetHalo("z", 2, 2)
	b.ComputeLayout()
	require.NoError(t, b.ShareStorage(a))

	pt := indices.NewWith([]string{"t", "x", "y", "z"}, []int64{1, 4, 4, 8})
	a.WritePoint(pt, 7)
	assert.Equal(t, 7.0, b.ReadPoint(pt), "shared storage must alias")

	// Mismatched shape must fail.
	c := New("small", testDims(), 8, 8)
	c.SetStepDepth(4)
	for _, d := range []string{"x", "y", "z"} {
		c.SetDimSize(d, 4)
	}
	c.ComputeLayout()
	err := c.ShareStorage(a)
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.ShapeMismatch))
}

func TestForEachAndUpdate(t *testing.T) {
	g := makeGrid(t, 8)
	bb := g.OwnedBBox()
	bb.Update(true, indices.Tuple{}, indices.Tuple{})
	g.UpdatePointsIn(0, &bb, func(pt indices.Tuple, _ float64) float64 {
		return float64(pt.Get("x") + 2*pt.Get("y") + 3*pt.Get("z"))
	})
	var count int
	g.ForEachPointIn(0, &bb, func(pt indices.Tuple, v float64) {
		count++
		assert.Equal(t, float64(pt.Get("x")+2*pt.Get("y")+3*pt.Get("z")), v)
	})
	assert.Equal(t, 8*8*16, count)
}

func TestDimNameAccessors(t *testing.T) {
	dims := append(testDims(), Dim{Name: "v", Kind: Misc})
	g := New("state", dims, 8, 8)
	assert.Equal(t, []string{"t", "x", "y", "z", "v"}, g.DimNames())
	assert.Equal(t, []string{"x", "y", "z"}, g.DomainDimNames())
	assert.Equal(t, []string{"v"}, g.MiscDimNames())

	plain := makeGrid(t, 8)
	assert.Empty(t, plain.MiscDimNames())
}

func TestAllocatorGroups(t *testing.T) {
	alloc := NewAllocator()
	r1 := alloc.Request(NumaNone, 8, 1000)
	r2 := alloc.Request(NumaNone, 8, 500)
	r3 := alloc.Request(0, 8, 200)
	var report bytes.Buffer
	require.NoError(t, alloc.Commit(&report))

	assert.Len(t, r1.Storage().F64, 1000)
	assert.Len(t, r2.Storage().F64, 500)
	assert.Len(t, r3.Storage().F64, 200)
	assert.Contains(t, report.String(), "Allocating")

	// Ranges within a group must not overlap.
	r1.Storage().F64[999] = 1
	assert.Zero(t, r2.Storage().F64[0])

	// Requests after commit must fail.
	e := exceptions.Try(func() { alloc.Request(NumaNone, 8, 1) })
	require.NotNil(t, e)
}
