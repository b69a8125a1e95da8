package indices

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// BBox is an n-D bounding box over domain dims: [Begin, End) per dim.
//
// A BBox is constructed invalid; Update computes the derived fields and sets
// Valid. After Update a box must be treated as immutable for the duration of
// a step.
type BBox struct {
	Begin Tuple // first indices.
	End   Tuple // one past last indices.

	// NumPoints counts the valid points within the box; it is at most Size.
	// Callers that walk a sparse sub-domain set it before Update; Update
	// with forceFull sets it to Size.
	NumPoints int64

	// Derived by Update.
	Len           Tuple // End - Begin per dim.
	Size          int64 // product of Len, >= NumPoints.
	IsFull        bool  // Size == NumPoints.
	IsAligned     bool  // each Begin is a multiple of the fold in that dim.
	IsClusterMult bool  // each Len is a multiple of the cluster in that dim.
	Valid         bool  // derived fields have been computed.
}

// NewBBox returns an invalid BBox spanning [begin, end).
func NewBBox(begin, end Tuple) BBox {
	begin.assertSameDims("NewBBox", end)
	return BBox{Begin: begin.Clone(), End: end.Clone()}
}

// Update computes Len, Size and the alignment flags, and marks the box valid.
// If forceFull, NumPoints is set to Size.
//
// foldLens and clusterLens give the vector fold and cluster multiple per dim;
// pass zero-valued tuples over the same dims to skip the alignment checks.
func (b *BBox) Update(forceFull bool, foldLens, clusterLens Tuple) {
	b.Len = b.End.Sub(b.Begin)
	b.Size = 1
	for i := 0; i < b.Len.NumDims(); i++ {
		if b.Len.At(i) < 0 {
			exceptions.Panicf("BBox.Update: negative length in dim %s: begin=%s end=%s",
				b.Len.DimName(i), b.Begin, b.End)
		}
		b.Size *= b.Len.At(i)
	}
	if forceFull {
		b.NumPoints = b.Size
	}
	if b.NumPoints > b.Size {
		exceptions.Panicf("BBox.Update: num points %d > size %d", b.NumPoints, b.Size)
	}
	b.IsFull = b.NumPoints == b.Size

	b.IsAligned = true
	if foldLens.IsValid() {
		for i := 0; i < b.Begin.NumDims(); i++ {
			f := foldLens.Get(b.Begin.DimName(i))
			if f > 1 && b.Begin.At(i)%f != 0 {
				b.IsAligned = false
				break
			}
		}
	}
	b.IsClusterMult = true
	if clusterLens.IsValid() {
		for i := 0; i < b.Len.NumDims(); i++ {
			c := clusterLens.Get(b.Len.DimName(i))
			if c > 1 && b.Len.At(i)%c != 0 {
				b.IsClusterMult = false
				break
			}
		}
	}
	b.Valid = true
}

// Contains reports whether pt falls inside [Begin, End) in every dim.
func (b *BBox) Contains(pt Tuple) bool {
	pt.assertSameDims("BBox.Contains", b.Begin)
	for i := 0; i < pt.NumDims(); i++ {
		if pt.At(i) < b.Begin.At(i) || pt.At(i) >= b.End.At(i) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether any dim has zero or negative extent.
func (b *BBox) IsEmpty() bool {
	for i := 0; i < b.Begin.NumDims(); i++ {
		if b.End.At(i) <= b.Begin.At(i) {
			return true
		}
	}
	return false
}

// Intersect returns the intersection of b and o as an un-updated box.
// The result may be empty.
func (b *BBox) Intersect(o BBox) BBox {
	begin := b.Begin.Max(o.Begin)
	end := b.End.Min(o.End)
	// Clamp so Len never goes negative on disjoint boxes.
	end = end.Max(begin)
	return BBox{Begin: begin, End: end}
}

// Expand returns b grown by left on the low side and right on the high side,
// as an un-updated box.
func (b *BBox) Expand(left, right Tuple) BBox {
	return BBox{Begin: b.Begin.Sub(left), End: b.End.Add(right)}
}

// String pretty-prints the box as "[x=0,y=0 ... x=8,y=8)".
func (b *BBox) String() string {
	return fmt.Sprintf("[%s ... %s)", b.Begin, b.End)
}

// VisitPoints calls fn for every point in the box, in row-major order with
// the last dim innermost. fn may return false to stop the walk early.
func (b *BBox) VisitPoints(fn func(pt Tuple) bool) {
	if b.IsEmpty() {
		return
	}
	pt := b.Begin.Clone()
	n := pt.NumDims()
	for {
		if !fn(pt) {
			return
		}
		// Odometer increment.
		d := n - 1
		for ; d >= 0; d-- {
			pt.SetAt(d, pt.At(d)+1)
			if pt.At(d) < b.End.At(d) {
				break
			}
			pt.SetAt(d, b.Begin.At(d))
		}
		if d < 0 {
			return
		}
	}
}
