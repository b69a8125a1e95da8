// Package grids implements the padded, aligned multi-dimensional arrays the
// engine computes on, plus the grouped allocator that backs them.
//
// A Grid spans a subset of {step dim, domain dims, misc dims}. Domain dims
// carry left/right padding and halo bands; the step dim is a small circular
// buffer with one dirty bit per slot, used by the halo-exchange protocol to
// decide what must be sent to neighbor ranks.
package grids

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/luco2018/yask/types/errkind"
	"github.com/luco2018/yask/types/indices"
)

// Kind classifies a grid dimension.
type Kind int

const (
	// Step is the time dimension, stored as a circular buffer.
	Step Kind = iota
	// Domain dims are decomposed across ranks and carry pads and halos.
	Domain
	// Misc dims are small, dense, not decomposed and not padded.
	Misc
)

// Dim describes one dimension of a grid.
type Dim struct {
	Name string
	Kind Kind
}

// dimLayout holds the per-dim sizes that define the memory layout.
type dimLayout struct {
	Dim
	domainSize int64 // owned points (domain); ring depth (step); size (misc).
	padLeft    int64 // extra allocation below firstIdx, >= haloLeft.
	padRight   int64
	haloLeft   int64 // valid read band below firstIdx.
	haloRight  int64
	firstIdx   int64 // global index of first owned point (domain dims only).
	allocSize  int64
	stride     int64
}

// Grid is a named n-D array of float32 or float64 elements.
//
// A grid is created unsized; the engine sets domain sizes, halos and offsets,
// then calls ComputeLayout and attaches storage handed out by an Allocator.
type Grid struct {
	name      string
	dims      []dimLayout
	elemBytes int   // 4 or 8.
	foldLen   int64 // vector length of the unit-stride dim.

	flat32 []float32
	flat64 []float64

	dirty []bool // one bit per step slot; nil when there is no step dim.

	// checkBounds enables the debug range check on every access.
	checkBounds bool

	fixedSize bool // sizes set at creation; not decomposed.
	numaPref  int
	layoutOK  bool
}

// New returns an unsized grid over the given dims.
// elemBytes must be 4 or 8. foldLen is the vector length applied to the
// unit-stride (last domain) dim.
func New(name string, dims []Dim, elemBytes int, foldLen int64) *Grid {
	if elemBytes != 4 && elemBytes != 8 {
		exceptions.Panicf("grids.New(%q): element bytes must be 4 or 8, got %d", name, elemBytes)
	}
	if foldLen < 1 {
		foldLen = 1
	}
	g := &Grid{name: name, elemBytes: elemBytes, foldLen: foldLen}
	g.dims = make([]dimLayout, len(dims))
	for i, d := range dims {
		g.dims[i].Dim = d
		g.dims[i].domainSize = 1
	}
	return g
}

// Name returns the grid name.
func (g *Grid) Name() string { return g.name }

// ElemBytes returns the element size in bytes (4 or 8).
func (g *Grid) ElemBytes() int { return g.elemBytes }

// NumDims returns the number of dims, including step and misc dims.
func (g *Grid) NumDims() int { return len(g.dims) }

// DimNames returns the dim names in layout order.
func (g *Grid) DimNames() []string {
	names := make([]string, len(g.dims))
	for i := range g.dims {
		names[i] = g.dims[i].Name
	}
	return names
}

// DomainDimNames returns the names of the domain dims in layout order.
func (g *Grid) DomainDimNames() []string {
	var names []string
	for i := range g.dims {
		if g.dims[i].Kind == Domain {
			names = append(names, g.dims[i].Name)
		}
	}
	return names
}

// MiscDimNames returns the names of the misc dims in layout order.
func (g *Grid) MiscDimNames() []string {
	var names []string
	for i := range g.dims {
		if g.dims[i].Kind == Misc {
			names = append(names, g.dims[i].Name)
		}
	}
	return names
}

// HasStepDim reports whether the grid has a step dim.
func (g *Grid) HasStepDim() bool {
	for i := range g.dims {
		if g.dims[i].Kind == Step {
			return true
		}
	}
	return false
}

// HasDim reports whether the grid spans the named dim.
func (g *Grid) HasDim(name string) bool { return g.dimIndex(name) >= 0 }

// SetFixedSize marks the grid as fixed-size: its domain dims are not
// decomposed across ranks and never receive wave-front extensions.
func (g *Grid) SetFixedSize() { g.fixedSize = true }

// IsFixedSize reports whether the grid was created with fixed sizes.
func (g *Grid) IsFixedSize() bool { return g.fixedSize }

// SetNumaPref records the NUMA preference used when allocating storage.
func (g *Grid) SetNumaPref(pref int) { g.numaPref = pref }

// NumaPref returns the recorded NUMA preference.
func (g *Grid) NumaPref() int { return g.numaPref }

// SetCheckBounds enables or disables the per-access range check.
func (g *Grid) SetCheckBounds(on bool) { g.checkBounds = on }

func (g *Grid) dimIndex(name string) int {
	for i := range g.dims {
		if g.dims[i].Name == name {
			return i
		}
	}
	return -1
}

func (g *Grid) mustDim(name string) *dimLayout {
	i := g.dimIndex(name)
	if i < 0 {
		exceptions.Panicf("grid %q: unknown dim %q", g.name, name)
	}
	return &g.dims[i]
}

// SetDimSize sets the owned size of the named dim (domain or misc).
func (g *Grid) SetDimSize(name string, size int64) {
	if size <= 0 {
		exceptions.Panicf("grid %q: dim %q size must be positive, got %d", g.name, name, size)
	}
	g.mustDim(name).domainSize = size
	g.layoutOK = false
}

// DimSize returns the owned size of the named dim.
func (g *Grid) DimSize(name string) int64 { return g.mustDim(name).domainSize }

// SetStepDepth sets the ring depth of the step dim.
func (g *Grid) SetStepDepth(depth int64) {
	if depth < 1 {
		exceptions.Panicf("grid %q: step depth must be >= 1, got %d", g.name, depth)
	}
	for i := range g.dims {
		if g.dims[i].Kind == Step {
			g.dims[i].domainSize = depth
			g.layoutOK = false
			return
		}
	}
	exceptions.Panicf("grid %q: no step dim", g.name)
}

// StepDepth returns the ring depth of the step dim, or 1 if there is none.
func (g *Grid) StepDepth() int64 {
	for i := range g.dims {
		if g.dims[i].Kind == Step {
			return g.dims[i].domainSize
		}
	}
	return 1
}

// SetHalo sets the left/right halo of a domain dim.
func (g *Grid) SetHalo(name string, left, right int64) {
	d := g.mustDim(name)
	if d.Kind != Domain {
		exceptions.Panicf("grid %q: halo on non-domain dim %q", g.name, name)
	}
	d.haloLeft = max(d.haloLeft, left)
	d.haloRight = max(d.haloRight, right)
	g.layoutOK = false
}

// Halo returns the left and right halo of a domain dim.
func (g *Grid) Halo(name string) (left, right int64) {
	d := g.mustDim(name)
	return d.haloLeft, d.haloRight
}

// SetMinPad raises the minimum left/right pad of a domain dim.
// The effective pad is never below the halo.
func (g *Grid) SetMinPad(name string, pad int64) {
	d := g.mustDim(name)
	d.padLeft = max(d.padLeft, pad)
	d.padRight = max(d.padRight, pad)
	g.layoutOK = false
}

// SetFirstIndex sets the global index of the first owned point in a domain dim.
func (g *Grid) SetFirstIndex(name string, first int64) {
	g.mustDim(name).firstIdx = first
	g.layoutOK = false
}

// FirstIndex returns the global index of the first owned point in a domain dim.
func (g *Grid) FirstIndex(name string) int64 { return g.mustDim(name).firstIdx }

// LastIndex returns the global index of the last owned point in a domain dim.
func (g *Grid) LastIndex(name string) int64 {
	d := g.mustDim(name)
	return d.firstIdx + d.domainSize - 1
}

// ComputeLayout freezes pads and strides. Halo must not exceed pad, so the
// pad is raised to the halo first; the unit-stride dim's left pad is rounded
// up to the fold so the first owned point stays vector-aligned.
func (g *Grid) ComputeLayout() {
	unitStride := g.unitStrideDim()
	for i := range g.dims {
		d := &g.dims[i]
		switch d.Kind {
		case Domain:
			d.padLeft = max(d.padLeft, d.haloLeft)
			d.padRight = max(d.padRight, d.haloRight)
			if i == unitStride && g.foldLen > 1 {
				d.padLeft = indices.RoundUp(d.padLeft, g.foldLen)
				d.padRight = indices.RoundUp(d.padRight, g.foldLen)
			}
			d.allocSize = d.padLeft + d.domainSize + d.padRight
		default:
			d.allocSize = d.domainSize
		}
	}
	stride := int64(1)
	for i := len(g.dims) - 1; i >= 0; i-- {
		g.dims[i].stride = stride
		stride *= g.dims[i].allocSize
	}
	if g.HasStepDim() {
		depth := g.StepDepth()
		if int64(len(g.dirty)) != depth {
			g.dirty = make([]bool, depth)
		}
	}
	g.layoutOK = true
}

// unitStrideDim returns the index of the last domain dim, or -1.
func (g *Grid) unitStrideDim() int {
	for i := len(g.dims) - 1; i >= 0; i-- {
		if g.dims[i].Kind == Domain {
			return i
		}
	}
	return -1
}

// NumStorageElems returns the total elements required, valid after ComputeLayout.
func (g *Grid) NumStorageElems() int64 {
	if !g.layoutOK {
		exceptions.Panicf("grid %q: layout not computed", g.name)
	}
	n := int64(1)
	for i := range g.dims {
		n *= g.dims[i].allocSize
	}
	return n
}

// NumStorageBytes returns the total bytes required, valid after ComputeLayout.
func (g *Grid) NumStorageBytes() int64 {
	return g.NumStorageElems() * int64(g.elemBytes)
}

// HasStorage reports whether storage is attached.
func (g *Grid) HasStorage() bool { return g.flat32 != nil || g.flat64 != nil }

// AttachStorage attaches a flat storage range handed out by an Allocator.
func (g *Grid) AttachStorage(s Storage) {
	want := g.NumStorageElems()
	switch g.elemBytes {
	case 4:
		if int64(len(s.F32)) < want {
			exceptions.Panicf("grid %q: storage of %d elems < required %d", g.name, len(s.F32), want)
		}
		g.flat32 = s.F32[:want]
	case 8:
		if int64(len(s.F64)) < want {
			exceptions.Panicf("grid %q: storage of %d elems < required %d", g.name, len(s.F64), want)
		}
		g.flat64 = s.F64[:want]
	}
}

// ShareStorage adopts the storage of src. The dims, sizes, pads and element
// type must match exactly, otherwise a ShapeMismatch error is returned.
func (g *Grid) ShareStorage(src *Grid) error {
	if g.elemBytes != src.elemBytes {
		return errkind.Errorf(errkind.ShapeMismatch,
			"grid %q: element bytes %d != %d of source %q", g.name, g.elemBytes, src.elemBytes, src.name)
	}
	if len(g.dims) != len(src.dims) {
		return errkind.Errorf(errkind.ShapeMismatch,
			"grid %q: %d dims != %d of source %q", g.name, len(g.dims), len(src.dims), src.name)
	}
	for i := range g.dims {
		a, b := &g.dims[i], &src.dims[i]
		if a.Name != b.Name || a.Kind != b.Kind || a.allocSize != b.allocSize ||
			a.domainSize != b.domainSize || a.padLeft != b.padLeft {
			return errkind.Errorf(errkind.ShapeMismatch,
				"grid %q: dim %q layout differs from source %q", g.name, a.Name, src.name)
		}
	}
	g.flat32 = src.flat32
	g.flat64 = src.flat64
	return nil
}

// offsetOf maps a logical point to a flat storage offset.
func (g *Grid) offsetOf(pt indices.Tuple) int64 {
	if pt.NumDims() != len(g.dims) {
		exceptions.Panicf("grid %q: point %s has %d dims, grid has %d", g.name, pt, pt.NumDims(), len(g.dims))
	}
	var ofs int64
	for i := range g.dims {
		d := &g.dims[i]
		x := pt.At(i)
		var local int64
		switch d.Kind {
		case Step:
			local = ((x % d.domainSize) + d.domainSize) % d.domainSize
		case Domain:
			local = x - d.firstIdx + d.padLeft
			if g.checkBounds {
				if x < d.firstIdx-d.haloLeft || x >= d.firstIdx+d.domainSize+d.haloRight {
					errkind.Panicf(errkind.IndexOutOfRange,
						"grid %q: index %d out of range [%d, %d] in dim %q",
						g.name, x, d.firstIdx-d.haloLeft, d.firstIdx+d.domainSize+d.haloRight-1, d.Name)
				}
			}
		case Misc:
			local = x
			if g.checkBounds && (x < 0 || x >= d.domainSize) {
				errkind.Panicf(errkind.IndexOutOfRange,
					"grid %q: index %d out of range [0, %d) in misc dim %q", g.name, x, d.domainSize, d.Name)
			}
		}
		ofs += local * d.stride
	}
	return ofs
}

// ReadPoint returns the value at pt. Out-of-range access panics with
// IndexOutOfRange when bounds checking is on, and is undefined otherwise.
func (g *Grid) ReadPoint(pt indices.Tuple) float64 {
	ofs := g.offsetOf(pt)
	if g.flat64 != nil {
		return g.flat64[ofs]
	}
	return float64(g.flat32[ofs])
}

// WritePoint stores v at pt and marks the step slot dirty.
func (g *Grid) WritePoint(pt indices.Tuple, v float64) {
	ofs := g.offsetOf(pt)
	if g.flat64 != nil {
		g.flat64[ofs] = v
	} else {
		g.flat32[ofs] = float32(v)
	}
	if g.dirty != nil {
		g.dirty[g.slotOfPoint(pt)] = true
	}
}

func (g *Grid) slotOfPoint(pt indices.Tuple) int64 {
	for i := range g.dims {
		if g.dims[i].Kind == Step {
			d := g.dims[i].domainSize
			return ((pt.At(i) % d) + d) % d
		}
	}
	return 0
}

// ReadVec copies len(dst) contiguous unit-stride elements starting at pt into
// dst. pt must be fold-aligned in the unit-stride dim.
func (g *Grid) ReadVec(pt indices.Tuple, dst []float64) {
	g.checkVecAccess(pt, int64(len(dst)))
	ofs := g.offsetOf(pt)
	if g.flat64 != nil {
		copy(dst, g.flat64[ofs:ofs+int64(len(dst))])
		return
	}
	for i := range dst {
		dst[i] = float64(g.flat32[ofs+int64(i)])
	}
}

// WriteVec stores len(src) contiguous unit-stride elements starting at pt
// and marks the step slot dirty. pt must be fold-aligned in the unit-stride dim.
func (g *Grid) WriteVec(pt indices.Tuple, src []float64) {
	g.checkVecAccess(pt, int64(len(src)))
	ofs := g.offsetOf(pt)
	if g.flat64 != nil {
		copy(g.flat64[ofs:ofs+int64(len(src))], src)
	} else {
		for i := range src {
			g.flat32[ofs+int64(i)] = float32(src[i])
		}
	}
	if g.dirty != nil {
		g.dirty[g.slotOfPoint(pt)] = true
	}
}

func (g *Grid) checkVecAccess(pt indices.Tuple, n int64) {
	if !g.checkBounds {
		return
	}
	us := g.unitStrideDim()
	if us < 0 {
		return
	}
	x := pt.At(us)
	if g.foldLen > 1 && x%g.foldLen != 0 {
		errkind.Panicf(errkind.IndexOutOfRange,
			"grid %q: vector access at %d not aligned to fold %d in dim %q",
			g.name, x, g.foldLen, g.dims[us].Name)
	}
	end := pt.Clone()
	end.SetAt(us, x+n-1)
	g.offsetOf(end) // range-checks the last element.
}

// ReadRow copies n contiguous unit-stride elements starting at pt into dst.
// Unlike ReadVec, pt need not be aligned; used by the halo pack/unpack paths.
func (g *Grid) ReadRow(pt indices.Tuple, dst []float64) {
	ofs := g.offsetOf(pt)
	if g.flat64 != nil {
		copy(dst, g.flat64[ofs:ofs+int64(len(dst))])
		return
	}
	for i := range dst {
		dst[i] = float64(g.flat32[ofs+int64(i)])
	}
}

// WriteRow stores len(src) contiguous unit-stride elements starting at pt,
// without touching the dirty bits: halo unpack must not re-dirty a slot.
func (g *Grid) WriteRow(pt indices.Tuple, src []float64) {
	ofs := g.offsetOf(pt)
	if g.flat64 != nil {
		copy(g.flat64[ofs:ofs+int64(len(src))], src)
		return
	}
	for i := range src {
		g.flat32[ofs+int64(i)] = float32(src[i])
	}
}

// IsDirty reports whether the given step slot is marked dirty.
func (g *Grid) IsDirty(slot int64) bool {
	if g.dirty == nil {
		return false
	}
	return g.dirty[slot]
}

// SetDirty sets or clears the dirty bit for one step slot.
func (g *Grid) SetDirty(slot int64, dirty bool) {
	if g.dirty == nil {
		return
	}
	g.dirty[slot] = dirty
}

// SlotOfStep maps a step index to its ring slot.
func (g *Grid) SlotOfStep(t int64) int64 {
	d := g.StepDepth()
	return ((t % d) + d) % d
}

// MarkStepDirty marks the slot of step t dirty.
func (g *Grid) MarkStepDirty(t int64) {
	if g.dirty != nil {
		g.dirty[g.SlotOfStep(t)] = true
	}
}

// domainPoint builds a full grid point from a step index and a tuple over
// the grid's domain dims.
func (g *Grid) domainPoint(step int64, dpt indices.Tuple) indices.Tuple {
	full := indices.New(g.DimNames()...)
	for i := range g.dims {
		switch g.dims[i].Kind {
		case Step:
			full.SetAt(i, step)
		case Domain:
			full.SetAt(i, dpt.Get(g.dims[i].Name))
		}
	}
	return full
}

// ForEachPointIn calls fn for every point of bb (over domain dims) at the
// given step, in row-major order.
func (g *Grid) ForEachPointIn(step int64, bb *indices.BBox, fn func(pt indices.Tuple, v float64)) {
	bb.VisitPoints(func(dpt indices.Tuple) bool {
		full := g.domainPoint(step, dpt)
		fn(dpt, g.ReadPoint(full))
		return true
	})
}

// UpdatePointsIn rewrites every point of bb at the given step with fn's result.
func (g *Grid) UpdatePointsIn(step int64, bb *indices.BBox, fn func(pt indices.Tuple, v float64) float64) {
	bb.VisitPoints(func(dpt indices.Tuple) bool {
		full := g.domainPoint(step, dpt)
		g.WritePoint(full, fn(dpt, g.ReadPoint(full)))
		return true
	})
}

// SetAll sets every allocated element (pads and halos included) to v.
func (g *Grid) SetAll(v float64) {
	if g.flat64 != nil {
		for i := range g.flat64 {
			g.flat64[i] = v
		}
		return
	}
	f := float32(v)
	for i := range g.flat32 {
		g.flat32[i] = f
	}
}

// SetInSeq fills the storage with a deterministic sequence derived from seed:
// element i gets seed*(i%1021+1), so the pattern repeats every 1021 elements.
func (g *Grid) SetInSeq(seed float64) {
	n := g.NumStorageElems()
	for i := int64(0); i < n; i++ {
		v := seed * float64(i%1021+1)
		if g.flat64 != nil {
			g.flat64[i] = v
		} else {
			g.flat32[i] = float32(v)
		}
	}
}

// CountMismatches compares the owned domain of g and ref at the given step
// and returns the number of points whose values differ by more than eps
// relative to max(|ref|, 1).
func (g *Grid) CountMismatches(ref *Grid, step int64, eps float64) int {
	bb := g.OwnedBBox()
	var n int
	g.ForEachPointIn(step, &bb, func(dpt indices.Tuple, v float64) {
		rv := ref.ReadPoint(ref.domainPoint(step, dpt))
		tol := eps * math.Max(math.Abs(rv), 1)
		if math.Abs(v-rv) > tol {
			n++
		}
	})
	return n
}

// OwnedBBox returns the box of owned points over the domain dims, un-updated.
func (g *Grid) OwnedBBox() indices.BBox {
	names := g.DomainDimNames()
	begin := indices.New(names...)
	end := indices.New(names...)
	for i, name := range names {
		d := g.mustDim(name)
		begin.SetAt(i, d.firstIdx)
		end.SetAt(i, d.firstIdx+d.domainSize)
	}
	return indices.NewBBox(begin, end)
}

// String pretty-prints the grid layout.
func (g *Grid) String() string {
	s := fmt.Sprintf("grid %q (", g.name)
	for i := range g.dims {
		if i > 0 {
			s += ", "
		}
		d := &g.dims[i]
		s += fmt.Sprintf("%s:%d", d.Name, d.domainSize)
		if d.Kind == Domain && (d.padLeft > 0 || d.padRight > 0) {
			s += fmt.Sprintf("+%d+%d", d.padLeft, d.padRight)
		}
	}
	return s + ")"
}
