package engine

import (
	"github.com/luco2018/yask/types/indices"
	"k8s.io/klog/v2"
)

// computeWaveFront derives the time-skewing geometry from the registered
// bundles and the wave-front depth W.
//
// The skew angle per shift in dim d is the largest halo any bundle reads in
// d, rounded up to the vector fold: moving the active box inward by that
// much per temporal sub-step keeps every dependency inside data already
// computed. One outer group of W > 1 steps crossing P packs needs
// W*P - 1 shifts, and W == 1 needs none; the total shift is added to the
// rank box on each side,
// except at global boundaries, where there is no neighbor to supply the
// extension and the consuming bundle defines the boundary values.
func (sol *Solution) computeWaveFront() {
	dims := sol.opts.Dims.Domain
	sol.maxHalos = indices.New(dims...)
	sol.allBundles(func(_ *Pack, b Bundle) {
		meta := b.Meta()
		if meta.HaloExt.IsValid() {
			sol.maxHalos = sol.maxHalos.Max(meta.HaloExt)
		}
	})

	sol.wfAngles = sol.maxHalos.RoundUpMultiple(sol.foldLens)
	// Without temporal blocking the packs synchronize through the
	// per-pack exchange and full-rank sweeps, so no skew is needed.
	w := max(sol.opts.WaveFrontDepth, 1)
	if w == 1 {
		sol.numWfShifts = 0
	} else {
		sol.numWfShifts = max(w*int64(len(sol.packs))-1, 0)
	}
	sol.wfShifts = sol.wfAngles.MulVal(sol.numWfShifts)

	sol.leftExts = indices.New(dims...)
	sol.rightExts = indices.New(dims...)
	for d := range dims {
		if sol.wfAngles.At(d) == 0 {
			continue // a zero-angle dim contributes no extension.
		}
		if sol.hasNeighborOnSide(d, -1) {
			sol.leftExts.SetAt(d, sol.wfShifts.At(d))
		}
		if sol.hasNeighborOnSide(d, +1) {
			sol.rightExts.SetAt(d, sol.wfShifts.At(d))
		}
	}
	if sol.numWfShifts > 0 {
		klog.V(1).Infof("engine: wave-front angles %s, %d shifts, exts left %s right %s",
			sol.wfAngles, sol.numWfShifts, sol.leftExts, sol.rightExts)
	}
}

// shiftedBox returns the allowed compute box for shift ordinal s in
// [0, numWfShifts]: the rank box expanded per side by the remaining shift
// budget (ext - angle*s, floored at zero). Ordinal 0 is the widest box; the
// final ordinal is exactly the rank box, so owned points always end the
// group fully updated.
func (sol *Solution) shiftedBox(s int64) indices.BBox {
	left := sol.leftExts.Sub(sol.wfAngles.MulVal(s)).Max(indices.NewLike(sol.leftExts, 0))
	right := sol.rightExts.Sub(sol.wfAngles.MulVal(s)).Max(indices.NewLike(sol.rightExts, 0))
	return sol.rankBB.Expand(left, right)
}
