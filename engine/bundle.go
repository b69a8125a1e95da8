package engine

import (
	"github.com/luco2018/yask/types/indices"
)

// ScratchSpec asks the executor for one per-thread temporary grid over the
// domain dims, sized to a sub-block plus the given halo.
type ScratchSpec struct {
	Name string
	Halo indices.Tuple // over domain dims.
}

// BundleMeta is the static description of one compiled stencil bundle.
// Grids are referenced by the stable integer handles returned from
// Solution.GridHandle; the engine never holds bundle-internal pointers.
type BundleMeta struct {
	Name string

	// Inputs and Outputs are grid handles.
	Inputs  []int
	Outputs []int

	// HaloExt gives, per domain dim, how far the bundle reads beyond the
	// points it writes.
	HaloExt indices.Tuple

	// StepOffset is the step index of the inputs relative to the written
	// step: a bundle computing u(t) from u(t-1) has StepOffset -1.
	StepOffset int64

	// EstFpOpsPerPoint is the estimated floating-point work per written
	// point, used only for the throughput stats.
	EstFpOpsPerPoint int64

	// ScratchNeeded lists per-thread temporary grids.
	ScratchNeeded []ScratchSpec
}

// Bundle is one compiled stencil kernel. The engine treats Evaluate as
// opaque: it must touch only the declared grids, only inside box expanded by
// the declared halos, writing each point of box exactly once at the given
// step.
type Bundle interface {
	Meta() *BundleMeta

	// Evaluate computes the bundle over box (domain dims, [begin,end))
	// writing step values at 'step'. scratchSlot selects the per-thread
	// scratch grids (see Solution.ScratchGrid).
	Evaluate(sol *Solution, step int64, box *indices.BBox, scratchSlot int)
}

// Pack is an ordered group of bundles forming one phase of a step. Bundles
// in a pack write disjoint output points within any block; packs execute
// serially within a step and the engine never reorders them.
type Pack struct {
	Name    string
	Bundles []Bundle
}

// gridsReadBy collects, into dst, the step indices each grid handle is read
// at by any bundle of the pack over the written steps [start, stop): a
// bundle writing step t reads step t + StepOffset.
func (p *Pack) gridsReadBy(dst map[int]map[int64]bool, start, stop int64) {
	for _, b := range p.Bundles {
		meta := b.Meta()
		for t := start; t < stop; t++ {
			rs := t + meta.StepOffset
			for _, h := range meta.Inputs {
				if dst[h] == nil {
					dst[h] = make(map[int64]bool)
				}
				dst[h][rs] = true
			}
		}
	}
}

// gridsWrittenBy returns the set of grid handles written by the pack.
func (p *Pack) gridsWrittenBy() map[int]bool {
	set := make(map[int]bool)
	for _, b := range p.Bundles {
		for _, h := range b.Meta().Outputs {
			set[h] = true
		}
	}
	return set
}
