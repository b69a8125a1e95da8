package engine

import (
	"github.com/luco2018/yask/types/indices"
	"k8s.io/klog/v2"
)

// The loop nest, outer to inner: rank -> region -> block -> sub-block ->
// cluster/vector. Regions traverse serially (the wave-front sweep depends on
// that order); blocks are the outer goroutine team; sub-blocks the nested
// team. Both teams draw from the solution's worker pool, whose soft cap is
// the thread budget; the two innermost levels live inside the bundle's
// compiled kernel.

// tileTotal returns the number of size-sized tiles covering box.
func tileTotal(box *indices.BBox, size indices.Tuple) int64 {
	total := int64(1)
	for i := 0; i < size.NumDims(); i++ {
		l := box.End.At(i) - box.Begin.At(i)
		if l <= 0 {
			return 0
		}
		total *= indices.DivUp(l, max(size.At(i), 1))
	}
	return total
}

// tileAt returns the idx-th tile of box in row-major order (last dim
// fastest), clamped to box.
func tileAt(box *indices.BBox, size indices.Tuple, idx int64) indices.BBox {
	begin := box.Begin.Clone()
	end := box.End.Clone()
	for i := size.NumDims() - 1; i >= 0; i-- {
		sz := max(size.At(i), 1)
		l := box.End.At(i) - box.Begin.At(i)
		n := indices.DivUp(l, sz)
		o := box.Begin.At(i) + (idx%n)*sz
		idx /= n
		begin.SetAt(i, o)
		end.SetAt(i, min(o+sz, box.End.At(i)))
	}
	return indices.BBox{Begin: begin, End: end}
}

// calcGroup evaluates one group of steps [start, stop) over the rank.
//
// With selPack set (no wave-fronts) only that pack runs, with no skew. With
// selPack nil every pack runs for every sub-step inside each region, the
// active box skewed inward by the angles once per (step, pack) ordinal; the
// serial lexicographic region sweep then satisfies all skewed dependencies.
// The base tiling extends past the high edge by the total shift so clamped
// columns still cover the final, unshifted rank box.
func (sol *Solution) calcGroup(selPack *Pack, start, stop int64) {
	baseBox := indices.NewBBox(sol.extBB.Begin, sol.extBB.End.Add(sol.wfShifts))
	numRegions := tileTotal(&baseBox, sol.opts.RegionSize)
	klog.V(2).Infof("engine: calc group [%d, %d) over %d regions", start, stop, numRegions)

	for r := int64(0); r < numRegions; r++ {
		regionBase := tileAt(&baseBox, sol.opts.RegionSize, r)
		for t := start; t < stop; t++ {
			if selPack != nil {
				sol.calcRegion(selPack, &regionBase, t, 0)
				continue
			}
			for pi, p := range sol.packs {
				s := (t-start)*int64(len(sol.packs)) + int64(pi)
				sol.calcRegion(p, &regionBase, t, s)
			}
		}
	}
}

// calcRegion evaluates one pack over one region column at shift ordinal s:
// the region base is slid inward by angles*s and clamped to the box valid at
// that ordinal, then tiled into blocks run by the outer team.
func (sol *Solution) calcRegion(pack *Pack, regionBase *indices.BBox, t int64, s int64) {
	shift := sol.wfAngles.MulVal(s)
	column := indices.BBox{
		Begin: regionBase.Begin.Sub(shift),
		End:   regionBase.End.Sub(shift),
	}
	allowed := sol.shiftedBox(s)
	box := column.Intersect(allowed)
	if box.IsEmpty() {
		return
	}
	numBlocks := tileTotal(&box, sol.opts.BlockSize)
	nrt := sol.opts.numRegionThreads()
	sol.pool.Team(nrt, numBlocks, func(worker int, bi int64) {
		blockBox := tileAt(&box, sol.opts.BlockSize, bi)
		sol.calcBlock(pack, &blockBox, t, worker)
	})
}

// calcBlock evaluates one pack over one block, tiling it into sub-blocks run
// by the nested team (enabled iff num_block_threads > 1). Bundles within a
// pack run in order on each sub-block; they write disjoint points inside a
// block by construction, so sub-blocks are independent.
func (sol *Solution) calcBlock(pack *Pack, blockBox *indices.BBox, t int64, regionWorker int) {
	numSubs := tileTotal(blockBox, sol.opts.SubBlockSize)
	nbt := max(sol.opts.NumBlockThreads, 1)
	sol.pool.Team(nbt, numSubs, func(blockWorker int, si int64) {
		sb := tileAt(blockBox, sol.opts.SubBlockSize, si)
		slot := regionWorker*nbt + blockWorker
		for _, b := range pack.Bundles {
			if len(b.Meta().ScratchNeeded) > 0 {
				sol.updateScratchGridInfo(slot, sb.Begin)
			}
			b.Evaluate(sol, t, &sb, slot)
		}
	})
}
