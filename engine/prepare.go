package engine

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/luco2018/yask/comm"
	"github.com/luco2018/yask/grids"
	"github.com/luco2018/yask/types/errkind"
	"github.com/luco2018/yask/types/indices"
)

// PrepareSolution freezes the configuration: it places this rank in the
// rank grid, computes the wave-front geometry, sizes and allocates every
// grid and exchange buffer, and checks cross-rank consistency. It is
// one-shot; all setters and grid/pack registration must precede it.
func (sol *Solution) PrepareSolution() error {
	if sol.prepared {
		return errkind.Errorf(errkind.ConfigInvalid, "PrepareSolution: already prepared")
	}
	if sol.ended {
		return errkind.Errorf(errkind.ConfigInvalid, "PrepareSolution: solution has ended")
	}
	if sol.opts.WaveFrontDepth < 1 {
		return errkind.Errorf(errkind.ConfigInvalid, "wave-front depth must be >= 1, got %d", sol.opts.WaveFrontDepth)
	}
	sol.foldLens = sol.opts.foldLens()
	sol.clusterLens = sol.opts.clusterLens()

	if err := sol.setupRank(); err != nil {
		return err
	}
	sol.computeWaveFront()
	for d, dim := range sol.opts.Dims.Domain {
		if sol.leftExts.At(d) > sol.opts.RankDomainSize.Get(dim) ||
			sol.rightExts.At(d) > sol.opts.RankDomainSize.Get(dim) {
			return errkind.Errorf(errkind.ConfigInvalid,
				"wave-front extension %d exceeds the rank domain size %d in dim %q; reduce -wave_front_depth",
				max(sol.leftExts.At(d), sol.rightExts.At(d)), sol.opts.RankDomainSize.Get(dim), dim)
		}
	}

	// Step ring depth: the largest temporal footprint of any bundle, or
	// the forced step allocation.
	depth := int64(1)
	sol.allBundles(func(_ *Pack, b Bundle) {
		off := b.Meta().StepOffset
		if off < 0 {
			off = -off
		}
		depth = max(depth, off+1)
	})
	if sol.opts.StepAlloc > 0 {
		depth = sol.opts.StepAlloc
	}
	sol.stepDepth = depth

	// Owned and extended iteration boxes.
	sol.rankBB = indices.NewBBox(sol.rankOffsets, sol.rankOffsets.Add(sol.opts.RankDomainSize))
	sol.rankBB.Update(true, sol.foldLens, sol.clusterLens)
	sol.extBB = sol.rankBB.Expand(sol.leftExts, sol.rightExts)
	sol.extBB.Update(true, sol.foldLens, sol.clusterLens)

	sol.opts.adjust(sol.extBB.Len)
	sol.pool.SetMaxParallelism(sol.opts.numAllThreads())

	if err := sol.checkRankConsistency(); err != nil {
		return err
	}

	if err := sol.sizeGrids(); err != nil {
		return err
	}
	sol.buildScratchGrids()

	if err := sol.allocateAll(); err != nil {
		return err
	}
	sol.buildXfers()
	if err := sol.computeWorkMetrics(); err != nil {
		return err
	}
	sol.printPrepareReport()

	sol.at.clear(!sol.opts.TunerEnabled, sol.opts.TunerVerbose)

	if err := sol.env.GlobalBarrier(); err != nil {
		return err
	}
	sol.prepared = true
	return nil
}

// sizeGrids applies domain sizes, offsets, halos and pads to every grid and
// freezes their layouts. Halos come from the bundles reading each grid,
// widened by the wave-front extensions so a single exchange at a group
// boundary covers all W sub-steps.
func (sol *Solution) sizeGrids() error {
	// Halo needed per grid handle, per dim, from bundle metadata.
	haloOf := make(map[int]indices.Tuple)
	sol.allBundles(func(_ *Pack, b Bundle) {
		meta := b.Meta()
		if !meta.HaloExt.IsValid() {
			return
		}
		for _, h := range meta.Inputs {
			if cur, ok := haloOf[h]; ok {
				haloOf[h] = cur.Max(meta.HaloExt)
			} else {
				haloOf[h] = meta.HaloExt.Clone()
			}
		}
	})

	for h, g := range sol.gridList {
		g.SetCheckBounds(sol.opts.CheckBounds)
		if g.IsFixedSize() {
			g.ComputeLayout()
			continue
		}
		if g.HasStepDim() {
			g.SetStepDepth(sol.stepDepth)
		}
		halo := haloOf[h]
		for d, dim := range sol.opts.Dims.Domain {
			if !g.HasDim(dim) {
				continue
			}
			g.SetDimSize(dim, sol.opts.RankDomainSize.Get(dim))
			g.SetFirstIndex(dim, sol.rankOffsets.Get(dim))
			g.SetMinPad(dim, sol.opts.MinPadSize.Get(dim))
			var hl, hr int64
			if halo.IsValid() {
				hl, hr = halo.Get(dim), halo.Get(dim)
			}
			g.SetHalo(dim, hl+sol.leftExts.At(d), hr+sol.rightExts.At(d))
		}
		g.ComputeLayout()
	}
	return nil
}

// buildScratchGrids creates one grid per (ScratchSpec, executor thread slot).
// A scratch grid covers one sub-block plus the spec's halo; its offsets are
// rebased to the active sub-block before each use.
func (sol *Solution) buildScratchGrids() {
	sol.scratchGrids = make(map[string][]*grids.Grid)
	numSlots := sol.opts.numRegionThreads() * max(sol.opts.NumBlockThreads, 1)
	sol.allBundles(func(_ *Pack, b Bundle) {
		for _, spec := range b.Meta().ScratchNeeded {
			if _, ok := sol.scratchGrids[spec.Name]; ok {
				continue
			}
			slots := make([]*grids.Grid, numSlots)
			for s := range slots {
				gdims := make([]grids.Dim, len(sol.opts.Dims.Domain))
				for i, dim := range sol.opts.Dims.Domain {
					gdims[i] = grids.Dim{Name: dim, Kind: grids.Domain}
				}
				g := grids.New(fmt.Sprintf("%s.%d", spec.Name, s), gdims,
					sol.opts.ElemBytes, sol.opts.FoldLen)
				g.SetFixedSize()
				g.SetNumaPref(sol.opts.NumaPref)
				for _, dim := range sol.opts.Dims.Domain {
					var halo int64
					if spec.Halo.IsValid() {
						halo = spec.Halo.Get(dim)
					}
					g.SetDimSize(dim, sol.opts.SubBlockSize.Get(dim)+2*halo)
				}
				g.ComputeLayout()
				slots[s] = g
			}
			sol.scratchGrids[spec.Name] = slots
		}
	})
}

// updateScratchGridInfo rebases the scratch grids of a thread slot so their
// domains cover the given sub-block begin (minus the spec halo).
func (sol *Solution) updateScratchGridInfo(slot int, subBlockBegin indices.Tuple) {
	for _, slots := range sol.scratchGrids {
		g := slots[slot]
		for _, dim := range sol.opts.Dims.Domain {
			halo := (g.DimSize(dim) - sol.opts.SubBlockSize.Get(dim)) / 2
			g.SetFirstIndex(dim, subBlockBegin.Get(dim)-halo)
		}
	}
}

// allocateAll performs the single grouped allocation pass over all grids and
// scratch grids and attaches the handed-out ranges.
func (sol *Solution) allocateAll() error {
	alloc := grids.NewAllocator()
	type pending struct {
		g   *grids.Grid
		res *grids.Reservation
	}
	var pend []pending
	request := func(g *grids.Grid) {
		if g.HasStorage() {
			return
		}
		pend = append(pend, pending{g, alloc.Request(g.NumaPref(), g.ElemBytes(), g.NumStorageElems())})
	}
	for _, g := range sol.gridList {
		request(g)
	}
	for _, slots := range sol.scratchGrids {
		for _, g := range slots {
			request(g)
		}
	}
	if len(pend) == 0 {
		return nil
	}
	if err := alloc.Commit(sol.debug); err != nil {
		return err
	}
	for _, p := range pend {
		p.g.AttachStorage(p.res.Storage())
	}
	return nil
}

// computeWorkMetrics derives the per-step work estimates used by GetStats,
// summed over all ranks.
func (sol *Solution) computeWorkMetrics() error {
	var rankWrites, rankFpOps int64
	sol.allBundles(func(_ *Pack, b Bundle) {
		meta := b.Meta()
		rankWrites += sol.rankBB.NumPoints * int64(len(meta.Outputs))
		rankFpOps += sol.rankBB.NumPoints * meta.EstFpOpsPerPoint
	})
	c := sol.env.Comm()
	var err error
	if sol.totWrites1t, err = c.Allreduce(comm.OpSum, rankWrites); err != nil {
		return err
	}
	if sol.totFpOps1t, err = c.Allreduce(comm.OpSum, rankFpOps); err != nil {
		return err
	}
	sol.totDomainPts = sol.overallDomain.Product()
	return nil
}

// printPrepareReport writes the human-readable setup summary to the debug
// stream.
func (sol *Solution) printPrepareReport() {
	w := sol.debug
	fmt.Fprintf(w, "Solution %q on rank %d of %d\n", sol.name, sol.env.RankIndex(), sol.env.NumRanks())
	fmt.Fprintf(w, " overall-domain:     %s\n", sol.overallDomain)
	fmt.Fprintf(w, " rank-domain:        %s at offsets %s\n", sol.opts.RankDomainSize, sol.rankOffsets)
	fmt.Fprintf(w, " region-size:        %s\n", sol.opts.RegionSize)
	fmt.Fprintf(w, " block-size:         %s\n", sol.opts.BlockSize)
	fmt.Fprintf(w, " sub-block-size:     %s\n", sol.opts.SubBlockSize)
	if sol.numWfShifts > 0 {
		fmt.Fprintf(w, " wave-front:         depth %d, angles %s, %d shifts\n",
			sol.opts.WaveFrontDepth, sol.wfAngles, sol.numWfShifts)
	}
	var bytes int64
	for _, g := range sol.gridList {
		bytes += g.NumStorageBytes()
	}
	fmt.Fprintf(w, " grids:              %d using %s\n", len(sol.gridList), humanize.IBytes(uint64(bytes)))
	fmt.Fprintf(w, " est-writes/step:    %s\n", humanize.SIWithDigits(float64(sol.totWrites1t), 2, ""))
	fmt.Fprintf(w, " est-FP-ops/step:    %s\n", humanize.SIWithDigits(float64(sol.totFpOps1t), 2, ""))
}
