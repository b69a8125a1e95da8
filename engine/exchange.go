package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/luco2018/yask/comm"
	"github.com/luco2018/yask/grids"
	"github.com/luco2018/yask/types/indices"
	"k8s.io/klog/v2"
)

// xferSide is the buffer pair for one (grid, neighbor) face.
type xferSide struct {
	nbr neighbor

	// sendBox is the owned slab the neighbor mirrors as its halo;
	// recvBox is our halo slab filled from the neighbor. Both span the
	// grid's domain dims.
	sendBox indices.BBox
	recvBox indices.BBox

	// slabElems is the face size; the buffers hold one slab per step slot
	// so several slots can be in flight under wave-fronts.
	slabElems int64
	sendBuf   []float64
	recvBuf   []float64
}

// gridXfer holds the exchange state of one grid.
type gridXfer struct {
	handle int
	g      *grids.Grid
	sides  []*xferSide
}

// buildXfers creates the per-(grid, neighbor-direction) buffer registry.
// Only stepped, decomposed grids spanning exactly the step + domain dims
// participate; parameter grids without a step dim never become dirty.
func (sol *Solution) buildXfers() {
	sol.xfers = nil
	if len(sol.neighbors) == 0 {
		return
	}
	for h, g := range sol.gridList {
		if g.IsFixedSize() || !g.HasStepDim() || len(g.DomainDimNames()) == 0 {
			continue
		}
		if g.NumDims() != len(g.DomainDimNames())+1 {
			klog.Warningf("engine: grid %q spans misc dims and is not exchanged", g.Name())
			continue
		}
		xf := &gridXfer{handle: h, g: g}
		for _, nbr := range sol.neighbors {
			side := sol.buildSide(g, nbr)
			if side != nil {
				xf.sides = append(xf.sides, side)
			}
		}
		if len(xf.sides) > 0 {
			sol.xfers = append(sol.xfers, xf)
		}
	}
}

// buildSide computes the face boxes for one neighbor, or nil when the grid
// has no halo overlap in that direction.
func (sol *Solution) buildSide(g *grids.Grid, nbr neighbor) *xferSide {
	// A grid missing a decomposed dim cannot mirror a face in it.
	for _, dim := range sol.opts.Dims.Domain {
		if !g.HasDim(dim) && nbr.dir.Get(dim) != 0 {
			return nil
		}
	}
	dims := g.DomainDimNames()
	sBegin, sEnd := indices.New(dims...), indices.New(dims...)
	rBegin, rEnd := indices.New(dims...), indices.New(dims...)
	for i, dim := range dims {
		if !nbr.dir.Has(dim) {
			return nil
		}
		dir := nbr.dir.Get(dim)
		first, last := g.FirstIndex(dim), g.LastIndex(dim)
		haloL, haloR := g.Halo(dim)
		switch dir {
		case -1:
			if haloL == 0 {
				return nil
			}
			sBegin.SetAt(i, first)
			sEnd.SetAt(i, first+haloL)
			rBegin.SetAt(i, first-haloL)
			rEnd.SetAt(i, first)
		case +1:
			if haloR == 0 {
				return nil
			}
			sBegin.SetAt(i, last+1-haloR)
			sEnd.SetAt(i, last+1)
			rBegin.SetAt(i, last+1)
			rEnd.SetAt(i, last+1+haloR)
		default:
			sBegin.SetAt(i, first)
			sEnd.SetAt(i, last+1)
			rBegin.SetAt(i, first)
			rEnd.SetAt(i, last+1)
		}
	}
	side := &xferSide{nbr: nbr}
	side.sendBox = indices.NewBBox(sBegin, sEnd)
	side.recvBox = indices.NewBBox(rBegin, rEnd)
	side.sendBox.Update(true, indices.Tuple{}, indices.Tuple{})
	side.recvBox.Update(true, indices.Tuple{}, indices.Tuple{})
	side.slabElems = side.sendBox.Size
	if side.slabElems == 0 {
		return nil
	}
	depth := g.StepDepth()
	side.sendBuf = make([]float64, side.slabElems*depth)
	side.recvBuf = make([]float64, side.slabElems*depth)
	return side
}

// slabFor returns the slot's view of a buffer.
func (side *xferSide) slabFor(buf []float64, slot int64) []float64 {
	return buf[slot*side.slabElems : (slot+1)*side.slabElems]
}

// xferTag builds the message tag: the sender names its grid handle, its own
// direction index and the step slot, so the receiver can match the face.
func (sol *Solution) xferTag(handle, dirIdx int, slot int64) int {
	nd := numDirs(len(sol.opts.Dims.Domain))
	return (handle*nd+dirIdx)*int(sol.stepDepth) + int(slot)
}

// packSlab copies box at step t into buf row by row along the unit-stride
// dim (the grid's native contiguous layout, so no conversion is needed);
// with vectorized exchange disabled it falls back to per-point copies.
func (sol *Solution) packSlab(g *grids.Grid, box *indices.BBox, t int64, buf []float64) {
	sol.copySlab(g, box, t, buf, true)
}

// unpackSlab is the inverse of packSlab, writing the halo without touching
// the dirty bits.
func (sol *Solution) unpackSlab(g *grids.Grid, box *indices.BBox, t int64, buf []float64) {
	sol.copySlab(g, box, t, buf, false)
}

func (sol *Solution) copySlab(g *grids.Grid, box *indices.BBox, t int64, buf []float64, read bool) {
	dims := box.Begin.Dims()
	last := len(dims) - 1
	rowLen := box.Len.At(last)
	gridDims := g.DimNames()

	fullPt := func(dpt indices.Tuple) indices.Tuple {
		pt := indices.New(gridDims...)
		for gi, gd := range gridDims {
			if gd == sol.opts.Dims.Step {
				pt.SetAt(gi, t)
			} else {
				pt.SetAt(gi, dpt.Get(gd))
			}
		}
		return pt
	}

	if sol.opts.AllowVecExchange && rowLen > 1 {
		// Row-wise transfer: collapse the unit-stride dim and copy whole rows.
		rowBoxEnd := box.End.Clone()
		rowBoxEnd.SetAt(last, box.Begin.At(last)+1)
		rowBox := indices.NewBBox(box.Begin, rowBoxEnd)
		var ofs int64
		rowBox.VisitPoints(func(dpt indices.Tuple) bool {
			pt := fullPt(dpt)
			if read {
				g.ReadRow(pt, buf[ofs:ofs+rowLen])
			} else {
				g.WriteRow(pt, buf[ofs:ofs+rowLen])
			}
			ofs += rowLen
			return true
		})
		return
	}
	var ofs int64
	box.VisitPoints(func(dpt indices.Tuple) bool {
		pt := fullPt(dpt)
		if read {
			buf[ofs] = g.ReadPoint(pt)
		} else {
			g.WriteRow(pt, buf[ofs:ofs+1])
		}
		ofs++
		return true
	})
}

// exchangeHalos runs the dirty-driven halo exchange for every grid read by
// 'pack' (or by any pack when pack is nil) at any step in [start, stop).
//
// Protocol per dirty (grid, step slot): post every non-blocking receive,
// pack and post every send, wait on all receives in any order and unpack,
// wait on all sends, then clear the slot's dirty bit. The exchange section
// is single-threaded by design.
func (sol *Solution) exchangeHalos(pack *Pack, start, stop int64) {
	if !sol.opts.EnableHaloExchange || len(sol.xfers) == 0 {
		return
	}
	t0 := time.Now()
	defer func() { sol.commTime += time.Since(t0) }()

	// Steps read per grid handle.
	readSteps := make(map[int]map[int64]bool)
	if pack != nil {
		pack.gridsReadBy(readSteps, start, stop)
	} else {
		for _, p := range sol.packs {
			p.gridsReadBy(readSteps, start, stop)
		}
	}

	c := sol.env.Comm()
	for _, xf := range sol.xfers {
		steps, ok := readSteps[xf.handle]
		if !ok {
			continue
		}
		for t := range steps {
			slot := xf.g.SlotOfStep(t)
			if !xf.g.IsDirty(slot) {
				continue
			}
			klog.V(2).Infof("engine: exchanging %s step %d (slot %d) over %d sides",
				xf.g.Name(), t, slot, len(xf.sides))

			recvReqs := make([]comm.Request, len(xf.sides))
			sendReqs := make([]comm.Request, len(xf.sides))
			for i, side := range xf.sides {
				recvReqs[i] = c.Irecv(side.nbr.rank,
					sol.xferTag(xf.handle, side.nbr.oppIdx, slot),
					side.slabFor(side.recvBuf, slot))
			}
			for i, side := range xf.sides {
				sol.packSlab(xf.g, &side.sendBox, t, side.slabFor(side.sendBuf, slot))
				sendReqs[i] = c.Isend(side.nbr.rank,
					sol.xferTag(xf.handle, side.nbr.dirIdx, slot),
					side.slabFor(side.sendBuf, slot))
			}
			for i, side := range xf.sides {
				if err := recvReqs[i].Wait(); err != nil {
					sol.fatalf("halo receive failed: %v", err)
				}
				sol.unpackSlab(xf.g, &side.recvBox, t, side.slabFor(side.recvBuf, slot))
			}
			for i := range xf.sides {
				if err := sendReqs[i].Wait(); err != nil {
					sol.fatalf("halo send failed: %v", err)
				}
			}
			xf.g.SetDirty(slot, false)
		}
	}
}

// markGridsDirty marks the output grids of 'pack' (or of every pack when
// nil) dirty for each step written in [start, stop).
func (sol *Solution) markGridsDirty(pack *Pack, start, stop int64) {
	mark := func(p *Pack) {
		for h := range p.gridsWrittenBy() {
			g := sol.gridList[h]
			for t := start; t < stop; t++ {
				g.MarkStepDirty(t)
			}
		}
	}
	if pack != nil {
		mark(pack)
		return
	}
	for _, p := range sol.packs {
		mark(p)
	}
}

// fatalf aborts the process: errors inside the run loop have no distributed
// rollback, so the rank prints to its debug stream and exits.
func (sol *Solution) fatalf(format string, args ...any) {
	fmt.Fprintf(sol.debug, "fatal: "+format+"\n", args...)
	klog.Errorf("engine: "+format, args...)
	os.Exit(1)
}
