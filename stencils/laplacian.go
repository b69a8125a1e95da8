// Package stencils provides concrete stencil bundles for drivers and tests.
// Real deployments generate bundles from a stencil compiler; these
// hand-written ones follow the same contract: declared inputs, outputs,
// halos and step offset, plus an Evaluate that touches nothing else.
package stencils

import (
	"github.com/luco2018/yask/engine"
	"github.com/luco2018/yask/grids"
	"github.com/luco2018/yask/types/indices"
)

// laplacian computes u(t) = u(t-1) + coef * lap(u(t-1)) over all domain
// dims, with out-of-domain reads clamped to the boundary value.
type laplacian struct {
	meta engine.BundleMeta
	grid int
	coef float64
}

// NewLaplacian builds the diffusion bundle over the named grid.
func NewLaplacian(sol *engine.Solution, gridName string, coef float64) (engine.Bundle, error) {
	h, err := sol.GridHandle(gridName)
	if err != nil {
		return nil, err
	}
	dims := sol.DomainDimNames()
	halo := indices.NewLike(indices.New(dims...), 1)
	return &laplacian{
		meta: engine.BundleMeta{
			Name:             "laplacian(" + gridName + ")",
			Inputs:           []int{h},
			Outputs:          []int{h},
			HaloExt:          halo,
			StepOffset:       -1,
			EstFpOpsPerPoint: int64(2*len(dims)) + 3,
		},
		grid: h,
		coef: coef,
	}, nil
}

func (b *laplacian) Meta() *engine.BundleMeta { return &b.meta }

// gridPoint builds a full grid index from a step and a domain point.
func gridPoint(g *grids.Grid, stepDim string, step int64, dpt indices.Tuple) indices.Tuple {
	names := g.DimNames()
	pt := indices.New(names...)
	for i, n := range names {
		if n == stepDim {
			pt.SetAt(i, step)
		} else {
			pt.SetAt(i, dpt.Get(n))
		}
	}
	return pt
}

// Evaluate walks the sub-block row by row along the unit-stride dim, reading
// each needed source row once and writing one destination row per pass.
func (b *laplacian) Evaluate(sol *engine.Solution, step int64, box *indices.BBox, _ int) {
	g := sol.GridByHandle(b.grid)
	stepDim := sol.StepDimName()
	src := step + b.meta.StepOffset

	dims := box.Begin.Dims()
	last := len(dims) - 1
	zb, ze := box.Begin.At(last), box.End.At(last)
	n := ze - zb
	if n <= 0 {
		return
	}
	overall := make([]int64, len(dims))
	for i, d := range dims {
		overall[i], _ = sol.OverallDomainSize(d)
	}

	// Row buffers: center with one-element fringe in z, one per side dim.
	cext := make([]float64, n+2)
	side := make([]float64, n)
	dst := make([]float64, n)

	// Collapse the unit-stride dim to visit rows.
	rowEnd := box.End.Clone()
	rowEnd.SetAt(last, zb+1)
	rows := indices.NewBBox(box.Begin, rowEnd)

	rows.VisitPoints(func(dpt indices.Tuple) bool {
		// Center row with z fringe, clamped at the global z edges.
		start := dpt.Clone()
		start.SetAt(last, zb-1)
		g.ReadRow(gridPoint(g, stepDim, src, start), cext)
		if zb-1 < 0 {
			cext[0] = cext[1]
		}
		if ze+1 > overall[last] {
			cext[n+1] = cext[n]
		}

		for i := int64(0); i < n; i++ {
			dst[i] = cext[i] + cext[i+2] - 2*float64(last+1)*cext[i+1]
		}

		// Side rows in the non-unit-stride dims, clamped at global edges.
		rowStart := dpt.Clone()
		rowStart.SetAt(last, zb)
		for d := 0; d < last; d++ {
			for _, off := range []int64{-1, +1} {
				x := dpt.At(d) + off
				if x < 0 || x >= overall[d] {
					// Clamped to the boundary: the side row equals the center.
					for i := int64(0); i < n; i++ {
						dst[i] += cext[i+1]
					}
					continue
				}
				sp := rowStart.Clone()
				sp.SetAt(d, x)
				g.ReadRow(gridPoint(g, stepDim, src, sp), side)
				for i := int64(0); i < n; i++ {
					dst[i] += side[i]
				}
			}
		}

		for i := int64(0); i < n; i++ {
			dst[i] = cext[i+1] + b.coef*dst[i]
		}
		g.WriteRow(gridPoint(g, stepDim, step, rowStart), dst)
		return true
	})
}

// scale writes dst(t) = factor * src(t): a same-step, zero-halo bundle used
// as a second pack phase.
type scale struct {
	meta   engine.BundleMeta
	src    int
	dst    int
	factor float64
}

// NewScale builds the same-step scaling bundle.
func NewScale(sol *engine.Solution, srcName, dstName string, factor float64) (engine.Bundle, error) {
	sh, err := sol.GridHandle(srcName)
	if err != nil {
		return nil, err
	}
	dh, err := sol.GridHandle(dstName)
	if err != nil {
		return nil, err
	}
	dims := sol.DomainDimNames()
	return &scale{
		meta: engine.BundleMeta{
			Name:             "scale(" + dstName + ")",
			Inputs:           []int{sh},
			Outputs:          []int{dh},
			HaloExt:          indices.New(dims...),
			StepOffset:       0,
			EstFpOpsPerPoint: 1,
		},
		src:    sh,
		dst:    dh,
		factor: factor,
	}, nil
}

func (b *scale) Meta() *engine.BundleMeta { return &b.meta }

func (b *scale) Evaluate(sol *engine.Solution, step int64, box *indices.BBox, _ int) {
	src := sol.GridByHandle(b.src)
	dst := sol.GridByHandle(b.dst)
	stepDim := sol.StepDimName()

	dims := box.Begin.Dims()
	last := len(dims) - 1
	zb, ze := box.Begin.At(last), box.End.At(last)
	n := ze - zb
	if n <= 0 {
		return
	}
	row := make([]float64, n)

	rowEnd := box.End.Clone()
	rowEnd.SetAt(last, zb+1)
	rows := indices.NewBBox(box.Begin, rowEnd)
	rows.VisitPoints(func(dpt indices.Tuple) bool {
		src.ReadRow(gridPoint(src, stepDim, step, dpt), row)
		for i := range row {
			row[i] *= b.factor
		}
		dst.WriteRow(gridPoint(dst, stepDim, step, dpt), row)
		return true
	})
}
