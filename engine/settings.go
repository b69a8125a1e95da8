// Package engine implements the execution core of one rank: the solution
// object and its API, domain decomposition, the hierarchical loop-nest
// executor, the wave-front time-skewing transform, the dirty-driven halo
// exchange protocol and the on-line block-size auto-tuner.
package engine

import (
	"runtime"

	"github.com/luco2018/yask/grids"
	"github.com/luco2018/yask/types/indices"
)

// Dims names the problem's dimensions: one step (time) dim and the ordered
// domain dims. Misc dims are per-grid and need no global declaration.
type Dims struct {
	Step   string
	Domain []string
}

// TunerParams are the knobs of the on-line auto-tuner search.
type TunerParams struct {
	WarmupSteps int64
	WarmupSecs  float64
	MinSteps    int64
	MinSecs     float64 // evaluate when either MinSteps or MinSecs is reached.
	MinStep     int64   // search ends when the radius halves below this.
	MaxRadius   int64
	MinPts      int64 // smallest block volume worth timing.
	MinBlks     int64 // smallest number of blocks per region worth timing.
}

// defaultTunerParams returns the stock search parameters.
func defaultTunerParams() TunerParams {
	return TunerParams{
		WarmupSteps: 100,
		WarmupSecs:  1.0,
		MinSteps:    50,
		MinSecs:     0.1,
		MinStep:     4,
		MaxRadius:   64,
		MinPts:      512, // 8^3.
		MinBlks:     4,
	}
}

// Settings holds every tunable of a solution. A Settings value is attached
// to one Solution; Copy supports the template-solution factory.
type Settings struct {
	Dims Dims

	// ElemBytes selects the grid element type: 4 or 8.
	ElemBytes int

	// FoldLen is the vector length in the unit-stride dim.
	FoldLen int64

	// ClusterLen is the number of folds fused into one unrolled unit.
	ClusterLen int64

	// Per-domain-dim sizes. Zero entries are derived at prepare time.
	RankDomainSize indices.Tuple
	MinPadSize     indices.Tuple
	RegionSize     indices.Tuple
	BlockSize      indices.Tuple
	SubBlockSize   indices.Tuple
	NumRanks       indices.Tuple

	// WaveFrontDepth is W: the number of temporal sub-steps executed per
	// outer step group.
	WaveFrontDepth int64

	// StepAlloc forces the step-dim ring depth; 0 derives it from the
	// registered bundles' temporal footprints.
	StepAlloc int64

	MaxThreads      int
	ThreadDivisor   int
	NumBlockThreads int

	EnableHaloExchange bool
	AllowVecExchange   bool

	NumaPref    int
	CheckBounds bool

	TunerEnabled bool
	TunerVerbose bool
	Tuner        TunerParams
}

// NewSettings returns defaults for the given dims.
func NewSettings(dims Dims) *Settings {
	s := &Settings{
		Dims:               dims,
		ElemBytes:          8,
		FoldLen:            8,
		ClusterLen:         1,
		WaveFrontDepth:     1,
		MaxThreads:         runtime.NumCPU(),
		ThreadDivisor:      1,
		NumBlockThreads:    1,
		EnableHaloExchange: true,
		AllowVecExchange:   true,
		NumaPref:           grids.NumaNone,
		Tuner:              defaultTunerParams(),
	}
	s.RankDomainSize = indices.NewLike(indices.New(dims.Domain...), 64)
	s.MinPadSize = indices.New(dims.Domain...)
	s.RegionSize = indices.New(dims.Domain...)
	s.BlockSize = indices.NewLike(indices.New(dims.Domain...), 32)
	s.SubBlockSize = indices.New(dims.Domain...)
	s.NumRanks = indices.NewLike(indices.New(dims.Domain...), 1)
	return s
}

// Copy returns a deep copy; grids and storage are never part of Settings.
func (s *Settings) Copy() *Settings {
	c := *s
	c.RankDomainSize = s.RankDomainSize.Clone()
	c.MinPadSize = s.MinPadSize.Clone()
	c.RegionSize = s.RegionSize.Clone()
	c.BlockSize = s.BlockSize.Clone()
	c.SubBlockSize = s.SubBlockSize.Clone()
	c.NumRanks = s.NumRanks.Clone()
	return &c
}

// foldLens returns the per-dim vector fold: FoldLen in the unit-stride
// (last domain) dim, 1 elsewhere.
func (s *Settings) foldLens() indices.Tuple {
	t := indices.NewLike(indices.New(s.Dims.Domain...), 1)
	if n := len(s.Dims.Domain); n > 0 {
		t.SetAt(n-1, max(s.FoldLen, 1))
	}
	return t
}

// clusterLens returns the per-dim cluster multiple.
func (s *Settings) clusterLens() indices.Tuple {
	t := s.foldLens()
	if n := len(s.Dims.Domain); n > 0 && s.ClusterLen > 1 {
		t.SetAt(n-1, t.At(n-1)*s.ClusterLen)
	}
	return t
}

// numAllThreads returns the total compute-thread budget: the pool's soft
// capacity shared by both team levels.
func (s *Settings) numAllThreads() int {
	return max(s.MaxThreads/max(s.ThreadDivisor, 1), 1)
}

// numRegionThreads returns the outer-team size.
func (s *Settings) numRegionThreads() int {
	nt := s.MaxThreads / max(s.ThreadDivisor, 1) / max(s.NumBlockThreads, 1)
	return max(nt, 1)
}

// adjust derives the zero-valued loop sizes from extLen (the extended rank
// domain) and rounds every level up to a multiple of the level below:
// sub-block to the cluster, block to the sub-block, region to the block.
// Called at prepare time and again whenever the tuner installs a new block
// size; never mid-step.
func (s *Settings) adjust(extLen indices.Tuple) {
	clusters := s.clusterLens()
	for i, dim := range s.Dims.Domain {
		ext := extLen.Get(dim)

		sb := s.SubBlockSize.At(i)
		blk := s.BlockSize.At(i)
		if blk <= 0 {
			blk = ext
		}
		blk = min(blk, ext)
		if sb <= 0 || sb > blk {
			sb = blk
		}
		sb = indices.RoundUp(sb, clusters.At(i))
		blk = indices.RoundUp(blk, sb)

		rg := s.RegionSize.At(i)
		if rg <= 0 || rg > ext {
			rg = ext
		}
		rg = indices.RoundUp(rg, blk)

		s.SubBlockSize.SetAt(i, sb)
		s.BlockSize.SetAt(i, blk)
		s.RegionSize.SetAt(i, rg)
	}
}
