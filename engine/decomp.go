package engine

import (
	"github.com/luco2018/yask/comm"
	"github.com/luco2018/yask/types/errkind"
	"github.com/luco2018/yask/types/indices"
)

// neighbor is one adjacent rank in the Cartesian rank grid.
type neighbor struct {
	dir     indices.Tuple // offsets in {-1,0,+1} per domain dim, not all zero.
	dirIdx  int           // index of dir in the fixed 3^D enumeration.
	oppIdx  int           // index of the negated dir.
	rank    int           // linear rank of the neighbor.
}

// dirAt returns the i-th direction of the fixed {-1,0,+1}^D enumeration,
// counted like a base-3 odometer with the last dim fastest.
func dirAt(dims []string, i int) indices.Tuple {
	dir := indices.New(dims...)
	for d := len(dims) - 1; d >= 0; d-- {
		dir.SetAt(d, int64(i%3)-1)
		i /= 3
	}
	return dir
}

// dirIndexOf is the inverse of dirAt.
func dirIndexOf(dir indices.Tuple) int {
	idx := 0
	for d := 0; d < dir.NumDims(); d++ {
		idx = idx*3 + int(dir.At(d)+1)
	}
	return idx
}

// numDirs returns 3^D.
func numDirs(ndims int) int {
	n := 1
	for i := 0; i < ndims; i++ {
		n *= 3
	}
	return n
}

// setupRank computes this rank's place in the Cartesian rank grid: per-dim
// index, global domain offsets, overall domain size and the neighbor table.
// Rank r maps to per-dim indices row-major over the domain dims.
func (sol *Solution) setupRank() error {
	dims := sol.opts.Dims.Domain
	nr := sol.opts.NumRanks
	total := nr.Product()
	if int(total) != sol.env.NumRanks() {
		return errkind.Errorf(errkind.ConfigInvalid,
			"product of num_ranks (%s) is %d but the process group has %d ranks",
			nr, total, sol.env.NumRanks())
	}

	rank := int64(sol.env.RankIndex())
	sol.rankIdx = indices.New(dims...)
	for d := len(dims) - 1; d >= 0; d-- {
		sol.rankIdx.SetAt(d, rank%nr.At(d))
		rank /= nr.At(d)
	}

	sol.rankOffsets = sol.rankIdx.Mul(sol.opts.RankDomainSize)
	sol.overallDomain = sol.opts.NumRanks.Mul(sol.opts.RankDomainSize)

	sol.neighbors = nil
	for i := 0; i < numDirs(len(dims)); i++ {
		dir := dirAt(dims, i)
		if allZero(dir) {
			continue
		}
		nIdx := sol.rankIdx.Add(dir)
		inGrid := true
		for d := 0; d < nIdx.NumDims(); d++ {
			if nIdx.At(d) < 0 || nIdx.At(d) >= nr.At(d) {
				inGrid = false
				break
			}
		}
		if !inGrid {
			continue
		}
		// Linearize the neighbor's per-dim index.
		var nRank int64
		for d := 0; d < nIdx.NumDims(); d++ {
			nRank = nRank*nr.At(d) + nIdx.At(d)
		}
		sol.neighbors = append(sol.neighbors, neighbor{
			dir:    dir,
			dirIdx: i,
			oppIdx: dirIndexOf(dir.MulVal(-1)),
			rank:   int(nRank),
		})
	}
	return nil
}

func allZero(t indices.Tuple) bool {
	for i := 0; i < t.NumDims(); i++ {
		if t.At(i) != 0 {
			return false
		}
	}
	return true
}

// hasNeighborOnSide reports whether any neighbor lies in the given signed
// direction (-1 or +1) of dim d.
func (sol *Solution) hasNeighborOnSide(d int, side int64) bool {
	for _, n := range sol.neighbors {
		if n.dir.At(d) == side {
			return true
		}
	}
	return false
}

// checkRankConsistency verifies that every value that must be identical
// across ranks actually is, comparing group-wide min and max.
func (sol *Solution) checkRankConsistency() error {
	c := sol.env.Comm()
	checks := []struct {
		what string
		val  int64
	}{
		{"number of domain dims", int64(len(sol.opts.Dims.Domain))},
		{"element bytes", int64(sol.opts.ElemBytes)},
		{"vector fold length", sol.opts.FoldLen},
		{"wave-front depth", sol.opts.WaveFrontDepth},
		{"number of packs", int64(len(sol.packs))},
	}
	for _, dim := range sol.opts.Dims.Domain {
		checks = append(checks,
			struct {
				what string
				val  int64
			}{"rank domain size in " + dim, sol.opts.RankDomainSize.Get(dim)},
			struct {
				what string
				val  int64
			}{"num ranks in " + dim, sol.opts.NumRanks.Get(dim)},
			struct {
				what string
				val  int64
			}{"region size in " + dim, sol.opts.RegionSize.Get(dim)},
		)
	}
	for _, ch := range checks {
		if err := comm.CheckEqualAcrossRanks(c, ch.val, ch.what); err != nil {
			return err
		}
	}
	return nil
}
