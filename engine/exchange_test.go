package engine

import (
	"io"
	"sync"
	"testing"

	"github.com/luco2018/yask/comm"
	"github.com/luco2018/yask/types/indices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopBundle declares grids and halos but computes nothing; used to drive
// the exchange machinery directly.
type noopBundle struct{ meta BundleMeta }

func (b *noopBundle) Meta() *BundleMeta { return &b.meta }
func (b *noopBundle) Evaluate(*Solution, int64, *indices.BBox, int) {}

// prepTwoRank builds one prepared 2-rank solution per endpoint with an
// 8x8x8 rank domain split along x and a halo-1 stepped grid "u".
func prepTwoRank(t *testing.T, c comm.Comm, extraOpts string) *Solution {
	t.Helper()
	sol := NewSolution(NewEnv(c), "xtest", Dims{Step: "t", Domain: []string{"x", "y", "z"}})
	sol.SetDebugOutput(io.Discard)
	_, err := sol.ApplyCommandLineOptions("-rank_domain_size 8 -num_ranks_x 2 -fold_len 4 " + extraOpts)
	require.NoError(t, err)
	_, err = sol.NewGrid("u", []string{"t", "x", "y", "z"})
	require.NoError(t, err)
	h, err := sol.GridHandle("u")
	require.NoError(t, err)
	b := &noopBundle{meta: BundleMeta{
		Name:       "noop",
		Inputs:     []int{h},
		Outputs:    []int{h},
		HaloExt:    indices.NewWith([]string{"x", "y", "z"}, []int64{1, 1, 1}),
		StepOffset: -1,
	}}
	require.NoError(t, sol.AddPack("main", b))
	require.NoError(t, sol.PrepareSolution())
	return sol
}

// Dirty-bit lifecycle: a write at step 5 on a depth-4 ring sets exactly
// dirty[1]; a completed exchange clears it, and the halos agree on both
// sides of the rank boundary.
func TestDirtyLifecycleAndHaloAgreement(t *testing.T) {
	cs := comm.NewLocalGroup(2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			sol := prepTwoRank(t, cs[rank], "-step_alloc 4")
			u := sol.gridList[0]
			require.Equal(t, int64(4), u.StepDepth())

			bb := u.OwnedBBox()
			u.UpdatePointsIn(5, &bb, func(pt indices.Tuple, _ float64) float64 {
				return float64(1000*int64(rank+1) + pt.Get("x"))
			})
			for slot := int64(0); slot < 4; slot++ {
				assert.Equal(t, slot == 1, u.IsDirty(slot), "rank %d slot %d", rank, slot)
			}

			// Step 6 reads step 5; the exchange must cover it.
			sol.exchangeHalos(sol.packs[0], 6, 7)

			for slot := int64(0); slot < 4; slot++ {
				assert.False(t, u.IsDirty(slot), "rank %d slot %d must be clean", rank, slot)
			}

			// The halo now mirrors the neighbor's owned values.
			first, _ := sol.FirstRankDomainIndex("x")
			var haloX, wantOwner int64
			if rank == 0 {
				haloX, wantOwner = first+8, 2000 // rank 1's first column.
			} else {
				haloX, wantOwner = first-1, 1000 // rank 0's last column.
			}
			got := u.ReadPoint(indices.NewWith([]string{"t", "x", "y", "z"}, []int64{5, haloX, 4, 4}))
			assert.Equal(t, float64(wantOwner+haloX), got, "rank %d halo", rank)
		}(r)
	}
	wg.Wait()
}

// With the exchange disabled the protocol short-circuits: dirty bits stay.
func TestExchangeDisabled(t *testing.T) {
	cs := comm.NewLocalGroup(2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			sol := prepTwoRank(t, cs[rank], "-no-halo_exchange")
			u := sol.gridList[0]
			bb := u.OwnedBBox()
			u.UpdatePointsIn(0, &bb, func(indices.Tuple, float64) float64 { return 1 })
			sol.exchangeHalos(sol.packs[0], 1, 2)
			assert.True(t, u.IsDirty(0), "rank %d: disabled exchange must not clear dirty", rank)
		}(r)
	}
	wg.Wait()
}

func TestMarkGridsDirty(t *testing.T) {
	sol := NewSolution(NewEnv(nil), "mark", Dims{Step: "t", Domain: []string{"x", "y", "z"}})
	sol.SetDebugOutput(io.Discard)
	_, err := sol.ApplyCommandLineOptions("-rank_domain_size 8 -step_alloc 4")
	require.NoError(t, err)
	_, err = sol.NewGrid("u", []string{"t", "x", "y", "z"})
	require.NoError(t, err)
	h, _ := sol.GridHandle("u")
	b := &noopBundle{meta: BundleMeta{Name: "noop", Inputs: []int{h}, Outputs: []int{h},
		HaloExt: indices.New("x", "y", "z"), StepOffset: -1}}
	require.NoError(t, sol.AddPack("main", b))
	require.NoError(t, sol.PrepareSolution())

	u := sol.gridList[0]
	sol.markGridsDirty(sol.packs[0], 5, 7)
	assert.True(t, u.IsDirty(1)) // step 5.
	assert.True(t, u.IsDirty(2)) // step 6.
	assert.False(t, u.IsDirty(0))
	assert.False(t, u.IsDirty(3))
}
