package engine

import (
	"io"
	"testing"

	"github.com/luco2018/yask/types/indices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prepTunerSolution builds a prepared single-rank solution whose tuner can
// be driven with synthetic timings.
func prepTunerSolution(t *testing.T) *Solution {
	t.Helper()
	sol := NewSolution(NewEnv(nil), "tuned", Dims{Step: "t", Domain: []string{"x", "y", "z"}})
	sol.SetDebugOutput(io.Discard)
	_, err := sol.ApplyCommandLineOptions(
		"-rank_domain_size 64 -block_size 32 -fold_len 4 " +
			"-at_warmup_steps 1 -at_min_steps 1 -at_max_radius 16 -at_min_step 2 -at_min_pts 64 -at_min_blks 1")
	require.NoError(t, err)
	_, err = sol.NewGrid("u", []string{"t", "x", "y", "z"})
	require.NoError(t, err)
	h, _ := sol.GridHandle("u")
	b := &noopBundle{meta: BundleMeta{Name: "noop", Inputs: []int{h}, Outputs: []int{h},
		HaloExt: indices.New("x", "y", "z"), StepOffset: -1}}
	require.NoError(t, sol.AddPack("main", b))
	require.NoError(t, sol.PrepareSolution())
	return sol
}

// syntheticSecs pretends blocks near 16^3 are fastest.
func syntheticSecs(block indices.Tuple) float64 {
	var cost float64 = 1
	for i := 0; i < block.NumDims(); i++ {
		d := float64(block.At(i) - 16)
		cost += d * d
	}
	return cost / 1e6
}

func TestAutoTunerStateMachine(t *testing.T) {
	sol := prepTunerSolution(t)
	at := sol.at
	at.clear(false, false)
	require.True(t, at.inWarmup)
	require.False(t, at.isDone())

	// First eval ends warmup without recording a result.
	at.eval(1, syntheticSecs(sol.opts.BlockSize))
	assert.False(t, at.inWarmup)
	assert.Empty(t, at.results)

	// Drive until convergence with deterministic synthetic timings.
	var lastBest float64
	for i := 0; i < 1000 && !at.isDone(); i++ {
		at.apply()
		at.eval(1, syntheticSecs(sol.opts.BlockSize))
		require.GreaterOrEqual(t, at.bestRate, lastBest, "best rate must be non-decreasing")
		lastBest = at.bestRate
	}
	require.True(t, at.isDone(), "search must converge")
	assert.Greater(t, len(at.results), 1, "tuner must try several candidates")
	assert.Greater(t, at.bestRate, 0.0)

	// The synthetic optimum pulls the best block toward 16^3.
	best := at.bestBlock
	assert.GreaterOrEqual(t, at.results[best.Key()], at.results[indices.NewWith([]string{"x", "y", "z"}, []int64{32, 32, 32}).Key()])

	// Once done, eval never resurrects the search.
	at.apply()
	at.eval(1, 1e-9)
	assert.True(t, at.isDone())
}

func TestAutoTunerSkipsInvalidCandidates(t *testing.T) {
	sol := prepTunerSolution(t)
	// Radius 64 around 32 reaches 96 (past the 64-region) and -32 (below one
	// cluster) in every dim.
	sol.opts.Tuner.MaxRadius = 64
	at := sol.at
	at.clear(false, false)
	at.eval(1, 1e-3) // end warmup.
	at.eval(1, 1e-3) // first measurement, search starts.

	for i := 0; i < 1000 && !at.isDone(); i++ {
		at.apply()
		at.eval(1, 1e-3)
	}
	require.True(t, at.isDone())
	// Small and oversized candidates must have been counted, not timed.
	assert.Positive(t, at.n2big, "candidates past the region must be counted as too big")
	assert.Positive(t, at.n2small, "candidates below one cluster must be counted as too small")
	for key := range at.results {
		assert.NotContains(t, key, "-", "negative block sizes must never be timed")
	}
}

func TestResetAutoTuner(t *testing.T) {
	sol := prepTunerSolution(t)
	sol.ResetAutoTuner(false, false)
	assert.False(t, sol.IsAutoTunerEnabled())
	sol.ResetAutoTuner(true, false)
	assert.True(t, sol.IsAutoTunerEnabled())

	// Disabled tuner keeps the block size fixed.
	sol.ResetAutoTuner(false, false)
	before := sol.opts.BlockSize.Clone()
	sol.at.eval(100, 1e-3)
	sol.at.apply()
	assert.True(t, before.Equal(sol.opts.BlockSize))
}
