package engine_test

import (
	"io"
	"sync"
	"testing"

	"github.com/luco2018/yask/comm"
	"github.com/luco2018/yask/engine"
	"github.com/luco2018/yask/grids"
	"github.com/luco2018/yask/stencils"
	"github.com/luco2018/yask/types/errkind"
	"github.com/luco2018/yask/types/indices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dims3 = engine.Dims{Step: "t", Domain: []string{"x", "y", "z"}}

// buildDiffusion builds a prepared solution running u(t) = u(t-1) +
// 0.1*lap(u(t-1)) with the given extra options, and seeds step 0 with
// u = x + 2y + 3z over the owned domain.
func buildDiffusion(t *testing.T, c comm.Comm, opts string) (*engine.Solution, *grids.Grid) {
	t.Helper()
	sol := engine.NewSolution(engine.NewEnv(c), "diffusion", dims3)
	sol.SetDebugOutput(io.Discard)
	rest, err := sol.ApplyCommandLineOptions(opts)
	require.NoError(t, err)
	require.Empty(t, rest)

	u, err := sol.NewGrid("u", []string{"t", "x", "y", "z"})
	require.NoError(t, err)
	lap, err := stencils.NewLaplacian(sol, "u", 0.1)
	require.NoError(t, err)
	require.NoError(t, sol.AddPack("main", lap))
	require.NoError(t, sol.PrepareSolution())

	bb := u.OwnedBBox()
	u.UpdatePointsIn(0, &bb, func(pt indices.Tuple, _ float64) float64 {
		return float64(pt.Get("x") + 2*pt.Get("y") + 3*pt.Get("z"))
	})
	return sol, u
}

func readAt(g *grids.Grid, t, x, y, z int64) float64 {
	return g.ReadPoint(indices.NewWith([]string{"t", "x", "y", "z"}, []int64{t, x, y, z}))
}

// Scenario: 3-D Laplacian, 64^3, 1 rank, 10 steps. The seed is linear, so
// the Laplacian vanishes and interior points more than 10 cells from every
// face keep their closed-form value.
func TestDiffusionClosedForm(t *testing.T) {
	sol, u := buildDiffusion(t, nil, "-rank_domain_size 64")
	require.NoError(t, sol.RunSolution(1, 10))

	want := float64(32 + 2*32 + 3*32)
	assert.InDelta(t, want, readAt(u, 10, 32, 32, 32), 1e-4)

	stats := sol.GetStats()
	assert.Equal(t, int64(10), stats.NumStepsDone)
	assert.Equal(t, int64(64*64*64), stats.NumElements)

	// GetStats resets the counters.
	assert.Equal(t, int64(0), sol.GetStats().NumStepsDone)
}

// runRanks drives one solution per rank of an in-process group.
func runRanks(t *testing.T, n int, fn func(rank int, c comm.Comm)) {
	t.Helper()
	cs := comm.NewLocalGroup(n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			fn(r, cs[r])
		}(r)
	}
	wg.Wait()
}

// refValues runs the single-rank reference and captures step values over the
// whole domain.
func refValues(t *testing.T, opts string, steps int64) map[string]float64 {
	sol, u := buildDiffusion(t, nil, opts)
	require.NoError(t, sol.RunSolution(1, steps))
	vals := make(map[string]float64)
	bb := u.OwnedBBox()
	u.ForEachPointIn(steps, &bb, func(pt indices.Tuple, v float64) {
		vals[pt.Key()] = v
	})
	return vals
}

// Scenario: halo correctness with 2 ranks along x. With the exchange on,
// every owned point matches the single-rank reference exactly; with it off,
// rank 0's last column sees a zero halo and must differ.
func TestTwoRankHaloExchange(t *testing.T) {
	const steps = 1
	ref := refValues(t, "-rank_domain_size 64 -rank_domain_size_y 32 -rank_domain_size_z 32", steps)

	for _, enable := range []bool{true, false} {
		opts := "-rank_domain_size 32 -rank_domain_size_y 32 -rank_domain_size_z 32 -num_ranks_x 2"
		if !enable {
			opts += " -no-halo_exchange"
		}
		var mu sync.Mutex
		got := make(map[string]float64)
		runRanks(t, 2, func(rank int, c comm.Comm) {
			sol, u := buildDiffusion(t, c, opts)
			require.NoError(t, sol.RunSolution(1, steps))
			bb := u.OwnedBBox()
			u.ForEachPointIn(steps, &bb, func(pt indices.Tuple, v float64) {
				mu.Lock()
				got[pt.Key()] = v
				mu.Unlock()
			})
		})
		require.Len(t, got, len(ref))

		boundary := indices.NewWith([]string{"x", "y", "z"}, []int64{31, 16, 16})
		if enable {
			for k, v := range ref {
				assert.Equal(t, v, got[k], "point %s", k)
			}
		} else {
			assert.NotEqual(t, ref[boundary.Key()], got[boundary.Key()],
				"disabled exchange must corrupt the rank boundary")
		}
	}
}

// Scenario: wave-front equivalence. Depth 4 over 8 steps must match depth 1
// within tolerance, on a 2-rank split where the skewing actually engages.
func TestWaveFrontEquivalence(t *testing.T) {
	const steps = 8
	base := "-rank_domain_size 32 -rank_domain_size_y 16 -rank_domain_size_z 16 -num_ranks_x 2 -fold_len 4"

	results := map[int64]map[string]float64{}
	for _, depth := range []int64{1, 4} {
		var mu sync.Mutex
		got := make(map[string]float64)
		runRanks(t, 2, func(rank int, c comm.Comm) {
			sol, u := buildDiffusion(t, c, base+optDepth(depth))
			require.NoError(t, sol.RunSolution(1, steps))
			bb := u.OwnedBBox()
			u.ForEachPointIn(steps, &bb, func(pt indices.Tuple, v float64) {
				mu.Lock()
				got[pt.Key()] = v
				mu.Unlock()
			})
			require.NoError(t, sol.EndSolution())
		})
		results[depth] = got
	}
	require.Len(t, results[4], len(results[1]))
	for k, v1 := range results[1] {
		v4 := results[4][k]
		tol := 1e-3 * max(abs(v1), 1)
		assert.InDelta(t, v1, v4, tol, "point %s", k)
	}
}

func optDepth(d int64) string {
	if d == 1 {
		return ""
	}
	return " -wave_front_depth 4"
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Pack ordering: a second pack reading the first pack's same-step output
// must observe the finished values.
func TestPackOrdering(t *testing.T) {
	sol := engine.NewSolution(engine.NewEnv(nil), "packs", dims3)
	sol.SetDebugOutput(io.Discard)
	_, err := sol.ApplyCommandLineOptions("-rank_domain_size 16")
	require.NoError(t, err)

	u, err := sol.NewGrid("u", []string{"t", "x", "y", "z"})
	require.NoError(t, err)
	v, err := sol.NewGrid("v", []string{"t", "x", "y", "z"})
	require.NoError(t, err)

	lap, err := stencils.NewLaplacian(sol, "u", 0.1)
	require.NoError(t, err)
	sc, err := stencils.NewScale(sol, "u", "v", 2)
	require.NoError(t, err)
	require.NoError(t, sol.AddPack("diffuse", lap))
	require.NoError(t, sol.AddPack("derive", sc))
	require.NoError(t, sol.PrepareSolution())

	bb := u.OwnedBBox()
	u.UpdatePointsIn(0, &bb, func(pt indices.Tuple, _ float64) float64 {
		return float64(pt.Get("x") + pt.Get("y") + pt.Get("z"))
	})
	require.NoError(t, sol.RunSolution(1, 3))

	u.ForEachPointIn(3, &bb, func(pt indices.Tuple, uv float64) {
		vv := readAt(v, 3, pt.Get("x"), pt.Get("y"), pt.Get("z"))
		assert.InDelta(t, 2*uv, vv, 1e-12, "point %s", pt)
	})
}

// Scenario: auto-tuner convergence with fast search parameters.
func TestAutoTunerConvergence(t *testing.T) {
	sol, _ := buildDiffusion(t, nil,
		"-rank_domain_size 32 -block_size 16 "+
			"-at_warmup_steps 1 -at_min_steps 1 -at_max_radius 8 -at_min_step 2 -at_min_pts 64 -at_min_blks 1")
	sol.ResetAutoTuner(true, false)
	require.True(t, sol.IsAutoTunerEnabled())

	var step int64 = 1
	for i := 0; i < 500 && sol.IsAutoTunerEnabled(); i++ {
		require.NoError(t, sol.RunSolutionStep(step))
		step++
	}
	require.False(t, sol.IsAutoTunerEnabled(), "tuner must converge")

	best := sol.BestBlockSize()
	require.NoError(t, sol.RunSolutionStep(step))
	assert.True(t, best.Equal(sol.BestBlockSize()), "done implies a fixed best block")
	installed := sol.Settings().BlockSize.Clone()
	require.NoError(t, sol.RunSolutionStep(step + 1))
	assert.True(t, installed.Equal(sol.Settings().BlockSize), "done implies a fixed block size")
}

// Scenario: command-line parsing sets every domain dim and returns unused
// options untouched.
func TestApplyCommandLineOptions(t *testing.T) {
	sol := engine.NewSolution(engine.NewEnv(nil), "cli", dims3)
	rest, err := sol.ApplyCommandLineOptions("-block_size 32 -foo bar")
	require.NoError(t, err)
	assert.Equal(t, "-foo bar", rest)
	for _, d := range []string{"x", "y", "z"} {
		assert.Equal(t, int64(32), sol.BlockSize(d))
	}

	rest, err = sol.ApplyCommandLineOptions("-block_size_y 8")
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, int64(8), sol.BlockSize("y"))
	assert.Equal(t, int64(32), sol.BlockSize("x"))

	_, err = sol.ApplyCommandLineOptions("-block_size notanum")
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.ConfigInvalid))
}

// API lifecycle errors.
func TestAPIErrors(t *testing.T) {
	sol := engine.NewSolution(engine.NewEnv(nil), "api", dims3)
	sol.SetDebugOutput(io.Discard)

	require.Error(t, sol.RunSolution(0, 1), "run before prepare must fail")
	err := sol.RunSolution(0, 1)
	assert.True(t, errkind.IsKind(err, errkind.NotPrepared))

	_, err = sol.NewGrid("u", []string{"t", "x", "y", "z"})
	require.NoError(t, err)
	_, err = sol.NewGrid("u", []string{"t", "x", "y", "z"})
	assert.True(t, errkind.IsKind(err, errkind.DuplicateName))

	_, err = sol.Grid("nope")
	assert.True(t, errkind.IsKind(err, errkind.UnknownGrid))

	// Dim-name surfaces: misc dims are the union over the grids.
	assert.Equal(t, "t", sol.StepDimName())
	assert.Equal(t, []string{"x", "y", "z"}, sol.DomainDimNames())
	assert.Empty(t, sol.MiscDimNames())
	_, err = sol.NewGrid("coef", []string{"x", "y", "z", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, sol.MiscDimNames())

	assert.True(t, errkind.IsKind(sol.SetRankDomainSize("w", 8), errkind.ConfigInvalid))
	assert.True(t, errkind.IsKind(sol.SetRankDomainSize("x", 0), errkind.ConfigInvalid))

	require.NoError(t, sol.PrepareSolution())
	err = sol.PrepareSolution()
	assert.True(t, errkind.IsKind(err, errkind.ConfigInvalid), "prepare is one-shot")
}

// Sharing storage between a template solution and its twin.
func TestShareGridStorage(t *testing.T) {
	solA, uA := buildDiffusion(t, nil, "-rank_domain_size 16")

	env := solA.Env()
	solB := engine.NewSolutionFromTemplate(env, "twin", solA)
	solB.SetDebugOutput(io.Discard)
	_, err := solB.NewGrid("u", []string{"t", "x", "y", "z"})
	require.NoError(t, err)
	lap, err := stencils.NewLaplacian(solB, "u", 0.1)
	require.NoError(t, err)
	require.NoError(t, solB.AddPack("main", lap))
	require.NoError(t, solB.PrepareSolution())

	require.NoError(t, solB.ShareGridStorage(solA))
	uB, err := solB.Grid("u")
	require.NoError(t, err)
	assert.Equal(t, readAt(uA, 0, 3, 4, 5), readAt(uB, 0, 3, 4, 5))

	uA.WritePoint(indices.NewWith([]string{"t", "x", "y", "z"}, []int64{0, 1, 1, 1}), 42)
	assert.Equal(t, 42.0, readAt(uB, 0, 1, 1, 1), "storage must alias after sharing")
}
