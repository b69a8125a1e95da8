package engine

import (
	"testing"

	"github.com/luco2018/yask/types/indices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeArgs(t *testing.T) {
	assert.Equal(t, []string{"-a", "1", "-b"}, tokenizeArgs("  -a 1   -b "))
	assert.Equal(t, []string{"-msg", "two words", "x"}, tokenizeArgs(`-msg "two words" x`))
	assert.Empty(t, tokenizeArgs("   "))
}

func TestSettingsAdjustRounding(t *testing.T) {
	s := NewSettings(Dims{Step: "t", Domain: []string{"x", "y", "z"}})
	s.FoldLen = 8
	s.BlockSize = indices.NewWith([]string{"x", "y", "z"}, []int64{30, 0, 20})
	s.SubBlockSize = indices.NewWith([]string{"x", "y", "z"}, []int64{7, 0, 0})

	ext := indices.NewWith([]string{"x", "y", "z"}, []int64{64, 64, 64})
	s.adjust(ext)

	// Sub-block rounds to the cluster, block to the sub-block, region to
	// the block.
	assert.Equal(t, int64(7), s.SubBlockSize.Get("x"))
	assert.Equal(t, int64(35), s.BlockSize.Get("x"), "30 rounds up to a multiple of 7")
	assert.Equal(t, int64(0), s.RegionSize.Get("x")%s.BlockSize.Get("x"))

	// Zero block derives to the whole extended domain.
	assert.Equal(t, int64(64), s.BlockSize.Get("y"))

	// Unit-stride sub-block honors the fold.
	assert.Equal(t, int64(0), s.SubBlockSize.Get("z")%8)
	assert.Equal(t, int64(0), s.BlockSize.Get("z")%s.SubBlockSize.Get("z"))
}

func TestSettingsCopyIsDeep(t *testing.T) {
	s := NewSettings(Dims{Step: "t", Domain: []string{"x", "y"}})
	c := s.Copy()
	c.BlockSize.Set("x", 99)
	assert.NotEqual(t, s.BlockSize.Get("x"), c.BlockSize.Get("x"))
}

func TestNumRegionThreads(t *testing.T) {
	s := NewSettings(Dims{Step: "t", Domain: []string{"x"}})
	s.MaxThreads = 16
	s.ThreadDivisor = 2
	s.NumBlockThreads = 4
	assert.Equal(t, 2, s.numRegionThreads())

	s.NumBlockThreads = 64
	assert.Equal(t, 1, s.numRegionThreads(), "never below one thread")
}

func TestWaveFrontGeometry(t *testing.T) {
	// Two packs at depth 3 need 3*2-1 = 5 shifts.
	sol := NewSolution(NewEnv(nil), "wf", Dims{Step: "t", Domain: []string{"x", "y"}})
	sol.opts.WaveFrontDepth = 3
	sol.opts.FoldLen = 1
	sol.foldLens = sol.opts.foldLens()
	sol.clusterLens = sol.opts.clusterLens()
	require.NoError(t, sol.setupRank())

	h := indices.NewWith([]string{"x", "y"}, []int64{2, 1})
	b := &noopBundle{meta: BundleMeta{Name: "a", HaloExt: h, StepOffset: -1}}
	sol.packs = []*Pack{{Name: "p1", Bundles: []Bundle{b}}, {Name: "p2", Bundles: []Bundle{b}}}
	sol.computeWaveFront()

	assert.Equal(t, int64(5), sol.numWfShifts)
	assert.Equal(t, int64(2), sol.wfAngles.Get("x"))
	assert.Equal(t, int64(10), sol.wfShifts.Get("x"))
	// Single rank: no neighbors, so no extensions anywhere.
	assert.Equal(t, int64(0), sol.leftExts.Get("x"))
	assert.Equal(t, int64(0), sol.rightExts.Get("y"))
}
