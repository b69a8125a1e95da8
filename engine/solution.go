package engine

import (
	"io"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/luco2018/yask/grids"
	"github.com/luco2018/yask/internal/workerspool"
	"github.com/luco2018/yask/types/errkind"
	"github.com/luco2018/yask/types/indices"
)

// Solution owns the grids, bundle packs and settings of one rank's stencil
// problem, and drives the step loop over its sub-domain.
//
// Lifecycle: construct, set sizes and create grids, register packs, then
// PrepareSolution (one-shot: freezes layout and allocates), then any number
// of RunSolution calls, then EndSolution.
type Solution struct {
	name  string
	env   *Env
	opts  *Settings
	debug io.Writer

	prepared bool
	ended    bool

	gridList []*grids.Grid
	gridMap  map[string]int // name -> handle (index into gridList).

	packs []*Pack

	// Rank decomposition, valid after prepare.
	rankIdx       indices.Tuple
	rankOffsets   indices.Tuple
	overallDomain indices.Tuple
	neighbors     []neighbor

	// Wave-front geometry, valid after prepare.
	maxHalos    indices.Tuple
	wfAngles    indices.Tuple
	wfShifts    indices.Tuple
	leftExts    indices.Tuple
	rightExts   indices.Tuple
	numWfShifts int64

	rankBB      indices.BBox // owned domain.
	extBB       indices.BBox // owned domain plus wave-front extensions.
	foldLens    indices.Tuple
	clusterLens indices.Tuple

	stepDepth int64

	xfers []*gridXfer

	// pool feeds both executor team levels; its soft capacity is set to
	// the thread budget at prepare time.
	pool *workerspool.Pool

	// scratchGrids maps a ScratchSpec name to one grid per executor
	// thread slot.
	scratchGrids map[string][]*grids.Grid

	at *autoTuner

	// Stats accumulators, reset by GetStats.
	runTime      time.Duration
	commTime     time.Duration
	stepsDone    int64
	totWrites1t  int64 // writes per step over all ranks.
	totFpOps1t   int64 // est. FP ops per step over all ranks.
	totDomainPts int64 // points in the overall domain.
}

// NewSolution returns an unprepared solution over the given dims.
func NewSolution(env *Env, name string, dims Dims) *Solution {
	if env == nil {
		env = NewEnv(nil)
	}
	sol := &Solution{
		name:    name,
		env:     env,
		opts:    NewSettings(dims),
		gridMap: make(map[string]int),
		pool:    workerspool.New(),
	}
	sol.debug = debugDefault(env)
	sol.at = newAutoTuner(sol)
	return sol
}

// NewSolutionFromTemplate returns a new solution copying the settings (not
// the grids or storage) of src.
func NewSolutionFromTemplate(env *Env, name string, src *Solution) *Solution {
	sol := NewSolution(env, name, src.opts.Dims)
	sol.opts = src.opts.Copy()
	sol.opts.TunerEnabled = src.opts.TunerEnabled
	return sol
}

// debugDefault sends the report stream to stdout on rank 0 and discards it
// elsewhere.
func debugDefault(env *Env) io.Writer {
	if env.RankIndex() == 0 {
		return os.Stdout
	}
	return io.Discard
}

// Name returns the solution name.
func (sol *Solution) Name() string { return sol.name }

// Env returns the environment the solution was created with.
func (sol *Solution) Env() *Env { return sol.env }

// Settings exposes the solution's settings. Mutating them after
// PrepareSolution is undefined; use the setter APIs.
func (sol *Solution) Settings() *Settings { return sol.opts }

// SetDebugOutput redirects the human-readable report stream.
func (sol *Solution) SetDebugOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	sol.debug = w
}

// DebugOutput returns the current report stream.
func (sol *Solution) DebugOutput() io.Writer { return sol.debug }

// ElementBytes returns the grid element size in bytes.
func (sol *Solution) ElementBytes() int { return sol.opts.ElemBytes }

// StepDimName returns the name of the step dim.
func (sol *Solution) StepDimName() string { return sol.opts.Dims.Step }

// DomainDimNames returns the ordered domain dim names.
func (sol *Solution) DomainDimNames() []string {
	names := make([]string, len(sol.opts.Dims.Domain))
	copy(names, sol.opts.Dims.Domain)
	return names
}

// MiscDimNames returns the misc dims used by the solution's grids, deduped,
// in grid-creation order. Misc dims are per-grid, so the solution-wide list
// is the union.
func (sol *Solution) MiscDimNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, g := range sol.gridList {
		for _, d := range g.MiscDimNames() {
			if !seen[d] {
				seen[d] = true
				names = append(names, d)
			}
		}
	}
	return names
}

// checkDomainDim validates a domain dim name.
func (sol *Solution) checkDomainDim(fn, dim string) error {
	for _, d := range sol.opts.Dims.Domain {
		if d == dim {
			return nil
		}
	}
	return errkind.Errorf(errkind.ConfigInvalid, "%s: unknown domain dim %q", fn, dim)
}

func checkPositive(fn, dim string, size int64) error {
	if size <= 0 {
		return errkind.Errorf(errkind.ConfigInvalid, "%s: size for dim %q must be positive, got %d", fn, dim, size)
	}
	return nil
}

// SetRankDomainSize sets this rank's owned domain size in one dim.
func (sol *Solution) SetRankDomainSize(dim string, size int64) error {
	if err := sol.checkDomainDim("SetRankDomainSize", dim); err != nil {
		return err
	}
	if err := checkPositive("SetRankDomainSize", dim, size); err != nil {
		return err
	}
	sol.opts.RankDomainSize.Set(dim, size)
	return nil
}

// SetMinPadSize sets the minimum pad in one dim.
func (sol *Solution) SetMinPadSize(dim string, size int64) error {
	if err := sol.checkDomainDim("SetMinPadSize", dim); err != nil {
		return err
	}
	if size < 0 {
		return errkind.Errorf(errkind.ConfigInvalid, "SetMinPadSize: negative pad %d", size)
	}
	sol.opts.MinPadSize.Set(dim, size)
	return nil
}

// SetBlockSize sets the block size in one dim. Zero derives it at prepare.
func (sol *Solution) SetBlockSize(dim string, size int64) error {
	if err := sol.checkDomainDim("SetBlockSize", dim); err != nil {
		return err
	}
	sol.opts.BlockSize.Set(dim, size)
	return nil
}

// SetRegionSize sets the region size in one dim. Zero derives it at prepare.
func (sol *Solution) SetRegionSize(dim string, size int64) error {
	if err := sol.checkDomainDim("SetRegionSize", dim); err != nil {
		return err
	}
	sol.opts.RegionSize.Set(dim, size)
	return nil
}

// SetNumRanks sets the rank-grid extent in one dim.
func (sol *Solution) SetNumRanks(dim string, n int64) error {
	if err := sol.checkDomainDim("SetNumRanks", dim); err != nil {
		return err
	}
	if err := checkPositive("SetNumRanks", dim, n); err != nil {
		return err
	}
	sol.opts.NumRanks.Set(dim, n)
	return nil
}

// RankDomainSize returns the owned domain size in one dim.
func (sol *Solution) RankDomainSize(dim string) int64 { return sol.opts.RankDomainSize.Get(dim) }

// MinPadSize returns the minimum pad in one dim.
func (sol *Solution) MinPadSize(dim string) int64 { return sol.opts.MinPadSize.Get(dim) }

// BlockSize returns the block size in one dim.
func (sol *Solution) BlockSize(dim string) int64 { return sol.opts.BlockSize.Get(dim) }

// RegionSize returns the region size in one dim.
func (sol *Solution) RegionSize(dim string) int64 { return sol.opts.RegionSize.Get(dim) }

// NumRanks returns the rank-grid extent in one dim.
func (sol *Solution) NumRanks(dim string) int64 { return sol.opts.NumRanks.Get(dim) }

// RankIndex returns this rank's index in the rank grid in one dim.
func (sol *Solution) RankIndex(dim string) (int64, error) {
	if !sol.prepared {
		return 0, errkind.Errorf(errkind.NotPrepared, "RankIndex requires PrepareSolution")
	}
	return sol.rankIdx.Get(dim), nil
}

// FirstRankDomainIndex returns the global index of this rank's first owned
// point in one dim.
func (sol *Solution) FirstRankDomainIndex(dim string) (int64, error) {
	if !sol.prepared {
		return 0, errkind.Errorf(errkind.NotPrepared, "FirstRankDomainIndex requires PrepareSolution")
	}
	return sol.rankOffsets.Get(dim), nil
}

// LastRankDomainIndex returns the global index of this rank's last owned
// point in one dim.
func (sol *Solution) LastRankDomainIndex(dim string) (int64, error) {
	if !sol.prepared {
		return 0, errkind.Errorf(errkind.NotPrepared, "LastRankDomainIndex requires PrepareSolution")
	}
	return sol.rankOffsets.Get(dim) + sol.opts.RankDomainSize.Get(dim) - 1, nil
}

// OverallDomainSize returns the domain size over all ranks in one dim.
func (sol *Solution) OverallDomainSize(dim string) (int64, error) {
	if !sol.prepared {
		return 0, errkind.Errorf(errkind.NotPrepared, "OverallDomainSize requires PrepareSolution")
	}
	return sol.overallDomain.Get(dim), nil
}

// dimKindOf classifies a grid dim name.
func (sol *Solution) dimKindOf(name string) grids.Kind {
	if name == sol.opts.Dims.Step {
		return grids.Step
	}
	for _, d := range sol.opts.Dims.Domain {
		if d == name {
			return grids.Domain
		}
	}
	return grids.Misc
}

// NewGrid creates a grid over the given dims. Domain dims are sized from the
// settings at prepare time; misc dims default to size 1 and can be sized
// with Grid.SetDimSize. Names must be unique.
func (sol *Solution) NewGrid(name string, dims []string) (*grids.Grid, error) {
	return sol.newGrid(name, dims, nil)
}

// NewFixedSizeGrid creates a grid whose domain dims have the given fixed
// sizes: it is not decomposed across ranks, gets no halo and is never
// exchanged.
func (sol *Solution) NewFixedSizeGrid(name string, dims []string, sizes []int64) (*grids.Grid, error) {
	if len(sizes) != len(dims) {
		return nil, errkind.Errorf(errkind.ConfigInvalid,
			"NewFixedSizeGrid(%q): %d sizes for %d dims", name, len(sizes), len(dims))
	}
	return sol.newGrid(name, dims, sizes)
}

func (sol *Solution) newGrid(name string, dims []string, sizes []int64) (*grids.Grid, error) {
	if sol.prepared {
		return nil, errkind.Errorf(errkind.ConfigInvalid, "NewGrid(%q): solution already prepared", name)
	}
	if _, ok := sol.gridMap[name]; ok {
		return nil, errkind.Errorf(errkind.DuplicateName, "grid %q already exists", name)
	}
	gdims := make([]grids.Dim, len(dims))
	seen := make(map[string]bool, len(dims))
	for i, d := range dims {
		if seen[d] {
			return nil, errkind.Errorf(errkind.ConfigInvalid, "NewGrid(%q): duplicate dim %q", name, d)
		}
		seen[d] = true
		gdims[i] = grids.Dim{Name: d, Kind: sol.dimKindOf(d)}
	}
	g := grids.New(name, gdims, sol.opts.ElemBytes, sol.opts.FoldLen)
	g.SetNumaPref(sol.opts.NumaPref)
	if sizes != nil {
		g.SetFixedSize()
		for i, d := range dims {
			if sol.dimKindOf(d) == grids.Step {
				g.SetStepDepth(sizes[i])
			} else if err := exceptions.TryCatch[error](func() { g.SetDimSize(d, sizes[i]) }); err != nil {
				return nil, errkind.Wrap(errkind.ConfigInvalid, err, "NewFixedSizeGrid")
			}
		}
	}
	sol.gridMap[name] = len(sol.gridList)
	sol.gridList = append(sol.gridList, g)
	return g, nil
}

// NumGrids returns the number of grids.
func (sol *Solution) NumGrids() int { return len(sol.gridList) }

// Grid returns the grid with the given name.
func (sol *Solution) Grid(name string) (*grids.Grid, error) {
	i, ok := sol.gridMap[name]
	if !ok {
		return nil, errkind.Errorf(errkind.UnknownGrid, "no grid named %q", name)
	}
	return sol.gridList[i], nil
}

// Grids returns all grids in creation order.
func (sol *Solution) Grids() []*grids.Grid {
	out := make([]*grids.Grid, len(sol.gridList))
	copy(out, sol.gridList)
	return out
}

// GridHandle returns the stable integer handle of a grid, for BundleMeta.
func (sol *Solution) GridHandle(name string) (int, error) {
	i, ok := sol.gridMap[name]
	if !ok {
		return 0, errkind.Errorf(errkind.UnknownGrid, "no grid named %q", name)
	}
	return i, nil
}

// GridByHandle returns the grid for a handle from GridHandle.
func (sol *Solution) GridByHandle(h int) *grids.Grid {
	if h < 0 || h >= len(sol.gridList) {
		exceptions.Panicf("GridByHandle: invalid handle %d", h)
	}
	return sol.gridList[h]
}

// AddPack registers an ordered group of bundles as the next phase of every
// step. Packs execute in registration order; registration must precede
// PrepareSolution.
func (sol *Solution) AddPack(name string, bundles ...Bundle) error {
	if sol.prepared {
		return errkind.Errorf(errkind.ConfigInvalid, "AddPack(%q): solution already prepared", name)
	}
	for _, b := range bundles {
		meta := b.Meta()
		for _, h := range append(append([]int{}, meta.Inputs...), meta.Outputs...) {
			if h < 0 || h >= len(sol.gridList) {
				return errkind.Errorf(errkind.UnknownGrid,
					"AddPack(%q): bundle %q references invalid grid handle %d", name, meta.Name, h)
			}
		}
	}
	sol.packs = append(sol.packs, &Pack{Name: name, Bundles: bundles})
	return nil
}

// Packs returns the registered packs in evaluation order.
func (sol *Solution) Packs() []*Pack { return sol.packs }

// allBundles iterates every bundle in pack order.
func (sol *Solution) allBundles(fn func(*Pack, Bundle)) {
	for _, p := range sol.packs {
		for _, b := range p.Bundles {
			fn(p, b)
		}
	}
}

// ScratchGrid returns the per-thread scratch grid created for a ScratchSpec
// name and executor thread slot.
func (sol *Solution) ScratchGrid(slot int, name string) *grids.Grid {
	slots, ok := sol.scratchGrids[name]
	if !ok {
		exceptions.Panicf("ScratchGrid: no scratch spec named %q", name)
	}
	return slots[slot]
}

// ShareGridStorage adopts the storage of every same-named grid of src.
// Shapes must match exactly, otherwise ShapeMismatch is returned and no
// storage is adopted.
func (sol *Solution) ShareGridStorage(src *Solution) error {
	if !sol.prepared || !src.prepared {
		return errkind.Errorf(errkind.NotPrepared, "ShareGridStorage requires both solutions prepared")
	}
	type pair struct{ dst, srcG *grids.Grid }
	var pairs []pair
	for name, i := range sol.gridMap {
		j, ok := src.gridMap[name]
		if !ok {
			continue
		}
		pairs = append(pairs, pair{sol.gridList[i], src.gridList[j]})
	}
	// Validate all shapes before adopting any storage.
	for _, p := range pairs {
		probe := *p.dst
		if err := probe.ShareStorage(p.srcG); err != nil {
			return err
		}
	}
	for _, p := range pairs {
		if err := p.dst.ShareStorage(p.srcG); err != nil {
			return err
		}
	}
	return nil
}

// EndSolution releases grid storage and exchange buffers. The solution is
// unusable afterwards.
func (sol *Solution) EndSolution() error {
	if sol.ended {
		return nil
	}
	sol.ended = true
	sol.xfers = nil
	sol.scratchGrids = nil
	sol.gridList = nil
	sol.gridMap = map[string]int{}
	return nil
}

// ClearTimers resets the elapsed-time and step counters.
func (sol *Solution) ClearTimers() {
	sol.runTime = 0
	sol.commTime = 0
	sol.stepsDone = 0
}
