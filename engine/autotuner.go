package engine

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/luco2018/yask/types/indices"
	"k8s.io/klog/v2"
)

// autoTuner is the on-line coordinate search over block geometry. It
// observes group timings from the run loop, memoizes a rate per block-size
// tuple, and walks 2*D neighbors of the best point at a shrinking radius.
// A chosen candidate is installed only at a RunSolution call boundary, so
// sizes never change mid-call.
type autoTuner struct {
	sol     *Solution
	verbose bool

	// results memoizes measured rates keyed by block-size tuple. A key is
	// never re-timed, even if the first measurement was noisy.
	results map[string]float64
	n2big   int // candidates skipped as too big.
	n2small int // candidates skipped as too small.

	bestBlock indices.Tuple
	bestRate  float64 // points/sec; non-decreasing.

	centerBlock      indices.Tuple
	radius           int64
	neighIdx         int
	betterNeighFound bool
	done             bool

	// Cumulative measurement for the current candidate.
	ctime    float64
	csteps   int64
	inWarmup bool

	// pending is the next block size to install at the call boundary.
	pending     indices.Tuple
	havePending bool
}

func newAutoTuner(sol *Solution) *autoTuner {
	return &autoTuner{sol: sol, done: true, results: make(map[string]float64)}
}

// clear resets the tuner to its starting state. With markDone the tuner is
// parked and the current block size stays fixed.
func (at *autoTuner) clear(markDone, verbose bool) {
	at.verbose = verbose
	at.done = markDone
	at.results = make(map[string]float64)
	at.n2big, at.n2small = 0, 0
	at.bestRate = 0
	at.bestBlock = at.sol.opts.BlockSize.Clone()
	at.centerBlock = at.bestBlock.Clone()
	at.radius = at.sol.opts.Tuner.MaxRadius
	at.neighIdx = 0
	at.betterNeighFound = false
	at.ctime, at.csteps = 0, 0
	at.inWarmup = true
	at.havePending = false
	if !markDone && verbose {
		fmt.Fprintf(at.sol.debug, "auto-tuner: started at block %s, radius %d\n", at.centerBlock, at.radius)
	}
}

// isDone reports whether the search has converged.
func (at *autoTuner) isDone() bool { return at.done }

// eval folds one step group's timing into the current candidate's
// measurement and, once the candidate has enough steps or seconds, records
// it and picks the next one.
func (at *autoTuner) eval(steps int64, secs float64) {
	if at.done || at.havePending {
		// A chosen candidate is still waiting for the next call
		// boundary; timings until then belong to the outgoing config.
		return
	}
	at.csteps += steps
	at.ctime += secs
	p := at.sol.opts.Tuner

	if at.inWarmup {
		if at.ctime < p.WarmupSecs && at.csteps < p.WarmupSteps {
			return
		}
		// Warmup over: re-base on whatever is currently configured.
		at.inWarmup = false
		at.csteps, at.ctime = 0, 0
		at.centerBlock = at.sol.opts.BlockSize.Clone()
		at.bestBlock = at.centerBlock.Clone()
		at.bestRate = 0
		return
	}

	if at.csteps < p.MinSteps && at.ctime < p.MinSecs {
		return
	}
	var rate float64
	if at.ctime > 0 {
		rate = float64(at.csteps) * float64(at.sol.rankBB.NumPoints) / at.ctime
	}
	cur := at.sol.opts.BlockSize.Clone()
	at.results[cur.Key()] = rate
	if rate > at.bestRate {
		at.bestRate = rate
		at.bestBlock = cur
		at.betterNeighFound = true
	}
	if at.verbose {
		fmt.Fprintf(at.sol.debug, "auto-tuner: block %s -> %spts/sec (best %s @ %spts/sec)\n",
			cur, humanize.SIWithDigits(rate, 2, ""), at.bestBlock, humanize.SIWithDigits(at.bestRate, 2, ""))
	}
	at.csteps, at.ctime = 0, 0
	at.searchNext()
}

// searchNext advances the coordinate search until it either selects a fresh
// candidate (left pending for the next call boundary) or converges.
func (at *autoTuner) searchNext() {
	p := at.sol.opts.Tuner
	numDims := at.centerBlock.NumDims()

	for !at.done {
		if at.neighIdx >= 2*numDims {
			if at.betterNeighFound {
				// Recenter on the best point at the same radius.
				at.centerBlock = at.bestBlock.Clone()
				at.betterNeighFound = false
				at.neighIdx = 0
			} else {
				at.radius /= 2
				at.neighIdx = 0
				if at.radius < p.MinStep {
					at.done = true
					at.setPending(at.bestBlock)
					if at.verbose {
						fmt.Fprintf(at.sol.debug,
							"auto-tuner: done at block %s, %spts/sec (%d too big, %d too small)\n",
							at.bestBlock, humanize.SIWithDigits(at.bestRate, 2, ""), at.n2big, at.n2small)
					}
					klog.V(1).Infof("engine: auto-tuner converged on %s", at.bestBlock)
					return
				}
			}
		}

		d := at.neighIdx / 2
		offset := at.radius
		if at.neighIdx%2 == 1 {
			offset = -offset
		}
		at.neighIdx++

		cand := at.centerBlock.Clone()
		cand.SetAt(d, cand.At(d)+offset)

		// Validity checks; skips count but do not consume a measurement.
		if cand.At(d) < at.sol.clusterLens.At(d) {
			at.n2small++
			continue
		}
		if cand.Product() < p.MinPts {
			at.n2small++
			continue
		}
		if cand.At(d) > at.sol.opts.RegionSize.At(d) {
			at.n2big++
			continue
		}
		blks := int64(1)
		for i := 0; i < numDims; i++ {
			blks *= indices.DivUp(at.sol.opts.RegionSize.At(i), max(cand.At(i), 1))
		}
		if blks < p.MinBlks {
			at.n2big++
			continue
		}
		if _, seen := at.results[cand.Key()]; seen {
			continue
		}
		at.setPending(cand)
		return
	}
}

func (at *autoTuner) setPending(bs indices.Tuple) {
	at.pending = bs.Clone()
	at.havePending = true
}

// apply installs the pending candidate, recomputing the derived sizes.
// Called only at RunSolution boundaries.
func (at *autoTuner) apply() {
	if !at.havePending {
		return
	}
	at.havePending = false
	at.sol.opts.BlockSize = at.pending.Clone()
	at.sol.opts.adjust(at.sol.extBB.Len)
	klog.V(2).Infof("engine: auto-tuner trying block %s", at.sol.opts.BlockSize)
}

// ResetAutoTuner restarts (enable) or parks (disable) the on-line tuner.
func (sol *Solution) ResetAutoTuner(enable, verbose bool) {
	sol.at.clear(!enable, verbose)
}

// IsAutoTunerEnabled reports whether the tuner is still searching.
func (sol *Solution) IsAutoTunerEnabled() bool { return !sol.at.isDone() }

// BestBlockSize returns the tuner's best block geometry so far.
func (sol *Solution) BestBlockSize() indices.Tuple { return sol.at.bestBlock.Clone() }

// RunAutoTunerNow tunes off-line: it repeatedly runs short step groups on
// the real problem state until the search converges, then resets the
// step counters and timers so the tuning work is not reported as progress.
func (sol *Solution) RunAutoTunerNow(verbose bool) error {
	if !sol.prepared {
		return errNotPrepared("RunAutoTunerNow")
	}
	fmt.Fprintf(sol.debug, "auto-tuning...\n")
	sol.at.clear(false, verbose)
	stepT := max(sol.opts.WaveFrontDepth, 1)
	var t int64
	const maxTrialGroups = 100000
	for i := 0; !sol.at.isDone() && i < maxTrialGroups; i++ {
		if err := sol.RunSolution(t, t+stepT-1); err != nil {
			return err
		}
		t += stepT
	}
	sol.at.apply() // install the winner now; tuning calls are over.
	sol.ClearTimers()
	fmt.Fprintf(sol.debug, "auto-tuner done: block %s\n", sol.opts.BlockSize)
	return nil
}
