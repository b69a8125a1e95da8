package engine

import (
	"time"

	"github.com/luco2018/yask/types/errkind"
	"k8s.io/klog/v2"
)

func errNotPrepared(fn string) error {
	return errkind.Errorf(errkind.NotPrepared, "%s requires PrepareSolution", fn)
}

// RunSolution advances the solution from first_step to last_step inclusive.
//
// Steps execute in groups of the wave-front depth W. Without wave-fronts
// each pack gets its own exchange-evaluate-mark cycle, so pack i+1 always
// reads pack i's finished writes and fresh halos. With W > 1 one exchange at
// the group boundary suffices: the skewed iteration keeps the group interior
// dependent only on data already resident.
//
// The call runs to completion of the step range; there is no mid-run
// cancellation. Communication failures are fatal. Auto-tuner candidates
// chosen during the run are installed at the next RunSolution boundary.
func (sol *Solution) RunSolution(firstStep, lastStep int64) error {
	if !sol.prepared {
		return errNotPrepared("RunSolution")
	}
	if sol.ended {
		return errkind.Errorf(errkind.NotPrepared, "RunSolution: solution has ended")
	}
	sol.at.apply()

	t0 := time.Now()
	stepT := max(sol.opts.WaveFrontDepth, 1)
	for start := firstStep; start <= lastStep; start += stepT {
		stop := min(start+stepT, lastStep+1)
		klog.V(2).Infof("engine: running steps [%d, %d)", start, stop)
		g0 := time.Now()

		if stepT == 1 {
			for _, p := range sol.packs {
				sol.exchangeHalos(p, start, stop)
				sol.calcGroup(p, start, stop)
				sol.markGridsDirty(p, start, stop)
			}
		} else {
			sol.exchangeHalos(nil, start, stop)
			sol.calcGroup(nil, start, stop)
			sol.markGridsDirty(nil, start, stop)
		}

		n := stop - start
		sol.stepsDone += n
		sol.at.eval(n, time.Since(g0).Seconds())
	}
	sol.runTime += time.Since(t0)
	return nil
}

// RunSolutionStep is the single-step form of RunSolution.
func (sol *Solution) RunSolutionStep(step int64) error {
	return sol.RunSolution(step, step)
}
