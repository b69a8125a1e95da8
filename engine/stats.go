package engine

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats summarizes the work done by preceding RunSolution calls.
type Stats struct {
	// NumElements is the number of points in the overall domain.
	NumElements int64
	// NumWrites is the number of points written in each step, all ranks.
	NumWrites int64
	// EstFpOps is the estimated floating-point work per step, all ranks.
	EstFpOps int64
	// NumStepsDone counts steps completed via RunSolution.
	NumStepsDone int64
	// ElapsedRunSecs is the wall time spent inside RunSolution,
	// halo exchange included.
	ElapsedRunSecs float64
}

// GetStats returns the accumulated statistics, prints a rate summary to the
// debug stream, and resets the step counters and timers.
func (sol *Solution) GetStats() Stats {
	s := Stats{
		NumElements:    sol.totDomainPts,
		NumWrites:      sol.totWrites1t,
		EstFpOps:       sol.totFpOps1t,
		NumStepsDone:   sol.stepsDone,
		ElapsedRunSecs: sol.runTime.Seconds(),
	}
	if s.NumStepsDone > 0 && s.ElapsedRunSecs > 0 {
		ptsPerSec := float64(s.NumElements*s.NumStepsDone) / s.ElapsedRunSecs
		w := sol.debug
		fmt.Fprintf(w, "steps done:          %d in %.3fs (%.3fs in halo exchange)\n",
			s.NumStepsDone, s.ElapsedRunSecs, sol.commTime.Seconds())
		fmt.Fprintf(w, "throughput:          %spts/sec, %swrites/sec, %sFLOPS (est.)\n",
			humanize.SIWithDigits(ptsPerSec, 2, ""),
			humanize.SIWithDigits(float64(s.NumWrites*s.NumStepsDone)/s.ElapsedRunSecs, 2, ""),
			humanize.SIWithDigits(float64(s.EstFpOps*s.NumStepsDone)/s.ElapsedRunSecs, 2, ""))
	}
	sol.ClearTimers()
	return s
}
