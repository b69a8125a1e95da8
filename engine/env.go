package engine

import (
	"github.com/luco2018/yask/comm"
)

// Env holds the per-process environment shared by solutions: the process
// group endpoint. Keeping it separate lets several solutions (for example a
// tuned one and a reference one) share one group.
type Env struct {
	comm comm.Comm
}

// NewEnv wraps a process-group endpoint. A nil endpoint yields the
// single-rank group.
func NewEnv(c comm.Comm) *Env {
	if c == nil {
		c = comm.NewSingle()
	}
	return &Env{comm: c}
}

// NumRanks returns the number of ranks in the process group.
func (e *Env) NumRanks() int { return e.comm.Size() }

// RankIndex returns this process's rank.
func (e *Env) RankIndex() int { return e.comm.Rank() }

// GlobalBarrier blocks until every rank has entered it.
func (e *Env) GlobalBarrier() error { return e.comm.Barrier() }

// Comm returns the underlying endpoint.
func (e *Env) Comm() comm.Comm { return e.comm }
