// Package yask is a distributed, vectorized stencil-computation kernel: it
// repeatedly updates multi-dimensional grids of floating-point values by
// applying neighborhood expressions over a decomposed domain, across many
// ranks, for many time steps.
//
// This root package is the bootstrap factory. A typical driver:
//
//	env := yask.NewEnv(nil) // or a comm.DialNetwork endpoint.
//	sol := yask.NewSolution(env, "heat", yask.Dims{Step: "t", Domain: []string{"x", "y", "z"}})
//	_ = sol.SetRankDomainSize("x", 64)
//	_, _ = sol.NewGrid("u", []string{"t", "x", "y", "z"})
//	lap, _ := stencils.NewLaplacian(sol, "u", 0.1)
//	_ = sol.AddPack("main", lap)
//	_ = sol.PrepareSolution()
//	_ = sol.RunSolution(1, 100)
//
// The heavy lifting lives in the engine package; grids, comm and
// types/indices hold the storage, transport and index types.
package yask

import (
	"github.com/luco2018/yask/comm"
	"github.com/luco2018/yask/engine"
)

// Version of the kernel engine.
const Version = "0.4.0"

// Dims names a solution's step and domain dimensions.
type Dims = engine.Dims

// NewEnv wraps a process-group endpoint into an environment. A nil endpoint
// yields the single-rank group.
func NewEnv(c comm.Comm) *engine.Env {
	return engine.NewEnv(c)
}

// NewSolution creates an empty stencil solution over the given dims.
func NewSolution(env *engine.Env, name string, dims Dims) *engine.Solution {
	return engine.NewSolution(env, name, dims)
}

// NewSolutionFromTemplate creates a solution copying the settings of src.
// Grids, grid settings and storage are not copied; see
// Solution.ShareGridStorage.
func NewSolutionFromTemplate(env *engine.Env, name string, src *engine.Solution) *engine.Solution {
	return engine.NewSolutionFromTemplate(env, name, src)
}
