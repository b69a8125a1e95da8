// yaskrun runs the 3-D diffusion stencil on one or more ranks.
//
// Engine options follow a "--" separator. Single rank:
//
//	yaskrun -steps 100 -- -rank_domain_size 128 -block_size 32
//
// Multi-rank over TCP (launch one process per rank with the same -addrs and
// -token):
//
//	yaskrun -rank 0 -addrs host0:9400,host1:9400 -token $TOK -- -num_ranks_x 2 ...
//
// All engine options (-block_size, -region_size, -wave_front_depth,
// -auto_tune, ...) are accepted; see engine's option table.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/luco2018/yask"
	"github.com/luco2018/yask/comm"
	"github.com/luco2018/yask/stencils"
	"github.com/luco2018/yask/types/indices"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagSteps = flag.Int64("steps", 100, "number of time steps to run")
	flagCoef  = flag.Float64("coef", 0.1, "diffusion coefficient")
	flagRank  = flag.Int("rank", 0, "this process's rank (TCP group)")
	flagAddrs = flag.String("addrs", "", "comma-separated listen addresses, one per rank")
	flagToken = flag.String("token", "", "session token shared by the TCP group")
	flagTune  = flag.Bool("tune", false, "run the auto-tuner before timing")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var endpoint comm.Comm
	if *flagAddrs != "" {
		addrs := strings.Split(*flagAddrs, ",")
		token := *flagToken
		if token == "" {
			token = comm.NewToken()
			fmt.Printf("generated session token %s -- pass -token to every rank\n", token)
		}
		endpoint = must.M1(comm.DialNetwork(comm.NetworkConfig{
			Rank: *flagRank, Addrs: addrs, Token: token, DialTimeout: time.Minute,
		}))
		defer func() { _ = endpoint.Close() }()
	}

	env := yask.NewEnv(endpoint)
	sol := yask.NewSolution(env, "diffusion", yask.Dims{Step: "t", Domain: []string{"x", "y", "z"}})

	rest := must.M1(sol.ApplyCommandLineOptions(strings.Join(flag.Args(), " ")))
	if rest != "" {
		fmt.Fprintf(os.Stderr, "unrecognized options: %s\n", rest)
		os.Exit(2)
	}

	u := must.M1(sol.NewGrid("u", []string{"t", "x", "y", "z"}))
	lap := must.M1(stencils.NewLaplacian(sol, "u", *flagCoef))
	must.M(sol.AddPack("main", lap))
	must.M(sol.PrepareSolution())

	// Seed with a linear ramp; boundaries then drive the diffusion.
	bb := u.OwnedBBox()
	u.UpdatePointsIn(0, &bb, func(pt indices.Tuple, _ float64) float64 {
		return float64(pt.Get("x") + 2*pt.Get("y") + 3*pt.Get("z"))
	})

	if *flagTune {
		must.M(sol.RunAutoTunerNow(true))
	}

	var bar *progressbar.ProgressBar
	if env.RankIndex() == 0 {
		bar = progressbar.Default(*flagSteps, "stepping")
	}
	const chunk = 10
	for t := int64(1); t <= *flagSteps; t += chunk {
		last := min(t+chunk-1, *flagSteps)
		must.M(sol.RunSolution(t, last))
		if bar != nil {
			must.M(bar.Add64(last - t + 1))
		}
	}
	if bar != nil {
		must.M(bar.Finish())
	}

	stats := sol.GetStats()
	if env.RankIndex() == 0 {
		fmt.Printf("done: %d steps over %d points in %.3fs\n",
			stats.NumStepsDone, stats.NumElements, stats.ElapsedRunSecs)
	}
	must.M(sol.EndSolution())
}
