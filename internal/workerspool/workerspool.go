// Package workerspool implements the goroutine teams behind the engine's
// nested loop levels: an outer team across blocks of a region and an inner
// team across sub-blocks of a block, both drawing workers from one
// soft-capacity pool so the total parallelism stays near the configured
// thread budget.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a soft-capacity worker pool. The capacity is a target on parallel
// work, not a hard goroutine limit.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // signaled whenever numRunning decreases.
	numRunning     int

	// extraParallelism is temporarily increased while a worker sleeps
	// waiting on a nested team, so the nested workers can use its slot.
	extraParallelism atomic.Int32
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the soft parallelism target.
// 0 disables parallelism; negative means unlimited.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// SetMaxParallelism sets the soft parallelism target. Only change it while
// no workers are running.
func (p *Pool) SetMaxParallelism(n int) { p.maxParallelism = n }

// lockedIsFull reports whether all workers are in use. Callers hold p.mu.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	}
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism+int(p.extraParallelism.Load())
}

// WaitToStart blocks until a worker is free, then runs task on it.
// With parallelism disabled the task runs inline.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	if p.maxParallelism < 0 {
		go task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// workerIsAsleep tells the pool the calling worker is blocked waiting on
// other workers, temporarily freeing its slot. Pair with workerRestarted.
func (p *Pool) workerIsAsleep() { p.extraParallelism.Add(1) }

// workerRestarted undoes workerIsAsleep.
func (p *Pool) workerRestarted() { p.extraParallelism.Add(-1) }

// Team runs a fixed-size group of workers that pull work items 0..n-1 from a
// shared counter until none remain, then joins them. It is the building
// block for one nested loop level: the caller decides the team size, the
// items are block (or sub-block) indices in traversal order.
//
// Workers come from the pool, so teams at both nesting levels share the
// same soft capacity; while the caller waits for the team it is counted as
// asleep, handing its slot to the nested workers.
//
// workers <= 1 runs everything inline on the calling goroutine, which keeps
// the serial path allocation-free and makes nesting cheap when the inner
// team is disabled.
func (p *Pool) Team(workers int, n int64, fn func(worker int, item int64)) {
	if n <= 0 {
		return
	}
	if workers <= 1 || n == 1 || p.maxParallelism == 0 {
		for i := int64(0); i < n; i++ {
			fn(0, i)
		}
		return
	}
	if int64(workers) > n {
		workers = int(n)
	}
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)

	p.workerIsAsleep()
	defer p.workerRestarted()
	for w := 0; w < workers; w++ {
		worker := w
		p.WaitToStart(func() {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if i >= n {
					return
				}
				fn(worker, i)
			}
		})
	}
	wg.Wait()
}
