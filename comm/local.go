package comm

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/luco2018/yask/types/errkind"
)

// Single is the trivial group of one rank. Sends and receives have no peer
// to match and panic; collectives are no-ops.
type Single struct{}

// NewSingle returns the one-rank group.
func NewSingle() Comm { return Single{} }

func (Single) Rank() int { return 0 }
func (Single) Size() int { return 1 }

func (Single) Isend(to, tag int, data []float64) Request {
	exceptions.Panicf("comm.Single: no peer to send to (to=%d)", to)
	return nil
}

func (Single) Irecv(from, tag int, data []float64) Request {
	exceptions.Panicf("comm.Single: no peer to receive from (from=%d)", from)
	return nil
}

func (Single) Allreduce(_ Op, val int64) (int64, error) { return val, nil }
func (Single) Barrier() error                           { return nil }
func (Single) Close() error                             { return nil }

// localGroup wires n ranks of the same process together with channels.
type localGroup struct {
	n  int
	mu sync.Mutex
	// One mailbox per (from, to, tag), created on first use.
	boxes map[mailKey]chan []float64

	// Reduction rendezvous.
	rmu    sync.Mutex
	rcond  *sync.Cond
	rcount int
	racc   int64
	rop    Op
	rgen   int64
	rval   int64
}

type mailKey struct{ from, to, tag int }

// NewLocalGroup returns n connected in-process endpoints, one per rank.
// Each endpoint must be driven by its own goroutine; collectives block until
// all ranks arrive.
func NewLocalGroup(n int) []Comm {
	if n < 1 {
		exceptions.Panicf("comm.NewLocalGroup: need at least 1 rank, got %d", n)
	}
	if n == 1 {
		return []Comm{NewSingle()}
	}
	g := &localGroup{n: n, boxes: make(map[mailKey]chan []float64)}
	g.rcond = sync.NewCond(&g.rmu)
	cs := make([]Comm, n)
	for i := range cs {
		cs[i] = &localComm{g: g, rank: i}
	}
	return cs
}

func (g *localGroup) box(k mailKey) chan []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.boxes[k]
	if !ok {
		ch = make(chan []float64, 16)
		g.boxes[k] = ch
	}
	return ch
}

// allreduce is a generation-counted rendezvous: the last rank in publishes
// the combined value and wakes the others.
func (g *localGroup) allreduce(op Op, v int64) int64 {
	g.rmu.Lock()
	defer g.rmu.Unlock()
	gen := g.rgen
	if g.rcount == 0 {
		g.racc = v
		g.rop = op
	} else {
		g.racc = combine(g.rop, g.racc, v)
	}
	g.rcount++
	if g.rcount == g.n {
		g.rval = g.racc
		g.rcount = 0
		g.rgen++
		g.rcond.Broadcast()
		return g.rval
	}
	for gen == g.rgen {
		g.rcond.Wait()
	}
	return g.rval
}

type localComm struct {
	g    *localGroup
	rank int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.g.n }

type chanRequest struct {
	done chan struct{}
	err  error
}

func (r *chanRequest) Wait() error {
	<-r.done
	return r.err
}

func (c *localComm) Isend(to, tag int, data []float64) Request {
	if to < 0 || to >= c.g.n || to == c.rank {
		return doneRequest{errkind.Errorf(errkind.CommFailure, "invalid send target %d from rank %d", to, c.rank)}
	}
	cp := make([]float64, len(data))
	copy(cp, data)
	ch := c.g.box(mailKey{from: c.rank, to: to, tag: tag})
	req := &chanRequest{done: make(chan struct{})}
	go func() {
		ch <- cp
		close(req.done)
	}()
	return req
}

func (c *localComm) Irecv(from, tag int, data []float64) Request {
	if from < 0 || from >= c.g.n || from == c.rank {
		return doneRequest{errkind.Errorf(errkind.CommFailure, "invalid receive source %d on rank %d", from, c.rank)}
	}
	ch := c.g.box(mailKey{from: from, to: c.rank, tag: tag})
	req := &chanRequest{done: make(chan struct{})}
	go func() {
		msg := <-ch
		if len(msg) != len(data) {
			req.err = errkind.Errorf(errkind.CommFailure,
				"rank %d: message of %d elements does not fit receive buffer of %d (from %d, tag %d)",
				c.rank, len(msg), len(data), from, tag)
		} else {
			copy(data, msg)
		}
		close(req.done)
	}()
	return req
}

func (c *localComm) Allreduce(op Op, val int64) (int64, error) {
	return c.g.allreduce(op, val), nil
}

func (c *localComm) Barrier() error {
	c.g.allreduce(OpSum, 0)
	return nil
}

func (c *localComm) Close() error { return nil }
