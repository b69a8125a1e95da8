// Package comm provides the process-group contract the engine needs from its
// environment: size/rank, non-blocking point-to-point transfers, barriers and
// small integer reductions.
//
// Two implementations are provided: an in-process group wiring several ranks
// of the same process together (tests, benchmarking, num_ranks=1), and a TCP
// network group for real multi-machine runs. Both present the same MPI-like
// surface; the engine never sees the difference.
package comm

import "github.com/luco2018/yask/types/errkind"

// Op is an aggregation operation for Allreduce.
type Op int

const (
	OpSum Op = iota
	OpMin
	OpMax
)

// Request is a handle on an in-flight non-blocking transfer.
type Request interface {
	// Wait blocks until the transfer completes and returns its status.
	// For receives, the destination buffer is filled when Wait returns nil.
	Wait() error
}

// Comm is one rank's endpoint in a process group.
//
// Point-to-point transfers are matched by (peer, tag): a receive posted with
// (from, tag) completes with the data of a send posted as (to=from's peer,
// same tag). Tags must be non-negative; negative tags are reserved for the
// group's internal collectives.
type Comm interface {
	// Rank returns this process's index, 0 <= Rank() < Size().
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Isend posts a non-blocking send of data to rank 'to'.
	// The data slice is captured by value; the caller may reuse it after
	// the returned request's Wait.
	Isend(to, tag int, data []float64) Request

	// Irecv posts a non-blocking receive from rank 'from' into data.
	Irecv(from, tag int, data []float64) Request

	// Allreduce combines val across all ranks with op and returns the
	// result on every rank.
	Allreduce(op Op, val int64) (int64, error)

	// Barrier blocks until every rank has entered it.
	Barrier() error

	// Close releases the endpoint. The group is unusable afterwards.
	Close() error
}

func combine(op Op, a, b int64) int64 {
	switch op {
	case OpSum:
		return a + b
	case OpMin:
		return min(a, b)
	case OpMax:
		return max(a, b)
	}
	return a
}

// CheckEqualAcrossRanks verifies that val is identical on every rank of c,
// comparing the group-wide min and max. A mismatch returns ConfigInvalid.
func CheckEqualAcrossRanks(c Comm, val int64, what string) error {
	lo, err := c.Allreduce(OpMin, val)
	if err != nil {
		return err
	}
	hi, err := c.Allreduce(OpMax, val)
	if err != nil {
		return err
	}
	if lo != val || hi != val {
		return errkind.Errorf(errkind.ConfigInvalid,
			"%s values range from %d to %d across the ranks; they should all be identical",
			what, lo, hi)
	}
	return nil
}

// doneRequest is an already-completed request.
type doneRequest struct{ err error }

func (r doneRequest) Wait() error { return r.err }
