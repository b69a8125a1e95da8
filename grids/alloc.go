package grids

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/luco2018/yask/types/errkind"
	"k8s.io/klog/v2"
)

// NUMA preference values. Non-negative values name a node.
const (
	// NumaDefault binds to the local node.
	NumaDefault = -1
	// NumaInterleave spreads pages across all nodes.
	NumaInterleave = -2
	// NumaNone performs aligned allocation with no binding.
	NumaNone = -9
)

const (
	// CacheLineBytes is the alignment of every handed-out range.
	CacheLineBytes = 64

	// HugePageBytes is the alignment used for groups at or above
	// HugeAlignThreshold.
	HugePageBytes = 2 << 20

	// HugeAlignThreshold is the group size at or above which huge-page
	// alignment is applied.
	HugeAlignThreshold = 4 << 20
)

// Storage is a flat element range handed out by an Allocator. Exactly one of
// the slices is non-nil, matching the requested element size.
type Storage struct {
	F32 []float32
	F64 []float64
}

// Reservation is a pending storage request; its Storage is available after
// Allocator.Commit.
type Reservation struct {
	pref      int
	elemBytes int
	numElems  int64
	storage   Storage
}

// Storage returns the committed range. Panics before Commit.
func (r *Reservation) Storage() Storage {
	if r.storage.F32 == nil && r.storage.F64 == nil {
		errkind.Panicf(errkind.AllocationFailed, "storage reservation used before Commit")
	}
	return r.storage
}

// Allocator accumulates per-grid storage requests grouped by NUMA preference
// and satisfies each group with a single aligned allocation.
//
// Pure-Go rendition of the grouped NUMA allocator: alignment is honored,
// binding is recorded and reported but not enforced — with no policy
// support, every preference falls through to plain aligned allocation.
type Allocator struct {
	reqs      []*Reservation
	committed bool
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator { return &Allocator{} }

// Request reserves numElems elements of elemBytes each under the given NUMA
// preference. The returned reservation is usable after Commit.
func (a *Allocator) Request(pref, elemBytes int, numElems int64) *Reservation {
	if a.committed {
		errkind.Panicf(errkind.AllocationFailed, "allocator already committed")
	}
	r := &Reservation{pref: pref, elemBytes: elemBytes, numElems: numElems}
	a.reqs = append(a.reqs, r)
	return r
}

// Commit allocates one backing range per (preference, element size) group and
// hands out cache-line-aligned sub-ranges to every reservation, in request
// order. Progress is reported to w.
func (a *Allocator) Commit(w io.Writer) error {
	if a.committed {
		return errkind.Errorf(errkind.AllocationFailed, "allocator already committed")
	}
	a.committed = true

	type groupKey struct {
		pref      int
		elemBytes int
	}
	groups := make(map[groupKey][]*Reservation)
	var order []groupKey
	for _, r := range a.reqs {
		k := groupKey{r.pref, r.elemBytes}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	for _, k := range order {
		rs := groups[k]
		alignElems := int64(CacheLineBytes / k.elemBytes)
		var total int64
		for _, r := range rs {
			if r.numElems <= 0 {
				return errkind.Errorf(errkind.AllocationFailed,
					"allocation request of %d elements", r.numElems)
			}
			total += alignUp(r.numElems, alignElems)
		}
		bytes := total * int64(k.elemBytes)
		alignBytes := int64(CacheLineBytes)
		if bytes >= HugeAlignThreshold {
			alignBytes = HugePageBytes
		}
		if w != nil {
			printfTo(w, "Allocating %s in one group of %d range(s) (NUMA pref %d, alignment %s)\n",
				humanize.IBytes(uint64(bytes)), len(rs), k.pref, humanize.IBytes(uint64(alignBytes)))
		}
		klog.V(1).Infof("grids: allocating %d bytes for %d ranges, numa pref %d", bytes, len(rs), k.pref)

		switch k.elemBytes {
		case 4:
			base := alignedSlice32(total, alignBytes)
			var ofs int64
			for _, r := range rs {
				r.storage = Storage{F32: base[ofs : ofs+r.numElems]}
				ofs += alignUp(r.numElems, alignElems)
			}
		case 8:
			base := alignedSlice64(total, alignBytes)
			var ofs int64
			for _, r := range rs {
				r.storage = Storage{F64: base[ofs : ofs+r.numElems]}
				ofs += alignUp(r.numElems, alignElems)
			}
		default:
			return errkind.Errorf(errkind.AllocationFailed,
				"unsupported element size %d", k.elemBytes)
		}
	}
	return nil
}

func alignUp(v, mult int64) int64 {
	rem := v % mult
	if rem == 0 {
		return v
	}
	return v + mult - rem
}

// alignedSlice64 allocates n float64s whose base address is a multiple of
// alignBytes, by over-allocating and slicing at the aligned offset.
func alignedSlice64(n, alignBytes int64) []float64 {
	extra := alignBytes / 8
	raw := make([]float64, n+extra)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	skip := int64(0)
	if rem := addr % uintptr(alignBytes); rem != 0 {
		skip = (int64(alignBytes) - int64(rem)) / 8
	}
	return raw[skip : skip+n]
}

func alignedSlice32(n, alignBytes int64) []float32 {
	extra := alignBytes / 4
	raw := make([]float32, n+extra)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	skip := int64(0)
	if rem := addr % uintptr(alignBytes); rem != 0 {
		skip = (int64(alignBytes) - int64(rem)) / 4
	}
	return raw[skip : skip+n]
}

func printfTo(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}
	_, _ = fmt.Fprintf(w, format, args...)
}
