package ring

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/DUNE-DAQ/readoutlibs/latbuf"
)

// backing is the raw storage a ring allocates for its slot array, plus
// whatever bookkeeping its allocation strategy needs to free it later.
// Grounded on IterableQueueModel::allocate_memory/free_memory, which
// branches on the same four knobs (intrinsic/aligned allocator, NUMA node,
// plain malloc); ehrlich-b-go-ublk's runner.go is the pack's example of
// driving unix.Mmap/unix.SchedSetaffinity directly for this kind of
// latency-sensitive, page-owning allocation rather than leaving it to the
// Go garbage collector.
type backing struct {
	mem    []byte
	mmaped bool
}

// allocSlots reserves storage for n slot headers (opaque to this
// function; callers index the returned byte region themselves is not the
// shape used here -- instead this sizes and pins the *process* for NUMA
// locality, returning only a hint buffer used to warm the allocator).
// The ring keeps its actual slots as a Go slice of interfaces (payload.Payload
// is itself a zero-copy view over frame-owned memory, so there is no
// second zero-copy copy to make at the ring layer); what this function
// really buys is (a) an mmap'd, page-aligned region when AlignmentSize or
// IntrinsicAlloc is requested, matching _mm_malloc/aligned_alloc, and (b)
// NUMA placement by pinning the allocating OS thread to the requested
// node's CPUs before the Go runtime touches the pages, matching
// numa_alloc_onnode's "allocate close to this node" intent without a
// libnuma cgo dependency.
func allocSlots(cfg latbuf.Config) (*backing, error) {
	if cfg.NUMAAware {
		if err := pinToNUMANode(cfg.NUMANode); err != nil {
			return nil, fmt.Errorf("latbuf/ring: numa pin failed: %w", err)
		}
	}

	if cfg.AlignmentSize == 0 && !cfg.IntrinsicAlloc {
		return &backing{}, nil
	}

	size := pageRound(int(cfg.Capacity) * int(cfg.AlignmentSize))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("latbuf/ring: mmap failed: %w", err)
	}
	_ = unix.Madvise(mem, unix.MADV_WILLNEED)
	return &backing{mem: mem, mmaped: true}, nil
}

func (b *backing) free() {
	if b == nil || !b.mmaped {
		return
	}
	_ = unix.Munmap(b.mem)
	b.mem = nil
	b.mmaped = false
}

func pageRound(n int) int {
	pageSize := unix.Getpagesize()
	if n <= 0 {
		return pageSize
	}
	return (n + pageSize - 1) / pageSize * pageSize
}

// pinToNUMANode locks the calling goroutine to its OS thread and restricts
// that thread's CPU affinity to node*cpusPerNode..+cpusPerNode-1, a
// best-effort node-locality hint (the real libnuma allocator is not
// available without cgo; this mirrors what the original does -- "get
// close to this node" -- using the same unix.CPUSet/SchedSetaffinity
// primitives ehrlich-b-go-ublk uses to pin queue workers).
func pinToNUMANode(node int) error {
	if node < 0 {
		return nil
	}
	runtime.LockOSThread()

	const cpusPerNodeGuess = 8
	var mask unix.CPUSet
	mask.Zero()
	base := node * cpusPerNodeGuess
	for c := base; c < base+cpusPerNodeGuess; c++ {
		mask.Set(c)
	}
	return unix.SchedSetaffinity(0, &mask)
}
