// Package latbuf defines the latency buffer abstraction (C3 in
// SPEC_FULL.md): a short-term, in-memory store of recently-read payloads
// that the request handler searches to satisfy data requests before they
// age out. Two implementations live in sub-packages: latbuf/ring (a
// single-producer/single-consumer circular buffer, fixed-rate or
// binary-search lookup) and latbuf/skiplist (an ordered set, for sources
// whose frames may arrive out of timestamp order).
//
// Grounded on original_source/include/readoutlibs/concepts/
// LatencyBufferConcept.hpp and models/detail/IterableQueueModel.hxx for
// the write/read/pop/occupancy/front/back contract, and on the teacher's
// own habit of expressing such contracts as a small interface
// (transport.Stream, ec.Jogger) rather than a generic container.
package latbuf

import "github.com/DUNE-DAQ/readoutlibs/payload"

// Config mirrors readoutconfig::LatencyBufferConf from the original
// implementation. The ring variant honours every field; the skiplist
// variant only honours Capacity (it allocates per-node, not as one
// contiguous region, so NUMA/alignment/preallocation do not apply to it).
type Config struct {
	Capacity       uint32
	NUMAAware      bool
	NUMANode       int
	IntrinsicAlloc bool
	AlignmentSize  uint32
	Preallocate    bool
}

// Buffer is the common contract both latency buffer implementations
// satisfy, grounded on LatencyBufferConcept.hpp's write/read/pop/front/
// back/occupancy/isEmpty/isFull surface.
type Buffer interface {
	// Conf (re)initialises the buffer, freeing any previously allocated
	// storage first, matching IterableQueueModel::conf's free-then-allocate
	// sequence.
	Conf(cfg Config) error

	// Write enqueues p. Returns false (and bumps the overflow counter) if
	// the buffer is full, or, for the skip list, if an entry with the same
	// key is already retained.
	Write(p payload.Payload) bool

	// Read dequeues and returns the oldest payload, or ok=false if empty.
	Read() (payload.Payload, bool)

	PopFront()
	Pop(n int)

	IsEmpty() bool
	IsFull() bool
	Occupancy() int

	Front() payload.Payload
	Back() payload.Payload

	// LowerBound returns the oldest retained payload whose key is >= the
	// given timestamp, or ok=false if none qualifies. withErrors forces the implementation to
	// fall back to a safe (non-arithmetic) search strategy, set by the
	// caller when the frame-error registry reports gaps in the covered
	// range (spec.md §4.3).
	LowerBound(ts uint64, withErrors bool) (payload.Payload, bool)

	// OverflowCount reports how many writes were rejected because the
	// buffer was full (diag.ResourceQueueError territory upstream).
	OverflowCount() uint64

	// Iterate walks every currently-retained payload, oldest to newest,
	// for fragment assembly (spec.md §4.5.3).
	Iterate() Iterator

	// Flush discards every currently-retained payload without resetting
	// the buffer's configuration (capacity, NUMA/alignment settings), the
	// final step of readout.Core's stop sequence (spec.md §4.6): unlike
	// Conf, it leaves the buffer ready to Write into again without a
	// fresh allocation.
	Flush()
}

// Iterator walks a Buffer's retained payloads from oldest to newest,
// matching IterableQueueModel::Iterator's role in the original.
type Iterator interface {
	Next() bool
	Value() payload.Payload
}
