// Package ring implements the fixed-capacity circular latency buffer (C3),
// grounded on original_source/include/readoutlibs/models/detail/
// IterableQueueModel.hxx (the SPSC slot array, capacity+1 sizing,
// acquire/release index discipline) with two lower_bound strategies from
// BinarySearchQueueModel.hxx and FixedRateQueueModel.hxx.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ring

import (
	"go.uber.org/atomic"

	"github.com/DUNE-DAQ/readoutlibs/cmn"
	"github.com/DUNE-DAQ/readoutlibs/latbuf"
	"github.com/DUNE-DAQ/readoutlibs/payload"
)

// Strategy selects the lower_bound search algorithm.
type Strategy int

const (
	// BinarySearch works for any arrival pattern at O(log n) per lookup.
	BinarySearch Strategy = iota
	// FixedRate assumes frames arrive at a constant tick rate and computes
	// the target slot arithmetically in O(1); it falls back to
	// BinarySearch when the caller reports gaps (withErrors).
	FixedRate
)

// Ring is a single-producer/single-consumer circular latency buffer. The
// producer (pre-processing pipeline) calls Write; the consumer (request
// handler, cleanup thread) calls Read/Pop/LowerBound. Mixing other access
// patterns is undefined, exactly as in the original.
type Ring struct {
	strategy Strategy

	slots []payload.Payload // len == capacity+1, matching the original's one-slot-wasted sizing
	size  uint32

	readIdx  atomic.Uint32
	writeIdx atomic.Uint32
	overflow atomic.Uint64

	back *backing
}

var _ latbuf.Buffer = (*Ring)(nil)

// New constructs a Ring using the given lower_bound strategy. Conf must be
// called before use.
func New(strategy Strategy) *Ring {
	return &Ring{strategy: strategy}
}

// Conf (re)initialises the ring, matching IterableQueueModel::conf: free
// any existing storage, allocate size_+1 slots, reset indices, and
// optionally preallocate with zero-valued entries which are then
// immediately flushed (this warms the underlying pages without leaving
// stale entries visible to readers).
func (r *Ring) Conf(cfg latbuf.Config) error {
	cmn.Assert(cfg.Capacity >= 2, "latbuf/ring: capacity must be >= 2")

	r.back.free()
	b, err := allocSlots(cfg)
	if err != nil {
		return err
	}
	r.back = b

	r.size = cfg.Capacity + 1
	r.slots = make([]payload.Payload, r.size)
	r.readIdx.Store(0)
	r.writeIdx.Store(0)
	r.overflow.Store(0)

	if cfg.Preallocate {
		for i := uint32(0); i < cfg.Capacity; i++ {
			r.Write(nil)
		}
		r.Pop(r.Occupancy())
	}
	return nil
}

func (r *Ring) Write(p payload.Payload) bool {
	cur := r.writeIdx.Load()
	next := cur + 1
	if next == r.size {
		next = 0
	}
	if next != r.readIdx.Load() {
		r.slots[cur] = p
		r.writeIdx.Store(next)
		return true
	}
	r.overflow.Inc()
	return false
}

func (r *Ring) Read() (payload.Payload, bool) {
	cur := r.readIdx.Load()
	if cur == r.writeIdx.Load() {
		return nil, false
	}
	p := r.slots[cur]
	r.slots[cur] = nil
	next := cur + 1
	if next == r.size {
		next = 0
	}
	r.readIdx.Store(next)
	return p, true
}

func (r *Ring) PopFront() {
	cur := r.readIdx.Load()
	cmn.Assert(cur != r.writeIdx.Load(), "latbuf/ring: PopFront on empty ring")
	r.slots[cur] = nil
	next := cur + 1
	if next == r.size {
		next = 0
	}
	r.readIdx.Store(next)
}

func (r *Ring) Pop(n int) {
	for i := 0; i < n; i++ {
		r.PopFront()
	}
}

func (r *Ring) IsEmpty() bool { return r.readIdx.Load() == r.writeIdx.Load() }

func (r *Ring) IsFull() bool {
	next := r.writeIdx.Load() + 1
	if next == r.size {
		next = 0
	}
	return next == r.readIdx.Load()
}

func (r *Ring) Occupancy() int {
	ret := int(r.writeIdx.Load()) - int(r.readIdx.Load())
	if ret < 0 {
		ret += int(r.size)
	}
	return ret
}

func (r *Ring) Front() payload.Payload {
	cur := r.readIdx.Load()
	if cur == r.writeIdx.Load() {
		return nil
	}
	return r.slots[cur]
}

func (r *Ring) Back() payload.Payload {
	cur := r.writeIdx.Load()
	if cur == r.readIdx.Load() {
		return nil
	}
	last := cur
	if last == 0 {
		last = r.size - 1
	} else {
		last--
	}
	return r.slots[last]
}

func (r *Ring) OverflowCount() uint64 { return r.overflow.Load() }

// Flush discards every retained slot and resets the read/write indices,
// without freeing or reallocating the backing storage (unlike Conf).
func (r *Ring) Flush() {
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.readIdx.Store(0)
	r.writeIdx.Store(0)
}

type ringIterator struct {
	r     *Ring
	cur   uint32
	end   uint32
	start bool
}

func (it *ringIterator) Next() bool {
	if !it.start {
		it.start = true
		return it.cur != it.end
	}
	next := it.cur + 1
	if next == it.r.size {
		next = 0
	}
	it.cur = next
	return it.cur != it.end
}

func (it *ringIterator) Value() payload.Payload { return it.r.slots[it.cur] }

// Iterate walks the ring from readIdx to writeIdx. The returned Iterator
// is a point-in-time snapshot of the index range; concurrent Pop/Read
// calls while iterating are the caller's responsibility to avoid (the
// cleanup protocol in reqhandler serializes against iteration for exactly
// this reason).
func (r *Ring) Iterate() latbuf.Iterator {
	return &ringIterator{r: r, cur: r.readIdx.Load(), end: r.writeIdx.Load()}
}

// LowerBound finds the oldest retained payload with key timestamp >= ts.
// withErrors forces FixedRate to defer to binary search, matching
// FixedRateQueueModel::lower_bound's own fallback when the caller has
// observed missing frames in the covered range.
func (r *Ring) LowerBound(ts uint64, withErrors bool) (payload.Payload, bool) {
	if r.strategy == BinarySearch || withErrors {
		return r.binarySearchLowerBound(ts)
	}
	return r.fixedRateLowerBound(ts)
}

func (r *Ring) binarySearchLowerBound(ts uint64) (payload.Payload, bool) {
	start := r.readIdx.Load()
	w := r.writeIdx.Load()
	end := w
	if start == end {
		return nil, false
	}
	if end == 0 {
		end = r.size - 1
	} else {
		end--
	}

	left := r.slots[start]
	if ts <= left.FirstTimestamp() {
		return left, true
	}

	for {
		var diff uint32
		if start <= end {
			diff = end - start
		} else {
			diff = r.size + end - start
		}
		mid := start + (diff+1)/2
		if mid >= r.size {
			mid -= r.size
		}
		between := r.slots[mid]
		if diff == 0 {
			if between.FirstTimestamp() < ts {
				// between is the newest payload older than ts; the bound
				// is the one after it, if any.
				mid++
				if mid == r.size {
					mid = 0
				}
				if mid == w {
					return nil, false
				}
				return r.slots[mid], true
			}
			return between, true
		}
		if ts < between.FirstTimestamp() {
			if mid == 0 {
				end = r.size - 1
			} else {
				end = mid - 1
			}
		} else {
			start = mid
		}
	}
}

func (r *Ring) fixedRateLowerBound(ts uint64) (payload.Payload, bool) {
	start := r.readIdx.Load()
	occ := uint64(r.Occupancy())
	if occ == 0 {
		return nil, false
	}
	first := r.slots[start]
	tickDiff := first.ExpectedTickDifference()
	nFrames := uint64(first.NumFrames())
	lastTS := first.FirstTimestamp()
	step := tickDiff * nFrames
	newestTS := lastTS + (occ-1)*step

	if ts > newestTS {
		return nil, false
	}
	if ts <= lastTS {
		return first, true
	}

	offset := (ts - lastTS) / step
	target := start + uint32(offset)
	if (ts-lastTS)%step != 0 {
		target++
	}
	if target >= r.size {
		target -= r.size
	}
	return r.slots[target], true
}
