// Package payload defines the narrow capability set (C1 in spec.md) that
// the latency buffer, processor, request handler and emulator need from a
// raw hardware payload. It corresponds to original_source/'s
// concepts/ReadoutTypes.hpp payload trait: a small, trivially-copyable
// accessor surface rather than a concrete wire format, since bit-exact
// on-wire formats are explicitly out of scope (spec.md §1).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package payload

// Key totally orders payloads by (FirstTimestamp, tie-break). Equal keys
// are duplicates and must not coexist in a latency buffer (spec.md §3).
type Key struct {
	Timestamp uint64
	TieBreak  uint64
}

func (k Key) Less(o Key) bool {
	if k.Timestamp != o.Timestamp {
		return k.Timestamp < o.Timestamp
	}
	return k.TieBreak < o.TieBreak
}

func (k Key) Equal(o Key) bool {
	return k.Timestamp == o.Timestamp && k.TieBreak == o.TieBreak
}

// Frame is one fixed-size subunit of a Payload, exposed to the request
// handler's fragment-assembly walk (spec.md §4.5.3).
type Frame struct {
	Timestamp uint64
	Bytes     []byte // frame_size bytes; points into the owning Payload's storage
}

// Payload is the uniform accessor set every latency buffer, processor and
// request handler is generic over. Implementations are expected to be
// trivially copyable value types wrapping a fixed-size byte buffer; P is
// always used through this interface, never type-switched on, so a Go
// implementation can satisfy "monomorphised at compile time" by simply
// writing one interface implementation per detector/fragment type (see
// DESIGN.md's note on templating-over-payload-type).
type Payload interface {
	// Key orders this payload against others in the same latency buffer.
	Key() Key
	FirstTimestamp() uint64
	NumFrames() uint16
	FrameSize() int
	PayloadSize() int // must equal int(NumFrames())*FrameSize() (spec.md §4.1 invariant i)

	// NumChannels reports the per-frame ADC channel count this payload was
	// built with, so generic callers (recording.Writer's callers, the
	// emulator) can self-describe a record without threading the count
	// through separately.
	NumChannels() uint16

	// ExpectedTickDifference is the tick delta between consecutive frames
	// of this payload, as stored in its header; the first timestamps of
	// adjacent payloads of the same source are NumFrames() times this
	// apart.
	ExpectedTickDifference() uint64

	// Frames iterates the payload's frames in order. Implementations should
	// be zero-copy: each Frame.Bytes should point into the payload's own
	// backing array.
	Frames() []Frame

	// Bytes returns the full payload as one contiguous slice (zero-copy),
	// used when emitting a "fully inside the window" fragment piece.
	Bytes() []byte

	Subsystem() uint16
	FragmentType() uint16

	// Clone returns a deep copy suitable for owning in a latency buffer
	// slot or for the source emulator to mutate independently of the
	// template it was cloned from.
	Clone() Payload

	// synthetic mutators, used only by the source emulator (C7) to drive
	// the core from canned data (spec.md §4.7).
	SetTimestamps(base, tickDiff uint64)
	SetGeo(crate, slot, link uint16)
	SetErrors(bits []uint16)
	SetADCPattern(channel uint16)
}
