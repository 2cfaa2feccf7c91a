package payload

import "encoding/binary"

// FramePayload is the one concrete Payload implementation the readout core
// ships: a header (first timestamp, geo ids, tick spacing, subsystem tag)
// followed by NumFrames fixed-size frames, each carrying its own timestamp,
// per-frame error bits and a fixed number of ADC-style channel samples.
// Bit-exact layout is deliberately unspecified by spec.md §1 ("bit-exact
// on-wire formats of the payload types themselves"); this is one reasonable
// realisation used by the emulator, the tests and the demo binary.
const (
	hdrSize        = 32 // first_ts(8) subsys(2) fragtype(2) crate(2) slot(2) link(2) tickdiff(8) numframes(2) pad(4)
	frameHdrSize   = 16 // timestamp(8) error_bits(2) pad(6)
	hdrOffFirstTS  = 0
	hdrOffSubsys   = 8
	hdrOffFragType = 10
	hdrOffCrate    = 12
	hdrOffSlot     = 14
	hdrOffLink     = 16
	hdrOffTickDiff = 18
	hdrOffNFrames  = 26
)

type FramePayload struct {
	buf         []byte
	numChannels uint16
}

// NewFramePayload allocates a payload with numFrames frames of numChannels
// ADC samples each (2 bytes/sample). All fields start zeroed; use
// SetTimestamps et al. to populate it, as the emulator does.
func NewFramePayload(numFrames, numChannels uint16) *FramePayload {
	fsz := frameHdrSize + int(numChannels)*2
	p := &FramePayload{
		buf:         make([]byte, hdrSize+int(numFrames)*fsz),
		numChannels: numChannels,
	}
	binary.BigEndian.PutUint16(p.buf[hdrOffNFrames:], numFrames)
	return p
}

// FromBytes reconstructs a FramePayload from a raw wire buffer previously
// obtained via Bytes(), given the numChannels it was built with (the wire
// buffer itself does not carry that count; see recording.Writer, which
// stores it alongside the bytes for exactly this reason).
func FromBytes(buf []byte, numChannels uint16) *FramePayload {
	return &FramePayload{buf: buf, numChannels: numChannels}
}

func (p *FramePayload) frameSize() int { return frameHdrSize + int(p.numChannels)*2 }

func (p *FramePayload) Key() Key {
	return Key{Timestamp: p.FirstTimestamp(), TieBreak: uint64(p.Subsystem())<<16 | uint64(p.FragmentType())}
}

func (p *FramePayload) FirstTimestamp() uint64 {
	return binary.BigEndian.Uint64(p.buf[hdrOffFirstTS:])
}

func (p *FramePayload) NumFrames() uint16 {
	return binary.BigEndian.Uint16(p.buf[hdrOffNFrames:])
}

func (p *FramePayload) FrameSize() int      { return p.frameSize() }
func (p *FramePayload) PayloadSize() int    { return len(p.buf) }
func (p *FramePayload) NumChannels() uint16 { return p.numChannels }

func (p *FramePayload) ExpectedTickDifference() uint64 {
	return binary.BigEndian.Uint64(p.buf[hdrOffTickDiff:])
}

func (p *FramePayload) Frames() []Frame {
	n := int(p.NumFrames())
	fsz := p.frameSize()
	out := make([]Frame, n)
	for i := 0; i < n; i++ {
		off := hdrSize + i*fsz
		fb := p.buf[off : off+fsz]
		out[i] = Frame{
			Timestamp: binary.BigEndian.Uint64(fb[0:8]),
			Bytes:     fb,
		}
	}
	return out
}

func (p *FramePayload) Bytes() []byte { return p.buf }

func (p *FramePayload) Subsystem() uint16    { return binary.BigEndian.Uint16(p.buf[hdrOffSubsys:]) }
func (p *FramePayload) FragmentType() uint16 { return binary.BigEndian.Uint16(p.buf[hdrOffFragType:]) }

func (p *FramePayload) Clone() Payload {
	cp := &FramePayload{buf: make([]byte, len(p.buf)), numChannels: p.numChannels}
	copy(cp.buf, p.buf)
	return cp
}

// SetTimestamps lays down first_timestamp=base, stores tickDiff as the
// expected tick difference, and sets frame i's timestamp to
// base + i*tickDiff, so the k-th frame's timestamp equals
// first_timestamp + k*expected_tick_difference.
func (p *FramePayload) SetTimestamps(base, tickDiff uint64) {
	binary.BigEndian.PutUint64(p.buf[hdrOffFirstTS:], base)
	binary.BigEndian.PutUint64(p.buf[hdrOffTickDiff:], tickDiff)
	n := int(p.NumFrames())
	fsz := p.frameSize()
	for i := 0; i < n; i++ {
		off := hdrSize + i*fsz
		ts := base + uint64(i)*tickDiff
		binary.BigEndian.PutUint64(p.buf[off:off+8], ts)
	}
}

func (p *FramePayload) SetGeo(crate, slot, link uint16) {
	binary.BigEndian.PutUint16(p.buf[hdrOffCrate:], crate)
	binary.BigEndian.PutUint16(p.buf[hdrOffSlot:], slot)
	binary.BigEndian.PutUint16(p.buf[hdrOffLink:], link)
}

func (p *FramePayload) SetSubsystem(subsys, fragType uint16) {
	binary.BigEndian.PutUint16(p.buf[hdrOffSubsys:], subsys)
	binary.BigEndian.PutUint16(p.buf[hdrOffFragType:], fragType)
}

// SetErrors consumes the next NumFrames() entries of bits (one per frame,
// wrapping if shorter) and stores each in its frame's error_bits field.
func (p *FramePayload) SetErrors(bits []uint16) {
	if len(bits) == 0 {
		return
	}
	n := int(p.NumFrames())
	fsz := p.frameSize()
	for i := 0; i < n; i++ {
		off := hdrSize + i*fsz
		binary.BigEndian.PutUint16(p.buf[off+8:off+10], bits[i%len(bits)])
	}
}

func (p *FramePayload) FrameErrorBits(frameIdx int) uint16 {
	off := hdrSize + frameIdx*p.frameSize()
	return binary.BigEndian.Uint16(p.buf[off+8 : off+10])
}

// SetADCPattern lifts the given channel to its maximum value (0xFFFF) in
// every frame, emulating a periodic test-pulse pattern (spec.md §4.7).
func (p *FramePayload) SetADCPattern(channel uint16) {
	if channel >= p.numChannels {
		return
	}
	n := int(p.NumFrames())
	fsz := p.frameSize()
	for i := 0; i < n; i++ {
		off := hdrSize + i*fsz + frameHdrSize + int(channel)*2
		binary.BigEndian.PutUint16(p.buf[off:off+2], 0xFFFF)
	}
}

func (p *FramePayload) Channel(frameIdx int, channel uint16) uint16 {
	off := hdrSize + frameIdx*p.frameSize() + frameHdrSize + int(channel)*2
	return binary.BigEndian.Uint16(p.buf[off : off+2])
}

var _ Payload = (*FramePayload)(nil)
