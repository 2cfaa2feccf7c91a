package reqhandler

import "io"

// ErrorBits flags conditions the assembly process itself observed,
// carried in the Fragment header alongside the assembled bytes (spec.md
// §3/§7).
type ErrorBits uint32

const (
	// DataNotFound marks a fragment with no data at all: the request's
	// window had already aged out, or fell entirely outside the buffer.
	DataNotFound ErrorBits = 1 << iota
	// Incomplete marks a fragment that only partially covers the
	// requested window (AllowPartial let matching succeed anyway).
	Incomplete
)

func (b ErrorBits) Has(bit ErrorBits) bool { return b&bit != 0 }

// Fragment is the zero-copy assembly of a data request's answer: a
// header describing what was requested and how the assembly went,
// followed by a sequence of byte slices, each pointing directly into a
// retained Payload's own backing array (spec.md §4.5.3), concatenated
// only at send time by whatever transport sink actually needs one
// contiguous buffer.
type Fragment struct {
	Size             uint64
	TriggerNumber    uint64
	TriggerTimestamp uint64
	WindowBegin      uint64
	WindowEnd        uint64
	RunNumber        uint32
	FragmentType     uint16
	SequenceNumber   uint64
	DetectorID       uint16
	ElementID        uint32
	ErrorBits        ErrorBits

	Pieces [][]byte
}

// Empty reports whether the fragment carries no data at all, i.e. was
// answered via the DataNotFound path.
func (f Fragment) Empty() bool { return len(f.Pieces) == 0 }

// Len returns the total byte length across all pieces.
func (f Fragment) Len() int {
	n := 0
	for _, p := range f.Pieces {
		n += len(p)
	}
	return n
}

// WriteTo streams every piece to w in order without concatenating them
// first, the "zero-copy send" half of assembly: the only copy that
// happens is the one the underlying io.Writer itself performs.
func (f Fragment) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, p := range f.Pieces {
		n, err := w.Write(p)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Bytes concatenates every piece into one contiguous slice. Used only by
// callers (tests, the in-process transport demo) that genuinely need a
// single buffer; the network path should prefer WriteTo.
func (f Fragment) Bytes() []byte {
	out := make([]byte, 0, f.Len())
	for _, p := range f.Pieces {
		out = append(out, p...)
	}
	return out
}
