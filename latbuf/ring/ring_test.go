package ring

import (
	"testing"

	"github.com/DUNE-DAQ/readoutlibs/latbuf"
	"github.com/DUNE-DAQ/readoutlibs/payload"
)

func mkPayload(ts, tickDiff uint64, numFrames uint16) payload.Payload {
	p := payload.NewFramePayload(numFrames, 1)
	p.SetTimestamps(ts, tickDiff)
	return p
}

func TestWriteReadOrder(t *testing.T) {
	r := New(BinarySearch)
	if err := r.Conf(latbuf.Config{Capacity: 4}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if !r.Write(mkPayload(uint64(i*100), 25, 4)) {
			t.Fatalf("write %d should have succeeded", i)
		}
	}
	if !r.IsFull() {
		t.Fatal("expected full after filling capacity")
	}
	if r.Write(mkPayload(999, 25, 4)) {
		t.Fatal("expected write to fail on full ring")
	}
	if r.OverflowCount() != 1 {
		t.Fatalf("expected overflow count 1, got %d", r.OverflowCount())
	}
	for i := 0; i < 4; i++ {
		p, ok := r.Read()
		if !ok {
			t.Fatalf("expected read %d to succeed", i)
		}
		if p.FirstTimestamp() != uint64(i*100) {
			t.Fatalf("out of order read: got %d want %d", p.FirstTimestamp(), i*100)
		}
	}
	if !r.IsEmpty() {
		t.Fatal("expected empty after draining")
	}
}

func TestBinarySearchLowerBound(t *testing.T) {
	r := New(BinarySearch)
	if err := r.Conf(latbuf.Config{Capacity: 8}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		r.Write(mkPayload(uint64(i*100), 25, 4))
	}
	p, ok := r.LowerBound(250, false)
	if !ok {
		t.Fatal("expected a hit")
	}
	if p.FirstTimestamp() != 300 {
		t.Fatalf("expected lower_bound(250)=300, got %d", p.FirstTimestamp())
	}
	if _, ok := r.LowerBound(10000, false); ok {
		t.Fatal("expected no hit far beyond newest")
	}
}

func TestFixedRateLowerBound(t *testing.T) {
	r := New(FixedRate)
	if err := r.Conf(latbuf.Config{Capacity: 8}); err != nil {
		t.Fatal(err)
	}
	// Each payload spans 4 frames * tick 25 = 100 ticks.
	for i := 0; i < 5; i++ {
		r.Write(mkPayload(uint64(i*100), 25, 4))
	}
	p, ok := r.LowerBound(100, false)
	if !ok || p.FirstTimestamp() != 100 {
		t.Fatalf("expected exact boundary hit at 100, got %v %v", p, ok)
	}
	// Non-boundary hit rounds up to the next element, per
	// FixedRateQueueModel::lower_bound.
	p, ok = r.LowerBound(150, false)
	if !ok || p.FirstTimestamp() != 200 {
		t.Fatalf("expected round-up to 200, got %v %v", p, ok)
	}
}

func TestFixedRateFallsBackOnErrors(t *testing.T) {
	r := New(FixedRate)
	if err := r.Conf(latbuf.Config{Capacity: 8}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		r.Write(mkPayload(uint64(i*100), 25, 4))
	}
	p, ok := r.LowerBound(150, true)
	if !ok {
		t.Fatal("expected binary-search fallback to still find a bound")
	}
	if p.FirstTimestamp() != 200 {
		t.Fatalf("expected binary search to return 200 as well, got %d", p.FirstTimestamp())
	}
}

func TestOccupancyAndFrontBack(t *testing.T) {
	r := New(BinarySearch)
	if err := r.Conf(latbuf.Config{Capacity: 4}); err != nil {
		t.Fatal(err)
	}
	if r.Occupancy() != 0 {
		t.Fatal("expected zero occupancy on fresh ring")
	}
	r.Write(mkPayload(0, 25, 4))
	r.Write(mkPayload(100, 25, 4))
	if r.Occupancy() != 2 {
		t.Fatalf("expected occupancy 2, got %d", r.Occupancy())
	}
	if r.Front().FirstTimestamp() != 0 {
		t.Fatal("front should be the oldest element")
	}
	if r.Back().FirstTimestamp() != 100 {
		t.Fatal("back should be the newest element")
	}
}

func TestPreallocate(t *testing.T) {
	r := New(BinarySearch)
	if err := r.Conf(latbuf.Config{Capacity: 4, Preallocate: true}); err != nil {
		t.Fatal(err)
	}
	if r.Occupancy() != 0 {
		t.Fatalf("expected preallocation to end up flushed (empty), got occupancy %d", r.Occupancy())
	}
}

func TestFlushEmptiesWithoutReallocating(t *testing.T) {
	r := New(BinarySearch)
	if err := r.Conf(latbuf.Config{Capacity: 4}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		r.Write(mkPayload(uint64(i*100), 25, 4))
	}
	r.Flush()
	if r.Occupancy() != 0 {
		t.Fatalf("expected occupancy 0 after Flush, got %d", r.Occupancy())
	}
	if !r.Write(mkPayload(0, 25, 4)) {
		t.Fatal("expected the ring to accept writes again after Flush")
	}
}
