package reqhandler

import (
	"testing"
	"time"

	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/ferr"
	"github.com/DUNE-DAQ/readoutlibs/latbuf"
	"github.com/DUNE-DAQ/readoutlibs/latbuf/ring"
	"github.com/DUNE-DAQ/readoutlibs/payload"
)

func mkPayload(ts, tickDiff uint64, numFrames uint16) payload.Payload {
	p := payload.NewFramePayload(numFrames, 1)
	p.SetTimestamps(ts, tickDiff)
	return p
}

func newTestHandler(t *testing.T, cfg Config) (*Handler, latbuf.Buffer) {
	t.Helper()
	buf := ring.New(ring.BinarySearch)
	if err := buf.Conf(latbuf.Config{Capacity: 16}); err != nil {
		t.Fatal(err)
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 16
	}
	h := New(buf, ferr.New(), diag.NopSink{}, cfg)
	return h, buf
}

func TestIssueRequestFound(t *testing.T) {
	h, buf := newTestHandler(t, Config{SourceID: 1, PopLimitPct: 10, PopSizePct: 50, CleanupIntervalMs: 50, RequestTimeoutMs: 200})
	for i := 0; i < 5; i++ {
		buf.Write(mkPayload(uint64(i*100), 25, 4))
	}
	frag, err := h.IssueRequest(Request{Component: 1, WindowBegin: 50, WindowEnd: 250})
	if err != nil {
		t.Fatal(err)
	}
	if frag.Empty() {
		t.Fatal("expected a non-empty fragment")
	}
	if frag.ErrorBits != 0 {
		t.Fatalf("expected no error bits for a fully-covered window, got %v", frag.ErrorBits)
	}
	if h.Stats.Found.Load() != 1 {
		t.Fatalf("expected Found counter 1, got %d", h.Stats.Found.Load())
	}
}

// TestIssueRequestOnEmptyBufferReturnsImmediateNotFound covers spec.md
// §4.5.2 row 1 and §8.S3: a request against an empty buffer is answered
// right away with an empty, DataNotFound fragment. It must never be
// treated as a timeout.
func TestIssueRequestOnEmptyBufferReturnsImmediateNotFound(t *testing.T) {
	h, _ := newTestHandler(t, Config{SourceID: 1, PopLimitPct: 10, PopSizePct: 50, CleanupIntervalMs: 50, RequestTimeoutMs: 5000})
	start := time.Now()
	frag, err := h.IssueRequest(Request{Component: 1, WindowBegin: 0, WindowEnd: 100})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if !frag.Empty() || !frag.ErrorBits.Has(DataNotFound) {
		t.Fatalf("expected an empty DataNotFound fragment, got %+v", frag)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected an immediate reply on an empty buffer, took %v", elapsed)
	}
	if h.Stats.NotFound.Load() != 1 {
		t.Fatalf("expected NotFound counter 1, got %d", h.Stats.NotFound.Load())
	}
	if h.Stats.TimedOut.Load() != 0 {
		t.Fatalf("an empty buffer must not count as a timeout, got %d", h.Stats.TimedOut.Load())
	}
}

func TestIssueRequestNotFoundAgedOut(t *testing.T) {
	h, buf := newTestHandler(t, Config{SourceID: 1, PopLimitPct: 10, PopSizePct: 50, CleanupIntervalMs: 50, RequestTimeoutMs: 200})
	for i := 0; i < 5; i++ {
		buf.Write(mkPayload(uint64(i*100+1000), 25, 4))
	}
	frag, err := h.IssueRequest(Request{Component: 1, WindowBegin: 0, WindowEnd: 100})
	if err != nil {
		t.Fatal(err)
	}
	if !frag.Empty() || !frag.ErrorBits.Has(DataNotFound) {
		t.Fatalf("expected an empty DataNotFound fragment for an already-aged-out range, got %+v", frag)
	}
	if h.Stats.NotFound.Load() != 1 {
		t.Fatalf("expected NotFound counter 1, got %d", h.Stats.NotFound.Load())
	}
}

func TestIssueRequestAllowPartialAtTail(t *testing.T) {
	h, buf := newTestHandler(t, Config{SourceID: 1, PopLimitPct: 10, PopSizePct: 50, CleanupIntervalMs: 50, RequestTimeoutMs: 200})
	for i := 0; i < 3; i++ {
		buf.Write(mkPayload(uint64(i*100), 25, 4))
	}
	// newest retained first_timestamp is 200; ask for a window that runs
	// past it with AllowPartial set: spec.md §4.5.2 row 6 / §8.S2.
	frag, err := h.IssueRequest(Request{Component: 1, WindowBegin: 50, WindowEnd: 500, AllowPartial: true})
	if err != nil {
		t.Fatal(err)
	}
	if frag.Empty() {
		t.Fatal("expected a partial, non-empty fragment")
	}
	if !frag.ErrorBits.Has(Incomplete) {
		t.Fatalf("expected the Incomplete bit set on a partial answer, got %v", frag.ErrorBits)
	}
}

func TestIssueRequestNotYetThenArrives(t *testing.T) {
	h, buf := newTestHandler(t, Config{SourceID: 1, PopLimitPct: 10, PopSizePct: 50, CleanupIntervalMs: 20, RequestTimeoutMs: 2000})
	buf.Write(mkPayload(0, 25, 4))

	done := make(chan struct{})
	go func() {
		frag, err := h.IssueRequest(Request{Component: 1, WindowBegin: 50, WindowEnd: 100})
		if err != nil {
			t.Error(err)
		}
		if frag.Empty() {
			t.Error("expected a non-empty fragment once data arrives")
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Write(mkPayload(100, 25, 4))
	h.Notify()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("IssueRequest did not unblock after data arrived")
	}
}

// TestIssueRequestTimesOutReturnsPartialFragment covers spec.md §8.S4: a
// genuine timeout (data never arrives within the window) returns a
// fragment marked INCOMPLETE/DataNotFound, not an error.
func TestIssueRequestTimesOutReturnsPartialFragment(t *testing.T) {
	h, buf := newTestHandler(t, Config{SourceID: 1, PopLimitPct: 10, PopSizePct: 50, CleanupIntervalMs: 50, RequestTimeoutMs: 50})
	buf.Write(mkPayload(0, 25, 4))

	frag, err := h.IssueRequest(Request{Component: 1, WindowBegin: 50, WindowEnd: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !frag.ErrorBits.Has(Incomplete) && !frag.ErrorBits.Has(DataNotFound) {
		t.Fatalf("expected a best-effort fragment marked Incomplete or DataNotFound, got %+v", frag)
	}
	if h.Stats.TimedOut.Load() != 1 {
		t.Fatalf("expected TimedOut counter 1, got %d", h.Stats.TimedOut.Load())
	}
}

func TestCleanupCheckTrimsBufferAndRegistry(t *testing.T) {
	h, buf := newTestHandler(t, Config{SourceID: 1, Capacity: 4, PopLimitPct: 1, PopSizePct: 50, CleanupIntervalMs: 50})
	for i := 0; i < 4; i++ {
		buf.Write(mkPayload(uint64(i*100), 25, 4))
	}
	h.ferrReg.Insert(ferr.Range{Begin: 0, End: 50}, ferr.MissingFrames)

	h.cleanupCheck()

	if buf.Occupancy() != 2 {
		t.Fatalf("expected half the entries popped, occupancy now %d", buf.Occupancy())
	}
	if h.ferrReg.HasError(ferr.MissingFrames) {
		t.Fatal("expected the stale error entry to be trimmed along with the buffer advance")
	}
	if h.Stats.NumBufferCleanups.Load() != 1 {
		t.Fatalf("expected NumBufferCleanups 1, got %d", h.Stats.NumBufferCleanups.Load())
	}
}

func TestCleanupCheckStopsBeforeRecordingCursor(t *testing.T) {
	h, buf := newTestHandler(t, Config{SourceID: 1, Capacity: 4, PopLimitPct: 1, PopSizePct: 100, CleanupIntervalMs: 50})
	for i := 0; i < 4; i++ {
		buf.Write(mkPayload(uint64(i*100), 25, 4))
	}
	h.mu.Lock()
	h.recording = true
	h.nextTSToRecord = 150 // between the 2nd (100) and 3rd (200) entries
	h.mu.Unlock()

	h.cleanupCheck()

	if buf.Occupancy() != 3 {
		t.Fatalf("expected cleanup to stop before next_timestamp_to_record, occupancy now %d", buf.Occupancy())
	}
	if front := buf.Front(); front == nil || front.FirstTimestamp() != 100 {
		t.Fatalf("expected front.first_timestamp <= next_timestamp_to_record, got %+v", front)
	}
}
