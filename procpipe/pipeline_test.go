package procpipe

import (
	"sync"
	"testing"
	"time"

	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/latbuf"
	"github.com/DUNE-DAQ/readoutlibs/latbuf/ring"
	"github.com/DUNE-DAQ/readoutlibs/payload"
)

func mkPayload(ts uint64) payload.Payload {
	p := payload.NewFramePayload(1, 1)
	p.SetTimestamps(ts, 25)
	return p
}

func TestPreTasksRunSynchronouslyInOrder(t *testing.T) {
	p := New(diag.NopSink{})
	var order []int
	p.AddPreTask(func(payload.Payload) { order = append(order, 1) })
	p.AddPreTask(func(payload.Payload) { order = append(order, 2) })

	p.ProcessPre(mkPayload(100))

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected pre-tasks to run in registration order, got %v", order)
	}
	if p.LastDAQTime() != 100 {
		t.Fatalf("expected last_daq_time 100, got %d", p.LastDAQTime())
	}
}

func TestPostTaskRunsOffHotPath(t *testing.T) {
	p := New(diag.NopSink{})
	var mu sync.Mutex
	var seen []uint64
	p.AddPostTask("mon", 4, func(pl payload.Payload) {
		mu.Lock()
		seen = append(seen, pl.FirstTimestamp())
		mu.Unlock()
	})
	p.Start()
	defer p.Stop()

	p.ProcessPost(mkPayload(10))
	p.ProcessPost(mkPayload(20))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 post-processed payloads, got %d", len(seen))
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []diag.Record
}

func (s *recordingSink) Emit(r diag.Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func TestPostQueueFullEmitsDiagnostic(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)
	block := make(chan struct{})
	p.AddPostTask("slow", 1, func(payload.Payload) { <-block })
	p.Start()

	// First Process fills the one worker goroutine (blocked in block), the
	// second fills the depth-1 queue, the third must find it full.
	p.ProcessPost(mkPayload(1))
	p.ProcessPost(mkPayload(2))
	p.ProcessPost(mkPayload(3))

	close(block)
	p.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) == 0 {
		t.Fatal("expected at least one POSTPROCESSING_NOT_KEEPING_UP diagnostic")
	}
	if sink.records[0].Kind != diag.PostprocessingNotKeepingUp {
		t.Fatalf("expected PostprocessingNotKeepingUp, got %v", sink.records[0].Kind)
	}
}

func TestDrainDeferredHoldsBackEntriesWithinDelayWindow(t *testing.T) {
	p := New(diag.NopSink{})
	p.SetPostProcessingDelay(50)
	var mu sync.Mutex
	var seen []uint64
	p.AddPostTask("mon", 8, func(pl payload.Payload) {
		mu.Lock()
		seen = append(seen, pl.FirstTimestamp())
		mu.Unlock()
	})
	p.Start()
	defer p.Stop()

	buf := ring.New(ring.BinarySearch)
	if err := buf.Conf(latbuf.Config{Capacity: 8}); err != nil {
		t.Fatal(err)
	}
	for _, ts := range []uint64{0, 25, 50, 75, 100} {
		buf.Write(mkPayload(ts))
	}

	// Newest is 100, delay is 50, so only entries with ts < 50 qualify.
	p.DrainDeferred(buf)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	got := append([]uint64(nil), seen...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 0 || got[1] != 25 {
		t.Fatalf("expected [0 25] dispatched, got %v", got)
	}

	// A second call with no new arrivals should not re-dispatch anything.
	p.DrainDeferred(buf)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected no re-dispatch, got %d entries", n)
	}
}
