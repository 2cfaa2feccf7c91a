package stats

import "testing"

func TestCounterResetIsAtomicSnapshot(t *testing.T) {
	var c Counter
	c.Add(5)
	c.Inc()
	if got := c.Load(); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
	if got := c.Reset(); got != 6 {
		t.Fatalf("expected Reset to return the pre-reset value 6, got %d", got)
	}
	if got := c.Load(); got != 0 {
		t.Fatalf("expected 0 after reset, got %d", got)
	}
}

func TestCountersTakeAndResetDoesNotDoubleCount(t *testing.T) {
	var c Counters
	c.PacketsReceived.Add(10)
	c.FragmentsSent.Add(3)

	snap1 := c.TakeAndReset()
	if snap1.PacketsReceived != 10 || snap1.FragmentsSent != 3 {
		t.Fatalf("unexpected first snapshot: %+v", snap1)
	}

	snap2 := c.TakeAndReset()
	if snap2.PacketsReceived != 0 || snap2.FragmentsSent != 0 {
		t.Fatalf("expected second snapshot to be zero, got %+v", snap2)
	}

	c.PacketsReceived.Add(4)
	snap3 := c.TakeAndReset()
	if snap3.PacketsReceived != 4 {
		t.Fatalf("expected 4 after new increments, got %d", snap3.PacketsReceived)
	}
}
