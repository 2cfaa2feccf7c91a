package transport

import (
	"testing"
	"time"

	"github.com/DUNE-DAQ/readoutlibs/payload"
	"github.com/DUNE-DAQ/readoutlibs/reqhandler"
)

func TestRawPayloadDelivery(t *testing.T) {
	s := NewStream(nil)
	received := make(chan payload.Payload, 1)
	s.RegisterHandler(func(p payload.Payload) { received <- p })
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	p := payload.NewFramePayload(1, 1)
	p.SetTimestamps(123, 25)
	s.Push(p)

	select {
	case got := <-received:
		if got.FirstTimestamp() != 123 {
			t.Fatalf("expected timestamp 123, got %d", got.FirstTimestamp())
		}
	case <-time.After(time.Second):
		t.Fatal("raw payload was not delivered")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	s := NewStream(nil)
	s.RegisterRequestHandler(func(req reqhandler.Request) (reqhandler.Fragment, error) {
		return reqhandler.Fragment{
			TriggerNumber: req.TriggerNumber,
			WindowBegin:   req.WindowBegin,
			WindowEnd:     req.WindowEnd,
		}, nil
	})
	frag, err := s.Request(reqhandler.Request{TriggerNumber: 7, WindowBegin: 0, WindowEnd: 100})
	if err != nil {
		t.Fatal(err)
	}
	if frag.TriggerNumber != 7 {
		t.Fatalf("expected TriggerNumber 7, got %d", frag.TriggerNumber)
	}

	s.UnregisterRequestHandler()
	if _, err := s.Request(reqhandler.Request{}); err == nil {
		t.Fatal("expected an error after UnregisterRequestHandler")
	}
}

func TestSendFragmentRoundTripsThroughLZ4(t *testing.T) {
	s := NewStream(nil)
	frag := reqhandler.Fragment{Pieces: [][]byte{[]byte("hello "), []byte("world")}}
	if err := s.SendFragment("downstream", frag); err != nil {
		t.Fatal(err)
	}
	got, err := s.RecvFragment("downstream")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected round-tripped bytes %q, got %q", "hello world", got)
	}
	if s.Stats.Num.Load() != 1 {
		t.Fatalf("expected Num=1, got %d", s.Stats.Num.Load())
	}
}

func TestSendTimeSyncRoundTrip(t *testing.T) {
	s := NewStream(nil)
	in := TimeSync{SourceID: 3, DAQTime: 9999, SystemTime: 42}
	if err := s.SendTimeSync(in); err != nil {
		t.Fatal(err)
	}
	out, err := s.RecvTimeSync()
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}
