// Stream is the in-process, loopback transport used by tests and
// cmd/readoutd's demo: it implements every interface in transport.go by
// moving bytes through buffered channels within the same process rather
// than over a real network socket. It still runs fragment and time-sync
// payloads through an lz4 stream exactly as the teacher's Stream does for
// its HTTP objects (transport/send.go's lz4Stream), so the compression
// dependency is genuinely exercised end to end, and Stats mirrors the
// teacher's own Stream.Stats shape (Num/Size/CompressedSize, atomic
// counters).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"
	"go.uber.org/atomic"

	jsoniter "github.com/json-iterator/go"

	"github.com/DUNE-DAQ/readoutlibs/cmn"
	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/payload"
	"github.com/DUNE-DAQ/readoutlibs/reqhandler"
)

// rawStallTimeout is how long the raw-forwarding loop waits for a payload
// before emitting diag.CannotReadFromQueue, a stall warning rather than a
// per-payload cost: steady streaming never comes close to it.
const rawStallTimeout = 2 * time.Second

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Stats mirrors the teacher's transport.Stats: atomic counters tracking
// what has moved across the stream, readable without disturbing the
// in-flight send path.
type Stats struct {
	Num            atomic.Int64
	Size           atomic.Int64
	CompressedSize atomic.Int64
}

// Stream is a loopback, lz4-compressed transport.
type Stream struct {
	rawHandler RawPayloadHandler

	reqMu      sync.RWMutex
	reqHandler RequestHandler

	destMu sync.Mutex
	dests  map[string]chan []byte // compressed fragment bytes, per destination

	tsMu sync.Mutex
	tsCh chan []byte // compressed time-sync messages

	rawCh   chan payload.Payload
	stopCh  *cmn.StopCh
	wg      sync.WaitGroup
	started atomic.Bool

	sink diag.Sink

	Stats Stats
}

// NewStream constructs an idle Stream; Start (for the raw-receiver half)
// wires up the background forwarding goroutine. sink receives
// diag.CannotReadFromQueue if the raw-forwarding loop stalls; nil defaults
// to diag.GlogSink, matching the rest of the package's constructors.
func NewStream(sink diag.Sink) *Stream {
	if sink == nil {
		sink = diag.GlogSink{}
	}
	return &Stream{
		dests:  make(map[string]chan []byte),
		tsCh:   make(chan []byte, 64),
		rawCh:  make(chan payload.Payload, 256),
		stopCh: cmn.NewStopCh(),
		sink:   sink,
	}
}

var (
	_ RawReceiver      = (*Stream)(nil)
	_ RequestReceiver  = (*Stream)(nil)
	_ FragmentSender   = (*Stream)(nil)
	_ TimeSyncSender   = (*Stream)(nil)
)

// --- RawReceiver ---

func (s *Stream) RegisterHandler(h RawPayloadHandler) { s.rawHandler = h }

// Start spawns the raw-forwarding goroutine; calls after the first are
// no-ops, since both the raw and the request side start the same Stream.
func (s *Stream) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh.Listen():
				return
			case p := <-s.rawCh:
				if s.rawHandler != nil {
					s.rawHandler(p)
				}
			case <-time.After(rawStallTimeout):
				s.sink.Emit(diag.Record{Kind: diag.CannotReadFromQueue,
					Detail: "no raw payload received within stall timeout"})
			}
		}
	}()
	return nil
}

func (s *Stream) Stop() {
	s.stopCh.Close()
	s.wg.Wait()
}

// Push feeds one raw payload into the stream, as the front-end link
// would. Used by the source emulator (C7); returns false without
// blocking if the channel is full, so a caller driving it at a fixed
// rate (emulator.Source) can count the drop rather than stall.
func (s *Stream) Push(p payload.Payload) bool {
	select {
	case s.rawCh <- p:
		return true
	default:
		return false
	}
}

// --- RequestReceiver ---

// Request runs a data request against whatever RequestHandler was
// registered, synchronously (the loopback transport has no network
// round-trip to hide this behind).
func (s *Stream) Request(req reqhandler.Request) (reqhandler.Fragment, error) {
	s.reqMu.RLock()
	h := s.reqHandler
	s.reqMu.RUnlock()
	if h == nil {
		return reqhandler.Fragment{}, fmt.Errorf("transport: no request handler registered")
	}
	return h(req)
}

// RegisterRequestHandler sets the callback Request runs. RequestReceiver's
// Start/Stop are the RawReceiver methods above: in this loopback transport
// one forwarding goroutine serves both directions.
func (s *Stream) RegisterRequestHandler(h RequestHandler) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.reqHandler = h
}

// UnregisterRequestHandler clears the registered callback so new requests
// fail fast with "no request handler registered" instead of reaching code
// that is mid-shutdown.
func (s *Stream) UnregisterRequestHandler() {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.reqHandler = nil
}

// --- FragmentSender ---

// SendFragment lz4-compresses frag's bytes and delivers them to dest's
// channel, creating it on first use (mirroring how the teacher's Stream
// lazily spins up a session per destination trname).
func (s *Stream) SendFragment(dest string, frag reqhandler.Fragment) error {
	raw := frag.Bytes()
	compressed, err := lz4Compress(raw)
	if err != nil {
		return fmt.Errorf("transport: compress fragment: %w", err)
	}

	s.destMu.Lock()
	ch, ok := s.dests[dest]
	if !ok {
		ch = make(chan []byte, 64)
		s.dests[dest] = ch
	}
	s.destMu.Unlock()

	select {
	case ch <- compressed:
	default:
		return fmt.Errorf("transport: destination %q backlog full", dest)
	}

	s.Stats.Num.Inc()
	s.Stats.Size.Add(int64(len(raw)))
	s.Stats.CompressedSize.Add(int64(len(compressed)))
	return nil
}

// RecvFragment blocks for the next fragment delivered to dest, for test
// and demo callers standing in for a downstream event builder.
func (s *Stream) RecvFragment(dest string) ([]byte, error) {
	s.destMu.Lock()
	ch, ok := s.dests[dest]
	if !ok {
		ch = make(chan []byte, 64)
		s.dests[dest] = ch
	}
	s.destMu.Unlock()

	compressed := <-ch
	return lz4Decompress(compressed)
}

// --- TimeSyncSender ---

func (s *Stream) SendTimeSync(ts TimeSync) error {
	raw, err := jsonAPI.Marshal(ts)
	if err != nil {
		return fmt.Errorf("transport: marshal timesync: %w", err)
	}
	compressed, err := lz4Compress(raw)
	if err != nil {
		return fmt.Errorf("transport: compress timesync: %w", err)
	}
	select {
	case s.tsCh <- compressed:
		return nil
	default:
		return fmt.Errorf("transport: timesync backlog full")
	}
}

// RecvTimeSync blocks for the next time-sync message, decompressing and
// decoding it back into a TimeSync.
func (s *Stream) RecvTimeSync() (TimeSync, error) {
	compressed := <-s.tsCh
	raw, err := lz4Decompress(compressed)
	if err != nil {
		return TimeSync{}, err
	}
	var ts TimeSync
	if err := jsonAPI.Unmarshal(raw, &ts); err != nil {
		return TimeSync{}, fmt.Errorf("transport: unmarshal timesync: %w", err)
	}
	return ts, nil
}

func lz4Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
