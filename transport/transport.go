// Package transport defines the readout core's external interfaces
// (spec.md's EXTERNAL INTERFACES section): how raw payloads arrive, how
// data requests arrive and are answered, and how time-sync messages and
// fragments leave. These are the seams SPEC_FULL.md deliberately leaves
// abstract so the core can be driven by a real network stack or, as here,
// by an in-process Stream for tests and the demo binary.
//
// Grounded on the teacher's own transport package, which separates "what
// a stream carries" (Obj/Header) from "how a stream moves bytes"
// (Stream, with pluggable compression via lz4Stream); RawReceiver/
// RequestReceiver/FragmentSender/TimeSyncSender below play the same role
// the teacher's SendCallback/Client interfaces do: the narrow contract a
// concrete transport must satisfy, independent of its wire protocol.
package transport

import (
	"github.com/DUNE-DAQ/readoutlibs/payload"
	"github.com/DUNE-DAQ/readoutlibs/reqhandler"
)

// RawPayloadHandler is invoked for every raw payload the front-end link
// delivers.
type RawPayloadHandler func(payload.Payload)

// RawReceiver is the inbound side of the hardware/front-end link: a
// continuous stream of raw payloads, pushed to whatever handler the
// readout core registers.
type RawReceiver interface {
	RegisterHandler(RawPayloadHandler)
	Start() error
	Stop()
}

// RequestHandler answers one inbound data request.
type RequestHandler func(req reqhandler.Request) (reqhandler.Fragment, error)

// RequestReceiver is the inbound side of the data-request channel: a
// caller (typically a downstream event builder) submits a Request and
// gets back whatever RequestHandler produces.
type RequestReceiver interface {
	RegisterRequestHandler(RequestHandler)

	// UnregisterRequestHandler removes the registered callback without
	// tearing down the rest of the receiver, so readout.Core's stop
	// sequence (spec.md §4.6) can stop accepting new requests as its very
	// first step, well before the request handler (C5) itself stops.
	UnregisterRequestHandler()

	Start() error
	Stop()
}

// FragmentSender is the outbound side: delivering an assembled Fragment
// to the destination that issued the matching request.
type FragmentSender interface {
	SendFragment(dest string, frag reqhandler.Fragment) error
}

// TimeSync is the periodic time-synchronization message the readout core
// emits (spec.md §4.6), correlating its own clock against a reference.
type TimeSync struct {
	SourceID       uint32
	DAQTime        uint64
	SystemTime     int64 // unix nanoseconds
	RunNumber      uint32
	SequenceNumber uint64
	SourcePID      uint32
}

// TimeSyncSender emits TimeSync messages.
type TimeSyncSender interface {
	SendTimeSync(ts TimeSync) error
}
