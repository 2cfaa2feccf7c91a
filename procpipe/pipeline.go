// Package procpipe implements the pre/post-processing pipeline (C4): a
// synchronous pre-pipeline that runs inline on the ingest path (so its
// effects -- error-flagging, last_daq_time bookkeeping -- are visible
// before the payload is ever queried), and a bounded, fanned-out
// post-pipeline whose tasks run off the ingest path entirely so a slow
// consumer (e.g. a histogram monitor) cannot stall readout.
//
// The consumer thread calls ProcessPre before writing a payload to the
// latency buffer and ProcessPost (or, when a post-processing delay is
// configured, DrainDeferred) after: spec.md's consumer-thread algorithm
// keeps the buffer write between the two pipeline halves so post-tasks
// only ever see payloads that are already queryable by the request
// handler.
//
// Grounded on two teacher patterns: the bounded-channel worker loop in
// xaction/demand (one queue + one goroutine per unit of concurrent work,
// selecting on a stop channel) and the pending/active atomic bookkeeping
// plus hk.Reg-driven idle detection in xaction/demand/demand.go, adapted
// here to report backlog (queue-full) rather than idleness.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package procpipe

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/DUNE-DAQ/readoutlibs/cmn"
	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/latbuf"
	"github.com/DUNE-DAQ/readoutlibs/payload"
)

// PreTask runs synchronously, inline, for every payload as it is ingested.
// Pre-tasks are expected to be cheap (frame-error detection, timestamp
// continuity checks) since they are on the hot path.
type PreTask func(p payload.Payload)

// PostTask runs off the hot path, fed from its own bounded queue.
type PostTask func(p payload.Payload)

type postWorker struct {
	name  string
	fn    PostTask
	queue chan payload.Payload
}

// Pipeline owns the full set of pre- and post-processing tasks for one
// readout instance.
type Pipeline struct {
	pre  []PreTask
	post []*postWorker
	sink diag.Sink

	lastDAQTime atomic.Uint64
	stopCh      *cmn.StopCh
	wg          sync.WaitGroup

	// postProcessingDelayTicks, when non-zero, switches post-processing
	// from immediate per-payload dispatch to deferred batching: the
	// consumer thread calls DrainDeferred instead of ProcessPost, which
	// only dispatches entries old enough (relative to the buffer's
	// newest timestamp) to tolerate reordering within the delay window.
	postProcessingDelayTicks uint64
	processedUpToTS          uint64
}

// New constructs an empty Pipeline. AddPreTask/AddPostTask must be called
// before Start.
func New(sink diag.Sink) *Pipeline {
	if sink == nil {
		sink = diag.GlogSink{}
	}
	return &Pipeline{sink: sink, stopCh: cmn.NewStopCh()}
}

// SetPostProcessingDelay configures deferred, batched post-processing
// (spec.md's post_processing_delay_ticks): ticks == 0 keeps the default
// immediate-dispatch behaviour via ProcessPost.
func (p *Pipeline) SetPostProcessingDelay(ticks uint64) {
	p.postProcessingDelayTicks = ticks
}

func (p *Pipeline) AddPreTask(fn PreTask) {
	p.pre = append(p.pre, fn)
}

// AddPostTask registers a named post-processing task with its own bounded
// queue of depth queueLen. A payload that finds the queue full is dropped
// and reported via diag.PostprocessingNotKeepingUp (see diag package).
func (p *Pipeline) AddPostTask(name string, queueLen int, fn PostTask) {
	p.post = append(p.post, &postWorker{name: name, fn: fn, queue: make(chan payload.Payload, queueLen)})
}

// Start spawns one goroutine per registered post-task.
func (p *Pipeline) Start() {
	for _, w := range p.post {
		p.wg.Add(1)
		go p.runWorker(w)
	}
}

func (p *Pipeline) runWorker(w *postWorker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh.Listen():
			p.drain(w)
			return
		case pl := <-w.queue:
			w.fn(pl)
		}
	}
}

// drain empties whatever is left in the queue after a stop is requested,
// so a shutdown does not silently discard in-flight payloads already
// accepted onto a worker's queue.
func (p *Pipeline) drain(w *postWorker) {
	for {
		select {
		case pl := <-w.queue:
			w.fn(pl)
		default:
			return
		}
	}
}

// Stop signals every post-processing worker to drain and exit, and waits
// for them to do so.
func (p *Pipeline) Stop() {
	p.stopCh.Close()
	p.wg.Wait()
}

// ProcessPre runs the synchronous pre-pipeline over pl and updates
// last_daq_time. Called by the consumer thread before pl is written to
// the latency buffer.
func (p *Pipeline) ProcessPre(pl payload.Payload) {
	for _, fn := range p.pre {
		fn(pl)
	}
	p.lastDAQTime.Store(pl.FirstTimestamp())
}

// ProcessPost offers pl to every post-processing task's queue without
// blocking the ingest path. Called by the consumer thread immediately
// after pl is written to the latency buffer. It does nothing when a
// post-processing delay is configured: DrainDeferred dispatches then.
func (p *Pipeline) ProcessPost(pl payload.Payload) {
	if p.postProcessingDelayTicks != 0 {
		return
	}
	p.dispatch(pl)
}

// dispatch offers pl to every post-processing task's queue, dropping it
// (and reporting diag.PostprocessingNotKeepingUp) for any queue that is
// full.
func (p *Pipeline) dispatch(pl payload.Payload) {
	for _, w := range p.post {
		select {
		case w.queue <- pl:
		default:
			p.sink.Emit(diag.Record{
				Kind:   diag.PostprocessingNotKeepingUp,
				Source: w.name,
				Detail: "post-processing queue full, payload dropped",
			})
		}
	}
}

// DrainDeferred dispatches every buffered entry old enough to have
// stabilised under the configured post-processing delay: entries whose
// first_timestamp is within postProcessingDelayTicks of the buffer's
// newest entry are left for a later call, allowing late, out-of-order
// arrivals to still be captured. No-op if no delay is configured.
func (p *Pipeline) DrainDeferred(buf latbuf.Buffer) {
	if p.postProcessingDelayTicks == 0 {
		return
	}
	back := buf.Back()
	if back == nil {
		return
	}
	newest := back.FirstTimestamp()
	if newest < p.postProcessingDelayTicks {
		return
	}
	cutoff := newest - p.postProcessingDelayTicks

	it := buf.Iterate()
	for it.Next() {
		pl := it.Value()
		ts := pl.FirstTimestamp()
		if ts < p.processedUpToTS {
			continue
		}
		if ts >= cutoff {
			break
		}
		p.dispatch(pl)
		p.processedUpToTS = ts + 1
	}
}

// LastDAQTime returns the first_timestamp of the most recently processed
// payload, used by readout.Core's timesync thread (spec.md §4.6).
func (p *Pipeline) LastDAQTime() uint64 { return p.lastDAQTime.Load() }
