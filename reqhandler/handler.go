package reqhandler

import (
	"fmt"
	"sync"
	"time"

	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/ferr"
	"github.com/DUNE-DAQ/readoutlibs/hk"
	"github.com/DUNE-DAQ/readoutlibs/payload"
	"github.com/DUNE-DAQ/readoutlibs/recording"
	"github.com/DUNE-DAQ/readoutlibs/stats"

	"github.com/DUNE-DAQ/readoutlibs/latbuf"
)

// recordBatchSize bounds how many buffered payloads one recording pass
// streams to disk before re-checking the deadline and the cleanup mutex,
// matching spec.md §4.5.5's "batches of up to 1000" cadence.
const recordBatchSize = 1000

// RecordingConfig configures the raw-capture side of a Handler (spec.md
// §4.5.5). A Handler with Enabled=false never opens a file and Record
// always fails.
type RecordingConfig struct {
	Enabled          bool
	Path             string
	Compression      recording.Compression
	StreamBufferSize int
	UseODirect       bool
}

// Config configures one Handler instance.
type Config struct {
	SourceID uint32
	DetID    uint16

	// Capacity is the latency buffer's configured slot count, needed to
	// compute pop_limit_size = pop_limit_pct * capacity (spec.md §4.5.4);
	// the buffer's own Occupancy() only reports current fill, not its
	// ceiling.
	Capacity uint32

	PopLimitPct               int // trigger threshold, percent of Capacity
	PopSizePct                int // percent of current Occupancy popped once triggered
	CleanupIntervalMs         int
	WatcherIntervalMs         int
	RequestTimeoutMs          int
	NumRequestHandlingThreads int

	Recording RecordingConfig
}

// Stats are the handler's exposed counters (spec.md §6/§8 S9).
type Stats struct {
	Found             stats.Counter
	NotFound          stats.Counter
	TimedOut          stats.Counter
	EmptyFragments    stats.Counter
	NumBufferCleanups stats.Counter
}

// Handler matches Requests against a latency buffer, assembles zero-copy
// Fragments, and serializes the buffer's periodic cleanup against any
// in-flight match so that no request observes a half-advanced buffer.
type Handler struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf     latbuf.Buffer
	ferrReg *ferr.Registry
	sink    diag.Sink

	cfg         Config
	hkName      string
	watcherName string
	Stats       Stats

	sem chan struct{} // bounds concurrent IssueRequest evaluations to cfg.NumRequestHandlingThreads

	rec            *recording.Writer
	recording      bool
	nextTSToRecord uint64

	stopped bool
	wg      sync.WaitGroup
}

// New constructs a Handler over buf and ferrReg. Start must still be
// called before requests are served.
func New(buf latbuf.Buffer, ferrReg *ferr.Registry, sink diag.Sink, cfg Config) *Handler {
	if sink == nil {
		sink = diag.GlogSink{}
	}
	h := &Handler{buf: buf, ferrReg: ferrReg, sink: sink, cfg: cfg}
	h.cond = sync.NewCond(&h.mu)
	h.hkName = fmt.Sprintf("reqhandler-cleanup/%d", cfg.SourceID)
	h.watcherName = fmt.Sprintf("reqhandler-watcher/%d", cfg.SourceID)

	if cfg.NumRequestHandlingThreads > 0 {
		h.sem = make(chan struct{}, cfg.NumRequestHandlingThreads)
	}

	if cfg.Recording.Enabled {
		w, err := recording.Create(cfg.Recording.Path, cfg.Recording.Compression,
			cfg.Recording.StreamBufferSize, cfg.Recording.UseODirect)
		if err != nil {
			sink.Emit(diag.Record{Kind: diag.CannotWriteToFile, Source: fmt.Sprint(cfg.SourceID),
				Detail: fmt.Sprintf("opening recording file: %v", err)})
		} else {
			h.rec = w
		}
	}
	return h
}

// Start registers the periodic cleanup housekeeping callback (spec.md
// §4.5.4, default every 50ms) and a watcher callback (default every 10ms)
// that nudges every request currently parked in IssueRequest to
// re-evaluate its match, so a request waiting just ahead of arriving data
// does not sit idle until the next buffer write happens to call Notify.
func (h *Handler) Start() {
	interval := time.Duration(h.cfg.CleanupIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	hk.Reg(h.hkName, h.cleanupCheck, interval)

	watcherInterval := time.Duration(h.cfg.WatcherIntervalMs) * time.Millisecond
	if watcherInterval <= 0 {
		watcherInterval = 10 * time.Millisecond
	}
	hk.Reg(h.watcherName, h.watcherTick, watcherInterval)
}

// watcherTick wakes every request parked in IssueRequest so it can
// re-evaluate its match against the buffer's current contents.
func (h *Handler) watcherTick() time.Duration {
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()

	interval := time.Duration(h.cfg.WatcherIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return interval
}

// Stop unregisters the cleanup and watcher callbacks, wakes any request
// still waiting in IssueRequest so it can observe the shutdown and return
// promptly, and joins any in-flight recording pass before closing the
// capture file.
func (h *Handler) Stop() {
	hk.Unreg(h.hkName)
	hk.Unreg(h.watcherName)

	h.mu.Lock()
	h.stopped = true
	h.cond.Broadcast()
	h.mu.Unlock()

	h.wg.Wait()

	if h.rec != nil {
		if err := h.rec.Close(); err != nil {
			h.sink.Emit(diag.Record{Kind: diag.CannotWriteToFile, Source: fmt.Sprint(h.cfg.SourceID),
				Detail: fmt.Sprintf("closing recording file: %v", err)})
		}
	}
}

// cleanupCheck implements spec.md §4.5.4: if occupancy exceeds
// pop_limit_pct percent of the configured capacity, pop pop_size_pct
// percent of the current occupancy from the front, except that while a
// recording is in progress popping never passes next_timestamp_to_record,
// so the recorder is never asked to stream data the buffer has already
// discarded. Runs as one step under h.mu so IssueRequest never observes
// the buffer mid-advance. Returns the next cleanup interval, matching
// hk.Func's contract.
func (h *Handler) cleanupCheck() time.Duration {
	h.mu.Lock()
	occ := h.buf.Occupancy()
	limit := int(uint64(h.cfg.Capacity) * uint64(h.cfg.PopLimitPct) / 100)
	if occ > limit {
		n := occ * h.cfg.PopSizePct / 100
		if n > occ {
			n = occ
		}
		if h.recording {
			n = h.clampForRecording(n)
		}
		if n > 0 {
			h.buf.Pop(n)
			if front := h.buf.Front(); front != nil {
				h.ferrReg.RemoveErrorsUntil(front.FirstTimestamp())
			}
			h.Stats.NumBufferCleanups.Inc()
		}
	}
	h.cond.Broadcast()
	h.mu.Unlock()

	interval := time.Duration(h.cfg.CleanupIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return interval
}

// clampForRecording reduces n so that after popping, the new front's
// first_timestamp is still <= next_timestamp_to_record: an entry is popped
// only if the entry after it starts at or before the cursor. Caller must
// hold h.mu.
func (h *Handler) clampForRecording(n int) int {
	it := h.buf.Iterate()
	if !it.Next() {
		return 0
	}
	count := 0
	for count < n && it.Next() {
		if it.Value().FirstTimestamp() > h.nextTSToRecord {
			break
		}
		count++
	}
	return count
}

// match attempts to satisfy req against the current buffer contents,
// implementing spec.md §4.5.2's priority-ordered decision table exactly:
// each row is checked in order and the first that applies decides the
// outcome. oldest and newest are the buffer's front/back first_timestamp
// values, not a tick-adjusted upper bound: spec.md names them this way
// and the next row (request window beyond newest) accounts for the
// remaining span explicitly. Caller must hold h.mu.
func (h *Handler) match(req Request) (Fragment, MatchResult) {
	wb, we := req.WindowBegin, req.WindowEnd

	front := h.buf.Front()
	if front == nil {
		// 1: empty buffer.
		return h.emptyFragment(req, DataNotFound), NotFound
	}
	back := h.buf.Back()
	oldest := front.FirstTimestamp()
	newest := back.FirstTimestamp()

	switch {
	case oldest <= wb && we <= newest:
		// 2: the whole window is present.
		return h.assemble(req, wb, we, 0), Found
	case req.AllowPartial && oldest <= we && we <= newest:
		// 3: partial overlap at the head of the window, partial answer
		// allowed.
		return h.assemble(req, wb, we, Incomplete), Found
	case !req.AllowPartial && oldest > wb:
		// 4: window has aged out and no partial answer is allowed.
		return h.emptyFragment(req, DataNotFound), NotFound
	case req.AllowPartial && oldest > we:
		// 5: even a partial answer is impossible, the whole window has
		// aged out.
		return h.emptyFragment(req, DataNotFound), NotFound
	case newest < we && req.AllowPartial:
		// 6: window extends past what has arrived yet, partial answer
		// allowed: return what is available now.
		return h.assemble(req, wb, we, Incomplete), Found
	case newest < we && !req.AllowPartial:
		// 7: window extends past what has arrived yet, caller must wait.
		return Fragment{}, NotYet
	default:
		// 8: uncategorised.
		return h.emptyFragment(req, DataNotFound), NotFound
	}
}

// emptyFragment builds a header-only Fragment (no pieces) carrying bits.
func (h *Handler) emptyFragment(req Request, bits ErrorBits) Fragment {
	return Fragment{
		TriggerNumber:    req.TriggerNumber,
		TriggerTimestamp: req.TriggerTimestamp,
		WindowBegin:      req.WindowBegin,
		WindowEnd:        req.WindowEnd,
		RunNumber:        req.RunNumber,
		SequenceNumber:   req.SequenceNumber,
		DetectorID:       h.cfg.DetID,
		ElementID:        req.Component,
		ErrorBits:        bits,
	}
}

// assemble extracts every frame in [begin,end) from the buffer into a
// Fragment, zero-copy (spec.md §4.5.3), tagging it with bits in addition
// to whatever the extraction itself discovers (an empty result is always
// tagged DataNotFound regardless of what the caller asked for).
func (h *Handler) assemble(req Request, begin, end uint64, bits ErrorBits) Fragment {
	frag := h.emptyFragment(req, bits)

	withErrors := h.ferrReg.HasErrorInRange(begin, end, ferr.MissingFrames)
	start, ok := h.buf.LowerBound(begin, withErrors)

	addFrames := func(p payload.Payload) {
		frag.FragmentType = p.FragmentType()
		for _, fr := range p.Frames() {
			if fr.Timestamp >= begin && fr.Timestamp < end {
				frag.Pieces = append(frag.Pieces, fr.Bytes)
			}
		}
	}

	// The payload just before the lower bound (or the newest payload, when
	// none starts at or after begin) can still carry frames from begin on.
	it := h.buf.Iterate()
	started := false
	var prev payload.Payload
	for it.Next() {
		p := it.Value()
		if !started {
			if !ok || p.Key() != start.Key() {
				prev = p
				continue
			}
			started = true
			if prev != nil {
				addFrames(prev)
			}
		}
		if p.FirstTimestamp() >= end {
			break
		}
		addFrames(p)
	}
	if !started && prev != nil {
		addFrames(prev)
	}
	if len(frag.Pieces) == 0 {
		frag.ErrorBits |= DataNotFound
	}
	frag.Size = uint64(frag.Len())
	return frag
}

// IssueRequest blocks (subject to cfg.RequestTimeoutMs) until req can be
// answered or is known to have already aged out, dispatched onto a bound
// of at most cfg.NumRequestHandlingThreads concurrently-evaluating
// requests. A request against an already-empty or already-aged-out
// buffer returns NotFound immediately, never entering the wait loop
// (spec.md §4.5.2 row 1). On timeout the handler forces a partial
// re-match and returns whatever that yields, marked INCOMPLETE (or
// DataNotFound if even that is empty), rather than an error: spec.md
// §8.S4 expects a fragment, not a failure, from a genuine timeout.
func (h *Handler) IssueRequest(req Request) (Fragment, error) {
	if h.sem != nil {
		h.sem <- struct{}{}
		defer func() { <-h.sem }()
	}

	deadline := time.Now().Add(time.Duration(h.cfg.RequestTimeoutMs) * time.Millisecond)

	// A single timer wakes this request's cond.Wait at the deadline;
	// cleanupCheck, watcherTick and Stop wake it sooner, on actual
	// progress.
	timer := time.AfterFunc(time.Until(deadline), h.Notify)
	defer timer.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		frag, res := h.match(req)
		switch res {
		case Found:
			h.Stats.Found.Inc()
			if frag.Empty() {
				h.Stats.EmptyFragments.Inc()
				h.sink.Emit(diag.Record{Kind: diag.TRMWithEmptyFragment, Source: fmt.Sprint(h.cfg.SourceID),
					Detail: fmt.Sprintf("trigger %d window [%d,%d) matched no frames", req.TriggerNumber, req.WindowBegin, req.WindowEnd)})
			}
			return frag, nil
		case NotFound:
			h.Stats.NotFound.Inc()
			h.sink.Emit(diag.Record{Kind: diag.RequestOnEmptyBuffer, Source: fmt.Sprint(h.cfg.SourceID),
				Detail: fmt.Sprintf("trigger %d window [%d,%d) could not be satisfied", req.TriggerNumber, req.WindowBegin, req.WindowEnd)})
			return frag, nil
		case NotYet:
			if h.stopped {
				return Fragment{}, fmt.Errorf("reqhandler: stopped while waiting for trigger %d", req.TriggerNumber)
			}
			if !time.Now().Before(deadline) {
				h.Stats.TimedOut.Inc()
				h.sink.Emit(diag.Record{Kind: diag.VerboseRequestTimedOut, Source: fmt.Sprint(h.cfg.SourceID),
					Detail: fmt.Sprintf("trigger %d window [%d,%d) timed out, returning best effort", req.TriggerNumber, req.WindowBegin, req.WindowEnd)})
				partial := req
				partial.AllowPartial = true
				frag, _ := h.match(partial)
				if frag.Empty() {
					frag.ErrorBits |= DataNotFound
				} else {
					frag.ErrorBits |= Incomplete
				}
				return frag, nil
			}
			h.cond.Wait()
		}
	}
}

// Notify wakes any requests waiting on new data, called by the ingest
// path (readout.Core) after every Write into the buffer.
func (h *Handler) Notify() {
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Record starts a recording pass that streams up to durationSecs seconds
// of buffered payloads to the configured capture file, starting from the
// oldest payload currently retained. It fails if recording was not
// enabled in Config, or if a recording pass is already in progress
// (spec.md §4.5.1/§4.5.5: concurrent record calls are rejected, not
// queued).
func (h *Handler) Record(durationSecs int) error {
	if h.rec == nil {
		return fmt.Errorf("reqhandler: recording is not configured")
	}

	h.mu.Lock()
	if h.recording {
		h.mu.Unlock()
		return fmt.Errorf("reqhandler: a recording is already in progress")
	}
	h.recording = true
	if front := h.buf.Front(); front != nil {
		h.nextTSToRecord = front.FirstTimestamp()
	}
	h.mu.Unlock()

	h.wg.Add(1)
	go h.runRecording(time.Duration(durationSecs) * time.Second)
	return nil
}

// runRecording streams batches of up to recordBatchSize payloads,
// positioned at next_timestamp_to_record's lower bound, for up to dur;
// cleanupCheck's clampForRecording keeps the buffer from ever discarding
// data this pass has not streamed yet.
func (h *Handler) runRecording(dur time.Duration) {
	defer h.wg.Done()
	deadline := time.Now().Add(dur)

	for time.Now().Before(deadline) {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			break
		}

		withErrors := h.ferrReg.HasError(ferr.MissingFrames)
		start, ok := h.buf.LowerBound(h.nextTSToRecord, withErrors)
		if !ok {
			h.mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			continue
		}

		it := h.buf.Iterate()
		started := false
		n := 0
		var advanceTo uint64
		var writeErr error
		for it.Next() && n < recordBatchSize {
			p := it.Value()
			if !started {
				if p.Key() != start.Key() {
					continue
				}
				started = true
			}
			if err := h.rec.WriteRecord(p.NumChannels(), p.Bytes()); err != nil {
				writeErr = err
				break
			}
			advanceTo = p.FirstTimestamp() + p.ExpectedTickDifference()*uint64(p.NumFrames())
			n++
		}
		if n > 0 {
			h.nextTSToRecord = advanceTo
		}
		h.mu.Unlock()

		if writeErr != nil {
			h.sink.Emit(diag.Record{Kind: diag.CannotWriteToFile, Source: fmt.Sprint(h.cfg.SourceID),
				Detail: fmt.Sprintf("recording write failed: %v", writeErr)})
			break
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	h.mu.Lock()
	h.recording = false
	h.mu.Unlock()
}

// GetInfo returns a snapshot of the handler's counters, resetting the
// counters it reports.
func (h *Handler) GetInfo() stats.Snapshot {
	return stats.Snapshot{
		FragmentsSent:    h.Stats.Found.Reset(),
		RequestsTimedOut: h.Stats.TimedOut.Reset(),
	}
}
