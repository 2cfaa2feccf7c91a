// Package emulator implements the source emulator (C7): a stand-in for a
// real front-end link, used to drive the readout core from a canned file
// of payload records at a controlled rate, so the rest of the pipeline
// can be exercised without real detector hardware.
//
// Grounded on spec.md §4.7's own description of the original algorithm
// (original_source/include/readoutlibs/models/detail/
// SourceEmulatorModel.hxx): the file is read into memory once, then
// cycled through at a configured rate emitting frames_per_tick payloads
// per logical tick, each consulting a precomputed Bernoulli dropout mask
// and a pregenerated per-frame error-bit stream, with periodic ADC test
// pattern injection. The teacher's own idiom for a "generate work, push
// it somewhere, stop on signal" loop (ec/putjogger.go) is what the run
// loop below follows.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package emulator

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/DUNE-DAQ/readoutlibs/cmn"
	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/payload"
	"github.com/DUNE-DAQ/readoutlibs/recording"
)

// SetT0Mode selects how Source picks its first emitted timestamp.
type SetT0Mode int

const (
	// SetT0None keeps the first template's own on-file first_timestamp.
	SetT0None SetT0Mode = iota
	// SetT0Now stamps the first emission with the wall clock (nanoseconds).
	SetT0Now
	// SetT0Value uses Config.SetT0Value verbatim.
	SetT0Value
)

// Config configures the emulator.
type Config struct {
	DataFile    string
	Compression recording.Compression

	RateKHz       float64 // logical ticks per millisecond; 0 means "as fast as possible"
	FramesPerTick int     // payloads emitted per logical tick, spec.md's frames_per_tick

	DropoutRate     float64 // fraction of slots silently skipped, in [0,1)
	DropoutMaskSize int     // length N of the precomputed Bernoulli mask; default 10,000

	FrameErrorRateHz float64 // used to build the pregenerated per-frame error-bit stream

	GeneratePeriodicADCPattern bool
	ADCPatternEvery            int // inject a fixed ADC test pattern every Nth emitted payload
	ADCPatternChan             uint16

	Crate, Slot, Link uint16

	SetT0      SetT0Mode
	SetT0Value uint64

	Seed int64
}

// Sink receives every payload the emulator emits and reports whether the
// send succeeded; a false return (e.g. a full destination queue) is
// counted as a drop rather than treated as fatal, matching spec.md
// §4.7's "timeouts increment a drop counter".
type Sink func(payload.Payload) bool

// Source drives a readout link from a canned data file.
type Source struct {
	cfg       Config
	sink      diag.Sink
	templates []*payload.FramePayload
	dropouts  []bool
	errBits   []uint16
	rnd       *rand.Rand
	out       Sink

	Dropped atomic.Uint64

	stopCh *cmn.StopCh
	wg     sync.WaitGroup
}

// New loads cfg.DataFile into memory and builds a Source ready to Start.
// The file must have been produced by Recorder (or by GenerateSeedFile
// for a synthetic bootstrap); it must contain at least one record.
func New(cfg Config, out Sink, sink diag.Sink) (*Source, error) {
	cmn.Assert(out != nil, "emulator: sink must not be nil")
	if sink == nil {
		sink = diag.GlogSink{}
	}

	templates, err := loadTemplates(cfg.DataFile, cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("emulator: loading data file: %w", err)
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("emulator: data file %s contained no records", cfg.DataFile)
	}

	s := &Source{
		cfg: cfg, sink: sink, templates: templates, out: out,
		stopCh: cmn.NewStopCh(), rnd: rand.New(rand.NewSource(cfg.Seed)),
	}
	s.buildDropoutMask()
	s.buildErrorStream()
	return s, nil
}

// loadTemplates reads every record out of path via recording.Open,
// reconstructing each as a FramePayload template to clone from.
func loadTemplates(path string, comp recording.Compression) ([]*payload.FramePayload, error) {
	r, err := recording.Open(path, comp)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []*payload.FramePayload
	for {
		numChannels, raw, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buf := make([]byte, len(raw))
		copy(buf, raw)
		out = append(out, payload.FromBytes(buf, numChannels))
	}
	return out, nil
}

// buildDropoutMask precomputes a fixed-length Bernoulli(1-DropoutRate)
// mask; the run loop cycles through it round-robin rather than drawing
// fresh randomness per payload, matching the original's m_dropouts
// vector.
func (s *Source) buildDropoutMask() {
	n := s.cfg.DropoutMaskSize
	if n <= 0 {
		n = 10000
	}
	s.dropouts = make([]bool, n)
	for i := range s.dropouts {
		s.dropouts[i] = s.rnd.Float64() >= s.cfg.DropoutRate
	}
}

// buildErrorStream precomputes a stream of per-frame error bits at
// roughly FrameErrorRateHz, consumed NumFrames() bits at a time by each
// emitted payload's SetErrors call.
func (s *Source) buildErrorStream() {
	n := s.cfg.DropoutMaskSize
	if n <= 0 {
		n = 10000
	}
	s.errBits = make([]uint16, n)
	if s.cfg.FrameErrorRateHz <= 0 {
		return
	}
	rateKHz := s.cfg.RateKHz
	if rateKHz <= 0 {
		rateKHz = 1
	}
	// Expected fraction of frames carrying an error bit, given the
	// configured rate of error events per second against the emission rate.
	frac := s.cfg.FrameErrorRateHz / (rateKHz * 1000)
	if frac > 1 {
		frac = 1
	}
	for i := range s.errBits {
		if s.rnd.Float64() < frac {
			s.errBits[i] = 1
		}
	}
}

// Start begins emitting payloads until Stop is called.
func (s *Source) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Source) Stop() {
	s.stopCh.Close()
	s.wg.Wait()
}

func (s *Source) initialTimestamp() uint64 {
	switch s.cfg.SetT0 {
	case SetT0Now:
		return uint64(time.Now().UnixNano())
	case SetT0Value:
		return s.cfg.SetT0Value
	default:
		return s.templates[0].FirstTimestamp()
	}
}

func (s *Source) run() {
	defer s.wg.Done()

	var interval time.Duration
	if s.cfg.RateKHz > 0 {
		interval = time.Duration(float64(time.Millisecond) / s.cfg.RateKHz)
	}

	framesPerTick := s.cfg.FramesPerTick
	if framesPerTick <= 0 {
		framesPerTick = 1
	}

	ts := s.initialTimestamp()
	slotIdx := 0
	dropoutIdx := 0
	errIdx := 0
	emitted := 0

	for {
		select {
		case <-s.stopCh.Listen():
			return
		default:
		}

		for i := 0; i < framesPerTick; i++ {
			tmpl := s.templates[slotIdx]
			slotIdx = (slotIdx + 1) % len(s.templates)

			keep := s.dropouts[dropoutIdx]
			dropoutIdx = (dropoutIdx + 1) % len(s.dropouts)

			tickDiff := tmpl.ExpectedTickDifference()
			numFrames := tmpl.NumFrames()

			if keep {
				p := tmpl.Clone().(*payload.FramePayload)
				p.SetTimestamps(ts, tickDiff)
				p.SetGeo(s.cfg.Crate, s.cfg.Slot, s.cfg.Link)

				bits := s.nextErrorBits(int(numFrames), &errIdx)
				p.SetErrors(bits)

				emitted++
				if s.cfg.GeneratePeriodicADCPattern && s.cfg.ADCPatternEvery > 0 && emitted%s.cfg.ADCPatternEvery == 0 {
					p.SetADCPattern(s.cfg.ADCPatternChan)
				}

				if !s.out(p) {
					s.Dropped.Inc()
					s.sink.Emit(diag.Record{Kind: diag.CannotWriteToQueue,
						Detail: fmt.Sprintf("emulator: dropped payload at ts=%d", ts)})
				}
			}

			ts += tickDiff * uint64(numFrames)
		}

		if interval > 0 {
			select {
			case <-s.stopCh.Listen():
				return
			case <-time.After(interval):
			}
		}
	}
}

// nextErrorBits returns the next n entries from the pregenerated error
// stream, wrapping as needed, and advances idx.
func (s *Source) nextErrorBits(n int, idx *int) []uint16 {
	bits := make([]uint16, n)
	for i := 0; i < n; i++ {
		bits[i] = s.errBits[*idx]
		*idx = (*idx + 1) % len(s.errBits)
	}
	return bits
}

// GenerateSeedFile writes a small, arithmetically-generated data file in
// the same format Recorder produces, so a Source can be pointed at it
// when no real capture is available. This is a bootstrap convenience for
// cmd/readoutd's standalone demo, not part of spec.md §4.7's algorithm
// itself, which always assumes a canned file already exists.
func GenerateSeedFile(path string, records int, numFrames, numChannels uint16, tickDiff uint64) error {
	w, err := recording.Create(path, recording.None, 0, false)
	if err != nil {
		return err
	}
	for i := 0; i < records; i++ {
		p := payload.NewFramePayload(numFrames, numChannels)
		p.SetTimestamps(uint64(i)*tickDiff*uint64(numFrames), tickDiff)
		if err := w.WriteRecord(numChannels, p.Bytes()); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
