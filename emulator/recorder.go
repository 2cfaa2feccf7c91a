package emulator

import (
	"fmt"

	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/payload"
	"github.com/DUNE-DAQ/readoutlibs/recording"
)

// Recorder mirrors every payload a Source (or the live readout path)
// emits to a recording.Writer, so a live run can be captured to disk and
// later fed back in as a Source's DataFile. It is the write-side
// counterpart the emulator pairs with Source's file-driven read side.
type Recorder struct {
	w    *recording.Writer
	sink diag.Sink
	path string
}

// NewRecorder opens path for writing. numChannels is not needed here:
// each payload self-reports it via NumChannels(), unlike the wire bytes
// Source reads back (see payload.FromBytes's doc comment).
func NewRecorder(path string, comp recording.Compression, streamBufferSize int, useODirect bool, sink diag.Sink) (*Recorder, error) {
	w, err := recording.Create(path, comp, streamBufferSize, useODirect)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = diag.GlogSink{}
	}
	return &Recorder{w: w, sink: sink, path: path}, nil
}

// Sink returns a Sink suitable for wiring into New(..., rec.Sink(), ...)
// or for tapping a live readout.Core's raw payload stream. A write
// failure is reported via diag.CannotWriteToFile rather than discarded,
// and the payload is counted as dropped so the caller's drop counter
// stays accurate.
func (r *Recorder) Sink() Sink {
	return func(p payload.Payload) bool {
		if err := r.w.WriteRecord(p.NumChannels(), p.Bytes()); err != nil {
			r.sink.Emit(diag.Record{Kind: diag.CannotWriteToFile, Source: r.path,
				Detail: fmt.Sprintf("recording write failed: %v", err)})
			return false
		}
		return true
	}
}

func (r *Recorder) Close() error { return r.w.Close() }
