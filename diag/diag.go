// Package diag models the out-of-scope "issue/logging facility" from the
// readout core's contract: a sink that accepts tagged diagnostic records.
// The core never decides how a diagnostic is surfaced to an operator; it
// only classifies it (see Kind) and hands it to whatever Sink was wired in
// at construction time, per spec.md §7's error-handling design.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package diag

import (
	"fmt"

	"github.com/golang/glog"
)

// Kind enumerates spec.md §7's diagnostic taxonomy, plus a handful of
// purely informational kinds supplemented from original_source/'s
// ReadoutIssues.hpp (FailedReadout, GenericReadoutInfo) that the distilled spec
// dropped but original_source/ still raises.
type Kind int

const (
	ConfigurationError Kind = iota
	InitializationError
	ResourceQueueError
	BadAlloc
	CannotWriteToFile
	CannotWriteToQueue
	CannotReadFromQueue
	RequestSourceIDMismatch
	VerboseRequestTimedOut
	RequestOnEmptyBuffer
	DataPacketArrivedTooLate
	PostprocessingNotKeepingUp
	TRMWithEmptyFragment
	TimeSyncTransmissionFailed
	FailedReadout     // original_source/ReadoutIssues.hpp: generic readout-path failure
	GenericReadoutInfo // original_source/ReadoutIssues.hpp: CommonIssues informational notice
)

// Severity buckets mirror §7's "Propagation" rule: only configuration and
// initialization problems are meant to stop a link; everything else is
// local-recovery-by-default (drop, count, continue).
type Severity int

const (
	SeverityFatal Severity = iota
	SeverityWarning
	SeverityInfo
)

func (k Kind) Severity() Severity {
	switch k {
	case ConfigurationError, InitializationError, ResourceQueueError, BadAlloc:
		return SeverityFatal
	case RequestSourceIDMismatch, FailedReadout:
		return SeverityWarning
	case GenericReadoutInfo:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

func (k Kind) String() string {
	switch k {
	case ConfigurationError:
		return "CONFIGURATION_ERROR"
	case InitializationError:
		return "INITIALIZATION_ERROR"
	case ResourceQueueError:
		return "RESOURCE_QUEUE_ERROR"
	case BadAlloc:
		return "BAD_ALLOC"
	case CannotWriteToFile:
		return "CANNOT_WRITE_TO_FILE"
	case CannotWriteToQueue:
		return "CANNOT_WRITE_TO_QUEUE"
	case CannotReadFromQueue:
		return "CANNOT_READ_FROM_QUEUE"
	case RequestSourceIDMismatch:
		return "REQUEST_SOURCE_ID_MISMATCH"
	case VerboseRequestTimedOut:
		return "VERBOSE_REQUEST_TIMED_OUT"
	case RequestOnEmptyBuffer:
		return "REQUEST_ON_EMPTY_BUFFER"
	case DataPacketArrivedTooLate:
		return "DATA_PACKET_ARRIVED_TOO_LATE"
	case PostprocessingNotKeepingUp:
		return "POSTPROCESSING_NOT_KEEPING_UP"
	case TRMWithEmptyFragment:
		return "TRM_WITH_EMPTY_FRAGMENT"
	case TimeSyncTransmissionFailed:
		return "TIME_SYNC_TRANSMISSION_FAILED"
	case FailedReadout:
		return "FAILED_READOUT"
	case GenericReadoutInfo:
		return "GENERIC_READOUT_INFO"
	default:
		return "UNKNOWN"
	}
}

// Record is one tagged diagnostic event.
type Record struct {
	Kind   Kind
	Source string // e.g. link/source id, for multi-link processes
	Detail string
}

func (r Record) String() string {
	if r.Source == "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
	}
	return fmt.Sprintf("%s[%s]: %s", r.Kind, r.Source, r.Detail)
}

// Sink is the external collaborator's contract: anything that can accept a
// tagged diagnostic record. Production wiring wires in whatever the host
// process's logging/issue-reporting fabric requires; GlogSink below is the
// usable-standalone default.
type Sink interface {
	Emit(Record)
}

// GlogSink forwards every record to glog at a level matching its severity.
// This is the default sink so the core logs something sensible even when no
// external issue-reporting fabric has been wired in.
type GlogSink struct{}

func (GlogSink) Emit(r Record) {
	switch r.Kind.Severity() {
	case SeverityFatal:
		glog.Errorln(r.String())
	case SeverityInfo:
		if glog.V(3) {
			glog.Infoln(r.String())
		}
	default:
		glog.Warningln(r.String())
	}
}

// NopSink discards every record; useful in tests that only care about
// counters, not diagnostic plumbing.
type NopSink struct{}

func (NopSink) Emit(Record) {}
