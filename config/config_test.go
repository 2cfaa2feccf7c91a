package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DUNE-DAQ/readoutlibs/recording"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readout.json")
	doc := `{"latency_buffer":{"kind":"skiplist","capacity":42},"recording":{"compression_algorithm":"zstd"}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LatencyBuffer.Kind != "skiplist" || cfg.LatencyBuffer.Capacity != 42 {
		t.Fatalf("expected overridden latency buffer config, got %+v", cfg.LatencyBuffer)
	}
	if cfg.Recording.CompressionAlgorithm != "zstd" {
		t.Fatalf("expected zstd, got %q", cfg.Recording.CompressionAlgorithm)
	}
	// Unset fields keep Default()'s values.
	if cfg.Processor.PostPipelineWorkers != 4 {
		t.Fatalf("expected default post_pipeline_workers 4, got %d", cfg.Processor.PostPipelineWorkers)
	}
}

func TestValidateRejectsBadKind(t *testing.T) {
	cfg := Default()
	cfg.LatencyBuffer.Kind = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad latency_buffer.kind")
	}
}

func TestValidateRejectsTinyCapacity(t *testing.T) {
	cfg := Default()
	cfg.LatencyBuffer.Capacity = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for capacity < 2")
	}
}

func TestValidateRejectsBadCompression(t *testing.T) {
	cfg := Default()
	cfg.Recording.CompressionAlgorithm = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad compression")
	}
}

func TestValidateRejectsBadSetT0(t *testing.T) {
	cfg := Default()
	cfg.Emulator.SetT0 = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad emulator.set_t0")
	}
}

func TestRecordingCompressionDecodesAlgorithm(t *testing.T) {
	cfg := Default()
	cfg.Recording.CompressionAlgorithm = "zlib"
	if cfg.Recording.Compression() != recording.Zlib {
		t.Fatalf("expected Zlib, got %v", cfg.Recording.Compression())
	}
}
