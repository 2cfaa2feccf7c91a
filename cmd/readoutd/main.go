// Command readoutd wires a source emulator, the readout core, and the
// in-process transport together for local testing and demonstration.
// Grounded on the teacher's cmd/cli entrypoint style (a urfave/cli v1 App,
// here with a single Action and no subcommands), adapted from
// "talk to a remote AIS cluster" to "run one readout core in-process".
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/DUNE-DAQ/readoutlibs/config"
	"github.com/DUNE-DAQ/readoutlibs/diag"
	"github.com/DUNE-DAQ/readoutlibs/emulator"
	"github.com/DUNE-DAQ/readoutlibs/ferr"
	"github.com/DUNE-DAQ/readoutlibs/latbuf"
	"github.com/DUNE-DAQ/readoutlibs/latbuf/ring"
	"github.com/DUNE-DAQ/readoutlibs/latbuf/skiplist"
	"github.com/DUNE-DAQ/readoutlibs/payload"
	"github.com/DUNE-DAQ/readoutlibs/procpipe"
	"github.com/DUNE-DAQ/readoutlibs/readout"
	"github.com/DUNE-DAQ/readoutlibs/recording"
	"github.com/DUNE-DAQ/readoutlibs/reqhandler"
	"github.com/DUNE-DAQ/readoutlibs/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "readoutd"
	app.Usage = "run a readout core against a synthetic or recorded source"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a JSON configuration file (defaults applied if omitted)"},
		cli.DurationFlag{Name: "duration", Value: 5 * time.Second, Usage: "how long to run before exiting"},
		cli.StringFlag{Name: "record-to", Usage: "if set, capture the emulated raw stream to this file"},
		cli.StringFlag{Name: "data-file", Usage: "canned payload file to drive the emulator from (generated on the fly if omitted)"},
	}
	app.Action = runDemo

	if err := app.Run(os.Args); err != nil {
		glog.Errorln(err)
		os.Exit(1)
	}
}

func runDemo(c *cli.Context) error {
	cfg := config.Default()
	if p := c.String("config"); p != "" {
		loaded, err := config.Load(p)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	sink := diag.GlogSink{}

	lbuf, err := newLatencyBuffer(cfg.LatencyBuffer)
	if err != nil {
		return err
	}

	ferrReg := ferr.New()
	pipeline := procpipe.New(sink)
	pipeline.SetPostProcessingDelay(cfg.Processor.PostProcessingDelayTicks)

	handler := reqhandler.New(lbuf, ferrReg, sink, reqhandler.Config{
		SourceID:                  cfg.Readout.SourceID,
		DetID:                     cfg.RequestHandler.DetID,
		Capacity:                  cfg.LatencyBuffer.Capacity,
		PopLimitPct:               cfg.RequestHandler.PopLimitPct,
		PopSizePct:                cfg.RequestHandler.PopSizePct,
		NumRequestHandlingThreads: cfg.RequestHandler.NumRequestHandlingThreads,
		CleanupIntervalMs:         cfg.RequestHandler.CleanupIntervalMs,
		WatcherIntervalMs:         cfg.RequestHandler.WatcherIntervalMs,
		RequestTimeoutMs:          cfg.RequestHandler.RequestTimeoutMs,
		Recording: reqhandler.RecordingConfig{
			Enabled:          cfg.Recording.Enabled,
			Path:             cfg.Recording.OutputFile,
			Compression:      cfg.Recording.Compression(),
			StreamBufferSize: cfg.Recording.StreamBufferSize,
			UseODirect:       cfg.Recording.UseODirect,
		},
	})

	stream := transport.NewStream(sink)

	core := readout.New(readout.Config{
		SourceID:               cfg.Readout.SourceID,
		Subsystem:               cfg.Readout.Subsystem,
		RunNumber:               cfg.Readout.RunNumber,
		Component:               cfg.Readout.Component,
		TimeSyncIntervalMs:      cfg.Readout.TimeSyncIntervalMs,
		FakeTrigger:             cfg.Readout.FakeTrigger,
		FakeTriggerWindowTicks:  cfg.Readout.FakeTriggerWindowTicks,
		FakeTriggerDestination:  cfg.Readout.FakeTriggerDestination,
	}, lbuf, ferrReg, pipeline, handler, stream, stream, stream, stream, sink)

	if err := core.Conf(); err != nil {
		return err
	}
	if err := core.Start(); err != nil {
		return err
	}

	ingest := emulator.Sink(stream.Push)

	var rec *emulator.Recorder
	if path := c.String("record-to"); path != "" {
		rec, err = emulator.NewRecorder(path, cfg.Recording.Compression(), cfg.Recording.StreamBufferSize, cfg.Recording.UseODirect, sink)
		if err != nil {
			return err
		}
		tap, live := rec.Sink(), ingest
		ingest = func(p payload.Payload) bool {
			tap(p)
			return live(p)
		}
	}

	dataFile := c.String("data-file")
	if dataFile == "" {
		dataFile = filepath.Join(os.TempDir(), "readoutd-seed.bin")
		if err := emulator.GenerateSeedFile(dataFile, 16, 4, 8, 25); err != nil {
			return err
		}
	}

	src, err := emulator.New(emulator.Config{
		DataFile:                   dataFile,
		Compression:                recording.None,
		RateKHz:                    float64(cfg.Emulator.RateKHz),
		FramesPerTick:              cfg.Emulator.FramesPerTick,
		DropoutRate:                cfg.Emulator.DropoutRate,
		DropoutMaskSize:            cfg.Emulator.RandomPopulationSize,
		FrameErrorRateHz:           cfg.Emulator.FrameErrorRateHz,
		GeneratePeriodicADCPattern: cfg.Emulator.GeneratePeriodicADCPattern,
		ADCPatternEvery:            100,
	}, ingest, sink)
	if err != nil {
		return err
	}
	src.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(c.Duration("duration")):
	case <-sig:
	}

	src.Stop()
	if rec != nil {
		rec.Close()
	}
	core.Stop()
	if err := core.Scrap(); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "sent=%d size=%d compressed=%d dropped=%d\n",
		stream.Stats.Num.Load(), stream.Stats.Size.Load(), stream.Stats.CompressedSize.Load(), src.Dropped.Load())
	return nil
}

func newLatencyBuffer(c config.LatencyBufferConfig) (latbuf.Buffer, error) {
	switch c.Kind {
	case "skiplist":
		b := skiplist.New()
		if err := b.Conf(c.ToLatBuf()); err != nil {
			return nil, err
		}
		return b, nil
	default:
		b := ring.New(ring.BinarySearch)
		if err := b.Conf(c.ToLatBuf()); err != nil {
			return nil, err
		}
		return b, nil
	}
}
