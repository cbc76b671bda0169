package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/backend/libav"
	"github.com/xaionaro-go/avscreencast/backend/synthetic"
	"github.com/xaionaro-go/avscreencast/config"
	avslogger "github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/pipeline"
	"github.com/xaionaro-go/avscreencast/telemetry"
	"github.com/xaionaro-go/avscreencast/types"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags] [output URL, default: stdout]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	configPath := pflag.String("config", "", "path to a TOML config file")
	syntheticFrames := pflag.Int64("synthetic", -1, "capture N frames of a generated test pattern instead of the screen; 0 means until interrupted")
	flags := config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()
	if pflag.NArg() > 1 {
		pflag.Usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if err := flags.Apply(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if pflag.NArg() == 1 {
		cfg.Output.URL = pflag.Arg(0)
	}

	var loggerLevel logger.Level
	if err := loggerLevel.Set(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	avslogger.SetDefault(func() logger.Logger {
		return l
	})
	defer belt.Flush(ctx)

	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancelFn()

	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		l.Fatal(err)
	}

	var b backend.Backend
	if *syntheticFrames >= 0 {
		b = synthetic.New(synthetic.Config{
			Frames:   uint64(*syntheticFrames),
			RealTime: true,
		})
		pipelineCfg.Capture.Driver = synthetic.DriverName
	} else {
		libav.ForwardLogs(l)
		b = libav.New(ctx)
	}

	opts := []pipeline.Option{
		pipeline.OptionTelemetryReporter{Reporter: telemetry.LogReporter{Level: logger.LevelInfo}},
	}
	var registry *prometheus.Registry
	if cfg.Telemetry.MetricsListenAddr != "" {
		registry = prometheus.NewRegistry()
		promReporter, err := telemetry.NewPrometheusReporter(registry)
		if err != nil {
			l.Fatal(err)
		}
		opts = append(opts, pipeline.OptionTelemetryReporter{Reporter: promReporter})
	}

	p, err := pipeline.New(b, pipelineCfg, opts...)
	if err != nil {
		l.Fatal(err)
	}

	if addr := cfg.Telemetry.MetricsListenAddr; addr != "" {
		handler := newHTTPHandler(registry, p)
		observability.Go(ctx, func(ctx context.Context) {
			logger.Debugf(ctx, "serving /metrics and /bitrate at %s", addr)
			err := http.ListenAndServe(addr, handler)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf(ctx, "the metrics server failed: %v", err)
			}
		})
	}

	l.Infof(
		"capturing '%s' with %s at %s into '%s'",
		pipelineCfg.Target, pipelineCfg.Encoder.CodecName,
		humanize.SI(float64(pipelineCfg.Encoder.Bitrate), "bps"), pipelineCfg.Output.URL,
	)
	err = p.Run(ctx)
	stats := p.Stats()
	l.Infof(
		"finished: %d frames encoded, %d packets (%s) muxed, trailer written: %t",
		stats.FramesEncoded, stats.PacketsMuxed, humanize.Bytes(stats.BytesMuxed), stats.TrailerWritten,
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	default:
		l.Errorf("%s: %v", types.Classify(err), err)
		belt.Flush(ctx)
		os.Exit(2)
	}
}
