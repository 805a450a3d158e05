// Mirrorpipe mirrors an Android device's screen into a stream of raw BGR
// frames, restarting the capture chain when it desyncs or stalls.
//
// Usage:
//
//	mirrorpipe [flags]
//	mirrorpipe --config /path/to/mirrorpipe.yaml --env .env
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mirrorpipe/internal/adb"
	"github.com/zsiec/mirrorpipe/internal/certs"
	"github.com/zsiec/mirrorpipe/internal/config"
	srtingest "github.com/zsiec/mirrorpipe/internal/ingest/srt"
	"github.com/zsiec/mirrorpipe/internal/liveness"
	"github.com/zsiec/mirrorpipe/internal/media"
	"github.com/zsiec/mirrorpipe/internal/metrics"
	"github.com/zsiec/mirrorpipe/internal/pipeline"
	"github.com/zsiec/mirrorpipe/internal/preview"
	"github.com/zsiec/mirrorpipe/internal/supervisor"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/mirrorpipe.yaml)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mirrorpipe %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.Logging)
	slog.Info("mirrorpipe starting", "version", version, "source", cfg.Capture.Source)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mirrorpipe exited", "error", err)
		os.Exit(1)
	}
	slog.Info("mirrorpipe stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	geom, err := resolveGeometry(ctx, cfg)
	if err != nil {
		return err
	}
	pixFmt, _ := media.ParsePixelFormat(cfg.Transcoder.PixelFormat) // checked by Validate

	sup := supervisor.New(supervisor.Config{
		Source:         newSource(cfg),
		TranscoderPath: cfg.Transcoder.Path,
		Transcode: supervisor.TranscodeOptions{
			LogLevel:    cfg.Transcoder.LogLevel,
			InputFormat: cfg.Transcoder.InputFormat,
			PixelFormat: pixFmt,
			ExtraArgs:   cfg.Transcoder.ExtraArgs,
		},
		GracePeriod: cfg.Pipeline.GracePeriod,
	}, nil)

	m := metrics.New()
	p := pipeline.New(pipeline.Config{
		BufferCapacity: cfg.Pipeline.BufferCapacity,
		StaleThreshold: cfg.Pipeline.StaleThreshold,
		Cooldown:       cfg.Pipeline.Cooldown,
		CheckInterval:  cfg.Pipeline.CheckInterval,
		ExitGrace:      cfg.Pipeline.ExitGrace,
		PixelFormat:    pixFmt,
		Metrics:        m,
	}, pipeline.SupervisorLauncher(sup))

	if err := p.Start(ctx, geom, cfg.Pipeline.MaxRetries); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	defer p.Stop()

	var prev *preview.Server
	if cfg.Preview.Enabled {
		cert, err := certs.Generate(certs.DefaultValidity)
		if err != nil {
			return fmt.Errorf("generating certificate: %w", err)
		}
		prev = preview.NewServer(preview.Config{
			Addr:    cfg.Preview.Addr,
			Cert:    cert,
			Status:  p,
			Metrics: m.Handler(),
		}, nil)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consume(ctx, p, prev, cfg.Pipeline.FrameTimeout)
	})
	if prev != nil {
		g.Go(func() error {
			return prev.Start(ctx)
		})
	}
	return g.Wait()
}

// resolveGeometry prepares the device over adb when enabled and returns the
// output geometry: the configured size, or the probed screen size scaled to
// the capture's max dimension.
func resolveGeometry(ctx context.Context, cfg *config.Config) (media.FrameGeometry, error) {
	if !cfg.ADB.Enabled {
		return media.NewGeometry(cfg.Pipeline.Width, cfg.Pipeline.Height), nil
	}

	client := adb.New(cfg.ADB.Path, cfg.ADB.Serial, cfg.ADB.Timeout, nil)
	if cfg.ADB.ResetServer {
		if err := client.ResetServer(ctx); err != nil {
			return media.FrameGeometry{}, fmt.Errorf("preparing device: %w", err)
		}
	}
	if err := client.ApplySettings(ctx, cfg.ADB.Settings); err != nil {
		slog.Warn("some device settings were not applied", "error", err)
	}

	if cfg.Pipeline.Width > 0 {
		return media.NewGeometry(cfg.Pipeline.Width, cfg.Pipeline.Height), nil
	}
	w, h := client.ScreenSizeOrDefault(ctx)
	geom := media.ScaleToMax(w, h, cfg.Capture.MaxDimension)
	slog.Info("output geometry", "device", fmt.Sprintf("%dx%d", w, h), "frame", geom.String(),
		"frame_bytes", geom.FrameSize())
	return geom, nil
}

func newSource(cfg *config.Config) supervisor.Source {
	if cfg.Capture.Source == config.SourceSRT {
		return srtingest.Source{
			Address:     cfg.SRT.Address,
			StreamID:    cfg.SRT.StreamID,
			DialTimeout: cfg.SRT.DialTimeout,
		}
	}
	return supervisor.ProcessSource{Command: supervisor.Command{
		Name: "capture",
		Path: cfg.Capture.Path,
		Args: supervisor.CaptureArgs(supervisor.CaptureOptions{
			MaxDimension: cfg.Capture.MaxDimension,
			MaxFrameRate: cfg.Capture.MaxFPS,
			Codec:        cfg.Capture.Codec,
			BitRate:      cfg.Capture.BitRate,
			RecordFormat: cfg.Capture.RecordFormat,
			ExtraArgs:    cfg.Capture.ExtraArgs,
		}),
	}}
}

// consume pulls frames until ctx is cancelled or the pipeline fails, logging
// the delivered frame rate once per second.
func consume(ctx context.Context, p *pipeline.Pipeline, prev *preview.Server, timeout time.Duration) error {
	var (
		frames    int
		lastSeq   uint64
		windowEnd = time.Now().Add(time.Second)
	)
	if timeout <= 0 {
		timeout = time.Second
	}
	for ctx.Err() == nil {
		f, err := p.GetFrame(timeout)
		switch {
		case err == nil:
			frames++
			lastSeq = f.Seq
			if prev != nil {
				prev.SetFrame(f)
			}
		case p.State() == liveness.StateFailed:
			return fmt.Errorf("pipeline failed after %d restarts", p.Status().Restarts)
		case errors.Is(err, pipeline.ErrUnavailable):
			slog.Debug("no frame", "error", err, "state", p.State())
		default:
			return err
		}

		if now := time.Now(); !now.Before(windowEnd) {
			slog.Info("frames delivered", "fps", frames, "seq", lastSeq, "state", p.State())
			frames = 0
			windowEnd = now.Add(time.Second)
		}
	}
	return nil
}
