// Package main runs the object detection HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/percevia/vision-service/config"
	"github.com/percevia/vision-service/detector"
	"github.com/percevia/vision-service/logging"
)

const (
	flagConfig  = "config"
	flagEnvFile = "env-file"
	flagAddr    = "addr"
	flagDebug   = "debug"
)

func main() {
	app := &cli.App{
		Name:  "vision-service",
		Usage: "serve object detections for uploaded frames",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				EnvVars: []string{"DETECT_CONFIG"},
				Usage:   "path to a YAML config file",
			},
			&cli.StringFlag{
				Name:  flagEnvFile,
				Value: ".env",
				Usage: "dotenv file applied before the environment is read",
			},
			&cli.StringFlag{
				Name:  flagAddr,
				Usage: "listen address, overrides the config",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "verbose logging and per-request timings",
			},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String(flagConfig), c.String(flagEnvFile))
	if err != nil {
		return err
	}
	if c.IsSet(flagAddr) {
		cfg.Server.Addr = c.String(flagAddr)
	}
	if c.Bool(flagDebug) {
		cfg.Debug = true
	}

	logger, err := logging.New(cfg.Log, cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	variants := selectableVariants(cfg, logger)
	if lo.ContainsBy(variants, func(v detector.Variant) bool { return v.Backend == detector.BackendONNX }) {
		defer func() {
			if err := detector.ShutdownRuntime(); err != nil {
				logger.Warnw("failed to shut down onnxruntime", "error", err)
			}
		}()
	}

	det, err := detector.Select(ctx, logger.Named("detector"), variants, detectorOptions(cfg), detector.DefaultBuilders())
	if err != nil {
		return errors.Wrap(err, "no detector could be loaded")
	}

	state, err := newAppState(cfg, logger, det, clock.New())
	if err != nil {
		_ = det.Close()
		return err
	}
	defer func() {
		if err := state.Close(); err != nil {
			logger.Warnw("shutdown finished with errors", "error", err)
		}
	}()

	if err := state.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// selectableVariants converts the configured variants, dropping the ONNX ones
// when the runtime library cannot be loaded.
func selectableVariants(cfg *config.Config, logger *zap.SugaredLogger) []detector.Variant {
	variants := lo.Map(cfg.Models.Variants, func(v config.ModelVariant, _ int) detector.Variant {
		return detector.Variant{Name: v.Name, Backend: v.Backend, Path: v.Path, URL: v.URL}
	})

	if !lo.ContainsBy(variants, func(v detector.Variant) bool { return v.Backend == detector.BackendONNX }) {
		return variants
	}
	if err := detector.InitRuntime(cfg.Models.LibraryPath); err != nil {
		logger.Warnw("onnxruntime unavailable, skipping onnx models", "library", cfg.Models.LibraryPath, "error", err)
		return lo.Reject(variants, func(v detector.Variant, _ int) bool { return v.Backend == detector.BackendONNX })
	}
	return variants
}

func detectorOptions(cfg *config.Config) detector.Options {
	opts := detector.DefaultOptions()
	opts.ConfThreshold = float32(cfg.Detection.ConfThreshold)
	opts.IouThreshold = cfg.Detection.IouThreshold
	opts.InputSize = cfg.Detection.InputSize
	opts.MaxDetections = cfg.Detection.MaxObjects
	opts.Threads = cfg.Models.Threads
	// One session per sync worker plus one for the background worker.
	opts.Sessions = cfg.Pipeline.WorkerPoolSize + 1
	return opts
}
