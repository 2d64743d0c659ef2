package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/gpu-matmul/internal/config"
	"github.com/fxnlabs/gpu-matmul/internal/logger"
	"github.com/fxnlabs/gpu-matmul/internal/metrics"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "matmul",
		Usage: "Multiply dense float32 matrices on the host or on an OpenCL device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"MATMUL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log level (debug, info, warn, error), overrides logger.verbosity",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "Print OpenTelemetry spans to stderr",
			},
			&cli.StringFlag{
				Name:  "metrics-out",
				Usage: "Write the Prometheus metrics to this file once the command finished",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Upper bound for one multiplication, 0 waits forever",
			},
		},
		Before: loadConfig,
		After:  writeMetrics,
		Commands: append(multiplyCommands(),
			devicesCommand(),
			configCommand(),
		),
	}
}

// loadConfig applies the global flags on top of the configuration file and builds the
// logger. Both are stored in the app metadata.
func loadConfig(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	if c.IsSet("trace") {
		cfg.Tracing.Enabled = c.Bool("trace")
	}
	if c.IsSet("metrics-out") {
		cfg.Metrics.OutputPath = c.String("metrics-out")
	}
	if c.IsSet("timeout") {
		cfg.Multiplier.Timeout = c.Duration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	zapLogger, err := logger.New(cfg.Logger.Verbosity)
	if err != nil {
		return err
	}

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata["config"] = cfg
	c.App.Metadata["logger"] = zapLogger.Named("cli")
	return nil
}

func writeMetrics(c *cli.Context) error {
	cfg, ok := c.App.Metadata["config"].(*config.Config)
	if !ok || cfg.Metrics.OutputPath == "" {
		return nil
	}
	log := c.App.Metadata["logger"].(*zap.Logger)
	defer log.Sync()

	f, err := os.Create(cfg.Metrics.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer f.Close()

	if err := metrics.WriteText(f); err != nil {
		return err
	}
	log.Debug("metrics written", zap.String("path", cfg.Metrics.OutputPath))
	return nil
}

func fromContext(c *cli.Context) (*config.Config, *zap.Logger) {
	return c.App.Metadata["config"].(*config.Config), c.App.Metadata["logger"].(*zap.Logger)
}
