// Package app assembles the long-lived components of the matmul command with fx.
package app

import (
	"context"
	"io"
	"os"

	"github.com/fxnlabs/gpu-matmul/internal/config"
	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/fxnlabs/gpu-matmul/internal/multiplier"
	"github.com/fxnlabs/gpu-matmul/internal/tracing"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module needs a *config.Config and a *zap.Logger and provides the device runtime and a
// Factory.
var Module = fx.Module("matmul",
	fx.Provide(
		NewRuntime,
		NewFactory,
	),
	fx.Invoke(registerTracing),
)

// New builds the application around cfg and logger. populate receives the requested
// components, see fx.Populate.
func New(cfg *config.Config, logger *zap.Logger, populate ...any) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		Module,
		fx.Populate(populate...),
	)
}

// RuntimeParams are the dependencies of NewRuntime.
type RuntimeParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *zap.Logger
}

// NewRuntime loads the configured platforms and closes them when the app stops.
func NewRuntime(p RuntimeParams) (*gpu.Runtime, error) {
	opts, err := p.Config.RuntimeOptions()
	if err != nil {
		return nil, err
	}
	rt, err := gpu.NewRuntime(opts, p.Logger)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rt.Close()
		},
	})
	return rt, nil
}

// Factory builds multipliers on the shared runtime with the configured selector policy.
type Factory struct {
	runtime *gpu.Runtime
	config  *config.Config
	logger  *zap.Logger
}

func NewFactory(rt *gpu.Runtime, cfg *config.Config, logger *zap.Logger) *Factory {
	return &Factory{runtime: rt, config: cfg, logger: logger}
}

func (f *Factory) Runtime() *gpu.Runtime { return f.runtime }

// New builds a multiplier for req.
func (f *Factory) New(req multiplier.Request) (multiplier.Multiplier, error) {
	return multiplier.New(f.runtime, req,
		multiplier.WithLogger(f.logger),
		multiplier.WithSelectorPolicy(f.config.SelectorPolicy()))
}

// traceOutput is where spans are printed.
var traceOutput io.Writer = os.Stderr

func registerTracing(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.Tracing.Enabled {
		return nil
	}
	shutdown, err := tracing.Init(traceOutput)
	if err != nil {
		return err
	}
	logger.Debug("tracing enabled")
	lc.Append(fx.Hook{OnStop: shutdown})
	return nil
}
