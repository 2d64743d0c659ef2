// Package multiplier exposes every multiplication strategy behind one interface and
// builds the right one for a requested mode.
package multiplier

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/fxnlabs/gpu-matmul/internal/matrix"
	"github.com/fxnlabs/gpu-matmul/internal/metrics"
	"go.uber.org/zap"
)

// Multiplier computes C = A·B with one fixed strategy. The set of implementations is
// closed; use New to obtain one.
type Multiplier interface {
	// Multiply returns a·b. Any failure aborts the call without a partial result.
	Multiply(ctx context.Context, a, b *matrix.Matrix) (*matrix.Matrix, error)
	// Info identifies where the multiplication runs.
	Info() (Info, error)
	// Stat returns the timings of the last successful Multiply. The boolean is false
	// until one succeeded.
	Stat() (Stat, bool)
	Mode() Mode

	sealed()
}

// Info identifies the device behind a Multiplier. Host multipliers leave the names
// empty.
type Info struct {
	Accelerated  bool
	DeviceName   string
	PlatformName string
}

func (i Info) String() string {
	if !i.Accelerated {
		return "host"
	}
	return fmt.Sprintf("%s on %s", i.DeviceName, i.PlatformName)
}

// Stat holds the timings of one multiplication in milliseconds. AcceleratorMs is
// always zero for the host strategy.
type Stat struct {
	TotalMs       uint64
	AcceleratorMs uint64
}

// Request describes the multiplier to build. DeviceType and Index are ignored by
// ModeHost; their zero values select the first device of any kind.
type Request struct {
	Mode       Mode
	DeviceType gpu.DeviceType
	Index      int
}

// Option configures New.
type Option func(*options)

type options struct {
	logger *zap.Logger
	policy gpu.SelectorPolicy
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithSelectorPolicy(policy gpu.SelectorPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// New builds the multiplier for req. Accelerated modes resolve their device here, once,
// and keep it for the lifetime of the multiplier.
func New(devices gpu.DeviceSource, req Request, opts ...Option) (Multiplier, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("multiplier").With(zap.Stringer("mode", req.Mode))

	if req.Mode == ModeHost {
		return &hostMultiplier{logger: logger}, nil
	}

	strategy, err := req.Mode.strategy()
	if err != nil {
		return nil, err
	}
	if devices == nil {
		return nil, &gpu.DeviceNotFoundError{Type: req.DeviceType, Index: req.Index}
	}

	dev, err := gpu.SelectDevice(devices, req.DeviceType, req.Index, o.policy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to select device: %w", err)
	}
	return &acceleratedMultiplier{
		mode:     req.Mode,
		strategy: strategy,
		device:   dev,
		info: Info{
			Accelerated:  true,
			DeviceName:   dev.Name(),
			PlatformName: dev.PlatformName(),
		},
		logger: logger.With(zap.String("device", dev.Name())),
	}, nil
}

// lastStat records the timings of the last successful call.
type lastStat struct {
	mu   sync.Mutex
	stat Stat
	ok   bool
}

func (l *lastStat) set(s Stat) {
	l.mu.Lock()
	l.stat, l.ok = s, true
	l.mu.Unlock()
}

func (l *lastStat) get() (Stat, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stat, l.ok
}

// observe records the outcome of one multiplication.
func observe(mode Mode, a, b *matrix.Matrix, stat Stat, err error) {
	label := mode.String()
	if err != nil {
		metrics.MultiplyTotal.WithLabelValues(label, "error").Inc()
		return
	}
	metrics.MultiplyTotal.WithLabelValues(label, "success").Inc()
	metrics.MultiplyDuration.WithLabelValues(label).Observe(float64(stat.TotalMs))
	if mode.Accelerated() {
		metrics.KernelDuration.WithLabelValues(label).Observe(float64(stat.AcceleratorMs))
	}
	if stat.TotalMs > 0 {
		flops := 2 * float64(a.Rows()) * float64(a.Cols()) * float64(b.Cols())
		metrics.MultiplyGFLOPS.WithLabelValues(label).Set(flops / (float64(stat.TotalMs) * 1e6))
	}
}
