package multiplier

import (
	"context"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/fxnlabs/gpu-matmul/internal/kernels"
	"github.com/fxnlabs/gpu-matmul/internal/matrix"
	"github.com/fxnlabs/gpu-matmul/internal/pipeline"
	"go.uber.org/zap"
)

// acceleratedMultiplier binds one kernel strategy to the device chosen at construction.
type acceleratedMultiplier struct {
	mode     Mode
	strategy kernels.Strategy
	device   gpu.Device
	info     Info
	logger   *zap.Logger
	last     lastStat
}

func (m *acceleratedMultiplier) sealed()             {}
func (m *acceleratedMultiplier) Mode() Mode          { return m.mode }
func (m *acceleratedMultiplier) Info() (Info, error) { return m.info, nil }
func (m *acceleratedMultiplier) Stat() (Stat, bool)  { return m.last.get() }

func (m *acceleratedMultiplier) Multiply(ctx context.Context, a, b *matrix.Matrix) (*matrix.Matrix, error) {
	res, timings, err := pipeline.Run(ctx, m.device, m.strategy, a, b, pipeline.WithLogger(m.logger))
	if err != nil {
		observe(m.mode, a, b, Stat{}, err)
		m.logger.Debug("multiplication failed", zap.Error(err))
		return nil, err
	}

	stat := Stat{TotalMs: timings.Total(), AcceleratorMs: timings.Kernel}
	m.last.set(stat)
	observe(m.mode, a, b, stat, nil)
	m.logger.Debug("multiplication finished",
		zap.Int("rows", res.Rows()),
		zap.Int("cols", res.Cols()),
		zap.Uint64("total_ms", stat.TotalMs),
		zap.Uint64("kernel_ms", stat.AcceleratorMs))
	return res, nil
}
