package multiplier

import (
	"context"
	"fmt"
	"time"

	"github.com/fxnlabs/gpu-matmul/internal/matrix"
	"go.uber.org/zap"
)

// hostMultiplier is the reference strategy every accelerated result is checked
// against.
type hostMultiplier struct {
	logger *zap.Logger
	last   lastStat
}

func (h *hostMultiplier) sealed()             {}
func (h *hostMultiplier) Mode() Mode          { return ModeHost }
func (h *hostMultiplier) Info() (Info, error) { return Info{}, nil }
func (h *hostMultiplier) Stat() (Stat, bool)  { return h.last.get() }

func (h *hostMultiplier) Multiply(ctx context.Context, a, b *matrix.Matrix) (*matrix.Matrix, error) {
	start := time.Now()

	res, err := mulHost(a, b)
	if err != nil {
		observe(ModeHost, a, b, Stat{}, err)
		return nil, err
	}

	stat := Stat{TotalMs: uint64(time.Since(start).Milliseconds())}
	h.last.set(stat)
	observe(ModeHost, a, b, stat, nil)
	h.logger.Debug("multiplication finished",
		zap.Int("rows", res.Rows()),
		zap.Int("cols", res.Cols()),
		zap.Uint64("total_ms", stat.TotalMs))
	return res, nil
}

// mulHost computes a·b with the plain triple loop, accumulating in float32.
func mulHost(a, b *matrix.Matrix) (*matrix.Matrix, error) {
	if a.Cols() != b.Rows() {
		return nil, fmt.Errorf("%w: cannot multiply %dx%d by %dx%d",
			matrix.ErrDimensionMismatch, a.Rows(), a.Cols(), b.Rows(), b.Cols())
	}

	m, k, n := a.Rows(), a.Cols(), b.Cols()
	ad, bd := a.Data(), b.Data()
	res := matrix.Zeros(m, n)
	out := res.Data()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for l := 0; l < k; l++ {
				sum += ad[i*k+l] * bd[l*n+j]
			}
			out[i*n+j] = sum
		}
	}
	return res, nil
}
