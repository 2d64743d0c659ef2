// Package pipeline runs one multiplication on an accelerator: it allocates the device
// resources, transfers the operands, launches a kernel strategy and collects the
// per-command profiling timestamps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/fxnlabs/gpu-matmul/internal/kernels"
	"github.com/fxnlabs/gpu-matmul/internal/matrix"
	"github.com/fxnlabs/gpu-matmul/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrCanceled is returned when the caller's context ends before the result was read
// back. The device resources are released in the background once the queue drained.
var ErrCanceled = errors.New("pipeline: wait for result canceled")

var tracer = otel.Tracer("github.com/fxnlabs/gpu-matmul/internal/pipeline")

// Timings are the device-side durations of the five profiled commands, in whole
// milliseconds. Each duration is truncated on its own before summing.
type Timings struct {
	WriteA uint64
	WriteB uint64
	WriteC uint64
	Kernel uint64
	Read   uint64
}

// Total is the sum of every profiled command.
func (t Timings) Total() uint64 {
	return t.WriteA + t.WriteB + t.WriteC + t.Kernel + t.Read
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Run computes a·b on dev with strategy s.
//
// Operands are zero padded to the strategy's tile and the result trimmed back to
// a.Rows()×b.Cols(). Every device failure is returned as a *gpu.AcceleratorError.
// Degenerate operands never reach the device and yield a zero result.
func Run(ctx context.Context, dev gpu.Device, s kernels.Strategy, a, b *matrix.Matrix, opts ...Option) (*matrix.Matrix, Timings, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if a.Cols() != b.Rows() {
		return nil, Timings{}, fmt.Errorf("%w: cannot multiply %dx%d by %dx%d",
			matrix.ErrDimensionMismatch, a.Rows(), a.Cols(), b.Rows(), b.Cols())
	}
	if a.Rows() == 0 || a.Cols() == 0 || b.Cols() == 0 {
		return matrix.Zeros(a.Rows(), b.Cols()), Timings{}, nil
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("strategy", s.Name()),
		attribute.String("device", dev.Name()),
		attribute.String("platform", dev.PlatformName()),
		attribute.Int("rows", a.Rows()),
		attribute.Int("shared", a.Cols()),
		attribute.Int("cols", b.Cols()),
	))
	defer span.End()

	r := &run{dev: dev, strategy: s, logger: o.logger.With(zap.String("strategy", s.Name()))}
	res, timings, err := r.execute(ctx, a, b)
	r.release()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, Timings{}, err
	}

	span.SetAttributes(
		attribute.Int64("total_ms", int64(timings.Total())),
		attribute.Int64("kernel_ms", int64(timings.Kernel)),
	)
	return res, timings, nil
}

// run holds the resources of one invocation.
type run struct {
	dev      gpu.Device
	strategy kernels.Strategy
	logger   *zap.Logger

	queue    gpu.Queue
	cleanup  []func() error
	canceled bool
}

func (r *run) onRelease(name string, release func() error) {
	r.cleanup = append(r.cleanup, func() error {
		if err := release(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.logger.Debug("released", zap.String("resource", name))
		return nil
	})
}

// release frees everything in reverse creation order. After a cancellation the queue
// may still own the buffers, so it is drained first on a separate goroutine.
func (r *run) release() {
	free := func() {
		if r.canceled && r.queue != nil {
			if err := r.queue.Finish(); err != nil {
				r.logger.Warn("failed to drain queue", zap.Error(err))
			}
		}
		for i := len(r.cleanup) - 1; i >= 0; i-- {
			if err := r.cleanup[i](); err != nil {
				r.logger.Warn("failed to release device resource", zap.Error(err))
			}
		}
		r.cleanup = nil
	}
	if r.canceled {
		go free()
		return
	}
	free()
}

// step traces one host-side stage.
func (r *run) step(ctx context.Context, stage gpu.Stage, fn func() error) error {
	_, span := tracer.Start(ctx, string(stage))
	defer span.End()

	if err := fn(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *run) execute(ctx context.Context, a, b *matrix.Matrix) (*matrix.Matrix, Timings, error) {
	tile := r.strategy.Tile()
	pa, pb := a.ZeroPadded(tile), b.ZeroPadded(tile)
	m, k := pa.Dims()
	n := pb.Cols()

	var (
		dctx             gpu.Context
		bufA, bufB, bufC gpu.Buffer
		kernel           gpu.Kernel
	)

	err := r.step(ctx, gpu.StageContext, func() (err error) {
		if dctx, err = r.dev.NewContext(); err != nil {
			return err
		}
		r.onRelease("context", dctx.Release)
		return nil
	})
	if err != nil {
		return nil, Timings{}, err
	}

	err = r.step(ctx, gpu.StageQueue, func() (err error) {
		if r.queue, err = dctx.NewQueue(); err != nil {
			return err
		}
		r.onRelease("queue", r.queue.Release)
		return nil
	})
	if err != nil {
		return nil, Timings{}, err
	}

	err = r.step(ctx, gpu.StageBuffer, func() error {
		for _, alloc := range []struct {
			name  string
			dst   *gpu.Buffer
			flags gpu.MemFlags
			size  int
		}{
			{"buffer a", &bufA, gpu.MemReadOnly, m * k},
			{"buffer b", &bufB, gpu.MemReadOnly, k * n},
			{"buffer c", &bufC, gpu.MemWriteOnly, m * n},
		} {
			buf, err := dctx.NewBuffer(alloc.flags, alloc.size)
			if err != nil {
				return err
			}
			*alloc.dst = buf
			r.onRelease(alloc.name, buf.Release)
		}
		return nil
	})
	if err != nil {
		return nil, Timings{}, err
	}

	events := make(map[string]gpu.Event, 5)
	track := func(name string, ev gpu.Event) {
		events[name] = ev
		r.onRelease("event "+name, ev.Release)
	}

	err = r.step(ctx, gpu.StageWrite, func() error {
		for _, w := range []struct {
			name string
			buf  gpu.Buffer
			src  []float32
		}{
			{"write_a", bufA, pa.Data()},
			{"write_b", bufB, pb.Data()},
			{"write_c", bufC, make([]float32, m*n)},
		} {
			ev, err := r.queue.EnqueueWrite(w.buf, false, w.src)
			if err != nil {
				return err
			}
			track(w.name, ev)
		}
		return nil
	})
	if err != nil {
		return nil, Timings{}, err
	}

	err = r.step(ctx, gpu.StageBuild, func() (err error) {
		if kernel, err = dctx.Build(r.strategy.Source()); err != nil {
			return err
		}
		r.onRelease("kernel", kernel.Release)
		return nil
	})
	if err != nil {
		return nil, Timings{}, err
	}

	err = r.step(ctx, gpu.StageSetArg, func() error {
		for i, arg := range []any{bufA, bufB, bufC, uint32(n), uint32(m), uint32(k)} {
			if err := kernel.SetArg(i, arg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Timings{}, err
	}

	geometry := r.strategy.Geometry(n, m)
	err = r.step(ctx, gpu.StageLaunch, func() error {
		ev, err := r.queue.EnqueueKernel(kernel, geometry)
		if err != nil {
			return err
		}
		track("kernel", ev)
		return nil
	})
	if err != nil {
		return nil, Timings{}, err
	}

	out := make([]float32, m*n)
	err = r.step(ctx, gpu.StageRead, func() error {
		ev, err := r.queue.EnqueueRead(bufC, false, out)
		if err != nil {
			return err
		}
		track("read", ev)

		select {
		case <-ev.Done():
			return nil
		case <-ctx.Done():
			r.canceled = true
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
	})
	if err != nil {
		return nil, Timings{}, err
	}

	timings, err := r.profile(ctx, events)
	if err != nil {
		return nil, Timings{}, err
	}

	res, err := matrix.New(m, n, out)
	if err != nil {
		return nil, Timings{}, err
	}

	r.logger.Debug("pipeline finished",
		zap.String("device", r.dev.Name()),
		zap.Int("n", n), zap.Int("m", m), zap.Int("k", k),
		zap.Ints("global", geometry.Global[:]),
		zap.Ints("local", geometry.Local[:]),
		zap.Uint64("total_ms", timings.Total()),
		zap.Uint64("kernel_ms", timings.Kernel))
	return res.Trimmed(a.Rows(), b.Cols()), timings, nil
}

// profile checks every command for failure and converts its timestamps into whole
// milliseconds.
func (r *run) profile(ctx context.Context, events map[string]gpu.Event) (Timings, error) {
	var t Timings
	err := r.step(ctx, gpu.StageProfile, func() error {
		for _, e := range []struct {
			name string
			dst  *uint64
		}{
			{"write_a", &t.WriteA},
			{"write_b", &t.WriteB},
			{"write_c", &t.WriteC},
			{"kernel", &t.Kernel},
			{"read", &t.Read},
		} {
			ev := events[e.name]
			if err := ev.Wait(); err != nil {
				return err
			}
			start, end, err := ev.Profile()
			if err != nil {
				return err
			}
			var ns uint64
			if end > start {
				ns = end - start
			}
			*e.dst = ns / uint64(time.Millisecond)
			metrics.PipelineStageDuration.WithLabelValues(e.name).Observe(float64(ns) / float64(time.Millisecond))
		}
		return nil
	})
	return t, err
}
