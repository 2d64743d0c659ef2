package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	// Multiplication metrics, labelled by strategy (host, naive, tiled, coarsened).
	MultiplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matmul_multiply_duration_ms",
		Help:    "Total duration of a multiplication in milliseconds as reported by the strategy",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~32s
	}, []string{"strategy"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matmul_kernel_duration_ms",
		Help:    "Duration of the kernel launch in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15),
	}, []string{"strategy"})

	MultiplyGFLOPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matmul_multiply_gflops",
		Help: "Throughput of the last multiplication in GFLOPS",
	}, []string{"strategy"})

	MultiplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matmul_multiply_total",
		Help: "Total number of multiplications by strategy and outcome",
	}, []string{"strategy", "status"})

	// Pipeline metrics
	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matmul_pipeline_stage_duration_ms",
		Help:    "Device-side duration of each pipeline stage in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 12),
	}, []string{"stage"})

	DeviceSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matmul_device_selections_total",
		Help: "Total number of device selections by requested device type and outcome",
	}, []string{"device_type", "status"})

	EmulatorWorkGroups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matmul_emulator_work_groups_total",
		Help: "Total number of work-groups executed by the software device",
	})
)

// WriteText writes every metric registered with the default registry in the
// Prometheus text exposition format.
func WriteText(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
