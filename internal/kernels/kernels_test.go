package kernels

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/fxnlabs/gpu-matmul/internal/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomMatrix(t testing.TB, rng *rand.Rand, rows, cols int) *matrix.Matrix {
	t.Helper()
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	m, err := matrix.New(rows, cols, data)
	require.NoError(t, err)
	return m
}

// runOnEmulator launches s by hand on the software device.
func runOnEmulator(t testing.TB, s Strategy, a, b *matrix.Matrix) *matrix.Matrix {
	t.Helper()

	p, err := gpu.NewEmulatedPlatform(gpu.EmulatorOptions{}, nil)
	require.NoError(t, err)
	devices, err := p.Devices()
	require.NoError(t, err)
	ctx, err := devices[0].NewContext()
	require.NoError(t, err)
	defer ctx.Release()
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	defer q.Release()

	pa, pb := a.ZeroPadded(s.Tile()), b.ZeroPadded(s.Tile())
	n, m, k := pb.Cols(), pa.Rows(), pa.Cols()

	bufA, err := ctx.NewBuffer(gpu.MemReadOnly, m*k)
	require.NoError(t, err)
	bufB, err := ctx.NewBuffer(gpu.MemReadOnly, k*n)
	require.NoError(t, err)
	bufC, err := ctx.NewBuffer(gpu.MemWriteOnly, m*n)
	require.NoError(t, err)

	_, err = q.EnqueueWrite(bufA, true, pa.Data())
	require.NoError(t, err)
	_, err = q.EnqueueWrite(bufB, true, pb.Data())
	require.NoError(t, err)

	kernel, err := ctx.Build(s.Source())
	require.NoError(t, err)
	for i, arg := range []any{bufA, bufB, bufC, uint32(n), uint32(m), uint32(k)} {
		require.NoError(t, kernel.SetArg(i, arg))
	}

	ev, err := q.EnqueueKernel(kernel, s.Geometry(n, m))
	require.NoError(t, err)
	require.NoError(t, ev.Wait())

	out := make([]float32, m*n)
	_, err = q.EnqueueRead(bufC, true, out)
	require.NoError(t, err)

	c, err := matrix.New(m, n, out)
	require.NoError(t, err)
	return c.Trimmed(a.Rows(), b.Cols())
}

func TestStrategies_MatchReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	shapes := [][3]int{
		{1, 1, 1},
		{3, 3, 3},
		{16, 16, 16},
		{17, 5, 33},
		{40, 20, 7},
		{2, 48, 32},
	}

	for _, s := range All() {
		for _, shape := range shapes {
			rows, shared, cols := shape[0], shape[1], shape[2]
			t.Run(fmt.Sprintf("%s/%dx%dx%d", s.Name(), rows, shared, cols), func(t *testing.T) {
				a := randomMatrix(t, rng, rows, shared)
				b := randomMatrix(t, rng, shared, cols)

				want, err := matrix.MulReference(a, b)
				require.NoError(t, err)
				got := runOnEmulator(t, s, a, b)
				assert.True(t, want.Equal(got), "want\n%s\ngot\n%s", want, got)
			})
		}
	}
}

func TestStrategies_Geometry(t *testing.T) {
	tests := []struct {
		strategy Strategy
		tile     int
		want     gpu.NDRange
	}{
		{Naive(), 0, gpu.NDRange{Global: [2]int{48, 32}}},
		{Tiled(), 16, gpu.NDRange{Global: [2]int{48, 32}, Local: [2]int{16, 16}}},
		{Coarsened(), 16, gpu.NDRange{Global: [2]int{48, 16}, Local: [2]int{16, 8}}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.Name(), func(t *testing.T) {
			assert.Equal(t, tt.tile, tt.strategy.Tile())
			assert.Equal(t, tt.want, tt.strategy.Geometry(48, 32))
		})
	}
}

func TestStrategies_Source(t *testing.T) {
	for _, s := range All() {
		src := s.Source()
		assert.Equal(t, EntryPoint, src.Name)
		assert.Contains(t, src.Source, "kernel void "+EntryPoint+"(")
		assert.NotContains(t, src.Source, "%!")
		require.NotNil(t, src.Host)
		assert.Equal(t, 6, src.Host.NumArgs)
		assert.Equal(t, strings.Contains(src.Source, "barrier("), src.Host.Barriers, s.Name())
	}
}

func BenchmarkStrategies(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	a := randomMatrix(b, rng, 64, 64)
	m := randomMatrix(b, rng, 64, 64)

	for _, s := range All() {
		b.Run(s.Name(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				runOnEmulator(b, s, a, m)
			}
		})
	}
}
