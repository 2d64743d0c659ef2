package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/fxnlabs/gpu-matmul/internal/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInput = "2 2 2\n1 2\n3 4\n4 3\n2 1\n"

// testEnv writes a configuration that only loads the software platform and an input
// file into a temporary directory.
func testEnv(t *testing.T) (dir, configPath, input string) {
	t.Helper()
	dir = t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logger:\n  verbosity: error\nopencl:\n  enabled: false\n"), 0o600))
	input = filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(input, []byte(testInput), 0o600))
	return dir, configPath, input
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"matmul"}, args...))
	return out.String(), err
}

func TestMultiplyCommands(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantOutput []string
	}{
		{"host", []string{"host"}, []string{"multiplication does not use an accelerator"}},
		{"basic alias", []string{"basic"}, []string{"multiplication does not use an accelerator"}},
		{"naive", []string{"naive"}, []string{"Platform: Software Emulation", "Device: Emulated Discrete GPU"}},
		{"medium alias with igpu", []string{"medium", "--device-type", "igpu"}, []string{"Device: Emulated Integrated GPU"}},
		{"hard verified", []string{"hard", "--verify"}, []string{"Verified against reference product"}},
		{"positional device", []string{"easy"}, []string{"Device: Emulated CPU"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, configPath, input := testEnv(t)
			output := filepath.Join(dir, "output.txt")

			args := append([]string{"--config", configPath}, tt.args...)
			args = append(args, input, output)
			if tt.name == "positional device" {
				args = append(args, "cpu", "0")
			}

			stdout, err := run(t, args...)
			require.NoError(t, err)
			for _, want := range tt.wantOutput {
				assert.Contains(t, stdout, want)
			}
			assert.Contains(t, stdout, "Total time: ")
			assert.Contains(t, stdout, "Kernel time: ")

			result, err := os.ReadFile(output)
			require.NoError(t, err)
			assert.Equal(t, "8 5\n20 13\n", string(result))
		})
	}
}

func TestMultiplyCommand_CBOR(t *testing.T) {
	dir, configPath, _ := testEnv(t)
	a, err := matrix.New(2, 3, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	b, err := matrix.New(3, 1, []float32{1, 1, 1})
	require.NoError(t, err)

	input := filepath.Join(dir, "input.cbor")
	f, err := os.Create(input)
	require.NoError(t, err)
	require.NoError(t, matrix.WritePairCBOR(f, a, b))
	require.NoError(t, f.Close())

	output := filepath.Join(dir, "output.cbor")
	_, err = run(t, "--config", configPath, "tiled", input, output)
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var got matrix.Matrix
	require.NoError(t, got.UnmarshalCBOR(data))
	want, err := matrix.New(2, 1, []float32{6, 15})
	require.NoError(t, err)
	assert.True(t, want.Equal(&got))
}

func TestMultiplyCommand_Errors(t *testing.T) {
	dir, configPath, input := testEnv(t)
	output := filepath.Join(dir, "output.txt")

	t.Run("device not found", func(t *testing.T) {
		_, err := run(t, "--config", configPath, "tiled", "--device-index", "7", input, output)
		assert.ErrorIs(t, err, gpu.ErrDeviceNotFound)
	})

	t.Run("unknown device type", func(t *testing.T) {
		_, err := run(t, "--config", configPath, "naive", "--device-type", "tpu", input, output)
		assert.Error(t, err)
	})

	t.Run("missing output", func(t *testing.T) {
		_, err := run(t, "--config", configPath, "host", input)
		assert.Error(t, err)
	})

	t.Run("malformed input", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.txt")
		require.NoError(t, os.WriteFile(bad, []byte("2 2 2\n1 2\n"), 0o600))
		_, err := run(t, "--config", configPath, "host", bad, output)
		assert.ErrorIs(t, err, matrix.ErrFormat)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		path := filepath.Join(dir, "mismatch.cbor")
		a, err := matrix.New(1, 2, []float32{1, 2})
		require.NoError(t, err)
		b, err := matrix.New(3, 1, []float32{1, 2, 3})
		require.NoError(t, err)
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, matrix.WritePairCBOR(f, a, b))
		require.NoError(t, f.Close())

		_, err = run(t, "--config", configPath, "naive", path, output)
		assert.ErrorIs(t, err, matrix.ErrDimensionMismatch)
	})
}

func TestMetricsOut(t *testing.T) {
	dir, configPath, input := testEnv(t)
	metricsPath := filepath.Join(dir, "metrics.prom")

	_, err := run(t, "--config", configPath, "--metrics-out", metricsPath, "coarsened", input, filepath.Join(dir, "out.txt"))
	require.NoError(t, err)

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `matmul_multiply_total{status="success",strategy="coarsened"}`)
	assert.Contains(t, string(data), "matmul_pipeline_stage_duration_ms")
}

func TestDevicesCommand(t *testing.T) {
	_, configPath, _ := testEnv(t)

	stdout, err := run(t, "--config", configPath, "devices")
	require.NoError(t, err)
	assert.Contains(t, stdout, "INDEX")
	assert.Contains(t, stdout, "Emulated Discrete GPU")
	assert.Contains(t, stdout, "Emulated Integrated GPU")
	assert.Contains(t, stdout, "Software Emulation")

	quiet, err := run(t, "--config", configPath, "devices", "--no-banner")
	require.NoError(t, err)
	assert.Less(t, len(quiet), len(stdout))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := run(t, "config", "init", path)
	require.NoError(t, err)
	_, err = run(t, "--config", path, "config", "init", path)
	assert.Error(t, err)
	_, err = run(t, "config", "init", "--force", path)
	require.NoError(t, err)
}
