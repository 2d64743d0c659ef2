package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Multiplier struct {
		DeviceType  string `yaml:"deviceType"`
		DeviceIndex int    `yaml:"deviceIndex"`
		// Timeout bounds a single multiplication. Zero waits forever.
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"multiplier"`
	Selector struct {
		LegacyPolarity bool `yaml:"legacyPolarity"`
	} `yaml:"selector"`
	Emulator struct {
		Enabled           bool             `yaml:"enabled"`
		PlatformName      string           `yaml:"platformName"`
		MaxParallelGroups int              `yaml:"maxParallelGroups"`
		Devices           []EmulatedDevice `yaml:"devices"`
	} `yaml:"emulator"`
	OpenCL struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"opencl"`
	Metrics struct {
		OutputPath string `yaml:"outputPath"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tracing"`
}

// EmulatedDevice declares one device of the software platform.
type EmulatedDevice struct {
	Name             string `yaml:"name"`
	Kind             string `yaml:"kind"`
	UnifiedMemory    bool   `yaml:"unifiedMemory"`
	MaxWorkGroupSize int    `yaml:"maxWorkGroupSize"`
	LocalMemFloats   int    `yaml:"localMemFloats"`
}

// Default returns the configuration used when no file is given: every device of any
// platform, native OpenCL first and the software platform as fallback.
func Default() *Config {
	var cfg Config
	cfg.Logger.Verbosity = "info"
	cfg.Multiplier.DeviceType = gpu.DeviceTypeAll.String()
	cfg.Emulator.Enabled = true
	cfg.OpenCL.Enabled = true
	return &cfg
}

// LoadConfig reads the YAML file at path on top of Default. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks every enumerated value.
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		return fmt.Errorf("logger.verbosity: %w", err)
	}
	if _, err := c.DeviceType(); err != nil {
		return fmt.Errorf("multiplier.deviceType: %w", err)
	}
	if c.Multiplier.DeviceIndex < 0 {
		return fmt.Errorf("multiplier.deviceIndex must not be negative, got %d", c.Multiplier.DeviceIndex)
	}
	if c.Multiplier.Timeout < 0 {
		return fmt.Errorf("multiplier.timeout must not be negative, got %s", c.Multiplier.Timeout)
	}
	if c.Emulator.MaxParallelGroups < 0 {
		return fmt.Errorf("emulator.maxParallelGroups must not be negative, got %d", c.Emulator.MaxParallelGroups)
	}
	for i, d := range c.Emulator.Devices {
		if d.Name == "" {
			return fmt.Errorf("emulator.devices[%d]: name is required", i)
		}
		if _, err := parseKind(d.Kind); err != nil {
			return fmt.Errorf("emulator.devices[%d]: %w", i, err)
		}
	}
	return nil
}

// DeviceType returns the configured default device class.
func (c *Config) DeviceType() (gpu.DeviceType, error) {
	return gpu.ParseDeviceType(c.Multiplier.DeviceType)
}

func (c *Config) SelectorPolicy() gpu.SelectorPolicy {
	return gpu.SelectorPolicy{LegacyUnifiedMemoryPolarity: c.Selector.LegacyPolarity}
}

// RuntimeOptions converts the platform sections into options for gpu.NewRuntime.
func (c *Config) RuntimeOptions() (gpu.RuntimeOptions, error) {
	opts := gpu.RuntimeOptions{
		OpenCL: c.OpenCL.Enabled,
		Emulator: gpu.EmulatorOptions{
			Enabled:           c.Emulator.Enabled,
			PlatformName:      c.Emulator.PlatformName,
			MaxParallelGroups: c.Emulator.MaxParallelGroups,
		},
	}
	for i, d := range c.Emulator.Devices {
		kind, err := parseKind(d.Kind)
		if err != nil {
			return gpu.RuntimeOptions{}, fmt.Errorf("emulator.devices[%d]: %w", i, err)
		}
		opts.Emulator.Devices = append(opts.Emulator.Devices, gpu.EmulatedDeviceSpec{
			Name:             d.Name,
			Kind:             kind,
			UnifiedMemory:    d.UnifiedMemory,
			MaxWorkGroupSize: d.MaxWorkGroupSize,
			LocalMemFloats:   d.LocalMemFloats,
		})
	}
	return opts, nil
}

func parseKind(s string) (gpu.DeviceKind, error) {
	switch strings.ToLower(s) {
	case "gpu", "":
		return gpu.KindGPU, nil
	case "cpu":
		return gpu.KindCPU, nil
	case "accelerator":
		return gpu.KindAccelerator, nil
	default:
		return 0, fmt.Errorf("unknown device kind %q", s)
	}
}
