package gpu

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// RuntimeOptions selects which platforms a Runtime loads.
type RuntimeOptions struct {
	// OpenCL loads the native OpenCL platforms when the binary is built with the
	// opencl tag.
	OpenCL   bool
	Emulator EmulatorOptions
}

// Runtime owns the platforms visible to the process and enumerates their devices
// in a stable order: platform order first, then device order within a platform. A nil
// Runtime has no platforms.
type Runtime struct {
	mu        sync.RWMutex
	platforms []Platform
	logger    *zap.Logger
}

// NewRuntime loads the configured platforms. Native platforms come first so that
// index 0 of DeviceTypeAll prefers real hardware over the software device.
func NewRuntime(opts RuntimeOptions, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gpu")

	var platforms []Platform
	if opts.OpenCL {
		native, err := openCLPlatforms(logger)
		switch {
		case errors.Is(err, ErrOpenCLUnavailable):
			logger.Debug("OpenCL support not compiled in")
		case err != nil:
			logger.Warn("OpenCL platforms not available", zap.Error(err))
		default:
			platforms = append(platforms, native...)
		}
	}

	if opts.Emulator.Enabled {
		emu, err := NewEmulatedPlatform(opts.Emulator, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize software platform: %w", err)
		}
		platforms = append(platforms, emu)
	}

	if len(platforms) == 0 {
		logger.Warn("no compute platform available, only the host strategy will work")
	}

	r := NewRuntimeFromPlatforms(logger, platforms...)
	for _, p := range platforms {
		logger.Info("platform loaded", zap.String("platform", p.Name()))
	}
	return r, nil
}

// NewRuntimeFromPlatforms wraps already constructed platforms.
func NewRuntimeFromPlatforms(logger *zap.Logger, platforms ...Platform) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{platforms: platforms, logger: logger}
}

// Platforms returns the loaded platforms.
func (r *Runtime) Platforms() []Platform {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Platform(nil), r.platforms...)
}

// Devices returns every device whose kind matches the broad class of t. DeviceTypeAll
// returns all devices.
func (r *Runtime) Devices(t DeviceType) ([]Device, error) {
	kind, filtered := t.broadKind()

	var res []Device
	for _, p := range r.Platforms() {
		devices, err := p.Devices()
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", p.Name(), err)
		}
		for _, d := range devices {
			if !filtered || d.Kind() == kind {
				res = append(res, d)
			}
		}
	}
	return res, nil
}

// Close drops the platforms. Devices handed out earlier stay usable until their
// contexts are released.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms = nil
	return nil
}
