//go:build !opencl
// +build !opencl

package gpu

import "go.uber.org/zap"

// openCLPlatforms reports that native platforms are unavailable when the opencl
// build tag is NOT present.
func openCLPlatforms(logger *zap.Logger) ([]Platform, error) {
	return nil, ErrOpenCLUnavailable
}
