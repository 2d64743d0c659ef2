// Package kernels holds the accelerator strategies: the OpenCL C program of each
// kernel, the launch geometry it expects and the equivalent body run by the software
// device.
package kernels

import "github.com/fxnlabs/gpu-matmul/internal/gpu"

const (
	// EntryPoint is the function name every program exports.
	EntryPoint = "mul"
	// TileSize is the edge of the square tiles staged in local memory.
	TileSize = 16
	// ElemsPerThread is how many output rows a coarsened work item computes.
	ElemsPerThread = 2

	// numArgs is (A, B, C, n, m, k).
	numArgs = 6
)

// Strategy describes one way of computing C = A·B on a device.
//
// Kernels take the arguments (A, B, C, n, m, k) where n is the column count of B, m the
// row count of A and k the shared dimension. Matrices are row-major.
type Strategy interface {
	Name() string
	Source() gpu.KernelSource
	// Tile is the multiple every operand dimension is padded to. Zero disables padding.
	Tile() int
	// Geometry returns the launch range for an n×m output, in padded dimensions.
	Geometry(n, m int) gpu.NDRange
}

// All returns every accelerator strategy, simplest first.
func All() []Strategy {
	return []Strategy{Naive(), Tiled(), Coarsened()}
}
