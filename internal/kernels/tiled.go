package kernels

import (
	"fmt"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
)

var tiledSource = fmt.Sprintf(`
#define TILE %d

kernel void mul(global const float* a, global const float* b, global float* c,
                const uint n, const uint m, const uint k) {
    uint i = get_global_id(0);
    uint j = get_global_id(1);
    uint li = get_local_id(0);
    uint lj = get_local_id(1);

    local float la[TILE][TILE];
    local float lb[TILE][TILE];

    float sum = 0.0f;
    for (uint t = 0; t < k / TILE; t++) {
        la[lj][li] = a[j * k + TILE * t + li];
        lb[lj][li] = b[(TILE * t + lj) * n + i];
        barrier(CLK_LOCAL_MEM_FENCE);

        for (uint z = 0; z < TILE; z++) {
            sum += la[lj][z] * lb[z][li];
        }
        barrier(CLK_LOCAL_MEM_FENCE);
    }
    c[j * n + i] = sum;
}
`, TileSize)

type tiled struct{}

// Tiled stages TileSize×TileSize blocks of both operands in local memory and has each
// work item accumulate one output element from them.
func Tiled() Strategy { return tiled{} }

func (tiled) Name() string { return "tiled" }
func (tiled) Tile() int    { return TileSize }

func (tiled) Geometry(n, m int) gpu.NDRange {
	return gpu.NDRange{
		Global: [2]int{n, m},
		Local:  [2]int{TileSize, TileSize},
	}
}

func (tiled) Source() gpu.KernelSource {
	return gpu.KernelSource{
		Name:   EntryPoint,
		Source: tiledSource,
		Host: &gpu.HostKernel{
			NumArgs:     numArgs,
			LocalFloats: 2 * TileSize * TileSize,
			Barriers:    true,
			Body:        tiledBody,
		},
	}
}

func tiledBody(wi *gpu.WorkItem, args gpu.Args) {
	const T = TileSize

	a, b, c := args.Floats(0), args.Floats(1), args.Floats(2)
	n, k := int(args.Uint(3)), int(args.Uint(5))
	i, j := wi.GlobalID(0), wi.GlobalID(1)
	li, lj := wi.LocalID(0), wi.LocalID(1)

	shared := wi.Local()
	la, lb := shared[:T*T], shared[T*T:]

	var sum float32
	for t := 0; t < k/T; t++ {
		la[lj*T+li] = a[j*k+T*t+li]
		lb[lj*T+li] = b[(T*t+lj)*n+i]
		wi.Barrier()

		for z := 0; z < T; z++ {
			sum += la[lj*T+z] * lb[z*T+li]
		}
		wi.Barrier()
	}
	c[j*n+i] = sum
}
