package kernels

import (
	"fmt"

	"github.com/fxnlabs/gpu-matmul/internal/gpu"
)

// rowStride is the distance between the rows one coarsened work item computes.
const rowStride = TileSize / ElemsPerThread

var coarsenedSource = fmt.Sprintf(`
#define TILE %d
#define ELEMS %d
#define STRIDE %d

kernel void mul(global const float* a, global const float* b, global float* c,
                const uint n, const uint m, const uint k) {
    uint li = get_local_id(0);
    uint lj = get_local_id(1);
    uint i = TILE * get_group_id(0) + li;
    uint j = TILE * get_group_id(1) + lj;

    local float la[TILE][TILE];
    local float lb[TILE][TILE];

    float2 acc = (float2)(0.0f);
    for (uint t = 0; t < k / TILE; t++) {
        for (uint w = 0; w < ELEMS; w++) {
            la[lj + w * STRIDE][li] = b[(TILE * t + lj + w * STRIDE) * n + i];
            lb[lj + w * STRIDE][li] = a[(j + w * STRIDE) * k + TILE * t + li];
        }
        barrier(CLK_LOCAL_MEM_FENCE);

        for (uint z = 0; z < TILE; z++) {
            acc += (float2)(la[z][li]) * (float2)(lb[lj][z], lb[lj + STRIDE][z]);
        }
        barrier(CLK_LOCAL_MEM_FENCE);
    }
    c[j * n + i] = acc.s0;
    c[(j + STRIDE) * n + i] = acc.s1;
}
`, TileSize, ElemsPerThread, rowStride)

type coarsened struct{}

// Coarsened works like Tiled but every work item computes ElemsPerThread output rows,
// which halves the number of work items and reuses each loaded B element.
func Coarsened() Strategy { return coarsened{} }

func (coarsened) Name() string { return "coarsened" }
func (coarsened) Tile() int    { return TileSize }

func (coarsened) Geometry(n, m int) gpu.NDRange {
	return gpu.NDRange{
		Global: [2]int{n, m / ElemsPerThread},
		Local:  [2]int{TileSize, rowStride},
	}
}

func (coarsened) Source() gpu.KernelSource {
	return gpu.KernelSource{
		Name:   EntryPoint,
		Source: coarsenedSource,
		Host: &gpu.HostKernel{
			NumArgs:     numArgs,
			LocalFloats: 2 * TileSize * TileSize,
			Barriers:    true,
			Body:        coarsenedBody,
		},
	}
}

func coarsenedBody(wi *gpu.WorkItem, args gpu.Args) {
	const T = TileSize

	a, b, c := args.Floats(0), args.Floats(1), args.Floats(2)
	n, k := int(args.Uint(3)), int(args.Uint(5))
	li, lj := wi.LocalID(0), wi.LocalID(1)
	i := T*wi.GroupID(0) + li
	j := T*wi.GroupID(1) + lj

	shared := wi.Local()
	la, lb := shared[:T*T], shared[T*T:]

	var acc [ElemsPerThread]float32
	for t := 0; t < k/T; t++ {
		for w := 0; w < ElemsPerThread; w++ {
			row := lj + w*rowStride
			la[row*T+li] = b[(T*t+row)*n+i]
			lb[row*T+li] = a[(j+w*rowStride)*k+T*t+li]
		}
		wi.Barrier()

		for z := 0; z < T; z++ {
			bz := la[z*T+li]
			for w := range acc {
				acc[w] += bz * lb[(lj+w*rowStride)*T+z]
			}
		}
		wi.Barrier()
	}
	for w, v := range acc {
		c[(j+w*rowStride)*n+i] = v
	}
}
