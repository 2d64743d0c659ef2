package kernels

import "github.com/fxnlabs/gpu-matmul/internal/gpu"

const naiveSource = `
kernel void mul(global const float* a, global const float* b, global float* c,
                const uint n, const uint m, const uint k) {
    uint i = get_global_id(0);
    uint j = get_global_id(1);

    float sum = 0.0f;
    for (uint w = 0; w < k; w++) {
        sum += a[j * k + w] * b[w * n + i];
    }
    c[j * n + i] = sum;
}
`

type naive struct{}

// Naive computes one output element per work item straight from global memory.
func Naive() Strategy { return naive{} }

func (naive) Name() string { return "naive" }
func (naive) Tile() int    { return 0 }

func (naive) Geometry(n, m int) gpu.NDRange {
	return gpu.NDRange{Global: [2]int{n, m}}
}

func (naive) Source() gpu.KernelSource {
	return gpu.KernelSource{
		Name:   EntryPoint,
		Source: naiveSource,
		Host:   &gpu.HostKernel{NumArgs: numArgs, Body: naiveBody},
	}
}

func naiveBody(wi *gpu.WorkItem, args gpu.Args) {
	a, b, c := args.Floats(0), args.Floats(1), args.Floats(2)
	n, k := int(args.Uint(3)), int(args.Uint(5))
	i, j := wi.GlobalID(0), wi.GlobalID(1)

	var sum float32
	for w := 0; w < k; w++ {
		sum += a[j*k+w] * b[w*n+i]
	}
	c[j*n+i] = sum
}
