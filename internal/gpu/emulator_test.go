package gpu

import (
	"testing"

	"github.com/fxnlabs/gpu-matmul/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scaleKernel writes out[i] = in[i] * factor for every global id.
var scaleKernel = KernelSource{
	Name:   "scale",
	Source: "kernel void scale(global const float* in, global float* out, uint factor) {}",
	Host: &HostKernel{
		NumArgs: 3,
		Body: func(wi *WorkItem, args Args) {
			in, out := args.Floats(0), args.Floats(1)
			i := wi.GlobalID(1)*wi.GlobalSize(0) + wi.GlobalID(0)
			out[i] = in[i] * float32(args.Uint(2))
		},
	},
}

// reverseKernel reverses every work-group's slice through local memory, which only
// works when the barrier holds.
var reverseKernel = KernelSource{
	Name:   "reverse",
	Source: "kernel void reverse(global const float* in, global float* out) {}",
	Host: &HostKernel{
		NumArgs:     2,
		LocalFloats: 64,
		Barriers:    true,
		Body: func(wi *WorkItem, args Args) {
			in, out := args.Floats(0), args.Floats(1)
			local := wi.Local()
			lid, size := wi.LocalID(0), wi.LocalSize(0)
			local[lid] = in[wi.GlobalID(0)]
			wi.Barrier()
			out[wi.GlobalID(0)] = local[size-1-lid]
		},
	},
}

func newTestContext(t *testing.T, spec EmulatedDeviceSpec) Context {
	t.Helper()
	p, err := NewEmulatedPlatform(EmulatorOptions{Devices: []EmulatedDeviceSpec{spec}}, zap.NewNop())
	require.NoError(t, err)
	devices, err := p.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	ctx, err := devices[0].NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Release() })
	return ctx
}

func newTestQueue(t *testing.T, ctx Context) Queue {
	t.Helper()
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Release() })
	return q
}

func TestNewEmulatedPlatform_Defaults(t *testing.T) {
	p, err := NewEmulatedPlatform(EmulatorOptions{Enabled: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Software Emulation", p.Name())

	devices, err := p.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, KindGPU, devices[0].Kind())
	assert.False(t, devices[0].HostUnifiedMemory())
	assert.Equal(t, KindGPU, devices[1].Kind())
	assert.True(t, devices[1].HostUnifiedMemory())
	assert.Equal(t, KindCPU, devices[2].Kind())
	assert.Contains(t, devices[2].Name(), "Emulated CPU")

	for _, d := range devices {
		assert.Equal(t, "Software Emulation", d.PlatformName())
		assert.Equal(t, 256, d.MaxWorkGroupSize())
	}
}

func TestNewEmulatedPlatform_RejectsUnnamedDevice(t *testing.T) {
	_, err := NewEmulatedPlatform(EmulatorOptions{Devices: []EmulatedDeviceSpec{{Kind: KindGPU}}}, nil)
	assert.Error(t, err)
}

func TestEmulator_ScaleKernel(t *testing.T) {
	ctx := newTestContext(t, EmulatedDeviceSpec{Name: "test", Kind: KindGPU})
	q := newTestQueue(t, ctx)

	const n = 6
	in := []float32{1, 2, 3, 4, 5, 6}

	bufIn, err := ctx.NewBuffer(MemReadOnly, n)
	require.NoError(t, err)
	bufOut, err := ctx.NewBuffer(MemWriteOnly, n)
	require.NoError(t, err)
	assert.Equal(t, n, bufIn.Len())

	k, err := ctx.Build(scaleKernel)
	require.NoError(t, err)
	require.NoError(t, k.SetArg(0, bufIn))
	require.NoError(t, k.SetArg(1, bufOut))
	require.NoError(t, k.SetArg(2, uint32(3)))

	writeEv, err := q.EnqueueWrite(bufIn, false, in)
	require.NoError(t, err)
	kernelEv, err := q.EnqueueKernel(k, NDRange{Global: [2]int{3, 2}})
	require.NoError(t, err)

	out := make([]float32, n)
	readEv, err := q.EnqueueRead(bufOut, true, out)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 6, 9, 12, 15, 18}, out)

	// In-order queue: every command starts after the previous one ended.
	var prevEnd uint64
	for _, ev := range []Event{writeEv, kernelEv, readEv} {
		require.NoError(t, ev.Wait())
		start, end, err := ev.Profile()
		require.NoError(t, err)
		assert.LessOrEqual(t, prevEnd, start)
		assert.LessOrEqual(t, start, end)
		prevEnd = end
		require.NoError(t, ev.Release())
	}
}

func TestEmulator_BarrierKernel(t *testing.T) {
	ctx := newTestContext(t, EmulatedDeviceSpec{Name: "test", Kind: KindGPU})
	q := newTestQueue(t, ctx)

	const n, group = 32, 8
	in := make([]float32, n)
	for i := range in {
		in[i] = float32(i)
	}

	bufIn, err := ctx.NewBuffer(MemReadOnly, n)
	require.NoError(t, err)
	bufOut, err := ctx.NewBuffer(MemWriteOnly, n)
	require.NoError(t, err)
	k, err := ctx.Build(reverseKernel)
	require.NoError(t, err)
	require.NoError(t, k.SetArg(0, bufIn))
	require.NoError(t, k.SetArg(1, bufOut))

	before := testutil.ToFloat64(metrics.EmulatorWorkGroups)

	_, err = q.EnqueueWrite(bufIn, true, in)
	require.NoError(t, err)
	ev, err := q.EnqueueKernel(k, NDRange{Global: [2]int{n, 1}, Local: [2]int{group, 1}})
	require.NoError(t, err)
	require.NoError(t, ev.Wait())

	out := make([]float32, n)
	_, err = q.EnqueueRead(bufOut, true, out)
	require.NoError(t, err)

	for g := 0; g < n/group; g++ {
		for l := 0; l < group; l++ {
			assert.Equal(t, float32(g*group+group-1-l), out[g*group+l], "index %d", g*group+l)
		}
	}
	assert.Equal(t, float64(n/group), testutil.ToFloat64(metrics.EmulatorWorkGroups)-before)
}

func TestEmulator_KernelPanicBecomesError(t *testing.T) {
	ctx := newTestContext(t, EmulatedDeviceSpec{Name: "test", Kind: KindGPU})
	q := newTestQueue(t, ctx)

	for _, barriers := range []bool{false, true} {
		src := KernelSource{
			Name:   "oob",
			Source: "kernel void oob(global float* out) {}",
			Host: &HostKernel{
				NumArgs:  1,
				Barriers: barriers,
				Body: func(wi *WorkItem, args Args) {
					if wi.LocalID(0) != 0 {
						wi.Barrier()
					}
					args.Floats(0)[wi.GlobalID(0)+100] = 1
				},
			},
		}
		buf, err := ctx.NewBuffer(MemWriteOnly, 4)
		require.NoError(t, err)
		k, err := ctx.Build(src)
		require.NoError(t, err)
		require.NoError(t, k.SetArg(0, buf))

		ev, err := q.EnqueueKernel(k, NDRange{Global: [2]int{4, 1}, Local: [2]int{4, 1}})
		require.NoError(t, err)

		err = ev.Wait()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAccelerator)
		var accErr *AcceleratorError
		require.ErrorAs(t, err, &accErr)
		assert.Equal(t, StageLaunch, accErr.Stage)
		assert.Equal(t, CodeOutOfResources, accErr.Code)
	}
}

func TestEmulator_Errors(t *testing.T) {
	ctx := newTestContext(t, EmulatedDeviceSpec{Name: "test", Kind: KindGPU, MaxWorkGroupSize: 64, LocalMemFloats: 16})
	q := newTestQueue(t, ctx)

	code := func(t *testing.T, err error) int {
		t.Helper()
		var accErr *AcceleratorError
		require.ErrorAs(t, err, &accErr)
		return accErr.Code
	}

	t.Run("zero sized buffer", func(t *testing.T) {
		_, err := ctx.NewBuffer(MemReadWrite, 0)
		assert.Equal(t, CodeInvalidBufferSize, code(t, err))
	})

	t.Run("missing entry point", func(t *testing.T) {
		src := scaleKernel
		src.Name = "missing"
		_, err := ctx.Build(src)
		assert.Equal(t, CodeInvalidKernelName, code(t, err))
	})

	t.Run("no host body", func(t *testing.T) {
		_, err := ctx.Build(KernelSource{Name: "k", Source: "kernel void k() {}"})
		assert.Equal(t, CodeBuildProgramFailure, code(t, err))
	})

	t.Run("too much local memory", func(t *testing.T) {
		_, err := ctx.Build(reverseKernel)
		assert.Equal(t, CodeOutOfResources, code(t, err))
	})

	k, err := ctx.Build(scaleKernel)
	require.NoError(t, err)

	t.Run("argument index out of range", func(t *testing.T) {
		assert.Equal(t, CodeInvalidArgIndex, code(t, k.SetArg(3, uint32(1))))
		assert.Equal(t, CodeInvalidArgIndex, code(t, k.SetArg(-1, uint32(1))))
	})

	t.Run("unsupported argument type", func(t *testing.T) {
		assert.Equal(t, CodeInvalidArgValue, code(t, k.SetArg(2, 1.5)))
	})

	t.Run("unset arguments", func(t *testing.T) {
		_, err := q.EnqueueKernel(k, NDRange{Global: [2]int{1, 1}})
		assert.Equal(t, CodeInvalidKernelArgs, code(t, err))
	})

	buf, err := ctx.NewBuffer(MemReadWrite, 4)
	require.NoError(t, err)
	require.NoError(t, k.SetArg(0, buf))
	require.NoError(t, k.SetArg(1, buf))
	require.NoError(t, k.SetArg(2, int32(2)))

	t.Run("local size does not divide global size", func(t *testing.T) {
		_, err := q.EnqueueKernel(k, NDRange{Global: [2]int{4, 1}, Local: [2]int{3, 1}})
		assert.Equal(t, CodeInvalidWorkGroupSize, code(t, err))
	})

	t.Run("work-group too large", func(t *testing.T) {
		_, err := q.EnqueueKernel(k, NDRange{Global: [2]int{128, 1}, Local: [2]int{128, 1}})
		assert.Equal(t, CodeInvalidWorkGroupSize, code(t, err))
	})

	t.Run("empty global size", func(t *testing.T) {
		_, err := q.EnqueueKernel(k, NDRange{Global: [2]int{0, 1}})
		assert.Equal(t, CodeInvalidGlobalWorkSize, code(t, err))
	})

	t.Run("write larger than buffer", func(t *testing.T) {
		_, err := q.EnqueueWrite(buf, false, make([]float32, 5))
		assert.Equal(t, CodeInvalidValue, code(t, err))
	})

	t.Run("buffer from another context", func(t *testing.T) {
		other := newTestContext(t, EmulatedDeviceSpec{Name: "other", Kind: KindGPU})
		foreign, err := other.NewBuffer(MemReadWrite, 4)
		require.NoError(t, err)
		assert.Equal(t, CodeInvalidMemObject, code(t, k.SetArg(0, foreign)))
		_, err = q.EnqueueRead(foreign, true, make([]float32, 4))
		assert.Equal(t, CodeInvalidMemObject, code(t, err))
	})
}

func TestEmulator_AutoWorkGroupSize(t *testing.T) {
	d := &emuDevice{spec: EmulatedDeviceSpec{MaxWorkGroupSize: 256}}

	tests := []struct {
		global [2]int
		want   [2]int
	}{
		{[2]int{7, 3}, [2]int{7, 1}},
		{[2]int{512, 2}, [2]int{256, 1}},
		{[2]int{300, 1}, [2]int{150, 1}},
		{[2]int{257, 1}, [2]int{1, 1}},
	}
	for _, tt := range tests {
		got, err := d.workGroupSize(NDRange{Global: tt.global})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "global %v", tt.global)
	}
}

func TestEmulator_ReleasedQueueAndContext(t *testing.T) {
	ctx := newTestContext(t, EmulatedDeviceSpec{Name: "test", Kind: KindGPU})
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	buf, err := ctx.NewBuffer(MemReadWrite, 2)
	require.NoError(t, err)

	require.NoError(t, q.Finish())
	require.NoError(t, q.Release())
	require.NoError(t, q.Release())

	_, err = q.EnqueueWrite(buf, false, []float32{1, 2})
	var accErr *AcceleratorError
	require.ErrorAs(t, err, &accErr)
	assert.Equal(t, CodeInvalidCommandQueue, accErr.Code)

	require.NoError(t, ctx.Release())
	_, err = ctx.NewBuffer(MemReadWrite, 2)
	require.ErrorAs(t, err, &accErr)
	assert.Equal(t, CodeInvalidContext, accErr.Code)
}

func TestBarrier_LeaveReleasesWaiters(t *testing.T) {
	b := newBarrier(3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wait()
	}()
	go b.leave()
	b.wait()
	<-done
}

func TestAcceleratorError_Format(t *testing.T) {
	err := newError(StageBuild, CodeBuildProgramFailure, "syntax error")
	assert.Equal(t, "accelerator: build program failed: CL_BUILD_PROGRAM_FAILURE (-11): syntax error", err.Error())
	assert.Equal(t, "CL_ERROR(-9999)", CodeName(-9999))
}
