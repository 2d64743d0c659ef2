package gpu

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

const (
	emulatedPlatformName = "Software Emulation"

	defaultMaxWorkGroupSize = 256
	// 32 KiB of __local memory, in float32 values.
	defaultLocalMemFloats = 8192
)

// EmulatedDeviceSpec describes one device exposed by the software platform.
type EmulatedDeviceSpec struct {
	Name             string
	Kind             DeviceKind
	UnifiedMemory    bool
	MaxWorkGroupSize int
	LocalMemFloats   int
}

// EmulatorOptions configures the software platform.
type EmulatorOptions struct {
	Enabled      bool
	PlatformName string
	Devices      []EmulatedDeviceSpec
	// MaxParallelGroups bounds how many work-groups run at once. Zero means GOMAXPROCS.
	MaxParallelGroups int
}

// DefaultEmulatedDevices returns a discrete GPU, an integrated GPU and the host CPU.
func DefaultEmulatedDevices() []EmulatedDeviceSpec {
	return []EmulatedDeviceSpec{
		{Name: "Emulated Discrete GPU", Kind: KindGPU, UnifiedMemory: false},
		{Name: "Emulated Integrated GPU", Kind: KindGPU, UnifiedMemory: true},
		{Name: hostCPUName(), Kind: KindCPU, UnifiedMemory: true},
	}
}

// hostCPUName names the CPU device after the SIMD extensions of the host.
func hostCPUName() string {
	var features []string
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "neon")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	if len(features) == 0 {
		return fmt.Sprintf("Emulated CPU (%s)", runtime.GOARCH)
	}
	return fmt.Sprintf("Emulated CPU (%s, %s)", runtime.GOARCH, strings.Join(features, " "))
}

// emuPlatform runs kernels on the host, reproducing the work-group, local memory and
// barrier semantics of an OpenCL device.
type emuPlatform struct {
	name    string
	devices []Device
}

// NewEmulatedPlatform builds the software platform. Devices without a spec fall back
// to DefaultEmulatedDevices.
func NewEmulatedPlatform(opts EmulatorOptions, logger *zap.Logger) (Platform, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.PlatformName
	if name == "" {
		name = emulatedPlatformName
	}
	specs := opts.Devices
	if len(specs) == 0 {
		specs = DefaultEmulatedDevices()
	}
	parallel := opts.MaxParallelGroups
	if parallel <= 0 {
		parallel = runtime.GOMAXPROCS(0)
	}

	p := &emuPlatform{name: name}
	epoch := time.Now()
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("emulated device %d has no name", i)
		}
		if spec.MaxWorkGroupSize <= 0 {
			spec.MaxWorkGroupSize = defaultMaxWorkGroupSize
		}
		if spec.LocalMemFloats <= 0 {
			spec.LocalMemFloats = defaultLocalMemFloats
		}
		p.devices = append(p.devices, &emuDevice{
			spec:     spec,
			platform: name,
			epoch:    epoch,
			parallel: parallel,
			logger:   logger.With(zap.String("device", spec.Name)),
		})
	}
	return p, nil
}

func (p *emuPlatform) Name() string { return p.name }

func (p *emuPlatform) Devices() ([]Device, error) {
	return append([]Device(nil), p.devices...), nil
}

type emuDevice struct {
	spec     EmulatedDeviceSpec
	platform string
	epoch    time.Time
	parallel int
	logger   *zap.Logger
}

func (d *emuDevice) Name() string            { return d.spec.Name }
func (d *emuDevice) PlatformName() string    { return d.platform }
func (d *emuDevice) Kind() DeviceKind        { return d.spec.Kind }
func (d *emuDevice) HostUnifiedMemory() bool { return d.spec.UnifiedMemory }
func (d *emuDevice) MaxWorkGroupSize() int   { return d.spec.MaxWorkGroupSize }

// now returns the device clock in nanoseconds.
func (d *emuDevice) now() uint64 {
	return uint64(time.Since(d.epoch).Nanoseconds())
}

func (d *emuDevice) NewContext() (Context, error) {
	return &emuContext{dev: d}, nil
}

type emuContext struct {
	dev      *emuDevice
	released atomic.Bool
}

func (c *emuContext) Device() Device { return c.dev }

func (c *emuContext) check(stage Stage) error {
	if c.released.Load() {
		return newError(stage, CodeInvalidContext, "context already released")
	}
	return nil
}

func (c *emuContext) NewQueue() (Queue, error) {
	if err := c.check(StageQueue); err != nil {
		return nil, err
	}
	q := &emuQueue{
		ctx:     c,
		cmds:    make(chan emuCommand, 64),
		stopped: make(chan struct{}),
	}
	go q.loop()
	return q, nil
}

func (c *emuContext) NewBuffer(flags MemFlags, length int) (Buffer, error) {
	if err := c.check(StageBuffer); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, newError(StageBuffer, CodeInvalidBufferSize, "buffer of %d values", length)
	}
	return &emuBuffer{ctx: c, flags: flags, data: make([]float32, length)}, nil
}

func (c *emuContext) Build(src KernelSource) (Kernel, error) {
	if err := c.check(StageBuild); err != nil {
		return nil, err
	}
	if src.Host == nil || src.Host.Body == nil {
		return nil, newError(StageBuild, CodeBuildProgramFailure, "kernel %q has no host implementation", src.Name)
	}
	if src.Name == "" || !strings.Contains(src.Source, src.Name) {
		return nil, newError(StageBuild, CodeInvalidKernelName, "entry point %q not found in program", src.Name)
	}
	if src.Host.LocalFloats > c.dev.spec.LocalMemFloats {
		return nil, newError(StageBuild, CodeOutOfResources,
			"kernel needs %d local floats, device has %d", src.Host.LocalFloats, c.dev.spec.LocalMemFloats)
	}
	return &emuKernel{ctx: c, src: src, args: make(Args, src.Host.NumArgs)}, nil
}

func (c *emuContext) Release() error {
	c.released.Store(true)
	return nil
}

type emuBuffer struct {
	ctx   *emuContext
	flags MemFlags
	data  []float32
}

func (b *emuBuffer) Len() int       { return len(b.data) }
func (b *emuBuffer) Release() error { return nil }

type emuKernel struct {
	ctx  *emuContext
	src  KernelSource
	mu   sync.Mutex
	args Args
}

func (k *emuKernel) SetArg(index int, value any) error {
	if index < 0 || index >= len(k.args) {
		return newError(StageSetArg, CodeInvalidArgIndex, "argument %d of %q", index, k.src.Name)
	}

	var v any
	switch x := value.(type) {
	case *emuBuffer:
		if x.ctx != k.ctx {
			return newError(StageSetArg, CodeInvalidMemObject, "argument %d belongs to another context", index)
		}
		v = x
	case uint32:
		v = x
	case int32:
		v = uint32(x)
	default:
		return newError(StageSetArg, CodeInvalidArgValue, "argument %d has unsupported type %T", index, value)
	}

	k.mu.Lock()
	k.args[index] = v
	k.mu.Unlock()
	return nil
}

func (k *emuKernel) snapshot() (Args, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, a := range k.args {
		if a == nil {
			return nil, newError(StageLaunch, CodeInvalidKernelArgs, "argument %d of %q not set", i, k.src.Name)
		}
	}
	return append(Args(nil), k.args...), nil
}

func (k *emuKernel) Release() error { return nil }

type emuCommand struct {
	ev  *emuEvent
	run func() error
}

// emuQueue executes commands one at a time on its own goroutine, which gives the
// in-order guarantee of a single OpenCL command queue.
type emuQueue struct {
	ctx     *emuContext
	mu      sync.Mutex
	closed  bool
	cmds    chan emuCommand
	stopped chan struct{}
}

func (q *emuQueue) loop() {
	defer close(q.stopped)
	dev := q.ctx.dev
	for cmd := range q.cmds {
		cmd.ev.start = dev.now()
		err := cmd.run()
		cmd.ev.end = dev.now()
		cmd.ev.finish(err)
	}
}

func (q *emuQueue) enqueue(stage Stage, blocking bool, run func() error) (Event, error) {
	ev := &emuEvent{done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, newError(stage, CodeInvalidCommandQueue, "queue already released")
	}
	q.cmds <- emuCommand{ev: ev, run: run}
	q.mu.Unlock()

	if blocking {
		if err := ev.Wait(); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func (q *emuQueue) buffer(stage Stage, b Buffer) (*emuBuffer, error) {
	eb, ok := b.(*emuBuffer)
	if !ok || eb.ctx != q.ctx {
		return nil, newError(stage, CodeInvalidMemObject, "buffer does not belong to this context")
	}
	return eb, nil
}

func (q *emuQueue) EnqueueWrite(buf Buffer, blocking bool, src []float32) (Event, error) {
	eb, err := q.buffer(StageWrite, buf)
	if err != nil {
		return nil, err
	}
	if len(src) > len(eb.data) {
		return nil, newError(StageWrite, CodeInvalidValue, "writing %d values into a buffer of %d", len(src), len(eb.data))
	}
	return q.enqueue(StageWrite, blocking, func() error {
		copy(eb.data, src)
		return nil
	})
}

func (q *emuQueue) EnqueueRead(buf Buffer, blocking bool, dst []float32) (Event, error) {
	eb, err := q.buffer(StageRead, buf)
	if err != nil {
		return nil, err
	}
	if len(dst) > len(eb.data) {
		return nil, newError(StageRead, CodeInvalidValue, "reading %d values from a buffer of %d", len(dst), len(eb.data))
	}
	return q.enqueue(StageRead, blocking, func() error {
		copy(dst, eb.data)
		return nil
	})
}

func (q *emuQueue) EnqueueKernel(k Kernel, r NDRange) (Event, error) {
	ek, ok := k.(*emuKernel)
	if !ok || ek.ctx != q.ctx {
		return nil, newError(StageLaunch, CodeInvalidKernel, "kernel does not belong to this context")
	}
	args, err := ek.snapshot()
	if err != nil {
		return nil, err
	}
	local, err := q.ctx.dev.workGroupSize(r)
	if err != nil {
		return nil, err
	}
	host := ek.src.Host
	return q.enqueue(StageLaunch, false, func() error {
		return q.ctx.dev.launch(host, args, r.Global, local)
	})
}

func (q *emuQueue) Finish() error {
	ev, err := q.enqueue(StageRelease, true, func() error { return nil })
	if err != nil {
		return err
	}
	return ev.Release()
}

func (q *emuQueue) Release() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.cmds)
	q.mu.Unlock()

	<-q.stopped
	return nil
}

type emuEvent struct {
	done       chan struct{}
	err        error
	start, end uint64
}

func (e *emuEvent) finish(err error) {
	e.err = err
	close(e.done)
}

func (e *emuEvent) Done() <-chan struct{} { return e.done }

func (e *emuEvent) Wait() error {
	<-e.done
	return e.err
}

func (e *emuEvent) Profile() (uint64, uint64, error) {
	select {
	case <-e.done:
		return e.start, e.end, nil
	default:
		return 0, 0, newError(StageProfile, CodeProfilingInfoNotAvailable, "command still running")
	}
}

func (e *emuEvent) Release() error { return nil }
