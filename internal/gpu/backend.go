package gpu

// DeviceKind is the hardware class a device reports about itself.
type DeviceKind int

const (
	KindCPU DeviceKind = iota
	KindGPU
	KindAccelerator
)

func (k DeviceKind) String() string {
	switch k {
	case KindCPU:
		return "CPU"
	case KindGPU:
		return "GPU"
	case KindAccelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// MemFlags describes how a kernel accesses a device buffer.
type MemFlags int

const (
	MemReadWrite MemFlags = iota
	MemReadOnly
	MemWriteOnly
)

// NDRange is a two-dimensional launch geometry. A zero Local lets the device pick the
// work-group size.
type NDRange struct {
	Global [2]int
	Local  [2]int
}

// KernelSource bundles everything a platform needs to build one kernel.
type KernelSource struct {
	// Name is the kernel entry point.
	Name string
	// Source is the OpenCL C program text.
	Source string
	// Host is the equivalent kernel body run by the software device.
	Host *HostKernel
}

// Platform is one vendor implementation exposing a set of devices.
type Platform interface {
	Name() string
	Devices() ([]Device, error)
}

// Device is an immutable descriptor of a compute device. All attributes are read once at
// enumeration time.
type Device interface {
	Name() string
	PlatformName() string
	Kind() DeviceKind
	// HostUnifiedMemory reports whether the device shares physical memory with the host.
	HostUnifiedMemory() bool
	MaxWorkGroupSize() int
	// NewContext creates an execution context bound to this device only.
	NewContext() (Context, error)
}

// Context owns buffers, programs and queues for a single device.
type Context interface {
	Device() Device
	// NewQueue creates an in-order command queue with profiling enabled.
	NewQueue() (Queue, error)
	// NewBuffer allocates a device buffer holding length float32 values.
	NewBuffer(flags MemFlags, length int) (Buffer, error)
	// Build compiles the program and creates its kernel.
	Build(src KernelSource) (Kernel, error)
	Release() error
}

// Buffer is device memory holding float32 values.
type Buffer interface {
	Len() int
	Release() error
}

// Kernel is a compiled kernel whose arguments are bound by position. Arguments are
// either a Buffer or a uint32.
type Kernel interface {
	SetArg(index int, value any) error
	Release() error
}

// Queue is an in-order command stream. Commands run in program order; a non-blocking
// call only enqueues. The caller must not touch the host slice handed to a non-blocking
// transfer until its Event completes.
type Queue interface {
	EnqueueWrite(buf Buffer, blocking bool, src []float32) (Event, error)
	EnqueueKernel(k Kernel, r NDRange) (Event, error)
	EnqueueRead(buf Buffer, blocking bool, dst []float32) (Event, error)
	// Finish blocks until every enqueued command completed.
	Finish() error
	Release() error
}

// Event tracks one enqueued command.
type Event interface {
	// Done is closed once the command completed, successfully or not.
	Done() <-chan struct{}
	// Wait blocks until completion and returns the command's error.
	Wait() error
	// Profile returns the device timestamps, in nanoseconds, at which the command
	// started and ended.
	Profile() (start, end uint64, err error)
	Release() error
}
