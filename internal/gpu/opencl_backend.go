//go:build opencl
// +build opencl

package gpu

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static cl_command_queue mm_create_queue(cl_context ctx, cl_device_id dev, cl_int *err) {
	return clCreateCommandQueue(ctx, dev, CL_QUEUE_PROFILING_ENABLE, err);
}
*/
import "C"
import (
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// clPlatformNotFoundKHR is returned by ICD loaders when no vendor driver is installed.
const clPlatformNotFoundKHR = -1001

func clError(stage Stage, rc C.cl_int, call string) error {
	return &AcceleratorError{Stage: stage, Code: int(rc), Detail: call}
}

// openCLPlatforms enumerates every installed OpenCL platform and its devices.
func openCLPlatforms(logger *zap.Logger) ([]Platform, error) {
	var n C.cl_uint
	rc := C.clGetPlatformIDs(0, nil, &n)
	if rc == clPlatformNotFoundKHR || (rc == C.CL_SUCCESS && n == 0) {
		return nil, nil
	}
	if rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetPlatformIDs")
	}

	ids := make([]C.cl_platform_id, n)
	if rc := C.clGetPlatformIDs(n, &ids[0], nil); rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetPlatformIDs")
	}

	platforms := make([]Platform, 0, len(ids))
	for _, id := range ids {
		p, err := newCLPlatform(id)
		if err != nil {
			logger.Warn("skipping OpenCL platform", zap.Error(err))
			continue
		}
		logger.Debug("OpenCL platform found",
			zap.String("platform", p.name),
			zap.Int("devices", len(p.devices)))
		platforms = append(platforms, p)
	}
	return platforms, nil
}

type clPlatform struct {
	id      C.cl_platform_id
	name    string
	devices []Device
}

func newCLPlatform(id C.cl_platform_id) (*clPlatform, error) {
	var size C.size_t
	if rc := C.clGetPlatformInfo(id, C.CL_PLATFORM_NAME, 0, nil, &size); rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetPlatformInfo")
	}
	buf := make([]byte, size)
	if size > 0 {
		if rc := C.clGetPlatformInfo(id, C.CL_PLATFORM_NAME, size, unsafe.Pointer(&buf[0]), nil); rc != C.CL_SUCCESS {
			return nil, clError(StageEnumerate, rc, "clGetPlatformInfo")
		}
	}
	p := &clPlatform{id: id, name: strings.TrimRight(string(buf), "\x00")}

	var n C.cl_uint
	rc := C.clGetDeviceIDs(id, C.CL_DEVICE_TYPE_ALL, 0, nil, &n)
	if rc == C.CL_DEVICE_NOT_FOUND || n == 0 {
		return p, nil
	}
	if rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetDeviceIDs")
	}
	ids := make([]C.cl_device_id, n)
	if rc := C.clGetDeviceIDs(id, C.CL_DEVICE_TYPE_ALL, n, &ids[0], nil); rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetDeviceIDs")
	}
	for _, did := range ids {
		d, err := newCLDevice(did, p.name)
		if err != nil {
			return nil, err
		}
		p.devices = append(p.devices, d)
	}
	return p, nil
}

func (p *clPlatform) Name() string { return p.name }

func (p *clPlatform) Devices() ([]Device, error) {
	return append([]Device(nil), p.devices...), nil
}

type clDevice struct {
	id       C.cl_device_id
	name     string
	platform string
	kind     DeviceKind
	unified  bool
	maxGroup int
}

func newCLDevice(id C.cl_device_id, platform string) (*clDevice, error) {
	d := &clDevice{id: id, platform: platform}

	var size C.size_t
	if rc := C.clGetDeviceInfo(id, C.CL_DEVICE_NAME, 0, nil, &size); rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetDeviceInfo(CL_DEVICE_NAME)")
	}
	buf := make([]byte, size)
	if size > 0 {
		if rc := C.clGetDeviceInfo(id, C.CL_DEVICE_NAME, size, unsafe.Pointer(&buf[0]), nil); rc != C.CL_SUCCESS {
			return nil, clError(StageEnumerate, rc, "clGetDeviceInfo(CL_DEVICE_NAME)")
		}
	}
	d.name = strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))

	var typ C.cl_device_type
	if rc := C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(typ)), unsafe.Pointer(&typ), nil); rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetDeviceInfo(CL_DEVICE_TYPE)")
	}
	switch {
	case typ&C.CL_DEVICE_TYPE_GPU != 0:
		d.kind = KindGPU
	case typ&C.CL_DEVICE_TYPE_CPU != 0:
		d.kind = KindCPU
	default:
		d.kind = KindAccelerator
	}

	var unified C.cl_bool
	if rc := C.clGetDeviceInfo(id, C.CL_DEVICE_HOST_UNIFIED_MEMORY, C.size_t(unsafe.Sizeof(unified)), unsafe.Pointer(&unified), nil); rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetDeviceInfo(CL_DEVICE_HOST_UNIFIED_MEMORY)")
	}
	d.unified = unified == C.CL_TRUE

	var maxGroup C.size_t
	if rc := C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(maxGroup)), unsafe.Pointer(&maxGroup), nil); rc != C.CL_SUCCESS {
		return nil, clError(StageEnumerate, rc, "clGetDeviceInfo(CL_DEVICE_MAX_WORK_GROUP_SIZE)")
	}
	d.maxGroup = int(maxGroup)
	return d, nil
}

func (d *clDevice) Name() string            { return d.name }
func (d *clDevice) PlatformName() string    { return d.platform }
func (d *clDevice) Kind() DeviceKind        { return d.kind }
func (d *clDevice) HostUnifiedMemory() bool { return d.unified }
func (d *clDevice) MaxWorkGroupSize() int   { return d.maxGroup }

func (d *clDevice) NewContext() (Context, error) {
	var rc C.cl_int
	id := d.id
	ctx := C.clCreateContext(nil, 1, &id, nil, nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clError(StageContext, rc, "clCreateContext")
	}
	return &clContext{ctx: ctx, dev: d}, nil
}

type clContext struct {
	ctx C.cl_context
	dev *clDevice
}

func (c *clContext) Device() Device { return c.dev }

func (c *clContext) NewQueue() (Queue, error) {
	var rc C.cl_int
	q := C.mm_create_queue(c.ctx, c.dev.id, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clError(StageQueue, rc, "clCreateCommandQueue")
	}
	return &clQueue{queue: q, ctx: c}, nil
}

func (c *clContext) NewBuffer(flags MemFlags, length int) (Buffer, error) {
	var clFlags C.cl_mem_flags
	switch flags {
	case MemReadOnly:
		clFlags = C.CL_MEM_READ_ONLY
	case MemWriteOnly:
		clFlags = C.CL_MEM_WRITE_ONLY
	default:
		clFlags = C.CL_MEM_READ_WRITE
	}

	var rc C.cl_int
	mem := C.clCreateBuffer(c.ctx, clFlags, C.size_t(length*4), nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clError(StageBuffer, rc, "clCreateBuffer")
	}
	return &clBuffer{mem: mem, length: length, ctx: c}, nil
}

func (c *clContext) Build(src KernelSource) (Kernel, error) {
	csrc := C.CString(src.Source)
	defer C.free(unsafe.Pointer(csrc))

	var rc C.cl_int
	prog := C.clCreateProgramWithSource(c.ctx, 1, &csrc, nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clError(StageBuild, rc, "clCreateProgramWithSource")
	}

	id := c.dev.id
	if rc := C.clBuildProgram(prog, 1, &id, nil, nil, nil); rc != C.CL_SUCCESS {
		err := &AcceleratorError{Stage: StageBuild, Code: int(rc), Detail: buildLog(prog, id)}
		C.clReleaseProgram(prog)
		return nil, err
	}

	cname := C.CString(src.Name)
	defer C.free(unsafe.Pointer(cname))
	kernel := C.clCreateKernel(prog, cname, &rc)
	if rc != C.CL_SUCCESS {
		C.clReleaseProgram(prog)
		return nil, clError(StageBuild, rc, "clCreateKernel")
	}
	return &clKernel{kernel: kernel, program: prog, ctx: c}, nil
}

func buildLog(prog C.cl_program, dev C.cl_device_id) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(prog, dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return "clBuildProgram"
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(prog, dev, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return "clBuildProgram"
	}
	return "clBuildProgram: " + strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
}

func (c *clContext) Release() error {
	if rc := C.clReleaseContext(c.ctx); rc != C.CL_SUCCESS {
		return clError(StageRelease, rc, "clReleaseContext")
	}
	return nil
}

type clBuffer struct {
	mem    C.cl_mem
	length int
	ctx    *clContext
}

func (b *clBuffer) Len() int { return b.length }

func (b *clBuffer) Release() error {
	if rc := C.clReleaseMemObject(b.mem); rc != C.CL_SUCCESS {
		return clError(StageRelease, rc, "clReleaseMemObject")
	}
	return nil
}

type clKernel struct {
	kernel  C.cl_kernel
	program C.cl_program
	ctx     *clContext
}

func (k *clKernel) SetArg(index int, value any) error {
	var rc C.cl_int
	switch x := value.(type) {
	case *clBuffer:
		mem := x.mem
		rc = C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case uint32:
		v := C.cl_uint(x)
		rc = C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v))
	case int32:
		v := C.cl_int(x)
		rc = C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v))
	default:
		return newError(StageSetArg, CodeInvalidArgValue, "argument %d has unsupported type %T", index, value)
	}
	if rc != C.CL_SUCCESS {
		return clError(StageSetArg, rc, "clSetKernelArg")
	}
	return nil
}

func (k *clKernel) Release() error {
	C.clReleaseKernel(k.kernel)
	if rc := C.clReleaseProgram(k.program); rc != C.CL_SUCCESS {
		return clError(StageRelease, rc, "clReleaseProgram")
	}
	return nil
}

type clQueue struct {
	queue C.cl_command_queue
	ctx   *clContext
}

func (q *clQueue) buffer(stage Stage, b Buffer) (*clBuffer, error) {
	cb, ok := b.(*clBuffer)
	if !ok || cb.ctx != q.ctx {
		return nil, newError(stage, CodeInvalidMemObject, "buffer does not belong to this context")
	}
	return cb, nil
}

// EnqueueWrite stages src in C memory so the transfer can complete after the call
// returns; the staging area is freed when the command completes.
func (q *clQueue) EnqueueWrite(buf Buffer, blocking bool, src []float32) (Event, error) {
	cb, err := q.buffer(StageWrite, buf)
	if err != nil {
		return nil, err
	}
	if len(src) > cb.length {
		return nil, newError(StageWrite, CodeInvalidValue, "writing %d values into a buffer of %d", len(src), cb.length)
	}
	if len(src) == 0 {
		return nil, newError(StageWrite, CodeInvalidValue, "empty write")
	}

	size := C.size_t(len(src) * 4)
	staging := C.malloc(size)
	copy(unsafe.Slice((*float32)(staging), len(src)), src)

	var ev C.cl_event
	rc := C.clEnqueueWriteBuffer(q.queue, cb.mem, C.CL_FALSE, 0, size, staging, 0, nil, &ev)
	if rc != C.CL_SUCCESS {
		C.free(staging)
		return nil, clError(StageWrite, rc, "clEnqueueWriteBuffer")
	}
	e := newCLEvent(StageWrite, ev, func() { C.free(staging) })
	return waitIf(blocking, e)
}

// EnqueueRead lands the transfer in C memory and copies it into dst once the command
// completed.
func (q *clQueue) EnqueueRead(buf Buffer, blocking bool, dst []float32) (Event, error) {
	cb, err := q.buffer(StageRead, buf)
	if err != nil {
		return nil, err
	}
	if len(dst) > cb.length {
		return nil, newError(StageRead, CodeInvalidValue, "reading %d values from a buffer of %d", len(dst), cb.length)
	}
	if len(dst) == 0 {
		return nil, newError(StageRead, CodeInvalidValue, "empty read")
	}

	size := C.size_t(len(dst) * 4)
	staging := C.malloc(size)

	var ev C.cl_event
	rc := C.clEnqueueReadBuffer(q.queue, cb.mem, C.CL_FALSE, 0, size, staging, 0, nil, &ev)
	if rc != C.CL_SUCCESS {
		C.free(staging)
		return nil, clError(StageRead, rc, "clEnqueueReadBuffer")
	}
	e := newCLEvent(StageRead, ev, func() {
		copy(dst, unsafe.Slice((*float32)(staging), len(dst)))
		C.free(staging)
	})
	return waitIf(blocking, e)
}

func (q *clQueue) EnqueueKernel(k Kernel, r NDRange) (Event, error) {
	ck, ok := k.(*clKernel)
	if !ok || ck.ctx != q.ctx {
		return nil, newError(StageLaunch, CodeInvalidKernel, "kernel does not belong to this context")
	}

	global := [2]C.size_t{C.size_t(r.Global[0]), C.size_t(r.Global[1])}
	local := [2]C.size_t{C.size_t(r.Local[0]), C.size_t(r.Local[1])}
	var localPtr *C.size_t
	if r.Local != ([2]int{}) {
		localPtr = &local[0]
	}

	var ev C.cl_event
	rc := C.clEnqueueNDRangeKernel(q.queue, ck.kernel, 2, nil, &global[0], localPtr, 0, nil, &ev)
	if rc != C.CL_SUCCESS {
		return nil, clError(StageLaunch, rc, "clEnqueueNDRangeKernel")
	}
	return newCLEvent(StageLaunch, ev, nil), nil
}

func (q *clQueue) Finish() error {
	if rc := C.clFinish(q.queue); rc != C.CL_SUCCESS {
		return clError(StageRelease, rc, "clFinish")
	}
	return nil
}

func (q *clQueue) Release() error {
	if rc := C.clReleaseCommandQueue(q.queue); rc != C.CL_SUCCESS {
		return clError(StageRelease, rc, "clReleaseCommandQueue")
	}
	return nil
}

func waitIf(blocking bool, e *clEvent) (Event, error) {
	if blocking {
		if err := e.Wait(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// clEvent watches a native event on its own goroutine so that callers can select on
// completion.
type clEvent struct {
	ev      C.cl_event
	stage   Stage
	done    chan struct{}
	err     error
	release sync.Once
}

func newCLEvent(stage Stage, ev C.cl_event, onComplete func()) *clEvent {
	e := &clEvent{ev: ev, stage: stage, done: make(chan struct{})}
	go func() {
		defer close(e.done)
		native := ev
		if rc := C.clWaitForEvents(1, &native); rc != C.CL_SUCCESS {
			e.err = clError(stage, rc, "clWaitForEvents")
		} else {
			var status C.cl_int
			C.clGetEventInfo(native, C.CL_EVENT_COMMAND_EXECUTION_STATUS, C.size_t(unsafe.Sizeof(status)), unsafe.Pointer(&status), nil)
			if status < 0 {
				e.err = clError(stage, status, "command execution status")
			}
		}
		if onComplete != nil {
			onComplete()
		}
	}()
	return e
}

func (e *clEvent) Done() <-chan struct{} { return e.done }

func (e *clEvent) Wait() error {
	<-e.done
	return e.err
}

func (e *clEvent) Profile() (uint64, uint64, error) {
	var start, end C.cl_ulong
	if rc := C.clGetEventProfilingInfo(e.ev, C.CL_PROFILING_COMMAND_START, C.size_t(unsafe.Sizeof(start)), unsafe.Pointer(&start), nil); rc != C.CL_SUCCESS {
		return 0, 0, clError(StageProfile, rc, "clGetEventProfilingInfo(START)")
	}
	if rc := C.clGetEventProfilingInfo(e.ev, C.CL_PROFILING_COMMAND_END, C.size_t(unsafe.Sizeof(end)), unsafe.Pointer(&end), nil); rc != C.CL_SUCCESS {
		return 0, 0, clError(StageProfile, rc, "clGetEventProfilingInfo(END)")
	}
	return uint64(start), uint64(end), nil
}

func (e *clEvent) Release() error {
	var err error
	e.release.Do(func() {
		<-e.done
		if rc := C.clReleaseEvent(e.ev); rc != C.CL_SUCCESS {
			err = clError(StageRelease, rc, "clReleaseEvent")
		}
	})
	return err
}
