package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrAccelerator matches every *AcceleratorError.
	ErrAccelerator = errors.New("accelerator error")

	// ErrDeviceNotFound matches every *DeviceNotFoundError.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrOpenCLUnavailable is returned when the binary was built without the opencl tag.
	ErrOpenCLUnavailable = errors.New("OpenCL support not compiled in")
)

// Stage names the pipeline step a native failure happened in.
type Stage string

const (
	StageEnumerate Stage = "enumerate devices"
	StageContext   Stage = "create context"
	StageQueue     Stage = "create queue"
	StageBuffer    Stage = "allocate buffer"
	StageWrite     Stage = "write buffer"
	StageBuild     Stage = "build program"
	StageSetArg    Stage = "set kernel argument"
	StageLaunch    Stage = "launch kernel"
	StageRead      Stage = "read buffer"
	StageProfile   Stage = "profiling"
	StageRelease   Stage = "release"
)

// Native status codes. The values are the OpenCL ones so that both platforms report
// failures identically.
const (
	CodeSuccess                   = 0
	CodeDeviceNotFound            = -1
	CodeOutOfResources            = -5
	CodeOutOfHostMemory           = -6
	CodeProfilingInfoNotAvailable = -7
	CodeBuildProgramFailure       = -11
	CodeInvalidValue              = -30
	CodeInvalidDevice             = -33
	CodeInvalidContext            = -34
	CodeInvalidCommandQueue       = -36
	CodeInvalidMemObject          = -38
	CodeInvalidKernelName         = -46
	CodeInvalidKernel             = -48
	CodeInvalidArgIndex           = -49
	CodeInvalidArgValue           = -50
	CodeInvalidKernelArgs         = -52
	CodeInvalidWorkGroupSize      = -54
	CodeInvalidEvent              = -58
	CodeInvalidBufferSize         = -61
	CodeInvalidGlobalWorkSize     = -63
)

var codeNames = map[int]string{
	CodeSuccess:                   "CL_SUCCESS",
	CodeDeviceNotFound:            "CL_DEVICE_NOT_FOUND",
	CodeOutOfResources:            "CL_OUT_OF_RESOURCES",
	CodeOutOfHostMemory:           "CL_OUT_OF_HOST_MEMORY",
	CodeProfilingInfoNotAvailable: "CL_PROFILING_INFO_NOT_AVAILABLE",
	CodeBuildProgramFailure:       "CL_BUILD_PROGRAM_FAILURE",
	CodeInvalidValue:              "CL_INVALID_VALUE",
	CodeInvalidDevice:             "CL_INVALID_DEVICE",
	CodeInvalidContext:            "CL_INVALID_CONTEXT",
	CodeInvalidCommandQueue:       "CL_INVALID_COMMAND_QUEUE",
	CodeInvalidMemObject:          "CL_INVALID_MEM_OBJECT",
	CodeInvalidKernelName:         "CL_INVALID_KERNEL_NAME",
	CodeInvalidKernel:             "CL_INVALID_KERNEL",
	CodeInvalidArgIndex:           "CL_INVALID_ARG_INDEX",
	CodeInvalidArgValue:           "CL_INVALID_ARG_VALUE",
	CodeInvalidKernelArgs:         "CL_INVALID_KERNEL_ARGS",
	CodeInvalidWorkGroupSize:      "CL_INVALID_WORK_GROUP_SIZE",
	CodeInvalidEvent:              "CL_INVALID_EVENT",
	CodeInvalidBufferSize:         "CL_INVALID_BUFFER_SIZE",
	CodeInvalidGlobalWorkSize:     "CL_INVALID_GLOBAL_WORK_SIZE",
}

// CodeName returns the symbolic name of a native status code.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("CL_ERROR(%d)", code)
}

// AcceleratorError is a native API failure.
type AcceleratorError struct {
	Stage  Stage
	Code   int
	Detail string
}

func (e *AcceleratorError) Error() string {
	msg := fmt.Sprintf("accelerator: %s failed: %s (%d)", e.Stage, CodeName(e.Code), e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *AcceleratorError) Is(target error) bool {
	return target == ErrAccelerator
}

func newError(stage Stage, code int, format string, args ...any) *AcceleratorError {
	return &AcceleratorError{Stage: stage, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// DeviceNotFoundError reports a device index outside the filtered device list.
type DeviceNotFoundError struct {
	Type      DeviceType
	Index     int
	Available int
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("invalid device index %d for device type %s: %d device(s) available", e.Index, e.Type, e.Available)
}

func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}
