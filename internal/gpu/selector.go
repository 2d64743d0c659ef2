package gpu

import (
	"fmt"
	"strings"

	"github.com/fxnlabs/gpu-matmul/internal/metrics"
	"go.uber.org/zap"
)

// DeviceType is the class of device a caller asks for.
type DeviceType int

const (
	// DeviceTypeAll matches every device and is the default.
	DeviceTypeAll DeviceType = iota
	DeviceTypeDedicatedGPU
	DeviceTypeIntegratedGPU
	DeviceTypeGPU
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeAll:
		return "all"
	case DeviceTypeDedicatedGPU:
		return "dgpu"
	case DeviceTypeIntegratedGPU:
		return "igpu"
	case DeviceTypeGPU:
		return "gpu"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// ParseDeviceType accepts the short names printed by String and a few long synonyms.
// The empty string selects DeviceTypeAll.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "any":
		return DeviceTypeAll, nil
	case "dgpu", "dedicated":
		return DeviceTypeDedicatedGPU, nil
	case "igpu", "integrated":
		return DeviceTypeIntegratedGPU, nil
	case "gpu":
		return DeviceTypeGPU, nil
	case "cpu":
		return DeviceTypeCPU, nil
	default:
		return DeviceTypeAll, fmt.Errorf("unknown device type %q", s)
	}
}

// broadKind maps a requested type to the device kind used by the first filtering stage.
func (t DeviceType) broadKind() (DeviceKind, bool) {
	switch t {
	case DeviceTypeCPU:
		return KindCPU, true
	case DeviceTypeDedicatedGPU, DeviceTypeIntegratedGPU, DeviceTypeGPU:
		return KindGPU, true
	default:
		return 0, false
	}
}

// DeviceSource enumerates devices in a stable order.
type DeviceSource interface {
	Devices(t DeviceType) ([]Device, error)
}

// SelectorPolicy tunes the second filtering stage.
type SelectorPolicy struct {
	// LegacyUnifiedMemoryPolarity keeps devices WITH unified host memory for dgpu and
	// devices WITHOUT it for igpu. Off by default: a dedicated GPU has its own memory.
	LegacyUnifiedMemoryPolarity bool
}

// keep reports whether a GPU passes the unified-memory filter for t.
func (p SelectorPolicy) keep(t DeviceType, d Device) bool {
	unified := d.HostUnifiedMemory()
	if p.LegacyUnifiedMemoryPolarity {
		unified = !unified
	}
	switch t {
	case DeviceTypeDedicatedGPU:
		return !unified
	case DeviceTypeIntegratedGPU:
		return unified
	default:
		return true
	}
}

// SelectDevice picks the index-th device of class t.
//
// The first stage narrows src to the broad kind (CPU or GPU). For dgpu and igpu a second
// stage filters on the unified host memory attribute. DeviceTypeAll indexes the full
// unfiltered enumeration.
func SelectDevice(src DeviceSource, t DeviceType, index int, policy SelectorPolicy, log *zap.Logger) (Device, error) {
	if log == nil {
		log = zap.NewNop()
	}

	d, err := selectDevice(src, t, index, policy)
	if err != nil {
		metrics.DeviceSelections.WithLabelValues(t.String(), "error").Inc()
		log.Warn("device selection failed",
			zap.Stringer("device_type", t),
			zap.Int("index", index),
			zap.Error(err))
		return nil, err
	}

	metrics.DeviceSelections.WithLabelValues(t.String(), "success").Inc()
	log.Debug("device selected",
		zap.Stringer("device_type", t),
		zap.Int("index", index),
		zap.String("device", d.Name()),
		zap.String("platform", d.PlatformName()),
		zap.Bool("unified_memory", d.HostUnifiedMemory()))
	return d, nil
}

func selectDevice(src DeviceSource, t DeviceType, index int, policy SelectorPolicy) (Device, error) {
	devices, err := src.Devices(t)
	if err != nil {
		return nil, err
	}

	if t == DeviceTypeAll {
		return pick(devices, t, index)
	}

	kind, _ := t.broadKind()
	byKind := devices[:0:0]
	for _, d := range devices {
		if d.Kind() == kind {
			byKind = append(byKind, d)
		}
	}

	if t != DeviceTypeDedicatedGPU && t != DeviceTypeIntegratedGPU {
		return pick(byKind, t, index)
	}

	byMemory := byKind[:0:0]
	for _, d := range byKind {
		if policy.keep(t, d) {
			byMemory = append(byMemory, d)
		}
	}
	return pick(byMemory, t, index)
}

func pick(devices []Device, t DeviceType, index int) (Device, error) {
	if index < 0 || index >= len(devices) {
		return nil, &DeviceNotFoundError{Type: t, Index: index, Available: len(devices)}
	}
	return devices[index], nil
}
