// Package device resolves the compute device used by training and inference
// and reports how much memory it can spare.
package device

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/dekun/dekun/internal/errs"
)

// DeviceType represents the hardware device used for computation.
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (t DeviceType) String() string {
	if t == GPU {
		return "gpu"
	}
	return "cpu"
}

// fallbackMemory is reported when the host memory cannot be read.
const fallbackMemory = 2 << 30

// Device manages the hardware resources for neural network operations.
type Device interface {
	Type() DeviceType
	IsAvailable() bool
	// AvailableMemory returns the bytes the device can allocate right now.
	AvailableMemory() uint64
}

// MemoryFunc returns the bytes of memory available without swapping.
type MemoryFunc func() (uint64, error)

// HostMemory reads the host memory with gopsutil.
func HostMemory() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read host memory")
	}
	return v.Available, nil
}

// CPUDevice handles computations on the host CPU.
type CPUDevice struct {
	available MemoryFunc
}

// NewCPUDevice returns the host CPU.
func NewCPUDevice() *CPUDevice { return NewCPUDeviceWithMemory(HostMemory) }

// NewCPUDeviceWithMemory returns the host CPU reporting memory from available.
func NewCPUDeviceWithMemory(available MemoryFunc) *CPUDevice {
	return &CPUDevice{available: available}
}

func (d *CPUDevice) Type() DeviceType  { return CPU }
func (d *CPUDevice) IsAvailable() bool { return true }

// AvailableMemory returns the reported memory, or a fixed 2 GiB when the
// read fails or reports nothing.
func (d *CPUDevice) AvailableMemory() uint64 {
	n, err := d.available()
	if err != nil || n == 0 {
		return fallbackMemory
	}
	return n
}

// Resolve maps a device name to a device. "auto" picks the best available
// device; "gpu" and "cuda" fail with ErrDevice because the layer kernels only
// run on the host.
func Resolve(name string) (Device, error) {
	switch strings.ToLower(name) {
	case "", "auto", "cpu":
		return NewCPUDevice(), nil
	case "gpu", "cuda":
		return nil, errors.Wrapf(errs.ErrDevice, "%s requested but no accelerator backend is available", name)
	default:
		return nil, errs.Configf("unknown device %q", name)
	}
}
