// Package hostsim provides a pam.Device backed by ordinary Go memory. It performs no graphics work:
// pages are byte slices and binds are recorded rather than executed. It is used to exercise the
// allocator without a GPU and to replay allocation traces.
package hostsim

import (
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/subarena/pam"
)

// Binding records the most recent bind of a buffer or image
type Binding struct {
	Memory *Memory
	Offset int
	// Count is the number of times the resource has been bound
	Count int
}

// Device is a simulated graphics device
type Device struct {
	// MaxAllocationCount is the maximum number of memory blocks that may be live at once. Zero
	// means no limit. Allocations past the limit fail with VKErrorOutOfDeviceMemory.
	MaxAllocationCount int

	live           *swiss.Map[*Memory, struct{}]
	allocatedCount int
	freedCount     int

	bufferBindings *swiss.Map[core1_0.Buffer, Binding]
	imageBindings  *swiss.Map[core1_0.Image, Binding]
}

var _ pam.Device = &Device{}

// New creates a simulated device with no allocation limit
func New() *Device {
	return &Device{
		live:           swiss.NewMap[*Memory, struct{}](42),
		bufferBindings: swiss.NewMap[core1_0.Buffer, Binding](42),
		imageBindings:  swiss.NewMap[core1_0.Image, Binding](42),
	}
}

func (d *Device) AllocateMemory(kind pam.MemoryKind, size int) (pam.DeviceMemory, common.VkResult, error) {
	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Errorf("invalid memory size %d", size)
	}

	if d.MaxAllocationCount > 0 && d.live.Count() >= d.MaxAllocationCount {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	memory := &Memory{
		device: d,
		kind:   kind,
		data:   make([]byte, size),
	}
	d.live.Put(memory, struct{}{})
	d.allocatedCount++

	return memory, core1_0.VKSuccess, nil
}

// LiveCount returns the number of memory blocks that have been allocated and not freed
func (d *Device) LiveCount() int { return d.live.Count() }

// AllocatedCount returns the number of memory blocks that have ever been allocated
func (d *Device) AllocatedCount() int { return d.allocatedCount }

// FreedCount returns the number of memory blocks that have been freed
func (d *Device) FreedCount() int { return d.freedCount }

// BufferBinding returns the most recent bind of the provided buffer
func (d *Device) BufferBinding(buffer core1_0.Buffer) (Binding, bool) {
	return d.bufferBindings.Get(buffer)
}

// ImageBinding returns the most recent bind of the provided image
func (d *Device) ImageBinding(image core1_0.Image) (Binding, bool) {
	return d.imageBindings.Get(image)
}

// Memory is a simulated block of device memory
type Memory struct {
	device *Device
	kind   pam.MemoryKind
	data   []byte
	mapped bool
	freed  bool
}

var _ pam.DeviceMemory = &Memory{}

// Kind returns the kind of memory this block was allocated as
func (m *Memory) Kind() pam.MemoryKind { return m.kind }

// Size returns the size in bytes of this block
func (m *Memory) Size() int { return len(m.data) }

// Mapped returns true if the block is currently mapped
func (m *Memory) Mapped() bool { return m.mapped }

// Bytes exposes the block's backing storage
func (m *Memory) Bytes() []byte { return m.data }

func (m *Memory) Map(size int) (unsafe.Pointer, common.VkResult, error) {
	if m.freed {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to map freed memory")
	}
	if m.kind != pam.MemoryShared {
		return nil, core1_0.VKErrorMemoryMapFailed, core1_0.VKErrorMemoryMapFailed.ToError()
	}
	if m.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("memory is already mapped")
	}
	if size > len(m.data) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Errorf("attempted to map %d bytes of a %d-byte block", size, len(m.data))
	}

	m.mapped = true
	return unsafe.Pointer(&m.data[0]), core1_0.VKSuccess, nil
}

func (m *Memory) Unmap() {
	m.mapped = false
}

func (m *Memory) Free() {
	if m.freed {
		panic("attempted to free simulated memory twice")
	}

	m.freed = true
	m.device.live.Delete(m)
	m.device.freedCount++
}

func (m *Memory) checkBind(offset int) error {
	if m.freed {
		return errors.New("attempted to bind to freed memory")
	}
	if offset < 0 || offset >= len(m.data) {
		return errors.Errorf("bind offset %d is outside a %d-byte block", offset, len(m.data))
	}

	return nil
}

func (m *Memory) BindBuffer(buffer core1_0.Buffer, offset int) (common.VkResult, error) {
	err := m.checkBind(offset)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	binding, _ := m.device.bufferBindings.Get(buffer)
	m.device.bufferBindings.Put(buffer, Binding{Memory: m, Offset: offset, Count: binding.Count + 1})
	return core1_0.VKSuccess, nil
}

func (m *Memory) BindImage(image core1_0.Image, offset int) (common.VkResult, error) {
	err := m.checkBind(offset)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	binding, _ := m.device.imageBindings.Get(image)
	m.device.imageBindings.Put(image, Binding{Memory: m, Offset: offset, Count: binding.Count + 1})
	return core1_0.VKSuccess, nil
}
