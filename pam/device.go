package pam

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryKind identifies which of the allocator's two pools a page or chunk belongs to
type MemoryKind uint32

const (
	// MemoryLocal is device-only memory. Chunks are placed with split & coalesce and never move.
	MemoryLocal MemoryKind = iota
	// MemoryShared is host-visible, host-coherent memory. Pages are mapped for their whole lifetime and
	// chunks are kept compacted, so they may move when another chunk in the same page is freed.
	MemoryShared
)

var memoryKindMapping = map[MemoryKind]string{
	MemoryLocal:  "MemoryLocal",
	MemoryShared: "MemoryShared",
}

func (k MemoryKind) String() string {
	return memoryKindMapping[k]
}

//go:generate mockgen -destination mocks/device.go -package mocks github.com/vkngwrapper/subarena/pam Device,DeviceMemory

// Device is the graphics device facade that pages are allocated from
type Device interface {
	// AllocateMemory allocates a single block of device memory of the provided kind and size
	AllocateMemory(kind MemoryKind, size int) (DeviceMemory, common.VkResult, error)
}

// DeviceMemory is a single block of device memory backing one page
type DeviceMemory interface {
	// Map maps the first size bytes of the block for host access
	Map(size int) (unsafe.Pointer, common.VkResult, error)
	// Unmap removes the host mapping created by Map
	Unmap()
	// Free returns the block to the device
	Free()

	// BindBuffer binds a buffer to this block at the provided offset
	BindBuffer(buffer core1_0.Buffer, offset int) (common.VkResult, error)
	// BindImage binds an image to this block at the provided offset
	BindImage(image core1_0.Image, offset int) (common.VkResult, error)
}
