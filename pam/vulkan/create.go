package vulkan

import (
	"github.com/vkngwrapper/core/v2/driver"
)

const (
	// DefaultMemoryPriority is the ext_memory_priority value applied to pages when CreateOptions does
	// not provide one
	DefaultMemoryPriority float32 = 0.5
)

// CreateOptions contains optional settings when creating a Device
type CreateOptions struct {
	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on memory
	// allocated through this Device. Each page is a single Vulkan allocation.
	VulkanCallbacks *driver.AllocationCallbacks

	// MemoryPriority is the ext_memory_priority priority value applied to every page. This only has
	// an effect if the ext_memory_priority extension is active on the device. If left at 0,
	// DefaultMemoryPriority is used.
	MemoryPriority float32

	// HeapSizeLimits is an optional slice with one entry per memory heap on the physical device. A
	// nonzero entry caps the number of bytes that may be allocated from that heap. Allocations past the
	// cap fail with VKErrorOutOfDeviceMemory.
	HeapSizeLimits []int
}
