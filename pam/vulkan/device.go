// Package vulkan provides a pam.Device that allocates pages from a Vulkan device. Local pages are
// taken from the first device-local memory type and shared pages from the first host-visible,
// host-coherent memory type.
package vulkan

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/subarena/memutils"
	"github.com/vkngwrapper/subarena/pam"
	"golang.org/x/exp/slog"
)

// Device allocates pam pages as Vulkan device memory
type Device struct {
	logger *slog.Logger

	// Number of real allocations that have been made from device memory
	memoryCount int32
	// Number of pages allocated from each heap
	blockCount [common.MaxMemoryHeaps]int32
	// Size of pages allocated from each heap
	blockBytes [common.MaxMemoryHeaps]int64

	allocationCallbacks *driver.AllocationCallbacks
	useMemoryPriority   bool
	priority            float32
	heapLimits          []int

	device           core1_0.Device
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	memoryTypes      [2]int
}

var _ pam.Device = &Device{}

// New creates a Device that allocates pages from the provided Vulkan device
//
// logger - Receives debug output for every page allocated or freed
//
// device - The Vulkan device that pages will be allocated from
//
// physicalDevice - The physical device that device was created from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options CreateOptions) (*Device, error) {
	if device == nil {
		return nil, errors.New("vulkan.New requires a core1_0.Device")
	}
	if physicalDevice == nil {
		return nil, errors.New("vulkan.New requires a core1_0.PhysicalDevice")
	}

	d := &Device{
		logger:              logger,
		allocationCallbacks: options.VulkanCallbacks,
		useMemoryPriority:   device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		priority:            options.MemoryPriority,
		device:              device,
	}

	if d.priority == 0 {
		d.priority = DefaultMemoryPriority
	}
	if d.priority < 0 || d.priority > 1 {
		return nil, errors.Newf("memory priority %f must be between 0 and 1", d.priority)
	}

	var err error
	d.deviceProperties, err = physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	d.memoryProperties = physicalDevice.MemoryProperties()

	heapCount := len(d.memoryProperties.MemoryHeaps)
	heapLimitCount := len(options.HeapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("vulkan.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heaps")
	}
	d.heapLimits = options.HeapSizeLimits
	if heapLimitCount == 0 {
		d.heapLimits = make([]int, heapCount)
	}

	d.memoryTypes[pam.MemoryLocal] = d.findMemoryType(core1_0.MemoryPropertyDeviceLocal)
	if d.memoryTypes[pam.MemoryLocal] < 0 {
		return nil, errors.New("the physical device has no device-local memory type")
	}

	d.memoryTypes[pam.MemoryShared] = d.findMemoryType(core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent)
	if d.memoryTypes[pam.MemoryShared] < 0 {
		return nil, errors.New("the physical device has no host-visible, host-coherent memory type")
	}

	return d, nil
}

func (d *Device) findMemoryType(required core1_0.MemoryPropertyFlags) int {
	for memoryTypeIndex, memoryType := range d.memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&required == required {
			return memoryTypeIndex
		}
	}

	return -1
}

// MemoryTypeIndex returns the Vulkan memory type that pages of the provided kind are allocated from
func (d *Device) MemoryTypeIndex(kind pam.MemoryKind) int {
	return d.memoryTypes[kind]
}

func (d *Device) memoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return d.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
}

// AllocationCount returns the number of Vulkan allocations currently live through this Device
func (d *Device) AllocationCount() int {
	return int(atomic.LoadInt32(&d.memoryCount))
}

// HeapStatistics populates stats with the pages currently allocated from each heap. stats must
// have one entry per memory heap on the physical device.
func (d *Device) HeapStatistics(stats []memutils.Statistics) {
	for heapIndex := 0; heapIndex < len(stats) && heapIndex < len(d.memoryProperties.MemoryHeaps); heapIndex++ {
		stats[heapIndex].PageCount = int(atomic.LoadInt32(&d.blockCount[heapIndex]))
		stats[heapIndex].PageBytes = int(atomic.LoadInt64(&d.blockBytes[heapIndex]))
	}
}

func (d *Device) addBlockAllocation(heapIndex, allocationSize int) (common.VkResult, error) {
	heapLimit := d.heapLimits[heapIndex]
	if heapLimit == 0 {
		atomic.AddInt64(&d.blockBytes[heapIndex], int64(allocationSize))
		atomic.AddInt32(&d.blockCount[heapIndex], 1)
		return core1_0.VKSuccess, nil
	}

	maxAllocatable := d.memoryProperties.MemoryHeaps[heapIndex].Size
	if heapLimit < maxAllocatable {
		maxAllocatable = heapLimit
	}

	for {
		currentVal := atomic.LoadInt64(&d.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if atomic.CompareAndSwapInt64(&d.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&d.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (d *Device) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&d.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&d.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heapIndex %d went negative", heapIndex))
	}
}

// AllocateMemory allocates a single page of Vulkan device memory
func (d *Device) AllocateMemory(kind pam.MemoryKind, size int) (mem pam.DeviceMemory, res common.VkResult, err error) {
	newDeviceCount := atomic.AddInt32(&d.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddInt32(&d.memoryCount, -1)
		}
	}()

	if int(newDeviceCount) > d.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	memoryTypeIndex := d.memoryTypes[kind]
	heapIndex := d.memoryTypeIndexToHeapIndex(memoryTypeIndex)

	res, err = d.addBlockAllocation(heapIndex, size)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			d.removeBlockAllocation(heapIndex, size)
		}
	}()

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}
	if d.useMemoryPriority {
		allocateInfo.Next = ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.priority,
		}
	}

	vulkanMemory, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocated vulkan memory",
		slog.String("kind", kind.String()),
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("size", size),
	)

	return &Memory{
		device:     d,
		kind:       kind,
		memoryType: memoryTypeIndex,
		heapIndex:  heapIndex,
		size:       size,
		memory:     vulkanMemory,
	}, res, nil
}

func (d *Device) freeMemory(m *Memory) {
	m.memory.Free(d.allocationCallbacks)

	d.removeBlockAllocation(m.heapIndex, m.size)
	// Decrement
	atomic.AddInt32(&d.memoryCount, -1)

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Freed vulkan memory",
		slog.String("kind", m.kind.String()),
		slog.Int("memoryType", m.memoryType),
		slog.Int("size", m.size),
	)
}

// Memory is a single page of Vulkan device memory
type Memory struct {
	device     *Device
	kind       pam.MemoryKind
	memoryType int
	heapIndex  int
	size       int
	memory     core1_0.DeviceMemory
}

var _ pam.DeviceMemory = &Memory{}

// VulkanDeviceMemory returns the underlying Vulkan memory object
func (m *Memory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *Memory) Map(size int) (unsafe.Pointer, common.VkResult, error) {
	return m.memory.Map(0, size, 0)
}

func (m *Memory) Unmap() {
	m.memory.Unmap()
}

func (m *Memory) Free() {
	if m.memory == nil {
		panic("attempted to free vulkan memory twice")
	}

	m.device.freeMemory(m)
	m.memory = nil
}

func (m *Memory) BindBuffer(buffer core1_0.Buffer, offset int) (common.VkResult, error) {
	return buffer.BindBufferMemory(m.memory, offset)
}

func (m *Memory) BindImage(image core1_0.Image, offset int) (common.VkResult, error) {
	return image.BindImageMemory(m.memory, offset)
}
