package pam

type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	kind MemoryKind,
	memory DeviceMemory,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	kind MemoryKind,
	memory DeviceMemory,
	size int,
	userData interface{},
)

// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever a page is
// allocated from or returned to the device
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	kind MemoryKind,
	memory DeviceMemory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, kind, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	kind MemoryKind,
	memory DeviceMemory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, kind, memory, size, c.Callbacks.UserData)
	}
}
