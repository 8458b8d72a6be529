package pam

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/subarena/memutils"
	"github.com/vkngwrapper/subarena/memutils/arena"
	"github.com/vkngwrapper/subarena/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocator sub-allocates chunks from large pages of device memory. It keeps two independent pools:
// a local pool of device-only pages and a shared pool of host-visible, persistently-mapped pages.
//
// Allocator is not safe for concurrent use.
type Allocator struct {
	logger      *slog.Logger
	device      Device
	createFlags CreateFlags
	pageSize    int

	localPages  pageList
	sharedPages pageList
	bindings    binder
}

// ChunkInfo describes the current placement of a live chunk
type ChunkInfo struct {
	Kind     MemoryKind
	Page     int
	Offset   int
	Size     int
	UserData any
}

// AllocatorStatistics contains statistics for each of the allocator's pools and for the allocator as a whole
type AllocatorStatistics struct {
	Local  memutils.DetailedStatistics
	Shared memutils.DetailedStatistics
	Total  memutils.DetailedStatistics
}

// PageSize returns the size in bytes of every page this allocator requests from the device
func (a *Allocator) PageSize() int { return a.pageSize }

func (a *Allocator) pool(kind MemoryKind) *pageList {
	if kind == MemoryShared {
		return &a.sharedPages
	}

	return &a.localPages
}

// poolForHandle returns the pool that issued a handle, based on its tag
func (a *Allocator) poolForHandle(handle arena.Handle) (*pageList, error) {
	switch handle.Tag() {
	case localChunkTag:
		return &a.localPages, nil
	case sharedChunkTag:
		return &a.sharedPages, nil
	}

	return nil, errors.Wrapf(memutils.ErrInvalidHandle, "%s was not issued by this allocator", handle)
}

func (a *Allocator) checkPool(handle arena.Handle, kind MemoryKind) (*pageList, error) {
	pool, err := a.poolForHandle(handle)
	if err != nil {
		return nil, err
	}

	if pool.Kind() != kind {
		return nil, errors.Wrapf(memutils.ErrWrongPool, "%s is a %s chunk, not a %s chunk", handle, pool.Kind(), kind)
	}

	return pool, nil
}

// liveChunk resolves a handle from either pool to a chunk that has not been freed
func (a *Allocator) liveChunk(handle arena.Handle) (*metadata.Chunk, *page, *pageList, error) {
	pool, err := a.poolForHandle(handle)
	if err != nil {
		return nil, nil, nil, err
	}

	chunk, p, status, err := pool.Lookup(handle)
	if err != nil {
		return nil, nil, nil, err
	}

	if status == arena.HandleStale || chunk.Freed {
		return nil, nil, nil, errors.Wrapf(memutils.ErrChunkFreed, "%s", handle)
	}

	return chunk, p, pool, nil
}

// AllocateLocal allocates a chunk of device-only memory of at least size bytes. The size is rounded
// up to a multiple of 1024 bytes.
func (a *Allocator) AllocateLocal(size int) (arena.Handle, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateLocal", slog.Int("size", size))

	return a.localPages.Allocate(size)
}

// FreeLocal returns a device-only chunk to its page, merging it with free neighbors. Freeing a chunk
// that has already been freed does nothing.
func (a *Allocator) FreeLocal(handle arena.Handle) error {
	a.logger.Debug("Allocator::FreeLocal", slog.String("handle", handle.String()))

	pool, err := a.checkPool(handle, MemoryLocal)
	if err != nil {
		return err
	}

	result, _, err := pool.Free(handle)
	if err != nil {
		return err
	}

	if result.Freed {
		a.bindings.Forget(handle)
	}

	return nil
}

// AllocateShared allocates a chunk of host-visible memory of at least size bytes. The size is rounded
// up to a multiple of 256 bytes. The chunk's page is mapped for as long as it exists.
func (a *Allocator) AllocateShared(size int) (arena.Handle, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateShared", slog.Int("size", size))

	return a.sharedPages.Allocate(size)
}

// FreeShared removes a host-visible chunk from its page. Every chunk above it in the same page
// moves down to close the gap; the returned relocations describe those moves. Resources bound
// to a moved chunk through BindBuffer or BindImage are re-bound at the new offset unless the
// allocator was created with AllocatorCreateSkipRebind. Host pointers into moved chunks are
// invalidated. Freeing a chunk that has already been freed does nothing.
func (a *Allocator) FreeShared(handle arena.Handle) ([]metadata.Relocation, error) {
	a.logger.Debug("Allocator::FreeShared", slog.String("handle", handle.String()))

	pool, err := a.checkPool(handle, MemoryShared)
	if err != nil {
		return nil, err
	}

	_, p, status, err := pool.Lookup(handle)
	if err != nil {
		return nil, err
	}

	var memory DeviceMemory
	if status == arena.HandleLive {
		memory = p.memory
	}

	result, relocations, err := pool.Free(handle)
	if err != nil {
		return nil, err
	}

	if !result.Freed {
		return nil, nil
	}
	a.bindings.Forget(handle)

	if len(relocations) > 0 && a.createFlags&AllocatorCreateSkipRebind == 0 {
		_, err = a.bindings.Rebind(memory, relocations)
		if err != nil {
			return relocations, errors.Wrap(err, "failed to re-bind resources after compaction")
		}
	}

	return relocations, nil
}

// BindBuffer binds a buffer to a chunk's page memory at the chunk's offset
func (a *Allocator) BindBuffer(handle arena.Handle, buffer core1_0.Buffer) (common.VkResult, error) {
	a.logger.Debug("Allocator::BindBuffer", slog.String("handle", handle.String()))

	if buffer == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil buffer")
	}

	chunk, p, _, err := a.liveChunk(handle)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return a.bindings.Bind(handle, boundResource{buffer: buffer}, p.memory, chunk.Offset)
}

// BindImage binds an image to a chunk's page memory at the chunk's offset
func (a *Allocator) BindImage(handle arena.Handle, image core1_0.Image) (common.VkResult, error) {
	a.logger.Debug("Allocator::BindImage", slog.String("handle", handle.String()))

	if image == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil image")
	}

	chunk, p, _, err := a.liveChunk(handle)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return a.bindings.Bind(handle, boundResource{image: image}, p.memory, chunk.Offset)
}

// MapPointer returns a host pointer to the start of a shared chunk. The pointer is valid until the
// chunk is freed or is moved by the freeing of another chunk in the same page.
func (a *Allocator) MapPointer(handle arena.Handle) (unsafe.Pointer, error) {
	chunk, p, _, err := a.liveChunk(handle)
	if err != nil {
		return nil, err
	}

	if p.mapped == nil {
		return nil, errors.Wrapf(memutils.ErrNotMapped, "%s is a %s chunk", handle, p.kind)
	}

	return unsafe.Add(p.mapped, chunk.Offset), nil
}

// MappedSlice returns a byte slice over the host mapping of a shared chunk. It is subject to the same
// lifetime as the pointer returned from MapPointer.
func (a *Allocator) MappedSlice(handle arena.Handle) ([]byte, error) {
	ptr, err := a.MapPointer(handle)
	if err != nil {
		return nil, err
	}

	chunk, _, _, err := a.liveChunk(handle)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), chunk.Size), nil
}

// ChunkInfo retrieves the current placement of a live chunk
func (a *Allocator) ChunkInfo(handle arena.Handle) (ChunkInfo, error) {
	chunk, p, _, err := a.liveChunk(handle)
	if err != nil {
		return ChunkInfo{}, err
	}

	return ChunkInfo{
		Kind:     p.kind,
		Page:     chunk.Page,
		Offset:   chunk.Offset,
		Size:     chunk.Size,
		UserData: chunk.UserData,
	}, nil
}

// SetUserData attaches an arbitrary value to a live chunk. It is reported back in ChunkInfo, in
// the relocations returned from FreeShared, and in the detailed statistics string.
func (a *Allocator) SetUserData(handle arena.Handle, userData any) error {
	chunk, _, _, err := a.liveChunk(handle)
	if err != nil {
		return err
	}

	chunk.UserData = userData
	return nil
}

// ReleaseAll returns every page in both pools to the device. Chunks that are still live are logged
// and their handles become stale. The allocator may continue to be used afterward.
func (a *Allocator) ReleaseAll() {
	a.logger.Debug("Allocator::ReleaseAll")

	a.localPages.Destroy()
	a.sharedPages.Destroy()
	a.bindings.Clear()
}

// CalculateStatistics populates the provided statistics object with the current state of both pools
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	stats.Local.Clear()
	stats.Shared.Clear()
	stats.Total.Clear()

	a.localPages.AddDetailedStatistics(&stats.Local)
	a.sharedPages.AddDetailedStatistics(&stats.Shared)

	stats.Total.AddDetailedStatistics(&stats.Local)
	stats.Total.AddDetailedStatistics(&stats.Shared)
}

// BuildStatsString produces a json document describing both pools. If detailed is true, every page
// and every chunk within it is listed.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("PageSize").Int(a.pageSize)
	generalObj.Name("Flags").String(a.createFlags.String())
	generalObj.Name("BoundResources").Int(a.bindings.Count())
	generalObj.End()

	totalObj := rootObj.Name("Total").Object()
	stats.Total.PrintJson(totalObj)
	totalObj.End()

	for _, kind := range []MemoryKind{MemoryLocal, MemoryShared} {
		poolObj := rootObj.Name(kind.String()).Object()

		statsObj := poolObj.Name("Stats").Object()
		if kind == MemoryLocal {
			stats.Local.PrintJson(statsObj)
		} else {
			stats.Shared.PrintJson(statsObj)
		}
		statsObj.End()

		if detailed {
			pagesObj := poolObj.Name("Pages").Object()
			a.pool(kind).PrintDetailedMap(pagesObj)
			pagesObj.End()
		}

		poolObj.End()
	}

	rootObj.End()

	return string(writer.Bytes())
}

// Validate performs internal consistency checks on every page in both pools
func (a *Allocator) Validate() error {
	err := a.localPages.Validate()
	if err != nil {
		return err
	}

	return a.sharedPages.Validate()
}
