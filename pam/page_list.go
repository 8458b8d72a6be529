package pam

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/subarena/memutils"
	"github.com/vkngwrapper/subarena/memutils/arena"
	"github.com/vkngwrapper/subarena/memutils/metadata"
	"golang.org/x/exp/slog"
)

var pagePool = sync.Pool{
	New: func() any {
		return &page{}
	},
}

type pageList struct {
	logger    *slog.Logger
	device    Device
	callbacks *memoryCallbacks

	kind        MemoryKind
	granularity uint
	pageSize    int

	chunks     *metadata.Chunks
	pages      []*page
	pagesByID  *swiss.Map[int, *page]
	nextPageID int
}

func (l *pageList) Kind() MemoryKind { return l.kind }
func (l *pageList) PageCount() int   { return len(l.pages) }

func (l *pageList) Init(
	logger *slog.Logger,
	device Device,
	callbacks *memoryCallbacks,
	kind MemoryKind,
	chunkTag uint8,
	pageSize int,
) {
	l.logger = logger
	l.device = device
	l.callbacks = callbacks
	l.kind = kind
	l.pageSize = pageSize
	l.chunks = metadata.NewChunks(chunkTag)
	l.pages = nil
	l.pagesByID = swiss.NewMap[int, *page](42)

	switch kind {
	case MemoryLocal:
		l.granularity = metadata.LocalGranularity
	case MemoryShared:
		l.granularity = metadata.SharedGranularity
	default:
		panic("unknown memory kind: " + kind.String())
	}
	memutils.DebugCheckPow2(l.granularity, "chunk granularity")
}

// Destroy returns every page to the device, whether or not it still holds live chunks
func (l *pageList) Destroy() {
	for _, p := range l.pages {
		l.destroyPage(p)
	}
	l.pages = nil
	l.pagesByID = swiss.NewMap[int, *page](42)
	l.chunks.Clear()
}

func (l *pageList) AddStatistics(stats *memutils.Statistics) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		p := l.pages[pageIndex]
		if p == nil {
			panic(fmt.Sprintf("failed to take statistics of nil page at index %d", pageIndex))
		}
		p.metadata.AddStatistics(stats)
	}
}

func (l *pageList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		p := l.pages[pageIndex]
		if p == nil {
			panic(fmt.Sprintf("failed to take statistics of nil page at index %d", pageIndex))
		}
		p.metadata.AddDetailedStatistics(stats)
	}
}

// Allocate places a chunk of at least size bytes in the first page that can hold it, creating a
// new page if none can
func (l *pageList) Allocate(size int) (arena.Handle, common.VkResult, error) {
	roundedSize, err := memutils.CheckChunkSize(size, l.granularity, l.pageSize)
	if err != nil {
		return arena.NoHandle, core1_0.VKErrorUnknown, err
	}

	for _, p := range l.pages {
		handle, ok := p.metadata.Allocate(roundedSize)
		if ok {
			l.initializeChunk(p, handle)
			memutils.DebugValidate(p)
			return handle, core1_0.VKSuccess, nil
		}
	}

	p, res, err := l.createPage()
	if err != nil {
		return arena.NoHandle, res, err
	}

	handle, ok := p.metadata.Allocate(roundedSize)
	if !ok {
		l.remove(p)
		l.destroyPage(p)
		return arena.NoHandle, core1_0.VKErrorUnknown, cerrors.Wrapf(memutils.ErrTooLarge,
			"a fresh %s page of %d bytes could not hold a chunk of %d bytes", l.kind, l.pageSize, roundedSize)
	}
	l.initializeChunk(p, handle)
	memutils.DebugValidate(p)

	return handle, core1_0.VKSuccess, nil
}

func (l *pageList) initializeChunk(p *page, handle arena.Handle) {
	if !InitializeChunks {
		return
	}

	chunk, _ := l.chunks.Lookup(handle)
	p.fillRange(chunk.Offset, chunk.Size, 0xDC)
}

func (l *pageList) createPage() (*page, common.VkResult, error) {
	memory, res, err := l.device.AllocateMemory(l.kind, l.pageSize)
	if err != nil {
		return nil, res, cerrors.Wrapf(err, "failed to allocate a %d-byte %s page", l.pageSize, l.kind)
	}

	var mapped unsafe.Pointer
	if l.kind == MemoryShared {
		mapped, res, err = memory.Map(l.pageSize)
		if err != nil {
			memory.Free()
			return nil, res, cerrors.Wrapf(err, "failed to map a %d-byte %s page", l.pageSize, l.kind)
		}
	}

	p := pagePool.Get().(*page)
	p.Init(l.logger, l.kind, l.chunks, memory, mapped, l.pageSize, l.nextPageID)
	l.nextPageID++

	l.pages = append(l.pages, p)
	l.pagesByID.Put(p.id, p)
	l.callbacks.Allocate(l.kind, memory, l.pageSize)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new page",
		slog.String("kind", l.kind.String()),
		slog.Int("page", p.id),
		slog.Int("size", l.pageSize),
	)

	return p, core1_0.VKSuccess, nil
}

func (l *pageList) destroyPage(p *page) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted page",
		slog.String("kind", l.kind.String()),
		slog.Int("page", p.id),
	)

	l.callbacks.Free(l.kind, p.memory, p.metadata.Size())
	p.Destroy()
	pagePool.Put(p)
}

func (l *pageList) remove(p *page) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		if l.pages[pageIndex] == p {
			l.pages = append(l.pages[0:pageIndex], l.pages[pageIndex+1:]...)
			l.pagesByID.Delete(p.id)
			return
		}
	}

	panic("attempted to remove a page from a page list that did not belong to it")
}

// Lookup resolves a handle issued by this list to its chunk and owning page. A stale handle is
// reported as such with no error; a handle from another list or one that was never issued is an error.
func (l *pageList) Lookup(handle arena.Handle) (*metadata.Chunk, *page, arena.HandleStatus, error) {
	chunk, status := l.chunks.Lookup(handle)
	switch status {
	case arena.HandleStale:
		return nil, nil, status, nil
	case arena.HandleInvalid:
		return nil, nil, status, cerrors.Wrapf(memutils.ErrInvalidHandle, "%s is not a %s chunk handle", handle, l.kind)
	}

	p, ok := l.pagesByID.Get(chunk.Page)
	if !ok {
		panic(fmt.Sprintf("chunk %s refers to page %d, which does not exist", handle, chunk.Page))
	}

	return chunk, p, status, nil
}

// Free frees a chunk and destroys its page if the page no longer holds any live chunks. Chunks
// that moved as a result are returned; only shared pages move chunks.
func (l *pageList) Free(handle arena.Handle) (metadata.FreeResult, []metadata.Relocation, error) {
	_, p, status, err := l.Lookup(handle)
	if err != nil {
		return metadata.FreeResult{}, nil, err
	}

	if status == arena.HandleStale {
		memutils.DebugDoubleFree(uint64(handle))
		return metadata.FreeResult{}, nil, nil
	}

	var result metadata.FreeResult
	var relocations []metadata.Relocation

	switch l.kind {
	case MemoryLocal:
		result, err = p.local.Free(handle)
	case MemoryShared:
		relocations, result, err = p.shared.Free(handle)
	}
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing chunk %s in page %d: %+v", handle, p.id, err))
	}
	p.compactMapped(relocations)

	if !result.Freed {
		memutils.DebugDoubleFree(uint64(handle))
		return result, nil, nil
	}

	if result.PageEmpty {
		l.remove(p)
		l.destroyPage(p)
	} else {
		// Shared pages are compacted, so the vacated bytes are always at the top
		p.fillRange(p.metadata.InUse(), result.Size, 0xEF)
		memutils.DebugValidate(p)
	}

	return result, relocations, nil
}

func (l *pageList) Validate() error {
	if l.pagesByID.Count() != len(l.pages) {
		return cerrors.Newf("%s page list has %d pages, but %d are indexed", l.kind, len(l.pages), l.pagesByID.Count())
	}

	allocCount := 0
	for _, p := range l.pages {
		indexed, ok := l.pagesByID.Get(p.id)
		if !ok || indexed != p {
			return cerrors.Newf("%s page %d is not indexed by its id", l.kind, p.id)
		}

		if p.metadata.IsEmpty() {
			return cerrors.Newf("%s page %d is empty but was not released", l.kind, p.id)
		}

		err := p.Validate()
		if err != nil {
			return cerrors.Wrapf(err, "%s page %d", l.kind, p.id)
		}

		allocCount += p.metadata.AllocationCount()
		if l.kind == MemoryLocal {
			allocCount += p.metadata.FreeRegionsCount()
		}
	}

	if allocCount != l.chunks.Len() {
		return cerrors.Newf("%s pages hold %d chunks, but %d chunk handles are live", l.kind, allocCount, l.chunks.Len())
	}

	return nil
}

func (l *pageList) PrintDetailedMap(json jwriter.ObjectState) {
	for _, p := range l.pages {
		pageObj := json.Name(strconv.Itoa(p.id)).Object()

		pageObj.Name("Mapped").Bool(p.mapped != nil)
		p.metadata.PageJsonData(pageObj)

		pageObj.End()
	}
}
