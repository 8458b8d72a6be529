package metadata

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/subarena/memutils"
	"github.com/vkngwrapper/subarena/memutils/arena"
)

// PageMetadata represents a single page of device memory. It manages the chunks within the page,
// allowing chunks to be allocated and enumerated. Freeing is specific to each implementation,
// since the two pool types report different side effects.
type PageMetadata interface {
	// Init must be called before the PageMetadata is used. It assigns the page its id and informs
	// the implementation of the size in bytes of the page it will be managing.
	Init(id int, size int)
	// ID returns the id the page was initialized with. Every chunk in the page carries this id.
	ID() int
	// Size retrieves the size in bytes that the page was initialized with
	Size() int
	// InUse returns the number of bytes occupied by live chunks
	InUse() int
	// SumFreeSize returns the number of bytes in the page not occupied by live chunks
	SumFreeSize() int
	// IsEmpty will return true if this page has no live chunks
	IsEmpty() bool
	// AllocationCount returns the number of live chunks in the page
	AllocationCount() int
	// FreeRegionsCount returns the number of freed chunks still present in the page. The unused space
	// past the highest chunk is not counted.
	FreeRegionsCount() int

	// Allocate places a chunk of the provided size, which must already be rounded to the pool's
	// granularity, in the page. It returns false if the chunk does not fit.
	Allocate(size int) (arena.Handle, bool)

	// Validate performs internal consistency checks on the metadata. When the implementation is
	// functioning correctly, it should not be possible for this method to return an error.
	Validate() error
	// VisitAllRegions will call the provided callback once for each chunk in the page, in address
	// order, followed by a call for the unused space past the highest chunk, if there is any. That
	// final call receives arena.NoHandle.
	VisitAllRegions(handleRegion func(handle arena.Handle, offset int, size int, free bool) error) error

	// AddStatistics sums this page's statistics into the provided memutils.Statistics object
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this page's statistics into the provided memutils.DetailedStatistics object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// PageJsonData populates a json object with information about this page and its chunks
	PageJsonData(json jwriter.ObjectState)

	// Clear instantly frees every chunk in the page. Outstanding handles become stale.
	Clear()
}

// PageMetadataBase carries the physical chunk chain shared by both page implementations. Chunks
// are stored in the pool's Chunks arena and linked to their immediate physical neighbors.
type PageMetadataBase struct {
	id     int
	size   int
	inUse  int
	chunks *Chunks

	allocCount int
	chunkCount int
	lowest     arena.Handle
	highest    arena.Handle
}

// NewPageMetadata creates a PageMetadataBase that stores its chunks in the provided arena
func NewPageMetadata(chunks *Chunks) PageMetadataBase {
	return PageMetadataBase{
		chunks: chunks,
	}
}

// Init assigns the page id and sizes the page in bytes
func (m *PageMetadataBase) Init(id int, size int) {
	m.id = id
	m.size = size
}

func (m *PageMetadataBase) ID() int                    { return m.id }
func (m *PageMetadataBase) Size() int                  { return m.size }
func (m *PageMetadataBase) InUse() int                 { return m.inUse }
func (m *PageMetadataBase) SumFreeSize() int           { return m.size - m.inUse }
func (m *PageMetadataBase) IsEmpty() bool              { return m.allocCount == 0 }
func (m *PageMetadataBase) AllocationCount() int       { return m.allocCount }
func (m *PageMetadataBase) LowestChunk() arena.Handle  { return m.lowest }
func (m *PageMetadataBase) HighestChunk() arena.Handle { return m.highest }

func (m *PageMetadataBase) chunk(handle arena.Handle) *Chunk {
	c, status := m.chunks.Lookup(handle)
	if status != arena.HandleLive {
		panic(fmt.Sprintf("page %d references chunk %s, which is %s", m.id, handle, status))
	}

	return c
}

// top returns the offset just past the highest chunk in the page
func (m *PageMetadataBase) top() int {
	if m.highest == arena.NoHandle {
		return 0
	}

	highest := m.chunk(m.highest)
	return highest.Offset + highest.Size
}

// appendChunk places a new live chunk directly after the highest chunk in the page
func (m *PageMetadataBase) appendChunk(size int) arena.Handle {
	offset := m.top()
	handle, c := m.chunks.Allocate()
	*c = Chunk{
		Offset: offset,
		Size:   size,
		Page:   m.id,
		lower:  m.highest,
		higher: arena.NoHandle,
	}

	if m.highest != arena.NoHandle {
		m.chunk(m.highest).higher = handle
	} else {
		m.lowest = handle
	}
	m.highest = handle
	m.chunkCount++

	return handle
}

// insertBelow places a new chunk directly below an existing chunk in the physical chain.
// The caller is responsible for adjusting the offset and size of the existing chunk.
func (m *PageMetadataBase) insertBelow(existing arena.Handle, offset int, size int) arena.Handle {
	above := m.chunk(existing)
	below := above.lower

	handle, c := m.chunks.Allocate()
	*c = Chunk{
		Offset: offset,
		Size:   size,
		Page:   m.id,
		lower:  below,
		higher: existing,
	}

	above.lower = handle
	if below != arena.NoHandle {
		m.chunk(below).higher = handle
	} else {
		m.lowest = handle
	}
	m.chunkCount++

	return handle
}

// replaceChunk issues a new handle for an existing chunk's slot in the physical chain and releases the
// old handle, so that any outstanding copy of the old handle becomes stale
func (m *PageMetadataBase) replaceChunk(old arena.Handle) (arena.Handle, *Chunk) {
	oldChunk := m.chunk(old)

	handle, c := m.chunks.Allocate()
	*c = *oldChunk

	if c.lower != arena.NoHandle {
		m.chunk(c.lower).higher = handle
	} else {
		m.lowest = handle
	}

	if c.higher != arena.NoHandle {
		m.chunk(c.higher).lower = handle
	} else {
		m.highest = handle
	}

	err := m.chunks.Release(old)
	if err != nil {
		panic(fmt.Sprintf("failed to release replaced chunk %s: %+v", old, err))
	}

	return handle, c
}

// removeChunk unlinks a chunk from the physical chain and releases its handle
func (m *PageMetadataBase) removeChunk(handle arena.Handle) {
	c := m.chunk(handle)

	if c.lower != arena.NoHandle {
		m.chunk(c.lower).higher = c.higher
	} else {
		m.lowest = c.higher
	}

	if c.higher != arena.NoHandle {
		m.chunk(c.higher).lower = c.lower
	} else {
		m.highest = c.lower
	}

	err := m.chunks.Release(handle)
	if err != nil {
		panic(fmt.Sprintf("failed to release chunk %s: %+v", handle, err))
	}
	m.chunkCount--
}

// VisitAllRegions calls the provided callback for each chunk in address order, followed by the
// unused space past the highest chunk
func (m *PageMetadataBase) VisitAllRegions(handleRegion func(handle arena.Handle, offset int, size int, free bool) error) error {
	for handle := m.lowest; handle != arena.NoHandle; {
		c := m.chunk(handle)
		next := c.higher

		err := handleRegion(handle, c.Offset, c.Size, c.Freed)
		if err != nil {
			return err
		}

		handle = next
	}

	top := m.top()
	if top < m.size {
		return handleRegion(arena.NoHandle, top, m.size-top, true)
	}

	return nil
}

// validateChain verifies the physical chain: chunks must tile [0, top) without gaps, agree with their
// neighbors about their links, and belong to this page. It returns the number of live chunks, the number
// of freed chunks, and the number of live bytes found.
func (m *PageMetadataBase) validateChain() (allocCount int, freeCount int, liveBytes int, err error) {
	nextOffset := 0
	lower := arena.NoHandle
	chunkCount := 0

	if m.inUse < 0 || m.inUse > m.size {
		return 0, 0, 0, errors.Errorf("page %d has %d bytes in use, but its capacity is %d", m.id, m.inUse, m.size)
	}

	for handle := m.lowest; handle != arena.NoHandle; {
		c, status := m.chunks.Lookup(handle)
		if status != arena.HandleLive {
			return 0, 0, 0, errors.Errorf("page %d references chunk %s, which is %s", m.id, handle, status)
		}

		if c.Page != m.id {
			return 0, 0, 0, errors.Errorf("chunk %s is in the chain of page %d but claims to belong to page %d", handle, m.id, c.Page)
		}

		if c.lower != lower {
			return 0, 0, 0, errors.Errorf("chunk at offset %d has a lower neighbor link that does not match the chain", c.Offset)
		}

		if c.Offset != nextOffset {
			return 0, 0, 0, errors.Errorf("chunk at offset %d does not begin at the previous chunk's end offset %d", c.Offset, nextOffset)
		}

		if c.Size <= 0 {
			return 0, 0, 0, errors.Errorf("chunk at offset %d has invalid size %d", c.Offset, c.Size)
		}

		if c.Freed {
			freeCount++
		} else {
			allocCount++
			liveBytes += c.Size
		}

		chunkCount++
		nextOffset = c.Offset + c.Size
		lower = handle
		handle = c.higher
	}

	if lower != m.highest {
		return 0, 0, 0, errors.Errorf("page %d's highest chunk is not the end of its physical chain", m.id)
	}

	if nextOffset > m.size {
		return 0, 0, 0, errors.Errorf("page %d's chunks end at offset %d, past its capacity %d", m.id, nextOffset, m.size)
	}

	if chunkCount != m.chunkCount {
		return 0, 0, 0, errors.Errorf("page %d has a chunk count of %d, but its chain has %d chunks", m.id, m.chunkCount, chunkCount)
	}

	if allocCount != m.allocCount {
		return 0, 0, 0, errors.Errorf("page %d has an allocation count of %d, but its chain has %d live chunks", m.id, m.allocCount, allocCount)
	}

	if liveBytes != m.inUse {
		return 0, 0, 0, errors.Errorf("page %d has %d bytes in use, but its live chunks add up to %d", m.id, m.inUse, liveBytes)
	}

	return allocCount, freeCount, liveBytes, nil
}

// AddStatistics sums this page's statistics into the provided memutils.Statistics object
func (m *PageMetadataBase) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount++
	stats.PageBytes += m.size
	stats.ChunkCount += m.allocCount
	stats.ChunkBytes += m.inUse
}

// AddDetailedStatistics sums this page's statistics into the provided memutils.DetailedStatistics object
func (m *PageMetadataBase) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += m.size

	_ = m.VisitAllRegions(func(handle arena.Handle, offset int, size int, free bool) error {
		if handle == arena.NoHandle {
			stats.AddHeadroom(size)
		} else if free {
			stats.AddFreeChunk(size)
		} else {
			stats.AddChunk(size)
		}
		return nil
	})
}

// PageJsonData populates a json object with information about this page and its chunks
func (m *PageMetadataBase) PageJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.size - m.inUse)
	json.Name("Chunks").Int(m.allocCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(func(handle arena.Handle, offset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
			return nil
		}

		obj.Name("Type").String("CHUNK")
		obj.Name("Handle").String(handle.String())
		if userData := m.chunk(handle).UserData; userData != nil {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
		}
		return nil
	})
}

// clearChain releases every chunk in the page and resets the page to empty
func (m *PageMetadataBase) clearChain() {
	for handle := m.lowest; handle != arena.NoHandle; {
		next := m.chunk(handle).higher
		err := m.chunks.Release(handle)
		if err != nil {
			panic(fmt.Sprintf("failed to release chunk %s while clearing page %d: %+v", handle, m.id, err))
		}
		handle = next
	}

	m.lowest = arena.NoHandle
	m.highest = arena.NoHandle
	m.chunkCount = 0
	m.allocCount = 0
	m.inUse = 0
}
