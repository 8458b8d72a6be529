package metadata

import (
	"github.com/pkg/errors"
	"github.com/vkngwrapper/subarena/memutils/arena"
)

// SharedPageMetadata manages a page of host-visible memory. Chunks are bump-allocated at the end of
// the page and the page never contains a gap: freeing a chunk shifts every chunk above it down by
// the freed size. Consumers are informed of each shifted chunk so that they can re-bind resources
// and refresh host pointers.
type SharedPageMetadata struct {
	PageMetadataBase
}

var _ PageMetadata = &SharedPageMetadata{}

// NewSharedPageMetadata creates a SharedPageMetadata that stores its chunks in the provided arena
func NewSharedPageMetadata(chunks *Chunks) *SharedPageMetadata {
	return &SharedPageMetadata{
		PageMetadataBase: NewPageMetadata(chunks),
	}
}

func (m *SharedPageMetadata) FreeRegionsCount() int {
	return 0
}

// Allocate appends a chunk of the provided size at the page's bump offset
func (m *SharedPageMetadata) Allocate(size int) (arena.Handle, bool) {
	if size <= 0 || m.inUse+size > m.size {
		return arena.NoHandle, false
	}

	handle := m.appendChunk(size)
	m.inUse += size
	m.allocCount++

	return handle, true
}

// Free removes a live chunk from the page and compacts every chunk above it. The returned relocations
// are in address order. The handle must belong to this page.
func (m *SharedPageMetadata) Free(handle arena.Handle) ([]Relocation, FreeResult, error) {
	c, status := m.chunks.Lookup(handle)
	if status != arena.HandleLive {
		return nil, FreeResult{}, errors.Errorf("chunk %s could not be freed: %s", handle, status)
	}

	if c.Page != m.id {
		return nil, FreeResult{}, errors.Errorf("chunk %s belongs to page %d, not page %d", handle, c.Page, m.id)
	}

	if c.Freed {
		return nil, FreeResult{}, nil
	}

	size := c.Size
	var relocations []Relocation

	for moving := c.higher; moving != arena.NoHandle; {
		movingChunk := m.chunk(moving)
		relocations = append(relocations, Relocation{
			Handle:    moving,
			OldOffset: movingChunk.Offset,
			NewOffset: movingChunk.Offset - size,
			Size:      movingChunk.Size,
			UserData:  movingChunk.UserData,
		})
		movingChunk.Offset -= size
		moving = movingChunk.higher
	}

	m.removeChunk(handle)
	m.inUse -= size
	m.allocCount--

	return relocations, FreeResult{
		Freed:     true,
		PageEmpty: m.allocCount == 0,
		Size:      size,
	}, nil
}

// Validate verifies the physical chain and the page's counters
func (m *SharedPageMetadata) Validate() error {
	_, freeCount, liveBytes, err := m.validateChain()
	if err != nil {
		return err
	}

	if freeCount != 0 {
		return errors.Errorf("page %d contains %d freed chunks", m.id, freeCount)
	}

	if top := m.top(); top != liveBytes {
		return errors.Errorf("page %d's bump offset is %d, but its chunks add up to %d bytes", m.id, top, liveBytes)
	}

	return nil
}

// Clear instantly frees every chunk in the page
func (m *SharedPageMetadata) Clear() {
	m.clearChain()
}
