package metadata

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/subarena/memutils/arena"
	"golang.org/x/exp/slices"
)

// FreeNode is an entry in a local page's free list
type FreeNode struct {
	Handle arena.Handle
	Size   int
}

func compareFreeNodeSize(node FreeNode, size int) int {
	return node.Size - size
}

// LocalPageMetadata manages a page of device-local memory. Chunks are placed in the smallest free
// chunk that will hold them, splitting off the remainder, or appended after the highest chunk if no
// free chunk is large enough. Freed chunks are immediately merged with any free physical neighbors, and
// a freed chunk at the top of the page retracts the page's append frontier.
//
// The page maintains two invariants: no two physically adjacent chunks are both free, and the highest
// chunk in the page is always live.
type LocalPageMetadata struct {
	PageMetadataBase

	// Sorted ascending by size. Nodes of equal size are kept in the order they were inserted.
	freeNodes []FreeNode
}

var _ PageMetadata = &LocalPageMetadata{}

// NewLocalPageMetadata creates a LocalPageMetadata that stores its chunks in the provided arena
func NewLocalPageMetadata(chunks *Chunks) *LocalPageMetadata {
	return &LocalPageMetadata{
		PageMetadataBase: NewPageMetadata(chunks),
	}
}

func (m *LocalPageMetadata) FreeRegionsCount() int {
	return len(m.freeNodes)
}

// FreeNodes returns a copy of the page's free list, in size order
func (m *LocalPageMetadata) FreeNodes() []FreeNode {
	return slices.Clone(m.freeNodes)
}

// Allocate places a chunk of the provided size in the page
func (m *LocalPageMetadata) Allocate(size int) (arena.Handle, bool) {
	if size <= 0 || m.inUse+size > m.size {
		return arena.NoHandle, false
	}

	var handle arena.Handle
	nodeIndex, _ := slices.BinarySearchFunc(m.freeNodes, size, compareFreeNodeSize)

	if nodeIndex < len(m.freeNodes) {
		node := m.freeNodes[nodeIndex]
		m.freeNodes = slices.Delete(m.freeNodes, nodeIndex, nodeIndex+1)

		if node.Size == size {
			var c *Chunk
			handle, c = m.replaceChunk(node.Handle)
			c.Freed = false
			c.UserData = nil
		} else {
			free := m.chunk(node.Handle)
			handle = m.insertBelow(node.Handle, free.Offset, size)

			free.Offset += size
			free.Size -= size
			m.insertFreeNode(node.Handle, free.Size)
		}
	} else if m.top()+size <= m.size {
		handle = m.appendChunk(size)
	} else {
		return arena.NoHandle, false
	}

	m.inUse += size
	m.allocCount++

	return handle, true
}

// Free returns a live chunk to the page and merges it with its free neighbors. Freeing a chunk that
// has already been freed changes nothing. The handle must belong to this page.
func (m *LocalPageMetadata) Free(handle arena.Handle) (FreeResult, error) {
	c, status := m.chunks.Lookup(handle)
	if status != arena.HandleLive {
		return FreeResult{}, errors.Errorf("chunk %s could not be freed: %s", handle, status)
	}

	if c.Page != m.id {
		return FreeResult{}, errors.Errorf("chunk %s belongs to page %d, not page %d", handle, c.Page, m.id)
	}

	if c.Freed {
		return FreeResult{}, nil
	}

	size := c.Size
	m.inUse -= size
	m.allocCount--

	result := FreeResult{Freed: true, Size: size}

	if m.allocCount == 0 {
		m.Clear()
		result.PageEmpty = true
		return result, nil
	}

	c.Freed = true
	c.UserData = nil
	lower := c.lower
	higher := c.higher

	var lowerChunk *Chunk
	if lower != arena.NoHandle {
		lowerChunk = m.chunk(lower)
		if !lowerChunk.Freed {
			lowerChunk = nil
		}
	}

	if higher == arena.NoHandle {
		// The highest chunk is never free, so the frontier retracts past this chunk and its lower
		// neighbor, if that is free
		m.removeChunk(handle)
		if lowerChunk != nil {
			m.removeFreeNode(lower, lowerChunk.Size)
			m.removeChunk(lower)
		}
	} else if higherChunk := m.chunk(higher); higherChunk.Freed {
		m.removeFreeNode(higher, higherChunk.Size)
		higherChunk.Offset = c.Offset
		higherChunk.Size += size
		m.removeChunk(handle)

		if lowerChunk != nil {
			m.removeFreeNode(lower, lowerChunk.Size)
			higherChunk.Offset = lowerChunk.Offset
			higherChunk.Size += lowerChunk.Size
			m.removeChunk(lower)
		}

		m.insertFreeNode(higher, higherChunk.Size)
	} else if lowerChunk != nil {
		m.removeFreeNode(lower, lowerChunk.Size)
		lowerChunk.Size += size
		m.removeChunk(handle)

		m.insertFreeNode(lower, lowerChunk.Size)
	} else {
		m.insertFreeNode(handle, size)
	}

	return result, nil
}

func (m *LocalPageMetadata) insertFreeNode(handle arena.Handle, size int) {
	// Searching for size+1 lands after every node of equal size
	index, _ := slices.BinarySearchFunc(m.freeNodes, size+1, compareFreeNodeSize)
	m.freeNodes = slices.Insert(m.freeNodes, index, FreeNode{Handle: handle, Size: size})
}

func (m *LocalPageMetadata) removeFreeNode(handle arena.Handle, size int) {
	index, _ := slices.BinarySearchFunc(m.freeNodes, size, compareFreeNodeSize)
	for ; index < len(m.freeNodes) && m.freeNodes[index].Size == size; index++ {
		if m.freeNodes[index].Handle == handle {
			m.freeNodes = slices.Delete(m.freeNodes, index, index+1)
			return
		}
	}

	panic(fmt.Sprintf("chunk %s of size %d was not in the free list of page %d", handle, size, m.id))
}

// Validate verifies the physical chain, the free list, and the page's counters
func (m *LocalPageMetadata) Validate() error {
	_, freeCount, _, err := m.validateChain()
	if err != nil {
		return err
	}

	if m.highest != arena.NoHandle && m.chunk(m.highest).Freed {
		return errors.Errorf("the highest chunk in page %d is free", m.id)
	}

	for handle := m.lowest; handle != arena.NoHandle; {
		c := m.chunk(handle)
		if c.Freed && c.higher != arena.NoHandle && m.chunk(c.higher).Freed {
			return errors.Errorf("free chunks at offsets %d and %d in page %d are adjacent", c.Offset, c.Offset+c.Size, m.id)
		}
		handle = c.higher
	}

	if len(m.freeNodes) != freeCount {
		return errors.Errorf("page %d has %d free chunks, but its free list has %d entries", m.id, freeCount, len(m.freeNodes))
	}

	for index, node := range m.freeNodes {
		if index > 0 && m.freeNodes[index-1].Size > node.Size {
			return errors.Errorf("the free list of page %d is out of order at index %d", m.id, index)
		}

		c, status := m.chunks.Lookup(node.Handle)
		if status != arena.HandleLive {
			return errors.Errorf("the free list of page %d references chunk %s, which is %s", m.id, node.Handle, status)
		}

		if !c.Freed {
			return errors.Errorf("chunk at offset %d is in the free list of page %d but is not free", c.Offset, m.id)
		}

		if c.Size != node.Size {
			return errors.Errorf("chunk at offset %d has size %d, but its free list entry has size %d", c.Offset, c.Size, node.Size)
		}

		if c.Page != m.id {
			return errors.Errorf("chunk %s is in the free list of page %d but belongs to page %d", node.Handle, m.id, c.Page)
		}
	}

	return nil
}

// Clear instantly frees every chunk in the page
func (m *LocalPageMetadata) Clear() {
	m.clearChain()
	m.freeNodes = m.freeNodes[:0]
}
