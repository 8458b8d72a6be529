package metadata

import "github.com/vkngwrapper/subarena/memutils/arena"

const (
	// LocalGranularity is the size in bytes that every device-local chunk is rounded up to
	LocalGranularity uint = 1024
	// SharedGranularity is the size in bytes that every shared (host-visible) chunk is rounded up to
	SharedGranularity uint = 256
)

// Chunk is a contiguous range of bytes within a single page. Live chunks have been handed out
// to a consumer; freed chunks remain in the page's physical chain until they are reused or merged
// into a neighbor.
type Chunk struct {
	Offset   int
	Size     int
	Freed    bool
	Page     int
	UserData any

	lower  arena.Handle
	higher arena.Handle
}

// Lower returns the handle of the chunk that physically precedes this one in its page, or
// arena.NoHandle if this chunk begins at offset 0
func (c *Chunk) Lower() arena.Handle { return c.lower }

// Higher returns the handle of the chunk that physically follows this one in its page, or
// arena.NoHandle if this is the highest chunk in the page
func (c *Chunk) Higher() arena.Handle { return c.higher }

// Chunks is the handle space shared by every page in a single pool
type Chunks = arena.Arena[Chunk]

// NewChunks creates an empty chunk handle space. Handles issued by it carry the provided tag, which
// allows handles from different pools to be told apart.
func NewChunks(tag uint8) *Chunks {
	return arena.New[Chunk](tag)
}

// FreeResult describes the outcome of freeing a chunk
type FreeResult struct {
	// Freed is false when the chunk had already been freed and nothing changed
	Freed bool
	// PageEmpty is true when the page no longer contains any live chunks
	PageEmpty bool
	// Size is the number of bytes returned to the page
	Size int
}

// Relocation describes a live chunk that was moved to a lower offset by compaction
type Relocation struct {
	Handle    arena.Handle
	OldOffset int
	NewOffset int
	Size      int
	UserData  any
}
