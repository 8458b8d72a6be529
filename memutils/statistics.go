package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics sums the basic occupancy of one or more pages
type Statistics struct {
	// PageCount is the number of device memory pages
	PageCount int
	// ChunkCount is the number of live chunks handed out from those pages
	ChunkCount int
	// PageBytes is the total capacity of those pages
	PageBytes int
	// ChunkBytes is the number of bytes occupied by live chunks
	ChunkBytes int
}

func (s *Statistics) Clear() {
	s.PageCount = 0
	s.ChunkCount = 0
	s.PageBytes = 0
	s.ChunkBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PageCount += other.PageCount
	s.ChunkCount += other.ChunkCount
	s.PageBytes += other.PageBytes
	s.ChunkBytes += other.ChunkBytes
}

// DetailedStatistics extends Statistics with the size distribution of live chunks and of the
// unused ranges in each page. A page has two kinds of unused range: free chunks left behind below
// the highest chunk, which only local pages have, and the headroom between the highest chunk and
// the end of the page, which new chunks are appended into.
type DetailedStatistics struct {
	Statistics
	// FreeChunkCount and FreeChunkBytes cover freed chunks still linked into a page
	FreeChunkCount int
	FreeChunkBytes int
	// HeadroomBytes is the space past the highest chunk of every page
	HeadroomBytes int

	UnusedRangeCount   int
	ChunkSizeMin       int
	ChunkSizeMax       int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeChunkCount = 0
	s.FreeChunkBytes = 0
	s.HeadroomBytes = 0
	s.UnusedRangeCount = 0
	s.ChunkSizeMin = math.MaxInt
	s.ChunkSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

// UnusedBytes is the capacity of the counted pages that no live chunk occupies
func (s *DetailedStatistics) UnusedBytes() int {
	return s.FreeChunkBytes + s.HeadroomBytes
}

// AddFreeChunk counts a freed chunk that a page has kept for reuse
func (s *DetailedStatistics) AddFreeChunk(size int) {
	s.FreeChunkCount++
	s.FreeChunkBytes += size
	s.addUnusedRange(size)
}

// AddHeadroom counts the space past a page's highest chunk
func (s *DetailedStatistics) AddHeadroom(size int) {
	s.HeadroomBytes += size
	s.addUnusedRange(size)
}

func (s *DetailedStatistics) addUnusedRange(size int) {
	s.UnusedRangeCount++
	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}
	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddChunk(size int) {
	s.ChunkCount++
	s.ChunkBytes += size

	if size < s.ChunkSizeMin {
		s.ChunkSizeMin = size
	}

	if size > s.ChunkSizeMax {
		s.ChunkSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeChunkCount += other.FreeChunkCount
	s.FreeChunkBytes += other.FreeChunkBytes
	s.HeadroomBytes += other.HeadroomBytes
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.ChunkSizeMin < s.ChunkSizeMin {
		s.ChunkSizeMin = other.ChunkSizeMin
	}

	if other.ChunkSizeMax > s.ChunkSizeMax {
		s.ChunkSizeMax = other.ChunkSizeMax
	}
}

// PrintJson writes these statistics into the provided json object
func (s *DetailedStatistics) PrintJson(json jwriter.ObjectState) {
	json.Name("PageCount").Int(s.PageCount)
	json.Name("PageBytes").Int(s.PageBytes)
	json.Name("ChunkCount").Int(s.ChunkCount)
	json.Name("ChunkBytes").Int(s.ChunkBytes)
	json.Name("FreeChunkCount").Int(s.FreeChunkCount)
	json.Name("FreeChunkBytes").Int(s.FreeChunkBytes)
	json.Name("HeadroomBytes").Int(s.HeadroomBytes)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.ChunkCount > 1 {
		json.Name("ChunkSizeMin").Int(s.ChunkSizeMin)
		json.Name("ChunkSizeMax").Int(s.ChunkSizeMax)
	}

	if s.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
