package pam_test

import (
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/subarena/memutils"
	"github.com/vkngwrapper/subarena/memutils/arena"
	"github.com/vkngwrapper/subarena/memutils/metadata"
	"github.com/vkngwrapper/subarena/pam"
	"github.com/vkngwrapper/subarena/pam/hostsim"
	"golang.org/x/exp/slog"
)

type testBuffer struct {
	core1_0.Buffer
	name string
}

type testImage struct {
	core1_0.Image
	name string
}

func readyAllocator(t *testing.T, options pam.CreateOptions) (*hostsim.Device, *pam.Allocator) {
	device := hostsim.New()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	allocator, err := pam.New(logger, device, options)
	require.NoError(t, err)

	return device, allocator
}

func chunkInfo(t *testing.T, allocator *pam.Allocator, handle arena.Handle) pam.ChunkInfo {
	info, err := allocator.ChunkInfo(handle)
	require.NoError(t, err)
	return info
}

func allocateLocal(t *testing.T, allocator *pam.Allocator, size int) arena.Handle {
	handle, res, err := allocator.AllocateLocal(size)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.NoError(t, allocator.Validate())
	return handle
}

func allocateShared(t *testing.T, allocator *pam.Allocator, size int) arena.Handle {
	handle, res, err := allocator.AllocateShared(size)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.NoError(t, allocator.Validate())
	return handle
}

func TestNewRejectsBadPageSize(t *testing.T) {
	device := hostsim.New()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := pam.New(logger, device, pam.CreateOptions{PageSize: 1000})
	require.Error(t, err)

	_, err = pam.New(logger, device, pam.CreateOptions{PageSize: -1024})
	require.Error(t, err)

	allocator, err := pam.New(logger, device, pam.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, pam.DefaultPageSize, allocator.PageSize())
}

func TestLocalFreedSpaceIsReused(t *testing.T) {
	_, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 64 * 1024})

	a := allocateLocal(t, allocator, 100)
	b := allocateLocal(t, allocator, 200)
	c := allocateLocal(t, allocator, 50)

	require.Equal(t, pam.ChunkInfo{Kind: pam.MemoryLocal, Page: 0, Offset: 0, Size: 1024}, chunkInfo(t, allocator, a))
	require.Equal(t, 1024, chunkInfo(t, allocator, b).Offset)
	require.Equal(t, 2048, chunkInfo(t, allocator, c).Offset)

	require.NoError(t, allocator.FreeLocal(b))
	require.NoError(t, allocator.Validate())

	d := allocateLocal(t, allocator, 150)
	require.Equal(t, pam.ChunkInfo{Kind: pam.MemoryLocal, Page: 0, Offset: 1024, Size: 1024}, chunkInfo(t, allocator, d))
}

func TestLocalSoleChunkReleasesPage(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 64 * 1024})

	a := allocateLocal(t, allocator, 4096)
	require.Equal(t, 1, device.LiveCount())

	require.NoError(t, allocator.FreeLocal(a))
	require.NoError(t, allocator.Validate())
	require.Equal(t, 0, device.LiveCount())
	require.Equal(t, 1, device.FreedCount())

	_, err := allocator.ChunkInfo(a)
	require.ErrorIs(t, err, memutils.ErrChunkFreed)
}

func TestLocalDoubleFreeIsIgnored(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 64 * 1024})

	a := allocateLocal(t, allocator, 1024)
	b := allocateLocal(t, allocator, 1024)
	allocateLocal(t, allocator, 1024)

	// b stays in the page as a free chunk
	require.NoError(t, allocator.FreeLocal(b))
	require.NoError(t, allocator.FreeLocal(b))

	// a is merged into b's free chunk, so its handle is released
	require.NoError(t, allocator.FreeLocal(a))
	require.NoError(t, allocator.FreeLocal(a))
	require.NoError(t, allocator.Validate())

	var stats pam.AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Local.ChunkCount)
	require.Equal(t, 1024, stats.Local.ChunkBytes)
	require.Equal(t, 1, device.LiveCount())
}

func TestLocalNewPageWhenFull(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 4096})

	a := allocateLocal(t, allocator, 3072)
	b := allocateLocal(t, allocator, 2048)
	c := allocateLocal(t, allocator, 1024)
	d := allocateLocal(t, allocator, 2048)

	require.Equal(t, 2, device.LiveCount())
	require.Equal(t, pam.ChunkInfo{Kind: pam.MemoryLocal, Page: 0, Offset: 0, Size: 3072}, chunkInfo(t, allocator, a))
	require.Equal(t, pam.ChunkInfo{Kind: pam.MemoryLocal, Page: 1, Offset: 0, Size: 2048}, chunkInfo(t, allocator, b))
	require.Equal(t, pam.ChunkInfo{Kind: pam.MemoryLocal, Page: 0, Offset: 3072, Size: 1024}, chunkInfo(t, allocator, c))
	require.Equal(t, pam.ChunkInfo{Kind: pam.MemoryLocal, Page: 1, Offset: 2048, Size: 2048}, chunkInfo(t, allocator, d))
}

func TestAllocateInvalidSizes(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 4096})

	_, _, err := allocator.AllocateLocal(0)
	require.ErrorIs(t, err, memutils.ErrZeroSize)

	_, _, err = allocator.AllocateShared(-5)
	require.ErrorIs(t, err, memutils.ErrZeroSize)

	_, _, err = allocator.AllocateLocal(4097)
	require.ErrorIs(t, err, memutils.ErrTooLarge)

	_, _, err = allocator.AllocateLocal(math.MaxInt)
	require.ErrorIs(t, err, memutils.ErrTooLarge)

	_, _, err = allocator.AllocateShared(math.MaxInt)
	require.ErrorIs(t, err, memutils.ErrTooLarge)

	require.Equal(t, 0, device.LiveCount())
	require.Equal(t, 0, device.AllocatedCount())
	require.NoError(t, allocator.Validate())

	_, _, err = allocator.AllocateShared(4000)
	require.NoError(t, err)

	require.Equal(t, 1, device.AllocatedCount())
}

func TestHandlesAreCheckedAgainstPool(t *testing.T) {
	_, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 4096})

	local := allocateLocal(t, allocator, 1024)
	shared := allocateShared(t, allocator, 256)

	require.ErrorIs(t, allocator.FreeLocal(shared), memutils.ErrWrongPool)

	_, err := allocator.FreeShared(local)
	require.ErrorIs(t, err, memutils.ErrWrongPool)

	require.ErrorIs(t, allocator.FreeLocal(arena.NoHandle), memutils.ErrInvalidHandle)
	require.ErrorIs(t, allocator.FreeLocal(local+100), memutils.ErrInvalidHandle)

	_, err = allocator.ChunkInfo(arena.Handle(0xff << 56))
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)

	require.NoError(t, allocator.Validate())
}

func TestDeviceFailureIsPropagated(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 4096})
	device.MaxAllocationCount = 1

	allocateLocal(t, allocator, 4096)

	_, res, err := allocator.AllocateLocal(1024)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	_, res, err = allocator.AllocateShared(256)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	require.Equal(t, 1, device.LiveCount())
	require.NoError(t, allocator.Validate())
}

func TestSharedFreeRebindsMovedChunks(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 64 * 1024})

	a := allocateShared(t, allocator, 64)
	b := allocateShared(t, allocator, 64)
	c := allocateShared(t, allocator, 64)

	require.Equal(t, pam.ChunkInfo{Kind: pam.MemoryShared, Page: 0, Offset: 0, Size: 256}, chunkInfo(t, allocator, a))
	require.Equal(t, 256, chunkInfo(t, allocator, b).Offset)
	require.Equal(t, 512, chunkInfo(t, allocator, c).Offset)

	bufferA := &testBuffer{name: "a"}
	bufferB := &testBuffer{name: "b"}
	imageC := &testImage{name: "c"}

	_, err := allocator.BindBuffer(a, bufferA)
	require.NoError(t, err)
	_, err = allocator.BindBuffer(b, bufferB)
	require.NoError(t, err)
	_, err = allocator.BindImage(c, imageC)
	require.NoError(t, err)

	relocations, err := allocator.FreeShared(a)
	require.NoError(t, err)
	require.Equal(t, []metadata.Relocation{
		{Handle: b, OldOffset: 256, NewOffset: 0, Size: 256},
		{Handle: c, OldOffset: 512, NewOffset: 256, Size: 256},
	}, relocations)
	require.NoError(t, allocator.Validate())

	require.Equal(t, 0, chunkInfo(t, allocator, b).Offset)
	require.Equal(t, 256, chunkInfo(t, allocator, c).Offset)

	binding, ok := device.BufferBinding(bufferB)
	require.True(t, ok)
	require.Equal(t, 0, binding.Offset)
	require.Equal(t, 2, binding.Count)

	imageBinding, ok := device.ImageBinding(imageC)
	require.True(t, ok)
	require.Equal(t, 256, imageBinding.Offset)
	require.Equal(t, 2, imageBinding.Count)

	binding, ok = device.BufferBinding(bufferA)
	require.True(t, ok)
	require.Equal(t, 1, binding.Count)

	// Freeing again is a no-op and moves nothing
	relocations, err = allocator.FreeShared(a)
	require.NoError(t, err)
	require.Empty(t, relocations)
}

func TestSkipRebind(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{
		PageSize: 64 * 1024,
		Flags:    pam.AllocatorCreateSkipRebind,
	})

	a := allocateShared(t, allocator, 256)
	b := allocateShared(t, allocator, 256)
	require.NoError(t, allocator.SetUserData(b, "b"))

	buffer := &testBuffer{name: "b"}
	_, err := allocator.BindBuffer(b, buffer)
	require.NoError(t, err)

	relocations, err := allocator.FreeShared(a)
	require.NoError(t, err)
	require.Len(t, relocations, 1)
	require.Equal(t, "b", relocations[0].UserData)

	binding, ok := device.BufferBinding(buffer)
	require.True(t, ok)
	require.Equal(t, 256, binding.Offset)
	require.Equal(t, 1, binding.Count)
}

func TestMappedContentsFollowCompaction(t *testing.T) {
	_, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 64 * 1024})

	a := allocateShared(t, allocator, 256)
	b := allocateShared(t, allocator, 300)
	c := allocateShared(t, allocator, 100)

	aData, err := allocator.MappedSlice(a)
	require.NoError(t, err)
	require.Len(t, aData, 256)
	for i := range aData {
		aData[i] = 0xaa
	}

	bData, err := allocator.MappedSlice(b)
	require.NoError(t, err)
	require.Len(t, bData, 512)
	for i := range bData {
		bData[i] = byte(i)
	}

	cPtr, err := allocator.MapPointer(c)
	require.NoError(t, err)
	*(*uint32)(cPtr) = 0xdeadbeef

	_, err = allocator.FreeShared(a)
	require.NoError(t, err)

	bData, err = allocator.MappedSlice(b)
	require.NoError(t, err)
	for i := range bData {
		require.Equal(t, byte(i), bData[i])
	}

	cPtr, err = allocator.MapPointer(c)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), *(*uint32)(cPtr))

	bPtr, err := allocator.MapPointer(b)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&bData[0]), bPtr)
}

func TestMapPointerRequiresSharedChunk(t *testing.T) {
	_, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 64 * 1024})

	local := allocateLocal(t, allocator, 1024)
	_, err := allocator.MapPointer(local)
	require.ErrorIs(t, err, memutils.ErrNotMapped)

	_, err = allocator.MappedSlice(local)
	require.ErrorIs(t, err, memutils.ErrNotMapped)
}

func TestSharedLastChunkReleasesPage(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 4096})

	a := allocateShared(t, allocator, 2048)
	b := allocateShared(t, allocator, 2048)
	c := allocateShared(t, allocator, 256)
	require.Equal(t, 2, device.LiveCount())
	require.Equal(t, 1, chunkInfo(t, allocator, c).Page)

	_, err := allocator.FreeShared(c)
	require.NoError(t, err)
	require.Equal(t, 1, device.LiveCount())

	_, err = allocator.FreeShared(b)
	require.NoError(t, err)
	_, err = allocator.FreeShared(a)
	require.NoError(t, err)
	require.Equal(t, 0, device.LiveCount())
	require.NoError(t, allocator.Validate())
}

func TestReleaseAll(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 4096})

	local := allocateLocal(t, allocator, 4096)
	allocateLocal(t, allocator, 1024)
	shared := allocateShared(t, allocator, 256)
	require.Equal(t, 3, device.LiveCount())

	allocator.ReleaseAll()
	require.Equal(t, 0, device.LiveCount())
	require.NoError(t, allocator.Validate())

	_, err := allocator.ChunkInfo(local)
	require.ErrorIs(t, err, memutils.ErrChunkFreed)
	_, err = allocator.MapPointer(shared)
	require.ErrorIs(t, err, memutils.ErrChunkFreed)

	// Stale handles are ignored by free
	require.NoError(t, allocator.FreeLocal(local))
	_, err = allocator.FreeShared(shared)
	require.NoError(t, err)

	allocateLocal(t, allocator, 1024)
	require.Equal(t, 1, device.LiveCount())
}

func TestMemoryCallbacks(t *testing.T) {
	allocated := map[pam.MemoryKind]int{}
	freed := map[pam.MemoryKind]int{}

	_, allocator := readyAllocator(t, pam.CreateOptions{
		PageSize: 4096,
		MemoryCallbackOptions: &pam.MemoryCallbackOptions{
			Allocate: func(allocator *pam.Allocator, kind pam.MemoryKind, memory pam.DeviceMemory, size int, userData interface{}) {
				require.Equal(t, 4096, size)
				require.Equal(t, "user", userData)
				allocated[kind]++
			},
			Free: func(allocator *pam.Allocator, kind pam.MemoryKind, memory pam.DeviceMemory, size int, userData interface{}) {
				require.Equal(t, 4096, size)
				freed[kind]++
			},
			UserData: "user",
		},
	})

	local := allocateLocal(t, allocator, 4096)
	allocateLocal(t, allocator, 4096)
	allocateShared(t, allocator, 256)

	require.NoError(t, allocator.FreeLocal(local))
	require.Equal(t, map[pam.MemoryKind]int{pam.MemoryLocal: 2, pam.MemoryShared: 1}, allocated)
	require.Equal(t, map[pam.MemoryKind]int{pam.MemoryLocal: 1}, freed)

	allocator.ReleaseAll()
	require.Equal(t, map[pam.MemoryKind]int{pam.MemoryLocal: 2, pam.MemoryShared: 1}, freed)
}

func TestCalculateStatistics(t *testing.T) {
	_, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 16 * 1024})

	allocateLocal(t, allocator, 1024)
	b := allocateLocal(t, allocator, 2048)
	allocateLocal(t, allocator, 1024)
	require.NoError(t, allocator.FreeLocal(b))

	allocateShared(t, allocator, 256)
	allocateShared(t, allocator, 512)

	var stats pam.AllocatorStatistics
	allocator.CalculateStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PageCount:  1,
			ChunkCount: 2,
			PageBytes:  16 * 1024,
			ChunkBytes: 2048,
		},
		FreeChunkCount:     1,
		FreeChunkBytes:     2048,
		HeadroomBytes:      12 * 1024,
		UnusedRangeCount:   2,
		ChunkSizeMin:       1024,
		ChunkSizeMax:       1024,
		UnusedRangeSizeMin: 2048,
		UnusedRangeSizeMax: 12 * 1024,
	}, stats.Local)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PageCount:  1,
			ChunkCount: 2,
			PageBytes:  16 * 1024,
			ChunkBytes: 768,
		},
		HeadroomBytes:      16*1024 - 768,
		UnusedRangeCount:   1,
		ChunkSizeMin:       256,
		ChunkSizeMax:       512,
		UnusedRangeSizeMin: 16*1024 - 768,
		UnusedRangeSizeMax: 16*1024 - 768,
	}, stats.Shared)

	require.Equal(t, 2, stats.Total.PageCount)
	require.Equal(t, 4, stats.Total.ChunkCount)
	require.Equal(t, 2048+768, stats.Total.ChunkBytes)
	require.Equal(t, 3, stats.Total.UnusedRangeCount)
	require.Equal(t, 2*16*1024-2048-768, stats.Total.UnusedBytes())
	require.Equal(t, 256, stats.Total.ChunkSizeMin)
	require.Equal(t, 1024, stats.Total.ChunkSizeMax)
}

func TestBuildStatsString(t *testing.T) {
	_, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 16 * 1024})

	allocateLocal(t, allocator, 1024)
	shared := allocateShared(t, allocator, 256)
	require.NoError(t, allocator.SetUserData(shared, "vertices"))

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(false)), &summary))
	require.Contains(t, summary, "General")
	require.Contains(t, summary, "Total")
	require.NotContains(t, summary["MemoryLocal"], "Pages")

	var detailed struct {
		General struct {
			PageSize int
		}
		MemoryShared struct {
			Pages map[string]struct {
				Mapped     bool
				TotalBytes int
				Chunks     int
				Regions    []struct {
					Offset     int
					Size       int
					Type       string
					CustomData string
				}
			}
		}
	}
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &detailed))
	require.Equal(t, 16*1024, detailed.General.PageSize)

	page, ok := detailed.MemoryShared.Pages["0"]
	require.True(t, ok)
	require.True(t, page.Mapped)
	require.Equal(t, 1, page.Chunks)
	require.Len(t, page.Regions, 2)
	require.Equal(t, "CHUNK", page.Regions[0].Type)
	require.Equal(t, "vertices", page.Regions[0].CustomData)
	require.Equal(t, "FREE", page.Regions[1].Type)
	require.Equal(t, 256, page.Regions[1].Offset)
}

func TestRandomOperations(t *testing.T) {
	device, allocator := readyAllocator(t, pam.CreateOptions{PageSize: 32 * 1024})
	rng := rand.New(rand.NewSource(3))

	var local, shared []arena.Handle
	for i := 0; i < 3000; i++ {
		switch rng.Intn(4) {
		case 0:
			local = append(local, allocateLocal(t, allocator, rng.Intn(8*1024)+1))
		case 1:
			shared = append(shared, allocateShared(t, allocator, rng.Intn(4*1024)+1))
		case 2:
			if len(local) > 0 {
				index := rng.Intn(len(local))
				require.NoError(t, allocator.FreeLocal(local[index]))
				local = append(local[:index], local[index+1:]...)
			}
		case 3:
			if len(shared) > 0 {
				index := rng.Intn(len(shared))
				_, err := allocator.FreeShared(shared[index])
				require.NoError(t, err)
				shared = append(shared[:index], shared[index+1:]...)
			}
		}

		require.NoError(t, allocator.Validate())
	}

	var stats pam.AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, len(local), stats.Local.ChunkCount)
	require.Equal(t, len(shared), stats.Shared.ChunkCount)
	require.Equal(t, stats.Total.PageCount, device.LiveCount())

	for _, handle := range local {
		require.NoError(t, allocator.FreeLocal(handle))
	}
	for _, handle := range shared {
		_, err := allocator.FreeShared(handle)
		require.NoError(t, err)
	}
	require.Equal(t, 0, device.LiveCount())
}
