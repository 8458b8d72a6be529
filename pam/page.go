package pam

import (
	"context"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/subarena/memutils/arena"
	"github.com/vkngwrapper/subarena/memutils/metadata"
	"golang.org/x/exp/slog"
)

type page struct {
	id     int
	kind   MemoryKind
	memory DeviceMemory
	mapped unsafe.Pointer
	logger *slog.Logger

	metadata metadata.PageMetadata
	local    *metadata.LocalPageMetadata
	shared   *metadata.SharedPageMetadata
}

func (p *page) Init(
	logger *slog.Logger,
	kind MemoryKind,
	chunks *metadata.Chunks,
	memory DeviceMemory,
	mapped unsafe.Pointer,
	size int,
	id int,
) {
	if p.memory != nil {
		panic("attempting to initialize a page that is already in use")
	}

	p.id = id
	p.kind = kind
	p.memory = memory
	p.mapped = mapped
	p.logger = logger

	switch kind {
	case MemoryLocal:
		p.local = metadata.NewLocalPageMetadata(chunks)
		p.metadata = p.local
	case MemoryShared:
		p.shared = metadata.NewSharedPageMetadata(chunks)
		p.metadata = p.shared
	default:
		panic("unknown memory kind: " + kind.String())
	}

	p.metadata.Init(id, size)
}

// Destroy returns the page's memory to the device. Any chunks still live in the page are logged
// and released along with it.
func (p *page) Destroy() {
	if p.memory == nil {
		panic("attempting to destroy a page, but it did not have a backing device memory block")
	}

	if !p.metadata.IsEmpty() {
		err := p.metadata.VisitAllRegions(func(handle arena.Handle, offset int, size int, free bool) error {
			if free {
				return nil
			}

			p.logUnreleasedMemory(handle, offset, size)
			return nil
		})
		if err != nil {
			p.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}
	}

	p.metadata.Clear()

	if p.mapped != nil {
		p.memory.Unmap()
		p.mapped = nil
	}
	p.memory.Free()

	p.memory = nil
	p.metadata = nil
	p.local = nil
	p.shared = nil
}

func (p *page) logUnreleasedMemory(handle arena.Handle, offset, size int) {
	p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed chunk",
		slog.String("kind", p.kind.String()),
		slog.Int("page", p.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.String("handle", handle.String()),
	)
}

func (p *page) Validate() error {
	if p.memory == nil {
		return errors.New("no valid memory for this page")
	}
	if p.metadata.Size() < 1 {
		return errors.New("this page's metadata has an invalid size")
	}
	if p.kind == MemoryShared && p.mapped == nil {
		return errors.Errorf("shared page %d is not host-mapped", p.id)
	}
	if p.kind == MemoryLocal && p.mapped != nil {
		return errors.Errorf("local page %d is host-mapped", p.id)
	}

	return p.metadata.Validate()
}

// compactMapped moves the host-visible contents of relocated chunks down to their new offsets.
// Relocations must be contiguous and in address order, as SharedPageMetadata.Free returns them.
func (p *page) compactMapped(relocations []metadata.Relocation) {
	if p.mapped == nil || len(relocations) == 0 {
		return
	}

	first := relocations[0]
	last := relocations[len(relocations)-1]
	data := unsafe.Slice((*byte)(p.mapped), p.metadata.Size())
	copy(data[first.NewOffset:], data[first.OldOffset:last.OldOffset+last.Size])
}
