package pam

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/subarena/memutils"
	"github.com/vkngwrapper/subarena/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateSkipRebind prevents the allocator from re-binding buffers and images that were
	// bound with BindBuffer or BindImage when compaction moves their shared chunk. Consumers that set
	// this flag must act on the relocations returned from FreeShared themselves.
	AllocatorCreateSkipRebind CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateSkipRebind.Register("AllocatorCreateSkipRebind")
}

const (
	// DefaultPageSize is the value that is used as the PageSize when none is provided via
	// CreateOptions. It is equal to 256Mb.
	DefaultPageSize int = 256 * 1024 * 1024

	localChunkTag  uint8 = 1
	sharedChunkTag uint8 = 2
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PageSize is the size in bytes of every page requested from the device. It must be a multiple
	// of 1024.
	PageSize int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when pages are
	// allocated from or returned to the device. It can be helpful in cases when the consumer requires
	// allocator-level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator
//
// logger - Receives debug output for every operation and error output for memory that is still
// live when ReleaseAll is called
//
// device - The Device that pages will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device Device, options CreateOptions) (*Allocator, error) {
	if device == nil {
		return nil, errors.New("pam.New requires a Device")
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	if pageSize < 0 || memutils.AlignDown(pageSize, metadata.LocalGranularity) != pageSize {
		return nil, errors.Newf("page size %d must be a positive multiple of %d", pageSize, metadata.LocalGranularity)
	}

	allocator := &Allocator{
		logger:      logger,
		device:      device,
		createFlags: options.Flags,
		pageSize:    pageSize,
	}

	callbacks := &memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}

	allocator.localPages.Init(logger, device, callbacks, MemoryLocal, localChunkTag, pageSize)
	allocator.sharedPages.Init(logger, device, callbacks, MemoryShared, sharedChunkTag, pageSize)
	allocator.bindings.Init(logger)

	return allocator, nil
}
