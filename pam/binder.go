package pam

import (
	"context"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/subarena/memutils/arena"
	"github.com/vkngwrapper/subarena/memutils/metadata"
	"golang.org/x/exp/slog"
)

type boundResource struct {
	buffer core1_0.Buffer
	image  core1_0.Image
}

func (r boundResource) bind(memory DeviceMemory, offset int) (common.VkResult, error) {
	if r.buffer != nil {
		return memory.BindBuffer(r.buffer, offset)
	}

	return memory.BindImage(r.image, offset)
}

// binder remembers which resource was bound to each chunk so that resources bound to shared chunks
// can be re-bound after compaction moves them
type binder struct {
	logger    *slog.Logger
	resources *swiss.Map[arena.Handle, boundResource]
}

func (b *binder) Init(logger *slog.Logger) {
	b.logger = logger
	b.resources = swiss.NewMap[arena.Handle, boundResource](42)
}

func (b *binder) Bind(handle arena.Handle, resource boundResource, memory DeviceMemory, offset int) (common.VkResult, error) {
	res, err := resource.bind(memory, offset)
	if err != nil {
		return res, err
	}

	b.resources.Put(handle, resource)
	return res, nil
}

func (b *binder) Forget(handle arena.Handle) {
	b.resources.Delete(handle)
}

func (b *binder) Count() int {
	return b.resources.Count()
}

// Rebind binds every relocated resource that this binder bound to its chunk's new offset. Every
// relocation is attempted; the first failure is returned.
func (b *binder) Rebind(memory DeviceMemory, relocations []metadata.Relocation) (common.VkResult, error) {
	var firstErr error
	firstRes := core1_0.VKSuccess

	for _, relocation := range relocations {
		resource, ok := b.resources.Get(relocation.Handle)
		if !ok {
			continue
		}

		res, err := resource.bind(memory, relocation.NewOffset)
		if err != nil {
			b.logger.LogAttrs(context.Background(), slog.LevelError, "failed to re-bind relocated resource",
				slog.String("handle", relocation.Handle.String()),
				slog.Int("offset", relocation.NewOffset),
				slog.Any("error", err),
			)

			if firstErr == nil {
				firstErr = err
				firstRes = res
			}
		}
	}

	return firstRes, firstErr
}

func (b *binder) Clear() {
	b.resources = swiss.NewMap[arena.Handle, boundResource](42)
}
