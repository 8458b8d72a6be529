//go:build debug_init_allocs

package pam

import (
	"unsafe"
)

const (
	// InitializeChunks causes every new shared chunk to be filled with 0xDC and the bytes vacated
	// by freeing a shared chunk to be filled with 0xEF. If you are concerned that stale or
	// uninitialized host-visible memory is causing a bug, you can activate this to help diagnose
	// the issue. It impacts performance and should generally be left deactivated.
	InitializeChunks bool = true
)

func (p *page) fillRange(offset, size int, pattern uint8) {
	if !InitializeChunks || p.mapped == nil || size <= 0 {
		return
	}

	data := unsafe.Slice((*uint8)(unsafe.Add(p.mapped, offset)), size)
	for i := range data {
		data[i] = pattern
	}
}
