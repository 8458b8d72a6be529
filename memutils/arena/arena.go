// Package arena provides a generation-checked slot map. Values live in stable slots that are
// recycled after release; every handle carries the slot's generation at the time it was issued,
// so a handle to a released or recycled slot is detected rather than silently aliasing the
// slot's new occupant.
package arena

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Handle identifies a single slot in an Arena. The zero Handle is never issued.
//
// Bits 56-63 hold the arena's tag, bits 32-55 the slot generation and bits 0-31 the slot index.
type Handle uint64

// NoHandle is the zero Handle
const NoHandle Handle = 0

const (
	generationBits        = 24
	generationMask uint32 = 1<<generationBits - 1
	tagShift              = 56
	generationShift       = 32
)

func makeHandle(tag uint8, generation uint32, index uint32) Handle {
	return Handle(uint64(tag)<<tagShift | uint64(generation&generationMask)<<generationShift | uint64(index))
}

// Tag returns the tag of the arena that issued this handle
func (h Handle) Tag() uint8 { return uint8(h >> tagShift) }

// Generation returns the generation of the slot at the time this handle was issued
func (h Handle) Generation() uint32 { return uint32(h>>generationShift) & generationMask }

// Index returns the slot index this handle refers to
func (h Handle) Index() uint32 { return uint32(h) }

func (h Handle) String() string {
	if h == NoHandle {
		return "NoHandle"
	}
	return fmt.Sprintf("%d:%d@%d", h.Tag(), h.Index(), h.Generation())
}

// HandleStatus is the result of resolving a Handle against an Arena
type HandleStatus uint32

const (
	// HandleInvalid indicates a handle that this arena never issued
	HandleInvalid HandleStatus = iota
	// HandleLive indicates a handle that refers to a currently-occupied slot
	HandleLive
	// HandleStale indicates a handle that was issued by this arena but whose slot has since been
	// released (and possibly reused)
	HandleStale
)

var handleStatusMapping = map[HandleStatus]string{
	HandleInvalid: "HandleInvalid",
	HandleLive:    "HandleLive",
	HandleStale:   "HandleStale",
}

func (s HandleStatus) String() string {
	return handleStatusMapping[s]
}

type slot[T any] struct {
	generation uint32
	live       bool
	value      T
}

// Arena is a slot map of T values. Pointers returned from Allocate and Get remain valid until
// the slot is released: slots are individually allocated and never move.
type Arena[T any] struct {
	tag       uint8
	slots     []*slot[T]
	freeSlots []uint32
	liveCount int
}

// New creates an empty Arena whose handles all carry the provided tag
func New[T any](tag uint8) *Arena[T] {
	return &Arena[T]{tag: tag}
}

// Tag returns the tag stamped into every handle issued by this arena
func (a *Arena[T]) Tag() uint8 { return a.tag }

// Len returns the number of occupied slots
func (a *Arena[T]) Len() int { return a.liveCount }

// Allocate occupies a slot with the zero value of T and returns its handle and a pointer to the value
func (a *Arena[T]) Allocate() (Handle, *T) {
	var index uint32
	var s *slot[T]

	if freeCount := len(a.freeSlots); freeCount > 0 {
		index = a.freeSlots[freeCount-1]
		a.freeSlots = a.freeSlots[:freeCount-1]
		s = a.slots[index]
	} else {
		index = uint32(len(a.slots))
		s = &slot[T]{generation: 1}
		a.slots = append(a.slots, s)
	}

	s.live = true
	a.liveCount++

	return makeHandle(a.tag, s.generation, index), &s.value
}

// Lookup resolves a handle, returning a pointer to its value if the handle is live
func (a *Arena[T]) Lookup(h Handle) (*T, HandleStatus) {
	if h == NoHandle || h.Tag() != a.tag || int(h.Index()) >= len(a.slots) {
		return nil, HandleInvalid
	}

	s := a.slots[h.Index()]
	generation := h.Generation()
	if s.live && s.generation == generation {
		return &s.value, HandleLive
	}

	if generation != 0 && generation < s.generation {
		return nil, HandleStale
	}

	return nil, HandleInvalid
}

// Get resolves a handle and returns an error unless it is live
func (a *Arena[T]) Get(h Handle) (*T, error) {
	value, status := a.Lookup(h)
	if status != HandleLive {
		return nil, errors.Newf("handle %s could not be resolved: %s", h, status)
	}

	return value, nil
}

// Release vacates a live slot. Any outstanding copy of the handle becomes stale.
func (a *Arena[T]) Release(h Handle) error {
	_, status := a.Lookup(h)
	if status != HandleLive {
		return errors.Newf("attempted to release handle %s, which is %s", h, status)
	}

	index := h.Index()
	a.vacate(index)
	a.freeSlots = append(a.freeSlots, index)
	return nil
}

func (a *Arena[T]) vacate(index uint32) {
	s := a.slots[index]
	var zero T
	s.value = zero
	s.live = false
	s.generation = (s.generation + 1) & generationMask
	if s.generation == 0 {
		s.generation = 1
	}
	a.liveCount--
}

// Each calls the provided callback for every occupied slot, in slot order, until the callback
// returns false
func (a *Arena[T]) Each(visit func(h Handle, value *T) bool) {
	for index, s := range a.slots {
		if !s.live {
			continue
		}

		if !visit(makeHandle(a.tag, s.generation, uint32(index)), &s.value) {
			return
		}
	}
}

// Clear releases every occupied slot. Handles issued before Clear resolve as stale afterward.
func (a *Arena[T]) Clear() {
	a.freeSlots = a.freeSlots[:0]
	for index := len(a.slots) - 1; index >= 0; index-- {
		if a.slots[index].live {
			a.vacate(uint32(index))
		}
		a.freeSlots = append(a.freeSlots, uint32(index))
	}
}
