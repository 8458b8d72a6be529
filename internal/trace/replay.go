package trace

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/subarena/memutils/arena"
	"github.com/vkngwrapper/subarena/pam"
	"golang.org/x/exp/slog"
)

type liveChunk struct {
	handle  arena.Handle
	kind    pam.MemoryKind
	pattern byte
}

// Player replays traces against a single allocator. Every shared chunk is filled with a byte
// pattern when it is allocated, and the patterns are checked after every step so that compaction
// is verified to carry chunk contents along.
type Player struct {
	logger    *slog.Logger
	allocator *pam.Allocator
	out       io.Writer

	chunks      *swiss.Map[string, liveChunk]
	nextPattern byte
}

// NewPlayer creates a Player that allocates from device with the options the trace asks for and
// writes a line per step to out
func NewPlayer(logger *slog.Logger, device pam.Device, trace *Trace, out io.Writer) (*Player, error) {
	allocator, err := pam.New(logger, device, trace.CreateOptions())
	if err != nil {
		return nil, err
	}

	return &Player{
		logger:    logger,
		allocator: allocator,
		out:       out,
		chunks:    swiss.NewMap[string, liveChunk](42),
	}, nil
}

// Allocator returns the allocator the player replays against
func (p *Player) Allocator() *pam.Allocator { return p.allocator }

// Live returns the number of named chunks that are currently allocated
func (p *Player) Live() int { return p.chunks.Count() }

// Play runs every step of the trace in order, stopping at the first failure
func (p *Player) Play(trace *Trace) error {
	for index, step := range trace.Steps {
		err := p.Step(step)
		if err != nil {
			return errors.Wrapf(err, "step %d (%s %s)", index, step.Op, step.Name)
		}
	}

	return nil
}

// Step runs a single trace step and then checks the allocator's consistency
func (p *Player) Step(step Step) error {
	var err error

	switch step.Op {
	case OpAlloc:
		err = p.alloc(step)
	case OpFree:
		err = p.free(step)
	case OpRelease:
		p.allocator.ReleaseAll()
		p.chunks.Clear()
		fmt.Fprintln(p.out, "release")
	default:
		err = errors.Newf("unknown op %q", step.Op)
	}
	if err != nil {
		return err
	}

	err = p.allocator.Validate()
	if err != nil {
		return errors.Wrap(err, "allocator is inconsistent")
	}

	return p.verifyContents()
}

func (p *Player) alloc(step Step) error {
	kind, err := parseKind(step.Pool)
	if err != nil {
		return err
	}

	if p.chunks.Has(step.Name) {
		return errors.Newf("chunk %s is already allocated", step.Name)
	}

	var handle arena.Handle
	if kind == pam.MemoryShared {
		handle, _, err = p.allocator.AllocateShared(step.Size)
	} else {
		handle, _, err = p.allocator.AllocateLocal(step.Size)
	}
	if err != nil {
		return err
	}

	err = p.allocator.SetUserData(handle, step.Name)
	if err != nil {
		return err
	}

	info, err := p.allocator.ChunkInfo(handle)
	if err != nil {
		return err
	}

	p.nextPattern++
	chunk := liveChunk{handle: handle, kind: kind, pattern: p.nextPattern}

	if kind == pam.MemoryShared {
		data, err := p.allocator.MappedSlice(handle)
		if err != nil {
			return err
		}

		for i := range data {
			data[i] = chunk.pattern
		}
	}

	p.chunks.Put(step.Name, chunk)

	fmt.Fprintf(p.out, "alloc %-6s %-16s size=%-8d page=%-3d offset=%d\n",
		step.Pool, step.Name, info.Size, info.Page, info.Offset)
	return nil
}

func (p *Player) free(step Step) error {
	chunk, ok := p.chunks.Get(step.Name)
	if !ok {
		return errors.Newf("chunk %s is not allocated", step.Name)
	}

	info, err := p.allocator.ChunkInfo(chunk.handle)
	if err != nil {
		return err
	}

	fmt.Fprintf(p.out, "free  %-6s %-16s size=%-8d page=%-3d offset=%d\n",
		poolName(chunk.kind), step.Name, info.Size, info.Page, info.Offset)

	if chunk.kind == pam.MemoryLocal {
		err = p.allocator.FreeLocal(chunk.handle)
		if err != nil {
			return err
		}
	} else {
		relocations, err := p.allocator.FreeShared(chunk.handle)
		if err != nil {
			return err
		}

		for _, relocation := range relocations {
			fmt.Fprintf(p.out, "      moved  %-16v %d -> %d\n", relocation.UserData, relocation.OldOffset, relocation.NewOffset)
		}
	}

	p.chunks.Delete(step.Name)
	return nil
}

func poolName(kind pam.MemoryKind) string {
	if kind == pam.MemoryShared {
		return "shared"
	}
	return "local"
}

func (p *Player) verifyContents() error {
	var err error

	p.chunks.Iter(func(name string, chunk liveChunk) bool {
		if chunk.kind != pam.MemoryShared {
			return false
		}

		var data []byte
		data, err = p.allocator.MappedSlice(chunk.handle)
		if err != nil {
			err = errors.Wrapf(err, "chunk %s", name)
			return true
		}

		for offset, b := range data {
			if b != chunk.pattern {
				err = errors.Newf("chunk %s holds %#x at byte %d, expected %#x", name, b, offset, chunk.pattern)
				p.logger.LogAttrs(context.Background(), slog.LevelError, "shared chunk contents were corrupted",
					slog.String("chunk", name),
					slog.Int("byte", offset),
				)
				return true
			}
		}

		return false
	})

	return err
}
