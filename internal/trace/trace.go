// Package trace loads allocation traces from yaml and replays them against a pam.Allocator
package trace

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/subarena/pam"
	"gopkg.in/yaml.v3"
)

// Op is a single trace operation
type Op string

const (
	OpAlloc   Op = "alloc"
	OpFree    Op = "free"
	OpRelease Op = "release"
)

// Step is one line of a trace. Name identifies the chunk across alloc and free steps.
type Step struct {
	Op   Op     `yaml:"op"`
	Pool string `yaml:"pool,omitempty"`
	Name string `yaml:"name,omitempty"`
	Size int    `yaml:"size,omitempty"`
}

// Trace is a sequence of allocator operations and the allocator settings to replay them with
type Trace struct {
	PageSize   int    `yaml:"pageSize"`
	SkipRebind bool   `yaml:"skipRebind"`
	Steps      []Step `yaml:"steps"`
}

// CreateOptions returns the allocator options the trace asks for
func (t *Trace) CreateOptions() pam.CreateOptions {
	options := pam.CreateOptions{
		PageSize: t.PageSize,
	}
	if t.SkipRebind {
		options.Flags |= pam.AllocatorCreateSkipRebind
	}

	return options
}

func parseKind(pool string) (pam.MemoryKind, error) {
	switch pool {
	case "local":
		return pam.MemoryLocal, nil
	case "shared":
		return pam.MemoryShared, nil
	}

	return pam.MemoryLocal, errors.Newf("unknown pool %q: expected local or shared", pool)
}

// Validate checks that every step is well-formed. It does not check that frees refer to
// earlier allocations; that is reported during replay.
func (t *Trace) Validate() error {
	for index, step := range t.Steps {
		switch step.Op {
		case OpAlloc:
			_, err := parseKind(step.Pool)
			if err != nil {
				return errors.Wrapf(err, "step %d", index)
			}
			if step.Name == "" {
				return errors.Newf("step %d: alloc requires a name", index)
			}
		case OpFree:
			if step.Name == "" {
				return errors.Newf("step %d: free requires a name", index)
			}
		case OpRelease:
		default:
			return errors.Newf("step %d: unknown op %q", index, step.Op)
		}
	}

	return nil
}

// Parse decodes a yaml trace
func Parse(r io.Reader) (*Trace, error) {
	var trace Trace

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&trace); err != nil {
		return nil, errors.Wrap(err, "failed to decode trace")
	}

	if err := trace.Validate(); err != nil {
		return nil, err
	}

	return &trace, nil
}

// Load reads and decodes a yaml trace file
func Load(filename string) (*Trace, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read trace from file %s", filename)
	}

	trace, err := Parse(bytes.NewReader(contents))
	if err != nil {
		return nil, errors.Wrapf(err, "trace file %s", filename)
	}

	return trace, nil
}
