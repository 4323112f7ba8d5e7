package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Script operations.
const (
	opConfigWrite = "cfg-write"
	opConfigRead  = "cfg-read"
	opMMIOWrite   = "mmio-write"
	opMMIORead    = "mmio-read"
	opReset       = "reset"
)

// step is one guest access. MMIO offsets are relative to BAR0. Expect, when
// set on a read, fails the replay on mismatch.
type step struct {
	Op     string  `yaml:"op"`
	Offset uint64  `yaml:"offset,omitempty"`
	Size   int     `yaml:"size,omitempty"`
	Value  uint64  `yaml:"value,omitempty"`
	Expect *uint64 `yaml:"expect,omitempty"`
}

type stepResult struct {
	step  step
	value uint64
}

func (r stepResult) String() string {
	switch r.step.Op {
	case opReset:
		return opReset
	case opConfigRead, opMMIORead:
		return fmt.Sprintf("%s %#x/%d -> %#x", r.step.Op, r.step.Offset, r.step.Size, r.value)
	default:
		return fmt.Sprintf("%s %#x/%d <- %#x", r.step.Op, r.step.Offset, r.step.Size, r.step.Value)
	}
}

func parseScript(data []byte) ([]step, error) {
	var steps []step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i := range steps {
		if steps[i].Size == 0 {
			steps[i].Size = 4
		}
		switch steps[i].Op {
		case opConfigWrite, opConfigRead, opMMIOWrite, opMMIORead, opReset:
		default:
			return nil, fmt.Errorf("script step %d: unknown op %q", i, steps[i].Op)
		}
	}
	return steps, nil
}

func loadScript(path string) ([]step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return parseScript(data)
}

// replay runs steps in order and stops at the first failure. A device panic
// (the strict initEnable policy) is reported as the failing step's error.
func replay(b *board, steps []step) ([]stepResult, error) {
	var results []stepResult
	for i, s := range steps {
		value, err := runStep(b, s)
		if err != nil {
			return results, fmt.Errorf("script step %d (%s): %w", i, s.Op, err)
		}
		if s.Expect != nil && value != *s.Expect {
			return results, fmt.Errorf("script step %d (%s %#x): read %#x, expected %#x", i, s.Op, s.Offset, value, *s.Expect)
		}
		results = append(results, stepResult{step: s, value: value})
	}
	return results, nil
}

func runStep(b *board, s step) (value uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = fmt.Errorf("device fault: %w", perr)
				return
			}
			err = fmt.Errorf("device fault: %v", r)
		}
	}()

	if s.Op == opConfigWrite || s.Op == opConfigRead {
		if s.Offset > 0xff || s.Size < 1 || s.Size > 4 {
			return 0, fmt.Errorf("config access %#x/%d out of range", s.Offset, s.Size)
		}
	}

	switch s.Op {
	case opConfigWrite:
		return 0, b.configWrite(uint16(s.Offset), uint8(s.Size), uint32(s.Value))
	case opConfigRead:
		v, err := b.configRead(uint16(s.Offset), uint8(s.Size))
		return uint64(v), err
	case opMMIOWrite:
		return 0, b.mmioWrite(s.Offset, s.Size, s.Value)
	case opMMIORead:
		return b.mmioRead(s.Offset, s.Size)
	case opReset:
		return 0, b.host.Reset()
	default:
		return 0, fmt.Errorf("unknown op %q", s.Op)
	}
}
