package sst1

import (
	"errors"
	"fmt"
	"strings"
)

// InitEnableOffset is the config space offset of the initEnable register.
const (
	InitEnableOffset = 0x40
	InitEnableSize   = 4

	initEnableDefinedBits = 0x7
)

const (
	initEnableFbiInit   = 1 << 0 // writes to fbiInit registers
	initEnablePCIFIFO   = 1 << 1 // writes to the PCI FIFO
	initEnableRemap23   = 1 << 2 // fbiInit2/3 read back as dacRead/videoChecksum
	initEnableUndefined = ^uint32(initEnableDefinedBits)
)

var ErrUndefinedInitBits = errors.New("undefined initEnable bits set")

// EnableFlags are the device-local flags derived from initEnable.
type EnableFlags struct {
	InitWritable   bool
	FIFOWritable   bool
	RemapFbiInit23 bool
}

// Decode maps an initEnable value to its flags. Any bit above bit 2 is an
// error; the flags returned alongside it still reflect bits 0-2.
func Decode(reg uint32) (EnableFlags, error) {
	flags := EnableFlags{
		InitWritable:   reg&initEnableFbiInit != 0,
		FIFOWritable:   reg&initEnablePCIFIFO != 0,
		RemapFbiInit23: reg&initEnableRemap23 != 0,
	}
	if reg&initEnableUndefined != 0 {
		return flags, fmt.Errorf("%w: %#08x", ErrUndefinedInitBits, reg)
	}
	return flags, nil
}

// Encode is the inverse of Decode.
func (f EnableFlags) Encode() uint32 {
	var v uint32
	if f.InitWritable {
		v |= initEnableFbiInit
	}
	if f.FIFOWritable {
		v |= initEnablePCIFIFO
	}
	if f.RemapFbiInit23 {
		v |= initEnableRemap23
	}
	return v
}

func (f EnableFlags) String() string {
	var set []string
	if f.InitWritable {
		set = append(set, "init_writable")
	}
	if f.FIFOWritable {
		set = append(set, "fifo_writable")
	}
	if f.RemapFbiInit23 {
		set = append(set, "remap_fbiinit23")
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "|")
}

// Policy selects how undefined initEnable bits written by the guest are
// handled.
type Policy int

const (
	// PolicyMask ignores bits 3-31 and logs a warning.
	PolicyMask Policy = iota
	// PolicyStrict treats undefined bits as a fatal invariant violation and
	// panics.
	PolicyStrict
)

func (p Policy) String() string {
	switch p {
	case PolicyMask:
		return "mask"
	case PolicyStrict:
		return "strict"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "mask":
		return PolicyMask, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return 0, fmt.Errorf("unknown initEnable policy %q", s)
	}
}
