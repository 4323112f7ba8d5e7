package sst1

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/sst1/internal/region"
)

// fbi register offsets inside the MMIO window.
const (
	RegFbiInit4      = 0x200
	RegFbiInit0      = 0x210
	RegFbiInit1      = 0x214
	RegFbiInit2      = 0x218
	RegFbiInit3      = 0x21c
	RegDacRead       = RegFbiInit2 // read alias while remap_fbiinit23 is set
	RegVideoChecksum = RegFbiInit3 // read alias while remap_fbiinit23 is set
)

// Gate names the enable flag a register write requires.
type Gate int

const (
	GateNone Gate = iota
	GateInit
	GateFIFO
)

func (g Gate) String() string {
	switch g {
	case GateNone:
		return "none"
	case GateInit:
		return "init"
	case GateFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("Gate(%d)", int(g))
	}
}

func (g Gate) open(f EnableFlags) bool {
	switch g {
	case GateInit:
		return f.InitWritable
	case GateFIFO:
		return f.FIFOWritable
	default:
		return true
	}
}

// Register is one dword-aligned entry of the MMIO register table. A nil Read
// reads as zero and a nil Write drops the value. Remap, when set, serves reads
// instead of Read while remap_fbiinit23 is enabled.
type Register struct {
	Name   string
	Offset uint32
	Gate   Gate
	Read   func() uint32
	Write  func(value uint32)
	Remap  func() uint32
}

// Dispatcher decodes accesses to the MMIO window into the register table.
// Offsets without a register read as zero and ignore writes. Accesses
// narrower than a dword are widened to the containing dword; 8-byte accesses
// are split into two dwords. Any other width, or an access that does not fit
// the window, reads as zero and is dropped on write.
type Dispatcher struct {
	size  uint64
	regs  map[uint32]*Register
	flags func() EnableFlags
}

// NewDispatcher returns an empty dispatcher for a window of size bytes.
// flags is consulted on every gated write and remapped read.
func NewDispatcher(size uint64, flags func() EnableFlags) *Dispatcher {
	if flags == nil {
		flags = func() EnableFlags { return EnableFlags{} }
	}
	return &Dispatcher{
		size:  size,
		regs:  make(map[uint32]*Register),
		flags: flags,
	}
}

// Add installs a register handler.
func (d *Dispatcher) Add(r Register) error {
	if r.Offset%4 != 0 {
		return fmt.Errorf("sst1: register %s offset %#x not dword aligned", r.Name, r.Offset)
	}
	if uint64(r.Offset)+4 > d.size {
		return fmt.Errorf("sst1: register %s offset %#x outside MMIO window", r.Name, r.Offset)
	}
	if existing, ok := d.regs[r.Offset]; ok {
		return fmt.Errorf("sst1: register %s collides with %s at %#x", r.Name, existing.Name, r.Offset)
	}
	reg := r
	d.regs[r.Offset] = &reg
	return nil
}

// Lookup returns the register installed at a dword offset.
func (d *Dispatcher) Lookup(offset uint32) (Register, bool) {
	r, ok := d.regs[offset]
	if !ok {
		return Register{}, false
	}
	return *r, true
}

// Size returns the size of the MMIO window.
func (d *Dispatcher) Size() uint64 {
	return d.size
}

func (d *Dispatcher) valid(offset uint64, width int) bool {
	switch width {
	case 1, 2, 4, 8:
	default:
		return false
	}
	end := offset + uint64(width)
	return end > offset && end <= d.size
}

// Read returns width bytes at offset, little-endian.
func (d *Dispatcher) Read(offset uint64, width int) uint64 {
	if !d.valid(offset, width) {
		return 0
	}
	var value uint64
	for done := 0; done < width; {
		addr := offset + uint64(done)
		base := addr &^ 3
		shift := int(addr - base)
		n := min(width-done, 4-shift)
		dw := d.readDword(uint32(base))
		for i := 0; i < n; i++ {
			value |= uint64(byte(dw>>(8*(shift+i)))) << (8 * (done + i))
		}
		done += n
	}
	return value
}

// Write stores the low width bytes of value at offset.
func (d *Dispatcher) Write(offset uint64, width int, value uint64) {
	if !d.valid(offset, width) {
		return
	}
	for done := 0; done < width; {
		addr := offset + uint64(done)
		base := addr &^ 3
		shift := int(addr - base)
		n := min(width-done, 4-shift)
		chunk := uint32(value >> (8 * done))
		if n == 4 {
			d.writeDword(uint32(base), chunk)
		} else {
			mask := uint32((uint64(1) << (8 * n)) - 1)
			cur := d.currentDword(uint32(base))
			merged := (cur &^ (mask << (8 * shift))) | ((chunk & mask) << (8 * shift))
			d.writeDword(uint32(base), merged)
		}
		done += n
	}
}

func (d *Dispatcher) readDword(offset uint32) uint32 {
	r, ok := d.regs[offset]
	if !ok {
		return 0
	}
	if r.Remap != nil && d.flags().RemapFbiInit23 {
		return r.Remap()
	}
	if r.Read == nil {
		return 0
	}
	return r.Read()
}

// currentDword is the merge source for narrow writes; remapping only affects
// guest reads.
func (d *Dispatcher) currentDword(offset uint32) uint32 {
	r, ok := d.regs[offset]
	if !ok || r.Read == nil {
		return 0
	}
	return r.Read()
}

func (d *Dispatcher) writeDword(offset uint32, value uint32) {
	r, ok := d.regs[offset]
	if !ok || r.Write == nil {
		return
	}
	if !r.Gate.open(d.flags()) {
		slog.Debug("sst1: gated register write ignored", "reg", r.Name, "gate", r.Gate, "val", value)
		return
	}
	r.Write(value)
}

// regionHandler adapts the dispatcher to the byte-oriented region interface.
type regionHandler struct {
	d *Dispatcher
}

func (h regionHandler) Read(offset uint64, data []byte) {
	value := h.d.Read(offset, len(data))
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
}

func (h regionHandler) Write(offset uint64, data []byte) {
	var value uint64
	for i := 0; i < len(data) && i < 8; i++ {
		value |= uint64(data[i]) << (8 * i)
	}
	h.d.Write(offset, len(data), value)
}

var _ region.Handler = regionHandler{}
