package sst1

import "testing"

type testRegs struct {
	flags EnableFlags
	d     *Dispatcher
	init0 uint32
	init2 uint32
}

func newTestRegs(t *testing.T) *testRegs {
	t.Helper()
	r := &testRegs{}
	r.d = NewDispatcher(MMIOSize, func() EnableFlags { return r.flags })
	regs := []Register{
		{
			Name:   "fbiInit0",
			Offset: RegFbiInit0,
			Gate:   GateInit,
			Read:   func() uint32 { return r.init0 },
			Write:  func(v uint32) { r.init0 = v },
		},
		{
			Name:   "fbiInit2",
			Offset: RegFbiInit2,
			Gate:   GateInit,
			Read:   func() uint32 { return r.init2 },
			Write:  func(v uint32) { r.init2 = v },
			Remap:  func() uint32 { return 0xdac0dac0 },
		},
	}
	for _, reg := range regs {
		if err := r.d.Add(reg); err != nil {
			t.Fatalf("Add(%s): %v", reg.Name, err)
		}
	}
	return r
}

func TestDispatcherStubReadsZero(t *testing.T) {
	d := NewDispatcher(MMIOSize, nil)
	for _, off := range []uint64{0, RegFbiInit0, RegFbiInit2, MMIOSize - 4} {
		d.Write(off, 4, 0xdeadbeef)
		if got := d.Read(off, 4); got != 0 {
			t.Errorf("Read(%#x) = %#x, want 0", off, got)
		}
	}
}

func TestDispatcherGatesInitWrites(t *testing.T) {
	r := newTestRegs(t)

	r.d.Write(RegFbiInit0, 4, 0x1234)
	if r.init0 != 0 {
		t.Fatalf("gated write landed: %#x", r.init0)
	}

	r.flags.InitWritable = true
	r.d.Write(RegFbiInit0, 4, 0x1234)
	if r.init0 != 0x1234 {
		t.Fatalf("fbiInit0 = %#x, want 0x1234", r.init0)
	}
	if got := r.d.Read(RegFbiInit0, 4); got != 0x1234 {
		t.Errorf("Read = %#x", got)
	}
}

func TestDispatcherRemapAffectsReadsOnly(t *testing.T) {
	r := newTestRegs(t)
	r.init2 = 0x55
	if got := r.d.Read(RegFbiInit2, 4); got != 0x55 {
		t.Fatalf("Read without remap = %#x", got)
	}

	r.flags = EnableFlags{InitWritable: true, RemapFbiInit23: true}
	if got := r.d.Read(RegDacRead, 4); got != 0xdac0dac0 {
		t.Fatalf("Read with remap = %#x", got)
	}
	r.d.Write(RegFbiInit2, 1, 0x77)
	if r.init2 != 0x77 {
		t.Errorf("narrow write merged against remapped value: %#x", r.init2)
	}
}

func TestDispatcherWidensNarrowAccesses(t *testing.T) {
	r := newTestRegs(t)
	r.flags.InitWritable = true
	r.init0 = 0x11223344

	if got := r.d.Read(RegFbiInit0+1, 1); got != 0x33 {
		t.Errorf("byte read = %#x", got)
	}
	if got := r.d.Read(RegFbiInit0+2, 2); got != 0x1122 {
		t.Errorf("word read = %#x", got)
	}

	r.d.Write(RegFbiInit0+1, 1, 0xaa)
	if r.init0 != 0x1122aa44 {
		t.Errorf("after byte write fbiInit0 = %#x", r.init0)
	}
}

func TestDispatcherSplitsQuadAccesses(t *testing.T) {
	r := newTestRegs(t)
	r.flags.InitWritable = true
	r.init0 = 0x01020304

	// fbiInit1 at +4 is unmapped and reads as zero.
	if got := r.d.Read(RegFbiInit0, 8); got != 0x01020304 {
		t.Errorf("quad read = %#x", got)
	}
	r.d.Write(RegFbiInit0, 8, 0xffffffff_0a0b0c0d)
	if r.init0 != 0x0a0b0c0d {
		t.Errorf("fbiInit0 = %#x", r.init0)
	}
}

func TestDispatcherRejectsBadAccesses(t *testing.T) {
	r := newTestRegs(t)
	r.flags.InitWritable = true
	r.init0 = 0xffffffff

	if got := r.d.Read(RegFbiInit0, 3); got != 0 {
		t.Errorf("3-byte read = %#x", got)
	}
	r.d.Write(RegFbiInit0, 3, 0)
	if r.init0 != 0xffffffff {
		t.Errorf("3-byte write landed: %#x", r.init0)
	}
	if got := r.d.Read(MMIOSize-2, 4); got != 0 {
		t.Errorf("read past window = %#x", got)
	}
}

func TestDispatcherAddValidation(t *testing.T) {
	d := NewDispatcher(MMIOSize, nil)
	if err := d.Add(Register{Name: "odd", Offset: 0x202}); err == nil {
		t.Error("unaligned register accepted")
	}
	if err := d.Add(Register{Name: "far", Offset: MMIOSize}); err == nil {
		t.Error("out of window register accepted")
	}
	if err := d.Add(Register{Name: "fbiInit4", Offset: RegFbiInit4}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := d.Add(Register{Name: "dup", Offset: RegFbiInit4}); err == nil {
		t.Error("colliding register accepted")
	}
	if r, ok := d.Lookup(RegFbiInit4); !ok || r.Name != "fbiInit4" {
		t.Errorf("Lookup = %+v, %v", r, ok)
	}
}
