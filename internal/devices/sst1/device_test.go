package sst1

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/sst1/internal/devices/pci"
	"github.com/tinyrange/sst1/internal/hv"
)

const (
	testECAMBase = 0x30000000
	testMMIOBase = 0x40000000
	testSlot     = 1
)

type testBoard struct {
	machine *hv.Machine
	host    *pci.HostBridge
	dev     *Device
}

func newTestBoard(t *testing.T, opts Options) *testBoard {
	t.Helper()
	if opts.Slot == 0 {
		opts.Slot = testSlot
	}
	m := hv.NewMachine(hv.NewAddressSpace(testMMIOBase, 0x10000000))
	host := pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: testECAMBase,
		ConfigSize: 1 << 20,
		MMIOBase:   testMMIOBase,
		MMIOSize:   0x10000000,
	})
	if err := m.AddDevice(host); err != nil {
		t.Fatalf("attach host bridge: %v", err)
	}
	if err := m.AddDevice(pci.NewLegacyPorts(host)); err != nil {
		t.Fatalf("attach legacy ports: %v", err)
	}
	dev, err := New(host, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.AddDevice(dev); err != nil {
		t.Fatalf("attach device: %v", err)
	}
	t.Cleanup(func() {
		if dev.State() == StateActive {
			_ = dev.Close()
		}
	})
	return &testBoard{machine: m, host: host, dev: dev}
}

func (b *testBoard) cfgWrite(t *testing.T, offset uint16, size uint8, value uint32) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
	addr := b.host.ECAMAddress(0, testSlot, 0, offset)
	if err := b.machine.HandleMMIO(addr, data, true); err != nil {
		t.Fatalf("config write %#x: %v", offset, err)
	}
}

func (b *testBoard) cfgRead(t *testing.T, offset uint16, size uint8) uint32 {
	t.Helper()
	data := make([]byte, size)
	addr := b.host.ECAMAddress(0, testSlot, 0, offset)
	if err := b.machine.HandleMMIO(addr, data, false); err != nil {
		t.Fatalf("config read %#x: %v", offset, err)
	}
	var value uint32
	for i, v := range data {
		value |= uint32(v) << (8 * i)
	}
	return value
}

func (b *testBoard) enableMemory(t *testing.T) uint64 {
	t.Helper()
	b.cfgWrite(t, pci.ConfigCommand, 2, pci.CommandMemorySpace)
	base, err := b.dev.BAR0()
	if err != nil {
		t.Fatalf("BAR0: %v", err)
	}
	return base
}

func mustFlags(t *testing.T, d *Device) EnableFlags {
	t.Helper()
	f, err := d.Flags()
	if err != nil {
		t.Fatalf("Flags: %v", err)
	}
	return f
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRegionLayout(t *testing.T) {
	b := newTestBoard(t, Options{})
	tree, err := b.dev.Regions()
	if err != nil {
		t.Fatalf("Regions: %v", err)
	}

	type span struct {
		Name         string
		Offset, Size uint64
	}
	var got []span
	for _, r := range tree.Root().Children() {
		got = append(got, span{r.Name, r.Offset, r.Size})
	}
	want := []span{
		{RegionMMIO, 0, 4 << 20},
		{RegionFrameBuffer, 4 << 20, 4 << 20},
		{RegionTextureMem, 8 << 20, 8 << 20},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}
	if tree.Size() != 16<<20 || tree.Root().Name != RegionMappedBase {
		t.Errorf("container %s size %#x", tree.Root().Name, tree.Size())
	}
	children := tree.Root().Children()
	for i := range children {
		for j := i + 1; j < len(children); j++ {
			if children[i].Overlaps(children[j]) {
				t.Errorf("%s overlaps %s", children[i].Name, children[j].Name)
			}
		}
	}
}

func TestConfigIdentity(t *testing.T) {
	b := newTestBoard(t, Options{})
	if got := b.cfgRead(t, pci.ConfigVendorID, 2); got != VendorID3dfx {
		t.Errorf("vendor = %#x", got)
	}
	if got := b.cfgRead(t, pci.ConfigDeviceID, 2); got != DeviceIDVoodoo {
		t.Errorf("device = %#x", got)
	}
	if got := b.cfgRead(t, 0x08, 4) >> 8; got != pci.ClassDisplayOther {
		t.Errorf("class = %#x", got)
	}

	v2 := newTestBoard(t, Options{Variant: VariantVoodoo2})
	if got := v2.cfgRead(t, pci.ConfigDeviceID, 2); got != DeviceIDVoodoo2 {
		t.Errorf("voodoo2 device = %#x", got)
	}
	info := v2.dev.Info()
	if info.DeviceID != DeviceIDVoodoo2 || info.Hotpluggable || info.Category != CategoryDisplay {
		t.Errorf("info = %+v", info)
	}
	if diff := cmp.Diff([]string{InterfaceConventional}, info.Interfaces); diff != "" {
		t.Errorf("interfaces (-want +got):\n%s", diff)
	}
}

func TestInitEnableConfigWrites(t *testing.T) {
	b := newTestBoard(t, Options{})
	if got := mustFlags(t, b.dev); got != (EnableFlags{}) {
		t.Fatalf("initial flags = %v", got)
	}

	b.cfgWrite(t, InitEnableOffset, 4, 0x00000005)
	want := EnableFlags{InitWritable: true, RemapFbiInit23: true}
	if got := mustFlags(t, b.dev); got != want {
		t.Fatalf("after 0x5: %v, want %v", got, want)
	}
	if got := b.cfgRead(t, InitEnableOffset, 4); got != 5 {
		t.Errorf("initEnable reads back %#x", got)
	}

	b.cfgWrite(t, InitEnableOffset, 1, 0x00)
	if got := mustFlags(t, b.dev); got != (EnableFlags{}) {
		t.Fatalf("after byte clear: %v", got)
	}
}

func TestInitEnableNarrowHighByteWrite(t *testing.T) {
	b := newTestBoard(t, Options{})
	b.cfgWrite(t, InitEnableOffset, 4, 0x3)
	buf := captureLogs(t)

	// A write to 0x42 replaces bits 16-23 only; the low bits stay in force.
	b.cfgWrite(t, InitEnableOffset+2, 1, 0x01)
	if got := mustFlags(t, b.dev); got != (EnableFlags{InitWritable: true, FIFOWritable: true}) {
		t.Fatalf("flags = %v", got)
	}
	reg, _ := b.dev.InitEnable()
	if reg != 0x00010003 {
		t.Errorf("initEnable = %#x", reg)
	}
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
}

func TestConfigWriteOutsideInitEnableIgnored(t *testing.T) {
	b := newTestBoard(t, Options{})
	b.cfgWrite(t, InitEnableOffset+4, 4, 0xffffffff)
	if got := mustFlags(t, b.dev); got != (EnableFlags{}) {
		t.Errorf("flags = %v", got)
	}
	b.cfgWrite(t, pci.ConfigLatencyTimer, 1, 0x40)
	if got := mustFlags(t, b.dev); got != (EnableFlags{}) {
		t.Errorf("flags = %v", got)
	}
}

func TestStrictPolicyPanics(t *testing.T) {
	b := newTestBoard(t, Options{Policy: PolicyStrict})
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrUndefinedInitBits) {
			t.Fatalf("recovered %v, want ErrUndefinedInitBits", r)
		}
	}()
	b.host.ConfigWrite(0, testSlot, 0, InitEnableOffset, 4, 0x80000001)
	t.Fatal("undefined bits accepted under strict policy")
}

func TestResetIdempotent(t *testing.T) {
	b := newTestBoard(t, Options{})
	b.cfgWrite(t, InitEnableOffset, 4, 7)

	if err := b.dev.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	once, _ := b.dev.Flags()
	onceReg, _ := b.dev.InitEnable()

	if err := b.dev.Reset(); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	twice, _ := b.dev.Flags()
	twiceReg, _ := b.dev.InitEnable()

	if once != (EnableFlags{}) || onceReg != 0 {
		t.Fatalf("after reset: %v reg %#x", once, onceReg)
	}
	if once != twice || onceReg != twiceReg {
		t.Errorf("reset not idempotent: %v/%#x vs %v/%#x", once, onceReg, twice, twiceReg)
	}
	if got := b.cfgRead(t, InitEnableOffset, 4); got != 0 {
		t.Errorf("config space initEnable = %#x", got)
	}
}

func TestHostResetReachesDevice(t *testing.T) {
	b := newTestBoard(t, Options{})
	b.cfgWrite(t, InitEnableOffset, 4, 3)
	if err := b.host.Reset(); err != nil {
		t.Fatalf("host Reset: %v", err)
	}
	if got := mustFlags(t, b.dev); got != (EnableFlags{}) {
		t.Errorf("flags after host reset = %v", got)
	}
}

func TestBARSizingProbe(t *testing.T) {
	b := newTestBoard(t, Options{})
	base, _ := b.dev.BAR0()
	if base != testMMIOBase {
		t.Fatalf("BAR0 = %#x", base)
	}
	if got := b.cfgRead(t, pci.ConfigBAR0, 4); got != testMMIOBase {
		t.Fatalf("BAR0 register = %#x", got)
	}

	b.enableMemory(t)
	b.cfgWrite(t, pci.ConfigBAR0, 4, 0xffffffff)
	if got := b.cfgRead(t, pci.ConfigBAR0, 4); got != 0xff000000 {
		t.Fatalf("sizing probe = %#x, want 0xff000000", got)
	}
	// With the size mask in BAR0 the window decodes nowhere.
	if got, _ := b.dev.BAR0(); got != 0 {
		t.Errorf("BAR0 while sizing = %#x, want unmapped", got)
	}
	if err := b.machine.HandleMMIO(testMMIOBase, make([]byte, 4), false); !errors.Is(err, hv.ErrNoDevice) {
		t.Errorf("MMIO at old base while sizing: %v", err)
	}

	b.cfgWrite(t, pci.ConfigBAR0, 4, 0x42000000)
	if got, _ := b.dev.BAR0(); got != 0x42000000 {
		t.Errorf("BAR0 after reprogram = %#x", got)
	}
}

func TestBARReprogramNarrowWrites(t *testing.T) {
	b := newTestBoard(t, Options{})
	old := b.enableMemory(t)

	b.cfgWrite(t, pci.ConfigBAR0, 2, 0x0000)
	b.cfgWrite(t, pci.ConfigBAR0+2, 2, 0x4200)
	if got := b.cfgRead(t, pci.ConfigBAR0, 4); got != 0x42000000 {
		t.Fatalf("BAR0 register = %#x", got)
	}
	if got, _ := b.dev.BAR0(); got != 0x42000000 {
		t.Fatalf("device decodes at %#x, config says 0x42000000", got)
	}
	if err := b.machine.HandleMMIO(old, make([]byte, 4), false); !errors.Is(err, hv.ErrNoDevice) {
		t.Errorf("MMIO at old base: %v", err)
	}
	if err := b.machine.HandleMMIO(0x42000000+MMIOSize, []byte{0xaa}, true); err != nil {
		t.Fatalf("MMIO at new base: %v", err)
	}

	b.cfgWrite(t, pci.ConfigBAR0+3, 1, 0x43)
	if got, _ := b.dev.BAR0(); got != 0x43000000 {
		t.Errorf("BAR0 after byte write = %#x", got)
	}
	tree, _ := b.dev.Regions()
	if fb := tree.Lookup(RegionFrameBuffer).Bytes(); fb[0] != 0xaa {
		t.Errorf("frame buffer[0] = %#x", fb[0])
	}
}

func TestMMIOWindowRequiresMemoryEnable(t *testing.T) {
	b := newTestBoard(t, Options{})
	data := make([]byte, 4)
	if err := b.machine.HandleMMIO(testMMIOBase, data, false); !errors.Is(err, hv.ErrNoDevice) {
		t.Fatalf("read with memory space disabled: %v", err)
	}
	b.enableMemory(t)
	if err := b.machine.HandleMMIO(testMMIOBase, data, false); err != nil {
		t.Fatalf("read with memory space enabled: %v", err)
	}
}

func TestMMIOStubThroughBAR(t *testing.T) {
	b := newTestBoard(t, Options{})
	base := b.enableMemory(t)
	b.cfgWrite(t, InitEnableOffset, 4, 7)

	for _, off := range []uint64{0, RegFbiInit0, RegFbiInit2, MMIOSize - 4} {
		in := []byte{0xef, 0xbe, 0xad, 0xde}
		if err := b.machine.HandleMMIO(base+off, in, true); err != nil {
			t.Fatalf("write %#x: %v", off, err)
		}
		out := make([]byte, 4)
		if err := b.machine.HandleMMIO(base+off, out, false); err != nil {
			t.Fatalf("read %#x: %v", off, err)
		}
		if v := binary.LittleEndian.Uint32(out); v != 0 {
			t.Errorf("read %#x = %#x, want 0", off, v)
		}
	}
}

func TestFrameBufferAndTextureThroughBAR(t *testing.T) {
	b := newTestBoard(t, Options{})
	base := b.enableMemory(t)

	pixel := []byte{1, 2, 3, 4}
	if err := b.machine.HandleMMIO(base+MMIOSize+0x100, pixel, true); err != nil {
		t.Fatalf("frame buffer write: %v", err)
	}
	texel := []byte{9, 8}
	if err := b.machine.HandleMMIO(base+MMIOSize+FrameBufferSize, texel, true); err != nil {
		t.Fatalf("texture write: %v", err)
	}

	tree, _ := b.dev.Regions()
	fb := tree.Lookup(RegionFrameBuffer).Bytes()
	if !bytes.Equal(fb[0x100:0x104], pixel) {
		t.Errorf("frame buffer = % x", fb[0x100:0x104])
	}
	tex := tree.Lookup(RegionTextureMem).Bytes()
	if !bytes.Equal(tex[:2], texel) {
		t.Errorf("texture memory = % x", tex[:2])
	}

	out := make([]byte, 4)
	if err := b.machine.HandleMMIO(base+MMIOSize+0x100, out, false); err != nil {
		t.Fatalf("frame buffer read: %v", err)
	}
	if !bytes.Equal(out, pixel) {
		t.Errorf("read back % x", out)
	}
}

func TestLegacyPortConfigAccess(t *testing.T) {
	b := newTestBoard(t, Options{})
	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, pci.ConfigAddress(0, testSlot, 0, InitEnableOffset))
	if err := b.machine.HandleIOPort(pci.ConfigAddressPort, addr, true); err != nil {
		t.Fatalf("write cf8: %v", err)
	}
	if err := b.machine.HandleIOPort(pci.ConfigDataPort, []byte{0x02, 0, 0, 0}, true); err != nil {
		t.Fatalf("write cfc: %v", err)
	}
	if got := mustFlags(t, b.dev); got != (EnableFlags{FIFOWritable: true}) {
		t.Errorf("flags = %v", got)
	}
}

func TestCloseDetaches(t *testing.T) {
	b := newTestBoard(t, Options{})
	base := b.enableMemory(t)
	tree, _ := b.dev.Regions()

	if err := b.dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.dev.State() != StateDetached {
		t.Fatalf("state = %s", b.dev.State())
	}
	if !tree.Released() {
		t.Error("regions not released")
	}
	if got := b.cfgRead(t, pci.ConfigVendorID, 2); got != 0xffff {
		t.Errorf("vendor after detach = %#x", got)
	}
	if err := b.machine.HandleMMIO(base, make([]byte, 4), false); !errors.Is(err, hv.ErrNoDevice) {
		t.Errorf("MMIO after detach: %v", err)
	}

	checks := map[string]error{
		"Close":      b.dev.Close(),
		"Reset":      b.dev.Reset(),
		"ReadMMIO":   b.dev.ReadMMIO(base, make([]byte, 4)),
		"WriteMMIO":  b.dev.WriteMMIO(base, make([]byte, 4)),
		"OnConfig":   b.dev.OnConfigWrite(InitEnableOffset, 4),
		"OnBARWrite": b.dev.OnBARReprogram(0, 0),
	}
	_, checks["Flags"] = b.dev.Flags()
	_, checks["BAR0"] = b.dev.BAR0()
	_, checks["Regions"] = b.dev.Regions()
	for name, err := range checks {
		if !errors.Is(err, ErrDetached) {
			t.Errorf("%s after detach: %v, want ErrDetached", name, err)
		}
	}
}

func TestRegistersGateOnInitEnable(t *testing.T) {
	b := newTestBoard(t, Options{})
	base := b.enableMemory(t)
	regs, err := b.dev.Registers()
	if err != nil {
		t.Fatalf("Registers: %v", err)
	}
	var fbiInit0 uint32
	if err := regs.Add(Register{
		Name:   "fbiInit0",
		Offset: RegFbiInit0,
		Gate:   GateInit,
		Read:   func() uint32 { return fbiInit0 },
		Write:  func(v uint32) { fbiInit0 = v },
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	write := func(v uint32) {
		t.Helper()
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, v)
		if err := b.machine.HandleMMIO(base+RegFbiInit0, data, true); err != nil {
			t.Fatalf("write fbiInit0: %v", err)
		}
	}

	write(0x1234)
	if fbiInit0 != 0 {
		t.Fatalf("write landed with init_writable clear: %#x", fbiInit0)
	}
	b.cfgWrite(t, InitEnableOffset, 4, 1)
	write(0x1234)
	if fbiInit0 != 0x1234 {
		t.Fatalf("fbiInit0 = %#x, want 0x1234", fbiInit0)
	}
	out := make([]byte, 4)
	if err := b.machine.HandleMMIO(base+RegFbiInit0, out, false); err != nil {
		t.Fatalf("read fbiInit0: %v", err)
	}
	if got := binary.LittleEndian.Uint32(out); got != 0x1234 {
		t.Errorf("read fbiInit0 = %#x", got)
	}
}

func TestNewRollsBackOnBARAllocationFailure(t *testing.T) {
	m := hv.NewMachine(hv.NewAddressSpace(testMMIOBase, 1<<20))
	host := pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: testECAMBase,
		ConfigSize: 1 << 20,
		MMIOBase:   testMMIOBase,
		MMIOSize:   1 << 20,
	})
	if err := m.AddDevice(host); err != nil {
		t.Fatalf("attach host bridge: %v", err)
	}

	dev, err := New(host, Options{Slot: 2})
	if err == nil {
		t.Fatal("New succeeded with a 1 MiB window")
	}
	if dev != nil {
		t.Errorf("New returned a device alongside %v", err)
	}
	if !strings.Contains(err.Error(), "allocate BAR0") {
		t.Errorf("error = %v", err)
	}
	if got := host.ConfigRead(0, 2, 0, pci.ConfigVendorID, 2); got != 0xffff {
		t.Errorf("vendor after failed New = %#x", got)
	}
	// The slot is free again: a retry fails on allocation, not registration.
	if _, err := New(host, Options{Slot: 2}); err == nil || !strings.Contains(err.Error(), "allocate BAR0") {
		t.Errorf("retry error = %v", err)
	}
}

func TestNewRejectsOccupiedSlot(t *testing.T) {
	b := newTestBoard(t, Options{})
	if _, err := New(b.host, Options{Slot: testSlot}); err == nil {
		t.Fatal("second device on the same slot accepted")
	}
	if _, err := New(b.host, Options{Slot: 0}); err == nil {
		t.Fatal("device on the root complex slot accepted")
	}
}
