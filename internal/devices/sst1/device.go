// Package sst1 emulates the PCI surface of a 3dfx Voodoo Graphics (SST-1)
// board: its configuration space, the initEnable register that gates
// privileged register writes, and the single BAR that maps the register
// window, frame buffer and texture memory.
//
// A Device is not safe for concurrent use. The hosting machine serializes
// every config, MMIO and lifecycle call against one instance.
package sst1

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/sst1/internal/devices/pci"
	"github.com/tinyrange/sst1/internal/hv"
	"github.com/tinyrange/sst1/internal/region"
)

const (
	VendorID3dfx          = 0x121a
	DeviceIDVoodoo        = 0x0001
	DeviceIDVoodoo2       = 0x0002
	InterfaceConventional = "conventional-pci-device"
	CategoryDisplay       = "display"
)

const (
	MMIOSize          = 4 << 20
	FrameBufferSize   = 4 << 20
	TextureMemorySize = 8 << 20
	BARSize           = MMIOSize + FrameBufferSize + TextureMemorySize
)

// Region names.
const (
	RegionMappedBase  = "sst1.mapped_base"
	RegionMMIO        = "sst1.mmio"
	RegionFrameBuffer = "sst1.frame_buffer"
	RegionTextureMem  = "sst1.texture_mem"
)

var ErrDetached = errors.New("sst1: device detached")

// Variant selects the PCI device ID.
type Variant int

const (
	VariantVoodoo Variant = iota
	VariantVoodoo2
)

// DeviceID returns the PCI device ID of the variant.
func (v Variant) DeviceID() uint16 {
	if v == VariantVoodoo2 {
		return DeviceIDVoodoo2
	}
	return DeviceIDVoodoo
}

func (v Variant) String() string {
	switch v {
	case VariantVoodoo:
		return "voodoo1"
	case VariantVoodoo2:
		return "voodoo2"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant accepts the names printed by Variant.String.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "voodoo1", "voodoo":
		return VariantVoodoo, nil
	case "voodoo2":
		return VariantVoodoo2, nil
	default:
		return 0, fmt.Errorf("unknown sst1 variant %q", s)
	}
}

// State is the lifecycle state of a Device.
type State int

const (
	StateUnattached State = iota
	StateConstructed
	StateActive
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateConstructed:
		return "constructed"
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configure a Device.
type Options struct {
	Variant  Variant
	Slot     uint8
	Function uint8
	Policy   Policy
}

// Info is what the device declares to the host.
type Info struct {
	VendorID     uint16
	DeviceID     uint16
	ClassCode    uint32
	Interfaces   []string
	Hotpluggable bool
	Category     string
}

// Device is one attached SST-1 board.
type Device struct {
	opts Options

	config *pci.Config
	tree   *region.Tree
	mmio   *Dispatcher
	handle *pci.DeviceHandle
	vm     hv.VirtualMachine

	barBase    uint64
	initEnable uint32
	flags      EnableFlags
	state      State
}

// New constructs the device and attaches it to host: it composes the BAR
// regions, registers the endpoint and places BAR0. On error nothing stays
// registered and no backing memory is kept.
func New(host *pci.HostBridge, opts Options) (*Device, error) {
	if host == nil {
		return nil, fmt.Errorf("sst1: host bridge is nil")
	}
	d := &Device{opts: opts, state: StateUnattached}
	d.mmio = NewDispatcher(MMIOSize, func() EnableFlags { return d.flags })

	tree, err := region.Compose(RegionMappedBase, BARSize,
		region.NewDispatch(RegionMMIO, MMIOSize, regionHandler{d: d.mmio}),
		region.NewStorage(RegionFrameBuffer, FrameBufferSize),
		region.NewStorage(RegionTextureMem, TextureMemorySize),
	)
	if err != nil {
		return nil, fmt.Errorf("sst1: compose regions: %w", err)
	}
	d.tree = tree

	d.config = pci.NewConfig(pci.Header{
		VendorID:  VendorID3dfx,
		DeviceID:  opts.Variant.DeviceID(),
		ClassCode: pci.ClassDisplayOther,
	})
	if err := d.config.SetBAR(0, BARSize, pci.BARSpaceMemory); err != nil {
		d.abort()
		return nil, fmt.Errorf("sst1: declare BAR0: %w", err)
	}
	d.state = StateConstructed

	handle, err := host.RegisterEndpoint(0, opts.Slot, opts.Function, d)
	if err != nil {
		d.abort()
		return nil, fmt.Errorf("sst1: register pci endpoint: %w", err)
	}
	d.handle = handle

	base, err := handle.AllocateMemoryBAR(0, BARSize, BARSize)
	if err != nil {
		d.abort()
		return nil, fmt.Errorf("sst1: allocate BAR0: %w", err)
	}
	d.config.SetLong(pci.ConfigBAR0, uint32(base)|pci.BARSpaceMemory)
	d.barBase = base

	d.config.SetLong(InitEnableOffset, 0)
	d.initEnable = 0
	d.flags = EnableFlags{}
	d.state = StateActive

	slog.Debug("sst1: attached", "variant", opts.Variant, "slot", opts.Slot, "bar0", fmt.Sprintf("%#x", base))
	return d, nil
}

func (d *Device) abort() {
	if d.handle != nil {
		_ = d.handle.Unregister()
		d.handle = nil
	}
	if d.tree != nil {
		_ = d.tree.Release()
	}
	d.state = StateUnattached
}

func (d *Device) checkActive() error {
	if d.state == StateDetached {
		return ErrDetached
	}
	if d.state != StateActive {
		return fmt.Errorf("sst1: device is %s", d.state)
	}
	return nil
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	if err := d.checkActive(); err != nil {
		return err
	}
	d.vm = vm
	return nil
}

// Info returns the identification the device declares to the host.
func (d *Device) Info() Info {
	return Info{
		VendorID:     VendorID3dfx,
		DeviceID:     d.opts.Variant.DeviceID(),
		ClassCode:    pci.ClassDisplayOther,
		Interfaces:   []string{InterfaceConventional},
		Hotpluggable: false,
		Category:     CategoryDisplay,
	}
}

// State returns the lifecycle state.
func (d *Device) State() State {
	return d.state
}

// Flags returns the enable flags derived from the last initEnable write.
func (d *Device) Flags() (EnableFlags, error) {
	if err := d.checkActive(); err != nil {
		return EnableFlags{}, err
	}
	return d.flags, nil
}

// InitEnable returns the initEnable register as last written. Under
// PolicyMask it keeps any undefined bits the guest set, while Flags only
// reflects bits 0-2.
func (d *Device) InitEnable() (uint32, error) {
	if err := d.checkActive(); err != nil {
		return 0, err
	}
	return d.initEnable, nil
}

// BAR0 returns the guest physical base of the mapped window.
func (d *Device) BAR0() (uint64, error) {
	if err := d.checkActive(); err != nil {
		return 0, err
	}
	return d.barBase, nil
}

// Regions returns the composed region tree.
func (d *Device) Regions() (*region.Tree, error) {
	if err := d.checkActive(); err != nil {
		return nil, err
	}
	return d.tree, nil
}

// Registers returns the MMIO register table, for installing handlers.
func (d *Device) Registers() (*Dispatcher, error) {
	if err := d.checkActive(); err != nil {
		return nil, err
	}
	return d.mmio, nil
}

// Location returns the PCI bus, device and function of the endpoint.
func (d *Device) Location() (bus, device, function uint8, err error) {
	if err := d.checkActive(); err != nil {
		return 0, 0, 0, err
	}
	bus, device, function = d.handle.Location()
	return bus, device, function, nil
}

// Reset clears initEnable in config space and re-derives the flags. Region
// contents are left alone.
func (d *Device) Reset() error {
	if err := d.checkActive(); err != nil {
		return err
	}
	d.config.SetLong(InitEnableOffset, 0)
	d.updateInitEnable(0)
	return nil
}

// Close detaches the device: the endpoint is unregistered, the device is
// removed from its machine and backing memory is released. Every later call
// returns ErrDetached.
func (d *Device) Close() error {
	if err := d.checkActive(); err != nil {
		return err
	}
	var errs []error
	if err := d.handle.Unregister(); err != nil {
		errs = append(errs, err)
	}
	if d.vm != nil {
		if err := d.vm.RemoveDevice(d); err != nil {
			errs = append(errs, err)
		}
		d.vm = nil
	}
	if err := d.tree.Release(); err != nil {
		errs = append(errs, err)
	}
	d.handle = nil
	d.state = StateDetached
	slog.Debug("sst1: detached")
	if len(errs) > 0 {
		return fmt.Errorf("sst1: detach: %w", errors.Join(errs...))
	}
	return nil
}

// ConfigSpace implements pci.Endpoint. The returned storage is the canonical
// config space; the host writes into it before calling OnConfigWrite.
func (d *Device) ConfigSpace() pci.ConfigSpace {
	return d.config
}

// OnBARReprogram implements pci.Endpoint.
func (d *Device) OnBARReprogram(index int, value uint32) error {
	if err := d.checkActive(); err != nil {
		return err
	}
	if index == 0 {
		d.syncBAR0()
	}
	return nil
}

// syncBAR0 moves the decoded window to the base held in config space. A base
// whose window would reach the top of the 32-bit space, which is what a
// sizing probe leaves behind, is treated as unmapped.
func (d *Device) syncBAR0() {
	base := d.config.BAR(0)
	if base+BARSize > 1<<32-1 {
		base = 0
	}
	if base == d.barBase {
		return
	}
	d.barBase = base
	slog.Debug("sst1: BAR0 moved", "base", fmt.Sprintf("%#x", base))
}

// MMIORegions implements hv.MemoryMappedIODevice. The window is only decoded
// while memory space is enabled in the command register.
func (d *Device) MMIORegions() []hv.MMIORegion {
	if d.state != StateActive || d.barBase == 0 {
		return nil
	}
	if d.config.Command()&pci.CommandMemorySpace == 0 {
		return nil
	}
	return []hv.MMIORegion{{Address: d.barBase, Size: BARSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if err := d.checkActive(); err != nil {
		return err
	}
	if addr < d.barBase {
		clear(data)
		return nil
	}
	return d.tree.Read(addr-d.barBase, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if err := d.checkActive(); err != nil {
		return err
	}
	if addr < d.barBase {
		return nil
	}
	return d.tree.Write(addr-d.barBase, data)
}

var (
	_ hv.MemoryMappedIODevice = (*Device)(nil)
	_ pci.Endpoint            = (*Device)(nil)
	_ pci.ConfigWriteObserver = (*Device)(nil)
	_ pci.Resetter            = (*Device)(nil)
)
