package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/sst1/internal/hv"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// ConfigWriteObserver is implemented by endpoints that need to react to
// configuration writes. The host calls it after every write has been
// committed to the endpoint's config space, with the byte range written.
type ConfigWriteObserver interface {
	OnConfigWrite(offset uint16, size uint8) error
}

// Resetter is implemented by endpoints that take part in a host reset.
type Resetter interface {
	Reset() error
}

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(io bool, size uint32, align uint32) (uint64, error)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) Allocate(io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	align64 := uint64(align)
	base := (a.next + align64 - 1) &^ (align64 - 1)
	if base < a.base || base+uint64(size) < base || base+uint64(size) > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + uint64(size)
	return base, nil
}

// addressSpaceAllocator places BARs in a VM's address space.
type addressSpaceAllocator struct {
	space *hv.AddressSpace
}

func (a addressSpaceAllocator) Allocate(io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if align == 0 {
		align = size
	}
	alloc, err := a.space.Allocate(hv.MMIOAllocationRequest{
		Name:      "pci-bar",
		Size:      uint64(size),
		Alignment: uint64(align),
	})
	if err != nil {
		return 0, err
	}
	return alloc.Base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type deviceSlot struct {
	endpoint Endpoint
	provider ConfigSpace
}

// barWrite reports which BAR a committed write touched. Writes of any width
// count. A full-dword all-ones write is a sizing probe, not a reprogram.
func barWrite(offset uint16, size uint8, value uint32) (int, bool) {
	if !RangesOverlap(uint32(offset), uint32(size), type0BAROffset, type0BARCount*type0BARStride) {
		return 0, false
	}
	if size == 4 && value == 0xffff_ffff {
		return 0, false
	}
	start := max(offset, type0BAROffset)
	return int((start - type0BAROffset) / type0BARStride), true
}

// DeviceHandle exposes helper methods for registered endpoints.
type DeviceHandle struct {
	host *HostBridge
	key  deviceKey
}

// AllocateMemoryBAR reserves MMIO space for the supplied BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	return h.host.allocateBAR(h.key, index, false, size, align)
}

// Location returns the bus, device and function numbers of the endpoint.
func (h *DeviceHandle) Location() (bus, device, function uint8) {
	return h.key.bus, h.key.dev, h.key.fn
}

// Unregister removes the endpoint from the host bridge. Later config
// accesses to its location read as all-ones and writes are dropped.
func (h *DeviceHandle) Unregister() error {
	if h == nil || h.host == nil {
		return fmt.Errorf("pci device handle is nil")
	}
	return h.host.unregister(h.key)
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	RootVendorID uint16
	RootDeviceID uint16
	MaxBus       uint8
	BARAllocator BARAllocator
}

// HostBridge implements a minimal ECAM-capable PCI root complex.
type HostBridge struct {
	configBase uint64
	configSize uint64

	mmioBase uint64
	mmioSize uint64

	rootVendorID uint16
	rootDeviceID uint16
	maxBus       uint8

	barAllocator BARAllocator

	mu      sync.Mutex
	devices map[deviceKey]*deviceSlot
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultConfigSize = 1 << 20 // 1 MiB covers bus 0
		defaultMMIOBase   = 0x20000000
		defaultMMIOSize   = 0x10000000
	)

	h := &HostBridge{
		configBase: cfg.ConfigBase,
		configSize: cfg.ConfigSize,
		mmioBase:   cfg.MMIOBase,
		mmioSize:   cfg.MMIOSize,
		rootVendorID: func() uint16 {
			if cfg.RootVendorID != 0 {
				return cfg.RootVendorID
			}
			return 0x1af4
		}(),
		rootDeviceID: func() uint16 {
			if cfg.RootDeviceID != 0 {
				return cfg.RootDeviceID
			}
			return 0x0001
		}(),
		maxBus:       cfg.MaxBus,
		barAllocator: cfg.BARAllocator,
		devices:      make(map[deviceKey]*deviceSlot),
	}
	if h.configSize == 0 {
		h.configSize = defaultConfigSize
	}
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	return h
}

// Init implements hv.Device. The ECAM window is reserved in the VM's address
// space and, unless an allocator was configured, BARs are placed there too.
func (h *HostBridge) Init(vm hv.VirtualMachine) error {
	space := vm.AddressSpace()
	if space == nil {
		return nil
	}
	if err := space.RegisterFixed("pci-ecam", h.configBase, h.configSize); err != nil {
		return fmt.Errorf("pci host bridge: %w", err)
	}
	h.mu.Lock()
	if h.barAllocator == nil {
		h.barAllocator = addressSpaceAllocator{space: space}
	}
	h.mu.Unlock()
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	if h.configSize == 0 {
		return nil
	}
	return []hv.MMIORegion{{
		Address: h.configBase,
		Size:    h.configSize,
	}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			curOffset++
			remaining--
			continue
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.readConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			if cursor+i < len(data) {
				data[cursor+i] = byte(value >> (8 * i))
			}
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.writeConfig(key, reg, chunk, value)
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// ECAMAddress returns the guest physical address of a config register.
func (h *HostBridge) ECAMAddress(bus, device, function uint8, offset uint16) uint64 {
	return h.configBase | uint64(bus)<<20 | uint64(device&0x1f)<<15 | uint64(function&0x7)<<12 | uint64(offset&0xfff)
}

// ConfigRead performs a host-side configuration read, with the same result a
// guest would observe.
func (h *HostBridge) ConfigRead(bus, device, function uint8, offset uint16, size uint8) uint32 {
	return h.readConfig(deviceKey{bus: bus, dev: device, fn: function}, offset, size)
}

// ConfigWrite performs a host-side configuration write, including the
// BAR-reprogram and write-observer notifications a guest write triggers.
func (h *HostBridge) ConfigWrite(bus, device, function uint8, offset uint16, size uint8, value uint32) {
	h.writeConfig(deviceKey{bus: bus, dev: device, fn: function}, offset, size, value)
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	if offset >= h.configSize {
		return deviceKey{}, 0, false
	}
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if bus > h.maxBus {
		return deviceKey{}, 0, false
	}
	reg := uint16(offset & 0xfff)
	return deviceKey{bus: bus, dev: device, fn: function}, reg, true
}

func (h *HostBridge) readConfig(key deviceKey, offset uint16, size uint8) uint32 {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(key)
	if provider == nil {
		return maskValue(0xffff_ffff, size)
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return maskValue(0xffff_ffff, size)
	}
	return maskValue(value, size)
}

func (h *HostBridge) writeConfig(key deviceKey, offset uint16, size uint8, value uint32) {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return
	}
	provider := h.provider(key)
	if provider == nil {
		return
	}
	if err := provider.WriteConfig(offset, size, value); err != nil {
		slog.Debug("pci host bridge: config write rejected", "device", key, "offset", offset, "size", size, "err", err)
		return
	}

	var endpoint Endpoint
	h.mu.Lock()
	if slot := h.devices[key]; slot != nil {
		endpoint = slot.endpoint
	}
	h.mu.Unlock()

	if endpoint == nil {
		return
	}
	if barIdx, ok := barWrite(offset, size, value); ok {
		// Narrow writes only replace part of the BAR, so pass on the whole
		// committed register.
		barValue, err := provider.ReadConfig(uint16(type0BAROffset+barIdx*type0BARStride), 4)
		if err == nil {
			err = endpoint.OnBARReprogram(barIdx, barValue)
		}
		if err != nil {
			slog.Error("pci host bridge: BAR reprogram failed", "device", key, "bar", barIdx, "err", err)
		}
	}
	if observer, ok := endpoint.(ConfigWriteObserver); ok {
		if err := observer.OnConfigWrite(offset, size); err != nil {
			slog.Error("pci host bridge: config write hook failed", "device", key, "offset", offset, "size", size, "err", err)
		}
	}
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 {
		return 0xffff_ffff
	}
	if int(offset)+int(size) > 256 {
		return 0xffff_ffff
	}
	var buf [256]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = byte(ClassBridgeHost >> 16)
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint associates an endpoint with the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	if device > 0x1f || function > 0x7 {
		return nil, fmt.Errorf("invalid location %02x:%02x.%x", bus, device, function)
	}
	if device == 0 && function == 0 {
		return nil, fmt.Errorf("00:00.0 is reserved for the root complex")
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: bus, dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = &deviceSlot{
		endpoint: endpoint,
		provider: provider,
	}
	return &DeviceHandle{host: h, key: key}, nil
}

func (h *HostBridge) unregister(key deviceKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; !exists {
		return fmt.Errorf("no device registered at %s", key)
	}
	delete(h.devices, key)
	return nil
}

// Reset resets every registered endpoint that implements Resetter.
func (h *HostBridge) Reset() error {
	h.mu.Lock()
	endpoints := make([]Endpoint, 0, len(h.devices))
	for _, slot := range h.devices {
		endpoints = append(endpoints, slot.endpoint)
	}
	h.mu.Unlock()

	var firstErr error
	for _, ep := range endpoints {
		r, ok := ep.(Resetter)
		if !ok {
			continue
		}
		if err := r.Reset(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pci host bridge: reset: %w", err)
		}
	}
	return firstErr
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func (h *HostBridge) allocateBAR(key deviceKey, index int, io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	h.mu.Lock()
	if h.barAllocator == nil {
		h.barAllocator = newLinearAllocator(h.mmioBase, h.mmioSize)
	}
	allocator := h.barAllocator
	h.mu.Unlock()

	base, err := allocator.Allocate(io, size, align)
	if err != nil {
		return 0, err
	}
	if base > uint64(^uint32(0)) {
		return 0, fmt.Errorf("BAR %d at %#x does not fit a 32-bit BAR", index, base)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devices[key] == nil {
		return 0, fmt.Errorf("device not registered")
	}
	return base, nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
	_ ConfigSpace             = (*Config)(nil)
)
