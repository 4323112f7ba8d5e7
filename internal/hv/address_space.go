package hv

import (
	"fmt"
	"sync"
)

// MMIOAllocationRequest describes a window a device wants placed in guest
// physical address space.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a window handed out by an AddressSpace.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// AddressSpace manages guest physical address allocation for device windows.
// Allocations are handed out linearly from [base, base+size).
type AddressSpace struct {
	mu sync.Mutex

	base uint64
	size uint64

	// nextMMIO is the next available address for MMIO allocation
	nextMMIO uint64

	// allocations holds all dynamically allocated MMIO regions
	allocations []MMIOAllocation

	// fixedRegions holds pre-determined MMIO regions (ECAM, legacy ports...)
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates an allocator for the window [base, base+size).
func NewAddressSpace(base, size uint64) *AddressSpace {
	return &AddressSpace{
		base:     base,
		size:     size,
		nextMMIO: alignUp(base, 0x1000),
	}
}

// Allocate allocates an MMIO region with the specified requirements.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000 // Default to 4KB alignment
	}

	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)

	if base < a.nextMMIO || base+size < base || base+size > a.base+a.size {
		return MMIOAllocation{}, fmt.Errorf("address_space: window exhausted allocating 0x%x bytes for %s", size, req.Name)
	}

	for _, fixed := range a.fixedRegions {
		if (MMIORegion{Address: fixed.Base, Size: fixed.Size}).Overlaps(MMIORegion{Address: base, Size: size}) {
			return MMIOAllocation{}, fmt.Errorf("address_space: %s [0x%x-0x%x) collides with fixed region %s",
				req.Name, base, base+size, fixed.Name)
		}
	}

	alloc := MMIOAllocation{
		Name: req.Name,
		Base: base,
		Size: size,
	}

	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size

	return alloc, nil
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps an existing allocation.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	region := MMIORegion{Address: base, Size: size}
	for _, set := range [][]MMIOAllocation{a.fixedRegions, a.allocations} {
		for _, existing := range set {
			if region.Overlaps(MMIORegion{Address: existing.Base, Size: existing.Size}) {
				return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
					name, base, base+size, existing.Name, existing.Base, existing.Base+existing.Size)
			}
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// Base returns the first address of the allocatable window.
func (a *AddressSpace) Base() uint64 {
	return a.base
}

// Size returns the size of the allocatable window.
func (a *AddressSpace) Size() uint64 {
	return a.size
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
