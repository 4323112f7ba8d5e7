//go:build unix

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocBacking maps anonymous, zero-filled memory for a storage region.
func allocBacking(name string, size uint64) ([]byte, error) {
	if size > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("region %s: size 0x%x exceeds address space", name, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("region %s: mmap 0x%x bytes: %w", name, size, err)
	}
	return mem, nil
}

func freeBacking(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
