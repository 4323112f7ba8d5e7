//go:build !unix

package region

import "fmt"

func allocBacking(name string, size uint64) ([]byte, error) {
	if size > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("region %s: size 0x%x exceeds address space", name, size)
	}
	return make([]byte, size), nil
}

func freeBacking([]byte) error { return nil }
