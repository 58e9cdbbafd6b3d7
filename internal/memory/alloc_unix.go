//go:build unix

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hostAllocator maps anonymous private memory outside the Go heap so the
// hypervisor can pin it.
type hostAllocator struct{}

func (hostAllocator) Alloc(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %#x bytes: %w", size, err)
	}
	return mem, nil
}

func (hostAllocator) Free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
