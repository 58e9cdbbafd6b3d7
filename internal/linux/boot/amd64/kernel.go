// Package amd64 loads Linux kernels for the x86-64 boot protocol.
package amd64

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnsupportedFormat is returned for images that are neither a bzImage
	// with a 64-bit entry point nor an x86 ELF executable.
	ErrUnsupportedFormat = errors.New("amd64: unsupported kernel format")
	// ErrTooLarge is returned when the kernel, initrd and boot structures do
	// not fit into guest RAM.
	ErrTooLarge = errors.New("amd64: image does not fit in guest RAM")
)

type kernelFormat int

const (
	kernelFormatBzImage kernelFormat = iota
	kernelFormatELF
)

func (f kernelFormat) String() string {
	if f == kernelFormatELF {
		return "elf"
	}
	return "bzImage"
}

type elfSegment struct {
	physAddr uint64
	memSize  uint64
	data     []byte
}

// KernelImage is a parsed kernel held in host memory.
type KernelImage struct {
	format kernelFormat

	// bzImage
	Data          []byte
	Header        SetupHeader
	HeaderBytes   []byte
	PayloadOffset int

	// ELF
	elfSegments []elfSegment
	elfEntry    uint64
	elfMinPhys  uint64
	elfMaxPhys  uint64
}

// LoadKernel detects the image format and parses it.
func LoadKernel(kernel io.ReaderAt, kernelSize int64) (*KernelImage, error) {
	var magic [4]byte
	if _, err := kernel.ReadAt(magic[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: image is %d bytes", ErrUnsupportedFormat, kernelSize)
		}
		return nil, fmt.Errorf("read kernel image header: %w", err)
	}
	if bytes.Equal(magic[:], []byte{0x7f, 'E', 'L', 'F'}) {
		return loadELFKernel(kernel)
	}
	return LoadBzImage(kernel, kernelSize)
}

func (k *KernelImage) Format() string { return k.format.String() }

// DefaultLoadAddress picks where a bzImage payload goes: pref_address when
// set, 1 MiB for LOADED_HIGH kernels, 64 KiB otherwise. ELF images always
// load at their physical addresses.
func (k *KernelImage) DefaultLoadAddress() uint64 {
	if k.format == kernelFormatELF {
		return k.elfMinPhys
	}
	if k.Header.PrefAddress != 0 {
		return k.Header.PrefAddress
	}
	if k.Header.LoadFlags&loadedHigh != 0 {
		return 0x00100000
	}
	return 0x00010000
}

// EntryPoint returns the 64-bit entry for a payload loaded at loadAddr. The
// boot protocol puts startup_64 at load+0x200.
func (k *KernelImage) EntryPoint(loadAddr uint64) uint64 {
	if k.format == kernelFormatELF {
		return k.elfEntry
	}
	return loadAddr + 0x200
}

// footprint is the highest guest address the kernel touches before it has
// parsed the memory map.
func (k *KernelImage) footprint(loadAddr uint64) uint64 {
	if k.format == kernelFormatELF {
		return k.elfMaxPhys
	}
	size := uint64(len(k.Payload()))
	if init := uint64(k.Header.InitSize); init > size {
		size = init
	}
	return loadAddr + size
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
