package hv

import (
	"fmt"
	"sync"
)

// Guest physical layout per architecture. RAM starts at the RAM base and
// device windows are handed out from a fixed region that never overlaps it.
// x86 devices use the edge triggered ISA lines of the IO-APIC.
const (
	AMD64RAMBase      = 0x0
	AMD64DeviceBase   = 0xd0000000
	AMD64DeviceLimit  = AMD64IOAPICBase
	AMD64FirstIRQLine = 5
	AMD64LastIRQLine  = 15

	ARM64RAMBase      = 0x40000000
	ARM64DeviceBase   = 0x0a000000
	ARM64DeviceLimit  = 0x0c000000
	ARM64FirstIRQLine = 16
	ARM64LastIRQLine  = 255
)

// RAMBase returns the guest physical address of RAM for arch.
func RAMBase(arch CpuArchitecture) uint64 {
	if arch == ArchitectureARM64 {
		return ARM64RAMBase
	}
	return AMD64RAMBase
}

// MaxRAM bounds the RAM size so that RAM stays clear of the device window.
func MaxRAM(arch CpuArchitecture) uint64 {
	if arch == ArchitectureARM64 {
		return 1 << 39
	}
	return AMD64DeviceBase
}

// DeviceAllocation is an MMIO window and interrupt line assigned to one
// device.
type DeviceAllocation struct {
	Name string
	Base uint64
	Size uint64
	// IRQ is the value passed to InjectInterrupt: the GSI on x86, the SPI
	// number on arm64.
	IRQ uint32
}

// AddressSpace hands out device windows and interrupt lines for a VM.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	next    uint64
	limit   uint64
	nextIRQ uint32
	lastIRQ uint32

	allocations []DeviceAllocation
}

// NewAddressSpace creates the layout of a VM with ramSize bytes of RAM.
func NewAddressSpace(arch CpuArchitecture, ramSize uint64) (*AddressSpace, error) {
	if ramSize > MaxRAM(arch) {
		return nil, fmt.Errorf("address_space: %d bytes of RAM does not fit below %#x", ramSize, MaxRAM(arch))
	}
	a := &AddressSpace{
		arch:    arch,
		ramBase: RAMBase(arch),
		ramSize: ramSize,
	}
	switch arch {
	case ArchitectureARM64:
		a.next, a.limit = ARM64DeviceBase, ARM64DeviceLimit
		a.nextIRQ, a.lastIRQ = ARM64FirstIRQLine, ARM64LastIRQLine
	case ArchitectureX86_64:
		a.next, a.limit = AMD64DeviceBase, AMD64DeviceLimit
		a.nextIRQ, a.lastIRQ = AMD64FirstIRQLine, AMD64LastIRQLine
	default:
		return nil, fmt.Errorf("address_space: unsupported architecture %q", arch)
	}
	return a, nil
}

// Allocate reserves size bytes (rounded to 4 KiB) and the next free
// interrupt line for a device.
func (a *AddressSpace) Allocate(name string, size uint64) (DeviceAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return DeviceAllocation{}, fmt.Errorf("address_space: zero-size window for %s", name)
	}
	size = alignUp(size, 0x1000)
	if a.next+size > a.limit {
		return DeviceAllocation{}, fmt.Errorf("address_space: no room for %s: %w", name, ErrResourceExhausted)
	}
	irq := a.nextIRQ
	if a.arch == ArchitectureX86_64 && irq == 8 {
		irq++ // RTC
	}
	if irq > a.lastIRQ {
		return DeviceAllocation{}, fmt.Errorf("address_space: no interrupt line for %s: %w", name, ErrResourceExhausted)
	}

	alloc := DeviceAllocation{Name: name, Base: a.next, Size: size, IRQ: irq}
	a.allocations = append(a.allocations, alloc)
	a.next += size
	a.nextIRQ = irq + 1
	return alloc, nil
}

// Allocations returns a copy of every allocation in order.
func (a *AddressSpace) Allocations() []DeviceAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]DeviceAllocation(nil), a.allocations...)
}

func (a *AddressSpace) Architecture() CpuArchitecture { return a.arch }
func (a *AddressSpace) RAMBase() uint64               { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64               { return a.ramSize }
func (a *AddressSpace) RAMEnd() uint64                { return a.ramBase + a.ramSize }

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
