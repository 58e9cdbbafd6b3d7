package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrBackendUnavailable is returned when the host lacks a usable
	// hypervisor (missing device node, permission denied, feature disabled).
	ErrBackendUnavailable = errors.New("hypervisor backend unavailable")
	// ErrResourceExhausted is returned when creating a vCPU beyond the
	// platform limit.
	ErrResourceExhausted = errors.New("hypervisor resource exhausted")
	// ErrMappingConflict is returned when a guest physical range overlaps an
	// existing mapping.
	ErrMappingConflict = errors.New("guest memory mapping conflict")
	// ErrInternal wraps backend internal errors. The VM cannot continue.
	ErrInternal = errors.New("hypervisor internal error")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = ""
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ParseArchitecture accepts both GOARCH and kernel style names.
func ParseArchitecture(s string) (CpuArchitecture, error) {
	switch s {
	case "amd64", "x86_64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("unsupported architecture %q", s)
	}
}

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register int

const (
	RegisterInvalid Register = iota

	// AMD64 registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer

	// ARM64 registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Xzr
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
)

// ARM64GeneralRegister returns X<n> for n in [0, 30] and XZR for 31.
func ARM64GeneralRegister(n int) (Register, bool) {
	switch {
	case n >= 0 && n <= 30:
		return RegisterARM64X0 + Register(n), true
	case n == 31:
		return RegisterARM64Xzr, true
	default:
		return RegisterInvalid, false
	}
}

type MemoryFlags uint32

const (
	MemoryRead MemoryFlags = 1 << iota
	MemoryWrite
	MemoryExec

	MemoryRWX = MemoryRead | MemoryWrite | MemoryExec
)

// VirtualCPU is one guest processor. Run and the register accessors are only
// called by the goroutine that owns the vCPU; InjectInterrupt and Close may
// be called from any goroutine.
type VirtualCPU interface {
	ID() int
	VirtualMachine() VirtualMachine

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// Run enters the guest and returns on the next exit. Read data placed in
	// the returned Exit is committed to guest state by the following call.
	Run(ctx context.Context) (Exit, error)

	// InjectInterrupt asserts an interrupt and forces a running vCPU back
	// into the host so that it is delivered promptly.
	InjectInterrupt(vector uint32) error

	io.Closer
}

// LongModeCPU is implemented by x86 vCPUs that can be placed directly into
// 64-bit mode with flat segments and the given PML4 base.
type LongModeCPU interface {
	EnterLongMode(pml4 uint64) error
}

type VirtualMachine interface {
	Hypervisor() Hypervisor

	// MapMemory installs mem at guest physical address gpa. The backing
	// slice must stay valid until UnmapMemory returns.
	MapMemory(gpa uint64, mem []byte, flags MemoryFlags) error
	UnmapMemory(gpa uint64, size uint64) error

	NewVirtualCPU(id int) (VirtualCPU, error)

	io.Closer
}

type VMConfig struct {
	// NumCPUs is the number of vCPUs that will be created.
	NumCPUs int
	// MemorySize is the total guest RAM in bytes.
	MemorySize uint64
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture
	// MaxCPUs reports the platform vCPU limit.
	MaxCPUs() int

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}

// Range is a half-open guest physical interval.
type Range struct {
	Start uint64
	Size  uint64
}

func (r Range) End() uint64 { return r.Start + r.Size }

func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

func (r Range) Contains(addr, size uint64) bool {
	return addr >= r.Start && addr+size <= r.End() && addr+size >= addr
}

// MappingTable tracks guest physical mappings for backends. It is not safe
// for concurrent use.
type MappingTable struct {
	ranges []Range
}

func (t *MappingTable) Add(r Range) error {
	if r.Size == 0 {
		return fmt.Errorf("empty mapping at %#x: %w", r.Start, ErrMappingConflict)
	}
	for _, existing := range t.ranges {
		if existing.Overlaps(r) {
			return fmt.Errorf("[%#x, %#x) overlaps [%#x, %#x): %w",
				r.Start, r.End(), existing.Start, existing.End(), ErrMappingConflict)
		}
	}
	t.ranges = append(t.ranges, r)
	return nil
}

// Remove deletes an exact mapping and reports whether it existed.
func (t *MappingTable) Remove(r Range) bool {
	for i, existing := range t.ranges {
		if existing == r {
			t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
			return true
		}
	}
	return false
}

func (t *MappingTable) Len() int { return len(t.ranges) }

// Ranges returns a copy of the current mappings.
func (t *MappingTable) Ranges() []Range {
	return append([]Range(nil), t.ranges...)
}
