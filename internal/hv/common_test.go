package hv

import (
	"errors"
	"testing"
)

func TestMappingTable(t *testing.T) {
	var table MappingTable

	if err := table.Add(Range{Start: 0, Size: 0x1000}); err != nil {
		t.Fatal(err)
	}
	if err := table.Add(Range{Start: 0x2000, Size: 0x1000}); err != nil {
		t.Fatal(err)
	}
	for _, r := range []Range{
		{Start: 0x800, Size: 0x1000},
		{Start: 0x1fff, Size: 2},
		{Start: 0, Size: 0x10000},
		{Start: 0x5000, Size: 0},
	} {
		if err := table.Add(r); !errors.Is(err, ErrMappingConflict) {
			t.Errorf("Add(%+v) = %v, want ErrMappingConflict", r, err)
		}
	}
	if err := table.Add(Range{Start: 0x1000, Size: 0x1000}); err != nil {
		t.Fatalf("adjacent range rejected: %v", err)
	}

	if table.Remove(Range{Start: 0x2000, Size: 0x800}) {
		t.Fatal("Remove matched a partial range")
	}
	if !table.Remove(Range{Start: 0x2000, Size: 0x1000}) {
		t.Fatal("Remove missed an exact range")
	}
	if table.Remove(Range{Start: 0x2000, Size: 0x1000}) {
		t.Fatal("second Remove reported success")
	}
	if table.Len() != 2 {
		t.Fatalf("Len = %d, want 2", table.Len())
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: 0x1000, Size: 0x100}
	if !r.Contains(0x1000, 0x100) || r.Contains(0x10ff, 2) || r.Contains(0xfff, 1) {
		t.Fatal("Contains bounds")
	}
	if r.Contains(0x1010, ^uint64(0)) {
		t.Fatal("Contains accepted a wrapping access")
	}
}

func TestParseArchitecture(t *testing.T) {
	for in, want := range map[string]CpuArchitecture{
		"amd64": ArchitectureX86_64, "x86_64": ArchitectureX86_64,
		"arm64": ArchitectureARM64, "aarch64": ArchitectureARM64,
	} {
		got, err := ParseArchitecture(in)
		if err != nil || got != want {
			t.Errorf("ParseArchitecture(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseArchitecture("riscv64"); err == nil {
		t.Error("riscv64 accepted")
	}
}

func TestARM64GeneralRegister(t *testing.T) {
	if r, ok := ARM64GeneralRegister(0); !ok || r != RegisterARM64X0 {
		t.Fatal("X0")
	}
	if r, ok := ARM64GeneralRegister(30); !ok || r != RegisterARM64X30 {
		t.Fatal("X30")
	}
	if r, ok := ARM64GeneralRegister(31); !ok || r != RegisterARM64Xzr {
		t.Fatal("XZR")
	}
	if _, ok := ARM64GeneralRegister(32); ok {
		t.Fatal("32 accepted")
	}
}

func TestAddressSpaceAllocate(t *testing.T) {
	as, err := NewAddressSpace(ArchitectureX86_64, 256<<20)
	if err != nil {
		t.Fatal(err)
	}
	var irqs []uint32
	for i := 0; i < 5; i++ {
		a, err := as.Allocate("virtio", 0x200)
		if err != nil {
			t.Fatal(err)
		}
		if a.Size != 0x1000 || a.Base != AMD64DeviceBase+uint64(i)*0x1000 {
			t.Fatalf("allocation %d = %+v", i, a)
		}
		irqs = append(irqs, a.IRQ)
	}
	want := []uint32{5, 6, 7, 9, 10}
	for i := range want {
		if irqs[i] != want[i] {
			t.Fatalf("irqs = %v, want %v", irqs, want)
		}
	}

	arm, err := NewAddressSpace(ArchitectureARM64, 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	a, err := arm.Allocate("virtio", 0x200)
	if err != nil {
		t.Fatal(err)
	}
	if a.Base != ARM64DeviceBase || a.IRQ != ARM64FirstIRQLine {
		t.Fatalf("arm64 allocation = %+v", a)
	}
	if arm.RAMBase() != ARM64RAMBase || arm.RAMEnd() != ARM64RAMBase+1<<30 {
		t.Fatal("arm64 RAM layout")
	}

	if _, err := NewAddressSpace(ArchitectureX86_64, 4<<30); err == nil {
		t.Fatal("RAM overlapping the device window accepted")
	}
}

func TestAddressSpaceExhaustsLines(t *testing.T) {
	as, err := NewAddressSpace(ArchitectureX86_64, 16<<20)
	if err != nil {
		t.Fatal(err)
	}
	for {
		if _, err := as.Allocate("dev", 0x1000); err != nil {
			if !errors.Is(err, ErrResourceExhausted) {
				t.Fatalf("err = %v", err)
			}
			break
		}
	}
	if n := len(as.Allocations()); n != AMD64LastIRQLine-AMD64FirstIRQLine {
		t.Fatalf("allocated %d lines", n)
	}
}
