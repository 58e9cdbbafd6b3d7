//go:build linux && amd64

package kvm

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memory"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func openVM(t *testing.T, cpus int) (hv.Hypervisor, hv.VirtualMachine) {
	t.Helper()
	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	vm, err := h.NewVirtualMachine(hv.VMConfig{NumCPUs: cpus, MemorySize: 4 << 20})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return h, vm
}

func TestOpenAndCloseTwice(t *testing.T) {
	_, vm := openVM(t, 1)
	if err := vm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMapMemoryConflict(t *testing.T) {
	_, vm := openVM(t, 1)

	mem := memory.NewManager(8 << 20)
	a, err := mem.Allocate(0, 2<<20, hv.MemoryRWX)
	if err != nil {
		t.Fatal(err)
	}
	b, err := mem.Allocate(4<<20, 2<<20, hv.MemoryRWX)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Free(a)
	defer mem.Free(b)

	if err := vm.MapMemory(0, a.Bytes(), hv.MemoryRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := vm.MapMemory(1<<20, b.Bytes(), hv.MemoryRWX); !errors.Is(err, hv.ErrMappingConflict) {
		t.Fatalf("overlapping MapMemory = %v, want ErrMappingConflict", err)
	}
	if err := vm.UnmapMemory(0, 2<<20); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
	if err := vm.UnmapMemory(0, 2<<20); err != nil {
		t.Fatalf("second UnmapMemory: %v", err)
	}
	if err := vm.MapMemory(1<<20, b.Bytes(), hv.MemoryRWX); err != nil {
		t.Fatalf("MapMemory after unmap: %v", err)
	}
	if err := vm.UnmapMemory(1<<20, 2<<20); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
}

func TestVCPULimit(t *testing.T) {
	h, vm := openVM(t, 1)

	if _, err := vm.NewVirtualCPU(h.MaxCPUs()); !errors.Is(err, hv.ErrResourceExhausted) {
		t.Fatalf("NewVirtualCPU(%d) = %v, want ErrResourceExhausted", h.MaxCPUs(), err)
	}
}

// guestCode stores to an MMIO address, reads it back, prints the low byte
// to port 0x3f8 and halts with interrupts disabled.
var guestCode = []byte{
	0xb8, 0x00, 0x00, 0x00, 0xd0, // mov eax, 0xd0000000
	0xc7, 0x00, 0x78, 0x56, 0x34, 0x12, // mov dword [rax], 0x12345678
	0x8b, 0x18, // mov ebx, [rax]
	0x66, 0xba, 0xf8, 0x03, // mov dx, 0x3f8
	0x88, 0xd8, // mov al, bl
	0xee, // out dx, al
	0xf4, // hlt
}

const (
	codeAddr = 0x10000
	pml4Addr = 0x1000
)

// identityMap writes page tables mapping the low 4 GiB with 2 MiB pages.
func identityMap(mem []byte) {
	const (
		present = 1
		rw      = 1 << 1
		ps      = 1 << 7
		pdpt    = pml4Addr + 0x1000
		pd      = pml4Addr + 0x2000
	)
	binary.LittleEndian.PutUint64(mem[pml4Addr:], pdpt|present|rw)
	for gib := uint64(0); gib < 4; gib++ {
		binary.LittleEndian.PutUint64(mem[pdpt+gib*8:], (pd+gib*0x1000)|present|rw)
		for i := uint64(0); i < 512; i++ {
			phys := gib<<30 | i<<21
			binary.LittleEndian.PutUint64(mem[pd+gib*0x1000+i*8:], phys|present|rw|ps)
		}
	}
}

func TestRunGuestExits(t *testing.T) {
	_, vm := openVM(t, 1)

	mem := memory.NewManager(4 << 20)
	region, err := mem.Allocate(0, 4<<20, hv.MemoryRWX)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Free(region)
	identityMap(region.Bytes())
	copy(region.Bytes()[codeAddr:], guestCode)

	if err := vm.MapMemory(0, region.Bytes(), hv.MemoryRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	defer vm.UnmapMemory(0, region.Size())

	cpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	if err := cpu.(hv.LongModeCPU).EnterLongMode(pml4Addr); err != nil {
		t.Fatalf("EnterLongMode: %v", err)
	}
	if err := cpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(codeAddr),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exit, err := cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitMMIO || !exit.IsWrite || exit.Addr != 0xd0000000 {
		t.Fatalf("first exit = %v, want MMIO write at 0xd0000000", exit)
	}
	if got := binary.LittleEndian.Uint32(exit.Data); got != 0x12345678 {
		t.Fatalf("MMIO write data = %#x", got)
	}

	exit, err = cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitMMIO || exit.IsWrite || len(exit.Data) != 4 {
		t.Fatalf("second exit = %v, want 4 byte MMIO read", exit)
	}
	binary.LittleEndian.PutUint32(exit.Data, 0xab)

	exit, err = cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitPIO || !exit.IsWrite || exit.Addr != 0x3f8 {
		t.Fatalf("third exit = %v, want PIO write to 0x3f8", exit)
	}
	if exit.Data[0] != 0xab {
		t.Fatalf("guest printed %#x, want the value returned by the MMIO read", exit.Data[0])
	}

	// The in-kernel irqchip keeps the halted vCPU inside KVM_RUN, so only a
	// kick gets it out.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	exit, err = cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitCanceled {
		t.Fatalf("exit after cancel = %v, want canceled", exit)
	}

	if err := cpu.Close(); err != nil {
		t.Fatalf("Close vCPU: %v", err)
	}
	if err := cpu.Close(); err != nil {
		t.Fatalf("second Close vCPU: %v", err)
	}
}
