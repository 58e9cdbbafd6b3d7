//go:build darwin && arm64

package hvf

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memory"
)

func openVM(t *testing.T, cpus int) (hv.Hypervisor, hv.VirtualMachine) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("Hypervisor.framework not available: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	vm, err := h.NewVirtualMachine(hv.VMConfig{NumCPUs: cpus, MemorySize: 4 << 20})
	if errors.Is(err, hv.ErrBackendUnavailable) {
		t.Skipf("Hypervisor.framework denied VM creation: %v", err)
	}
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return h, vm
}

func TestDecodeDataAbort(t *testing.T) {
	// str w1, [x0]: ISV, SAS=2 (4 bytes), SRT=1, WnR.
	syndrome := uint64(exceptionClassDataAbortLowerEL)<<exceptionClassShift | 1<<24 | 2<<22 | 1<<16 | 1<<6
	info, err := decodeDataAbort(syndrome)
	if err != nil {
		t.Fatal(err)
	}
	if info.size != 4 || !info.write || info.target != hv.RegisterARM64X1 {
		t.Fatalf("decodeDataAbort = %+v", info)
	}

	// ldrsb x3, [x0]: SAS=0, SSE, SRT=3, SF.
	syndrome = 1<<24 | 1<<21 | 3<<16 | 1<<15
	info, err = decodeDataAbort(syndrome)
	if err != nil {
		t.Fatal(err)
	}
	if info.size != 1 || info.write || !info.signExtend || !info.sixtyFour || info.target != hv.RegisterARM64X0+3 {
		t.Fatalf("decodeDataAbort = %+v", info)
	}

	// Register 31 is the zero register for loads and stores.
	info, err = decodeDataAbort(1<<24 | 31<<16)
	if err != nil {
		t.Fatal(err)
	}
	if info.target != hv.RegisterARM64Xzr {
		t.Fatalf("SRT 31 decoded as %v", info.target)
	}

	if _, err := decodeDataAbort(2 << 22); err == nil {
		t.Fatal("decodeDataAbort accepted a syndrome without ISV")
	}
}

func TestSecondVMRefused(t *testing.T) {
	h, _ := openVM(t, 1)
	if _, err := h.NewVirtualMachine(hv.VMConfig{NumCPUs: 1, MemorySize: 1 << 20}); err == nil {
		t.Fatal("second NewVirtualMachine succeeded")
	}
}

func TestMapMemoryConflict(t *testing.T) {
	_, vm := openVM(t, 1)

	mem := memory.NewManager(8 << 20)
	a, err := mem.Allocate(0, 2<<20, hv.MemoryRWX)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Free(a)

	if err := vm.MapMemory(0x40000000, a.Bytes(), hv.MemoryRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := vm.MapMemory(0x40100000, a.Bytes(), hv.MemoryRWX); !errors.Is(err, hv.ErrMappingConflict) {
		t.Fatalf("overlapping MapMemory = %v, want ErrMappingConflict", err)
	}
	if err := vm.UnmapMemory(0x40000000, 2<<20); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
	if err := vm.UnmapMemory(0x40000000, 2<<20); err != nil {
		t.Fatalf("second UnmapMemory: %v", err)
	}
}

// guestCode stores to an MMIO address, loads it back, stores the loaded
// value at the next word and powers off through PSCI.
var guestCode = []uint32{
	0xD2BA0000, // movz x0, #0xd000, lsl #16
	0x528ACF01, // movz w1, #0x5678
	0x72A24681, // movk w1, #0x1234, lsl #16
	0xB9000001, // str  w1, [x0]
	0xB9400002, // ldr  w2, [x0]
	0xB9000402, // str  w2, [x0, #4]
	0xD2800100, // movz x0, #0x8
	0xF2B08000, // movk x0, #0x8400, lsl #16
	0xD4000002, // hvc  #0
}

const ramBase = 0x40000000

func TestRunGuestExits(t *testing.T) {
	_, vm := openVM(t, 1)

	mem := memory.NewManager(4 << 20)
	region, err := mem.Allocate(ramBase, 4<<20, hv.MemoryRWX)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Free(region)
	for i, insn := range guestCode {
		binary.LittleEndian.PutUint32(region.Bytes()[i*4:], insn)
	}
	if err := vm.MapMemory(ramBase, region.Bytes(), hv.MemoryRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	cpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	if err := cpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pc:     hv.Register64(ramBase),
		hv.RegisterARM64Pstate: hv.Register64(hv.ARM64PstateEL1hMasked),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	ctx := context.Background()

	exit, err := cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitMMIO || !exit.IsWrite || exit.Addr != 0xd0000000 || len(exit.Data) != 4 {
		t.Fatalf("first exit = %v, want 4 byte MMIO write at 0xd0000000", exit)
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
	if exit.Kind != hv.ExitMMIO || !exit.IsWrite || exit.Addr != 0xd0000004 {
		t.Fatalf("third exit = %v, want MMIO write at 0xd0000004", exit)
	}
	if got := binary.LittleEndian.Uint32(exit.Data); got != 0xab {
		t.Fatalf("guest stored %#x, want the value returned by the MMIO read", got)
	}

	exit, err = cpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitShutdown {
		t.Fatalf("fourth exit = %v, want shutdown", exit)
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterARM64X2: nil}
	if err := cpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterARM64X2] != hv.Register64(0xab) {
		t.Fatalf("x2 = %v, want 0xab", regs[hv.RegisterARM64X2])
	}

	if err := cpu.Close(); err != nil {
		t.Fatalf("Close vCPU: %v", err)
	}
	if err := cpu.Close(); err != nil {
		t.Fatalf("second Close vCPU: %v", err)
	}
}
