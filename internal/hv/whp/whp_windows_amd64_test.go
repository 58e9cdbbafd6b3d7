//go:build windows && amd64

package whp

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memory"
)

func TestPendingAccessTwoPasses(t *testing.T) {
	var a pendingAccess

	a.phase = phaseCapture
	first := []byte{0xff, 0xff, 0xff, 0xff}
	if hr := a.exchange(0xd0000000, false, first); hr != hrOK {
		t.Fatalf("capture = %v", hr)
	}
	if binary.LittleEndian.Uint32(first) != 0 {
		t.Fatalf("capture pass read returned %x, want zeroes", first)
	}
	if !a.captured || a.write || a.addr != 0xd0000000 || a.size != 4 {
		t.Fatalf("captured access = %+v", a)
	}

	binary.LittleEndian.PutUint32(a.data[:], 0xcafef00d)

	a.phase = phaseCommit
	second := make([]byte, 4)
	a.exchange(0xd0000000, false, second)
	if got := binary.LittleEndian.Uint32(second); got != 0xcafef00d {
		t.Fatalf("commit pass read = %#x, want %#x", got, 0xcafef00d)
	}
	third := []byte{1, 2, 3, 4}
	a.exchange(0xd0000004, false, third)
	if binary.LittleEndian.Uint32(third) != 0 {
		t.Fatalf("second element of the instruction read %x, want zeroes", third)
	}

	a.phase = phaseIdle
	if hr := a.exchange(0, true, []byte{1}); hr != hrFail {
		t.Fatalf("exchange outside emulation = %v, want failure", hr)
	}
}

func TestPendingAccessCapturesWrite(t *testing.T) {
	a := pendingAccess{phase: phaseCapture}
	a.exchange(0x3f8, true, []byte{'A'})
	a.exchange(0x3f8, true, []byte{'B'})
	if !a.write || a.size != 1 || a.data[0] != 'A' {
		t.Fatalf("captured access = %+v, want the first write", a)
	}
}

func TestIOAPICRedirectionTable(t *testing.T) {
	a := newIOAPIC(0)

	sel := func(idx uint32) {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], idx)
		a.write(hv.AMD64IOAPICBase, buf[:])
	}
	readWin := func() uint32 {
		var buf [4]byte
		a.read(hv.AMD64IOAPICBase+0x10, buf[:])
		return binary.LittleEndian.Uint32(buf[:])
	}

	sel(0x01)
	if got := readWin(); got>>16 != ioapicPins-1 {
		t.Fatalf("version register = %#x", got)
	}

	sel(0x10 + 2*5)
	if got := readWin(); got&(1<<16) == 0 {
		t.Fatalf("pin 5 not masked after reset: %#x", got)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0x31)
	a.write(hv.AMD64IOAPICBase+0x10, buf[:])
	if got := readWin(); got != 0x31 {
		t.Fatalf("pin 5 low word = %#x, want 0x31", got)
	}
	if !a.contains(hv.AMD64IOAPICBase+0x10) || a.contains(hv.AMD64IOAPICBase+hv.AMD64IOAPICSize) {
		t.Fatal("IO-APIC window bounds")
	}
}

func TestMapMemoryConflict(t *testing.T) {
	h, err := Open()
	if err != nil {
		t.Skipf("WHP not available: %v", err)
	}
	defer h.Close()

	vm, err := h.NewVirtualMachine(hv.VMConfig{NumCPUs: 1, MemorySize: 4 << 20})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	mem := memory.NewManager(8 << 20)
	a, err := mem.Allocate(0, 2<<20, hv.MemoryRWX)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Free(a)
	b, err := mem.Allocate(4<<20, 2<<20, hv.MemoryRWX)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Free(b)

	if err := vm.MapMemory(0, a.Bytes(), hv.MemoryRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := vm.MapMemory(1<<20, b.Bytes(), hv.MemoryRWX); !errors.Is(err, hv.ErrMappingConflict) {
		t.Fatalf("overlapping MapMemory = %v, want ErrMappingConflict", err)
	}
	if _, err := vm.NewVirtualCPU(1); !errors.Is(err, hv.ErrResourceExhausted) {
		t.Fatalf("NewVirtualCPU(1) = %v, want ErrResourceExhausted", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
