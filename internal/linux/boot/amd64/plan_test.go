package amd64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/hvtest"
	"github.com/tinyrange/vmm/internal/linux/boot/boottest"
	"github.com/tinyrange/vmm/internal/memory"
)

func guestRAM(t *testing.T, size uint64) *memory.Manager {
	t.Helper()
	m := memory.NewManager(size, memory.WithAllocator(memory.HeapAllocator{}), memory.WithPageSize(0x1000))
	_, err := m.Allocate(0, size, hv.MemoryRWX)
	require.NoError(t, err)
	return m
}

func loadImage(t *testing.T, img []byte) *KernelImage {
	t.Helper()
	k, err := LoadKernel(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	return k
}

func read(t *testing.T, mem *memory.Manager, gpa uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := mem.ReadAt(buf, int64(gpa))
	require.NoError(t, err)
	return buf
}

func TestPrepareBzImage(t *testing.T) {
	payload := bytes.Repeat([]byte{0x90}, 0x3000)
	k := loadImage(t, boottest.BzImage(payload, boottest.BzImageOptions{
		InitSize:    0x400000,
		PrefAddress: 0x1000000,
		Relocatable: true,
	}))
	require.Equal(t, "bzImage", k.Format())

	const ram = 64 << 20
	mem := guestRAM(t, ram)
	initrd := bytes.Repeat([]byte{0xab}, 0x2000)

	plan, err := k.Prepare(mem, BootOptions{
		Cmdline: "console=hvc0 quiet",
		Initrd:  initrd,
		NumCPUs: 2,
		RAMSize: ram,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(0x1000000), plan.LoadAddr)
	assert.Equal(t, uint64(0x1000200), plan.EntryGPA)
	assert.Equal(t, uint64(0x1400000), plan.KernelEnd)
	assert.Equal(t, uint64(ram-0x2000), plan.InitrdGPA)
	assert.Equal(t, uint64(0x2000), plan.InitrdSize)
	assert.Equal(t, uint64(ram-0x3000), plan.StackTopGPA)

	assert.Equal(t, payload, read(t, mem, plan.LoadAddr, len(payload)))
	assert.Equal(t, initrd, read(t, mem, plan.InitrdGPA, len(initrd)))
	assert.Equal(t, []byte("console=hvc0 quiet\x00"), read(t, mem, CmdlineGPA, 19))
	assert.Equal(t, []byte("RSD PTR "), read(t, mem, 0xe0000, 8))

	zp := read(t, mem, ZeroPageGPA, zeroPageSize)
	le := binary.LittleEndian
	assert.Equal(t, byte(loaderUnknown), zp[typeOfLoaderOffset])
	assert.Equal(t, "HdrS", string(zp[setupHeaderHeaderOffset:setupHeaderHeaderOffset+4]))
	assert.Equal(t, uint32(plan.LoadAddr), le.Uint32(zp[code32StartOffset:]))
	assert.Equal(t, uint32(CmdlineGPA), le.Uint32(zp[cmdLinePtrOffset:]))
	assert.Equal(t, uint32(plan.InitrdGPA), le.Uint32(zp[ramdiskImageOffset:]))
	assert.Equal(t, uint32(0x2000), le.Uint32(zp[ramdiskSizeOffset:]))
	assert.Equal(t, uint64(0xe0000), le.Uint64(zp[zeroPageACPIRSDPAddr:]))
	assert.NotZero(t, zp[loadFlagsOffset]&canUseHeap)

	require.Equal(t, byte(3), zp[zeroPageE820Entries])
	last := zeroPageE820Table + 2*e820EntrySize
	assert.Equal(t, uint64(0x100000), le.Uint64(zp[last:]))
	assert.Equal(t, uint64(ram-0x100000), le.Uint64(zp[last+8:]))
	assert.Equal(t, uint32(E820RAM), le.Uint32(zp[last+16:]))

	pml4 := read(t, mem, PML4GPA, 8)
	assert.Equal(t, uint64(PML4GPA+0x1000|ptePresent|pteWritable), le.Uint64(pml4))
	pd := read(t, mem, PML4GPA+2*0x1000+8, 8)
	assert.Equal(t, uint64(hugePageSize|ptePresent|pteWritable|pteHuge), le.Uint64(pd))
}

func TestPrepareELFClearsBSS(t *testing.T) {
	code := []byte{0xf4, 0xf4, 0xf4, 0xf4}
	k := loadImage(t, boottest.ELF64(0x200000, 0x200000, code, 0x1000))
	require.Equal(t, "elf", k.Format())

	const ram = 16 << 20
	mem := guestRAM(t, ram)
	_, err := mem.WriteAt(bytes.Repeat([]byte{0xff}, 0x2000), 0x200000)
	require.NoError(t, err)

	plan, err := k.Prepare(mem, BootOptions{Cmdline: "x", NumCPUs: 1, RAMSize: ram})
	require.NoError(t, err)

	assert.Equal(t, uint64(0x200000), plan.EntryGPA)
	assert.Equal(t, uint64(0x200000+len(code)+0x1000), plan.KernelEnd)
	assert.Equal(t, code, read(t, mem, 0x200000, len(code)))
	assert.Equal(t, make([]byte, 0x1000), read(t, mem, 0x200000+uint64(len(code)), 0x1000))
	// Past the segment is left alone.
	assert.Equal(t, byte(0xff), read(t, mem, 0x200000+uint64(len(code))+0x1000, 1)[0])
}

func TestLoadKernelRejectsUnknownFormats(t *testing.T) {
	for name, img := range map[string][]byte{
		"empty":       nil,
		"short":       []byte("hello"),
		"no magic":    make([]byte, 4096),
		"old":         boottest.BzImage(nil, boottest.BzImageOptions{Protocol: 0x0205}),
		"32-bit only": boottest.BzImage(nil, boottest.BzImageOptions{NoKernel64: true}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadKernel(bytes.NewReader(img), int64(len(img)))
			require.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

func TestPrepareRejectsOversizedImages(t *testing.T) {
	t.Run("kernel", func(t *testing.T) {
		k := loadImage(t, boottest.BzImage(make([]byte, 0x1000), boottest.BzImageOptions{
			InitSize:    0x800000,
			PrefAddress: 0x1000000,
		}))
		_, err := k.Prepare(guestRAM(t, 4<<20), BootOptions{RAMSize: 4 << 20})
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("initrd", func(t *testing.T) {
		k := loadImage(t, boottest.BzImage(make([]byte, 0x1000), boottest.BzImageOptions{
			InitSize:    0x400000,
			PrefAddress: 0x1000000,
		}))
		_, err := k.Prepare(guestRAM(t, 32<<20), BootOptions{
			RAMSize: 32 << 20,
			Initrd:  make([]byte, 16<<20),
		})
		require.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestConfigureVCPU(t *testing.T) {
	vm, err := hvtest.New().NewVirtualMachine(hv.VMConfig{NumCPUs: 2, MemorySize: 1 << 20})
	require.NoError(t, err)
	defer vm.Close()

	boot, err := vm.NewVirtualCPU(0)
	require.NoError(t, err)
	ap, err := vm.NewVirtualCPU(1)
	require.NoError(t, err)

	plan := &BootPlan{EntryGPA: 0x1000200, ZeroPageGPA: ZeroPageGPA, StackTopGPA: 0x3ffd000, PML4: PML4GPA}
	require.NoError(t, plan.ConfigureVCPU(boot))
	require.NoError(t, plan.ConfigureSecondary(ap))

	cpu := boot.(*hvtest.VirtualCPU)
	on, pml4 := cpu.LongMode()
	assert.True(t, on)
	assert.Equal(t, uint64(PML4GPA), pml4)
	assert.Equal(t, uint64(0x1000200), cpu.Register(hv.RegisterAMD64Rip))
	assert.Equal(t, uint64(ZeroPageGPA), cpu.Register(hv.RegisterAMD64Rsi))
	assert.Equal(t, uint64(0x3ffd000), cpu.Register(hv.RegisterAMD64Rsp))
	assert.Equal(t, uint64(0x2), cpu.Register(hv.RegisterAMD64Rflags))

	on, _ = ap.(*hvtest.VirtualCPU).LongMode()
	assert.True(t, on)
}
