package arm64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/hvtest"
	"github.com/tinyrange/vmm/internal/linux/boot/boottest"
	"github.com/tinyrange/vmm/internal/memory"
)

func guestRAM(t *testing.T, size uint64) *memory.Manager {
	t.Helper()
	m := memory.NewManager(1<<40, memory.WithAllocator(memory.HeapAllocator{}), memory.WithPageSize(0x1000))
	_, err := m.Allocate(hv.ARM64RAMBase, size, hv.MemoryRWX)
	require.NoError(t, err)
	return m
}

func load(t *testing.T, img []byte) *KernelImage {
	t.Helper()
	k, err := LoadKernel(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	return k
}

func TestPrepareLaysOutImage(t *testing.T) {
	k := load(t, boottest.Gzip(boottest.ARM64Image(0x80000, 0x4000)))

	const ram = 64 << 20
	mem := guestRAM(t, ram)
	initrd := bytes.Repeat([]byte{0x5a}, 0x1800)
	virtioNode := fdt.Node{
		Name: "virtio_mmio@a000000",
		Properties: map[string]fdt.Property{
			"compatible": fdt.Strings("virtio,mmio"),
		},
	}

	plan, err := k.Prepare(mem, BootOptions{
		Cmdline: "console=hvc0",
		Initrd:  initrd,
		NumCPUs: 2,
		RAMSize: ram,
		Devices: []fdt.Node{virtioNode},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(hv.ARM64RAMBase+0x80000), plan.EntryGPA)
	assert.Equal(t, plan.EntryGPA+0x4000, plan.KernelEnd)
	assert.Equal(t, plan.KernelEnd, plan.InitrdGPA)
	assert.Equal(t, uint64(len(initrd)), plan.InitrdSize)
	assert.Greater(t, plan.DeviceTreeGPA, plan.InitrdGPA+plan.InitrdSize)
	assert.LessOrEqual(t, plan.DeviceTreeGPA+plan.DeviceTreeSize, uint64(hv.ARM64RAMBase+ram))
	assert.Zero(t, plan.DeviceTreeGPA%dtbAlignment)

	head := make([]byte, 64)
	_, err = mem.ReadAt(head, int64(plan.EntryGPA))
	require.NoError(t, err)
	assert.Equal(t, uint32(imageMagic), binary.LittleEndian.Uint32(head[56:]))

	blob := make([]byte, plan.DeviceTreeSize)
	_, err = mem.ReadAt(blob, int64(plan.DeviceTreeGPA))
	require.NoError(t, err)
	root, _, err := fdt.Parse(blob)
	require.NoError(t, err)

	chosen, ok := root.Child("chosen")
	require.True(t, ok)
	assert.Equal(t, []byte("console=hvc0\x00"), chosen.Properties["bootargs"].Bytes)
	start := binary.BigEndian.Uint64(chosen.Properties["linux,initrd-start"].Bytes)
	end := binary.BigEndian.Uint64(chosen.Properties["linux,initrd-end"].Bytes)
	assert.Equal(t, plan.InitrdGPA, start)
	assert.Equal(t, plan.InitrdGPA+plan.InitrdSize, end)

	cpus, ok := root.Child("cpus")
	require.True(t, ok)
	assert.Len(t, cpus.Children, 2)

	mem0, ok := root.Child("memory@40000000")
	require.True(t, ok)
	reg := mem0.Properties["reg"].Bytes
	require.Len(t, reg, 16)
	assert.Equal(t, uint64(ram), binary.BigEndian.Uint64(reg[8:]))

	gic, ok := root.Child("intc@8000000")
	require.True(t, ok)
	assert.True(t, gic.Properties["interrupt-controller"].Flag)
	reg = gic.Properties["reg"].Bytes
	require.Len(t, reg, 32)
	assert.Equal(t, uint64(2*hv.ARM64GICRedistributorStride), binary.BigEndian.Uint64(reg[24:]))

	_, ok = root.Child("virtio_mmio@a000000")
	assert.True(t, ok)
}

func TestLoadKernelRejectsGarbage(t *testing.T) {
	img := bytes.Repeat([]byte{0x11}, 4096)
	_, err := LoadKernel(bytes.NewReader(img), int64(len(img)))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPrepareRejectsOversizedImages(t *testing.T) {
	t.Run("kernel", func(t *testing.T) {
		k := load(t, boottest.ARM64Image(0, 0x3000))
		k.Header.ImageSize = 8 << 20
		_, err := k.Prepare(guestRAM(t, 4<<20), BootOptions{RAMSize: 4 << 20})
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("initrd", func(t *testing.T) {
		k := load(t, boottest.ARM64Image(0, 0x3000))
		_, err := k.Prepare(guestRAM(t, 4<<20), BootOptions{
			RAMSize: 4 << 20,
			Initrd:  make([]byte, 4<<20),
		})
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("device tree", func(t *testing.T) {
		k := load(t, boottest.ARM64Image(0, 0x3000))
		_, err := k.Prepare(guestRAM(t, 4<<20), BootOptions{
			RAMSize: 4 << 20,
			Initrd:  make([]byte, 4<<20-0x3000-16),
		})
		require.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestConfigureVCPU(t *testing.T) {
	vm, err := hvtest.New(hvtest.WithArchitecture(hv.ArchitectureARM64)).
		NewVirtualMachine(hv.VMConfig{NumCPUs: 2, MemorySize: 1 << 20})
	require.NoError(t, err)
	defer vm.Close()

	boot, err := vm.NewVirtualCPU(0)
	require.NoError(t, err)
	second, err := vm.NewVirtualCPU(1)
	require.NoError(t, err)

	plan := &BootPlan{EntryGPA: 0x40080000, DeviceTreeGPA: 0x43fff000}
	require.NoError(t, plan.ConfigureVCPU(boot))
	require.NoError(t, plan.ConfigureSecondary(second))

	cpu := boot.(*hvtest.VirtualCPU)
	assert.Equal(t, uint64(0x40080000), cpu.Register(hv.RegisterARM64Pc))
	assert.Equal(t, uint64(0x43fff000), cpu.Register(hv.RegisterARM64X0))
	assert.Equal(t, uint64(hv.ARM64PstateEL1hMasked), cpu.Register(hv.RegisterARM64Pstate))
	assert.Equal(t, uint64(hv.ARM64PstateEL1hMasked), second.(*hvtest.VirtualCPU).Register(hv.RegisterARM64Pstate))

	require.Error(t, (&BootPlan{}).ConfigureVCPU(boot))
}
