package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/hvtest"
	"github.com/tinyrange/vmm/internal/linux/boot/boottest"
	"github.com/tinyrange/vmm/internal/memory"
)

type fakeDevice struct {
	base uint64
	irq  uint32
}

func (d fakeDevice) Name() string { return "blk0" }
func (d fakeDevice) MMIORegions() []hv.Range {
	return []hv.Range{{Start: d.base, Size: 0x200}}
}
func (d fakeDevice) IRQ() uint32 { return d.irq }
func (d fakeDevice) DeviceTreeNode() fdt.Node {
	return fdt.Node{Name: "virtio_mmio", Properties: map[string]fdt.Property{"compatible": fdt.Strings("virtio,mmio")}}
}

func ram(t *testing.T, base, size uint64) *memory.Manager {
	t.Helper()
	m := memory.NewManager(1<<40, memory.WithAllocator(memory.HeapAllocator{}), memory.WithPageSize(0x1000))
	_, err := m.Allocate(base, size, hv.MemoryRWX)
	require.NoError(t, err)
	return m
}

func TestLoadAMD64ELF(t *testing.T) {
	mem := ram(t, 0, 32<<20)
	kernel := boottest.ELF64(0x100000, 0x100000, []byte{0xf4}, 0)

	plan, err := Load(hv.ArchitectureX86_64, mem, kernel, []byte("initrd"), Options{
		Cmdline: DefaultCmdline(hv.ArchitectureX86_64),
		NumCPUs: 2,
		RAMSize: 32 << 20,
		Devices: []Device{fakeDevice{base: hv.AMD64DeviceBase, irq: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100000), plan.EntryGPA)

	vm, err := hvtest.New().NewVirtualMachine(hv.VMConfig{NumCPUs: 2, MemorySize: 32 << 20})
	require.NoError(t, err)
	defer vm.Close()
	for id := 0; id < 2; id++ {
		cpu, err := vm.NewVirtualCPU(id)
		require.NoError(t, err)
		require.NoError(t, plan.Apply(cpu))
	}
	v := vm.(*hvtest.VirtualMachine)
	assert.Equal(t, uint64(0x100000), v.CPU(0).Register(hv.RegisterAMD64Rip))
	assert.Zero(t, v.CPU(1).Register(hv.RegisterAMD64Rip))
}

func TestLoadARM64(t *testing.T) {
	mem := ram(t, hv.ARM64RAMBase, 16<<20)
	plan, err := Load(hv.ArchitectureARM64, mem, boottest.ARM64Image(0, 0x1000), nil, Options{
		RAMSize: 16 << 20,
		Devices: []Device{fakeDevice{base: hv.ARM64DeviceBase, irq: 16}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(hv.ARM64RAMBase), plan.EntryGPA)
}

func TestLoadClassifiesErrors(t *testing.T) {
	_, err := Load(hv.ArchitectureX86_64, ram(t, 0, 4<<20), []byte("not a kernel at all"), nil, Options{RAMSize: 4 << 20})
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(hv.ArchitectureARM64, ram(t, hv.ARM64RAMBase, 4<<20), []byte("not a kernel at all"), nil, Options{RAMSize: 4 << 20})
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	big := boottest.ELF64(0x100000, 0x100000, []byte{0xf4}, 8<<20)
	_, err = Load(hv.ArchitectureX86_64, ram(t, 0, 4<<20), big, nil, Options{RAMSize: 4 << 20})
	require.ErrorIs(t, err, ErrImageTooLarge)

	_, err = Load(hv.CpuArchitecture("riscv64"), ram(t, 0, 4<<20), big, nil, Options{RAMSize: 4 << 20})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}
