// Package boot places a Linux kernel, its initrd and the firmware tables the
// kernel expects into guest RAM and computes the vCPU entry state.
package boot

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/vmm/internal/acpi"
	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/linux/boot/amd64"
	"github.com/tinyrange/vmm/internal/linux/boot/arm64"
)

var (
	// ErrImageTooLarge is returned when the kernel, initrd and boot
	// structures do not fit in guest RAM.
	ErrImageTooLarge = errors.New("boot: image does not fit in guest RAM")
	// ErrUnsupportedFormat is returned when the kernel has no recognized
	// header for the target architecture.
	ErrUnsupportedFormat = errors.New("boot: unsupported kernel format")
)

// Memory is guest RAM addressed by guest physical address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Device is an MMIO device that must be described to the guest.
type Device interface {
	Name() string
	MMIORegions() []hv.Range
	IRQ() uint32
	DeviceTreeNode() fdt.Node
}

type Options struct {
	Cmdline string
	NumCPUs int
	RAMSize uint64
	Devices []Device
}

// Plan is a kernel loaded into guest memory, ready to be entered.
type Plan struct {
	Arch     hv.CpuArchitecture
	EntryGPA uint64

	amd64 *amd64.BootPlan
	arm64 *arm64.BootPlan
}

// Load parses kernel for arch and writes it, initrd and the boot structures
// into mem. initrd may be nil.
func Load(arch hv.CpuArchitecture, mem Memory, kernel, initrd []byte, opts Options) (*Plan, error) {
	if opts.NumCPUs <= 0 {
		opts.NumCPUs = 1
	}
	switch arch {
	case hv.ArchitectureX86_64:
		return loadAMD64(mem, kernel, initrd, opts)
	case hv.ArchitectureARM64:
		return loadARM64(mem, kernel, initrd, opts)
	default:
		return nil, fmt.Errorf("%w: no loader for %s", ErrUnsupportedFormat, arch)
	}
}

func loadAMD64(mem Memory, kernel, initrd []byte, opts Options) (*Plan, error) {
	img, err := amd64.LoadKernel(bytes.NewReader(kernel), int64(len(kernel)))
	if err != nil {
		return nil, classify(err)
	}

	var devices []acpi.VirtioMMIODevice
	for _, dev := range opts.Devices {
		regions := dev.MMIORegions()
		if len(regions) == 0 {
			continue
		}
		devices = append(devices, acpi.VirtioMMIODevice{
			Name:     dev.Name(),
			BaseAddr: regions[0].Start,
			Size:     regions[0].Size,
			GSI:      dev.IRQ(),
		})
	}

	plan, err := img.Prepare(mem, amd64.BootOptions{
		Cmdline:       opts.Cmdline,
		Initrd:        initrd,
		NumCPUs:       opts.NumCPUs,
		RAMSize:       opts.RAMSize,
		VirtioDevices: devices,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Plan{Arch: hv.ArchitectureX86_64, EntryGPA: plan.EntryGPA, amd64: plan}, nil
}

func loadARM64(mem Memory, kernel, initrd []byte, opts Options) (*Plan, error) {
	img, err := arm64.LoadKernel(bytes.NewReader(kernel), int64(len(kernel)))
	if err != nil {
		return nil, classify(err)
	}

	nodes := make([]fdt.Node, 0, len(opts.Devices))
	for _, dev := range opts.Devices {
		nodes = append(nodes, dev.DeviceTreeNode())
	}

	plan, err := img.Prepare(mem, arm64.BootOptions{
		Cmdline: opts.Cmdline,
		Initrd:  initrd,
		NumCPUs: opts.NumCPUs,
		RAMSize: opts.RAMSize,
		Devices: nodes,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Plan{Arch: hv.ArchitectureARM64, EntryGPA: plan.EntryGPA, arm64: plan}, nil
}

// classify maps loader errors onto the package sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, amd64.ErrUnsupportedFormat), errors.Is(err, arm64.ErrUnsupportedFormat):
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	case errors.Is(err, amd64.ErrTooLarge), errors.Is(err, arm64.ErrTooLarge):
		return fmt.Errorf("%w: %w", ErrImageTooLarge, err)
	}
	return fmt.Errorf("boot: %w", err)
}

// Apply sets the entry state on vcpu. vCPU 0 enters the kernel; the others
// are left waiting for the guest to start them.
func (p *Plan) Apply(vcpu hv.VirtualCPU) error {
	var err error
	switch {
	case p.amd64 != nil && vcpu.ID() == 0:
		err = p.amd64.ConfigureVCPU(vcpu)
	case p.amd64 != nil:
		err = p.amd64.ConfigureSecondary(vcpu)
	case p.arm64 != nil && vcpu.ID() == 0:
		err = p.arm64.ConfigureVCPU(vcpu)
	case p.arm64 != nil:
		err = p.arm64.ConfigureSecondary(vcpu)
	default:
		return errors.New("boot: empty plan")
	}
	if err != nil {
		return fmt.Errorf("boot: vCPU %d: %w", vcpu.ID(), err)
	}
	return nil
}

// DefaultCmdline is the kernel command line used when none is configured.
func DefaultCmdline(arch hv.CpuArchitecture) string {
	if arch == hv.ArchitectureARM64 {
		return "console=hvc0 earlycon panic=-1 reboot=t"
	}
	return "console=hvc0 panic=-1 reboot=k tsc=reliable"
}
