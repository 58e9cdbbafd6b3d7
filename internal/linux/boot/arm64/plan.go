package arm64

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	initrdAlignment = 0x1000
	dtbAlignment    = 0x1000
	// Linux maps at most 2 MiB of device tree.
	maxDTBSize = 2 << 20

	gicPhandle = 1

	// PPIs of the architected timer: secure, non-secure, virtual, hypervisor.
	timerSecurePPI    = 13
	timerNonSecurePPI = 14
	timerVirtualPPI   = 11
	timerHypPPI       = 10

	irqTypePPI   = 1
	irqLevelHigh = 4
)

// Memory is guest RAM addressed by guest physical address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// BootOptions describes how the ARM64 kernel should be placed into guest RAM.
type BootOptions struct {
	Cmdline string
	Initrd  []byte
	NumCPUs int
	// RAMSize is the size of guest RAM starting at hv.ARM64RAMBase.
	RAMSize uint64
	// Devices are appended to the root of the device tree.
	Devices []fdt.Node
}

// BootPlan captures where everything went and the entry state.
type BootPlan struct {
	LoadAddr       uint64
	KernelEnd      uint64
	EntryGPA       uint64
	InitrdGPA      uint64
	InitrdSize     uint64
	DeviceTreeGPA  uint64
	DeviceTreeSize uint64
}

// Prepare loads the kernel payload, initrd and device tree into guest RAM.
func (k *KernelImage) Prepare(mem Memory, opts BootOptions) (*BootPlan, error) {
	if len(k.Payload()) == 0 {
		return nil, errors.New("arm64 kernel payload is empty")
	}
	if opts.NumCPUs <= 0 {
		opts.NumCPUs = 1
	}

	memStart := uint64(hv.ARM64RAMBase)
	memEnd := memStart + opts.RAMSize

	base := alignUp(memStart, imageAlignment)
	entry, err := k.Header.EntryPoint(base)
	if err != nil {
		return nil, err
	}
	kernelEnd := entry + k.footprint()
	if kernelEnd > memEnd {
		return nil, fmt.Errorf("%w: kernel [%#x, %#x) outside RAM [%#x, %#x)", ErrTooLarge, entry, kernelEnd, memStart, memEnd)
	}
	if err := clearGuest(mem, entry, k.footprint()); err != nil {
		return nil, err
	}
	if _, err := mem.WriteAt(k.Payload(), int64(entry)); err != nil {
		return nil, fmt.Errorf("write arm64 kernel payload: %w", err)
	}

	plan := &BootPlan{LoadAddr: entry, KernelEnd: kernelEnd, EntryGPA: entry}

	free := kernelEnd
	if len(opts.Initrd) > 0 {
		plan.InitrdGPA = alignUp(kernelEnd, initrdAlignment)
		plan.InitrdSize = uint64(len(opts.Initrd))
		if plan.InitrdGPA+plan.InitrdSize > memEnd {
			return nil, fmt.Errorf("%w: initrd of %d bytes does not fit after kernel end %#x", ErrTooLarge, plan.InitrdSize, kernelEnd)
		}
		if _, err := mem.WriteAt(opts.Initrd, int64(plan.InitrdGPA)); err != nil {
			return nil, fmt.Errorf("write initrd: %w", err)
		}
		free = plan.InitrdGPA + plan.InitrdSize
	}

	dtb, err := fdt.Build(DeviceTree(DeviceTreeConfig{
		MemoryBase:  memStart,
		MemorySize:  opts.RAMSize,
		NumCPUs:     opts.NumCPUs,
		Cmdline:     opts.Cmdline,
		InitrdStart: plan.InitrdGPA,
		InitrdEnd:   plan.InitrdGPA + plan.InitrdSize,
		Devices:     opts.Devices,
	}))
	if err != nil {
		return nil, fmt.Errorf("build device tree: %w", err)
	}
	if len(dtb) > maxDTBSize {
		return nil, fmt.Errorf("device tree of %d bytes exceeds %d", len(dtb), maxDTBSize)
	}
	dtbAddr := alignDown(memEnd-uint64(len(dtb)), dtbAlignment)
	if uint64(len(dtb)) > memEnd-free || dtbAddr < free {
		return nil, fmt.Errorf("%w: no room for the device tree above %#x", ErrTooLarge, free)
	}
	if _, err := mem.WriteAt(dtb, int64(dtbAddr)); err != nil {
		return nil, fmt.Errorf("write device tree: %w", err)
	}
	plan.DeviceTreeGPA = dtbAddr
	plan.DeviceTreeSize = uint64(len(dtb))
	return plan, nil
}

// DeviceTreeConfig is the machine description handed to DeviceTree.
type DeviceTreeConfig struct {
	MemoryBase  uint64
	MemorySize  uint64
	NumCPUs     int
	Cmdline     string
	InitrdStart uint64
	InitrdEnd   uint64
	Devices     []fdt.Node
}

// DeviceTree describes the machine: CPUs enabled through PSCI, RAM, the
// GICv3 the backend creates, the architected timer and any devices.
func DeviceTree(cfg DeviceTreeConfig) fdt.Node {
	cpus := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells": fdt.Cells(1),
			"#size-cells":    fdt.Cells(0),
		},
	}
	for id := 0; id < cfg.NumCPUs; id++ {
		cpus.Children = append(cpus.Children, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", id),
			Properties: map[string]fdt.Property{
				"device_type":   fdt.Strings("cpu"),
				"compatible":    fdt.Strings("arm,arm-v8"),
				"reg":           fdt.Cells(uint32(id)),
				"enable-method": fdt.Strings("psci"),
			},
		})
	}

	chosen := fdt.Node{Name: "chosen", Properties: map[string]fdt.Property{}}
	if cfg.Cmdline != "" {
		chosen.Properties["bootargs"] = fdt.Strings(cfg.Cmdline)
	}
	if cfg.InitrdEnd > cfg.InitrdStart {
		chosen.Properties["linux,initrd-start"] = fdt.Cells64(cfg.InitrdStart)
		chosen.Properties["linux,initrd-end"] = fdt.Cells64(cfg.InitrdEnd)
	}

	timerIRQ := func(ppi uint32) []uint32 { return []uint32{irqTypePPI, ppi, irqLevelHigh} }
	var timerIRQs []uint32
	for _, ppi := range []uint32{timerSecurePPI, timerNonSecurePPI, timerVirtualPPI, timerHypPPI} {
		timerIRQs = append(timerIRQs, timerIRQ(ppi)...)
	}

	redistSize := uint64(max(cfg.NumCPUs, 1)) * hv.ARM64GICRedistributorStride

	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells":   fdt.Cells(2),
			"#size-cells":      fdt.Cells(2),
			"compatible":       fdt.Strings("tinyrange,vmm"),
			"model":            fdt.Strings("tinyrange-vmm"),
			"interrupt-parent": fdt.Cells(gicPhandle),
		},
		Children: []fdt.Node{
			cpus,
			{
				Name: fmt.Sprintf("memory@%x", cfg.MemoryBase),
				Properties: map[string]fdt.Property{
					"device_type": fdt.Strings("memory"),
					"reg":         fdt.Cells64(cfg.MemoryBase, cfg.MemorySize),
				},
			},
			chosen,
			{
				Name: "psci",
				Properties: map[string]fdt.Property{
					"compatible": fdt.Strings("arm,psci-0.2", "arm,psci"),
					"method":     fdt.Strings("hvc"),
				},
			},
			{
				Name: fmt.Sprintf("intc@%x", hv.ARM64GICDistributorBase),
				Properties: map[string]fdt.Property{
					"compatible":           fdt.Strings("arm,gic-v3"),
					"#interrupt-cells":     fdt.Cells(3),
					"interrupt-controller": fdt.Empty(),
					"reg": fdt.Cells64(
						hv.ARM64GICDistributorBase, hv.ARM64GICDistributorSize,
						hv.ARM64GICRedistributorBase, redistSize,
					),
					"phandle": fdt.Cells(gicPhandle),
				},
			},
			{
				Name: "timer",
				Properties: map[string]fdt.Property{
					"compatible": fdt.Strings("arm,armv8-timer"),
					"interrupts": fdt.Cells(timerIRQs...),
					"always-on":  fdt.Empty(),
				},
			},
		},
	}
	root.Children = append(root.Children, cfg.Devices...)
	return root
}

// ConfigureVCPU programs the boot vCPU for entry into the kernel: PC at the
// entry, X0 holding the device tree address, EL1h with DAIF masked.
func (p *BootPlan) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if p.DeviceTreeGPA == 0 {
		return errors.New("arm64 device tree GPA is zero")
	}
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pc:     hv.Register64(p.EntryGPA),
		hv.RegisterARM64X0:     hv.Register64(p.DeviceTreeGPA),
		hv.RegisterARM64X1:     hv.Register64(0),
		hv.RegisterARM64X2:     hv.Register64(0),
		hv.RegisterARM64X3:     hv.Register64(0),
		hv.RegisterARM64Pstate: hv.Register64(hv.ARM64PstateEL1hMasked),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set arm64 registers: %w", err)
	}
	return nil
}

// ConfigureSecondary prepares a vCPU that stays parked until the guest
// starts it with PSCI CPU_ON, which supplies its entry point.
func (p *BootPlan) ConfigureSecondary(vcpu hv.VirtualCPU) error {
	return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pstate: hv.Register64(hv.ARM64PstateEL1hMasked),
	})
}

var zeroChunk = make([]byte, 1<<20)

func clearGuest(mem io.WriterAt, gpa, n uint64) error {
	for n > 0 {
		chunk := min(n, uint64(len(zeroChunk)))
		if _, err := mem.WriteAt(zeroChunk[:chunk], int64(gpa)); err != nil {
			return fmt.Errorf("clear guest memory at %#x: %w", gpa, err)
		}
		gpa += chunk
		n -= chunk
	}
	return nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
