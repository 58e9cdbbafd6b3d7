package amd64

import (
	"fmt"
	"io"

	"github.com/tinyrange/vmm/internal/acpi"
	"github.com/tinyrange/vmm/internal/hv"
)

// Fixed low memory layout. Everything here sits below the 0x9f000 end of
// the first e820 RAM entry except the ACPI tables, which live in the
// reserved BIOS area.
const (
	ZeroPageGPA  = 0x00007000
	PML4GPA      = 0x00009000
	CmdlineGPA   = 0x00020000
	cmdlineLimit = 0x00070000

	minKernelGPA    = 0x00100000
	initrdAlignment = 0x1000
	stackGuardBytes = 0x1000
)

// Memory is guest RAM addressed by guest physical address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

type BootOptions struct {
	Cmdline string
	Initrd  []byte
	NumCPUs int
	// RAMSize is the size of guest RAM, which starts at GPA 0.
	RAMSize uint64
	// VirtioDevices are published to the guest in the ACPI DSDT.
	VirtioDevices []acpi.VirtioMMIODevice
}

// BootPlan records where everything was placed and the entry state.
type BootPlan struct {
	Format      string
	LoadAddr    uint64
	KernelEnd   uint64
	EntryGPA    uint64
	ZeroPageGPA uint64
	CmdlineGPA  uint64
	StackTopGPA uint64
	PML4        uint64
	InitrdGPA   uint64
	InitrdSize  uint64
}

// Prepare writes the kernel, initrd, zero page, page tables and ACPI tables
// into mem.
func (k *KernelImage) Prepare(mem Memory, opts BootOptions) (*BootPlan, error) {
	memEnd := opts.RAMSize
	if memEnd <= minKernelGPA {
		return nil, fmt.Errorf("%w: %d bytes of RAM", ErrTooLarge, memEnd)
	}
	if len(opts.Cmdline)+1 > cmdlineLimit {
		return nil, fmt.Errorf("command line of %d bytes does not fit", len(opts.Cmdline))
	}

	loadAddr, err := k.place(memEnd)
	if err != nil {
		return nil, err
	}
	if err := k.loadInto(mem, loadAddr); err != nil {
		return nil, err
	}
	kernelEnd := k.footprint(loadAddr)

	plan := &BootPlan{
		Format:      k.format.String(),
		LoadAddr:    loadAddr,
		KernelEnd:   kernelEnd,
		EntryGPA:    k.EntryPoint(loadAddr),
		ZeroPageGPA: ZeroPageGPA,
		CmdlineGPA:  CmdlineGPA,
		PML4:        PML4GPA,
	}

	top := memEnd
	if len(opts.Initrd) > 0 {
		size := uint64(len(opts.Initrd))
		limit := memEnd
		if addrMax := uint64(k.Header.InitrdAddrMax); addrMax != 0 && addrMax+1 < limit {
			limit = addrMax + 1
		}
		if size+stackGuardBytes > limit || alignDown(limit-size, initrdAlignment) < alignUp(kernelEnd, initrdAlignment)+stackGuardBytes {
			return nil, fmt.Errorf("%w: initrd of %d bytes does not fit between kernel end %#x and %#x", ErrTooLarge, size, kernelEnd, limit)
		}
		plan.InitrdGPA = alignDown(limit-size, initrdAlignment)
		plan.InitrdSize = size
		if _, err := mem.WriteAt(opts.Initrd, int64(plan.InitrdGPA)); err != nil {
			return nil, fmt.Errorf("write initrd: %w", err)
		}
		top = plan.InitrdGPA
	}
	plan.StackTopGPA = alignDown(top-stackGuardBytes, 0x10)
	if plan.StackTopGPA <= kernelEnd {
		return nil, fmt.Errorf("%w: no room for a boot stack above kernel end %#x", ErrTooLarge, kernelEnd)
	}

	if err := acpi.Install(mem, acpi.Config{
		NumCPUs:       opts.NumCPUs,
		VirtioDevices: opts.VirtioDevices,
	}); err != nil {
		return nil, err
	}

	zp, err := k.buildZeroPage(zeroPageParams{
		loadAddr:   loadAddr,
		cmdline:    opts.Cmdline,
		cmdlineGPA: CmdlineGPA,
		initrdGPA:  plan.InitrdGPA,
		initrdSize: plan.InitrdSize,
		rsdpGPA:    acpi.DefaultRSDPBase,
		e820:       DefaultE820Map(memEnd),
	})
	if err != nil {
		return nil, err
	}
	if _, err := mem.WriteAt(zp, ZeroPageGPA); err != nil {
		return nil, fmt.Errorf("write zero page: %w", err)
	}
	if err := writeCmdline(mem, CmdlineGPA, opts.Cmdline); err != nil {
		return nil, err
	}
	if err := writeIdentityMap(mem, PML4GPA); err != nil {
		return nil, err
	}
	return plan, nil
}

// place picks the payload address and checks it fits below memEnd.
func (k *KernelImage) place(memEnd uint64) (uint64, error) {
	loadAddr := k.DefaultLoadAddress()
	if k.format == kernelFormatBzImage && k.Header.RelocatableKernel != 0 {
		align := uint64(k.Header.KernelAlignment)
		if align == 0 {
			align = 0x200000
		}
		loadAddr = alignUp(max(loadAddr, minKernelGPA), align)
	}
	if loadAddr < minKernelGPA {
		return 0, fmt.Errorf("kernel wants to load at %#x, below the boot structures ending at %#x", loadAddr, minKernelGPA)
	}
	if end := k.footprint(loadAddr); end > memEnd {
		return 0, fmt.Errorf("%w: kernel needs [%#x, %#x), RAM ends at %#x", ErrTooLarge, loadAddr, end, memEnd)
	}
	return loadAddr, nil
}

// loadInto copies the payload and clears the rest of its footprint.
func (k *KernelImage) loadInto(mem Memory, loadAddr uint64) error {
	if k.format == kernelFormatELF {
		for _, seg := range k.elfSegments {
			if err := zeroGuest(mem, seg.physAddr, seg.memSize); err != nil {
				return err
			}
			if _, err := mem.WriteAt(seg.data, int64(seg.physAddr)); err != nil {
				return fmt.Errorf("write ELF segment at %#x: %w", seg.physAddr, err)
			}
		}
		return nil
	}

	payload := k.Payload()
	if err := zeroGuest(mem, loadAddr, k.footprint(loadAddr)-loadAddr); err != nil {
		return err
	}
	if _, err := mem.WriteAt(payload, int64(loadAddr)); err != nil {
		return fmt.Errorf("write kernel payload: %w", err)
	}
	return nil
}

var zeroChunk = make([]byte, 1<<20)

func zeroGuest(mem io.WriterAt, gpa, n uint64) error {
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

// ConfigureVCPU puts the boot processor in long mode at the kernel entry
// with RSI pointing at the zero page.
func (p *BootPlan) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	lm, ok := vcpu.(hv.LongModeCPU)
	if !ok {
		return fmt.Errorf("vCPU %d cannot enter long mode", vcpu.ID())
	}
	if err := lm.EnterLongMode(p.PML4); err != nil {
		return fmt.Errorf("enter long mode: %w", err)
	}
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(p.EntryGPA),
		hv.RegisterAMD64Rsi:    hv.Register64(p.ZeroPageGPA),
		hv.RegisterAMD64Rsp:    hv.Register64(p.StackTopGPA),
		hv.RegisterAMD64Rax:    hv.Register64(0),
		hv.RegisterAMD64Rbx:    hv.Register64(0),
		hv.RegisterAMD64Rcx:    hv.Register64(0),
		hv.RegisterAMD64Rdx:    hv.Register64(0),
		hv.RegisterAMD64Rdi:    hv.Register64(0),
		hv.RegisterAMD64Rbp:    hv.Register64(0),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}); err != nil {
		return fmt.Errorf("set registers: %w", err)
	}
	return nil
}

// ConfigureSecondary gives an application processor the same paging state.
// It does not run until the guest sends INIT/SIPI, which resets it anyway.
func (p *BootPlan) ConfigureSecondary(vcpu hv.VirtualCPU) error {
	lm, ok := vcpu.(hv.LongModeCPU)
	if !ok {
		return fmt.Errorf("vCPU %d cannot enter long mode", vcpu.ID())
	}
	if err := lm.EnterLongMode(p.PML4); err != nil {
		return fmt.Errorf("enter long mode: %w", err)
	}
	return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	})
}
