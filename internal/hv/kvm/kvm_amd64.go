//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
)

const (
	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000
)

// generalRegisters maps hv registers onto kvm_regs fields.
func generalRegisters(r *kvmRegs) map[hv.Register]*uint64 {
	return map[hv.Register]*uint64{
		hv.RegisterAMD64Rax:    &r.Rax,
		hv.RegisterAMD64Rbx:    &r.Rbx,
		hv.RegisterAMD64Rcx:    &r.Rcx,
		hv.RegisterAMD64Rdx:    &r.Rdx,
		hv.RegisterAMD64Rsi:    &r.Rsi,
		hv.RegisterAMD64Rdi:    &r.Rdi,
		hv.RegisterAMD64Rsp:    &r.Rsp,
		hv.RegisterAMD64Rbp:    &r.Rbp,
		hv.RegisterAMD64R8:     &r.R8,
		hv.RegisterAMD64R9:     &r.R9,
		hv.RegisterAMD64R10:    &r.R10,
		hv.RegisterAMD64R11:    &r.R11,
		hv.RegisterAMD64R12:    &r.R12,
		hv.RegisterAMD64R13:    &r.R13,
		hv.RegisterAMD64R14:    &r.R14,
		hv.RegisterAMD64R15:    &r.R15,
		hv.RegisterAMD64Rip:    &r.Rip,
		hv.RegisterAMD64Rflags: &r.Rflags,
	}
}

func specialRegisters(s *kvmSRegs) map[hv.Register]*uint64 {
	return map[hv.Register]*uint64{
		hv.RegisterAMD64Cr0:  &s.Cr0,
		hv.RegisterAMD64Cr3:  &s.Cr3,
		hv.RegisterAMD64Cr4:  &s.Cr4,
		hv.RegisterAMD64Efer: &s.Efer,
	}
}

// classify reports which register files regs touches.
func classify(regs map[hv.Register]hv.RegisterValue) (general, special bool, err error) {
	var (
		r kvmRegs
		s kvmSRegs
	)
	gen, spec := generalRegisters(&r), specialRegisters(&s)
	for reg := range regs {
		switch {
		case gen[reg] != nil:
			general = true
		case spec[reg] != nil:
			special = true
		default:
			return false, false, fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}
	return general, special, nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	var err error
	if cerr := v.call(func() { err = v.setRegisters(regs) }); cerr != nil {
		return cerr
	}
	return err
}

func (v *virtualCPU) setRegisters(regs map[hv.Register]hv.RegisterValue) error {
	general, special, err := classify(regs)
	if err != nil {
		return err
	}

	assign := func(fields map[hv.Register]*uint64) error {
		for reg, val := range regs {
			field, ok := fields[reg]
			if !ok {
				continue
			}
			r64, ok := val.(hv.Register64)
			if !ok {
				return fmt.Errorf("kvm: register %v: unsupported value %T", reg, val)
			}
			*field = uint64(r64)
		}
		return nil
	}

	if general {
		r, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}
		if err := assign(generalRegisters(&r)); err != nil {
			return err
		}
		if err := setRegisters(v.fd, &r); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}
	if special {
		s, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}
		if err := assign(specialRegisters(&s)); err != nil {
			return err
		}
		if err := setSRegs(v.fd, &s); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	var err error
	if cerr := v.call(func() { err = v.getRegisters(regs) }); cerr != nil {
		return cerr
	}
	return err
}

func (v *virtualCPU) getRegisters(regs map[hv.Register]hv.RegisterValue) error {
	general, special, err := classify(regs)
	if err != nil {
		return err
	}

	collect := func(fields map[hv.Register]*uint64) {
		for reg := range regs {
			if field, ok := fields[reg]; ok {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	if general {
		r, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}
		collect(generalRegisters(&r))
	}
	if special {
		s, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}
		collect(specialRegisters(&s))
	}
	return nil
}

// CR0, CR4 and EFER bits used to enter long mode.
const (
	cr0_PE = 1
	cr0_MP = 1 << 1
	cr0_ET = 1 << 4
	cr0_NE = 1 << 5
	cr0_WP = 1 << 16
	cr0_AM = 1 << 18
	cr0_PG = 1 << 31

	cr4_PAE = 1 << 5

	efer_LME = 1 << 8
	efer_LMA = 1 << 10
)

// Selectors the Linux boot protocol expects (__BOOT_CS and __BOOT_DS).
const (
	bootCodeSelector = 0x10
	bootDataSelector = 0x18
)

// EnterLongMode switches the vCPU to 64-bit mode with flat segments. The
// page tables at pml4 must already be in guest memory.
func (v *virtualCPU) EnterLongMode(pml4 uint64) error {
	var err error
	if cerr := v.call(func() { err = v.enterLongMode(pml4) }); cerr != nil {
		return cerr
	}
	return err
}

func (v *virtualCPU) enterLongMode(pml4 uint64) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cr3 = pml4
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	code := kvmSegment{
		Limit:    0xffffffff,
		Selector: bootCodeSelector,
		Present:  1,
		Type:     11, // execute/read, accessed
		S:        1,
		L:        1,
		G:        1,
	}
	data := code
	data.Type = 3 // read/write, accessed
	data.L = 0
	data.Db = 1
	data.Selector = bootDataSelector

	sregs.Cs = code
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}
	return nil
}

// archVMInit creates the in-kernel PIC, IOAPIC, LAPICs and PIT. With them
// KVM handles HLT itself and interrupts are raised with KVM_IRQ_LINE.
func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}
	if err := setIdentityMapAddr(vm.vmFd, identityMapAddr); err != nil {
		return fmt.Errorf("setting identity map addr: %w", err)
	}
	if err := createIRQChip(vm.vmFd); err != nil {
		return fmt.Errorf("creating IRQ chip: %w", err)
	}
	if err := createPIT(vm.vmFd); err != nil {
		return fmt.Errorf("creating PIT: %w", err)
	}
	return nil
}

func (h *hypervisor) supportedCpuid() ([]byte, error) {
	h.cpuidOnce.Do(func() {
		h.cpuid, h.cpuidErr = getSupportedCpuid(h.fd)
	})
	return h.cpuid, h.cpuidErr
}

func cpuidEntries(buf []byte) []kvmCPUIDEntry2 {
	hdr := (*kvmCPUID2)(unsafe.Pointer(&buf[0]))
	first := (*kvmCPUIDEntry2)(unsafe.Pointer(&buf[unsafe.Sizeof(kvmCPUID2{})]))
	return unsafe.Slice(first, hdr.Nr)
}

// archVCPUInit exposes the host CPUID with the APIC ID of this vCPU.
func (h *hypervisor) archVCPUInit(vcpu *virtualCPU) error {
	supported, err := h.supportedCpuid()
	if err != nil {
		return err
	}
	buf := append([]byte(nil), supported...)
	entries := cpuidEntries(buf)
	for i := range entries {
		e := &entries[i]
		switch e.Function {
		case 0x1:
			e.Ebx = e.Ebx&0x00ffffff | uint32(vcpu.id)<<24
		case 0xb, 0x1f:
			e.Edx = uint32(vcpu.id)
		}
	}
	if err := setCpuid(vcpu.fd, (*kvmCPUID2)(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("setting CPUID: %w", err)
	}
	return nil
}
