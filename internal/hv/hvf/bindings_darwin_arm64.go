//go:build darwin && arm64

package hvf

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const (
	hypervisorFrameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"
	libSystemPath           = "/usr/lib/libSystem.B.dylib"
)

type hvReturn uint32

const (
	hvSuccess      hvReturn = 0x00000000
	hvError        hvReturn = 0xFAE94001
	hvBusy         hvReturn = 0xFAE94002
	hvBadArgument  hvReturn = 0xFAE94003
	hvNoResources  hvReturn = 0xFAE94005
	hvNoDevice     hvReturn = 0xFAE94006
	hvDenied       hvReturn = 0xFAE94007
	hvUnsupported  hvReturn = 0xFAE9400F
	hvAlignmentErr hvReturn = 0xFAE94010
)

func (r hvReturn) Error() string {
	switch r {
	case hvSuccess:
		return "success"
	case hvError:
		return "error"
	case hvBusy:
		return "busy"
	case hvBadArgument:
		return "bad argument"
	case hvNoResources:
		return "no resources"
	case hvNoDevice:
		return "no device"
	case hvDenied:
		return "denied"
	case hvUnsupported:
		return "unsupported"
	case hvAlignmentErr:
		return "alignment error"
	default:
		return fmt.Sprintf("0x%08x", uint32(r))
	}
}

func (r hvReturn) toError(op string) error {
	if r == hvSuccess {
		return nil
	}
	return fmt.Errorf("hvf: %s: %w", op, r)
}

type hvMemoryFlags uint64

const (
	hvMemoryRead  hvMemoryFlags = 1 << 0
	hvMemoryWrite hvMemoryFlags = 1 << 1
	hvMemoryExec  hvMemoryFlags = 1 << 2
)

type hvExitReason uint32

const (
	hvExitReasonCanceled        hvExitReason = 0
	hvExitReasonException       hvExitReason = 1
	hvExitReasonVTimerActivated hvExitReason = 2
	hvExitReasonUnknown         hvExitReason = 3
)

type hvVcpuExitException struct {
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
}

// hvVcpuExit mirrors hv_vcpu_exit_t including the padding after Reason.
type hvVcpuExit struct {
	Reason    hvExitReason
	_         uint32
	Exception hvVcpuExitException
}

type hvReg uint32

const (
	hvRegX0   hvReg = 0
	hvRegPc   hvReg = 31
	hvRegFpcr hvReg = 32
	hvRegFpsr hvReg = 33
	hvRegCpsr hvReg = 34
)

type hvSysReg uint16

func makeHvSysReg(op0, op1, crn, crm, op2 uint16) hvSysReg {
	return hvSysReg(((op0 & 0x3) << 14) |
		((op1 & 0x7) << 11) |
		((crn & 0xF) << 7) |
		((crm & 0xF) << 3) |
		(op2 & 0x7))
}

var (
	hvSysRegMPIDR    = makeHvSysReg(3, 0, 0, 0, 5)
	hvSysRegSpEl1    = makeHvSysReg(3, 4, 4, 1, 0)
	hvSysRegCntvCtl  = makeHvSysReg(3, 3, 14, 3, 1)
	hvSysRegCntvCval = makeHvSysReg(3, 3, 14, 3, 2)
)

type machTimebaseInfo struct {
	Numer uint32
	Denom uint32
}

var (
	hvOnce sync.Once
	hvErr  error

	libHypervisor uintptr
	libSystem     uintptr

	hvVmGetMaxVcpuCount func(count *uint32) hvReturn
	hvVmCreate          func(config uintptr) hvReturn
	hvVmDestroy         func() hvReturn
	hvVmMap             func(addr unsafe.Pointer, ipa uint64, size uintptr, flags hvMemoryFlags) hvReturn
	hvVmUnmap           func(ipa uint64, size uintptr) hvReturn

	hvVcpuCreate          func(vcpu *uint64, exit **hvVcpuExit, config uintptr) hvReturn
	hvVcpuDestroy         func(vcpu uint64) hvReturn
	hvVcpuRun             func(vcpu uint64) hvReturn
	hvVcpusExit           func(vcpus *uint64, count uint32) hvReturn
	hvVcpuGetReg          func(vcpu uint64, reg hvReg, value *uint64) hvReturn
	hvVcpuSetReg          func(vcpu uint64, reg hvReg, value uint64) hvReturn
	hvVcpuGetSysReg       func(vcpu uint64, reg hvSysReg, value *uint64) hvReturn
	hvVcpuSetSysReg       func(vcpu uint64, reg hvSysReg, value uint64) hvReturn
	hvVcpuSetVtimerMask   func(vcpu uint64, masked bool) hvReturn
	hvVcpuGetVtimerOffset func(vcpu uint64, offset *uint64) hvReturn

	// Present from macOS 15.
	hvGicConfigCreate               func() uintptr
	hvGicConfigSetDistributorBase   func(config uintptr, base uint64) hvReturn
	hvGicConfigSetRedistributorBase func(config uintptr, base uint64) hvReturn
	hvGicGetRedistributorSize       func(size *uintptr) hvReturn
	hvGicCreate                     func(config uintptr) hvReturn
	hvGicSetSpi                     func(intid uint32, level bool) hvReturn

	machAbsoluteTime  func() uint64
	machTimebaseInfoF func(info *machTimebaseInfo) int32
	osRelease         func(object uintptr)
)

// loadFramework binds the Hypervisor.framework entry points used by this
// package. Missing symbols are reported instead of panicking inside purego.
func loadFramework() error {
	hvOnce.Do(func() {
		var err error
		libHypervisor, err = purego.Dlopen(hypervisorFrameworkPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			hvErr = fmt.Errorf("hvf: dlopen Hypervisor.framework: %w", err)
			return
		}
		libSystem, err = purego.Dlopen(libSystemPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			hvErr = fmt.Errorf("hvf: dlopen libSystem: %w", err)
			return
		}

		register := func(lib uintptr, sym any, name string) {
			if hvErr != nil {
				return
			}
			if _, err := purego.Dlsym(lib, name); err != nil {
				hvErr = fmt.Errorf("hvf: missing symbol %s: %w", name, err)
				return
			}
			purego.RegisterLibFunc(sym, lib, name)
		}

		register(libHypervisor, &hvVmGetMaxVcpuCount, "hv_vm_get_max_vcpu_count")
		register(libHypervisor, &hvVmCreate, "hv_vm_create")
		register(libHypervisor, &hvVmDestroy, "hv_vm_destroy")
		register(libHypervisor, &hvVmMap, "hv_vm_map")
		register(libHypervisor, &hvVmUnmap, "hv_vm_unmap")
		register(libHypervisor, &hvVcpuCreate, "hv_vcpu_create")
		register(libHypervisor, &hvVcpuDestroy, "hv_vcpu_destroy")
		register(libHypervisor, &hvVcpuRun, "hv_vcpu_run")
		register(libHypervisor, &hvVcpusExit, "hv_vcpus_exit")
		register(libHypervisor, &hvVcpuGetReg, "hv_vcpu_get_reg")
		register(libHypervisor, &hvVcpuSetReg, "hv_vcpu_set_reg")
		register(libHypervisor, &hvVcpuGetSysReg, "hv_vcpu_get_sys_reg")
		register(libHypervisor, &hvVcpuSetSysReg, "hv_vcpu_set_sys_reg")
		register(libHypervisor, &hvVcpuSetVtimerMask, "hv_vcpu_set_vtimer_mask")
		register(libHypervisor, &hvVcpuGetVtimerOffset, "hv_vcpu_get_vtimer_offset")

		register(libHypervisor, &hvGicConfigCreate, "hv_gic_config_create")
		register(libHypervisor, &hvGicConfigSetDistributorBase, "hv_gic_config_set_distributor_base")
		register(libHypervisor, &hvGicConfigSetRedistributorBase, "hv_gic_config_set_redistributor_base")
		register(libHypervisor, &hvGicGetRedistributorSize, "hv_gic_get_redistributor_size")
		register(libHypervisor, &hvGicCreate, "hv_gic_create")
		register(libHypervisor, &hvGicSetSpi, "hv_gic_set_spi")

		register(libSystem, &machAbsoluteTime, "mach_absolute_time")
		register(libSystem, &machTimebaseInfoF, "mach_timebase_info")
		register(libSystem, &osRelease, "os_release")
	})

	return hvErr
}
