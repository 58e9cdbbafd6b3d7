//go:build windows && amd64

package whp

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWinHvPlatform  = windows.NewLazySystemDLL("winhvplatform.dll")
	modWinHvEmulation = windows.NewLazySystemDLL("winhvemulation.dll")

	procWHvGetCapability                = modWinHvPlatform.NewProc("WHvGetCapability")
	procWHvCreatePartition              = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition               = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition              = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty         = modWinHvPlatform.NewProc("WHvSetPartitionProperty")
	procWHvMapGpaRange                  = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange                = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvTranslateGva                 = modWinHvPlatform.NewProc("WHvTranslateGva")
	procWHvCreateVirtualProcessor       = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor       = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor          = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor    = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
	procWHvRequestInterrupt             = modWinHvPlatform.NewProc("WHvRequestInterrupt")

	procWHvEmulatorCreateEmulator   = modWinHvEmulation.NewProc("WHvEmulatorCreateEmulator")
	procWHvEmulatorDestroyEmulator  = modWinHvEmulation.NewProc("WHvEmulatorDestroyEmulator")
	procWHvEmulatorTryIoEmulation   = modWinHvEmulation.NewProc("WHvEmulatorTryIoEmulation")
	procWHvEmulatorTryMmioEmulation = modWinHvEmulation.NewProc("WHvEmulatorTryMmioEmulation")
)

// loadProcs reports the first entry point that is missing, which is how an
// older Windows build or a disabled platform feature shows up.
func loadProcs() error {
	for _, proc := range []*windows.LazyProc{
		procWHvGetCapability, procWHvCreatePartition, procWHvSetupPartition,
		procWHvDeletePartition, procWHvSetPartitionProperty, procWHvMapGpaRange,
		procWHvUnmapGpaRange, procWHvTranslateGva, procWHvCreateVirtualProcessor,
		procWHvDeleteVirtualProcessor, procWHvRunVirtualProcessor,
		procWHvCancelRunVirtualProcessor, procWHvGetVirtualProcessorRegisters,
		procWHvSetVirtualProcessorRegisters, procWHvRequestInterrupt,
		procWHvEmulatorCreateEmulator, procWHvEmulatorDestroyEmulator,
		procWHvEmulatorTryIoEmulation, procWHvEmulatorTryMmioEmulation,
	} {
		if err := proc.Find(); err != nil {
			return err
		}
	}
	return nil
}

type hresult int32

const (
	hrOK          hresult = 0
	hrFail        hresult = -2147467259 // E_FAIL
	hrOutOfMemory hresult = -2147024882 // E_OUTOFMEMORY
)

func (h hresult) Error() string {
	switch h {
	case hrFail:
		return "E_FAIL"
	case hrOutOfMemory:
		return "E_OUTOFMEMORY"
	default:
		return fmt.Sprintf("HRESULT 0x%08x", uint32(h))
	}
}

func call(proc *windows.LazyProc, args ...uintptr) error {
	r1, _, _ := proc.Call(args...)
	if hr := hresult(int32(uint32(r1))); hr < 0 {
		return hr
	}
	return nil
}

type partitionHandle uintptr

type emulatorHandle uintptr

type capabilityCode uint32

const capabilityHypervisorPresent capabilityCode = 0x00000000

type partitionProperty uint32

const (
	propertyExtendedVmExits        partitionProperty = 0x00000001
	propertyLocalApicEmulationMode partitionProperty = 0x00001005
	propertyProcessorCount         partitionProperty = 0x00001fff
)

const localApicEmulationModeXApic uint32 = 1

const (
	mapGpaRangeRead    = 0x1
	mapGpaRangeWrite   = 0x2
	mapGpaRangeExecute = 0x4
)

type registerName uint32

const (
	regRax    registerName = 0x00
	regRcx    registerName = 0x01
	regRdx    registerName = 0x02
	regRbx    registerName = 0x03
	regRsp    registerName = 0x04
	regRbp    registerName = 0x05
	regRsi    registerName = 0x06
	regRdi    registerName = 0x07
	regR8     registerName = 0x08
	regR9     registerName = 0x09
	regR10    registerName = 0x0A
	regR11    registerName = 0x0B
	regR12    registerName = 0x0C
	regR13    registerName = 0x0D
	regR14    registerName = 0x0E
	regR15    registerName = 0x0F
	regRip    registerName = 0x10
	regRflags registerName = 0x11
	regEs     registerName = 0x12
	regCs     registerName = 0x13
	regSs     registerName = 0x14
	regDs     registerName = 0x15
	regFs     registerName = 0x16
	regGs     registerName = 0x17
	regCr0    registerName = 0x1C
	regCr3    registerName = 0x1E
	regCr4    registerName = 0x1F
	regEfer   registerName = 0x2001
)

// registerValue mirrors the 16 byte WHV_REGISTER_VALUE union.
type registerValue struct {
	Low  uint64
	High uint64
}

type segmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

func (r *registerValue) segment() *segmentRegister {
	return (*segmentRegister)(unsafe.Pointer(r))
}

type exitReason uint32

const (
	exitReasonNone                   exitReason = 0x00000000
	exitReasonMemoryAccess           exitReason = 0x00000001
	exitReasonX64IoPortAccess        exitReason = 0x00000002
	exitReasonUnrecoverableException exitReason = 0x00000004
	exitReasonInvalidVpRegisterValue exitReason = 0x00000005
	exitReasonUnsupportedFeature     exitReason = 0x00000006
	exitReasonX64InterruptWindow     exitReason = 0x00000007
	exitReasonX64Halt                exitReason = 0x00000008
	exitReasonX64ApicEoi             exitReason = 0x00000009
	exitReasonCanceled               exitReason = 0x00002001
)

// vpExitContext mirrors WHV_VP_EXIT_CONTEXT.
type vpExitContext struct {
	ExecutionState       uint16
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   segmentRegister
	Rip                  uint64
	Rflags               uint64
}

func (c *vpExitContext) instructionLength() uint64 {
	return uint64(c.InstructionLengthCr8 & 0xF)
}

// memoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type memoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  uint64
	Gva                  uint64
}

// ioPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type ioPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	PortNumber           uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   segmentRegister
	Es                   segmentRegister
}

const (
	ioAccessIsWrite  = 1 << 0
	ioAccessSizeMask = 0x7 << 1
	ioAccessString   = 1 << 4
	ioAccessRep      = 1 << 5
)

// runVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT, 224 bytes on amd64.
type runVPExitContext struct {
	ExitReason exitReason
	Reserved   uint32
	VpContext  vpExitContext
	union      [176]byte
}

func (c *runVPExitContext) memoryAccess() *memoryAccessContext {
	return (*memoryAccessContext)(unsafe.Pointer(&c.union[0]))
}

func (c *runVPExitContext) ioPortAccess() *ioPortAccessContext {
	return (*ioPortAccessContext)(unsafe.Pointer(&c.union[0]))
}

type interruptControl struct {
	Control     uint64
	Destination uint32
	Vector      uint32
}

const (
	interruptTypeFixed          = 0
	interruptTypeLowestPriority = 1

	interruptDestinationPhysical = 0
	interruptDestinationLogical  = 1

	interruptTriggerEdge  = 0
	interruptTriggerLevel = 1
)

func makeInterruptControl(typ, destMode, trigger uint64) uint64 {
	return typ&0xff | (destMode&0xf)<<8 | (trigger&0xf)<<12
}

type translateGvaResult struct {
	ResultCode uint32
	Reserved   uint32
}

// emulatorIOAccessInfo mirrors WHV_EMULATOR_IO_ACCESS_INFO.
type emulatorIOAccessInfo struct {
	Direction  uint8
	Port       uint16
	AccessSize uint16
	Data       uint32
}

// emulatorMemoryAccessInfo mirrors WHV_EMULATOR_MEMORY_ACCESS_INFO.
type emulatorMemoryAccessInfo struct {
	GpaAddress uint64
	Direction  uint8
	AccessSize uint8
	Data       [8]uint8
}

const emulatorDirectionWrite = 1

type emulatorStatus uint32

const (
	emulatorStatusSuccess                    emulatorStatus = 1 << 0
	emulatorStatusInternalFailure            emulatorStatus = 1 << 1
	emulatorStatusIoPortCallbackFailed       emulatorStatus = 1 << 2
	emulatorStatusMemoryCallbackFailed       emulatorStatus = 1 << 3
	emulatorStatusTranslateGvaCallbackFailed emulatorStatus = 1 << 4
	emulatorStatusGetRegistersCallbackFailed emulatorStatus = 1 << 6
	emulatorStatusSetRegistersCallbackFailed emulatorStatus = 1 << 7
)

func (s emulatorStatus) ok() bool {
	const failed = emulatorStatusInternalFailure | emulatorStatusIoPortCallbackFailed |
		emulatorStatusMemoryCallbackFailed | emulatorStatusTranslateGvaCallbackFailed |
		emulatorStatusGetRegistersCallbackFailed | emulatorStatusSetRegistersCallbackFailed
	return s&emulatorStatusSuccess != 0 && s&failed == 0
}

type emulatorCallbacks struct {
	Size                         uint32
	Reserved                     uint32
	IoPortCallback               uintptr
	MemoryCallback               uintptr
	GetVirtualProcessorRegisters uintptr
	SetVirtualProcessorRegisters uintptr
	TranslateGvaPage             uintptr
}

func getCapability(code capabilityCode, buf unsafe.Pointer, size uint32) error {
	var written uint32
	return call(procWHvGetCapability, uintptr(code), uintptr(buf), uintptr(size), uintptr(unsafe.Pointer(&written)))
}

func createPartition() (partitionHandle, error) {
	var h partitionHandle
	err := call(procWHvCreatePartition, uintptr(unsafe.Pointer(&h)))
	return h, err
}

func setupPartition(p partitionHandle) error {
	return call(procWHvSetupPartition, uintptr(p))
}

func deletePartition(p partitionHandle) error {
	return call(procWHvDeletePartition, uintptr(p))
}

func setPartitionProperty[T any](p partitionHandle, code partitionProperty, value T) error {
	return call(procWHvSetPartitionProperty, uintptr(p), uintptr(code),
		uintptr(unsafe.Pointer(&value)), unsafe.Sizeof(value))
}

func mapGpaRange(p partitionHandle, source unsafe.Pointer, gpa, size uint64, flags uint32) error {
	return call(procWHvMapGpaRange, uintptr(p), uintptr(source), uintptr(gpa), uintptr(size), uintptr(flags))
}

func unmapGpaRange(p partitionHandle, gpa, size uint64) error {
	return call(procWHvUnmapGpaRange, uintptr(p), uintptr(gpa), uintptr(size))
}

func translateGva(p partitionHandle, vp uint32, gva uint64, flags uint32, result *translateGvaResult, gpa *uint64) error {
	return call(procWHvTranslateGva, uintptr(p), uintptr(vp), uintptr(gva), uintptr(flags),
		uintptr(unsafe.Pointer(result)), uintptr(unsafe.Pointer(gpa)))
}

func createVirtualProcessor(p partitionHandle, vp uint32) error {
	return call(procWHvCreateVirtualProcessor, uintptr(p), uintptr(vp), 0)
}

func deleteVirtualProcessor(p partitionHandle, vp uint32) error {
	return call(procWHvDeleteVirtualProcessor, uintptr(p), uintptr(vp))
}

func runVirtualProcessor(p partitionHandle, vp uint32, exit *runVPExitContext) error {
	return call(procWHvRunVirtualProcessor, uintptr(p), uintptr(vp),
		uintptr(unsafe.Pointer(exit)), unsafe.Sizeof(*exit))
}

func cancelRunVirtualProcessor(p partitionHandle, vp uint32) error {
	return call(procWHvCancelRunVirtualProcessor, uintptr(p), uintptr(vp), 0)
}

func getRegisters(p partitionHandle, vp uint32, names []registerName, values []registerValue) error {
	if len(names) == 0 {
		return nil
	}
	return call(procWHvGetVirtualProcessorRegisters, uintptr(p), uintptr(vp),
		uintptr(unsafe.Pointer(&names[0])), uintptr(len(names)), uintptr(unsafe.Pointer(&values[0])))
}

func setRegisters(p partitionHandle, vp uint32, names []registerName, values []registerValue) error {
	if len(names) == 0 {
		return nil
	}
	return call(procWHvSetVirtualProcessorRegisters, uintptr(p), uintptr(vp),
		uintptr(unsafe.Pointer(&names[0])), uintptr(len(names)), uintptr(unsafe.Pointer(&values[0])))
}

func requestInterrupt(p partitionHandle, ctl *interruptControl) error {
	return call(procWHvRequestInterrupt, uintptr(p), uintptr(unsafe.Pointer(ctl)), unsafe.Sizeof(*ctl))
}

func createEmulator(callbacks *emulatorCallbacks) (emulatorHandle, error) {
	callbacks.Size = uint32(unsafe.Sizeof(*callbacks))
	var h emulatorHandle
	err := call(procWHvEmulatorCreateEmulator, uintptr(unsafe.Pointer(callbacks)), uintptr(unsafe.Pointer(&h)))
	return h, err
}

func destroyEmulator(h emulatorHandle) error {
	return call(procWHvEmulatorDestroyEmulator, uintptr(h))
}

func tryIoEmulation(h emulatorHandle, ctx uintptr, vp *vpExitContext, io *ioPortAccessContext, status *emulatorStatus) error {
	return call(procWHvEmulatorTryIoEmulation, uintptr(h), ctx,
		uintptr(unsafe.Pointer(vp)), uintptr(unsafe.Pointer(io)), uintptr(unsafe.Pointer(status)))
}

func tryMmioEmulation(h emulatorHandle, ctx uintptr, vp *vpExitContext, mmio *memoryAccessContext, status *emulatorStatus) error {
	return call(procWHvEmulatorTryMmioEmulation, uintptr(h), ctx,
		uintptr(unsafe.Pointer(vp)), uintptr(unsafe.Pointer(mmio)), uintptr(unsafe.Pointer(status)))
}

func registerNames(ptr, count uintptr) []registerName {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*registerName)(unsafe.Pointer(ptr)), count)
}

func registerValues(ptr, count uintptr) []registerValue {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*registerValue)(unsafe.Pointer(ptr)), count)
}

// The emulator callbacks are process wide; the context argument selects the
// vCPU through emulatorTargets.
var emulatorCallbackTable = emulatorCallbacks{
	IoPortCallback: syscall.NewCallback(func(ctx, access uintptr) uintptr {
		return uintptr(emulatorTarget(ctx).ioPortCallback((*emulatorIOAccessInfo)(unsafe.Pointer(access))))
	}),
	MemoryCallback: syscall.NewCallback(func(ctx, access uintptr) uintptr {
		return uintptr(emulatorTarget(ctx).memoryCallback((*emulatorMemoryAccessInfo)(unsafe.Pointer(access))))
	}),
	GetVirtualProcessorRegisters: syscall.NewCallback(func(ctx, names, count, values uintptr) uintptr {
		return uintptr(emulatorTarget(ctx).getRegistersCallback(registerNames(names, count), registerValues(values, count)))
	}),
	SetVirtualProcessorRegisters: syscall.NewCallback(func(ctx, names, count, values uintptr) uintptr {
		return uintptr(emulatorTarget(ctx).setRegistersCallback(registerNames(names, count), registerValues(values, count)))
	}),
	TranslateGvaPage: syscall.NewCallback(func(ctx, gva, flags, result, gpa uintptr) uintptr {
		return uintptr(emulatorTarget(ctx).translateCallback(uint64(gva), uint32(flags),
			(*uint32)(unsafe.Pointer(result)), (*uint64)(unsafe.Pointer(gpa))))
	}),
}
