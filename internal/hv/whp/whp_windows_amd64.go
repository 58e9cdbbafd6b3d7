//go:build windows && amd64

// Package whp implements hv.Hypervisor on the Windows Hypervisor Platform.
package whp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
)

const maxCPUsLimit = 64

var whpRegisterMap = map[hv.Register]registerName{
	hv.RegisterAMD64Rax:    regRax,
	hv.RegisterAMD64Rbx:    regRbx,
	hv.RegisterAMD64Rcx:    regRcx,
	hv.RegisterAMD64Rdx:    regRdx,
	hv.RegisterAMD64Rsi:    regRsi,
	hv.RegisterAMD64Rdi:    regRdi,
	hv.RegisterAMD64Rsp:    regRsp,
	hv.RegisterAMD64Rbp:    regRbp,
	hv.RegisterAMD64R8:     regR8,
	hv.RegisterAMD64R9:     regR9,
	hv.RegisterAMD64R10:    regR10,
	hv.RegisterAMD64R11:    regR11,
	hv.RegisterAMD64R12:    regR12,
	hv.RegisterAMD64R13:    regR13,
	hv.RegisterAMD64R14:    regR14,
	hv.RegisterAMD64R15:    regR15,
	hv.RegisterAMD64Rip:    regRip,
	hv.RegisterAMD64Rflags: regRflags,
	hv.RegisterAMD64Cr0:    regCr0,
	hv.RegisterAMD64Cr3:    regCr3,
	hv.RegisterAMD64Cr4:    regCr4,
	hv.RegisterAMD64Efer:   regEfer,
}

type emulationPhase int

const (
	phaseIdle emulationPhase = iota
	// phaseCapture records the device access and discards register writes.
	phaseCapture
	// phaseCommit replays the instruction with the device reply in place.
	phaseCommit
)

// pendingAccess is the device access of the instruction currently being
// emulated. Only the first access of an instruction is forwarded; string
// instructions see later elements as dropped writes or zero reads.
type pendingAccess struct {
	phase    emulationPhase
	active   bool
	exit     runVPExitContext
	captured bool
	replied  bool
	addr     uint64
	write    bool
	size     int
	data     [8]byte
}

func (a *pendingAccess) exchange(addr uint64, write bool, data []byte) hresult {
	switch a.phase {
	case phaseCapture:
		if !a.captured {
			a.captured = true
			a.addr = addr
			a.write = write
			a.size = len(data)
			a.data = [8]byte{}
			if write {
				copy(a.data[:], data)
			}
		}
	case phaseCommit:
		if !write && !a.replied {
			a.replied = true
			copy(data, a.data[:a.size])
			return hrOK
		}
	default:
		return hrFail
	}
	if !write {
		clear(data)
	}
	return hrOK
}

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	key uintptr

	runQueue chan func()
	done     chan struct{}
	closing  atomic.Bool

	closeMu sync.RWMutex
	closed  bool

	// Owned by the vCPU thread.
	emulator emulatorHandle
	exit     runVPExitContext
	access   pendingAccess
}

var (
	emulatorTargets sync.Map
	nextEmulatorKey atomic.Uintptr
)

func emulatorTarget(key uintptr) *virtualCPU {
	v, _ := emulatorTargets.Load(key)
	cpu, _ := v.(*virtualCPU)
	return cpu
}

func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start(ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(v.done)

	close(ready)
	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) call(fn func()) error {
	v.closeMu.RLock()
	if v.closed {
		v.closeMu.RUnlock()
		return fmt.Errorf("whp: vCPU %d is closed", v.id)
	}
	finished := make(chan struct{})
	v.runQueue <- func() {
		defer close(finished)
		fn()
	}
	v.closeMu.RUnlock()

	<-finished
	return nil
}

func (v *virtualCPU) kick() {
	if err := cancelRunVirtualProcessor(v.vm.part, uint32(v.id)); err != nil {
		slog.Debug("whp: cancel run", "vcpu", v.id, "err", err)
	}
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	names := make([]registerName, 0, len(regs))
	values := make([]registerValue, 0, len(regs))
	for reg, value := range regs {
		name, ok := whpRegisterMap[reg]
		if !ok {
			return fmt.Errorf("whp: unsupported register %v", reg)
		}
		v64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("whp: unsupported register value %T for %v", value, reg)
		}
		names = append(names, name)
		values = append(values, registerValue{Low: uint64(v64)})
	}

	var err error
	if cerr := v.call(func() { err = setRegisters(v.vm.part, uint32(v.id), names, values) }); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("whp: set registers: %w", err)
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	keys := make([]hv.Register, 0, len(regs))
	names := make([]registerName, 0, len(regs))
	for reg := range regs {
		name, ok := whpRegisterMap[reg]
		if !ok {
			return fmt.Errorf("whp: unsupported register %v", reg)
		}
		keys = append(keys, reg)
		names = append(names, name)
	}
	values := make([]registerValue, len(names))

	var err error
	if cerr := v.call(func() { err = getRegisters(v.vm.part, uint32(v.id), names, values) }); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("whp: get registers: %w", err)
	}
	for i, reg := range keys {
		regs[reg] = hv.Register64(values[i].Low)
	}
	return nil
}

const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// makeSegmentAttributes packs x86 segment attributes in the layout WHP uses.
func makeSegmentAttributes(typ, s, dpl, p, avl, l, db, g uint16) uint16 {
	return typ&0xF |
		(s&0x1)<<4 |
		(dpl&0x3)<<5 |
		(p&0x1)<<7 |
		(avl&0x1)<<12 |
		(l&0x1)<<13 |
		(db&0x1)<<14 |
		(g&0x1)<<15
}

// EnterLongMode loads flat 64-bit segments and enables paging with pml4 as
// the root table. The tables themselves are written by the boot loader.
func (v *virtualCPU) EnterLongMode(pml4 uint64) error {
	names := []registerName{regCr3, regCr4, regCr0, regEfer, regCs, regDs, regEs, regFs, regGs, regSs}
	values := make([]registerValue, len(names))

	values[0].Low = pml4
	values[1].Low = cr4PAE
	values[2].Low = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	values[3].Low = eferLME | eferLMA

	*values[4].segment() = segmentRegister{
		Limit:      0xffffffff,
		Selector:   0x10,
		Attributes: makeSegmentAttributes(11, 1, 0, 1, 0, 1, 0, 1),
	}
	data := segmentRegister{
		Limit:      0xffffffff,
		Selector:   0x18,
		Attributes: makeSegmentAttributes(3, 1, 0, 1, 0, 0, 1, 1),
	}
	for i := 5; i < len(values); i++ {
		*values[i].segment() = data
	}

	var err error
	if cerr := v.call(func() { err = setRegisters(v.vm.part, uint32(v.id), names, values) }); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("whp: enter long mode: %w", err)
	}
	return nil
}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	var (
		exit hv.Exit
		err  error
	)
	if cerr := v.call(func() { exit, err = v.runOnce(ctx) }); cerr != nil {
		return hv.Exit{}, cerr
	}
	return exit, err
}

func (v *virtualCPU) runOnce(ctx context.Context) (hv.Exit, error) {
	if v.access.active {
		if err := v.completeAccess(); err != nil {
			return hv.Exit{}, err
		}
	}

	stop := context.AfterFunc(ctx, v.kick)
	defer stop()

	for {
		if ctx.Err() != nil || v.closing.Load() {
			return hv.Exit{Kind: hv.ExitCanceled}, nil
		}

		if err := runVirtualProcessor(v.vm.part, uint32(v.id), &v.exit); err != nil {
			return hv.Exit{}, fmt.Errorf("whp: run vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
		}

		switch v.exit.ExitReason {
		case exitReasonMemoryAccess, exitReasonX64IoPortAccess:
			exit, handled, err := v.emulate()
			if err != nil || !handled {
				return exit, err
			}
		case exitReasonX64Halt:
			return hv.Exit{Kind: hv.ExitHalt}, nil
		case exitReasonCanceled:
			return hv.Exit{Kind: hv.ExitCanceled}, nil
		case exitReasonX64InterruptWindow, exitReasonX64ApicEoi:
			continue
		case exitReasonUnrecoverableException, exitReasonInvalidVpRegisterValue, exitReasonUnsupportedFeature:
			slog.Error("whp: vCPU failed", "vcpu", v.id, "reason", fmt.Sprintf("%#x", uint32(v.exit.ExitReason)),
				"rip", fmt.Sprintf("%#x", v.exit.VpContext.Rip))
			return hv.Exit{Kind: hv.ExitInternalError, Code: uint64(v.exit.ExitReason)}, nil
		default:
			slog.Warn("whp: unexpected exit", "vcpu", v.id, "reason", fmt.Sprintf("%#x", uint32(v.exit.ExitReason)))
			return hv.Exit{Kind: hv.ExitUnknown, Code: uint64(v.exit.ExitReason)}, nil
		}
	}
}

func (v *virtualCPU) tryEmulation(exit *runVPExitContext) (emulatorStatus, error) {
	var status emulatorStatus
	var err error
	if exit.ExitReason == exitReasonX64IoPortAccess {
		err = tryIoEmulation(v.emulator, v.key, &exit.VpContext, exit.ioPortAccess(), &status)
	} else {
		err = tryMmioEmulation(v.emulator, v.key, &exit.VpContext, exit.memoryAccess(), &status)
	}
	return status, err
}

// emulate runs the capture pass for a memory or port exit. Accesses to the
// IO-APIC are served here; anything else is handed to the caller and
// committed by the next Run.
func (v *virtualCPU) emulate() (hv.Exit, bool, error) {
	a := &v.access
	*a = pendingAccess{phase: phaseCapture, exit: v.exit}

	status, err := v.tryEmulation(&a.exit)
	a.phase = phaseIdle
	if err != nil {
		return hv.Exit{}, false, fmt.Errorf("whp: emulate vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
	}
	if !status.ok() {
		slog.Error("whp: instruction emulation failed", "vcpu", v.id, "status", fmt.Sprintf("%#x", uint32(status)),
			"rip", fmt.Sprintf("%#x", v.exit.VpContext.Rip))
		return hv.Exit{Kind: hv.ExitInternalError, Code: uint64(status)}, false, nil
	}
	if !a.captured {
		return hv.Exit{}, true, nil
	}

	a.active = true
	kind := hv.ExitMMIO
	if a.exit.ExitReason == exitReasonX64IoPortAccess {
		kind = hv.ExitPIO
	}
	return hv.Exit{
		Kind:    kind,
		Addr:    a.addr,
		IsWrite: a.write,
		Data:    a.data[:a.size],
	}, false, nil
}

// completeAccess replays the captured instruction so the emulator commits
// the reply and advances RIP.
func (v *virtualCPU) completeAccess() error {
	a := &v.access
	a.phase = phaseCommit
	status, err := v.tryEmulation(&a.exit)
	a.phase = phaseIdle
	a.active = false
	if err != nil {
		return fmt.Errorf("whp: complete access on vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
	}
	if !status.ok() {
		return fmt.Errorf("whp: complete access on vCPU %d: status %#x: %w", v.id, uint32(status), hv.ErrInternal)
	}
	return nil
}

func (v *virtualCPU) memoryCallback(info *emulatorMemoryAccessInfo) hresult {
	if v == nil || int(info.AccessSize) > len(info.Data) {
		return hrFail
	}
	write := info.Direction == emulatorDirectionWrite
	data := info.Data[:info.AccessSize]

	if v.vm.ioapic.contains(info.GpaAddress) {
		if write {
			v.vm.ioapic.write(info.GpaAddress, data)
		} else {
			v.vm.ioapic.read(info.GpaAddress, data)
		}
		return hrOK
	}
	return v.access.exchange(info.GpaAddress, write, data)
}

func (v *virtualCPU) ioPortCallback(info *emulatorIOAccessInfo) hresult {
	if v == nil || info.AccessSize == 0 || info.AccessSize > 4 {
		return hrFail
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], info.Data)
	write := info.Direction == emulatorDirectionWrite
	hr := v.access.exchange(uint64(info.Port), write, buf[:info.AccessSize])
	if !write {
		info.Data = binary.LittleEndian.Uint32(buf[:])
	}
	return hr
}

func (v *virtualCPU) getRegistersCallback(names []registerName, values []registerValue) hresult {
	if v == nil {
		return hrFail
	}
	if err := getRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
		slog.Error("whp: emulator register read", "vcpu", v.id, "err", err)
		return hrFail
	}
	return hrOK
}

func (v *virtualCPU) setRegistersCallback(names []registerName, values []registerValue) hresult {
	if v == nil {
		return hrFail
	}
	if v.access.phase == phaseCapture && v.access.captured {
		return hrOK
	}
	if err := setRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
		slog.Error("whp: emulator register write", "vcpu", v.id, "err", err)
		return hrFail
	}
	return hrOK
}

func (v *virtualCPU) translateCallback(gva uint64, flags uint32, result *uint32, gpa *uint64) hresult {
	if v == nil {
		return hrFail
	}
	var res translateGvaResult
	if err := translateGva(v.vm.part, uint32(v.id), gva, flags, &res, gpa); err != nil {
		slog.Error("whp: translate gva", "vcpu", v.id, "gva", fmt.Sprintf("%#x", gva), "err", err)
		return hrFail
	}
	*result = res.ResultCode
	return hrOK
}

// InjectInterrupt raises GSI vector through the IO-APIC and cancels the
// current run so the vCPU picks the interrupt up promptly.
func (v *virtualCPU) InjectInterrupt(vector uint32) error {
	if err := v.vm.ioapic.pulse(vector); err != nil {
		return fmt.Errorf("whp: request interrupt %d: %w", vector, err)
	}
	v.kick()
	return nil
}

func (v *virtualCPU) Close() error {
	// A guest inside Run holds the thread; get it out before taking the
	// lock that queued callers are holding.
	v.closing.Store(true)
	v.kick()

	v.closeMu.Lock()
	if v.closed {
		v.closeMu.Unlock()
		return nil
	}

	var errs []error
	v.runQueue <- func() {
		if v.emulator != 0 {
			if err := destroyEmulator(v.emulator); err != nil {
				errs = append(errs, fmt.Errorf("whp: destroy emulator %d: %w", v.id, err))
			}
		}
		if err := deleteVirtualProcessor(v.vm.part, uint32(v.id)); err != nil {
			errs = append(errs, fmt.Errorf("whp: delete vCPU %d: %w", v.id, err))
		}
	}
	v.closed = true
	close(v.runQueue)
	v.closeMu.Unlock()

	<-v.done
	emulatorTargets.Delete(v.key)
	return errors.Join(errs...)
}

var (
	_ hv.VirtualCPU  = &virtualCPU{}
	_ hv.LongModeCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv      *hypervisor
	part    partitionHandle
	ioapic  *ioapic
	numCPUs int

	mu     sync.Mutex
	table  hv.MappingTable
	vcpus  map[int]*virtualCPU
	closed bool
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

func (v *virtualMachine) MapMemory(gpa uint64, mem []byte, flags hv.MemoryFlags) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("whp: map memory: vm closed")
	}
	r := hv.Range{Start: gpa, Size: uint64(len(mem))}
	if err := v.table.Add(r); err != nil {
		return fmt.Errorf("whp: map memory: %w", err)
	}

	var mapFlags uint32
	if flags&hv.MemoryRead != 0 {
		mapFlags |= mapGpaRangeRead
	}
	if flags&hv.MemoryWrite != 0 {
		mapFlags |= mapGpaRangeWrite
	}
	if flags&hv.MemoryExec != 0 {
		mapFlags |= mapGpaRangeExecute
	}
	if err := mapGpaRange(v.part, unsafe.Pointer(&mem[0]), gpa, r.Size, mapFlags); err != nil {
		v.table.Remove(r)
		return fmt.Errorf("whp: map gpa range [%#x, %#x): %w", r.Start, r.End(), err)
	}
	return nil
}

func (v *virtualMachine) UnmapMemory(gpa uint64, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	return v.unmapLocked(hv.Range{Start: gpa, Size: size})
}

func (v *virtualMachine) unmapLocked(r hv.Range) error {
	if !v.table.Remove(r) {
		return nil
	}
	if err := unmapGpaRange(v.part, r.Start, r.Size); err != nil {
		_ = v.table.Add(r)
		return fmt.Errorf("whp: unmap gpa range [%#x, %#x): %w", r.Start, r.End(), err)
	}
	return nil
}

func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("whp: create vCPU %d: vm closed", id)
	}
	if id < 0 || id >= v.numCPUs {
		return nil, fmt.Errorf("whp: vCPU %d beyond partition processor count %d: %w", id, v.numCPUs, hv.ErrResourceExhausted)
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("whp: vCPU %d already exists", id)
	}

	vcpu := &virtualCPU{
		vm:       v,
		id:       id,
		key:      nextEmulatorKey.Add(1),
		runQueue: make(chan func(), 1),
		done:     make(chan struct{}),
	}
	ready := make(chan struct{})
	go vcpu.start(ready)
	<-ready

	var err error
	_ = vcpu.call(func() { err = vcpu.create() })
	if err != nil {
		vcpu.closeMu.Lock()
		vcpu.closed = true
		close(vcpu.runQueue)
		vcpu.closeMu.Unlock()
		<-vcpu.done
		return nil, err
	}

	emulatorTargets.Store(vcpu.key, vcpu)
	v.vcpus[id] = vcpu
	return vcpu, nil
}

// create runs on the vCPU thread.
func (v *virtualCPU) create() error {
	if err := createVirtualProcessor(v.vm.part, uint32(v.id)); err != nil {
		if errors.Is(err, hrOutOfMemory) {
			return fmt.Errorf("whp: create vCPU %d: %w: %w", v.id, hv.ErrResourceExhausted, err)
		}
		return fmt.Errorf("whp: create vCPU %d: %w", v.id, err)
	}
	callbacks := emulatorCallbackTable
	emu, err := createEmulator(&callbacks)
	if err != nil {
		_ = deleteVirtualProcessor(v.vm.part, uint32(v.id))
		return fmt.Errorf("whp: create emulator for vCPU %d: %w", v.id, err)
	}
	v.emulator = emu
	return nil
}

func (v *virtualMachine) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	var errs []error
	for _, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range v.table.Ranges() {
		if err := v.unmapLocked(r); err != nil {
			errs = append(errs, err)
		}
	}
	if err := deletePartition(v.part); err != nil {
		errs = append(errs, fmt.Errorf("whp: delete partition: %w", err))
	}
	return errors.Join(errs...)
}

var _ hv.VirtualMachine = &virtualMachine{}

type hypervisor struct {
	maxCPUs int
}

func (h *hypervisor) Close() error                     { return nil }
func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (h *hypervisor) MaxCPUs() int                     { return h.maxCPUs }

func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	numCPUs := max(config.NumCPUs, 1)
	if numCPUs > h.maxCPUs {
		return nil, fmt.Errorf("whp: %d vCPUs requested, limit %d: %w", numCPUs, h.maxCPUs, hv.ErrResourceExhausted)
	}

	part, err := createPartition()
	if err != nil {
		return nil, fmt.Errorf("whp: create partition: %w: %w", hv.ErrBackendUnavailable, err)
	}
	fail := func(op string, err error) (hv.VirtualMachine, error) {
		_ = deletePartition(part)
		return nil, fmt.Errorf("whp: %s: %w", op, err)
	}

	if err := setPartitionProperty(part, propertyProcessorCount, uint32(numCPUs)); err != nil {
		return fail("set processor count", err)
	}
	if err := setPartitionProperty(part, propertyLocalApicEmulationMode, localApicEmulationModeXApic); err != nil {
		return fail("enable local APIC emulation", err)
	}
	if err := setupPartition(part); err != nil {
		return fail("setup partition", err)
	}

	return &virtualMachine{
		hv:      h,
		part:    part,
		ioapic:  newIOAPIC(part),
		numCPUs: numCPUs,
		vcpus:   make(map[int]*virtualCPU),
	}, nil
}

var _ hv.Hypervisor = &hypervisor{}

// Open checks that the Windows Hypervisor Platform feature is enabled.
func Open() (hv.Hypervisor, error) {
	if err := loadProcs(); err != nil {
		return nil, fmt.Errorf("whp: load WinHvPlatform: %w: %w", hv.ErrBackendUnavailable, err)
	}
	var present uint32
	if err := getCapability(capabilityHypervisorPresent, unsafe.Pointer(&present), uint32(unsafe.Sizeof(present))); err != nil {
		return nil, fmt.Errorf("whp: query hypervisor capability: %w: %w", hv.ErrBackendUnavailable, err)
	}
	if present == 0 {
		return nil, fmt.Errorf("whp: hypervisor not present: %w", hv.ErrBackendUnavailable)
	}
	return &hypervisor{maxCPUs: min(runtime.NumCPU(), maxCPUsLimit)}, nil
}
