//go:build darwin && arm64

// Package hvf implements hv.Hypervisor on Apple Silicon using
// Hypervisor.framework.
package hvf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
)

// Hypervisor.framework allows a single VM per process.
var globalVM atomic.Pointer[virtualMachine]

const arm64InstructionSizeBytes = 4

// mmioAccess is a trapped load or store whose completion is deferred to the
// next Run, after the device has filled or consumed the data.
type mmioAccess struct {
	active     bool
	read       bool
	target     hv.Register
	size       int
	signExtend bool
	sixtyFour  bool
}

type cpuOnRequest struct {
	entry   uint64
	context uint64
}

type virtualCPU struct {
	vm     *virtualMachine
	id     int
	handle uint64
	exit   *hvVcpuExit

	runQueue chan func()
	done     chan struct{}
	// wake interrupts host side waits (WFI with an armed timer, powered off
	// secondaries).
	wake    chan struct{}
	powerOn chan cpuOnRequest
	on      atomic.Bool

	irqMu sync.Mutex
	irqs  []uint32

	closing atomic.Bool
	closeMu sync.RWMutex
	closed  bool

	// Owned by the vCPU thread.
	started bool
	access  mmioAccess
	data    [8]byte
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

// call runs fn on the vCPU thread and waits for it. Hypervisor.framework
// rejects vCPU calls from any other thread.
func (v *virtualCPU) call(fn func()) error {
	v.closeMu.RLock()
	if v.closed {
		v.closeMu.RUnlock()
		return fmt.Errorf("hvf: vCPU %d is closed", v.id)
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
	handle := v.handle
	if r := hvVcpusExit(&handle, 1); r != hvSuccess {
		slog.Debug("hvf: kick vCPU", "id", v.id, "err", r)
	}
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *virtualCPU) getReg(reg hvReg) (uint64, error) {
	var value uint64
	if err := hvVcpuGetReg(v.handle, reg, &value).toError("get register"); err != nil {
		return 0, err
	}
	return value, nil
}

func (v *virtualCPU) setReg(reg hvReg, value uint64) error {
	return hvVcpuSetReg(v.handle, reg, value).toError("set register")
}

func (v *virtualCPU) getSysReg(reg hvSysReg) (uint64, error) {
	var value uint64
	if err := hvVcpuGetSysReg(v.handle, reg, &value).toError("get system register"); err != nil {
		return 0, err
	}
	return value, nil
}

func (v *virtualCPU) readRegister(reg hv.Register) (uint64, error) {
	switch {
	case reg >= hv.RegisterARM64X0 && reg <= hv.RegisterARM64X30:
		return v.getReg(hvRegX0 + hvReg(reg-hv.RegisterARM64X0))
	case reg == hv.RegisterARM64Xzr:
		return 0, nil
	case reg == hv.RegisterARM64Pc:
		return v.getReg(hvRegPc)
	case reg == hv.RegisterARM64Pstate:
		return v.getReg(hvRegCpsr)
	case reg == hv.RegisterARM64Sp:
		return v.getSysReg(hvSysRegSpEl1)
	default:
		return 0, fmt.Errorf("hvf: unsupported register %v", reg)
	}
}

func (v *virtualCPU) writeRegister(reg hv.Register, value uint64) error {
	switch {
	case reg >= hv.RegisterARM64X0 && reg <= hv.RegisterARM64X30:
		return v.setReg(hvRegX0+hvReg(reg-hv.RegisterARM64X0), value)
	case reg == hv.RegisterARM64Xzr:
		return nil
	case reg == hv.RegisterARM64Pc:
		return v.setReg(hvRegPc, value)
	case reg == hv.RegisterARM64Pstate:
		return v.setReg(hvRegCpsr, value)
	case reg == hv.RegisterARM64Sp:
		return hvVcpuSetSysReg(v.handle, hvSysRegSpEl1, value).toError("set SP_EL1")
	default:
		return fmt.Errorf("hvf: unsupported register %v", reg)
	}
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	var err error
	if cerr := v.call(func() {
		for reg := range regs {
			var value uint64
			if value, err = v.readRegister(reg); err != nil {
				return
			}
			regs[reg] = hv.Register64(value)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	var err error
	if cerr := v.call(func() {
		for reg, value := range regs {
			r64, ok := value.(hv.Register64)
			if !ok {
				err = fmt.Errorf("hvf: register %v: unsupported value %T", reg, value)
				return
			}
			if err = v.writeRegister(reg, uint64(r64)); err != nil {
				return
			}
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

func (v *virtualCPU) advancePC() error {
	pc, err := v.getReg(hvRegPc)
	if err != nil {
		return err
	}
	return v.setReg(hvRegPc, pc+arm64InstructionSizeBytes)
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
	if err := v.completeAccess(); err != nil {
		return hv.Exit{}, fmt.Errorf("hvf: vCPU %d: complete MMIO access: %w: %w", v.id, hv.ErrInternal, err)
	}

	stop := context.AfterFunc(ctx, v.kick)
	defer stop()

	for {
		if ctx.Err() != nil || v.closing.Load() {
			return hv.Exit{Kind: hv.ExitCanceled}, nil
		}
		if !v.started {
			if !v.waitPowerOn(ctx) {
				return hv.Exit{Kind: hv.ExitCanceled}, nil
			}
			continue
		}
		if err := v.deliverInterrupts(); err != nil {
			return hv.Exit{}, fmt.Errorf("hvf: vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
		}

		if err := hvVcpuRun(v.handle).toError("run vCPU"); err != nil {
			return hv.Exit{}, fmt.Errorf("hvf: vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
		}

		switch v.exit.Reason {
		case hvExitReasonCanceled:
			return hv.Exit{Kind: hv.ExitCanceled}, nil
		case hvExitReasonVTimerActivated:
			// The framework GIC owns timer delivery; unmask so the next
			// expiry is reported again.
			if err := hvVcpuSetVtimerMask(v.handle, false).toError("unmask vtimer"); err != nil {
				return hv.Exit{}, fmt.Errorf("hvf: vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
			}
		case hvExitReasonException:
			exit, handled, err := v.handleException(ctx)
			if err != nil {
				return hv.Exit{}, fmt.Errorf("hvf: vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
			}
			if !handled {
				return exit, nil
			}
		default:
			slog.Warn("hvf: unexpected exit", "vcpu", v.id, "reason", v.exit.Reason)
			return hv.Exit{Kind: hv.ExitUnknown, Code: uint64(v.exit.Reason)}, nil
		}
	}
}

// waitPowerOn parks a secondary vCPU until PSCI CPU_ON names it. It returns
// false when the wait was interrupted.
func (v *virtualCPU) waitPowerOn(ctx context.Context) bool {
	select {
	case req := <-v.powerOn:
		if err := v.applyPowerOn(req); err != nil {
			slog.Error("hvf: power on vCPU", "vcpu", v.id, "err", err)
			v.on.Store(false)
			return false
		}
		v.started = true
		return true
	case <-v.wake:
		return false
	case <-ctx.Done():
		return false
	}
}

func (v *virtualCPU) applyPowerOn(req cpuOnRequest) error {
	if err := v.setReg(hvRegPc, req.entry); err != nil {
		return err
	}
	if err := v.setReg(hvRegX0, req.context); err != nil {
		return err
	}
	return v.setReg(hvRegCpsr, hv.ARM64PstateEL1hMasked)
}

// completeAccess finishes the MMIO access reported by the previous exit:
// loads land in their target register and the faulting instruction is
// skipped.
func (v *virtualCPU) completeAccess() error {
	access := v.access
	if !access.active {
		return nil
	}
	v.access = mmioAccess{}

	if access.read {
		var buf [8]byte
		copy(buf[:], v.data[:access.size])
		value := binary.LittleEndian.Uint64(buf[:])
		if access.signExtend && access.size < 8 {
			shift := 64 - 8*uint(access.size)
			value = uint64(int64(value<<shift) >> shift)
		}
		if !access.sixtyFour {
			value &= 0xffffffff
		}
		if err := v.writeRegister(access.target, value); err != nil {
			return err
		}
	}
	return v.advancePC()
}

// InjectInterrupt queues SPI vector for the vCPU thread and kicks it. The
// line is asserted on the GIC before the next guest entry.
func (v *virtualCPU) InjectInterrupt(vector uint32) error {
	v.irqMu.Lock()
	v.irqs = append(v.irqs, vector)
	v.irqMu.Unlock()

	v.kick()
	return nil
}

func (v *virtualCPU) hasPendingInterrupts() bool {
	v.irqMu.Lock()
	defer v.irqMu.Unlock()
	return len(v.irqs) > 0
}

func (v *virtualCPU) deliverInterrupts() error {
	v.irqMu.Lock()
	irqs := v.irqs
	v.irqs = nil
	v.irqMu.Unlock()

	for _, vector := range irqs {
		intid := hv.ARM64SPIBase + vector
		if err := hvGicSetSpi(intid, true).toError("assert SPI"); err != nil {
			return fmt.Errorf("intid %d: %w", intid, err)
		}
		if err := hvGicSetSpi(intid, false).toError("deassert SPI"); err != nil {
			return fmt.Errorf("intid %d: %w", intid, err)
		}
	}
	return nil
}

func (v *virtualCPU) Close() error {
	v.closeMu.Lock()
	if v.closed {
		v.closeMu.Unlock()
		return nil
	}
	v.closed = true
	v.closeMu.Unlock()

	// A Run already queued returns at once; the destroy must run on the
	// owning thread and is the last thing it does.
	v.closing.Store(true)
	v.kick()

	var err error
	v.runQueue <- func() {
		err = hvVcpuDestroy(v.handle).toError("destroy vCPU")
	}
	close(v.runQueue)
	<-v.done

	if err != nil {
		return fmt.Errorf("hvf: vCPU %d: %w", v.id, err)
	}
	return nil
}

var _ hv.VirtualCPU = &virtualCPU{}

type virtualMachine struct {
	hv *hypervisor

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
		return fmt.Errorf("hvf: map memory: vm closed")
	}
	if len(mem) == 0 {
		return fmt.Errorf("hvf: map memory at %#x: empty region", gpa)
	}
	r := hv.Range{Start: gpa, Size: uint64(len(mem))}
	if err := v.table.Add(r); err != nil {
		return fmt.Errorf("hvf: map memory: %w", err)
	}

	var hvFlags hvMemoryFlags
	if flags&hv.MemoryRead != 0 {
		hvFlags |= hvMemoryRead
	}
	if flags&hv.MemoryWrite != 0 {
		hvFlags |= hvMemoryWrite
	}
	if flags&hv.MemoryExec != 0 {
		hvFlags |= hvMemoryExec
	}

	if err := hvVmMap(unsafe.Pointer(&mem[0]), gpa, uintptr(len(mem)), hvFlags).toError("map memory"); err != nil {
		v.table.Remove(r)
		return fmt.Errorf("hvf: [%#x, %#x): %w", r.Start, r.End(), err)
	}
	return nil
}

func (v *virtualMachine) UnmapMemory(gpa uint64, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unmapLocked(hv.Range{Start: gpa, Size: size})
}

func (v *virtualMachine) unmapLocked(r hv.Range) error {
	if v.closed || !v.table.Remove(r) {
		return nil
	}
	if err := hvVmUnmap(r.Start, uintptr(r.Size)).toError("unmap memory"); err != nil {
		_ = v.table.Add(r)
		return fmt.Errorf("hvf: [%#x, %#x): %w", r.Start, r.End(), err)
	}
	return nil
}

func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("hvf: create vCPU %d: vm closed", id)
	}
	if id < 0 || id >= v.hv.maxCPUs || len(v.vcpus) >= v.hv.maxCPUs {
		return nil, fmt.Errorf("hvf: vCPU %d beyond limit %d: %w", id, v.hv.maxCPUs, hv.ErrResourceExhausted)
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("hvf: vCPU %d already exists", id)
	}

	vcpu := &virtualCPU{
		vm:       v,
		id:       id,
		runQueue: make(chan func(), 1),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		powerOn:  make(chan cpuOnRequest, 1),
		// Secondaries stay parked until the guest starts them with PSCI.
		started: id == 0,
	}
	vcpu.on.Store(id == 0)

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

	v.vcpus[id] = vcpu
	return vcpu, nil
}

// create runs on the new vCPU thread.
func (v *virtualCPU) create() error {
	var exit *hvVcpuExit
	if r := hvVcpuCreate(&v.handle, &exit, 0); r != hvSuccess {
		if r == hvNoResources {
			return fmt.Errorf("hvf: create vCPU %d: %w: %w", v.id, hv.ErrResourceExhausted, r)
		}
		return fmt.Errorf("hvf: create vCPU %d: %w", v.id, r)
	}
	v.exit = exit

	// MPIDR affinity 0 is how PSCI CPU_ON and the GIC redistributors
	// identify this vCPU.
	if err := hvVcpuSetSysReg(v.handle, hvSysRegMPIDR, uint64(v.id)).toError("set MPIDR_EL1"); err != nil {
		hvVcpuDestroy(v.handle)
		return fmt.Errorf("hvf: vCPU %d: %w", v.id, err)
	}
	return nil
}

func (v *virtualMachine) vcpu(id int) (*virtualCPU, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vcpu, ok := v.vcpus[id]
	return vcpu, ok
}

// Close destroys every vCPU, removes the remaining mappings and destroys the
// VM.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	var errs []error
	for _, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	v.mu.Lock()
	for _, r := range v.table.Ranges() {
		if err := v.unmapLocked(r); err != nil {
			errs = append(errs, err)
		}
	}
	v.closed = true
	v.mu.Unlock()

	if err := hvVmDestroy().toError("destroy VM"); err != nil {
		errs = append(errs, err)
	}
	globalVM.CompareAndSwap(v, nil)
	return errors.Join(errs...)
}

var _ hv.VirtualMachine = &virtualMachine{}

type hypervisor struct {
	maxCPUs  int
	timebase machTimebaseInfo
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }
func (h *hypervisor) MaxCPUs() int                     { return h.maxCPUs }

// Close destroys a VM that is still open.
func (h *hypervisor) Close() error {
	if vm := globalVM.Load(); vm != nil {
		return vm.Close()
	}
	return nil
}

func (h *hypervisor) ticksToDuration(ticks uint64) time.Duration {
	if h.timebase.Denom == 0 {
		return time.Duration(ticks)
	}
	return time.Duration(ticks * uint64(h.timebase.Numer) / uint64(h.timebase.Denom))
}

func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize == 0 {
		return nil, fmt.Errorf("hvf: memory size must be greater than 0")
	}
	if config.NumCPUs > h.maxCPUs {
		return nil, fmt.Errorf("hvf: %d vCPUs requested, host allows %d: %w", config.NumCPUs, h.maxCPUs, hv.ErrResourceExhausted)
	}

	vm := &virtualMachine{
		hv:    h,
		vcpus: make(map[int]*virtualCPU),
	}
	if !globalVM.CompareAndSwap(nil, vm) {
		return nil, fmt.Errorf("hvf: a VM already exists in this process: %w", hv.ErrResourceExhausted)
	}

	if r := hvVmCreate(0); r != hvSuccess {
		globalVM.Store(nil)
		if r == hvDenied || r == hvUnsupported {
			return nil, fmt.Errorf("hvf: create VM: %w: %w", hv.ErrBackendUnavailable, r)
		}
		return nil, fmt.Errorf("hvf: create VM: %w", r)
	}

	if err := createGIC(config.NumCPUs); err != nil {
		hvVmDestroy()
		globalVM.Store(nil)
		return nil, err
	}
	return vm, nil
}

func createGIC(cpus int) error {
	var redistSize uintptr
	if err := hvGicGetRedistributorSize(&redistSize).toError("hv_gic_get_redistributor_size"); err != nil {
		return err
	}
	if redistSize > hv.ARM64GICRedistributorStride {
		return fmt.Errorf("hvf: GIC redistributor size %#x exceeds %#x", redistSize, hv.ARM64GICRedistributorStride)
	}
	if end := uint64(hv.ARM64GICRedistributorBase) + uint64(max(cpus, 1))*hv.ARM64GICRedistributorStride; end > 0x09000000 {
		return fmt.Errorf("hvf: %d redistributors overflow the interrupt controller window", cpus)
	}

	cfg := hvGicConfigCreate()
	if cfg == 0 {
		return fmt.Errorf("hvf: hv_gic_config_create returned nil")
	}
	defer osRelease(cfg)

	if err := hvGicConfigSetDistributorBase(cfg, hv.ARM64GICDistributorBase).toError("hv_gic_config_set_distributor_base"); err != nil {
		return err
	}
	if err := hvGicConfigSetRedistributorBase(cfg, hv.ARM64GICRedistributorBase).toError("hv_gic_config_set_redistributor_base"); err != nil {
		return err
	}
	return hvGicCreate(cfg).toError("hv_gic_create")
}

var _ hv.Hypervisor = &hypervisor{}

// Open binds Hypervisor.framework. Hosts without the framework GIC (macOS
// 14 and earlier) are reported as unavailable.
func Open() (hv.Hypervisor, error) {
	if err := loadFramework(); err != nil {
		return nil, fmt.Errorf("%w: %w", hv.ErrBackendUnavailable, err)
	}

	var maxCPUs uint32
	if err := hvVmGetMaxVcpuCount(&maxCPUs).toError("hv_vm_get_max_vcpu_count"); err != nil {
		return nil, fmt.Errorf("%w: %w", hv.ErrBackendUnavailable, err)
	}

	h := &hypervisor{maxCPUs: int(maxCPUs)}
	if machTimebaseInfoF(&h.timebase) != 0 {
		h.timebase = machTimebaseInfo{Numer: 1, Denom: 1}
	}
	return h, nil
}
