//go:build linux && amd64

// Package kvm implements hv.Hypervisor on top of /dev/kvm.
package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmm/internal/hv"
)

const defaultMaxCPUs = 4

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	// runQueue feeds the goroutine that owns the vCPU thread. Every vCPU
	// ioctl goes through it.
	runQueue chan func()
	done     chan struct{}
	tid      atomic.Int32

	closeMu sync.RWMutex
	closed  bool
}

func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start(ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(v.done)

	v.tid.Store(int32(unix.Gettid()))
	close(ready)

	for fn := range v.runQueue {
		fn()
	}
}

// call runs fn on the vCPU thread and waits for it.
func (v *virtualCPU) call(fn func()) error {
	v.closeMu.RLock()
	if v.closed {
		v.closeMu.RUnlock()
		return fmt.Errorf("kvm: vCPU %d is closed", v.id)
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

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// immediateExitWord covers request_interrupt_window, immediate_exit and two
// bytes of padding so that immediate_exit can be updated atomically.
func (v *virtualCPU) immediateExitWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&v.run[0]))
}

func (v *virtualCPU) setImmediateExit(on bool) {
	if on {
		atomic.OrUint32(v.immediateExitWord(), 1<<8)
	} else {
		atomic.AndUint32(v.immediateExitWord(), ^uint32(0xff<<8))
	}
}

// kick forces a vCPU inside KVM_RUN back to the host. immediate_exit covers
// the window before the thread enters the kernel; the signal covers the
// time inside it.
func (v *virtualCPU) kick() {
	v.setImmediateExit(true)
	if tid := v.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil {
			slog.Debug("kvm: kick vCPU", "id", v.id, "err", err)
		}
	}
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
	v.setImmediateExit(false)

	stop := context.AfterFunc(ctx, v.kick)
	defer stop()
	if ctx.Err() != nil {
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	}

	if _, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0); err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			v.setImmediateExit(false)
			return hv.Exit{Kind: hv.ExitCanceled}, nil
		}
		return hv.Exit{}, fmt.Errorf("kvm: run vCPU %d: %w: %w", v.id, hv.ErrInternal, err)
	}

	return v.translateExit(), nil
}

// translateExit converts kvm_run into an hv.Exit. Data for port and MMIO
// exits aliases the kvm_run page, so replies are committed by the next
// KVM_RUN.
func (v *virtualCPU) translateExit() hv.Exit {
	run := v.runData()
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		n := uint64(io.size) * uint64(io.count)
		return hv.Exit{
			Kind:    hv.ExitPIO,
			Addr:    uint64(io.port),
			IsWrite: io.direction == kvmExitIoOut,
			Data:    v.run[io.dataOffset : io.dataOffset+n],
		}
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		return hv.Exit{
			Kind:    hv.ExitMMIO,
			Addr:    mmio.physAddr,
			IsWrite: mmio.isWrite != 0,
			Data:    mmio.data[:min(mmio.len, uint32(len(mmio.data)))],
		}
	case kvmExitHlt:
		return hv.Exit{Kind: hv.ExitHalt}
	case kvmExitShutdown:
		return hv.Exit{Kind: hv.ExitShutdown}
	case kvmExitIntr:
		return hv.Exit{Kind: hv.ExitCanceled}
	case kvmExitSystemEvent:
		event := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch event.typ {
		case kvmSystemEventShutdown, kvmSystemEventReset:
			return hv.Exit{Kind: hv.ExitShutdown}
		case kvmSystemEventCrash:
			return hv.Exit{Kind: hv.ExitInternalError, Code: uint64(event.typ)}
		}
		return hv.Exit{Kind: hv.ExitUnknown, Code: uint64(reason)<<32 | uint64(event.typ)}
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		slog.Error("kvm: internal error", "vcpu", v.id, "suberror", ie.Suberror)
		return hv.Exit{Kind: hv.ExitInternalError, Code: uint64(ie.Suberror)}
	case kvmExitFailEntry:
		fe := (*failEntry)(unsafe.Pointer(&run.anon0[0]))
		slog.Error("kvm: entry failed", "vcpu", v.id, "reason", fe.HardwareEntryFailureReason)
		return hv.Exit{Kind: hv.ExitInternalError, Code: fe.HardwareEntryFailureReason}
	default:
		slog.Warn("kvm: unexpected exit", "vcpu", v.id, "reason", reason)
		return hv.Exit{Kind: hv.ExitUnknown, Code: uint64(reason)}
	}
}

// InjectInterrupt pulses GSI vector on the in-kernel irqchip. The irqchip
// wakes a halted vCPU itself, so no kick is needed.
func (v *virtualCPU) InjectInterrupt(vector uint32) error {
	return v.vm.pulseIRQ(vector)
}

func (v *virtualCPU) Close() error {
	v.closeMu.Lock()
	if v.closed {
		v.closeMu.Unlock()
		return nil
	}
	v.closed = true
	close(v.runQueue)
	v.closeMu.Unlock()

	v.kick()
	<-v.done

	var errs []error
	if err := unix.Munmap(v.run); err != nil {
		errs = append(errs, fmt.Errorf("kvm: munmap vCPU %d run: %w", v.id, err))
	}
	if err := unix.Close(v.fd); err != nil {
		errs = append(errs, fmt.Errorf("kvm: close vCPU %d: %w", v.id, err))
	}
	return errors.Join(errs...)
}

var (
	_ hv.VirtualCPU  = &virtualCPU{}
	_ hv.LongModeCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv   *hypervisor
	vmFd int

	mu        sync.Mutex
	table     hv.MappingTable
	slots     map[hv.Range]uint32
	freeSlots []uint32
	nextSlot  uint32
	vcpus     map[int]*virtualCPU
	closed    bool
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

func (v *virtualMachine) allocSlot() (uint32, error) {
	if n := len(v.freeSlots); n > 0 {
		slot := v.freeSlots[n-1]
		v.freeSlots = v.freeSlots[:n-1]
		return slot, nil
	}
	if int(v.nextSlot) >= v.hv.memSlots {
		return 0, fmt.Errorf("kvm: all %d memory slots in use: %w", v.hv.memSlots, hv.ErrResourceExhausted)
	}
	slot := v.nextSlot
	v.nextSlot++
	return slot, nil
}

func (v *virtualMachine) MapMemory(gpa uint64, mem []byte, flags hv.MemoryFlags) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("kvm: map memory: vm closed")
	}
	r := hv.Range{Start: gpa, Size: uint64(len(mem))}
	if err := v.table.Add(r); err != nil {
		return fmt.Errorf("kvm: map memory: %w", err)
	}
	slot, err := v.allocSlot()
	if err != nil {
		v.table.Remove(r)
		return err
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    r.Size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if flags&hv.MemoryWrite == 0 {
		region.Flags |= kvmMemReadonly
	}
	if err := setUserMemoryRegion(v.vmFd, &region); err != nil {
		v.table.Remove(r)
		v.freeSlots = append(v.freeSlots, slot)
		return fmt.Errorf("kvm: set user memory region [%#x, %#x): %w", r.Start, r.End(), err)
	}
	v.slots[r] = slot
	return nil
}

func (v *virtualMachine) UnmapMemory(gpa uint64, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	r := hv.Range{Start: gpa, Size: size}
	slot, ok := v.slots[r]
	if !ok || v.closed {
		return nil
	}
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{Slot: slot, GuestPhysAddr: gpa}); err != nil {
		return fmt.Errorf("kvm: remove memory slot %d: %w", slot, err)
	}
	delete(v.slots, r)
	v.table.Remove(r)
	v.freeSlots = append(v.freeSlots, slot)
	return nil
}

func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("kvm: create vCPU %d: vm closed", id)
	}
	if id < 0 || id >= v.hv.maxCPUs || len(v.vcpus) >= v.hv.maxCPUs {
		return nil, fmt.Errorf("kvm: vCPU %d beyond limit %d: %w", id, v.hv.maxCPUs, hv.ErrResourceExhausted)
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("kvm: vCPU %d already exists", id)
	}

	vcpu := &virtualCPU{
		vm:       v,
		id:       id,
		fd:       -1,
		runQueue: make(chan func(), 1),
		done:     make(chan struct{}),
	}
	ready := make(chan struct{})
	go vcpu.start(ready)
	<-ready

	var err error
	_ = vcpu.call(func() { err = v.initVCPU(vcpu) })
	if err != nil {
		vcpu.closeMu.Lock()
		vcpu.closed = true
		close(vcpu.runQueue)
		vcpu.closeMu.Unlock()
		<-vcpu.done
		if vcpu.run != nil {
			_ = unix.Munmap(vcpu.run)
		}
		if vcpu.fd >= 0 {
			_ = unix.Close(vcpu.fd)
		}
		return nil, err
	}

	v.vcpus[id] = vcpu
	return vcpu, nil
}

// initVCPU runs on the new vCPU thread.
func (v *virtualMachine) initVCPU(vcpu *virtualCPU) error {
	fd, err := createVCPU(v.vmFd, vcpu.id)
	if err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOMEM) {
			return fmt.Errorf("kvm: create vCPU %d: %w: %w", vcpu.id, hv.ErrResourceExhausted, err)
		}
		return fmt.Errorf("kvm: create vCPU %d: %w", vcpu.id, err)
	}
	vcpu.fd = fd

	run, err := unix.Mmap(fd, 0, v.hv.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", vcpu.id, err)
	}
	vcpu.run = run

	if err := v.hv.archVCPUInit(vcpu); err != nil {
		return fmt.Errorf("kvm: initialize vCPU %d: %w", vcpu.id, err)
	}
	return nil
}

func (v *virtualMachine) pulseIRQ(line uint32) error {
	if err := irqLevel(v.vmFd, line, true); err != nil {
		return fmt.Errorf("kvm: raise irq %d: %w", line, err)
	}
	if err := irqLevel(v.vmFd, line, false); err != nil {
		return fmt.Errorf("kvm: lower irq %d: %w", line, err)
	}
	return nil
}

// Close destroys every vCPU and then the VM. Mappings still installed are
// dropped with the VM.
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
	if err := unix.Close(v.vmFd); err != nil {
		errs = append(errs, fmt.Errorf("kvm: close vm: %w", err))
	}
	return errors.Join(errs...)
}

var _ hv.VirtualMachine = &virtualMachine{}

type hypervisor struct {
	fd       int
	maxCPUs  int
	memSlots int
	mmapSize int

	cpuidOnce sync.Once
	cpuid     []byte
	cpuidErr  error

	closeOnce sync.Once
	closeErr  error
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (h *hypervisor) MaxCPUs() int                     { return h.maxCPUs }

func (h *hypervisor) Close() error {
	h.closeOnce.Do(func() {
		if err := unix.Close(h.fd); err != nil {
			h.closeErr = fmt.Errorf("kvm: close /dev/kvm: %w", err)
		}
	})
	return h.closeErr
}

func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.NumCPUs > h.maxCPUs {
		return nil, fmt.Errorf("kvm: %d vCPUs requested, host allows %d: %w", config.NumCPUs, h.maxCPUs, hv.ErrResourceExhausted)
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("kvm: create VM: %w: %w", hv.ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:    h,
		vmFd:  vmFd,
		slots: make(map[hv.Range]uint32),
		vcpus: make(map[int]*virtualCPU),
	}
	if err := h.archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: initialize VM: %w", err)
	}
	return vm, nil
}

var _ hv.Hypervisor = &hypervisor{}

// Open probes /dev/kvm. Any failure wraps hv.ErrBackendUnavailable.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w: %w", hv.ErrBackendUnavailable, err)
	}

	fail := func(format string, args ...any) (hv.Hypervisor, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: %s: %w", fmt.Sprintf(format, args...), hv.ErrBackendUnavailable)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		return fail("get API version: %v", err)
	}
	if version != kvmApiVersion {
		return fail("unsupported API version %d, want %d", version, kvmApiVersion)
	}
	for _, c := range []struct {
		capability int
		name       string
	}{
		{kvmCapIrqchip, "KVM_CAP_IRQCHIP"},
		{kvmCapPit2, "KVM_CAP_PIT2"},
		{kvmCapImmExit, "KVM_CAP_IMMEDIATE_EXIT"},
	} {
		if v, err := checkExtension(fd, c.capability); err != nil || v == 0 {
			return fail("missing %s", c.name)
		}
	}

	mmapSize, err := getVcpuMmapSize(fd)
	if err != nil {
		return fail("get kvm_run size: %v", err)
	}

	h := &hypervisor{fd: fd, mmapSize: mmapSize, maxCPUs: defaultMaxCPUs, memSlots: 32}
	if n, err := checkExtension(fd, kvmCapMaxVcpus); err == nil && n > 0 {
		h.maxCPUs = n
	} else if n, err := checkExtension(fd, kvmCapNrVcpus); err == nil && n > 0 {
		h.maxCPUs = n
	}
	if n, err := checkExtension(fd, kvmCapNrMemslots); err == nil && n > 0 {
		h.memSlots = n
	}
	return h, nil
}
