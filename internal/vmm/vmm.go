// Package vmm assembles a virtual machine from a configuration and runs it:
// guest RAM, virtio-mmio devices, the boot plan and one runner per vCPU.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/devices"
	"github.com/tinyrange/vmm/internal/devices/virtio"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/linux/boot"
	"github.com/tinyrange/vmm/internal/memory"
	"github.com/tinyrange/vmm/internal/metrics"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// ErrImageUnreadable is returned when the kernel or initrd cannot be read.
var ErrImageUnreadable = errors.New("vmm: boot image unreadable")

type State int

const (
	// StateBooting covers the work inside Start. Start returns a running VM
	// or none at all, so Status never reports it; the "booting" series of
	// the vms gauge does.
	StateBooting State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a snapshot of the VM lifecycle. Reason and Err are only set
// once State is StateStopped.
type Status struct {
	State  State
	Reason vcpu.StopReason
	Err    error
}

func (s Status) String() string {
	if s.State != StateStopped {
		return s.State.String()
	}
	return fmt.Sprintf("stopped(%s)", s.Reason)
}

type Option func(*options)

type options struct {
	log        *slog.Logger
	allocator  memory.Allocator
	consoleOut io.Writer
	consoleIn  io.Reader
	workers    int
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithAllocator replaces the host page allocator used for guest RAM.
func WithAllocator(a memory.Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithConsole connects the virtio console. Output defaults to os.Stdout and
// there is no input unless in is set.
func WithConsole(out io.Writer, in io.Reader) Option {
	return func(o *options) {
		o.consoleOut = out
		o.consoleIn = in
	}
}

// WithBlockWorkers bounds concurrent I/O per block device.
func WithBlockWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// VM is a running virtual machine.
type VM struct {
	id   string
	log  *slog.Logger
	arch hv.CpuArchitecture

	vm      hv.VirtualMachine
	mem     *memory.Manager
	regions []*memory.Region
	mapped  []*memory.Region

	bus        *devices.Bus
	transports []*virtio.Transport
	console    *virtio.Console
	files      []*os.File

	cpus    []hv.VirtualCPU
	runners []*vcpu.Runner

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	reason vcpu.StopReason
	err    error
}

// Start builds the VM described by cfg on hyp and starts its vCPUs. The VM
// counts as booting until Start returns. Errors are returned before any vCPU
// runs, with everything created so far released. The VM stops when the guest shuts down, a vCPU faults, Stop is
// called or ctx ends.
func Start(ctx context.Context, hyp hv.Hypervisor, cfg config.VMConfig, opts ...Option) (_ *VM, err error) {
	o := options{log: slog.Default(), consoleOut: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CPUs > hyp.MaxCPUs() {
		return nil, fmt.Errorf("vmm: %d vCPUs requested, backend allows %d: %w", cfg.CPUs, hyp.MaxCPUs(), hv.ErrResourceExhausted)
	}

	kernel, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel: %w", ErrImageUnreadable, err)
	}
	var initrd []byte
	if cfg.Initrd != "" {
		if initrd, err = os.ReadFile(cfg.Initrd); err != nil {
			return nil, fmt.Errorf("%w: initrd: %w", ErrImageUnreadable, err)
		}
	}

	v := &VM{
		id:   uuid.NewString(),
		arch: hyp.Architecture(),
		done: make(chan struct{}),
	}
	v.log = o.log.With("vm", v.id)
	metrics.VMStates.WithLabelValues(StateBooting.String()).Inc()
	defer func() {
		if err != nil {
			if rerr := v.release(); rerr != nil {
				v.log.Error("release after failed start", "err", rerr)
			}
			v.setState(StateStopped)
		}
	}()

	ramSize := cfg.MemoryBytes()
	layout, err := hv.NewAddressSpace(v.arch, ramSize)
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	v.vm, err = hyp.NewVirtualMachine(hv.VMConfig{NumCPUs: cfg.CPUs, MemorySize: ramSize})
	if err != nil {
		return nil, fmt.Errorf("vmm: create VM: %w", err)
	}

	memOpts := []memory.Option{}
	if o.allocator != nil {
		memOpts = append(memOpts, memory.WithAllocator(o.allocator))
	}
	v.mem = memory.NewManager(ramSize, memOpts...)
	if err := v.addRAM(layout.RAMBase(), ramSize); err != nil {
		return nil, err
	}

	v.bus = devices.NewBus()
	var bootDevices []boot.Device
	for i, disk := range cfg.Disks {
		dev, err := v.openDisk(disk, o)
		if err != nil {
			return nil, err
		}
		bd, err := v.attach(layout, fmt.Sprintf("blk%d", i), dev)
		if err != nil {
			return nil, err
		}
		bootDevices = append(bootDevices, bd)
	}
	if !cfg.Console.Disabled {
		v.console = virtio.NewConsole(o.consoleOut,
			virtio.WithInput(o.consoleIn),
			virtio.WithSize(cfg.Console.Cols, cfg.Console.Rows),
			virtio.WithConsoleLogger(v.log))
		bd, err := v.attach(layout, "console", v.console)
		if err != nil {
			return nil, err
		}
		bootDevices = append(bootDevices, bd)
	}

	cmdline := cfg.Cmdline
	if cmdline == "" {
		cmdline = boot.DefaultCmdline(v.arch)
	}
	plan, err := boot.Load(v.arch, v.mem, kernel, initrd, boot.Options{
		Cmdline: cmdline,
		NumCPUs: cfg.CPUs,
		RAMSize: ramSize,
		Devices: bootDevices,
	})
	if err != nil {
		return nil, err
	}

	for id := 0; id < cfg.CPUs; id++ {
		cpu, err := v.vm.NewVirtualCPU(id)
		if err != nil {
			return nil, fmt.Errorf("vmm: create vCPU %d: %w", id, err)
		}
		v.cpus = append(v.cpus, cpu)
		if err := plan.Apply(cpu); err != nil {
			return nil, err
		}
		v.runners = append(v.runners, vcpu.New(cpu, v.bus, vcpu.WithLogger(v.log)))
	}

	v.log.Info("starting VM",
		"arch", v.arch, "cpus", cfg.CPUs, "memory_mib", cfg.MemoryMiB,
		"entry", fmt.Sprintf("%#x", plan.EntryGPA), "devices", len(v.transports))

	runCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	var g errgroup.Group
	for _, r := range v.runners {
		g.Go(func() error {
			v.onStop(r.Run(runCtx))
			return nil
		})
	}
	v.setState(StateRunning)

	go func() {
		_ = g.Wait()
		cancel()
		v.finish()
	}()
	return v, nil
}

func (v *VM) addRAM(base, size uint64) error {
	region, err := v.mem.Allocate(base, size, hv.MemoryRWX)
	if err != nil {
		return fmt.Errorf("vmm: allocate guest RAM: %w", err)
	}
	v.regions = append(v.regions, region)
	if err := v.vm.MapMemory(region.Base(), region.Bytes(), region.Flags()); err != nil {
		return fmt.Errorf("vmm: map guest RAM: %w", err)
	}
	v.mapped = append(v.mapped, region)
	metrics.GuestMemoryBytes.Add(float64(size))
	return nil
}

func (v *VM) openDisk(disk config.DiskConfig, o options) (*virtio.Block, error) {
	flag := os.O_RDWR
	if disk.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(disk.Path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("vmm: open disk: %w", err)
	}
	v.files = append(v.files, f)
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vmm: stat disk: %w", err)
	}

	blockOpts := []virtio.BlockOption{
		virtio.WithSerial(disk.Serial),
		virtio.WithBlockLogger(v.log.With("disk", disk.Path)),
	}
	if disk.ReadOnly {
		blockOpts = append(blockOpts, virtio.WithReadOnly())
	}
	if o.workers > 0 {
		blockOpts = append(blockOpts, virtio.WithWorkers(o.workers))
	}
	return virtio.NewBlock(f, info.Size(), blockOpts...), nil
}

// namedTransport gives a transport the name the firmware tables use.
type namedTransport struct {
	*virtio.Transport
	name string
}

func (t namedTransport) Name() string { return t.name }

func (v *VM) attach(layout *hv.AddressSpace, name string, dev virtio.Device) (boot.Device, error) {
	alloc, err := layout.Allocate(name, virtio.MMIOWindowSize)
	if err != nil {
		return nil, fmt.Errorf("vmm: place %s: %w", name, err)
	}
	t := virtio.NewTransport(dev, v.mem, alloc.Base, alloc.IRQ, v.interrupt, virtio.WithLogger(v.log.With("device", name)))
	if err := v.bus.AddMMIO(t); err != nil {
		return nil, fmt.Errorf("vmm: attach %s: %w", name, err)
	}
	v.transports = append(v.transports, t)
	v.log.Debug("attached device", "name", name, "base", fmt.Sprintf("%#x", alloc.Base), "irq", alloc.IRQ)
	return namedTransport{Transport: t, name: name}, nil
}

// interrupt raises a device line. Lines are routed to the boot vCPU; the
// other runners are woken so a halted vCPU re-enters the guest and can take
// interrupts the platform routes to it.
func (v *VM) interrupt(line uint32) error {
	if len(v.runners) == 0 {
		return nil
	}
	err := v.runners[0].Inject(line)
	for _, r := range v.runners[1:] {
		r.Wake()
	}
	return err
}

func (v *VM) onStop(stop vcpu.Stop) {
	switch stop.Reason {
	case vcpu.StopShutdown, vcpu.StopInternalError, vcpu.StopUnknownExit:
		v.log.Info("vCPU stopped the VM", "vcpu", stop.CPU, "reason", stop.Reason)
		v.requestStop(stop.Reason, stop.Err)
	}
}

// requestStop records why the VM is stopping, if nothing has yet, and
// cancels the runners. The backends kick vCPUs out of the guest when their
// Run context ends.
func (v *VM) requestStop(reason vcpu.StopReason, err error) {
	v.mu.Lock()
	if v.reason == vcpu.StopNone {
		v.reason = reason
		v.err = err
	}
	v.mu.Unlock()

	if v.cancel != nil {
		v.cancel()
	}
	for _, r := range v.runners {
		r.Wake()
	}
}

// finish runs once every runner has returned.
func (v *VM) finish() {
	rerr := v.release()

	v.mu.Lock()
	if v.reason == vcpu.StopNone {
		v.reason = vcpu.StopCanceled
	}
	v.err = errors.Join(v.err, rerr)
	v.mu.Unlock()

	v.setState(StateStopped)
	v.log.Info("VM stopped", "reason", v.Status().Reason)
	close(v.done)
}

// release tears down in dependency order: devices are drained while vCPUs
// can still take their interrupts, memory is unmapped before it is freed,
// and the VM goes last.
func (v *VM) release() error {
	var errs []error

	for _, t := range v.transports {
		t.Drain()
	}
	if v.console != nil {
		if err := v.console.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close console: %w", err))
		}
	}

	for _, r := range v.mapped {
		if err := v.vm.UnmapMemory(r.Base(), r.Size()); err != nil {
			errs = append(errs, fmt.Errorf("unmap %#x: %w", r.Base(), err))
		}
		metrics.GuestMemoryBytes.Sub(float64(r.Size()))
	}
	v.mapped = nil
	for _, r := range v.regions {
		if err := v.mem.Free(r); err != nil {
			errs = append(errs, fmt.Errorf("free %#x: %w", r.Base(), err))
		}
	}
	v.regions = nil

	for _, cpu := range v.cpus {
		if err := cpu.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vCPU %d: %w", cpu.ID(), err))
		}
	}
	if v.vm != nil {
		if err := v.vm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close VM: %w", err))
		}
	}
	for _, f := range v.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Name(), err))
		}
	}
	v.files = nil

	for _, err := range errs {
		v.log.Error("teardown", "err", err)
	}
	return errors.Join(errs...)
}

func (v *VM) setState(s State) {
	v.mu.Lock()
	prev := v.state
	v.state = s
	v.mu.Unlock()

	metrics.VMStates.WithLabelValues(prev.String()).Dec()
	if s != StateStopped {
		metrics.VMStates.WithLabelValues(s.String()).Inc()
	}
}

// ID returns the VM's unique identifier.
func (v *VM) ID() string { return v.id }

func (v *VM) Architecture() hv.CpuArchitecture { return v.arch }

// Console returns the virtio console, or nil when it is disabled.
func (v *VM) Console() *virtio.Console { return v.console }

func (v *VM) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateStopped {
		return Status{State: v.state}
	}
	return Status{State: v.state, Reason: v.reason, Err: v.err}
}

// Stop asks every vCPU to leave the guest and waits for teardown. It is
// safe to call more than once and after the VM stopped by itself.
func (v *VM) Stop() error {
	v.requestStop(vcpu.StopCanceled, nil)
	return v.Wait().Err
}

// Wait blocks until the VM has stopped and its resources are released.
func (v *VM) Wait() Status {
	<-v.done
	return v.Status()
}

// Done is closed once the VM has stopped.
func (v *VM) Done() <-chan struct{} { return v.done }
