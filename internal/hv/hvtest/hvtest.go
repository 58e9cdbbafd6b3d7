// Package hvtest is a software hypervisor backend for tests.
//
// Guest code is an ordinary Go function that runs on its own goroutine and
// talks to the host only through exits, exactly like real guest code: every
// MMIO, port, halt or shutdown request blocks the guest until the host calls
// Run again. Guest memory is the memory the host maps with MapMemory.
package hvtest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
)

// ErrStopped is returned to guest code once its vCPU has been closed.
var ErrStopped = errors.New("hvtest: vcpu stopped")

// Program is the guest code executed by one vCPU. Returning nil shuts the
// vCPU down; returning an error reports an internal error.
type Program func(cpu *GuestCPU) error

type Option func(*Hypervisor)

func WithArchitecture(arch hv.CpuArchitecture) Option {
	return func(h *Hypervisor) { h.arch = arch }
}

func WithMaxCPUs(n int) Option {
	return func(h *Hypervisor) { h.maxCPUs = n }
}

// WithProgram sets the guest code for every vCPU. The function receives the
// vCPU id.
func WithProgram(p func(id int) Program) Option {
	return func(h *Hypervisor) { h.program = p }
}

// WithUnavailable makes NewVirtualMachine fail like a host without
// hypervisor support.
func WithUnavailable() Option {
	return func(h *Hypervisor) { h.unavailable = true }
}

type Hypervisor struct {
	arch        hv.CpuArchitecture
	maxCPUs     int
	program     func(id int) Program
	unavailable bool

	mu  sync.Mutex
	vms []*VirtualMachine
}

func New(opts ...Option) *Hypervisor {
	h := &Hypervisor{arch: hv.ArchitectureX86_64, maxCPUs: 8}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return h.arch }
func (h *Hypervisor) MaxCPUs() int                     { return h.maxCPUs }
func (h *Hypervisor) Close() error                     { return nil }

// VMs returns every VM created so far.
func (h *Hypervisor) VMs() []*VirtualMachine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*VirtualMachine(nil), h.vms...)
}

func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if h.unavailable {
		return nil, fmt.Errorf("hvtest: %w", hv.ErrBackendUnavailable)
	}
	if config.MemorySize == 0 {
		return nil, fmt.Errorf("hvtest: memory size must be greater than 0")
	}
	vm := &VirtualMachine{hv: h, cpus: make(map[int]*VirtualCPU)}
	h.mu.Lock()
	h.vms = append(h.vms, vm)
	h.mu.Unlock()
	return vm, nil
}

type mapping struct {
	r   hv.Range
	mem []byte
}

type VirtualMachine struct {
	hv *Hypervisor

	mu       sync.Mutex
	mappings []mapping
	table    hv.MappingTable
	cpus     map[int]*VirtualCPU
	closed   bool

	maps   int
	unmaps int
}

func (v *VirtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

func (v *VirtualMachine) MapMemory(gpa uint64, mem []byte, flags hv.MemoryFlags) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	r := hv.Range{Start: gpa, Size: uint64(len(mem))}
	if err := v.table.Add(r); err != nil {
		return fmt.Errorf("hvtest: map memory: %w", err)
	}
	v.mappings = append(v.mappings, mapping{r: r, mem: mem})
	v.maps++
	return nil
}

func (v *VirtualMachine) UnmapMemory(gpa uint64, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	r := hv.Range{Start: gpa, Size: size}
	if !v.table.Remove(r) {
		return nil
	}
	for i, m := range v.mappings {
		if m.r == r {
			v.mappings = append(v.mappings[:i], v.mappings[i+1:]...)
			break
		}
	}
	v.unmaps++
	return nil
}

// MappingCounts reports successful MapMemory and UnmapMemory calls.
func (v *VirtualMachine) MappingCounts() (maps, unmaps int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maps, v.unmaps
}

func (v *VirtualMachine) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *VirtualMachine) physical(gpa uint64, n int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range v.mappings {
		if m.r.Contains(gpa, uint64(n)) {
			off := gpa - m.r.Start
			return m.mem[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("hvtest: guest physical access [%#x, +%d) is not mapped", gpa, n)
}

func (v *VirtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("hvtest: vm closed")
	}
	if len(v.cpus) >= v.hv.maxCPUs {
		return nil, fmt.Errorf("hvtest: vCPU %d beyond limit %d: %w", id, v.hv.maxCPUs, hv.ErrResourceExhausted)
	}
	if _, ok := v.cpus[id]; ok {
		return nil, fmt.Errorf("hvtest: vCPU %d already exists", id)
	}

	cpu := &VirtualCPU{
		vm:      v,
		id:      id,
		regs:    make(map[hv.Register]hv.RegisterValue),
		exits:   make(chan hv.Exit),
		resume:  make(chan struct{}),
		kick:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if v.hv.program != nil {
		cpu.program = v.hv.program(id)
	}
	v.cpus[id] = cpu
	return cpu, nil
}

// CPU returns the vCPU with the given id, or nil.
func (v *VirtualMachine) CPU(id int) *VirtualCPU {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cpus[id]
}

func (v *VirtualMachine) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	cpus := make([]*VirtualCPU, 0, len(v.cpus))
	for _, c := range v.cpus {
		cpus = append(cpus, c)
	}
	v.mu.Unlock()

	for _, c := range cpus {
		_ = c.Close()
	}
	return nil
}

type VirtualCPU struct {
	vm      *VirtualMachine
	id      int
	program Program

	mu       sync.Mutex
	regs     map[hv.Register]hv.RegisterValue
	pml4     uint64
	longMode bool
	pending  []uint32
	injected []uint32

	startOnce sync.Once
	closeOnce sync.Once

	// exits carries guest requests to Run; resume releases the guest after
	// the host has handled the previous exit.
	exits   chan hv.Exit
	resume  chan struct{}
	kick    chan struct{}
	stopped chan struct{}
	done    chan struct{}

	// inGuest is true while the guest owns the vCPU and false while an exit
	// is being handled by the host.
	inGuest bool
	runs    int
}

func (c *VirtualCPU) ID() int                           { return c.id }
func (c *VirtualCPU) VirtualMachine() hv.VirtualMachine { return c.vm }

func (c *VirtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range regs {
		c.regs[k] = v
	}
	return nil
}

func (c *VirtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range regs {
		v, ok := c.regs[k]
		if !ok {
			v = hv.Register64(0)
		}
		regs[k] = v
	}
	return nil
}

// Register returns the current value of reg.
func (c *VirtualCPU) Register(reg hv.Register) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.regs[reg].(hv.Register64); ok {
		return uint64(v)
	}
	return 0
}

func (c *VirtualCPU) EnterLongMode(pml4 uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pml4 = pml4
	c.longMode = true
	return nil
}

// LongMode reports whether EnterLongMode was called and with which PML4.
func (c *VirtualCPU) LongMode() (bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.longMode, c.pml4
}

func (c *VirtualCPU) InjectInterrupt(vector uint32) error {
	c.mu.Lock()
	c.pending = append(c.pending, vector)
	c.injected = append(c.injected, vector)
	c.mu.Unlock()
	return nil
}

// Injected returns every vector injected so far.
func (c *VirtualCPU) Injected() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.injected...)
}

// Runs reports how many times Run entered the guest.
func (c *VirtualCPU) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

// Kick forces a concurrent Run to return ExitCanceled.
func (c *VirtualCPU) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *VirtualCPU) start() {
	go func() {
		defer close(c.done)
		if c.program == nil {
			c.exit(hv.Exit{Kind: hv.ExitShutdown})
			return
		}
		guest := &GuestCPU{cpu: c}
		if err := c.program(guest); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			c.exit(hv.Exit{Kind: hv.ExitInternalError, Code: 1})
			return
		}
		c.exit(hv.Exit{Kind: hv.ExitShutdown})
	}()
}

// exit hands an exit to the host and waits to be resumed.
func (c *VirtualCPU) exit(e hv.Exit) error {
	select {
	case c.exits <- e:
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-c.resume:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *VirtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	select {
	case <-c.stopped:
		return hv.Exit{}, fmt.Errorf("hvtest: vCPU %d closed", c.id)
	default:
	}

	c.startOnce.Do(c.start)

	c.mu.Lock()
	c.runs++
	c.mu.Unlock()

	if !c.inGuest {
		c.inGuest = true
		if c.runs > 1 {
			// Let the guest observe the reply to its last exit.
			select {
			case c.resume <- struct{}{}:
			case <-c.stopped:
				return hv.Exit{}, fmt.Errorf("hvtest: vCPU %d closed", c.id)
			case <-c.done:
				return hv.Exit{Kind: hv.ExitShutdown}, nil
			}
		}
	}

	select {
	case e := <-c.exits:
		c.inGuest = false
		return e, nil
	case <-ctx.Done():
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	case <-c.kick:
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	case <-c.done:
		return hv.Exit{Kind: hv.ExitShutdown}, nil
	}
}

func (c *VirtualCPU) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopped)
	})
	// A vCPU that never ran has no guest goroutine to wait for.
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
	return nil
}

// GuestCPU is the view guest code has of its vCPU.
type GuestCPU struct {
	cpu *VirtualCPU
}

func (g *GuestCPU) ID() int { return g.cpu.id }

// Register reads a register the host set before the vCPU started.
func (g *GuestCPU) Register(reg hv.Register) uint64 { return g.cpu.Register(reg) }

// ReadPhys reads guest physical memory directly.
func (g *GuestCPU) ReadPhys(gpa uint64, p []byte) error {
	mem, err := g.cpu.vm.physical(gpa, len(p))
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// WritePhys writes guest physical memory directly.
func (g *GuestCPU) WritePhys(gpa uint64, p []byte) error {
	mem, err := g.cpu.vm.physical(gpa, len(p))
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func (g *GuestCPU) word(gpa uint64) (*uint32, error) {
	if gpa%4 != 0 {
		return nil, fmt.Errorf("hvtest: unaligned word access at %#x", gpa)
	}
	mem, err := g.cpu.vm.physical(gpa, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&mem[0])), nil
}

// LoadPhys32 atomically loads the aligned word at gpa.
func (g *GuestCPU) LoadPhys32(gpa uint64) (uint32, error) {
	p, err := g.word(gpa)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// StorePhys32 atomically stores the aligned word at gpa.
func (g *GuestCPU) StorePhys32(gpa uint64, v uint32) error {
	p, err := g.word(gpa)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

func (g *GuestCPU) WriteU16(gpa uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return g.WritePhys(gpa, b[:])
}

func (g *GuestCPU) WriteU32(gpa uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return g.WritePhys(gpa, b[:])
}

func (g *GuestCPU) WriteU64(gpa uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return g.WritePhys(gpa, b[:])
}

func (g *GuestCPU) ReadU16(gpa uint64) (uint16, error) {
	var b [2]byte
	err := g.ReadPhys(gpa, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

// MMIOWrite stores data at a device address.
func (g *GuestCPU) MMIOWrite(addr uint64, data []byte) error {
	return g.cpu.exit(hv.Exit{Kind: hv.ExitMMIO, Addr: addr, IsWrite: true, Data: append([]byte(nil), data...)})
}

func (g *GuestCPU) MMIOWrite32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return g.MMIOWrite(addr, b[:])
}

// MMIORead loads size bytes from a device address.
func (g *GuestCPU) MMIORead(addr uint64, size int) ([]byte, error) {
	data := make([]byte, size)
	if err := g.cpu.exit(hv.Exit{Kind: hv.ExitMMIO, Addr: addr, Data: data}); err != nil {
		return nil, err
	}
	return data, nil
}

func (g *GuestCPU) MMIORead32(addr uint64) (uint32, error) {
	data, err := g.MMIORead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (g *GuestCPU) OutB(port uint16, v byte) error {
	return g.cpu.exit(hv.Exit{Kind: hv.ExitPIO, Addr: uint64(port), IsWrite: true, Data: []byte{v}})
}

func (g *GuestCPU) InB(port uint16) (byte, error) {
	data := []byte{0}
	if err := g.cpu.exit(hv.Exit{Kind: hv.ExitPIO, Addr: uint64(port), Data: data}); err != nil {
		return 0, err
	}
	return data[0], nil
}

// Halt stops the vCPU until the host resumes it.
func (g *GuestCPU) Halt() error {
	return g.cpu.exit(hv.Exit{Kind: hv.ExitHalt})
}

// TakeInterrupts returns and clears the interrupts delivered so far.
func (g *GuestCPU) TakeInterrupts() []uint32 {
	g.cpu.mu.Lock()
	defer g.cpu.mu.Unlock()
	out := g.cpu.pending
	g.cpu.pending = nil
	return out
}

// WaitForInterrupt halts until at least one interrupt is pending.
func (g *GuestCPU) WaitForInterrupt() ([]uint32, error) {
	for {
		if irqs := g.TakeInterrupts(); len(irqs) > 0 {
			return irqs, nil
		}
		if err := g.Halt(); err != nil {
			return nil, err
		}
	}
}

var (
	_ hv.Hypervisor     = (*Hypervisor)(nil)
	_ hv.VirtualMachine = (*VirtualMachine)(nil)
	_ hv.VirtualCPU     = (*VirtualCPU)(nil)
	_ hv.LongModeCPU    = (*VirtualCPU)(nil)
)
