// Package devices routes guest MMIO and port I/O exits to device models.
package devices

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
)

// ErrUnhandled is returned by Dispatch when no device claims an access.
var ErrUnhandled = errors.New("devices: no device handles access")

type MemoryMappedIODevice interface {
	MMIORegions() []hv.Range
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type X86IOPortDevice interface {
	IOPorts() []hv.Range
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// SimpleMMIODevice adapts a pair of functions to MemoryMappedIODevice.
type SimpleMMIODevice struct {
	Regions   []hv.Range
	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []hv.Range { return d.Regions }

func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc == nil {
		clear(data)
		return nil
	}
	return d.ReadFunc(addr, data)
}

func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc == nil {
		return nil
	}
	return d.WriteFunc(addr, data)
}

// SimpleX86IOPortDevice adapts a pair of functions to X86IOPortDevice.
type SimpleX86IOPortDevice struct {
	Ports     []hv.Range
	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []hv.Range { return d.Ports }

func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc == nil {
		clear(data)
		return nil
	}
	return d.ReadFunc(port, data)
}

func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc == nil {
		return nil
	}
	return d.WriteFunc(port, data)
}

type mmioEntry struct {
	r   hv.Range
	dev MemoryMappedIODevice
}

type portEntry struct {
	r   hv.Range
	dev X86IOPortDevice
}

// Bus is safe for concurrent dispatch from every vCPU. Devices are
// registered before the vCPUs start.
type Bus struct {
	mu   sync.RWMutex
	mmio []mmioEntry
	pio  []portEntry
}

func NewBus() *Bus {
	return &Bus{}
}

// AddMMIO registers every region of dev. Regions may not overlap regions
// already on the bus.
func (b *Bus) AddMMIO(dev MemoryMappedIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	regions := dev.MMIORegions()
	for _, r := range regions {
		for _, e := range b.mmio {
			if e.r.Overlaps(r) {
				return fmt.Errorf("devices: mmio [%#x, %#x) overlaps [%#x, %#x): %w",
					r.Start, r.End(), e.r.Start, e.r.End(), hv.ErrMappingConflict)
			}
		}
	}
	for _, r := range regions {
		b.mmio = append(b.mmio, mmioEntry{r: r, dev: dev})
	}
	sort.Slice(b.mmio, func(i, j int) bool { return b.mmio[i].r.Start < b.mmio[j].r.Start })
	return nil
}

func (b *Bus) AddIOPorts(dev X86IOPortDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ports := dev.IOPorts()
	for _, r := range ports {
		if r.End() > 0x10000 {
			return fmt.Errorf("devices: port range [%#x, %#x) exceeds the I/O space", r.Start, r.End())
		}
		for _, e := range b.pio {
			if e.r.Overlaps(r) {
				return fmt.Errorf("devices: ports [%#x, %#x) overlap [%#x, %#x): %w",
					r.Start, r.End(), e.r.Start, e.r.End(), hv.ErrMappingConflict)
			}
		}
	}
	for _, r := range ports {
		b.pio = append(b.pio, portEntry{r: r, dev: dev})
	}
	return nil
}

func (b *Bus) findMMIO(addr, size uint64) MemoryMappedIODevice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.mmio), func(i int) bool { return b.mmio[i].r.End() > addr })
	if i < len(b.mmio) && b.mmio[i].r.Contains(addr, size) {
		return b.mmio[i].dev
	}
	return nil
}

func (b *Bus) findPort(port, size uint64) X86IOPortDevice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, e := range b.pio {
		if e.r.Contains(port, size) {
			return e.dev
		}
	}
	return nil
}

// Dispatch forwards an MMIO or PIO exit to the owning device. For reads the
// device fills exit.Data. Unclaimed MMIO reads return zeroes, unclaimed port
// reads return 0xff, and both report ErrUnhandled.
func (b *Bus) Dispatch(exit *hv.Exit) error {
	size := uint64(len(exit.Data))

	switch exit.Kind {
	case hv.ExitMMIO:
		dev := b.findMMIO(exit.Addr, size)
		if dev == nil {
			if !exit.IsWrite {
				clear(exit.Data)
			}
			return fmt.Errorf("mmio %#x size %d: %w", exit.Addr, size, ErrUnhandled)
		}
		if exit.IsWrite {
			if err := dev.WriteMMIO(exit.Addr, exit.Data); err != nil {
				return fmt.Errorf("MMIO write at 0x%016x: %w", exit.Addr, err)
			}
			return nil
		}
		if err := dev.ReadMMIO(exit.Addr, exit.Data); err != nil {
			return fmt.Errorf("MMIO read at 0x%016x: %w", exit.Addr, err)
		}
		return nil
	case hv.ExitPIO:
		dev := b.findPort(exit.Addr, size)
		if dev == nil {
			if !exit.IsWrite {
				// Floating bus.
				for i := range exit.Data {
					exit.Data[i] = 0xff
				}
			}
			return fmt.Errorf("port %#x size %d: %w", exit.Addr, size, ErrUnhandled)
		}
		port := uint16(exit.Addr)
		if exit.IsWrite {
			if err := dev.WriteIOPort(port, exit.Data); err != nil {
				return fmt.Errorf("I/O port 0x%04x write: %w", port, err)
			}
			return nil
		}
		if err := dev.ReadIOPort(port, exit.Data); err != nil {
			return fmt.Errorf("I/O port 0x%04x read: %w", port, err)
		}
		return nil
	default:
		return fmt.Errorf("devices: cannot dispatch %s exit", exit.Kind)
	}
}
