//go:build windows && amd64

package whp

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
)

const ioapicPins = 24

// ioapic models the redirection table of a 24 pin IO-APIC. WHP emulates the
// local APICs itself, so GSIs are translated here into WHvRequestInterrupt
// calls.
type ioapic struct {
	part partitionHandle

	mu       sync.Mutex
	index    uint32
	redirtbl [ioapicPins]uint64
}

func newIOAPIC(part partitionHandle) *ioapic {
	a := &ioapic{part: part}
	for i := range a.redirtbl {
		a.redirtbl[i] = 1 << 16 // masked
	}
	return a
}

func (a *ioapic) contains(addr uint64) bool {
	return addr >= hv.AMD64IOAPICBase && addr < hv.AMD64IOAPICBase+hv.AMD64IOAPICSize
}

func (a *ioapic) read(addr uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var value uint32
	switch addr - hv.AMD64IOAPICBase {
	case 0x00:
		value = a.index
	case 0x10:
		value = a.readRegister(a.index)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:])
}

func (a *ioapic) write(addr uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [4]byte
	copy(buf[:], data)
	value := binary.LittleEndian.Uint32(buf[:])

	switch addr - hv.AMD64IOAPICBase {
	case 0x00:
		a.index = value & 0xff
	case 0x10:
		a.writeRegister(a.index, value)
	}
}

func (a *ioapic) readRegister(idx uint32) uint32 {
	switch {
	case idx == 0x00:
		return 0 // ID 0
	case idx == 0x01:
		return (ioapicPins-1)<<16 | 0x11
	case idx >= 0x10 && idx < 0x10+2*ioapicPins:
		entry := a.redirtbl[(idx-0x10)/2]
		if idx%2 == 1 {
			return uint32(entry >> 32)
		}
		return uint32(entry)
	}
	return 0
}

func (a *ioapic) writeRegister(idx uint32, value uint32) {
	if idx < 0x10 || idx >= 0x10+2*ioapicPins {
		return
	}
	pin := (idx - 0x10) / 2
	if idx%2 == 1 {
		a.redirtbl[pin] = a.redirtbl[pin]&0xffffffff | uint64(value)<<32
	} else {
		a.redirtbl[pin] = a.redirtbl[pin]&^0xffffffff | uint64(value)
	}
}

// pulse raises gsi for one edge. Masked pins drop the edge.
func (a *ioapic) pulse(gsi uint32) error {
	if gsi >= ioapicPins {
		return nil
	}
	a.mu.Lock()
	entry := a.redirtbl[gsi]
	a.mu.Unlock()

	if entry&(1<<16) != 0 {
		slog.Debug("whp: interrupt on masked pin", "gsi", gsi)
		return nil
	}

	deliveryMode := (entry >> 8) & 0x7
	if deliveryMode == interruptTypeLowestPriority {
		deliveryMode = interruptTypeFixed
	}
	destMode := uint64(interruptDestinationPhysical)
	if entry&(1<<11) != 0 {
		destMode = interruptDestinationLogical
	}
	ctl := interruptControl{
		Control:     makeInterruptControl(deliveryMode, destMode, interruptTriggerEdge),
		Destination: uint32(entry >> 56),
		Vector:      uint32(entry & 0xff),
	}
	return requestInterrupt(a.part, &ctl)
}
