package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/devices"
	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/metrics"
)

const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	VIRTIO_MMIO_INT_VRING  = 0x1
	VIRTIO_MMIO_INT_CONFIG = 0x2

	mmioMagic   = 0x74726976 // "virt"
	mmioVersion = 2
	mmioVendor  = 0x554d4551 // "QEMU"

	// MMIOWindowSize is the register window of one device.
	MMIOWindowSize = 0x200

	VIRTIO_F_VERSION_1 = uint64(1) << 32
)

// Device status bits.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusNeedsReset  = 64
	StatusFailed      = 128
)

// Interrupter delivers a device interrupt line to the guest.
type Interrupter func(line uint32) error

// Transport is a virtio-mmio version 2 register window in front of a
// Device. It implements devices.MemoryMappedIODevice.
type Transport struct {
	dev       Device
	base      uint64
	irq       uint32
	interrupt Interrupter
	log       *slog.Logger

	interruptStatus atomic.Uint32

	mu               sync.Mutex
	status           uint32
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueSel         uint32
	configGeneration uint32
	queues           []*Queue
}

type TransportOption func(*Transport)

func WithLogger(log *slog.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// NewTransport places dev at base and wires its queues to guest memory.
func NewTransport(dev Device, mem GuestMemory, base uint64, irq uint32, interrupt Interrupter, opts ...TransportOption) *Transport {
	t := &Transport{
		dev:       dev,
		base:      base,
		irq:       irq,
		interrupt: interrupt,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("device", dev.Name(), "base", fmt.Sprintf("%#x", base))

	t.queues = make([]*Queue, dev.NumQueues())
	for i := range t.queues {
		t.queues[i] = NewQueue(mem, dev.QueueMaxSize(i), t.signalUsed)
	}
	dev.Attach(t.queues)
	return t
}

func (t *Transport) Device() Device { return t.dev }
func (t *Transport) Base() uint64   { return t.base }
func (t *Transport) IRQ() uint32    { return t.irq }

// Queue returns queue i, or nil.
func (t *Transport) Queue(i int) *Queue {
	if i < 0 || i >= len(t.queues) {
		return nil
	}
	return t.queues[i]
}

func (t *Transport) Status() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// DeviceTreeNode describes the device for an arm64 guest. irq is the SPI
// number relative to the first SPI; interrupts are signalled as edges.
func (t *Transport) DeviceTreeNode() fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("virtio_mmio@%x", t.base),
		Properties: map[string]fdt.Property{
			"compatible":   fdt.Strings("virtio,mmio"),
			"reg":          fdt.Cells64(t.base, MMIOWindowSize),
			"interrupts":   fdt.Cells(0, t.irq, 1),
			"dma-coherent": fdt.Empty(),
		},
	}
}

func (t *Transport) MMIORegions() []hv.Range {
	return []hv.Range{{Start: t.base, Size: MMIOWindowSize}}
}

func (t *Transport) ReadMMIO(addr uint64, data []byte) error {
	offset := addr - t.base
	if offset >= VIRTIO_MMIO_CONFIG {
		t.dev.ReadConfig(offset-VIRTIO_MMIO_CONFIG, data)
		return nil
	}
	if len(data) != 4 {
		clear(data)
		return fmt.Errorf("virtio: %d byte read of register %#x", len(data), offset)
	}
	binary.LittleEndian.PutUint32(data, t.readRegister(offset))
	return nil
}

func (t *Transport) WriteMMIO(addr uint64, data []byte) error {
	offset := addr - t.base
	if offset >= VIRTIO_MMIO_CONFIG {
		if err := t.dev.WriteConfig(offset-VIRTIO_MMIO_CONFIG, data); err != nil {
			return fmt.Errorf("virtio: config write at %#x: %w", offset-VIRTIO_MMIO_CONFIG, err)
		}
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio: %d byte write of register %#x", len(data), offset)
	}
	value := binary.LittleEndian.Uint32(data)

	if offset == VIRTIO_MMIO_QUEUE_NOTIFY {
		return t.notify(int(value))
	}
	return t.writeRegister(offset, value)
}

func (t *Transport) offeredFeatures() uint64 {
	return t.dev.Features() | VIRTIO_F_VERSION_1
}

func (t *Transport) readRegister(offset uint64) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return mmioMagic
	case VIRTIO_MMIO_VERSION:
		return mmioVersion
	case VIRTIO_MMIO_DEVICE_ID:
		return t.dev.DeviceID()
	case VIRTIO_MMIO_VENDOR_ID:
		return mmioVendor
	case VIRTIO_MMIO_DEVICE_FEATURES:
		switch t.deviceFeatureSel {
		case 0:
			return uint32(t.offeredFeatures())
		case 1:
			return uint32(t.offeredFeatures() >> 32)
		}
		return 0
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := t.currentQueue(); q != nil {
			return uint32(q.MaxSize())
		}
		return 0
	case VIRTIO_MMIO_QUEUE_READY:
		if q := t.currentQueue(); q != nil && q.Ready() {
			return 1
		}
		return 0
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return t.interruptStatus.Load()
	case VIRTIO_MMIO_STATUS:
		return t.status
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return t.configGeneration
	default:
		return 0
	}
}

func (t *Transport) writeRegister(offset uint64, value uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		t.deviceFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		t.driverFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES:
		switch t.driverFeatureSel {
		case 0:
			t.driverFeatures = t.driverFeatures&^0xffffffff | uint64(value)
		case 1:
			t.driverFeatures = t.driverFeatures&0xffffffff | uint64(value)<<32
		default:
			if value != 0 {
				// Bits beyond 63 are never offered.
				t.driverFeatures |= 1 << 63
			}
		}
	case VIRTIO_MMIO_QUEUE_SEL:
		t.queueSel = value
	case VIRTIO_MMIO_QUEUE_NUM:
		if q := t.currentQueue(); q != nil {
			if value > 0xffff {
				return fmt.Errorf("virtio: queue size %d invalid", value)
			}
			return q.SetSize(uint16(value))
		}
	case VIRTIO_MMIO_QUEUE_READY:
		if q := t.currentQueue(); q != nil {
			return q.SetReady(value&1 != 0)
		}
	case VIRTIO_MMIO_QUEUE_DESC_LOW, VIRTIO_MMIO_QUEUE_DESC_HIGH,
		VIRTIO_MMIO_QUEUE_AVAIL_LOW, VIRTIO_MMIO_QUEUE_AVAIL_HIGH,
		VIRTIO_MMIO_QUEUE_USED_LOW, VIRTIO_MMIO_QUEUE_USED_HIGH:
		if q := t.currentQueue(); q != nil {
			which := int(offset-VIRTIO_MMIO_QUEUE_DESC_LOW) / 0x10
			q.setAddressHalf(which, offset&0x4 != 0, value)
		}
	case VIRTIO_MMIO_INTERRUPT_ACK:
		t.interruptStatus.And(^value)
	case VIRTIO_MMIO_STATUS:
		if value == 0 {
			t.reset()
			return nil
		}
		t.setStatus(value)
	default:
		t.log.Debug("write to read-only register", "offset", fmt.Sprintf("%#x", offset), "value", value)
	}
	return nil
}

// setStatus applies a driver status write. FEATURES_OK is only latched when
// the driver accepted a subset of the offered features that includes
// VERSION_1; otherwise it reads back clear and the driver gives up.
func (t *Transport) setStatus(value uint32) {
	if value&StatusFeaturesOK != 0 && t.status&StatusFeaturesOK == 0 {
		if err := t.negotiate(); err != nil {
			metrics.VirtioRejectedNegotiations.WithLabelValues(t.dev.Name()).Inc()
			t.log.Warn("rejecting feature negotiation", "driver_features", fmt.Sprintf("%#x", t.driverFeatures), "err", err)
			value &^= StatusFeaturesOK
		}
	}
	// NEEDS_RESET is device owned and survives until the driver resets.
	t.status = value | t.status&StatusNeedsReset
}

func (t *Transport) negotiate() error {
	offered := t.offeredFeatures()
	if extra := t.driverFeatures &^ offered; extra != 0 {
		return fmt.Errorf("unsupported feature bits %#x", extra)
	}
	if t.driverFeatures&VIRTIO_F_VERSION_1 == 0 {
		return fmt.Errorf("legacy driver without VIRTIO_F_VERSION_1")
	}
	return t.dev.Negotiate(t.driverFeatures &^ VIRTIO_F_VERSION_1)
}

// reset must be called with t.mu held.
func (t *Transport) reset() {
	t.dev.Reset()
	for _, q := range t.queues {
		q.Reset()
	}
	t.status = 0
	t.deviceFeatureSel = 0
	t.driverFeatureSel = 0
	t.driverFeatures = 0
	t.queueSel = 0
	t.interruptStatus.Store(0)
}

// Reset performs a device reset as if the driver had written STATUS=0.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *Transport) currentQueue() *Queue {
	return t.Queue(int(t.queueSel))
}

func (t *Transport) notify(queue int) error {
	metrics.VirtioNotifications.WithLabelValues(t.dev.Name()).Inc()

	// Held across ProcessQueue so a concurrent reset cannot race request
	// submission.
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status&StatusDriverOK == 0 {
		t.log.Debug("notify before DRIVER_OK", "queue", queue)
		return nil
	}
	if t.status&StatusNeedsReset != 0 {
		t.log.Debug("notify while device needs reset", "queue", queue)
		return nil
	}
	if q := t.Queue(queue); q == nil || !q.Ready() {
		t.log.Debug("notify for inactive queue", "queue", queue)
		return nil
	}
	err := t.dev.ProcessQueue(queue)
	if errors.Is(err, ErrBrokenRing) {
		t.log.Warn("device needs reset", "queue", queue, "err", err)
		t.status |= StatusNeedsReset
		t.signalConfig()
		return nil
	}
	return err
}

// signalConfig raises the configuration change interrupt, which is how the
// driver learns about NEEDS_RESET.
func (t *Transport) signalConfig() {
	t.interruptStatus.Or(VIRTIO_MMIO_INT_CONFIG)
	metrics.VirtioInterrupts.WithLabelValues(t.dev.Name()).Inc()
	if t.interrupt == nil {
		return
	}
	if err := t.interrupt(t.irq); err != nil {
		t.log.Error("raise interrupt", "irq", t.irq, "err", err)
	}
}

// signalUsed raises the used-buffer interrupt.
func (t *Transport) signalUsed() {
	t.interruptStatus.Or(VIRTIO_MMIO_INT_VRING)
	metrics.VirtioInterrupts.WithLabelValues(t.dev.Name()).Inc()
	if t.interrupt == nil {
		return
	}
	if err := t.interrupt(t.irq); err != nil {
		t.log.Error("raise interrupt", "irq", t.irq, "err", err)
	}
}

// Drain waits for in-flight requests of asynchronous devices.
func (t *Transport) Drain() {
	if d, ok := t.dev.(Drainer); ok {
		d.Drain()
	}
}

var _ devices.MemoryMappedIODevice = (*Transport)(nil)
