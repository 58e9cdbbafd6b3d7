// Package virtiotest is a minimal virtio-mmio driver used to exercise
// devices from tests, either directly against a transport or from guest
// code running on the hvtest backend.
package virtiotest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFeaturesRejected is returned by Init when the device left FEATURES_OK
// clear.
var ErrFeaturesRejected = errors.New("virtiotest: device rejected features")

// Register offsets of the virtio-mmio v2 window.
const (
	RegMagic          = 0x000
	RegVersion        = 0x004
	RegDeviceID       = 0x008
	RegDeviceFeatures = 0x010
	RegDeviceFeatSel  = 0x014
	RegDriverFeatures = 0x020
	RegDriverFeatSel  = 0x024
	RegQueueSel       = 0x030
	RegQueueNumMax    = 0x034
	RegQueueNum       = 0x038
	RegQueueReady     = 0x044
	RegQueueNotify    = 0x050
	RegInterruptStat  = 0x060
	RegInterruptAck   = 0x064
	RegStatus         = 0x070
	RegQueueDescLow   = 0x080
	RegQueueDescHigh  = 0x084
	RegQueueAvailLow  = 0x090
	RegQueueAvailHigh = 0x094
	RegQueueUsedLow   = 0x0a0
	RegQueueUsedHigh  = 0x0a4
	RegConfig         = 0x100

	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8

	FeatureVersion1 = uint64(1) << 32

	descFNext  = 1
	descFWrite = 2

	// RingBytes is the guest memory one queue of up to 256 entries needs.
	RingBytes = 3 * 0x1000
)

// Bus is how the driver reaches the device registers and guest memory.
// hvtest.GuestCPU satisfies it.
//
// Ring indices shared with the device go through LoadPhys32 and StorePhys32,
// which must be atomic on the aligned word at gpa.
type Bus interface {
	MMIORead32(addr uint64) (uint32, error)
	MMIOWrite32(addr uint64, v uint32) error
	ReadPhys(gpa uint64, p []byte) error
	WritePhys(gpa uint64, p []byte) error
	LoadPhys32(gpa uint64) (uint32, error)
	StorePhys32(gpa uint64, v uint32) error
}

// Ring places one queue in guest memory. Base must be page aligned and have
// RingBytes available.
type Ring struct {
	Size uint16
	Base uint64
}

// Segment is one buffer of a request.
type Segment struct {
	Addr  uint64
	Len   uint32
	Write bool
}

type queue struct {
	size     uint16
	desc     uint64
	avail    uint64
	used     uint64
	nextDesc uint16
	availIdx uint16
	flags    uint16
	lastUsed uint16
}

type Driver struct {
	bus    Bus
	base   uint64
	queues []*queue
}

func New(bus Bus, base uint64) *Driver {
	return &Driver{bus: bus, base: base}
}

func (d *Driver) read(reg uint64) (uint32, error) {
	return d.bus.MMIORead32(d.base + reg)
}

func (d *Driver) write(reg uint64, v uint32) error {
	return d.bus.MMIOWrite32(d.base+reg, v)
}

// DeviceFeatures reads the 64 offered feature bits.
func (d *Driver) DeviceFeatures() (uint64, error) {
	var features uint64
	for sel := uint32(0); sel < 2; sel++ {
		if err := d.write(RegDeviceFeatSel, sel); err != nil {
			return 0, err
		}
		v, err := d.read(RegDeviceFeatures)
		if err != nil {
			return 0, err
		}
		features |= uint64(v) << (32 * sel)
	}
	return features, nil
}

// Init resets the device, negotiates features and brings up rings.
func (d *Driver) Init(features uint64, rings ...Ring) error {
	magic, err := d.read(RegMagic)
	if err != nil {
		return err
	}
	if magic != 0x74726976 {
		return fmt.Errorf("virtiotest: bad magic %#x", magic)
	}
	if err := d.write(RegStatus, 0); err != nil {
		return err
	}
	if err := d.write(RegStatus, StatusAcknowledge|StatusDriver); err != nil {
		return err
	}
	for sel := uint32(0); sel < 2; sel++ {
		if err := d.write(RegDriverFeatSel, sel); err != nil {
			return err
		}
		if err := d.write(RegDriverFeatures, uint32(features>>(32*sel))); err != nil {
			return err
		}
	}
	if err := d.write(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK); err != nil {
		return err
	}
	status, err := d.read(RegStatus)
	if err != nil {
		return err
	}
	if status&StatusFeaturesOK == 0 {
		return ErrFeaturesRejected
	}

	d.queues = nil
	for i, r := range rings {
		q := &queue{size: r.Size, desc: r.Base, avail: r.Base + 0x1000, used: r.Base + 0x2000}
		zero := make([]byte, RingBytes)
		if err := d.bus.WritePhys(r.Base, zero); err != nil {
			return err
		}
		regs := []struct {
			reg uint64
			val uint32
		}{
			{RegQueueSel, uint32(i)},
			{RegQueueNum, uint32(r.Size)},
			{RegQueueDescLow, uint32(q.desc)},
			{RegQueueDescHigh, uint32(q.desc >> 32)},
			{RegQueueAvailLow, uint32(q.avail)},
			{RegQueueAvailHigh, uint32(q.avail >> 32)},
			{RegQueueUsedLow, uint32(q.used)},
			{RegQueueUsedHigh, uint32(q.used >> 32)},
			{RegQueueReady, 1},
		}
		for _, r := range regs {
			if err := d.write(r.reg, r.val); err != nil {
				return err
			}
		}
		d.queues = append(d.queues, q)
	}

	return d.write(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

// Submit chains segs into descriptors and makes the chain available. It
// returns the head descriptor index.
func (d *Driver) Submit(qi int, segs ...Segment) (uint16, error) {
	q := d.queues[qi]
	if len(segs) == 0 || len(segs) > int(q.size) {
		return 0, fmt.Errorf("virtiotest: %d segments for queue of %d", len(segs), q.size)
	}

	head := q.nextDesc % q.size
	for i, s := range segs {
		idx := (q.nextDesc + uint16(i)) % q.size
		var flags uint16
		if s.Write {
			flags |= descFWrite
		}
		next := uint16(0)
		if i < len(segs)-1 {
			flags |= descFNext
			next = (idx + 1) % q.size
		}
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], s.Addr)
		binary.LittleEndian.PutUint32(buf[8:12], s.Len)
		binary.LittleEndian.PutUint16(buf[12:14], flags)
		binary.LittleEndian.PutUint16(buf[14:16], next)
		if err := d.bus.WritePhys(q.desc+uint64(idx)*16, buf[:]); err != nil {
			return 0, err
		}
	}
	q.nextDesc += uint16(len(segs))

	if err := d.SubmitRaw(qi, head); err != nil {
		return 0, err
	}
	return head, nil
}

// SubmitRaw makes head available without writing any descriptor.
func (d *Driver) SubmitRaw(qi int, head uint16) error {
	q := d.queues[qi]
	var entry [2]byte
	binary.LittleEndian.PutUint16(entry[:], head)
	if err := d.bus.WritePhys(q.avail+4+uint64(q.availIdx%q.size)*2, entry[:]); err != nil {
		return err
	}
	q.availIdx++
	return d.publishAvail(q)
}

// publishAvail stores the avail flags and index as one word, after the ring
// entry it covers.
func (d *Driver) publishAvail(q *queue) error {
	return d.bus.StorePhys32(q.avail, uint32(q.flags)|uint32(q.availIdx)<<16)
}

// PublishAvailIndex stores idx as the avail index without making any entry
// available, for driving a device with a corrupt ring.
func (d *Driver) PublishAvailIndex(qi int, idx uint16) error {
	q := d.queues[qi]
	q.availIdx = idx
	return d.publishAvail(q)
}

// WriteDescriptor stores a raw descriptor, for building broken chains.
func (d *Driver) WriteDescriptor(qi int, idx uint16, addr uint64, length uint32, flags, next uint16) error {
	q := d.queues[qi]
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	return d.bus.WritePhys(q.desc+uint64(idx)*16, buf[:])
}

// SetNoInterrupt sets or clears VRING_AVAIL_F_NO_INTERRUPT.
func (d *Driver) SetNoInterrupt(qi int, on bool) error {
	q := d.queues[qi]
	q.flags = 0
	if on {
		q.flags = 1
	}
	return d.publishAvail(q)
}

func (d *Driver) Notify(qi int) error {
	return d.write(RegQueueNotify, uint32(qi))
}

// AvailIndex returns the driver's avail index.
func (d *Driver) AvailIndex(qi int) uint16 { return d.queues[qi].availIdx }

// UsedIndex reads the device's used index.
func (d *Driver) UsedIndex(qi int) (uint16, error) {
	v, err := d.bus.LoadPhys32(d.queues[qi].used)
	if err != nil {
		return 0, err
	}
	return uint16(v >> 16), nil
}

// Used is a completed element.
type Used struct {
	ID  uint32
	Len uint32
}

// PopUsed returns the next completion, if any.
func (d *Driver) PopUsed(qi int) (Used, bool, error) {
	q := d.queues[qi]
	idx, err := d.UsedIndex(qi)
	if err != nil || idx == q.lastUsed {
		return Used{}, false, err
	}
	var elem [8]byte
	if err := d.bus.ReadPhys(q.used+4+uint64(q.lastUsed%q.size)*8, elem[:]); err != nil {
		return Used{}, false, err
	}
	q.lastUsed++
	return Used{ID: binary.LittleEndian.Uint32(elem[0:4]), Len: binary.LittleEndian.Uint32(elem[4:8])}, true, nil
}

// Rebase starts the driver side of queue qi at index idx, mirroring a device
// whose indices were moved to the same value.
func (d *Driver) Rebase(qi int, idx uint16) error {
	q := d.queues[qi]
	q.availIdx = idx
	q.lastUsed = idx
	q.nextDesc = 0
	if err := d.publishAvail(q); err != nil {
		return err
	}
	return d.bus.StorePhys32(q.used, uint32(idx)<<16)
}

// Ack acknowledges every pending interrupt.
func (d *Driver) Ack() error {
	status, err := d.read(RegInterruptStat)
	if err != nil {
		return err
	}
	return d.write(RegInterruptAck, status)
}

func (d *Driver) Status() (uint32, error) { return d.read(RegStatus) }

// WriteConfig32 stores v at device config offset off.
func (d *Driver) WriteConfig32(off uint64, v uint32) error {
	return d.write(RegConfig+off, v)
}

func (d *Driver) ReadConfig32(off uint64) (uint32, error) {
	return d.read(RegConfig + off)
}
