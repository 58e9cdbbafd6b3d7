package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrMalformedChain is reported for descriptor chains a device cannot
// interpret. The request fails but the queue keeps working.
var ErrMalformedChain = errors.New("virtio: malformed descriptor chain")

// ErrBrokenRing is returned by Pop when the driver published an avail index
// more than a full ring ahead of the device. The queue cannot be trusted
// until the driver resets the device.
var ErrBrokenRing = errors.New("virtio: avail ring index overrun")

var errQueueNotReady = errors.New("virtio: queue not ready")

// DefaultChainLimit caps the readable and the writable bytes of one chain.
// It sits above the largest block request (size_max * seg_max).
const DefaultChainLimit = 128 << 20

// GuestMemory provides access to guest physical memory. Offsets are guest
// physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
	// Slice returns the host bytes backing [gpa, gpa+n).
	Slice(gpa, n uint64) ([]byte, error)
}

const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqAvailFNoInterrupt = 1

	descriptorSize = 16
	usedElemSize   = 8
)

type virtqDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

// Queue is one split virtqueue living in guest memory. The avail ring is
// written only by the driver and the used ring only by Queue.
//
// Methods are safe for concurrent use: a vCPU thread accepts requests while
// I/O workers complete them.
type Queue struct {
	maxSize    uint16
	mem        GuestMemory
	signal     func()
	chainLimit uint64

	mu           sync.Mutex
	size         uint16
	ready        bool
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue returns a queue of at most maxSize entries. signal is called by
// Signal to interrupt the driver.
func NewQueue(mem GuestMemory, maxSize uint16, signal func()) *Queue {
	return &Queue{maxSize: maxSize, mem: mem, signal: signal, chainLimit: DefaultChainLimit}
}

// SetChainLimit changes the per-direction byte limit enforced by ReadChain.
func (q *Queue) SetChainLimit(n uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chainLimit = n
}

func (q *Queue) MaxSize() uint16 { return q.maxSize }

func (q *Queue) Size() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready && q.size != 0
}

// Reset returns the queue to its power-on state. It is safe on a queue the
// driver never touched.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func (q *Queue) SetSize(size uint16) error {
	if size > q.maxSize {
		return fmt.Errorf("virtio: queue size %d exceeds max size %d", size, q.maxSize)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = size
	return nil
}

// SetReady enables the queue. Disabling it resets it.
func (q *Queue) SetReady(ready bool) error {
	if !ready {
		q.Reset()
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return fmt.Errorf("virtio: queue ready set before queue size")
	}
	if q.size&(q.size-1) != 0 {
		return fmt.Errorf("virtio: queue size %d is not a power of two", q.size)
	}
	if q.availAddr%2 != 0 {
		return fmt.Errorf("virtio: avail ring %#x is not 2 byte aligned", q.availAddr)
	}
	if q.usedAddr%4 != 0 {
		return fmt.Errorf("virtio: used ring %#x is not 4 byte aligned", q.usedAddr)
	}
	q.ready = true
	return nil
}

func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
}

// Addresses returns the descriptor table, avail ring and used ring.
func (q *Queue) Addresses() (desc, avail, used uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.descAddr, q.availAddr, q.usedAddr
}

// setAddressHalf updates the low or high 32 bits of one ring address.
func (q *Queue) setAddressHalf(which int, high bool, value uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var p *uint64
	switch which {
	case 0:
		p = &q.descAddr
	case 1:
		p = &q.availAddr
	default:
		p = &q.usedAddr
	}
	if high {
		*p = (*p & 0xffffffff) | uint64(value)<<32
	} else {
		*p = (*p &^ 0xffffffff) | uint64(value)
	}
}

// UsedIndex returns the next used index the device will publish.
func (q *Queue) UsedIndex() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usedIdx
}

// readAvail loads the avail index with an atomic 32-bit load, pairing with
// the driver's release store, so ring entries read afterwards are current.
func (q *Queue) readAvail() (flags, idx uint16, err error) {
	if q.availAddr%4 == 0 {
		v, err := q.load32(q.availAddr)
		if err != nil {
			return 0, 0, err
		}
		return uint16(v), uint16(v >> 16), nil
	}

	// idx starts a word; ring[0] fills its high half.
	v, err := q.load32(q.availAddr + 2)
	if err != nil {
		return 0, 0, err
	}
	var buf [2]byte
	if err := q.read(q.availAddr, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), uint16(v), nil
}

func (q *Queue) load32(addr uint64) (uint32, error) {
	w, err := q.mem.Slice(addr, 4)
	if err != nil {
		return 0, fmt.Errorf("virtio: read guest %#x: %w", addr, err)
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w[0]))), nil
}

// Pop takes the next available descriptor head. ok is false when the driver
// has not made anything new available. An avail index more than size entries
// ahead yields ErrBrokenRing.
func (q *Queue) Pop() (head uint16, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ready || q.size == 0 {
		return 0, false, errQueueNotReady
	}
	_, availIdx, err := q.readAvail()
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}
	if pending := availIdx - q.lastAvailIdx; pending > q.size {
		return 0, false, fmt.Errorf("%d entries pending on a ring of %d: %w", pending, q.size, ErrBrokenRing)
	}

	pos := q.lastAvailIdx % q.size
	var buf [2]byte
	if err := q.read(q.availAddr+4+uint64(pos)*2, buf[:]); err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return binary.LittleEndian.Uint16(buf[:]), true, nil
}

// Buffer is one guest buffer of a descriptor chain.
type Buffer struct {
	Addr uint64
	Len  uint32
}

// Chain is a materialized descriptor chain: the driver-readable buffers
// followed by the device-writable ones.
type Chain struct {
	Head     uint16
	Readable []Buffer
	Writable []Buffer
}

func (c *Chain) ReadableLen() uint64 { return totalLen(c.Readable) }
func (c *Chain) WritableLen() uint64 { return totalLen(c.Writable) }

func totalLen(bufs []Buffer) uint64 {
	var n uint64
	for _, b := range bufs {
		n += uint64(b.Len)
	}
	return n
}

// ReadChain walks the chain starting at head. Every buffer must lie in guest
// memory and neither direction may carry more than the chain limit.
func (q *Queue) ReadChain(head uint16) (*Chain, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ready || q.size == 0 {
		return nil, errQueueNotReady
	}

	chain := &Chain{Head: head}
	var readable, writable uint64
	idx := head
	for i := uint16(0); ; i++ {
		if i == q.size {
			return nil, fmt.Errorf("chain at %d longer than queue size %d: %w", head, q.size, ErrMalformedChain)
		}
		if idx >= q.size {
			return nil, fmt.Errorf("descriptor %d out of range (size %d): %w", idx, q.size, ErrMalformedChain)
		}
		desc, err := q.readDescriptor(idx)
		if err != nil {
			return nil, err
		}
		if desc.flags&virtqDescFIndirect != 0 {
			return nil, fmt.Errorf("indirect descriptor %d was not negotiated: %w", idx, ErrMalformedChain)
		}

		if desc.length > 0 {
			if _, err := q.mem.Slice(desc.addr, uint64(desc.length)); err != nil {
				return nil, fmt.Errorf("descriptor %d buffer: %w: %w", idx, ErrMalformedChain, err)
			}
		}

		buf := Buffer{Addr: desc.addr, Len: desc.length}
		if desc.flags&virtqDescFWrite != 0 {
			writable += uint64(desc.length)
			chain.Writable = append(chain.Writable, buf)
		} else {
			if len(chain.Writable) > 0 {
				return nil, fmt.Errorf("readable descriptor %d after writable: %w", idx, ErrMalformedChain)
			}
			readable += uint64(desc.length)
			chain.Readable = append(chain.Readable, buf)
		}
		if readable > q.chainLimit || writable > q.chainLimit {
			return nil, fmt.Errorf("chain at %d exceeds %d bytes: %w", head, q.chainLimit, ErrMalformedChain)
		}

		if desc.flags&virtqDescFNext == 0 {
			return chain, nil
		}
		idx = desc.next
	}
}

func (q *Queue) readDescriptor(idx uint16) (virtqDescriptor, error) {
	var buf [descriptorSize]byte
	if err := q.read(q.descAddr+uint64(idx)*descriptorSize, buf[:]); err != nil {
		return virtqDescriptor{}, err
	}
	return virtqDescriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// Push publishes a used element for head. The element is written first and
// the used index is then stored with a single atomic 32-bit store of the
// flags/idx word, so the driver never sees the index ahead of the element.
func (q *Queue) Push(head uint16, written uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ready || q.size == 0 {
		return errQueueNotReady
	}

	pos := q.usedIdx % q.size
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := q.write(q.usedAddr+4+uint64(pos)*usedElemSize, elem[:]); err != nil {
		return err
	}

	hdr, err := q.mem.Slice(q.usedAddr, 4)
	if err != nil {
		return fmt.Errorf("virtio: used ring header: %w", err)
	}
	q.usedIdx++
	// flags stay zero; the device never asks the driver to skip notifications.
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&hdr[0])), uint32(q.usedIdx)<<16)
	return nil
}

// InterruptSuppressed reports whether the driver set VRING_AVAIL_F_NO_INTERRUPT.
func (q *Queue) InterruptSuppressed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ready || q.size == 0 {
		return true
	}
	flags, _, err := q.readAvail()
	if err != nil {
		return false
	}
	return flags&virtqAvailFNoInterrupt != 0
}

// Signal interrupts the driver unless it suppressed interrupts.
func (q *Queue) Signal() {
	if q.signal == nil || q.InterruptSuppressed() {
		return
	}
	q.signal()
}

// Drain pops every available chain and hands it to fn. fn returns the number
// of bytes written into the chain. A malformed chain is completed with a zero
// length so the driver can reclaim its descriptors. Drain reports whether any
// element was pushed.
func (q *Queue) Drain(fn func(c *Chain) (uint32, error)) (bool, error) {
	var pushed bool
	for {
		head, ok, err := q.Pop()
		if err != nil || !ok {
			return pushed, err
		}

		var written uint32
		chain, err := q.ReadChain(head)
		if err == nil {
			written, err = fn(chain)
		}
		if err != nil && !errors.Is(err, ErrMalformedChain) {
			return pushed, err
		}
		if err := q.Push(head, written); err != nil {
			return pushed, err
		}
		pushed = true
	}
}

// ReadFrom copies readable chain bytes starting at off into p.
func (c *Chain) ReadFrom(mem GuestMemory, off uint64, p []byte) (int, error) {
	return scatter(mem, c.Readable, off, p, false)
}

// WriteTo copies p into the writable chain bytes starting at off.
func (c *Chain) WriteTo(mem GuestMemory, off uint64, p []byte) (int, error) {
	return scatter(mem, c.Writable, off, p, true)
}

func scatter(mem GuestMemory, bufs []Buffer, off uint64, p []byte, write bool) (int, error) {
	done := 0
	for _, b := range bufs {
		if done == len(p) {
			break
		}
		if off >= uint64(b.Len) {
			off -= uint64(b.Len)
			continue
		}
		n := min(uint64(b.Len)-off, uint64(len(p)-done))
		var err error
		if write {
			_, err = mem.WriteAt(p[done:done+int(n)], int64(b.Addr+off))
		} else {
			_, err = mem.ReadAt(p[done:done+int(n)], int64(b.Addr+off))
		}
		if err != nil {
			return done, fmt.Errorf("virtio: buffer [%#x, +%d): %w", b.Addr, b.Len, err)
		}
		done += int(n)
		off = 0
	}
	return done, nil
}

func (q *Queue) read(addr uint64, buf []byte) error {
	if _, err := q.mem.ReadAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("virtio: read guest %#x: %w", addr, err)
	}
	return nil
}

func (q *Queue) write(addr uint64, buf []byte) error {
	if _, err := q.mem.WriteAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("virtio: write guest %#x: %w", addr, err)
	}
	return nil
}
