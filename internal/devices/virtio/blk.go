package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmm/internal/metrics"
)

const (
	blkDeviceID    = 2
	blkQueueNumMax = 256
	blkSectorSize  = 512
	blkSegMax      = 126
	blkSizeMax     = 1 << 20
	blkIDBytes     = 20
	blkHeaderSize  = 16
	blkConfigSize  = 24
	blkDefaultName = "virtio-blk"
)

// Virtio block request types
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// Storage backs a block device, usually an *os.File.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

type BlockOption func(*Block)

// WithReadOnly rejects writes and advertises VIRTIO_BLK_F_RO.
func WithReadOnly() BlockOption {
	return func(b *Block) { b.readOnly = true }
}

// WithWorkers bounds the number of requests executing concurrently.
func WithWorkers(n int) BlockOption {
	return func(b *Block) { b.workers = n }
}

// WithSerial sets the string returned for VIRTIO_BLK_T_GET_ID.
func WithSerial(serial string) BlockOption {
	return func(b *Block) { b.serial = serial }
}

func WithBlockLogger(log *slog.Logger) BlockOption {
	return func(b *Block) { b.log = log }
}

// Block is a virtio-blk device. Requests are accepted on the notifying vCPU
// and executed on a bounded pool of workers, each of which posts its own
// completion and interrupt.
type Block struct {
	storage  Storage
	capacity uint64 // in 512-byte sectors
	readOnly bool
	workers  int
	serial   string
	log      *slog.Logger

	queues []*Queue
	// pool is reset by Drain, which never runs concurrently with ProcessQueue.
	pool *errgroup.Group

	mu         sync.Mutex
	negotiated uint64
}

// NewBlock exposes size bytes of storage. The size is rounded down to whole
// sectors.
func NewBlock(storage Storage, size int64, opts ...BlockOption) *Block {
	b := &Block{
		storage:  storage,
		capacity: uint64(size) / blkSectorSize,
		workers:  runtime.GOMAXPROCS(0),
		serial:   blkDefaultName,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pool = b.newPool()
	return b
}

func (b *Block) newPool() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(max(b.workers, 1))
	return g
}

func (b *Block) Name() string     { return blkDefaultName }
func (b *Block) DeviceID() uint32 { return blkDeviceID }
func (b *Block) NumQueues() int   { return 1 }

func (b *Block) QueueMaxSize(int) uint16 { return blkQueueNumMax }

// Capacity returns the size in sectors.
func (b *Block) Capacity() uint64 { return b.capacity }

func (b *Block) Features() uint64 {
	f := uint64(VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH)
	if b.readOnly {
		f |= VIRTIO_BLK_F_RO
	}
	return f
}

func (b *Block) Negotiate(features uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.negotiated = features
	return nil
}

func (b *Block) Attach(queues []*Queue) { b.queues = queues }

func (b *Block) Reset() {
	b.Drain()
	b.mu.Lock()
	b.negotiated = 0
	b.mu.Unlock()
}

// Drain waits for every accepted request to complete.
func (b *Block) Drain() {
	_ = b.pool.Wait()
	b.pool = b.newPool()
}

func (b *Block) ReadConfig(offset uint64, data []byte) {
	var cfg [blkConfigSize]byte
	binary.LittleEndian.PutUint64(cfg[0:8], b.capacity)
	binary.LittleEndian.PutUint32(cfg[8:12], blkSizeMax)
	binary.LittleEndian.PutUint32(cfg[12:16], blkSegMax)
	// geometry at 16..19 is left zero
	binary.LittleEndian.PutUint32(cfg[20:24], blkSectorSize)
	readConfigBytes(cfg[:], offset, data)
}

func (b *Block) WriteConfig(offset uint64, data []byte) error {
	return fmt.Errorf("%s: config space is read-only", blkDefaultName)
}

// ProcessQueue accepts every available request and schedules it.
func (b *Block) ProcessQueue(queue int) error {
	if queue != 0 {
		return nil
	}
	q := b.queues[0]
	for {
		head, ok, err := q.Pop()
		if err != nil {
			return fmt.Errorf("%s: %w", blkDefaultName, err)
		}
		if !ok {
			return nil
		}
		chain, err := q.ReadChain(head)
		if err != nil {
			b.log.Warn("dropping malformed request", "head", head, "err", err)
			metrics.VirtioRequests.WithLabelValues(blkDefaultName, "malformed", "dropped").Inc()
			if err := q.Push(head, 0); err != nil {
				return fmt.Errorf("%s: %w", blkDefaultName, err)
			}
			q.Signal()
			continue
		}

		b.pool.Go(func() error {
			written := b.execute(q.mem, chain)
			if err := q.Push(chain.Head, written); err != nil {
				b.log.Error("complete request", "head", chain.Head, "err", err)
				return nil
			}
			q.Signal()
			return nil
		})
	}
}

type blkRequest struct {
	reqType uint32
	sector  uint64
}

// execute runs one request and returns the number of bytes written into the
// chain, status byte included.
func (b *Block) execute(mem GuestMemory, chain *Chain) uint32 {
	if chain.WritableLen() == 0 {
		b.log.Warn("request without status byte", "head", chain.Head)
		metrics.VirtioRequests.WithLabelValues(blkDefaultName, "malformed", "dropped").Inc()
		return 0
	}
	statusOff := chain.WritableLen() - 1

	complete := func(kind string, status byte, dataWritten uint64) uint32 {
		if _, err := chain.WriteTo(mem, statusOff, []byte{status}); err != nil {
			b.log.Error("write request status", "head", chain.Head, "err", err)
		}
		metrics.VirtioRequests.WithLabelValues(blkDefaultName, kind, statusName(status)).Inc()
		return uint32(dataWritten) + 1
	}

	if chain.ReadableLen() < blkHeaderSize {
		b.log.Warn("request header too short", "head", chain.Head, "len", chain.ReadableLen())
		return complete("malformed", VIRTIO_BLK_S_IOERR, 0)
	}
	var hdr [blkHeaderSize]byte
	if _, err := chain.ReadFrom(mem, 0, hdr[:]); err != nil {
		return complete("malformed", VIRTIO_BLK_S_IOERR, 0)
	}
	req := blkRequest{
		reqType: binary.LittleEndian.Uint32(hdr[0:4]),
		sector:  binary.LittleEndian.Uint64(hdr[8:16]),
	}

	switch req.reqType {
	case VIRTIO_BLK_T_IN:
		n := statusOff
		if err := b.checkRange(req.sector, n); err != nil {
			b.log.Debug("read out of range", "sector", req.sector, "len", n, "err", err)
			return complete("in", VIRTIO_BLK_S_IOERR, 0)
		}
		buf := make([]byte, min(n, blkSizeMax))
		for off := uint64(0); off < n; {
			p := buf[:min(n-off, uint64(len(buf)))]
			clear(p)
			if _, err := b.storage.ReadAt(p, int64(req.sector*blkSectorSize+off)); err != nil && !errors.Is(err, io.EOF) {
				b.log.Error("read", "sector", req.sector, "err", err)
				return complete("in", VIRTIO_BLK_S_IOERR, 0)
			}
			if _, err := chain.WriteTo(mem, off, p); err != nil {
				return complete("in", VIRTIO_BLK_S_IOERR, 0)
			}
			off += uint64(len(p))
		}
		return complete("in", VIRTIO_BLK_S_OK, n)

	case VIRTIO_BLK_T_OUT:
		if b.readOnly {
			return complete("out", VIRTIO_BLK_S_IOERR, 0)
		}
		n := chain.ReadableLen() - blkHeaderSize
		if err := b.checkRange(req.sector, n); err != nil {
			b.log.Debug("write out of range", "sector", req.sector, "len", n, "err", err)
			return complete("out", VIRTIO_BLK_S_IOERR, 0)
		}
		buf := make([]byte, min(n, blkSizeMax))
		for off := uint64(0); off < n; {
			p := buf[:min(n-off, uint64(len(buf)))]
			if _, err := chain.ReadFrom(mem, blkHeaderSize+off, p); err != nil {
				return complete("out", VIRTIO_BLK_S_IOERR, 0)
			}
			if _, err := b.storage.WriteAt(p, int64(req.sector*blkSectorSize+off)); err != nil {
				b.log.Error("write", "sector", req.sector, "err", err)
				return complete("out", VIRTIO_BLK_S_IOERR, 0)
			}
			off += uint64(len(p))
		}
		return complete("out", VIRTIO_BLK_S_OK, 0)

	case VIRTIO_BLK_T_FLUSH:
		if s, ok := b.storage.(syncer); ok {
			if err := s.Sync(); err != nil {
				b.log.Error("flush", "err", err)
				return complete("flush", VIRTIO_BLK_S_IOERR, 0)
			}
		}
		return complete("flush", VIRTIO_BLK_S_OK, 0)

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, blkIDBytes)
		copy(id, b.serial)
		id = id[:min(uint64(len(id)), statusOff)]
		n, err := chain.WriteTo(mem, 0, id)
		if err != nil {
			return complete("get_id", VIRTIO_BLK_S_IOERR, 0)
		}
		return complete("get_id", VIRTIO_BLK_S_OK, uint64(n))

	default:
		return complete("unsupported", VIRTIO_BLK_S_UNSUPP, 0)
	}
}

func (b *Block) checkRange(sector, length uint64) error {
	if length%blkSectorSize != 0 {
		return fmt.Errorf("length %d is not a multiple of the sector size", length)
	}
	end := sector + length/blkSectorSize
	if end < sector || end > b.capacity {
		return fmt.Errorf("sectors [%d, %d) beyond capacity %d", sector, end, b.capacity)
	}
	return nil
}

func statusName(status byte) string {
	switch status {
	case VIRTIO_BLK_S_OK:
		return "ok"
	case VIRTIO_BLK_S_IOERR:
		return "ioerr"
	case VIRTIO_BLK_S_UNSUPP:
		return "unsupp"
	default:
		return "unknown"
	}
}

var (
	_ Device  = (*Block)(nil)
	_ Drainer = (*Block)(nil)
)
