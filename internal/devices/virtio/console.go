package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyrange/vmm/internal/metrics"
)

const (
	consoleDeviceID    = 3
	consoleQueueNumMax = 256
	consoleName        = "virtio-console"

	queueReceive  = 0
	queueTransmit = 1

	consoleConfigSize = 12
	consoleEmergWrOff = 8
)

// Virtio console feature bits
const (
	VIRTIO_CONSOLE_F_SIZE        = 1 << 0
	VIRTIO_CONSOLE_F_EMERG_WRITE = 1 << 2
)

type ConsoleOption func(*Console)

// WithInput feeds bytes read from in to the guest. The reader is drained on
// a goroutine stopped by Close. The console never closes in; bytes read after
// Close are dropped.
func WithInput(in io.Reader) ConsoleOption {
	return func(c *Console) { c.in = in }
}

// WithSize advertises the terminal dimensions.
func WithSize(cols, rows uint16) ConsoleOption {
	return func(c *Console) { c.cols, c.rows = cols, rows }
}

func WithConsoleLogger(log *slog.Logger) ConsoleOption {
	return func(c *Console) { c.log = log }
}

// Console is a single-port virtio-console.
type Console struct {
	out io.Writer
	in  io.Reader
	log *slog.Logger

	queues []*Queue

	mu         sync.Mutex
	cols, rows uint16
	pending    []byte
	negotiated uint64

	outMu sync.Mutex

	closed    bool
	inputStop chan struct{}
	inputWG   sync.WaitGroup
}

func NewConsole(out io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{out: out, cols: 80, rows: 25, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.out == nil {
		c.out = io.Discard
	}
	return c
}

func (c *Console) Name() string     { return consoleName }
func (c *Console) DeviceID() uint32 { return consoleDeviceID }
func (c *Console) NumQueues() int   { return 2 }

func (c *Console) QueueMaxSize(int) uint16 { return consoleQueueNumMax }

func (c *Console) Features() uint64 {
	return VIRTIO_CONSOLE_F_SIZE | VIRTIO_CONSOLE_F_EMERG_WRITE
}

func (c *Console) Negotiate(features uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negotiated = features
	return nil
}

// Attach receives the queues and starts the input reader.
func (c *Console) Attach(queues []*Queue) {
	c.queues = queues
	c.startInputReader()
}

func (c *Console) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negotiated = 0
}

// Resize updates the advertised size.
func (c *Console) Resize(cols, rows uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols, c.rows = cols, rows
}

func (c *Console) ReadConfig(offset uint64, data []byte) {
	c.mu.Lock()
	var cfg [consoleConfigSize]byte
	binary.LittleEndian.PutUint16(cfg[0:2], c.cols)
	binary.LittleEndian.PutUint16(cfg[2:4], c.rows)
	binary.LittleEndian.PutUint32(cfg[4:8], 1) // max_nr_ports
	c.mu.Unlock()
	readConfigBytes(cfg[:], offset, data)
}

// WriteConfig handles emerg_wr: the low byte is written to the output
// immediately, even before the driver set up any queue.
func (c *Console) WriteConfig(offset uint64, data []byte) error {
	if offset != consoleEmergWrOff || len(data) == 0 {
		return fmt.Errorf("%s: write to read-only config offset %#x", consoleName, offset)
	}
	c.write(data[:1])
	return nil
}

func (c *Console) write(p []byte) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := c.out.Write(p); err != nil {
		c.log.Warn("console output", "err", err)
	}
}

func (c *Console) ProcessQueue(queue int) error {
	switch queue {
	case queueTransmit:
		return c.processTransmit()
	case queueReceive:
		return c.processReceive()
	}
	return nil
}

func (c *Console) processTransmit() error {
	q := c.queues[queueTransmit]
	pushed, err := q.Drain(func(chain *Chain) (uint32, error) {
		for _, b := range chain.Readable {
			if b.Len == 0 {
				continue
			}
			// ReadChain checked that every buffer is backed by guest memory.
			p, err := q.mem.Slice(b.Addr, uint64(b.Len))
			if err != nil {
				metrics.VirtioRequests.WithLabelValues(consoleName, "tx", "ioerr").Inc()
				return 0, fmt.Errorf("%w: %w", ErrMalformedChain, err)
			}
			c.write(p)
		}
		metrics.VirtioRequests.WithLabelValues(consoleName, "tx", "ok").Inc()
		return 0, nil
	})
	if pushed {
		q.Signal()
	}
	if err != nil {
		return fmt.Errorf("%s: transmit: %w", consoleName, err)
	}
	return nil
}

// processReceive moves pending input into driver supplied receive buffers.
func (c *Console) processReceive() error {
	q := c.queues[queueReceive]
	if !q.Ready() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	var pushed bool
	for len(c.pending) > 0 {
		head, ok, err := q.Pop()
		if err != nil {
			return fmt.Errorf("%s: receive: %w", consoleName, err)
		}
		if !ok {
			break
		}
		var n int
		chain, err := q.ReadChain(head)
		if err == nil {
			n, err = chain.WriteTo(q.mem, 0, c.pending)
		}
		if err != nil {
			c.log.Warn("bad receive buffer", "head", head, "err", err)
		}
		c.pending = c.pending[n:]
		if err := q.Push(head, uint32(n)); err != nil {
			return fmt.Errorf("%s: receive: %w", consoleName, err)
		}
		metrics.VirtioRequests.WithLabelValues(consoleName, "rx", "ok").Inc()
		pushed = true
	}
	if pushed {
		q.Signal()
	}
	return nil
}

// Input queues bytes for the guest and delivers as much as the driver has
// buffers for.
func (c *Console) Input(p []byte) {
	if len(p) == 0 {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, p...)
	c.mu.Unlock()

	if err := c.processReceive(); err != nil {
		c.log.Error("deliver input", "err", err)
	}
}

// Pending reports how many input bytes wait for receive buffers.
func (c *Console) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Console) readInput(stop <-chan struct{}) {
	defer c.inputWG.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if d, ok := c.in.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		}

		n, err := c.in.Read(buf)
		select {
		case <-stop:
			return
		default:
		}
		if n > 0 {
			c.Input(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			c.log.Warn("console input", "err", err)
			return
		}
	}
}

func (c *Console) startInputReader() {
	if c.in == nil || c.inputStop != nil {
		return
	}
	c.inputStop = make(chan struct{})
	c.inputWG.Add(1)
	go c.readInput(c.inputStop)
}

// Close stops input delivery and waits briefly for the reader goroutine. A
// reader blocked in Read, such as a terminal, is left to return on its own;
// whatever it returns is discarded.
func (c *Console) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	if c.inputStop == nil {
		return nil
	}
	close(c.inputStop)
	done := make(chan struct{})
	go func() {
		c.inputWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		c.log.Debug("console input reader still blocked in Read")
	}
	return nil
}

var _ Device = (*Console)(nil)
