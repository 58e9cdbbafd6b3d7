// Package memory owns the guest physical address space of a VM.
//
// A Manager hands out page aligned, non-overlapping regions backed by host
// memory. It never locks the mapped bytes: vCPUs, device backends and the
// boot loader access guest memory concurrently and rely on the virtio ring
// protocol for ordering.
package memory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
)

var (
	ErrOverlap     = errors.New("memory: region overlaps an existing region")
	ErrMisaligned  = errors.New("memory: region is not page aligned")
	ErrOutOfBounds = errors.New("memory: address out of bounds")
)

// Allocator provides host memory for guest regions.
type Allocator interface {
	Alloc(size uint64) ([]byte, error)
	Free(mem []byte) error
}

// Region is a contiguous block of guest physical memory.
type Region struct {
	base  uint64
	mem   []byte
	flags hv.MemoryFlags
	freed bool
}

func (r *Region) Base() uint64 { return r.base }
func (r *Region) Size() uint64 { return uint64(len(r.mem)) }
func (r *Region) End() uint64 { return r.base + uint64(len(r.mem)) }
func (r *Region) Flags() hv.MemoryFlags { return r.flags }
func (r *Region) Bytes() []byte { return r.mem }
func (r *Region) contains(gpa uint64) bool { return gpa >= r.base && gpa < r.End() }

// HostAddress returns the host virtual address of the first byte.
func (r *Region) HostAddress() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

type Option func(*Manager)

// WithAllocator overrides the platform allocator.
func WithAllocator(a Allocator) Option {
	return func(m *Manager) { m.alloc = a }
}

// WithPageSize overrides the host page size used for alignment checks.
func WithPageSize(size uint64) Option {
	return func(m *Manager) { m.pageSize = size }
}

// Manager is the guest physical address space.
type Manager struct {
	mu       sync.RWMutex
	regions  []*Region // sorted by base
	limit    uint64
	used     uint64
	pageSize uint64
	alloc    Allocator

	allocated int
	freed     int
}

// NewManager returns a Manager that allows at most limit bytes of guest
// memory in total.
func NewManager(limit uint64, opts ...Option) *Manager {
	m := &Manager{
		limit:    limit,
		pageSize: uint64(os.Getpagesize()),
		alloc:    hostAllocator{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) PageSize() uint64 { return m.pageSize }

// Allocate reserves [base, base+size) and backs it with host memory.
func (m *Manager) Allocate(base, size uint64, flags hv.MemoryFlags) (*Region, error) {
	if size == 0 || base%m.pageSize != 0 || size%m.pageSize != 0 {
		return nil, fmt.Errorf("allocate [%#x, +%#x) with page size %#x: %w", base, size, m.pageSize, ErrMisaligned)
	}
	if base+size < base {
		return nil, fmt.Errorf("allocate [%#x, +%#x): %w", base, size, ErrOutOfBounds)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used+size > m.limit {
		return nil, fmt.Errorf("allocate %#x bytes with %#x of %#x in use: %w", size, m.used, m.limit, ErrOutOfBounds)
	}

	want := hv.Range{Start: base, Size: size}
	for _, r := range m.regions {
		if want.Overlaps(hv.Range{Start: r.base, Size: r.Size()}) {
			return nil, fmt.Errorf("allocate [%#x, %#x) against [%#x, %#x): %w",
				base, base+size, r.base, r.End(), ErrOverlap)
		}
	}

	mem, err := m.alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("memory: host allocation of %#x bytes: %w", size, err)
	}

	region := &Region{base: base, mem: mem, flags: flags}
	m.regions = append(m.regions, region)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	m.used += size
	m.allocated++

	return region, nil
}

// Free releases the host memory behind r. Freeing a region twice is a no-op.
func (m *Manager) Free(r *Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r == nil || r.freed {
		return nil
	}

	for i, existing := range m.regions {
		if existing == r {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			break
		}
	}
	r.freed = true
	m.used -= r.Size()
	m.freed++

	mem := r.mem
	r.mem = nil
	if err := m.alloc.Free(mem); err != nil {
		return fmt.Errorf("memory: free region at %#x: %w", r.base, err)
	}
	return nil
}

// Regions returns the live regions ordered by base address.
func (m *Manager) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Region(nil), m.regions...)
}

// Counts reports how many regions were allocated and freed over the life of
// the manager.
func (m *Manager) Counts() (allocated, freed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocated, m.freed
}

func (m *Manager) find(gpa uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > gpa })
	if i < len(m.regions) && m.regions[i].contains(gpa) {
		return m.regions[i]
	}
	return nil
}

// Translate returns the host address backing gpa.
func (m *Manager) Translate(gpa uint64) (uintptr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.find(gpa)
	if r == nil {
		return 0, fmt.Errorf("translate %#x: %w", gpa, ErrOutOfBounds)
	}
	return r.HostAddress() + uintptr(gpa-r.base), nil
}

// Slice returns the n bytes at gpa. The range must lie inside one region.
func (m *Manager) Slice(gpa, n uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.find(gpa)
	if r == nil {
		return nil, fmt.Errorf("access [%#x, +%d): %w", gpa, n, ErrOutOfBounds)
	}
	off := gpa - r.base
	if n > r.Size()-off {
		return nil, fmt.Errorf("access [%#x, +%d) past region end %#x: %w", gpa, n, r.End(), ErrOutOfBounds)
	}
	return r.mem[off : off+n : off+n], nil
}

// ReadAt implements io.ReaderAt using guest physical addresses as offsets.
func (m *Manager) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: %w", off, ErrOutOfBounds)
	}
	src, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements io.WriterAt using guest physical addresses as offsets.
func (m *Manager) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write at %d: %w", off, ErrOutOfBounds)
	}
	dst, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Zero clears n bytes at gpa.
func (m *Manager) Zero(gpa, n uint64) error {
	dst, err := m.Slice(gpa, n)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

var (
	_ io.ReaderAt = (*Manager)(nil)
	_ io.WriterAt = (*Manager)(nil)
)

// HeapAllocator backs regions with ordinary Go memory. It is meant for
// backends that copy guest memory themselves and for tests.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(size uint64) ([]byte, error) { return make([]byte, size), nil }
func (HeapAllocator) Free([]byte) error { return nil }
