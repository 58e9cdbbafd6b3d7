package memory

import (
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/hv"
)

const testPage = 0x1000

func newTestManager(limit uint64) *Manager {
	return NewManager(limit, WithAllocator(HeapAllocator{}), WithPageSize(testPage))
}

func TestAllocateRejectsMisaligned(t *testing.T) {
	m := newTestManager(1 << 20)

	_, err := m.Allocate(0x10, testPage, hv.MemoryRWX)
	require.ErrorIs(t, err, ErrMisaligned)

	_, err = m.Allocate(0, testPage+1, hv.MemoryRWX)
	require.ErrorIs(t, err, ErrMisaligned)

	_, err = m.Allocate(0, 0, hv.MemoryRWX)
	require.ErrorIs(t, err, ErrMisaligned)
}

func TestAllocateRejectsOverlap(t *testing.T) {
	m := newTestManager(1 << 20)

	_, err := m.Allocate(0x4000, 0x4000, hv.MemoryRWX)
	require.NoError(t, err)

	_, err = m.Allocate(0x6000, 0x4000, hv.MemoryRWX)
	require.ErrorIs(t, err, ErrOverlap)

	_, err = m.Allocate(0x0, 0x5000, hv.MemoryRWX)
	require.ErrorIs(t, err, ErrOverlap)

	// Adjacent is fine.
	_, err = m.Allocate(0x8000, 0x1000, hv.MemoryRWX)
	require.NoError(t, err)
}

func TestAllocateRespectsLimit(t *testing.T) {
	m := newTestManager(0x4000)

	_, err := m.Allocate(0, 0x4000, hv.MemoryRWX)
	require.NoError(t, err)

	_, err = m.Allocate(0x10000, testPage, hv.MemoryRWX)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestTranslateOutOfBounds(t *testing.T) {
	m := newTestManager(1 << 20)
	_, err := m.Allocate(0x1000, 0x1000, hv.MemoryRWX)
	require.NoError(t, err)

	_, err = m.Translate(0xfff)
	require.ErrorIs(t, err, ErrOutOfBounds)
	_, err = m.Translate(0x2000)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReadWriteBoundsChecked(t *testing.T) {
	m := newTestManager(1 << 20)
	region, err := m.Allocate(0x2000, 0x2000, hv.MemoryRWX)
	require.NoError(t, err)

	n, err := m.WriteAt([]byte("hello"), 0x2ffe)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), region.Bytes()[0xffe:0x1003])

	buf := make([]byte, 5)
	_, err = m.ReadAt(buf, 0x2ffe)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// Crossing the end of the region is rejected, not truncated.
	_, err = m.WriteAt([]byte("xy"), 0x3fff)
	require.ErrorIs(t, err, ErrOutOfBounds)
	_, err = m.ReadAt(buf, -1)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestFreeIsIdempotent(t *testing.T) {
	m := newTestManager(1 << 20)
	region, err := m.Allocate(0, 0x2000, hv.MemoryRWX)
	require.NoError(t, err)

	require.NoError(t, m.Free(region))
	require.NoError(t, m.Free(region))

	allocated, freed := m.Counts()
	assert.Equal(t, 1, allocated)
	assert.Equal(t, 1, freed)

	_, err = m.Translate(0)
	require.ErrorIs(t, err, ErrOutOfBounds)

	// The range can be reused after it was freed.
	_, err = m.Allocate(0, 0x2000, hv.MemoryRWX)
	require.NoError(t, err)
}

// Allocating any set of disjoint aligned regions and translating any address
// inside them lands at the same offset from the region's host mapping.
func TestAllocateTranslateRoundTrip(t *testing.T) {
	const limit = 64 * testPage

	property := func(seed int64) bool {
		rng := rand.New(rand.NewSource(seed))
		m := newTestManager(limit)

		var regions []*Region
		next := uint64(0)
		budget := uint64(limit)
		for budget > 0 {
			gap := uint64(rng.Intn(4)) * testPage
			size := uint64(rng.Intn(4)+1) * testPage
			if size > budget {
				size = budget
			}
			r, err := m.Allocate(next+gap, size, hv.MemoryRWX)
			if err != nil {
				return false
			}
			regions = append(regions, r)
			next += gap + size
			budget -= size
		}

		for _, r := range regions {
			for i := 0; i < 8; i++ {
				off := uint64(rng.Int63n(int64(r.Size())))
				host, err := m.Translate(r.Base() + off)
				if err != nil || host != r.HostAddress()+uintptr(off) {
					return false
				}
			}
		}
		return true
	}

	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}
