package arm64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/linux/boot/boottest"
)

func TestLoadKernelFormats(t *testing.T) {
	raw := boottest.ARM64Image(0x80000, 0x3000)
	gz := boottest.Gzip(raw)
	// Leading stub with a stray gzip magic that does not inflate.
	stub := append([]byte{0x1f, 0x8b, 0x08, 0x00}, bytes.Repeat([]byte{0xaa}, 92)...)

	for _, tc := range []struct {
		name       string
		file       []byte
		compressed bool
	}{
		{"raw", raw, false},
		{"gzip", gz, true},
		{"gzip after stub", append(stub, gz...), true},
		{"gzip with trailing padding", append(append([]byte(nil), gz...), make([]byte, 512)...), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := load(t, tc.file)
			assert.Equal(t, tc.compressed, k.Compressed)
			assert.Equal(t, uint64(0x80000), k.Header.TextOffset)
			assert.Equal(t, uint64(0x3000), k.Header.ImageSize)
			assert.Equal(t, uint64(4<<10), k.Header.PageSize())
			assert.Equal(t, raw, k.Payload())
		})
	}
}

func TestLegacyHeaderUsesDefaultTextOffset(t *testing.T) {
	img := boottest.ARM64Image(0, 0x1000)
	binary.LittleEndian.PutUint64(img[16:], 0) // image_size
	binary.LittleEndian.PutUint64(img[24:], 0) // flags

	k := load(t, img)
	assert.Equal(t, uint64(legacyTextOffset), k.Header.TextOffset)
	assert.Zero(t, k.Header.PageSize())
	assert.Equal(t, uint64(len(img)), k.footprint())
}

func TestLoadKernelRejects(t *testing.T) {
	bigEndian := boottest.ARM64Image(0, 0x1000)
	binary.LittleEndian.PutUint64(bigEndian[24:], flagBigEndian)

	for _, tc := range []struct {
		name string
		file []byte
	}{
		{"short", []byte("ARMd")},
		{"no magic", make([]byte, 4096)},
		{"big endian", bigEndian},
		{"big endian gzip", boottest.Gzip(bigEndian)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadKernel(bytes.NewReader(tc.file), int64(len(tc.file)))
			require.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

func TestImageSizeLimit(t *testing.T) {
	saved := maxImageSize
	maxImageSize = 1 << 20
	t.Cleanup(func() { maxImageSize = saved })

	// Inflates past the limit while the compressed file stays small.
	img := boottest.ARM64Image(0, 2<<20)
	gz := boottest.Gzip(img)
	require.Less(t, len(gz), 1<<20)
	_, err := LoadKernel(bytes.NewReader(gz), int64(len(gz)))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = LoadKernel(bytes.NewReader(img), int64(len(img)))
	require.ErrorIs(t, err, ErrTooLarge)

	k := load(t, boottest.ARM64Image(0, 1<<20))
	assert.Len(t, k.Payload(), 1<<20)
}

func TestEntryPointNeedsAlignedBase(t *testing.T) {
	h := Header{TextOffset: 0x80000}
	entry, err := h.EntryPoint(0x40000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40080000), entry)

	_, err = h.EntryPoint(0x40001000)
	require.Error(t, err)
}

func TestPageSizeFlags(t *testing.T) {
	for flags, want := range map[uint64]uint64{
		0 << flagPageShift: 0,
		1 << flagPageShift: 4 << 10,
		2 << flagPageShift: 16 << 10,
		3 << flagPageShift: 64 << 10,
	} {
		assert.Equal(t, want, Header{Flags: flags | 1<<3}.PageSize(), "flags %#x", flags)
	}
}
