// Package boottest builds small kernel images for loader and VM tests.
package boottest

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
)

// ELF64 returns an x86-64 executable with one PT_LOAD segment holding code
// at paddr, followed by bss zero bytes, entered at entry.
func ELF64(entry, paddr uint64, code []byte, bss uint64) []byte {
	const (
		ehsize    = 64
		phentsize = 56
		dataOff   = 0x1000
	)
	img := make([]byte, dataOff+len(code))

	copy(img, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le := binary.LittleEndian
	le.PutUint16(img[16:], 2)  // ET_EXEC
	le.PutUint16(img[18:], 62) // EM_X86_64
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[24:], entry)
	le.PutUint64(img[32:], ehsize)
	le.PutUint16(img[52:], ehsize)
	le.PutUint16(img[54:], phentsize)
	le.PutUint16(img[56:], 1)
	le.PutUint16(img[58:], 64)

	ph := img[ehsize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 7) // RWX
	le.PutUint64(ph[8:], dataOff)
	le.PutUint64(ph[16:], paddr)
	le.PutUint64(ph[24:], paddr)
	le.PutUint64(ph[32:], uint64(len(code)))
	le.PutUint64(ph[40:], uint64(len(code))+bss)
	le.PutUint64(ph[48:], 0x1000)

	copy(img[dataOff:], code)
	return img
}

// BzImageOptions tunes the setup header of BzImage.
type BzImageOptions struct {
	Protocol     uint16
	NoKernel64   bool
	InitSize     uint32
	PrefAddress  uint64
	InitrdMax    uint32
	Relocatable  bool
	SetupSectors uint8
}

// BzImage returns a bzImage whose protected-mode payload is payload.
func BzImage(payload []byte, opts BzImageOptions) []byte {
	if opts.Protocol == 0 {
		opts.Protocol = 0x020f
	}
	if opts.SetupSectors == 0 {
		opts.SetupSectors = 1
	}
	if opts.InitrdMax == 0 {
		opts.InitrdMax = 0x7fffffff
	}
	setup := 512 * (1 + int(opts.SetupSectors))
	img := make([]byte, setup+len(payload))
	le := binary.LittleEndian

	img[0x1f1] = opts.SetupSectors
	img[0x1fe], img[0x1ff] = 0x55, 0xaa
	img[0x200], img[0x201] = 0xeb, 0x6a // jmp over the header
	copy(img[0x202:], "HdrS")
	le.PutUint16(img[0x206:], opts.Protocol)
	img[0x211] = 0x01 // LOADED_HIGH
	le.PutUint32(img[0x214:], 0x100000)
	le.PutUint32(img[0x22c:], opts.InitrdMax)
	le.PutUint32(img[0x230:], 0x200000)
	if opts.Relocatable {
		img[0x234] = 1
	}
	if !opts.NoKernel64 {
		le.PutUint16(img[0x236:], 0x1)
	}
	le.PutUint32(img[0x238:], 2048)
	le.PutUint64(img[0x258:], opts.PrefAddress)
	le.PutUint32(img[0x260:], opts.InitSize)

	copy(img[setup:], payload)
	return img
}

// ARM64Image returns an arm64 Image of size bytes with the given
// text_offset.
func ARM64Image(textOffset uint64, size int) []byte {
	img := make([]byte, max(size, 64))
	le := binary.LittleEndian
	le.PutUint32(img[0:], 0x14000010) // b #0x40
	le.PutUint64(img[8:], textOffset)
	le.PutUint64(img[16:], uint64(len(img)))
	le.PutUint64(img[24:], 0xa) // 4K pages, anywhere
	le.PutUint32(img[56:], 0x644d5241)
	return img
}

// Gzip compresses img the way an Image.gz is produced.
func Gzip(img []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(img)
	zw.Close()
	return buf.Bytes()
}
