package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	e820EntrySize  = 20
	e820MaxEntries = 128

	E820RAM      = 1
	E820Reserved = 2
)

// E820Entry is one BIOS memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// DefaultE820Map describes RAM [0, ramSize) with the legacy VGA and BIOS
// hole between 0x9f000 and 1 MiB reserved.
func DefaultE820Map(ramSize uint64) []E820Entry {
	const (
		isaMemEnd = 0x0009f000
		highStart = 0x00100000
	)
	ramSize = alignDown(ramSize, 0x1000)
	if ramSize <= highStart {
		return []E820Entry{{Addr: 0, Size: min(ramSize, isaMemEnd), Type: E820RAM}}
	}
	return []E820Entry{
		{Addr: 0, Size: isaMemEnd, Type: E820RAM},
		{Addr: isaMemEnd, Size: highStart - isaMemEnd, Type: E820Reserved},
		{Addr: highStart, Size: ramSize - highStart, Type: E820RAM},
	}
}

type zeroPageParams struct {
	loadAddr   uint64
	cmdline    string
	cmdlineGPA uint64
	initrdGPA  uint64
	initrdSize uint64
	rsdpGPA    uint64
	e820       []E820Entry
}

// buildZeroPage renders boot_params for the kernel. The command line is
// written separately at p.cmdlineGPA.
func (k *KernelImage) buildZeroPage(p zeroPageParams) ([]byte, error) {
	zp := make([]byte, zeroPageSize)

	if len(k.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return nil, errors.New("setup header larger than zero page space")
	}
	copy(zp[setupHeaderOffset:], k.HeaderBytes)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], 0xaa55)
	copy(zp[setupHeaderHeaderOffset:], headerMagic)
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], k.Header.ProtocolVersion)
	binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], k.Header.KernelAlignment)
	zp[relocatableKernelOffset] = k.Header.RelocatableKernel
	zp[minAlignmentOffset] = k.Header.MinAlignment
	binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], k.Header.XLoadFlags)
	binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], k.Header.CmdlineSize)
	binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], k.Header.InitrdAddrMax)
	binary.LittleEndian.PutUint64(zp[prefAddressOffset:], k.Header.PrefAddress)
	binary.LittleEndian.PutUint32(zp[initSizeOffset:], k.Header.InitSize)

	zp[typeOfLoaderOffset] = loaderUnknown
	zp[loadFlagsOffset] = k.Header.LoadFlags | canUseHeap
	heapEnd := uint16(0x9800)
	if k.Header.LoadFlags&loadedHigh != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if p.loadAddr > 0xffffffff {
		return nil, fmt.Errorf("load address %#x exceeds 32-bit range", p.loadAddr)
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(p.loadAddr))

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(p.cmdlineGPA))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(p.cmdlineGPA>>32))
	if limit := k.Header.CmdlineSize; limit != 0 && len(p.cmdline) > int(limit) {
		return nil, fmt.Errorf("command line length %d exceeds kernel limit %d", len(p.cmdline), limit)
	}

	if p.initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(p.initrdGPA))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], uint32(p.initrdSize))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(p.initrdGPA>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskSize:], uint32(p.initrdSize>>32))
	}

	binary.LittleEndian.PutUint64(zp[zeroPageACPIRSDPAddr:], p.rsdpGPA)

	if len(p.e820) == 0 {
		return nil, errors.New("e820 map must contain at least one entry")
	}
	if len(p.e820) > e820MaxEntries {
		return nil, fmt.Errorf("too many e820 entries (%d > %d)", len(p.e820), e820MaxEntries)
	}
	zp[zeroPageE820Entries] = byte(len(p.e820))
	for idx, ent := range p.e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		if base+e820EntrySize > zeroPageSize {
			return nil, errors.New("e820 table exceeds zero page size")
		}
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}
	return zp, nil
}

func writeCmdline(mem io.WriterAt, gpa uint64, cmdline string) error {
	if _, err := mem.WriteAt(append([]byte(cmdline), 0), int64(gpa)); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}
	return nil
}
