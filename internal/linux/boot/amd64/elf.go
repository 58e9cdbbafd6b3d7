package amd64

import (
	"debug/elf"
	"fmt"
	"io"
	"math"
)

const (
	defaultELFCmdlineSize = 4096
	defaultELFInitrdMax   = 0x37ffffff
	defaultELFKernelAlign = 0x200000
)

// loadELFKernel accepts ELF64 and ELF32 x86 executables. PT_LOAD segments
// are placed at their physical addresses and entered at e_entry.
func loadELFKernel(kernel io.ReaderAt) (*KernelImage, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	switch {
	case f.Class == elf.ELFCLASS64 && f.Machine == elf.EM_X86_64:
	case f.Class == elf.ELFCLASS32 && f.Machine == elf.EM_386:
	default:
		return nil, fmt.Errorf("%w: ELF %v machine %v", ErrUnsupportedFormat, f.Class, f.Machine)
	}

	var (
		segments []elfSegment
		minPhys  uint64 = math.MaxUint64
		maxPhys  uint64
		maxAlign uint64
	)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > math.MaxInt32 {
			return nil, fmt.Errorf("%w: ELF segment of %#x bytes", ErrTooLarge, prog.Memsz)
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		segments = append(segments, elfSegment{physAddr: prog.Paddr, memSize: prog.Memsz, data: data})
		minPhys = min(minPhys, prog.Paddr)
		maxPhys = max(maxPhys, prog.Paddr+prog.Memsz)
		maxAlign = max(maxAlign, prog.Align)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: ELF image has no loadable segments", ErrUnsupportedFormat)
	}

	entry := f.Entry
	if entry < minPhys || entry >= maxPhys {
		return nil, fmt.Errorf("ELF entry %#x outside loaded span [%#x, %#x)", entry, minPhys, maxPhys)
	}
	if maxAlign == 0 || maxAlign > math.MaxUint32 {
		maxAlign = defaultELFKernelAlign
	}

	// The zero page still needs a setup header; describe the image the way a
	// loaded-high, non-relocatable bzImage would be described.
	header := SetupHeader{
		ProtocolVersion: 0x020f,
		LoadFlags:       loadedHigh,
		InitrdAddrMax:   defaultELFInitrdMax,
		KernelAlignment: uint32(maxAlign),
		XLoadFlags:      xlfKernel64,
		CmdlineSize:     defaultELFCmdlineSize,
		PrefAddress:     minPhys,
		InitSize:        uint32(min(maxPhys-minPhys, math.MaxUint32)),
	}

	return &KernelImage{
		format:      kernelFormatELF,
		Header:      header,
		elfSegments: segments,
		elfEntry:    entry,
		elfMinPhys:  minPhys,
		elfMaxPhys:  maxPhys,
	}, nil
}
