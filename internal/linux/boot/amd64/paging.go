package amd64

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteHuge     = 1 << 7

	pageTableSize = 0x1000
	hugePageSize  = 2 << 20

	// IdentityMapGiB is how much of the physical address space the boot
	// page tables map.
	IdentityMapGiB = 4
)

// PageTableBytes is the space the identity map occupies: PML4, PDPT and one
// page directory per GiB.
const PageTableBytes = (2 + IdentityMapGiB) * pageTableSize

// writeIdentityMap builds 2 MiB identity mappings for the low 4 GiB at
// base. base is the PML4 address and must be page aligned.
func writeIdentityMap(mem io.WriterAt, base uint64) error {
	if base%pageTableSize != 0 {
		return fmt.Errorf("page table base %#x not page aligned", base)
	}
	tables := make([]byte, PageTableBytes)
	pml4 := tables[0:pageTableSize]
	pdpt := tables[pageTableSize : 2*pageTableSize]

	binary.LittleEndian.PutUint64(pml4, (base+pageTableSize)|ptePresent|pteWritable)
	for gib := 0; gib < IdentityMapGiB; gib++ {
		pdAddr := base + uint64(2+gib)*pageTableSize
		binary.LittleEndian.PutUint64(pdpt[8*gib:], pdAddr|ptePresent|pteWritable)

		pd := tables[(2+gib)*pageTableSize : (3+gib)*pageTableSize]
		for i := 0; i < 512; i++ {
			phys := uint64(gib)<<30 | uint64(i)*hugePageSize
			binary.LittleEndian.PutUint64(pd[8*i:], phys|ptePresent|pteWritable|pteHuge)
		}
	}

	if _, err := mem.WriteAt(tables, int64(base)); err != nil {
		return fmt.Errorf("write page tables: %w", err)
	}
	return nil
}
