package acpi

import "github.com/tinyrange/vmm/internal/hv"

// Config controls where the tables are placed and what they describe. All
// addresses are guest physical.
type Config struct {
	// TablesBase and TablesSize bound the region the tables are written to.
	// RSDPBase must lie in the BIOS area Linux scans (0xe0000-0xfffff).
	TablesBase uint64
	TablesSize uint64
	RSDPBase   uint64

	NumCPUs   int
	LAPICBase uint32

	IOAPIC IOAPICConfig

	// VirtioDevices are described in the DSDT.
	VirtioDevices []VirtioMMIODevice

	// ISAOverrides become MADT interrupt source overrides.
	ISAOverrides []InterruptOverride

	OEM OEMInfo
}

type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// VirtioMMIODevice is a virtio-mmio transport with an edge triggered GSI.
type VirtioMMIODevice struct {
	Name     string // 4 character ACPI name, VIO<n> when empty
	BaseAddr uint64
	Size     uint64
	GSI      uint32
}

type InterruptOverride struct {
	Bus   uint8
	IRQ   uint8
	GSI   uint32
	Flags uint16
}

type OEMInfo struct {
	OEMID [6]byte
	// Only the first four bytes are used; each table appends its signature.
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'T', 'N', 'Y', 'V', 'M', 'M'},
		OEMTableID:      [8]byte{'T', 'V', 'M', 'M'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'T', 'V', 'M', 'M'},
		CreatorRevision: 1,
	}
}

// Default placement inside the reserved BIOS area below 1 MiB.
const (
	DefaultRSDPBase   = 0x000e0000
	DefaultTablesBase = 0x000e1000
	DefaultTablesSize = 0x0001f000
)

func (c *Config) normalize() {
	if c.RSDPBase == 0 {
		c.RSDPBase = DefaultRSDPBase
	}
	if c.TablesBase == 0 {
		c.TablesBase = DefaultTablesBase
	}
	if c.TablesSize == 0 {
		c.TablesSize = DefaultTablesSize
	}
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = hv.AMD64LAPICBase
	}
	if c.IOAPIC.Address == 0 {
		c.IOAPIC.Address = hv.AMD64IOAPICBase
	}
	if c.ISAOverrides == nil {
		// PIT on IRQ0 is wired to GSI2 on every PC compatible IO-APIC.
		c.ISAOverrides = []InterruptOverride{{Bus: 0, IRQ: 0, GSI: 2}}
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
