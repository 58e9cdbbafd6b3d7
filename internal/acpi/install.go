package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Install writes the RSDP, XSDT, FADT, MADT and DSDT through mem.
func Install(mem io.WriterAt, cfg Config) error {
	cfg.normalize()

	if cfg.RSDPBase >= cfg.TablesBase && cfg.RSDPBase < cfg.TablesBase+cfg.TablesSize {
		return fmt.Errorf("acpi: RSDP at %#x lies inside the table region", cfg.RSDPBase)
	}
	if cfg.RSDPBase < 0xe0000 || cfg.RSDPBase+36 > 0x100000 {
		return fmt.Errorf("acpi: RSDP at %#x is outside the BIOS area", cfg.RSDPBase)
	}

	tables := newRegion(cfg.TablesBase, cfg.TablesSize, cfg.OEM)
	dsdt, err := tables.add("DSDT", 2, buildDSDT(cfg))
	if err != nil {
		return err
	}
	madt, err := tables.add("APIC", 1, buildMADTBody(cfg))
	if err != nil {
		return err
	}
	fadt, err := tables.add("FACP", 5, buildFADTBody(dsdt))
	if err != nil {
		return err
	}
	xsdt, err := tables.addXSDT(fadt, madt)
	if err != nil {
		return err
	}

	if _, err := mem.WriteAt(tables.bytes(), int64(cfg.TablesBase)); err != nil {
		return fmt.Errorf("acpi: write tables: %w", err)
	}
	if _, err := mem.WriteAt(rsdp(xsdt, cfg.OEM), int64(cfg.RSDPBase)); err != nil {
		return fmt.Errorf("acpi: write RSDP: %w", err)
	}
	return nil
}

// buildDSDT describes each virtio-mmio transport as an LNRO0005 device
// under \_SB.
func buildDSDT(cfg Config) []byte {
	scopeBody := bytes.Buffer{}
	scopeBody.WriteString("\\_SB_")

	for i, vdev := range cfg.VirtioDevices {
		devBody := bytes.Buffer{}
		name := vdev.Name
		if name == "" {
			name = fmt.Sprintf("VIO%X", i)
		}
		devBody.WriteString(name)

		devBody.WriteByte(0x08) // NameOp
		devBody.WriteString("_HID")
		devBody.WriteByte(0x0d) // StringPrefix
		devBody.WriteString("LNRO0005")
		devBody.WriteByte(0x00)

		devBody.WriteByte(0x08)
		devBody.WriteString("_UID")
		devBody.WriteByte(0x0a) // BytePrefix
		devBody.WriteByte(byte(i))

		emitVirtioCRS(&devBody, vdev.BaseAddr, vdev.Size, vdev.GSI)

		scopeBody.Write(wrapPkg(0x5b, 0x82, devBody.Bytes())) // DeviceOp
	}

	return wrapPkg(0x10, 0x00, scopeBody.Bytes()) // ScopeOp
}

// emitVirtioCRS emits a _CRS buffer for virtio-mmio devices with Memory32Fixed
// and Extended Interrupt descriptors.
func emitVirtioCRS(buf *bytes.Buffer, baseAddr, size uint64, gsi uint32) {
	buf.WriteByte(0x08)     // NameOp
	buf.WriteString("_CRS") // NameString

	template := bytes.Buffer{}

	// Memory32Fixed Descriptor (large resource, type 0x86)
	// Format: Tag(2) + Length(1) + ReadWrite(1) + BaseAddr(4) + Length(4)
	template.WriteByte(0x86) // Memory32Fixed tag
	template.WriteByte(0x09) // Length low byte (9 bytes follow)
	template.WriteByte(0x00) // Length high byte
	template.WriteByte(0x01) // Read/Write (1 = read-write)
	binary.Write(&template, binary.LittleEndian, uint32(baseAddr))
	binary.Write(&template, binary.LittleEndian, uint32(size))

	// Extended Interrupt Descriptor (large resource, type 0x89)
	// Format: Tag(2) + Length(2) + Flags(1) + Count(1) + Interrupts(4*count)
	template.WriteByte(0x89) // Extended Interrupt tag
	template.WriteByte(0x06) // Length low byte (6 bytes follow)
	template.WriteByte(0x00) // Length high byte
	template.WriteByte(0x03) // Flags: consumer, edge, active-high, exclusive
	template.WriteByte(0x01) // Interrupt count
	binary.Write(&template, binary.LittleEndian, gsi)

	// End tag
	template.Write([]byte{0x79, 0x00})

	rt := template.Bytes()
	bufferBody := bytes.Buffer{}
	bufferBody.WriteByte(0x0a)          // BytePrefix for AML integer
	bufferBody.WriteByte(byte(len(rt))) // Buffer size
	bufferBody.Write(rt)

	buffer := wrapPkg(0x11, 0x00, bufferBody.Bytes()) // BufferOp
	buf.Write(buffer)
}

// wrapPkg emits an AML opcode with a computed PkgLength and body.
func wrapPkg(opcode byte, opcode2 byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(opcode)
	if opcode2 != 0x00 {
		out.WriteByte(opcode2)
	}
	out.Write(pkgLength(len(body)))
	out.Write(body)
	return out.Bytes()
}

// pkgLength encodes an AML PkgLength. The encoded value counts the
// PkgLength bytes themselves.
func pkgLength(bodyLen int) []byte {
	if n := bodyLen + 1; n < 0x40 {
		return []byte{byte(n)}
	}
	if n := bodyLen + 2; n < 1<<12 {
		return []byte{0x40 | byte(n&0xf), byte(n >> 4)}
	}
	if n := bodyLen + 3; n < 1<<20 {
		return []byte{0x80 | byte(n&0xf), byte(n >> 4), byte(n >> 12)}
	}
	n := bodyLen + 4
	return []byte{0xc0 | byte(n&0xf), byte(n >> 4), byte(n >> 12), byte(n >> 20)}
}

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // no 8259 pair

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		buf.WriteByte(0)
		buf.WriteByte(8)
		buf.WriteByte(uint8(cpu))
		buf.WriteByte(uint8(cpu))
		binary.Write(buf, binary.LittleEndian, uint32(1))
	}

	buf.WriteByte(1)
	buf.WriteByte(12)
	buf.WriteByte(cfg.IOAPIC.ID)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.Address)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.GSIBase)

	for _, ovr := range cfg.ISAOverrides {
		buf.WriteByte(2)  // Type = Interrupt Source Override
		buf.WriteByte(10) // Length
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	return buf.Bytes()
}

func buildFADTBody(dsdtAddr uint64) []byte {
	buf := &bytes.Buffer{}

	// Firmware control structures and DSDT pointer
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(dsdtAddr))

	buf.WriteByte(0)                                  // Reserved
	buf.WriteByte(1)                                  // Preferred_PM_Profile (desktop)
	binary.Write(buf, binary.LittleEndian, uint16(9)) // SCI interrupt
	binary.Write(buf, binary.LittleEndian, uint32(0)) // SMI_CMD
	buf.WriteByte(0)                                  // ACPI_ENABLE
	buf.WriteByte(0)                                  // ACPI_DISABLE
	buf.WriteByte(0)                                  // S4BIOS_REQ
	buf.WriteByte(0)                                  // PSTATE_CNT

	// PM block addresses (PM1a_EVT, PM1b_EVT, PM1a_CNT, PM1b_CNT, PM2_CNT, PM_TMR, GPE0, GPE1)
	for i := 0; i < 8; i++ {
		binary.Write(buf, binary.LittleEndian, uint32(0))
	}

	// PM block lengths
	for i := 0; i < 6; i++ {
		buf.WriteByte(0)
	}
	buf.WriteByte(0) // GPE1_BASE

	buf.WriteByte(0)                                  // CST_CNT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // P_LVL2_LAT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // P_LVL3_LAT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // FLUSH_SIZE
	binary.Write(buf, binary.LittleEndian, uint16(0)) // FLUSH_STRIDE
	buf.WriteByte(0)                                  // DUTY_OFFSET
	buf.WriteByte(0)                                  // DUTY_WIDTH
	buf.WriteByte(0)                                  // DAY_ALRM
	buf.WriteByte(0)                                  // MON_ALRM
	buf.WriteByte(0)                                  // CENTURY

	binary.Write(buf, binary.LittleEndian, uint16(3)) // IAPC_BOOT_ARCH (legacy + 8042)
	buf.WriteByte(0)                                  // Reserved
	binary.Write(buf, binary.LittleEndian, uint32(1<<20))

	buf.Write([]byte{1, 8, 0, 0}) // RESET_REG GAS
	binary.Write(buf, binary.LittleEndian, uint64(0xCF9))
	buf.WriteByte(6)                                  // RESET_VALUE
	binary.Write(buf, binary.LittleEndian, uint16(0)) // ARM_BOOT_ARCH
	buf.WriteByte(1)                                  // FADT Minor Version
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, dsdtAddr)

	for buf.Len()+36 < 244 {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}
