package acpi

import (
	"encoding/binary"
	"fmt"
)

const (
	headerLen = 36
	rsdpLen   = 36
	// Tables start on 8 byte boundaries so XSDT entries stay aligned.
	tableAlign = 8
)

// region lays ACPI tables out back to back in a fixed guest physical
// window and fails as soon as a table would not fit.
type region struct {
	base  uint64
	limit uint64
	oem   OEMInfo
	buf   []byte
}

func newRegion(base, size uint64, oem OEMInfo) *region {
	return &region{base: base, limit: size, oem: oem}
}

// add appends a table with a standard header and returns its address. The
// OEM table ID is the first four bytes of OEMInfo.OEMTableID followed by the
// signature.
func (r *region) add(signature string, revision uint8, body []byte) (uint64, error) {
	if len(signature) != 4 {
		return 0, fmt.Errorf("acpi: bad table signature %q", signature)
	}
	off := alignUp(uint64(len(r.buf)), tableAlign)
	n := uint64(headerLen + len(body))
	if off+n > r.limit {
		return 0, fmt.Errorf("acpi: %s needs %d bytes at offset %#x, region holds %d", signature, n, off, r.limit)
	}

	r.buf = append(r.buf, make([]byte, off+n-uint64(len(r.buf)))...)
	t := r.buf[off : off+n]

	le := binary.LittleEndian
	copy(t[0:4], signature)
	le.PutUint32(t[4:8], uint32(n))
	t[8] = revision
	copy(t[10:16], r.oem.OEMID[:])
	copy(t[16:20], r.oem.OEMTableID[:4])
	copy(t[20:24], signature)
	le.PutUint32(t[24:28], r.oem.OEMRevision)
	copy(t[28:32], r.oem.CreatorID[:])
	le.PutUint32(t[32:36], r.oem.CreatorRevision)
	copy(t[headerLen:], body)
	t[9] = checksum(t)

	return r.base + off, nil
}

// addXSDT appends an XSDT pointing at tables.
func (r *region) addXSDT(tables ...uint64) (uint64, error) {
	body := make([]byte, 8*len(tables))
	for i, addr := range tables {
		binary.LittleEndian.PutUint64(body[8*i:], addr)
	}
	return r.add("XSDT", 1, body)
}

func (r *region) bytes() []byte { return r.buf }

// rsdp builds an ACPI 2.0 root pointer to xsdt. Both the legacy checksum
// over the first 20 bytes and the extended one are filled in.
func rsdp(xsdt uint64, oem OEMInfo) []byte {
	p := make([]byte, rsdpLen)
	copy(p[0:8], "RSD PTR ")
	copy(p[9:15], oem.OEMID[:])
	p[15] = 2
	binary.LittleEndian.PutUint32(p[20:24], rsdpLen)
	binary.LittleEndian.PutUint64(p[24:32], xsdt)
	p[8] = checksum(p[:20])
	p[32] = checksum(p)
	return p
}

// checksum returns the byte that makes b sum to zero.
func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return -sum
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
