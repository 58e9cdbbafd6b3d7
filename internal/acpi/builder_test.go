package acpi

import (
	"encoding/binary"
	"strings"
	"testing"
)

func TestRegionLayout(t *testing.T) {
	r := newRegion(0xe1000, 0x1000, DefaultOEMInfo())

	first, err := r.add("TST1", 3, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.add("TST2", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != 0xe1000 {
		t.Fatalf("first table at %#x", first)
	}
	// 39 bytes round up to the next 8 byte boundary.
	if second != 0xe1000+40 {
		t.Fatalf("second table at %#x, want %#x", second, 0xe1000+40)
	}

	tbl := r.bytes()[:39]
	if got := binary.LittleEndian.Uint32(tbl[4:8]); got != 39 {
		t.Fatalf("length = %d", got)
	}
	if tbl[8] != 3 {
		t.Fatalf("revision = %d", tbl[8])
	}
	if got := string(tbl[16:24]); got != "TVMMTST1" {
		t.Fatalf("OEM table ID = %q", got)
	}
	if got := string(tbl[28:32]); got != "TVMM" {
		t.Fatalf("creator ID = %q", got)
	}
	if sum(tbl) != 0 {
		t.Fatal("checksum")
	}
}

func TestRegionOverflow(t *testing.T) {
	r := newRegion(0, 100, DefaultOEMInfo())
	if _, err := r.add("TST1", 1, make([]byte, 40)); err != nil {
		t.Fatal(err)
	}
	// 80 bytes in use once aligned; another header does not fit.
	_, err := r.add("TST2", 1, nil)
	if err == nil || !strings.Contains(err.Error(), "TST2") {
		t.Fatalf("overflow not reported: %v", err)
	}
	if len(r.bytes()) != 76 {
		t.Fatalf("failed add changed the region to %d bytes", len(r.bytes()))
	}
	if _, err := r.add("TOOLONG", 1, nil); err == nil {
		t.Fatal("bad signature accepted")
	}
}

func TestXSDTAndRSDP(t *testing.T) {
	r := newRegion(0x1000, 0x1000, DefaultOEMInfo())
	xsdt, err := r.addXSDT(0x1111, 0x2222)
	if err != nil {
		t.Fatal(err)
	}
	entries := parseXSDTEntries(r.bytes())
	if len(entries) != 2 || entries[0] != 0x1111 || entries[1] != 0x2222 {
		t.Fatalf("entries = %#x", entries)
	}

	p := rsdp(xsdt, DefaultOEMInfo())
	if sum(p[:20]) != 0 || sum(p) != 0 {
		t.Fatal("RSDP checksums")
	}
	if p[15] != 2 || binary.LittleEndian.Uint64(p[24:]) != xsdt {
		t.Fatalf("RSDP = % x", p)
	}
	if string(p[9:15]) != "TNYVMM" {
		t.Fatalf("OEM ID = %q", p[9:15])
	}
}
