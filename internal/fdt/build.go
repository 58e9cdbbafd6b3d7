package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	headerSize     = 0x28
	version        = 17
	lastCompatible = 16
	magic          = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

var ErrInvalidBlob = errors.New("fdt: invalid blob")

// Build serializes root into a version 17 blob. reserved entries are
// written to the memory reservation block.
func Build(root Node, reserved ...Reservation) ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.node(root); err != nil {
		return nil, err
	}
	b.token(tokenEnd)
	return b.finish(reserved), nil
}

type builder struct {
	structure  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) node(n Node) error {
	b.token(tokenBeginNode)
	b.structure.WriteString(n.Name)
	b.structure.WriteByte(0)
	b.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := encode(n.Properties[name])
		if err != nil {
			return fmt.Errorf("fdt: %s/%s: %w", n.Name, name, err)
		}
		b.token(tokenProp)
		b.u32(uint32(len(value)))
		b.u32(b.stringOffset(name))
		b.structure.Write(value)
		b.pad()
	}

	for _, child := range n.Children {
		if err := b.node(child); err != nil {
			return err
		}
	}
	b.token(tokenEndNode)
	return nil
}

func encode(p Property) ([]byte, error) {
	switch p.kinds() {
	case 0:
		return nil, errors.New("property has no value")
	case 1:
	default:
		return nil, errors.New("property mixes value kinds")
	}
	switch {
	case len(p.Strings) > 0:
		var buf []byte
		for _, s := range p.Strings {
			buf = append(buf, s...)
			buf = append(buf, 0)
		}
		return buf, nil
	case len(p.U32) > 0:
		buf := make([]byte, 4*len(p.U32))
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(buf[4*i:], v)
		}
		return buf, nil
	case len(p.U64) > 0:
		buf := make([]byte, 8*len(p.U64))
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(buf[8*i:], v)
		}
		return buf, nil
	case len(p.Bytes) > 0:
		return append([]byte(nil), p.Bytes...), nil
	}
	return nil, nil
}

func (b *builder) finish(reserved []Reservation) []byte {
	rsv := make([]byte, 16*(len(reserved)+1))
	for i, r := range reserved {
		binary.BigEndian.PutUint64(rsv[16*i:], r.Address)
		binary.BigEndian.PutUint64(rsv[16*i+8:], r.Size)
	}

	offRsv := headerSize
	offStruct := offRsv + len(rsv)
	offStrings := offStruct + b.structure.Len()
	total := offStrings + b.strings.Len()

	blob := make([]byte, total)
	h := blob[:headerSize]
	binary.BigEndian.PutUint32(h[0:], magic)
	binary.BigEndian.PutUint32(h[4:], uint32(total))
	binary.BigEndian.PutUint32(h[8:], uint32(offStruct))
	binary.BigEndian.PutUint32(h[12:], uint32(offStrings))
	binary.BigEndian.PutUint32(h[16:], uint32(offRsv))
	binary.BigEndian.PutUint32(h[20:], version)
	binary.BigEndian.PutUint32(h[24:], lastCompatible)
	binary.BigEndian.PutUint32(h[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(h[32:], uint32(b.strings.Len()))
	binary.BigEndian.PutUint32(h[36:], uint32(b.structure.Len()))

	copy(blob[offRsv:], rsv)
	copy(blob[offStruct:], b.structure.Bytes())
	copy(blob[offStrings:], b.strings.Bytes())
	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) token(t uint32) { b.u32(t) }

func (b *builder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structure.Write(tmp[:])
}

func (b *builder) pad() {
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

// Parse decodes a blob into its root node. Property values come back as
// Bytes since the blob carries no type information.
func Parse(blob []byte) (Node, []Reservation, error) {
	if len(blob) < headerSize || binary.BigEndian.Uint32(blob) != magic {
		return Node{}, nil, ErrInvalidBlob
	}
	total := binary.BigEndian.Uint32(blob[4:])
	offStruct := binary.BigEndian.Uint32(blob[8:])
	offStrings := binary.BigEndian.Uint32(blob[12:])
	offRsv := binary.BigEndian.Uint32(blob[16:])
	if int(total) > len(blob) || offStruct > total || offStrings > total || offRsv > total {
		return Node{}, nil, ErrInvalidBlob
	}

	var reserved []Reservation
	for off := offRsv; off+16 <= offStruct; off += 16 {
		r := Reservation{
			Address: binary.BigEndian.Uint64(blob[off:]),
			Size:    binary.BigEndian.Uint64(blob[off+8:]),
		}
		if r.Address == 0 && r.Size == 0 {
			break
		}
		reserved = append(reserved, r)
	}

	p := &parser{blob: blob[:total], off: offStruct, strings: blob[offStrings:total]}
	for {
		tok, err := p.u32()
		if err != nil {
			return Node{}, nil, err
		}
		switch tok {
		case tokenNop:
			continue
		case tokenBeginNode:
			root, err := p.node()
			if err != nil {
				return Node{}, nil, err
			}
			return root, reserved, nil
		default:
			return Node{}, nil, fmt.Errorf("%w: token %#x before root", ErrInvalidBlob, tok)
		}
	}
}

type parser struct {
	blob    []byte
	off     uint32
	strings []byte
}

func (p *parser) u32() (uint32, error) {
	if int(p.off)+4 > len(p.blob) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrInvalidBlob)
	}
	v := binary.BigEndian.Uint32(p.blob[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) cstring(buf []byte, off uint32) (string, uint32, error) {
	if int(off) > len(buf) {
		return "", 0, ErrInvalidBlob
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string", ErrInvalidBlob)
	}
	return string(buf[off : off+uint32(end)]), off + uint32(end) + 1, nil
}

func (p *parser) align() { p.off = (p.off + 3) &^ 3 }

// node parses the body of a node whose BEGIN_NODE token was consumed.
func (p *parser) node() (Node, error) {
	name, next, err := p.cstring(p.blob, p.off)
	if err != nil {
		return Node{}, err
	}
	p.off = next
	p.align()

	n := Node{Name: name}
	for {
		tok, err := p.u32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenNop:
		case tokenProp:
			length, err := p.u32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return Node{}, err
			}
			if int(p.off+length) > len(p.blob) {
				return Node{}, fmt.Errorf("%w: property overruns blob", ErrInvalidBlob)
			}
			propName, _, err := p.cstring(p.strings, nameOff)
			if err != nil {
				return Node{}, err
			}
			prop := Property{Flag: length == 0}
			if length > 0 {
				prop.Bytes = append([]byte(nil), p.blob[p.off:p.off+length]...)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[propName] = prop
			p.off += length
			p.align()
		case tokenBeginNode:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x", ErrInvalidBlob, tok)
		}
	}
}
