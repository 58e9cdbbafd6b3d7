// Package fdt builds flattened device tree blobs for arm64 guests.
package fdt

import "fmt"

// Property is a single device tree property. Exactly one of the value
// fields is set; a property with only Flag set is an empty property.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Strings returns a string list property.
func Strings(v ...string) Property { return Property{Strings: v} }

// Cells returns a property of 32-bit cells.
func Cells(v ...uint32) Property { return Property{U32: v} }

// Cells64 returns a property of 64-bit values (two cells each).
func Cells64(v ...uint64) Property { return Property{U64: v} }

// Empty returns a property without a value, such as "dma-coherent".
func Empty() Property { return Property{Flag: true} }

func (p Property) kinds() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

// Node is a device tree node. Children are emitted in order; properties are
// emitted sorted by name.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the first direct child named name.
func (n *Node) Child(name string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// Reservation is an entry of the memory reservation block.
type Reservation struct {
	Address uint64
	Size    uint64
}

func (r Reservation) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Address, r.Address+r.Size)
}
