package fdt

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParse(t *testing.T) {
	root := Node{
		Properties: map[string]Property{
			"#address-cells": Cells(2),
			"#size-cells":    Cells(2),
			"compatible":     Strings("linux,dummy-virt"),
		},
		Children: []Node{
			{Name: "chosen", Properties: map[string]Property{"bootargs": Strings("console=hvc0")}},
			{Name: "memory@40000000", Properties: map[string]Property{
				"device_type": Strings("memory"),
				"reg":         Cells64(0x40000000, 0x10000000),
			}},
			{Name: "virtio_mmio@a000000", Properties: map[string]Property{"dma-coherent": Empty()}},
		},
	}

	blob, err := Build(root, Reservation{Address: 0x48000000, Size: 0x1000})
	require.NoError(t, err)
	require.Equal(t, uint32(magic), binary.BigEndian.Uint32(blob))
	require.Equal(t, uint32(len(blob)), binary.BigEndian.Uint32(blob[4:]))

	got, reserved, err := Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, []Reservation{{Address: 0x48000000, Size: 0x1000}}, reserved)
	assert.Equal(t, []byte("linux,dummy-virt\x00"), got.Properties["compatible"].Bytes)
	require.Len(t, got.Children, 3)

	chosen, ok := got.Child("chosen")
	require.True(t, ok)
	assert.Equal(t, []byte("console=hvc0\x00"), chosen.Properties["bootargs"].Bytes)

	mem, ok := got.Child("memory@40000000")
	require.True(t, ok)
	reg := mem.Properties["reg"].Bytes
	require.Len(t, reg, 16)
	assert.Equal(t, uint64(0x40000000), binary.BigEndian.Uint64(reg))
	assert.Equal(t, uint64(0x10000000), binary.BigEndian.Uint64(reg[8:]))

	virtio, ok := got.Child("virtio_mmio@a000000")
	require.True(t, ok)
	assert.True(t, virtio.Properties["dma-coherent"].Flag)
}

func TestBuildRejectsBadProperties(t *testing.T) {
	_, err := Build(Node{Properties: map[string]Property{"x": {}}})
	assert.Error(t, err)

	_, err = Build(Node{Properties: map[string]Property{"x": {U32: []uint32{1}, Strings: []string{"a"}}}})
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, _, err := Parse([]byte("not a device tree at all, just some bytes"))
	assert.True(t, errors.Is(err, ErrInvalidBlob))

	blob, err := Build(Node{Name: ""})
	require.NoError(t, err)
	_, _, err = Parse(blob[:len(blob)-8])
	assert.Error(t, err)
}
