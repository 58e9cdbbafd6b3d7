package devices

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/hv"
)

func TestBusDispatchMMIO(t *testing.T) {
	bus := NewBus()

	var written uint32
	require.NoError(t, bus.AddMMIO(SimpleMMIODevice{
		Regions: []hv.Range{{Start: 0x1000, Size: 0x100}},
		ReadFunc: func(addr uint64, data []byte) error {
			binary.LittleEndian.PutUint32(data, uint32(addr))
			return nil
		},
		WriteFunc: func(addr uint64, data []byte) error {
			written = binary.LittleEndian.Uint32(data)
			return nil
		},
	}))

	exit := hv.Exit{Kind: hv.ExitMMIO, Addr: 0x1010, Data: make([]byte, 4)}
	require.NoError(t, bus.Dispatch(&exit))
	assert.Equal(t, uint32(0x1010), binary.LittleEndian.Uint32(exit.Data))

	exit = hv.Exit{Kind: hv.ExitMMIO, Addr: 0x1020, IsWrite: true, Data: []byte{1, 2, 3, 4}}
	require.NoError(t, bus.Dispatch(&exit))
	assert.Equal(t, uint32(0x04030201), written)
}

func TestBusUnhandledAccess(t *testing.T) {
	bus := NewBus()

	exit := hv.Exit{Kind: hv.ExitMMIO, Addr: 0x5000, Data: []byte{9, 9}}
	require.ErrorIs(t, bus.Dispatch(&exit), ErrUnhandled)
	assert.Equal(t, []byte{0, 0}, exit.Data)

	exit = hv.Exit{Kind: hv.ExitPIO, Addr: 0x80, Data: []byte{0}}
	require.ErrorIs(t, bus.Dispatch(&exit), ErrUnhandled)
	assert.Equal(t, []byte{0xff}, exit.Data)
}

func TestBusRejectsOverlap(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.AddMMIO(SimpleMMIODevice{Regions: []hv.Range{{Start: 0x1000, Size: 0x200}}}))

	err := bus.AddMMIO(SimpleMMIODevice{Regions: []hv.Range{{Start: 0x1100, Size: 0x200}}})
	require.ErrorIs(t, err, hv.ErrMappingConflict)

	require.NoError(t, bus.AddIOPorts(SimpleX86IOPortDevice{Ports: []hv.Range{{Start: 0x3f8, Size: 8}}}))
	err = bus.AddIOPorts(SimpleX86IOPortDevice{Ports: []hv.Range{{Start: 0x3fc, Size: 1}}})
	require.ErrorIs(t, err, hv.ErrMappingConflict)
}

func TestBusAccessStraddlingRegionEnd(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.AddMMIO(SimpleMMIODevice{Regions: []hv.Range{{Start: 0x1000, Size: 0x10}}}))

	exit := hv.Exit{Kind: hv.ExitMMIO, Addr: 0x100e, Data: make([]byte, 4)}
	require.ErrorIs(t, bus.Dispatch(&exit), ErrUnhandled)
}
