package vcpu

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinyrange/vmm/internal/devices"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/hvtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCPU(t *testing.T, program hvtest.Program) (*hvtest.VirtualCPU, hv.VirtualMachine) {
	t.Helper()

	h := hvtest.New(hvtest.WithProgram(func(int) hvtest.Program { return program }))
	vm, err := h.NewVirtualMachine(hv.VMConfig{NumCPUs: 1, MemorySize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vm.Close() })

	cpu, err := vm.NewVirtualCPU(0)
	require.NoError(t, err)
	return cpu.(*hvtest.VirtualCPU), vm
}

func runAsync(ctx context.Context, r *Runner) <-chan Stop {
	out := make(chan Stop, 1)
	go func() { out <- r.Run(ctx) }()
	return out
}

func waitStop(t *testing.T, ch <-chan Stop) Stop {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
		return Stop{}
	}
}

func TestRunnerDeliversMMIOReads(t *testing.T) {
	var got uint32
	cpu, _ := newCPU(t, func(g *hvtest.GuestCPU) error {
		v, err := g.MMIORead32(0x1000)
		if err != nil {
			return err
		}
		got = v
		return g.MMIOWrite32(0x1004, v+1)
	})

	var written uint32
	bus := devices.NewBus()
	require.NoError(t, bus.AddMMIO(devices.SimpleMMIODevice{
		Regions: []hv.Range{{Start: 0x1000, Size: 0x100}},
		ReadFunc: func(addr uint64, data []byte) error {
			binary.LittleEndian.PutUint32(data, 0xcafe)
			return nil
		},
		WriteFunc: func(addr uint64, data []byte) error {
			written = binary.LittleEndian.Uint32(data)
			return nil
		},
	}))

	r := New(cpu, bus)
	stop := waitStop(t, runAsync(context.Background(), r))

	assert.Equal(t, StopShutdown, stop.Reason)
	assert.NoError(t, stop.Err)
	assert.Equal(t, uint32(0xcafe), got)
	assert.Equal(t, uint32(0xcaff), written)
	assert.Equal(t, StateStopped, r.State())
}

func TestRunnerUnhandledAccessContinues(t *testing.T) {
	var value byte
	cpu, _ := newCPU(t, func(g *hvtest.GuestCPU) error {
		v, err := g.InB(0x80)
		value = v
		return err
	})

	stop := waitStop(t, runAsync(context.Background(), New(cpu, devices.NewBus())))
	assert.Equal(t, StopShutdown, stop.Reason)
	assert.Equal(t, byte(0xff), value)
}

func TestRunnerHaltWakesOnInject(t *testing.T) {
	halted := make(chan struct{})
	var irqs []uint32
	cpu, _ := newCPU(t, func(g *hvtest.GuestCPU) error {
		close(halted)
		var err error
		irqs, err = g.WaitForInterrupt()
		return err
	})

	r := New(cpu, devices.NewBus())
	ch := runAsync(context.Background(), r)

	<-halted
	require.Eventually(t, func() bool { return r.State() == StateHalted }, 5*time.Second, time.Millisecond)
	require.NoError(t, r.Inject(33))

	stop := waitStop(t, ch)
	assert.Equal(t, StopShutdown, stop.Reason)
	assert.Equal(t, []uint32{33}, irqs)
	assert.Equal(t, []uint32{33}, cpu.Injected())
}

func TestRunnerCancelWhileHalted(t *testing.T) {
	cpu, _ := newCPU(t, func(g *hvtest.GuestCPU) error {
		for {
			if err := g.Halt(); err != nil {
				return err
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := New(cpu, devices.NewBus())
	ch := runAsync(ctx, r)

	require.Eventually(t, func() bool { return r.State() == StateHalted }, 5*time.Second, time.Millisecond)
	cancel()

	stop := waitStop(t, ch)
	assert.Equal(t, StopCanceled, stop.Reason)
	require.NoError(t, cpu.Close())
}

func TestRunnerCancelWhileRunning(t *testing.T) {
	block := make(chan struct{})
	cpu, _ := newCPU(t, func(g *hvtest.GuestCPU) error {
		<-block
		return hvtest.ErrStopped
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	r := New(cpu, devices.NewBus())
	ch := runAsync(ctx, r)

	require.Eventually(t, func() bool { return cpu.Runs() > 0 }, 5*time.Second, time.Millisecond)
	cancel()

	stop := waitStop(t, ch)
	assert.Equal(t, StopCanceled, stop.Reason)
}

func TestRunnerKickWithoutCancelKeepsRunning(t *testing.T) {
	release := make(chan struct{})
	cpu, _ := newCPU(t, func(g *hvtest.GuestCPU) error {
		<-release
		return nil
	})

	r := New(cpu, devices.NewBus())
	ch := runAsync(context.Background(), r)

	require.Eventually(t, func() bool { return cpu.Runs() > 0 }, 5*time.Second, time.Millisecond)
	cpu.Kick()
	require.Eventually(t, func() bool { return cpu.Runs() > 1 }, 5*time.Second, time.Millisecond)
	close(release)

	stop := waitStop(t, ch)
	assert.Equal(t, StopShutdown, stop.Reason)
}

func TestRunnerInternalError(t *testing.T) {
	cpu, _ := newCPU(t, func(g *hvtest.GuestCPU) error {
		return errors.New("triple fault")
	})

	stop := waitStop(t, runAsync(context.Background(), New(cpu, devices.NewBus())))
	assert.Equal(t, StopInternalError, stop.Reason)
	assert.ErrorIs(t, stop.Err, hv.ErrInternal)
	assert.Equal(t, hv.ExitInternalError, stop.Exit.Kind)
}

func TestRunnerRejectsSecondRun(t *testing.T) {
	cpu, _ := newCPU(t, nil)
	r := New(cpu, devices.NewBus())

	stop := r.Run(context.Background())
	assert.Equal(t, StopShutdown, stop.Reason)

	stop = r.Run(context.Background())
	assert.Equal(t, StopInternalError, stop.Reason)
	assert.Error(t, stop.Err)
}
