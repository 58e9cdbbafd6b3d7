//go:build linux && amd64

package vmm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/factory"
	"github.com/tinyrange/vmm/internal/linux/boot/boottest"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// emergWrite is emerg_wr of the console transport, the first device when no
// disks are configured.
const emergWrite = hv.AMD64DeviceBase + 0x100 + 8

// Writes "hi\n" one byte at a time to emerg_wr, then executes ud2. With no
// IDT set up the fault escalates to a triple fault, which KVM reports as a
// shutdown.
var emergHelloCode = []byte{
	0xbf, emergWrite & 0xff, emergWrite >> 8 & 0xff, emergWrite >> 16 & 0xff, emergWrite >> 24 & 0xff, // mov edi, emergWrite
	0xb0, 'h', 0x88, 0x07, // mov al, 'h'; mov [rdi], al
	0xb0, 'i', 0x88, 0x07,
	0xb0, '\n', 0x88, 0x07,
	0x0f, 0x0b, // ud2
}

func TestKVMBootToShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("boots a real VM")
	}
	hyp, err := factory.Open()
	if errors.Is(err, hv.ErrBackendUnavailable) {
		t.Skipf("KVM unavailable: %v", err)
	}
	require.NoError(t, err)
	defer hyp.Close()

	kernel := writeFile(t, "vmlinux", boottest.ELF64(kernelEntry, kernelEntry, emergHelloCode, 0))
	out := &syncBuffer{}
	vm, err := Start(context.Background(), hyp, config.VMConfig{
		CPUs:      2,
		MemoryMiB: 256,
		Kernel:    kernel,
	}, WithConsole(out, nil))
	require.NoError(t, err)

	var status Status
	select {
	case <-vm.Done():
		status = vm.Status()
	case <-time.After(30 * time.Second):
		_ = vm.Stop()
		t.Fatalf("guest did not shut down; console so far %q", out.String())
	}

	require.NoError(t, status.Err)
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, vcpu.StopShutdown, status.Reason)
	assert.Equal(t, "hi\n", out.String())
	assert.Equal(t, ExitOK, ExitCode(status.Err, status.Reason))
}
