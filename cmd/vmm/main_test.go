package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/image"
	"github.com/tinyrange/vmm/internal/vcpu"
	"github.com/tinyrange/vmm/internal/vmm"
)

func TestExitWith(t *testing.T) {
	require.NoError(t, exitWith(nil, vcpu.StopShutdown))
	require.NoError(t, exitWith(nil, vcpu.StopCanceled))

	for _, tc := range []struct {
		err    error
		reason vcpu.StopReason
		code   int
	}{
		{fmt.Errorf("open: %w", hv.ErrBackendUnavailable), vcpu.StopNone, vmm.ExitBackendUnavailable},
		{fmt.Errorf("%w: bad", config.ErrInvalid), vcpu.StopNone, vmm.ExitConfig},
		{fmt.Errorf("%w: 404", image.ErrFetch), vcpu.StopNone, vmm.ExitStaging},
		{nil, vcpu.StopInternalError, vmm.ExitInternalFault},
	} {
		err := exitWith(tc.err, tc.reason)
		var exit *exitError
		require.True(t, errors.As(err, &exit), "%v", tc.err)
		assert.Equal(t, tc.code, exit.code)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err)
		}
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.yaml")
	require.NoError(t, config.Write(path, config.VMConfig{
		CPUs:      4,
		MemoryMiB: 512,
		Kernel:    filepath.Join(dir, "vmlinuz"),
	}))

	runFlags.config = path
	runFlags.disks = []string{"debian"}
	t.Cleanup(func() {
		runFlags.config = ""
		runFlags.disks = nil
		runCmd.Flags().Set("memory", fmt.Sprint(config.DefaultMemoryMiB))
		runCmd.Flags().Lookup("memory").Changed = false
	})
	require.NoError(t, runCmd.Flags().Set("memory", "1024"))

	cfg, err := loadConfig(runCmd)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.CPUs)
	assert.EqualValues(t, 1024, cfg.MemoryMiB)
	assert.Equal(t, filepath.Join(dir, "vmlinuz"), cfg.Kernel)
	require.Len(t, cfg.Disks, 1)
	assert.Equal(t, "debian", cfg.Disks[0].Path)
}

func TestMkinitramfsCommand(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "init"), []byte("init"), 0o755))
	out := filepath.Join(dir, "initrd.cpio.gz")

	rootCmd.SetArgs([]string{"mkinitramfs", root, "-o", out, "--gzip"})
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Greater(t, len(data), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, data[:2])
}

func TestRawModeRestoresOnce(t *testing.T) {
	state := &term.State{}
	var restored []int
	makeRaw = func(fd int) (*term.State, error) { return state, nil }
	restoreTerm = func(fd int, s *term.State) error {
		assert.Same(t, state, s)
		restored = append(restored, fd)
		return nil
	}
	t.Cleanup(func() { makeRaw, restoreTerm = term.MakeRaw, term.Restore })

	restore, err := rawMode(7)
	require.NoError(t, err)
	assert.Empty(t, restored)

	restore()
	restore()
	assert.Equal(t, []int{7}, restored)
}

func TestRawModeError(t *testing.T) {
	makeRaw = func(int) (*term.State, error) { return nil, errors.New("not a terminal") }
	t.Cleanup(func() { makeRaw = term.MakeRaw })

	_, err := rawMode(7)
	require.Error(t, err)
}
