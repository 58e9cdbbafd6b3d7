//go:build !(linux && amd64)

package kvm

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/vmm/internal/hv"
)

// Open always fails: the KVM backend is only built for linux/amd64.
func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("kvm: not supported on %s/%s: %w", runtime.GOOS, runtime.GOARCH, hv.ErrBackendUnavailable)
}
