//go:build !(windows && amd64)

package whp

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/vmm/internal/hv"
)

// Open always fails off windows/amd64.
func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("whp: not supported on %s/%s: %w", runtime.GOOS, runtime.GOARCH, hv.ErrBackendUnavailable)
}
