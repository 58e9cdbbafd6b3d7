//go:build !(darwin && arm64)

package hvf

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/vmm/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("hvf: not supported on %s/%s: %w", runtime.GOOS, runtime.GOARCH, hv.ErrBackendUnavailable)
}
