//go:build !((linux && amd64) || (darwin && arm64) || (windows && amd64))

package factory

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/vmm/internal/hv"
)

const backendName = "none"

func open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("no hypervisor backend for %s/%s: %w", runtime.GOOS, runtime.GOARCH, hv.ErrBackendUnavailable)
}
