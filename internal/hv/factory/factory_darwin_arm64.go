//go:build darwin && arm64

package factory

import (
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/hvf"
)

const backendName = "hvf"

func open() (hv.Hypervisor, error) {
	return hvf.Open()
}
