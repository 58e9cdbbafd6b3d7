//go:build windows && amd64

package factory

import (
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/whp"
)

const backendName = "whp"

func open() (hv.Hypervisor, error) {
	return whp.Open()
}
