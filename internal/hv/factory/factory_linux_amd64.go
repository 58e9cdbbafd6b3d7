//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
)

const backendName = "kvm"

func open() (hv.Hypervisor, error) {
	return kvm.Open()
}
