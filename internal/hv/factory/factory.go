// Package factory picks the hypervisor backend for the host at build time.
package factory

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmm/internal/hv"
)

// Backend names the backend compiled into this binary.
func Backend() string { return backendName }

// Open probes the native backend. Failures always wrap
// hv.ErrBackendUnavailable.
func Open() (hv.Hypervisor, error) {
	h, err := open()
	if err != nil {
		if !errors.Is(err, hv.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", hv.ErrBackendUnavailable, err)
		}
		return nil, err
	}
	slog.Debug("hypervisor backend ready", "backend", backendName, "arch", h.Architecture(), "max_cpus", h.MaxCPUs())
	return h, nil
}
