package vmm

import (
	"errors"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/image"
	"github.com/tinyrange/vmm/internal/linux/boot"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// Process exit codes.
const (
	ExitOK                 = 0
	ExitBackendUnavailable = 2
	ExitBootImage          = 3
	ExitInternalFault      = 4
	ExitConfig             = 5
	ExitStaging            = 6
)

// ExitCode maps the outcome of a VM run to a process exit code. err is the
// error from Start, staging or teardown; reason is how the VM stopped.
func ExitCode(err error, reason vcpu.StopReason) int {
	switch {
	case err == nil:
	case errors.Is(err, hv.ErrBackendUnavailable):
		return ExitBackendUnavailable
	case errors.Is(err, boot.ErrUnsupportedFormat),
		errors.Is(err, boot.ErrImageTooLarge),
		errors.Is(err, ErrImageUnreadable):
		return ExitBootImage
	case errors.Is(err, config.ErrInvalid):
		return ExitConfig
	case errors.Is(err, image.ErrFetch), errors.Is(err, image.ErrDecompress):
		return ExitStaging
	default:
		return ExitInternalFault
	}

	switch reason {
	case vcpu.StopInternalError, vcpu.StopUnknownExit:
		return ExitInternalFault
	default:
		return ExitOK
	}
}
