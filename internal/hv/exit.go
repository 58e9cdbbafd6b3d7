package hv

import "fmt"

// ExitKind is the platform independent reason a vCPU returned to the host.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitMMIO
	ExitPIO
	ExitHalt
	ExitShutdown
	ExitInternalError
	// ExitCanceled means Run returned because of a kick or a canceled
	// context, not because of anything the guest did.
	ExitCanceled
)

func (k ExitKind) String() string {
	switch k {
	case ExitUnknown:
		return "unknown"
	case ExitMMIO:
		return "mmio"
	case ExitPIO:
		return "pio"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitInternalError:
		return "internal-error"
	case ExitCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// Exit describes a single return from the guest.
//
// For ExitMMIO Addr is the guest physical address; for ExitPIO it is the
// port number. Data holds the bytes written by the guest or receives the
// bytes to return for a read. It aliases backend storage and is only valid
// until the next call to Run.
type Exit struct {
	Kind    ExitKind
	Addr    uint64
	IsWrite bool
	Data    []byte
	// Code carries the backend specific reason for ExitInternalError and
	// ExitUnknown.
	Code uint64
}

func (e Exit) String() string {
	switch e.Kind {
	case ExitMMIO, ExitPIO:
		dir := "read"
		if e.IsWrite {
			dir = "write"
		}
		return fmt.Sprintf("%s %s addr=%#x size=%d", e.Kind, dir, e.Addr, len(e.Data))
	case ExitInternalError, ExitUnknown:
		return fmt.Sprintf("%s code=%#x", e.Kind, e.Code)
	default:
		return e.Kind.String()
	}
}
