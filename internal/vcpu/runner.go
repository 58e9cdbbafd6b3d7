// Package vcpu drives a single virtual CPU through its execution loop.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/devices"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/metrics"
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateExitHandling
	StateHalted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExitHandling:
		return "exit-handling"
	case StateHalted:
		return "halted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type StopReason int

const (
	StopNone StopReason = iota
	// StopShutdown is a guest initiated power off.
	StopShutdown
	// StopInternalError means the backend reported an unrecoverable fault.
	StopInternalError
	// StopUnknownExit is an exit the backend could not classify.
	StopUnknownExit
	// StopCanceled means the host asked the vCPU to stop.
	StopCanceled
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopShutdown:
		return "shutdown"
	case StopInternalError:
		return "internal-error"
	case StopUnknownExit:
		return "unknown-exit"
	case StopCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Stop describes why a runner reached StateStopped.
type Stop struct {
	CPU    int
	Reason StopReason
	Exit   hv.Exit
	Err    error
}

// Dispatcher handles MMIO and port exits.
type Dispatcher interface {
	Dispatch(exit *hv.Exit) error
}

type Option func(*Runner)

func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

type Runner struct {
	cpu   hv.VirtualCPU
	bus   Dispatcher
	log   *slog.Logger
	state atomic.Int32
	wake  chan struct{}
}

func New(cpu hv.VirtualCPU, bus Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		cpu:  cpu,
		bus:  bus,
		log:  slog.Default(),
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("vcpu", cpu.ID())
	return r
}

func (r *Runner) CPU() hv.VirtualCPU { return r.cpu }

func (r *Runner) State() State { return State(r.state.Load()) }

func (r *Runner) setState(s State) { r.state.Store(int32(s)) }

// Inject delivers an interrupt through the backend and wakes the runner if
// it is halted. It is safe to call from any goroutine.
func (r *Runner) Inject(vector uint32) error {
	err := r.cpu.InjectInterrupt(vector)
	r.Wake()
	if err != nil {
		return fmt.Errorf("vcpu %d: inject interrupt %d: %w", r.cpu.ID(), vector, err)
	}
	return nil
}

// Wake releases a halted runner. A wake that arrives while the vCPU is
// running is remembered until the next halt.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes the vCPU until it stops. The calling goroutine is pinned to
// its OS thread for the duration.
func (r *Runner) Run(ctx context.Context) Stop {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return Stop{CPU: r.cpu.ID(), Reason: StopInternalError, Err: fmt.Errorf("vcpu %d: runner already started", r.cpu.ID())}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := r.loop(ctx)
	stop.CPU = r.cpu.ID()
	r.setState(StateStopped)

	if stop.Err != nil {
		r.log.Error("vCPU stopped", "reason", stop.Reason, "err", stop.Err)
	} else {
		r.log.Debug("vCPU stopped", "reason", stop.Reason)
	}
	return stop
}

func (r *Runner) loop(ctx context.Context) Stop {
	for {
		if ctx.Err() != nil {
			return Stop{Reason: StopCanceled}
		}

		r.setState(StateRunning)
		exit, err := r.cpu.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Stop{Reason: StopCanceled}
			}
			return Stop{Reason: StopInternalError, Err: fmt.Errorf("vcpu %d: run: %w: %w", r.cpu.ID(), hv.ErrInternal, err)}
		}

		r.setState(StateExitHandling)
		metrics.VCPUExits.WithLabelValues(exit.Kind.String()).Inc()

		switch exit.Kind {
		case hv.ExitMMIO, hv.ExitPIO:
			if err := r.bus.Dispatch(&exit); err != nil {
				if errors.Is(err, devices.ErrUnhandled) {
					metrics.UnhandledAccesses.WithLabelValues(exit.Kind.String()).Inc()
					r.log.Debug("unhandled access", "exit", exit.String())
				} else {
					r.log.Warn("device access failed", "exit", exit.String(), "err", err)
				}
			}
		case hv.ExitHalt:
			r.setState(StateHalted)
			select {
			case <-r.wake:
			case <-ctx.Done():
				return Stop{Reason: StopCanceled}
			}
		case hv.ExitShutdown:
			return Stop{Reason: StopShutdown, Exit: exit}
		case hv.ExitInternalError:
			return Stop{Reason: StopInternalError, Exit: exit,
				Err: fmt.Errorf("vcpu %d: code %#x: %w", r.cpu.ID(), exit.Code, hv.ErrInternal)}
		case hv.ExitCanceled:
			// A kick without cancellation only forces the vCPU through the
			// host, e.g. to pick up an injected interrupt.
			continue
		default:
			return Stop{Reason: StopUnknownExit, Exit: exit,
				Err: fmt.Errorf("vcpu %d: unknown exit %s: %w", r.cpu.ID(), exit, hv.ErrInternal)}
		}
	}
}
