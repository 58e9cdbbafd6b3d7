//go:build darwin && arm64

package hvf

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vmm/internal/hv"
)

type exceptionClass uint64

const (
	exceptionClassWFx              exceptionClass = 0x01
	exceptionClassHvc              exceptionClass = 0x16
	exceptionClassSmc              exceptionClass = 0x17
	exceptionClassMsrAccess        exceptionClass = 0x18
	exceptionClassDataAbortLowerEL exceptionClass = 0x24
)

func (ec exceptionClass) String() string {
	switch ec {
	case exceptionClassWFx:
		return "WFI/WFE"
	case exceptionClassHvc:
		return "HVC"
	case exceptionClassSmc:
		return "SMC"
	case exceptionClassMsrAccess:
		return "MSR access"
	case exceptionClassDataAbortLowerEL:
		return "data abort lower EL"
	default:
		return fmt.Sprintf("exception class %#x", uint64(ec))
	}
}

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26
	issMask             = (1 << 25) - 1
)

// handleException services the exceptions the host resolves itself and
// converts the rest to an hv.Exit. handled reports that the guest can be
// resumed without returning to the caller.
func (v *virtualCPU) handleException(ctx context.Context) (exit hv.Exit, handled bool, err error) {
	syndrome := v.exit.Exception.Syndrome
	ec := exceptionClass((syndrome >> exceptionClassShift) & exceptionClassMask)

	switch ec {
	case exceptionClassDataAbortLowerEL:
		return v.handleDataAbort(syndrome, v.exit.Exception.PhysicalAddress)
	case exceptionClassHvc:
		return v.handlePSCI()
	case exceptionClassSmc:
		// SMC traps before the instruction retires.
		if err := v.advancePC(); err != nil {
			return hv.Exit{}, false, err
		}
		return v.handlePSCI()
	case exceptionClassWFx:
		if err := v.advancePC(); err != nil {
			return hv.Exit{}, false, err
		}
		if syndrome&1 != 0 {
			// WFE is only a scheduling hint.
			return hv.Exit{}, true, nil
		}
		return v.handleWFI(ctx)
	case exceptionClassMsrAccess:
		return hv.Exit{}, true, v.handleMsrAccess(syndrome)
	default:
		slog.Warn("hvf: unhandled exception", "vcpu", v.id, "class", ec, "syndrome", fmt.Sprintf("%#x", syndrome))
		return hv.Exit{Kind: hv.ExitUnknown, Code: syndrome}, false, nil
	}
}

type dataAbortInfo struct {
	size       int
	write      bool
	target     hv.Register
	signExtend bool
	sixtyFour  bool
}

func decodeDataAbort(syndrome uint64) (dataAbortInfo, error) {
	const (
		isvBit   = 24
		sasShift = 22
		sseBit   = 21
		srtShift = 16
		srtMask  = 0x1F
		sfBit    = 15
		wnrBit   = 6
	)

	iss := syndrome & issMask
	if (iss>>isvBit)&1 == 0 {
		return dataAbortInfo{}, fmt.Errorf("data abort without a valid syndrome (%#x)", syndrome)
	}

	reg, _ := hv.ARM64GeneralRegister(int((iss >> srtShift) & srtMask))
	return dataAbortInfo{
		size:       1 << ((iss >> sasShift) & 0x3),
		write:      (iss>>wnrBit)&1 == 1,
		target:     reg,
		signExtend: (iss>>sseBit)&1 == 1,
		sixtyFour:  (iss>>sfBit)&1 == 1,
	}, nil
}

// handleDataAbort reports an access to unmapped guest memory as an MMIO
// exit. Stores carry the register value; loads are finished by
// completeAccess once the caller has filled Data.
func (v *virtualCPU) handleDataAbort(syndrome uint64, addr uint64) (hv.Exit, bool, error) {
	info, err := decodeDataAbort(syndrome)
	if err != nil {
		slog.Error("hvf: undecodable MMIO access", "vcpu", v.id, "addr", fmt.Sprintf("%#x", addr), "err", err)
		return hv.Exit{Kind: hv.ExitInternalError, Code: syndrome}, false, nil
	}

	v.data = [8]byte{}
	if info.write {
		value, err := v.readRegister(info.target)
		if err != nil {
			return hv.Exit{}, false, err
		}
		binary.LittleEndian.PutUint64(v.data[:], value)
	}
	v.access = mmioAccess{
		active:     true,
		read:       !info.write,
		target:     info.target,
		size:       info.size,
		signExtend: info.signExtend,
		sixtyFour:  info.sixtyFour,
	}

	return hv.Exit{
		Kind:    hv.ExitMMIO,
		Addr:    addr,
		IsWrite: info.write,
		Data:    v.data[:info.size],
	}, false, nil
}

// handleWFI keeps the vCPU on the host until its virtual timer expires. With
// no timer armed the vCPU is idle until an interrupt arrives, which is the
// runner's Halt state.
func (v *virtualCPU) handleWFI(ctx context.Context) (hv.Exit, bool, error) {
	if v.hasPendingInterrupts() {
		return hv.Exit{}, true, nil
	}

	ctl, err := v.getSysReg(hvSysRegCntvCtl)
	if err != nil {
		return hv.Exit{}, false, err
	}
	const (
		timerEnable = 1 << 0
		timerMask   = 1 << 1
	)
	if ctl&timerEnable == 0 || ctl&timerMask != 0 {
		return hv.Exit{Kind: hv.ExitHalt}, false, nil
	}

	cval, err := v.getSysReg(hvSysRegCntvCval)
	if err != nil {
		return hv.Exit{}, false, err
	}
	var offset uint64
	if err := hvVcpuGetVtimerOffset(v.handle, &offset).toError("get vtimer offset"); err != nil {
		return hv.Exit{}, false, err
	}
	now := machAbsoluteTime() - offset
	if cval <= now {
		return hv.Exit{}, true, nil
	}

	timer := time.NewTimer(v.vm.hv.ticksToDuration(cval - now))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-v.wake:
	case <-ctx.Done():
	}
	return hv.Exit{}, true, nil
}

func (v *virtualCPU) handleMsrAccess(syndrome uint64) error {
	const (
		directionBit = 0
		rtShift      = 5
		rtMask       = 0x1F
	)
	iss := syndrome & issMask

	// Unknown system registers read as zero and ignore writes.
	if (iss>>directionBit)&1 == 1 {
		reg, _ := hv.ARM64GeneralRegister(int((iss >> rtShift) & rtMask))
		if err := v.writeRegister(reg, 0); err != nil {
			return err
		}
	}
	slog.Debug("hvf: ignored system register access", "vcpu", v.id, "syndrome", fmt.Sprintf("%#x", syndrome))
	return v.advancePC()
}

const (
	psciVersion          = 0x84000000
	psciCPUSuspend       = 0x84000001
	psciCPUOff           = 0x84000002
	psciCPUOn            = 0x84000003
	psciAffinityInfo     = 0x84000004
	psciMigrateInfoType  = 0x84000006
	psciSystemOff        = 0x84000008
	psciSystemReset      = 0x84000009
	psciFeatures         = 0x8400000A
	psciCPUSuspend64     = 0xC4000001
	psciCPUOn64          = 0xC4000003
	psciAffinityInfo64   = 0xC4000004
	psciVersionOne       = 0x00010000
	psciTOSNotPresentMP  = 2
	psciSuccess          = 0
	psciNotSupported     = ^uint64(0)     // -1
	psciInvalidParameter = ^uint64(0) - 1 // -2
	psciAlreadyOn        = ^uint64(0) - 3 // -4
	psciAffinityOn       = 0
	psciAffinityOff      = 1
)

// handlePSCI implements the PSCI 1.0 calls a Linux guest makes over HVC.
// The function ID is in X0 and the result is returned in X0.
func (v *virtualCPU) handlePSCI() (hv.Exit, bool, error) {
	fid, err := v.getReg(hvRegX0)
	if err != nil {
		return hv.Exit{}, false, err
	}
	arg := func(n hvReg) uint64 {
		value, aerr := v.getReg(hvRegX0 + n)
		if aerr != nil && err == nil {
			err = aerr
		}
		return value
	}

	var ret uint64
	switch fid & 0xffffffff {
	case psciSystemOff, psciSystemReset:
		return hv.Exit{Kind: hv.ExitShutdown, Code: fid}, false, nil
	case psciVersion:
		ret = psciVersionOne
	case psciMigrateInfoType:
		ret = psciTOSNotPresentMP
	case psciFeatures:
		switch arg(1) & 0xffffffff {
		case psciVersion, psciCPUSuspend, psciCPUOff, psciCPUOn, psciAffinityInfo,
			psciMigrateInfoType, psciSystemOff, psciSystemReset, psciFeatures,
			psciCPUSuspend64, psciCPUOn64, psciAffinityInfo64:
			ret = psciSuccess
		default:
			ret = psciNotSupported
		}
	case psciCPUSuspend, psciCPUSuspend64:
		ret = psciSuccess
	case psciCPUOn, psciCPUOn64:
		ret = v.vm.cpuOn(int(arg(1)&0xff), arg(2), arg(3))
	case psciAffinityInfo, psciAffinityInfo64:
		ret = v.vm.affinityInfo(int(arg(1) & 0xff))
	case psciCPUOff:
		v.on.Store(false)
		v.started = false
		return hv.Exit{}, true, nil
	default:
		ret = psciNotSupported
	}
	if err != nil {
		return hv.Exit{}, false, err
	}
	return hv.Exit{}, true, v.setReg(hvRegX0, ret)
}

func (v *virtualMachine) cpuOn(target int, entry, context uint64) uint64 {
	vcpu, ok := v.vcpu(target)
	if !ok {
		return psciInvalidParameter
	}
	if !vcpu.on.CompareAndSwap(false, true) {
		return psciAlreadyOn
	}
	vcpu.powerOn <- cpuOnRequest{entry: entry, context: context}
	return psciSuccess
}

func (v *virtualMachine) affinityInfo(target int) uint64 {
	vcpu, ok := v.vcpu(target)
	if !ok {
		return psciInvalidParameter
	}
	if vcpu.on.Load() {
		return psciAffinityOn
	}
	return psciAffinityOff
}
