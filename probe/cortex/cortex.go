package cortex

// Cortex-M core identification via the System Control Space.
// Doc: ARM v7-M Architecture Reference Manual

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	regCPUID    uint32 = 0xE000ED00
	regAIRCR           = 0xE000ED0C
	regAIRCRKey        = 0x05FA0000
	regDHCSR           = 0xE000EDF0
	regDHCSRKey        = 0xA05F0000
	regDEMCR           = 0xE000EDFC
	regPID0            = 0xE000EFE0
)

// RegReader reads single words of the target address space.
type RegReader interface {
	ReadTargetReg(ctx context.Context, addr uint32) (uint32, error)
}

// RegWriter writes single words of the target address space.
type RegWriter interface {
	WriteTargetReg(ctx context.Context, addr uint32, value uint32) error
}

func TargetName(cpuid, pid0 uint32) string {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	vendorno := cpuid >> 24
	vendor := ""
	switch vendorno {
	case 0x41:
		vendor = "ARM"
	}
	patch := cpuid & 0xf
	partno := (cpuid >> 4) & 0xfff
	rev := (cpuid >> 20) & 0xf
	part := ""
	switch partno {
	case 0xc20:
		part = "Cortex-M0"
	case 0xc60:
		part = "Cortex-M0+"
	case 0xc21:
		part = "Cortex-M1"
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	case 0xd20:
		part = "Cortex-M23"
	case 0xd21:
		part = "Cortex-M33"
	}
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, rev, patch)
}

func GetTargetName(ctx context.Context, rr RegReader) (string, error) {
	cpuid, err := rr.ReadTargetReg(ctx, regCPUID)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get CPUID")
	}
	pid0, err := rr.ReadTargetReg(ctx, regPID0)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get PID0")
	}
	return TargetName(cpuid, pid0), nil
}

// ResetRun resets the core and lets it run with debug disabled.
func ResetRun(ctx context.Context, rw RegWriter) error {
	if err := rw.WriteTargetReg(ctx, regDHCSR, regDHCSRKey|0); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := rw.WriteTargetReg(ctx, regDEMCR, 0); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	return rw.WriteTargetReg(ctx, regAIRCR, regAIRCRKey|0x4 /* SYSRESETREQ */)
}
