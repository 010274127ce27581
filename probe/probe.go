package probe

// Access to target RAM through a debug transport while the firmware
// keeps running. cmsisdap:// opens a CMSIS-DAP probe over USB HID,
// gdb:// connects to a GDB remote stub over TCP.

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/rtthost/probe/cortex"
)

// Port is an attached debug transport. ReadMem and WriteMem carry
// word-aligned spans as aligned 32-bit transfers.
type Port interface {
	ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMem(ctx context.Context, addr uint32, data []byte) error
	// TargetName describes the attached core, best effort.
	TargetName() string
	Close(ctx context.Context) error
}

type Options struct {
	// SWD clock frequency for CMSIS-DAP probes, DefaultSWDClockHz if 0.
	SWDClockHz uint32
}

const DefaultSWDClockHz = 10000000

// USBDeviceInfo describes one enumerated USB device.
type USBDeviceInfo struct {
	VendorID  uint16
	ProductID uint16
	Product   string
	Path      string
	IsProbe   bool
}

// Open attaches to the probe at addr:
//
//	cmsisdap://            first CMSIS-DAP probe found
//	cmsisdap://SER123      probe with this serial number
//	cmsisdap://0d28:0204   probe with this VID:PID
//	cmsisdap://0d28:0204:SER123
//	gdb://localhost:3333   GDB remote stub
//
// An empty addr is the same as cmsisdap://.
func Open(ctx context.Context, addr string, opts *Options) (Port, error) {
	if opts == nil {
		opts = &Options{}
	}
	switch {
	case addr == "" || strings.HasPrefix(addr, "cmsisdap://"):
		return openCMSISDAP(ctx, strings.TrimPrefix(addr, "cmsisdap://"), opts)
	case strings.HasPrefix(addr, "gdb://"):
		return openGDB(ctx, strings.TrimPrefix(addr, "gdb://"))
	}
	return nil, errors.NotValidf("probe address %q", addr)
}

// ResetRun restarts the target core and leaves it running. The firmware
// re-initializes its RTT control block shortly after, so callers should
// give it a moment before scanning.
func ResetRun(ctx context.Context, p Port) error {
	return errors.Trace(cortex.ResetRun(ctx, portRegWriter{p}))
}

// portRegWriter adapts a Port to single-word register writes.
type portRegWriter struct {
	p Port
}

func (w portRegWriter) WriteTargetReg(ctx context.Context, addr uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return errors.Trace(w.p.WriteMem(ctx, addr, b[:]))
}

// parseUSBSpec parses vid:pid, vid:pid:serial or a bare serial number.
// Empty vid and pid parts match any device.
func parseUSBSpec(spec string) (vid, pid uint16, serial string, err error) {
	if spec == "" {
		return 0, 0, "", nil
	}
	parts := strings.Split(spec, ":")
	if len(parts) == 1 {
		return 0, 0, parts[0], nil
	}
	if len(parts) > 3 {
		return 0, 0, "", errors.NotValidf("probe spec %q", spec)
	}
	if parts[0] != "" {
		v, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil {
			return 0, 0, "", errors.NotValidf("vendor id %q", parts[0])
		}
		vid = uint16(v)
	}
	if parts[1] != "" {
		p, err := strconv.ParseUint(parts[1], 16, 16)
		if err != nil {
			return 0, 0, "", errors.NotValidf("product id %q", parts[1])
		}
		pid = uint16(p)
	}
	if len(parts) == 3 {
		serial = parts[2]
	}
	return vid, pid, serial, nil
}
