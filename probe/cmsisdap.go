package probe

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/rtthost/probe/cmsis-dap/dap"
	"github.com/mongoose-os/rtthost/probe/cmsis-dap/dp"
	"github.com/mongoose-os/rtthost/probe/cmsis-dap/memap"
	"github.com/mongoose-os/rtthost/probe/cortex"
)

type cmsisDAPPort struct {
	dapc dap.Client
	mapc memap.MemAPClient
	name string
}

func openCMSISDAP(ctx context.Context, spec string, opts *Options) (Port, error) {
	vid, pid, serial, err := parseUSBSpec(spec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dapc, err := dap.NewClient(ctx, vid, pid, serial)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open debug probe")
	}
	p, err := initCMSISDAP(ctx, dapc, opts)
	if err != nil {
		dapc.Disconnect(ctx)
		dapc.Close(ctx)
		return nil, errors.Trace(err)
	}
	return p, nil
}

func initCMSISDAP(ctx context.Context, dapc dap.Client, opts *Options) (*cmsisDAPPort, error) {
	vendor, err := dapc.GetVendorID(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to identify the probe")
	}
	product, _ := dapc.GetProductID(ctx)
	serial, _ := dapc.GetSerialNumber(ctx)
	version, _ := dapc.GetFirmwareVersion(ctx)
	glog.V(1).Infof("CMSIS-DAP probe %s %s v%s S/N %s", vendor, product, version, serial)
	if err := dapc.Connect(ctx, dap.ConnectModeSWD); err != nil {
		return nil, errors.Annotatef(err, "failed to connect to debug probe in SWD mode")
	}
	clockHz := opts.SWDClockHz
	if clockHz == 0 {
		clockHz = DefaultSWDClockHz
	}
	if err := dapc.SWJClock(ctx, clockHz); err != nil {
		return nil, errors.Annotatef(err, "failed to set clock")
	}
	if err := dapc.SWDConfigure(ctx, 0); err != nil {
		return nil, errors.Annotatef(err, "failed to configure SWD")
	}
	// Put into reset first (50+ of 1, 8+ of 0)
	if err := dapc.SWJSequence(ctx, 64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}); err != nil {
		return nil, errors.Annotatef(err, "SWD reset sequence failed")
	}
	if err := dapc.SWJSequence(ctx, 16, []byte{0, 0}); err != nil {
		return nil, errors.Annotatef(err, "SWD reset sequence failed")
	}
	// Send JTAG-to-SWD switch sequence
	if err := dapc.SWJSequence(ctx, 64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}); err != nil {
		return nil, errors.Annotatef(err, "SWD reset sequence failed")
	}
	if err := dapc.SWJSequence(ctx, 16, []byte{0x9e, 0xe7}); err != nil {
		return nil, errors.Annotatef(err, "SWD reset sequence failed")
	}
	// Reset again
	if err := dapc.SWJSequence(ctx, 64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}); err != nil {
		return nil, errors.Annotatef(err, "SWD reset sequence failed")
	}
	if err := dapc.SWJSequence(ctx, 16, []byte{0, 0}); err != nil {
		return nil, errors.Annotatef(err, "SWD reset sequence failed")
	}
	if err := dapc.TransferConfigure(ctx, 0, 100, 100); err != nil {
		return nil, errors.Annotatef(err, "failed to configure transfers")
	}
	dpc := dp.NewDPClient(dapc)
	if err := dpc.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to init DP, is the target connected and powered on?")
	}
	dpidr, err := dpc.GetIDR(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read DP ID")
	}
	mapc := memap.NewMemAPClient(dpc, 0 /* apSel */)
	if err := mapc.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to init AP")
	}
	tgtName, err := cortex.GetTargetName(ctx, mapc)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get target name")
	}
	name := fmt.Sprintf("%s, DP v%d rev%d (%s)",
		tgtName, dpidr.Version(), dpidr.Revision(), dpidr.Designer())
	glog.V(1).Infof("Core: %s, minimal? %t", name, dpidr.Minimal())
	if err := dapc.SetHostStatus(ctx, dap.StatusConnected, true); err != nil {
		glog.V(2).Infof("failed to set host status: %s", err)
	}
	return &cmsisDAPPort{dapc: dapc, mapc: mapc, name: name}, nil
}

func (p *cmsisDAPPort) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	return p.mapc.ReadMem(ctx, addr, length)
}

func (p *cmsisDAPPort) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	return p.mapc.WriteMem(ctx, addr, data)
}

func (p *cmsisDAPPort) TargetName() string {
	return p.name
}

func (p *cmsisDAPPort) Close(ctx context.Context) error {
	p.dapc.SetHostStatus(ctx, dap.StatusConnected, false)
	if err := p.dapc.Disconnect(ctx); err != nil {
		glog.V(1).Infof("disconnect failed: %s", err)
	}
	return errors.Trace(p.dapc.Close(ctx))
}
