package probe

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/juju/errors"

	"github.com/mongoose-os/rtthost/probe/cmsis-dap/dap"
)

// fakeDAPClient models enough of an SWD target behind a CMSIS-DAP
// probe to drive the whole bring-up: DP power-up acks, the AP register
// file and a word-addressed RAM.
type fakeDAPClient struct {
	ops []string

	selectValue uint32
	ctrlstat    uint32
	csw         uint32
	tar         uint32
	words       map[uint32]uint32
}

func newFakeDAPClient() *fakeDAPClient {
	return &fakeDAPClient{words: map[uint32]uint32{
		0xE000ED00: 0x410FC241, // CPUID: Cortex-M4 r0p1
		0xE000EFE0: 0xc,        // PID0: FPU present
	}}
}

func (f *fakeDAPClient) GetVendorID(ctx context.Context) (string, error)  { return "ARM", nil }
func (f *fakeDAPClient) GetProductID(ctx context.Context) (string, error) { return "DAPLink", nil }
func (f *fakeDAPClient) GetSerialNumber(ctx context.Context) (string, error) {
	return "SER1", nil
}
func (f *fakeDAPClient) GetFirmwareVersion(ctx context.Context) (string, error) {
	return "1.2", nil
}
func (f *fakeDAPClient) GetTargetVendor(ctx context.Context) (string, error) { return "", nil }
func (f *fakeDAPClient) GetTargetName(ctx context.Context) (string, error)  { return "", nil }

func (f *fakeDAPClient) SetHostStatus(ctx context.Context, st dap.StatusType, value bool) error {
	f.ops = append(f.ops, fmt.Sprintf("status %d %t", st, value))
	return nil
}

func (f *fakeDAPClient) Connect(ctx context.Context, mode dap.ConnectMode) error {
	f.ops = append(f.ops, fmt.Sprintf("connect %d", mode))
	return nil
}

func (f *fakeDAPClient) Disconnect(ctx context.Context) error {
	f.ops = append(f.ops, "disconnect")
	return nil
}

func (f *fakeDAPClient) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry, matchRetry uint16) error {
	f.ops = append(f.ops, fmt.Sprintf("xfercfg %d %d %d", idleCycles, waitRetry, matchRetry))
	return nil
}

func (f *fakeDAPClient) SWJClock(ctx context.Context, clockHz uint32) error {
	f.ops = append(f.ops, fmt.Sprintf("clock %d", clockHz))
	return nil
}

func (f *fakeDAPClient) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	f.ops = append(f.ops, fmt.Sprintf("swj %d", numBits))
	return nil
}

func (f *fakeDAPClient) SWDConfigure(ctx context.Context, config uint8) error {
	f.ops = append(f.ops, fmt.Sprintf("swdcfg %d", config))
	return nil
}

func (f *fakeDAPClient) Close(ctx context.Context) error {
	f.ops = append(f.ops, "close")
	return nil
}

func (f *fakeDAPClient) GetTransferBlockMaxSize() int { return 14 }

const (
	fakeCSWWord = 0x23000052
	fakeCSWByte = 0x23000050
)

func (f *fakeDAPClient) bumpTAR(inc uint32) {
	f.tar = (f.tar &^ 0x3ff) | ((f.tar + inc) & 0x3ff)
}

func (f *fakeDAPClient) ctrlRead() uint32 {
	v := f.ctrlstat
	if v&0x10000000 != 0 {
		v |= 0x20000000
	}
	if v&0x40000000 != 0 {
		v |= 0x80000000
	}
	return v
}

func (f *fakeDAPClient) readDRW() (uint32, error) {
	switch f.csw {
	case fakeCSWByte:
		v := f.words[f.tar&^3]
		f.bumpTAR(1)
		return v, nil
	case fakeCSWWord:
		if f.tar%4 != 0 {
			return 0, errors.Errorf("unaligned word read @ 0x%08x", f.tar)
		}
		v := f.words[f.tar]
		f.bumpTAR(4)
		return v, nil
	}
	return 0, errors.Errorf("DRW read with CSW 0x%08x", f.csw)
}

func (f *fakeDAPClient) writeDRW(v uint32) error {
	switch f.csw {
	case fakeCSWByte:
		shift := 8 * (f.tar & 3)
		w := f.words[f.tar&^3]
		f.words[f.tar&^3] = w&^(0xff<<shift) | v&(0xff<<shift)
		f.bumpTAR(1)
		return nil
	case fakeCSWWord:
		if f.tar%4 != 0 {
			return errors.Errorf("unaligned word write @ 0x%08x", f.tar)
		}
		f.words[f.tar] = v
		f.bumpTAR(4)
		return nil
	}
	return errors.Errorf("DRW write with CSW 0x%08x", f.csw)
}

func (f *fakeDAPClient) apAccess(op dap.TransferOp, reg uint8, value uint32) (uint32, error) {
	bank := (f.selectValue >> 4) & 0xf
	full := bank<<4 | uint32(reg&0xc)
	switch full {
	case 0x00: // CSW
		if op == dap.OpRead {
			return f.csw | 0x40, nil
		}
		f.csw = value
		return 0, nil
	case 0x04: // TAR
		if op == dap.OpRead {
			return f.tar, nil
		}
		f.tar = value
		return 0, nil
	case 0x0c: // DRW
		if op == dap.OpRead {
			return f.readDRW()
		}
		return 0, f.writeDRW(value)
	}
	return 0, errors.Errorf("unexpected AP access to 0x%02x", full)
}

func (f *fakeDAPClient) Transfer(ctx context.Context, dapIndex uint8, reqs []dap.TransferRequest) (dap.TransferStatus, []uint32, error) {
	var data []uint32
	for _, req := range reqs {
		if req.AP {
			v, err := f.apAccess(req.Op, req.Reg, req.Data)
			if err != nil {
				return 4, nil, err
			}
			if req.Op == dap.OpRead {
				data = append(data, v)
			}
			continue
		}
		switch {
		case req.Reg == 0x00 && req.Op == dap.OpRead:
			data = append(data, 0x2ba01477)
		case req.Reg == 0x04 && req.Op == dap.OpRead:
			data = append(data, f.ctrlRead())
		case req.Reg == 0x04 && req.Op == dap.OpWrite:
			f.ctrlstat = req.Data
		case req.Reg == 0x08 && req.Op == dap.OpWrite:
			f.selectValue = req.Data
		default:
			return 4, nil, errors.Errorf("unexpected dp request %+v", req)
		}
	}
	return 1, data, nil
}

func (f *fakeDAPClient) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	if !ap || reg&0xc != 0x0c {
		return nil, errors.Errorf("unexpected block read (ap %t reg 0x%x)", ap, reg)
	}
	res := make([]uint32, 0, length)
	for i := 0; i < length; i++ {
		v, err := f.readDRW()
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (f *fakeDAPClient) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	if !ap || reg&0xc != 0x0c {
		return errors.Errorf("unexpected block write (ap %t reg 0x%x)", ap, reg)
	}
	for _, v := range data {
		if err := f.writeDRW(v); err != nil {
			return err
		}
	}
	return nil
}

func TestCMSISDAPBringUp(t *testing.T) {
	ctx := context.Background()
	f := newFakeDAPClient()
	p, err := initCMSISDAP(ctx, f, &Options{})
	if err != nil {
		t.Fatalf("initCMSISDAP: %s", err)
	}
	if want := "ARM Cortex-M4F r0p1, DP v1 rev2 (ARM)"; p.TargetName() != want {
		t.Fatalf("target name: got %q, want %q", p.TargetName(), want)
	}
	wantOps := []string{
		"connect 1",
		"clock 10000000",
		"swdcfg 0",
		"swj 64", "swj 16", "swj 64", "swj 16", "swj 64", "swj 16",
		"xfercfg 0 100 100",
		"status 0 true",
	}
	if fmt.Sprint(f.ops) != fmt.Sprint(wantOps) {
		t.Fatalf("bring-up ops:\n got %v\nwant %v", f.ops, wantOps)
	}

	f.ops = nil
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %s", err)
	}
	wantOps = []string{"status 0 false", "disconnect", "close"}
	if fmt.Sprint(f.ops) != fmt.Sprint(wantOps) {
		t.Fatalf("close ops: got %v, want %v", f.ops, wantOps)
	}
}

func TestCMSISDAPClockOption(t *testing.T) {
	ctx := context.Background()
	f := newFakeDAPClient()
	if _, err := initCMSISDAP(ctx, f, &Options{SWDClockHz: 1000000}); err != nil {
		t.Fatalf("initCMSISDAP: %s", err)
	}
	if f.ops[1] != "clock 1000000" {
		t.Fatalf("clock op: got %q", f.ops[1])
	}
}

func TestCMSISDAPMemRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFakeDAPClient()
	f.words[0x20000000] = 0x64636261 // "abcd"
	f.words[0x20000004] = 0x68676665 // "efgh"
	p, err := initCMSISDAP(ctx, f, &Options{})
	if err != nil {
		t.Fatalf("initCMSISDAP: %s", err)
	}

	data, err := p.ReadMem(ctx, 0x20000000, 8)
	if err != nil {
		t.Fatalf("aligned ReadMem: %s", err)
	}
	if !bytes.Equal(data, []byte("abcdefgh")) {
		t.Fatalf("aligned data: got %q", data)
	}

	data, err = p.ReadMem(ctx, 0x20000001, 6)
	if err != nil {
		t.Fatalf("unaligned ReadMem: %s", err)
	}
	if !bytes.Equal(data, []byte("bcdefg")) {
		t.Fatalf("unaligned data: got %q", data)
	}

	if err := p.WriteMem(ctx, 0x20000002, []byte("XY")); err != nil {
		t.Fatalf("WriteMem: %s", err)
	}
	if got := f.words[0x20000000]; got != 0x59586261 {
		t.Fatalf("RAM word: got 0x%08x, want 0x59586261", got)
	}
}

func TestResetRun(t *testing.T) {
	ctx := context.Background()
	f := newFakeDAPClient()
	p, err := initCMSISDAP(ctx, f, &Options{})
	if err != nil {
		t.Fatalf("initCMSISDAP: %s", err)
	}
	if err := ResetRun(ctx, p); err != nil {
		t.Fatalf("ResetRun: %s", err)
	}
	if got := f.words[0xE000ED0C]; got != 0x05FA0004 {
		t.Fatalf("AIRCR: got 0x%08x, want 0x05fa0004", got)
	}
	if got := f.words[0xE000EDF0]; got != 0xA05F0000 {
		t.Fatalf("DHCSR: got 0x%08x, want 0xa05f0000", got)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, "serial:///dev/ttyUSB0", nil)
	if !errors.IsNotValid(errors.Cause(err)) {
		t.Fatalf("expected a NotValid error, got %v", err)
	}
}

func TestParseUSBSpec(t *testing.T) {
	cases := []struct {
		spec   string
		vid    uint16
		pid    uint16
		serial string
		err    bool
	}{
		{"", 0, 0, "", false},
		{"SER12", 0, 0, "SER12", false},
		{"0d28:0204", 0x0d28, 0x0204, "", false},
		{"0d28:0204:ABC", 0x0d28, 0x0204, "ABC", false},
		{"::ABC", 0, 0, "ABC", false},
		{"xyz:0204", 0, 0, "", true},
		{"0d28:zz", 0, 0, "", true},
		{"a:b:c:d", 0, 0, "", true},
	}
	for _, c := range cases {
		vid, pid, serial, err := parseUSBSpec(c.spec)
		if (err != nil) != c.err {
			t.Fatalf("parseUSBSpec(%q): err %v, want err %t", c.spec, err, c.err)
		}
		if err != nil {
			continue
		}
		if vid != c.vid || pid != c.pid || serial != c.serial {
			t.Fatalf("parseUSBSpec(%q): got %04x:%04x:%q, want %04x:%04x:%q",
				c.spec, vid, pid, serial, c.vid, c.pid, c.serial)
		}
	}
}
