package dp

import (
	"context"
	"fmt"
	"testing"

	"github.com/mongoose-os/rtthost/probe/cmsis-dap/dap"
)

// fakeDAP emulates just enough of the debug port register file for the
// client: DPIDR, CTRL/STAT with power-up and reset ack bits, SELECT and
// a banked AP register map.
type fakeDAP struct {
	idr      uint32
	ctrlstat uint32

	// Number of CTRL/STAT reads that report no acks after a request is
	// written. 0 means acks appear immediately.
	ackLag   int
	neverAck bool

	selectValue  uint32
	selectWrites []uint32
	ctrlWrites   []uint32
	idrReads     int

	apRegs map[uint32]uint32

	blockMax  int
	blockNext uint32
	blockOps  []string
}

func (f *fakeDAP) apKey(reg uint8) uint32 {
	apSel := (f.selectValue >> 24) & 0xff
	bank := (f.selectValue >> 4) & 0xf
	return apSel<<16 | bank<<4 | uint32(reg&0xc)
}

func (f *fakeDAP) ctrlRead() uint32 {
	v := f.ctrlstat
	if f.neverAck {
		return v
	}
	if f.ackLag > 0 {
		f.ackLag--
		return v
	}
	if v&0x10000000 != 0 {
		v |= 0x20000000
	}
	if v&0x40000000 != 0 {
		v |= 0x80000000
	}
	if v&0x04000000 != 0 {
		v |= 0x08000000
	}
	return v
}

func (f *fakeDAP) Transfer(ctx context.Context, dapIndex uint8, reqs []dap.TransferRequest) (dap.TransferStatus, []uint32, error) {
	var data []uint32
	for _, req := range reqs {
		if req.AP {
			if f.apRegs == nil {
				f.apRegs = map[uint32]uint32{}
			}
			key := f.apKey(req.Reg)
			if req.Op == dap.OpRead {
				data = append(data, f.apRegs[key])
			} else {
				f.apRegs[key] = req.Data
			}
			continue
		}
		switch {
		case req.Reg == 0x00 && req.Op == dap.OpRead:
			f.idrReads++
			data = append(data, f.idr)
		case req.Reg == 0x04 && req.Op == dap.OpRead:
			data = append(data, f.ctrlRead())
		case req.Reg == 0x04 && req.Op == dap.OpWrite:
			f.ctrlstat = req.Data
			f.ctrlWrites = append(f.ctrlWrites, req.Data)
		case req.Reg == 0x08 && req.Op == dap.OpWrite:
			f.selectValue = req.Data
			f.selectWrites = append(f.selectWrites, req.Data)
		default:
			return 4, nil, fmt.Errorf("unexpected dp request %+v", req)
		}
	}
	return 1, data, nil
}

func (f *fakeDAP) GetTransferBlockMaxSize() int {
	if f.blockMax == 0 {
		return 14
	}
	return f.blockMax
}

func (f *fakeDAP) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	f.blockOps = append(f.blockOps, fmt.Sprintf("R ap=%t reg=0x%x n=%d", ap, reg, length))
	res := make([]uint32, length)
	for i := range res {
		res[i] = f.blockNext
		f.blockNext++
	}
	return res, nil
}

func (f *fakeDAP) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	f.blockOps = append(f.blockOps, fmt.Sprintf("W ap=%t reg=0x%x n=%d", ap, reg, len(data)))
	return nil
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	f := &fakeDAP{idr: 0x2ba01477}
	dpc := NewDPClient(f)
	if err := dpc.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if f.idrReads != 1 {
		t.Fatalf("DPIDR reads: got %d, want 1", f.idrReads)
	}
	wantSelects := []uint32{0}
	if fmt.Sprint(f.selectWrites) != fmt.Sprint(wantSelects) {
		t.Fatalf("SELECT writes: got %v, want %v", f.selectWrites, wantSelects)
	}
	// Power-up request first, sticky error clear last.
	wantCtrl := []uint32{0x50000000, 0x50000f00}
	if fmt.Sprint(f.ctrlWrites) != fmt.Sprint(wantCtrl) {
		t.Fatalf("CTRL/STAT writes: got %v, want %v", f.ctrlWrites, wantCtrl)
	}
}

func TestSetDbgPowerPolls(t *testing.T) {
	ctx := context.Background()
	f := &fakeDAP{ackLag: 3}
	dpc := NewDPClient(f).(*dpClient)
	if err := dpc.SetDbgPower(ctx, true, true); err != nil {
		t.Fatalf("SetDbgPower: %s", err)
	}
	if len(f.ctrlWrites) != 3 {
		t.Fatalf("CTRL/STAT writes while polling: got %d, want 3", len(f.ctrlWrites))
	}
	for _, v := range f.ctrlWrites {
		if v != 0x50000000 {
			t.Fatalf("CTRL/STAT write: got 0x%08x, want 0x50000000", v)
		}
	}
}

func TestSetDbgPowerNoAck(t *testing.T) {
	ctx := context.Background()
	f := &fakeDAP{neverAck: true}
	dpc := NewDPClient(f).(*dpClient)
	if err := dpc.SetDbgPower(ctx, true, true); err == nil {
		t.Fatalf("expected error when power-up is never acknowledged")
	}
	if len(f.ctrlWrites) != maxPollAttempts {
		t.Fatalf("CTRL/STAT writes: got %d, want %d", len(f.ctrlWrites), maxPollAttempts)
	}
}

func TestSetDbgPowerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeDAP{neverAck: true}
	dpc := NewDPClient(f).(*dpClient)
	if err := dpc.SetDbgPower(ctx, true, true); err == nil {
		t.Fatalf("expected error from canceled context")
	}
	if len(f.ctrlWrites) != 1 {
		t.Fatalf("CTRL/STAT writes: got %d, want 1", len(f.ctrlWrites))
	}
}

func TestDbgReset(t *testing.T) {
	ctx := context.Background()
	f := &fakeDAP{}
	dpc := NewDPClient(f).(*dpClient)
	if err := dpc.DbgReset(ctx); err != nil {
		t.Fatalf("DbgReset: %s", err)
	}
	wantCtrl := []uint32{0x04000000, 0}
	if fmt.Sprint(f.ctrlWrites) != fmt.Sprint(wantCtrl) {
		t.Fatalf("CTRL/STAT writes: got %v, want %v", f.ctrlWrites, wantCtrl)
	}
}

func TestSelectAPCaching(t *testing.T) {
	ctx := context.Background()
	f := &fakeDAP{apRegs: map[uint32]uint32{
		0x00000000: 0x23000052, // AP 0, bank 0, reg 0x0
		0x000000f8: 0xe00ff003, // AP 0, bank f, reg 0x8
		0x00010000: 0x11111111, // AP 1, bank 0, reg 0x0
	}}
	dpc := NewDPClient(f).(*dpClient)

	if v, err := dpc.ReadAPReg(ctx, 0, 0x00); err != nil || v != 0x23000052 {
		t.Fatalf("ReadAPReg(0, 0x00): got 0x%08x, %v", v, err)
	}
	// Same AP and bank, no new SELECT write even for a different register.
	if _, err := dpc.ReadAPReg(ctx, 0, 0x04); err != nil {
		t.Fatalf("ReadAPReg(0, 0x04): %s", err)
	}
	if v, err := dpc.ReadAPReg(ctx, 0, 0xf8); err != nil || v != 0xe00ff003 {
		t.Fatalf("ReadAPReg(0, 0xf8): got 0x%08x, %v", v, err)
	}
	if v, err := dpc.ReadAPReg(ctx, 1, 0x00); err != nil || v != 0x11111111 {
		t.Fatalf("ReadAPReg(1, 0x00): got 0x%08x, %v", v, err)
	}
	// AP 0 bank 0 is the reset state of SELECT, so only the bank and AP
	// switches show up on the wire.
	wantSelects := []uint32{0x000000f0, 0x01000000}
	if fmt.Sprint(f.selectWrites) != fmt.Sprint(wantSelects) {
		t.Fatalf("SELECT writes: got %v, want %v",
			formatHex(f.selectWrites), formatHex(wantSelects))
	}
}

func TestAPRegMulti(t *testing.T) {
	ctx := context.Background()
	f := &fakeDAP{blockMax: 4, blockNext: 100}
	dpc := NewDPClient(f).(*dpClient)

	// Move off the reset AP first so the chunk loops have a SELECT
	// write to reuse.
	if _, err := dpc.ReadAPReg(ctx, 1, 0x00); err != nil {
		t.Fatalf("ReadAPReg: %s", err)
	}
	data, err := dpc.ReadAPRegMulti(ctx, 1, 0x0c, 10)
	if err != nil {
		t.Fatalf("ReadAPRegMulti: %s", err)
	}
	if len(data) != 10 || data[0] != 100 || data[9] != 109 {
		t.Fatalf("unexpected data: %v", data)
	}
	if err := dpc.WriteAPRegMulti(ctx, 1, 0x0c, make([]uint32, 6)); err != nil {
		t.Fatalf("WriteAPRegMulti: %s", err)
	}
	wantOps := []string{
		"R ap=true reg=0xc n=4",
		"R ap=true reg=0xc n=4",
		"R ap=true reg=0xc n=2",
		"W ap=true reg=0xc n=4",
		"W ap=true reg=0xc n=2",
	}
	if fmt.Sprint(f.blockOps) != fmt.Sprint(wantOps) {
		t.Fatalf("block ops: got %v, want %v", f.blockOps, wantOps)
	}
	// One SELECT write covers all the chunks.
	if len(f.selectWrites) != 1 {
		t.Fatalf("SELECT writes: got %d, want 1", len(f.selectWrites))
	}
}

func TestDPIDRDecode(t *testing.T) {
	cases := []struct {
		value      uint32
		designer   string
		version    uint8
		minimal    bool
		partNumber uint8
		revision   uint8
	}{
		{0x2ba01477, "ARM", 1, false, 0xba, 2}, // SW-DP as seen on Cortex-M3/M4 parts
		{0x0bc11477, "ARM", 1, false, 0xbc, 0}, // Cortex-M0 SW-DP
		{0x6ba02477, "ARM", 2, false, 0xba, 6}, // SW-DPv2
		{0x00000002, "0x001", 0, false, 0, 0},
	}
	for _, c := range cases {
		v := DPIDRValue(c.value)
		if got := v.Designer().String(); got != c.designer {
			t.Fatalf("0x%08x designer: got %s, want %s", c.value, got, c.designer)
		}
		if got := v.Version(); got != c.version {
			t.Fatalf("0x%08x version: got %d, want %d", c.value, got, c.version)
		}
		if got := v.Minimal(); got != c.minimal {
			t.Fatalf("0x%08x minimal: got %t, want %t", c.value, got, c.minimal)
		}
		if got := v.PartNumber(); got != c.partNumber {
			t.Fatalf("0x%08x part number: got 0x%02x, want 0x%02x", c.value, got, c.partNumber)
		}
		if got := v.Revision(); got != c.revision {
			t.Fatalf("0x%08x revision: got %d, want %d", c.value, got, c.revision)
		}
	}
}

func TestDPRegString(t *testing.T) {
	cases := []struct {
		reg  DPReg
		want string
	}{
		{DPIDR, "DPIDR"},
		{DPCTRLSTAT, "DPCTRLSTAT"},
		{DPSELECT, "DPSELECT"},
		{DPReg(0x0c), "0xc"},
	}
	for _, c := range cases {
		if got := c.reg.String(); got != c.want {
			t.Fatalf("String(0x%x): got %q, want %q", uint8(c.reg), got, c.want)
		}
	}
}

func formatHex(vs []uint32) []string {
	res := make([]string, len(vs))
	for i, v := range vs {
		res[i] = fmt.Sprintf("0x%08x", v)
	}
	return res
}
