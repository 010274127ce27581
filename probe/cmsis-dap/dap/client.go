// +build !no_libudev

package dap

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus         = 0x01
	cmdConnect               = 0x02
	cmdDisconnect            = 0x03
	cmdTransferConfigure     = 0x04
	cmdTransfer              = 0x05
	cmdTransferBlock         = 0x06
	cmdSWJClock              = 0x11
	cmdSWJSequence           = 0x12
	cmdSWDConfigure          = 0x13
)

const (
	infoVendorID        = 1
	infoProductID       = 2
	infoSerialNumber    = 3
	infoFirmwareVersion = 4
	infoTargetVendor    = 5
	infoTargetName      = 6
	infoPacketSize      = 0xff
)

// hidDevice is the slice of hid.Device the client uses. Tests substitute
// a scripted implementation.
type hidDevice interface {
	Write(data []byte) error
	ReadCh() <-chan []byte
	ReadError() error
	Close()
}

type client struct {
	d             hidDevice
	path          string
	maxPacketSize int
}

// IsProbe reports whether a HID device identifies itself as a CMSIS-DAP
// probe. The DAP spec requires conforming probes to carry the string in
// their product name.
func IsProbe(di *hid.DeviceInfo) bool {
	return strings.Contains(di.Product, "CMSIS-DAP")
}

// NewClient opens a CMSIS-DAP probe. With vid and pid zero any device
// that looks like a probe is eligible; otherwise only exact matches are.
// A non-empty serial narrows the choice further, at the cost of opening
// candidates to ask for their serial number.
func NewClient(ctx context.Context, vid, pid uint16, serial string) (Client, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s %q", i, di.VendorID, di.ProductID, di.Path, di.Product)
		if vid == 0 && pid == 0 {
			if !IsProbe(di) {
				continue
			}
		} else if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		dapc := &client{
			d:             d,
			path:          di.Path,
			maxPacketSize: 8, // Conservative until the probe tells us better.
		}
		if err := dapc.init(ctx); err != nil {
			dapc.Close(ctx)
			return nil, errors.Annotatef(err, "failed to init probe %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		if serial != "" {
			sn, err := dapc.GetSerialNumber(ctx)
			if err != nil {
				dapc.Close(ctx)
				return nil, errors.Annotatef(err, "failed to get serial number of %s", di.Path)
			}
			if sn != serial {
				glog.V(1).Infof("%s: serial %q, want %q, skipping", di.Path, sn, serial)
				dapc.Close(ctx)
				continue
			}
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		return dapc, nil
	}
	if vid == 0 && pid == 0 {
		return nil, errors.NotFoundf("CMSIS-DAP probe")
	}
	return nil, errors.NotFoundf("device %04x:%04x", vid, pid)
}

func (dapc *client) init(ctx context.Context) error {
	resp, err := dapc.getInfo(ctx, infoPacketSize)
	if err != nil {
		return errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	if binary.Read(resp, binary.LittleEndian, &rl) != nil ||
		binary.Read(resp, binary.LittleEndian, &mps) != nil || mps < 8 {
		return errors.Errorf("bad packet size response")
	}
	dapc.maxPacketSize = int(mps)
	glog.V(2).Infof("max packet size: %d", dapc.maxPacketSize)
	return nil
}

func newCmd(cmd cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{
		0, // HID report number (unused)
		uint8(cmd),
	})
}

func (dapc *client) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()[1:]))
	if len(args.Bytes()) > dapc.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", dapc.maxPacketSize, len(args.Bytes()))
	}
	if err := dapc.d.Write(args.Bytes()); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-dapc.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(dapc.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		cmd := args.Bytes()[1]
		if len(resp) == 0 || resp[0] != cmd {
			return nil, errors.Errorf("response to wrong command (want 0x%02x)", cmd)
		}
		return bytes.NewBuffer(resp[1:]), nil
	}
}

func (dapc *client) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	cmd := args.Bytes()[1]
	status, err := resp.ReadByte()
	if err != nil {
		return errors.Errorf("command 0x%02x: empty response", cmd)
	}
	if status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

func (dapc *client) getInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	glog.V(3).Infof("GetInfo(%d)", info)
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := dapc.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (dapc *client) getInfoString(ctx context.Context, info uint8) (string, error) {
	resp, err := dapc.getInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	sl, err := resp.ReadByte()
	if err != nil {
		return "", errors.Errorf("empty info response")
	}
	s := make([]uint8, sl)
	n, _ := resp.Read(s)
	// Strings are NUL-terminated on the wire; some probes count the NUL,
	// some don't.
	return string(bytes.TrimRight(s[:n], "\x00")), nil
}

func (dapc *client) GetVendorID(ctx context.Context) (string, error) {
	return dapc.getInfoString(ctx, infoVendorID)
}

func (dapc *client) GetProductID(ctx context.Context) (string, error) {
	return dapc.getInfoString(ctx, infoProductID)
}

func (dapc *client) GetSerialNumber(ctx context.Context) (string, error) {
	return dapc.getInfoString(ctx, infoSerialNumber)
}

func (dapc *client) GetFirmwareVersion(ctx context.Context) (string, error) {
	return dapc.getInfoString(ctx, infoFirmwareVersion)
}

func (dapc *client) GetTargetVendor(ctx context.Context) (string, error) {
	return dapc.getInfoString(ctx, infoTargetVendor)
}

func (dapc *client) GetTargetName(ctx context.Context) (string, error) {
	return dapc.getInfoString(ctx, infoTargetName)
}

func (dapc *client) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(cmdSetHostStatus)
	binary.Write(args, binary.LittleEndian, uint8(st))
	v := uint8(0)
	if value {
		v = 1
	}
	binary.Write(args, binary.LittleEndian, v)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) Connect(ctx context.Context, mode ConnectMode) error {
	glog.V(3).Infof("Connect(%d)", mode)
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(mode))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	got, err := resp.ReadByte()
	if err != nil || got == 0 {
		return errors.Errorf("probe refused to connect in mode %d", mode)
	}
	return nil
}

func (dapc *client) Disconnect(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

func (dapc *client) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) doTransfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.Reg)
		}
		treq := req.Reg & 0xc
		if req.AP {
			treq |= 1 << 0
		}
		if req.Op == OpRead {
			treq |= 1 << 1
		}
		binary.Write(args, binary.LittleEndian, treq)
		if req.Op == OpWrite {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return st, nil, errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return st, nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(reqs), uint8(st))
	}
	if int(tc) != len(reqs) {
		return st, nil, errors.Errorf("not all transfers completed (%d/%d)", tc, len(reqs))
	}
	var data []uint32
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return st, nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	return st, data, nil
}

func (dapc *client) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	for i := 0; i < 5; i++ {
		st, res, err := dapc.doTransfer(ctx, dapIndex, reqs)
		if err != nil && st == TransferStatusWait {
			continue
		}
		return st, res, err
	}
	return TransferStatusWait, nil, errors.Errorf("transfer timeout")
}

func (dapc *client) GetTransferBlockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (dapc.maxPacketSize - headerLen) / 4
}

func (dapc *client) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%d, %t, 0x%x, %d)", dapIndex, ap, reg, length)
	if length > dapc.GetTransferBlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), length)
	}
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(length))
	treq := uint8(reg&0xc) | 2 /* read */
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, length, uint8(st))
	}
	if int(tc) != length {
		return nil, errors.Errorf("not all transfers completed (%d/%d)", tc, length)
	}
	res := make([]uint32, 0, length)
	for i := 0; i < length; i++ {
		var w uint32
		if binary.Read(resp, binary.LittleEndian, &w) != nil {
			return nil, errors.Errorf("response is too short")
		}
		res = append(res, w)
	}
	return res, nil
}

func (dapc *client) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	glog.V(3).Infof("TransferBlockWrite(%d, %t, 0x%x, %d)", dapIndex, ap, reg, len(data))
	if reg&3 != 0 {
		return errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(len(data)))
	treq := uint8(reg & 0xc)
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	for _, value := range data {
		binary.Write(args, binary.LittleEndian, value)
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(data), uint8(st))
	}
	if int(tc) != len(data) {
		return errors.Errorf("not all transfers completed (%d/%d)", tc, len(data))
	}
	return nil
}

func (dapc *client) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d, %v)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("bit count must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmd(cmdSWJSequence)
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	args := newCmd(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, config)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) Close(ctx context.Context) error {
	if dapc.d != nil {
		dapc.d.Close()
	}
	return nil
}
