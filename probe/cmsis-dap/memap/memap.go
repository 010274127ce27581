package memap

// Target memory access through a MEM-AP. Transfers go through the DRW
// register with TAR auto-increment; the increment wraps at 1KB
// boundaries, so TAR is rewritten for every chunk. Byte transfers use
// the lane of DRW selected by the low address bits.

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

type MemAPReg uint8

const (
	CSW  MemAPReg = 0x00
	TAR  MemAPReg = 0x04
	DRW  MemAPReg = 0x0c
	BASE MemAPReg = 0xf8
	IDR  MemAPReg = 0xfc
)

const (
	cswDeviceEn uint32 = 0x40
	// Auto-increment single transfers, 32- and 8-bit sizes.
	cswWord uint32 = 0x23000052
	cswByte uint32 = 0x23000050
)

// APTransport is the slice of the debug port client this layer needs.
type APTransport interface {
	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error
}

type MemAPClient interface {
	Init(ctx context.Context) error
	ReadReg(ctx context.Context, reg MemAPReg) (uint32, error)
	WriteReg(ctx context.Context, reg MemAPReg, value uint32) error
	// Word-granular access, addr must be word-aligned, length in words.
	ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error)
	WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error
	ReadTargetReg(ctx context.Context, addr uint32) (uint32, error)
	WriteTargetReg(ctx context.Context, addr uint32, value uint32) error
	// Byte-granular access. Word-aligned spans are carried out entirely
	// as aligned 32-bit transfers.
	ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMem(ctx context.Context, addr uint32, data []byte) error
}

func NewMemAPClient(dpc APTransport, apSel uint8) MemAPClient {
	return &memAPClient{dpc: dpc, apSel: apSel}
}

type memAPClient struct {
	dpc   APTransport
	apSel uint8

	csw uint32 // last CSW value written, 0 = unknown
}

func (mc *memAPClient) Init(ctx context.Context) error {
	csw, err := mc.ReadReg(ctx, CSW)
	if err != nil {
		return errors.Annotatef(err, "failed to read CSW")
	}
	if csw&cswDeviceEn == 0 {
		return errors.Errorf("memory access is not enabled (CSW 0x%08x)", csw)
	}
	return errors.Trace(mc.setCSW(ctx, cswWord))
}

func (mc *memAPClient) ReadReg(ctx context.Context, reg MemAPReg) (uint32, error) {
	value, err := mc.dpc.ReadAPReg(ctx, mc.apSel, uint8(reg))
	if err != nil {
		return 0, errors.Trace(err)
	}
	glog.V(4).Infof("AP%d.%s == 0x%08x", mc.apSel, reg, value)
	return value, nil
}

func (mc *memAPClient) WriteReg(ctx context.Context, reg MemAPReg, value uint32) error {
	glog.V(4).Infof("AP%d.%s = 0x%08x", mc.apSel, reg, value)
	if err := mc.dpc.WriteAPReg(ctx, mc.apSel, uint8(reg), value); err != nil {
		return errors.Trace(err)
	}
	if reg == CSW {
		mc.csw = value
	}
	return nil
}

func (mc *memAPClient) setCSW(ctx context.Context, csw uint32) error {
	if mc.csw == csw {
		return nil
	}
	return errors.Trace(mc.WriteReg(ctx, CSW, csw))
}

func (mc *memAPClient) ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	glog.V(4).Infof("ReadTargetMem(0x%08x, %d)", addr, length)
	if addr%4 != 0 {
		return nil, errors.Errorf("read address 0x%08x is not word-aligned", addr)
	}
	if err := mc.setCSW(ctx, cswWord); err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]uint32, 0, length)
	for length > 0 {
		// Up to the next auto-increment wrap boundary.
		cl := int((0x400 - addr&0x3ff) / 4)
		if cl > length {
			cl = length
		}
		if err := mc.WriteReg(ctx, TAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		chunk, err := mc.dpc.ReadAPRegMulti(ctx, mc.apSel, uint8(DRW), cl)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read %d words @ 0x%08x", cl, addr)
		}
		res = append(res, chunk...)
		addr += uint32(cl) * 4
		length -= cl
	}
	return res, nil
}

func (mc *memAPClient) WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error {
	glog.V(4).Infof("WriteTargetMem(0x%08x, %d)", addr, len(data))
	if addr%4 != 0 {
		return errors.Errorf("write address 0x%08x is not word-aligned", addr)
	}
	if err := mc.setCSW(ctx, cswWord); err != nil {
		return errors.Trace(err)
	}
	for len(data) > 0 {
		cl := int((0x400 - addr&0x3ff) / 4)
		if cl > len(data) {
			cl = len(data)
		}
		if err := mc.WriteReg(ctx, TAR, addr); err != nil {
			return errors.Trace(err)
		}
		if err := mc.dpc.WriteAPRegMulti(ctx, mc.apSel, uint8(DRW), data[:cl]); err != nil {
			return errors.Annotatef(err, "failed to write %d words @ 0x%08x", cl, addr)
		}
		data = data[cl:]
		addr += uint32(cl) * 4
	}
	return nil
}

func (mc *memAPClient) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	values, err := mc.ReadTargetMem(ctx, addr, 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return values[0], nil
}

func (mc *memAPClient) WriteTargetReg(ctx context.Context, addr uint32, value uint32) error {
	return errors.Trace(mc.WriteTargetMem(ctx, addr, []uint32{value}))
}

func (mc *memAPClient) readByte(ctx context.Context, addr uint32) (byte, error) {
	if err := mc.setCSW(ctx, cswByte); err != nil {
		return 0, errors.Trace(err)
	}
	if err := mc.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := mc.dpc.ReadAPReg(ctx, mc.apSel, uint8(DRW))
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read byte @ 0x%08x", addr)
	}
	return byte(v >> (8 * (addr & 3))), nil
}

func (mc *memAPClient) writeByte(ctx context.Context, addr uint32, b byte) error {
	if err := mc.setCSW(ctx, cswByte); err != nil {
		return errors.Trace(err)
	}
	if err := mc.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	v := uint32(b) << (8 * (addr & 3))
	return errors.Annotatef(mc.dpc.WriteAPReg(ctx, mc.apSel, uint8(DRW), v),
		"failed to write byte @ 0x%08x", addr)
}

func (mc *memAPClient) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.Errorf("negative read length %d", length)
	}
	if uint64(addr)+uint64(length) > 1<<32 {
		return nil, errors.Errorf("read 0x%08x + %d overflows the address space", addr, length)
	}
	res := make([]byte, 0, length)
	for length > 0 && addr%4 != 0 {
		b, err := mc.readByte(ctx, addr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, b)
		addr++
		length--
	}
	if nw := length / 4; nw > 0 {
		words, err := mc.ReadTargetMem(ctx, addr, nw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		var wb [4]byte
		for _, w := range words {
			binary.LittleEndian.PutUint32(wb[:], w)
			res = append(res, wb[:]...)
		}
		addr += uint32(nw) * 4
		length -= nw * 4
	}
	for length > 0 {
		b, err := mc.readByte(ctx, addr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, b)
		addr++
		length--
	}
	return res, nil
}

func (mc *memAPClient) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	if uint64(addr)+uint64(len(data)) > 1<<32 {
		return errors.Errorf("write 0x%08x + %d overflows the address space", addr, len(data))
	}
	for len(data) > 0 && addr%4 != 0 {
		if err := mc.writeByte(ctx, addr, data[0]); err != nil {
			return errors.Trace(err)
		}
		addr++
		data = data[1:]
	}
	if nw := len(data) / 4; nw > 0 {
		words := make([]uint32, nw)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		if err := mc.WriteTargetMem(ctx, addr, words); err != nil {
			return errors.Trace(err)
		}
		addr += uint32(nw) * 4
		data = data[nw*4:]
	}
	for len(data) > 0 {
		if err := mc.writeByte(ctx, addr, data[0]); err != nil {
			return errors.Trace(err)
		}
		addr++
		data = data[1:]
	}
	return nil
}

func (r MemAPReg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%02x", uint8(r))
}
