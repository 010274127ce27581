package gdb

// Target memory access through a GDB remote stub such as OpenOCD or a
// J-Link GDB server. Only the memory subset of the protocol is used.
// Word-aligned spans are passed through unchanged; the common servers
// carry those out as aligned word accesses on the target.

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	defaultMaxData = 1024
	maxResends     = 8
	closeTimeout   = 2 * time.Second
)

type Client struct {
	conn net.Conn
	r    *bufio.Reader

	// Data bytes per memory transfer, derived from the stub's
	// PacketSize at connect time.
	maxData int
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to connect to %s", addr)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn), maxData: defaultMaxData}
	if err := c.negotiate(ctx); err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	return c, nil
}

func (c *Client) negotiate(ctx context.Context) error {
	resp, err := c.exchange(ctx, []byte("qSupported"))
	if err != nil {
		return errors.Annotatef(err, "handshake failed")
	}
	for _, part := range strings.Split(string(resp), ";") {
		if !strings.HasPrefix(part, "PacketSize=") {
			continue
		}
		ps, err := strconv.ParseUint(part[len("PacketSize="):], 16, 32)
		if err != nil || ps < 64 {
			continue
		}
		// Hex encoding doubles the data, leave room for the command
		// header and the frame.
		c.maxData = (int(ps) - 32) / 2
	}
	glog.V(1).Infof("connected to %s, %d data bytes per transfer", c.conn.RemoteAddr(), c.maxData)
	return nil
}

func (c *Client) setDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if dl, ok := ctx.Deadline(); ok {
		return errors.Trace(c.conn.SetDeadline(dl))
	}
	return errors.Trace(c.conn.SetDeadline(time.Time{}))
}

func (c *Client) exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := c.setDeadline(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.send(cmd); err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := c.recv()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if bytes.IndexByte(resp, '*') >= 0 {
		return rleDecode(resp)
	}
	return resp, nil
}

func (c *Client) send(cmd []byte) error {
	glog.V(4).Infof("=> %q", cmd)
	pkt := buildPacket(cmd)
	for attempt := 0; ; attempt++ {
		if _, err := c.conn.Write(pkt); err != nil {
			return errors.Trace(err)
		}
		ack, err := c.r.ReadByte()
		if err != nil {
			return errors.Trace(err)
		}
		switch ack {
		case '+':
			return nil
		case '-':
			if attempt >= maxResends {
				return errors.Errorf("%q rejected %d times", cmd, attempt+1)
			}
		default:
			return errors.Errorf("unexpected acknowledgment 0x%02x", ack)
		}
	}
}

func (c *Client) recv() ([]byte, error) {
	for attempt := 0; ; attempt++ {
		// Hunt for the packet start, skipping stray bytes.
		for {
			b, err := c.r.ReadByte()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if b == '$' {
				break
			}
		}
		var data []byte
		for {
			b, err := c.r.ReadByte()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if b == '#' {
				break
			}
			data = append(data, b)
		}
		var sum [2]byte
		for i := range sum {
			b, err := c.r.ReadByte()
			if err != nil {
				return nil, errors.Trace(err)
			}
			sum[i] = b
		}
		want, err := strconv.ParseUint(string(sum[:]), 16, 8)
		if err == nil && uint8(want) == checksum(data) {
			if _, err := c.conn.Write([]byte{'+'}); err != nil {
				return nil, errors.Trace(err)
			}
			glog.V(4).Infof("<= %q", data)
			return data, nil
		}
		if attempt >= maxResends {
			return nil, errors.Errorf("gave up after %d bad checksums", attempt+1)
		}
		if _, err := c.conn.Write([]byte{'-'}); err != nil {
			return nil, errors.Trace(err)
		}
	}
}

// replyError classifies an E-code or empty (unsupported command)
// reply. Valid memory read replies have even length so the three-char
// Exx form is unambiguous.
func replyError(resp []byte) error {
	if len(resp) == 0 {
		return errors.Errorf("command not supported by the stub")
	}
	if len(resp) == 3 && resp[0] == 'E' {
		if code, err := strconv.ParseUint(string(resp[1:]), 16, 8); err == nil {
			return errors.Errorf("stub error %02x", code)
		}
	}
	return nil
}

func (c *Client) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.Errorf("negative read length %d", length)
	}
	if uint64(addr)+uint64(length) > 1<<32 {
		return nil, errors.Errorf("read 0x%08x + %d overflows the address space", addr, length)
	}
	res := make([]byte, 0, length)
	for length > 0 {
		n := length
		if n > c.maxData {
			n = c.maxData
		}
		resp, err := c.exchange(ctx, []byte(fmt.Sprintf("m%x,%x", addr, n)))
		if err == nil {
			err = replyError(resp)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read %d bytes @ 0x%08x", n, addr)
		}
		buf, err := hex.DecodeString(string(resp))
		if err != nil {
			return nil, errors.Annotatef(err, "malformed read reply %q", resp)
		}
		if len(buf) != n {
			return nil, errors.Errorf("short read @ 0x%08x: got %d bytes, want %d", addr, len(buf), n)
		}
		res = append(res, buf...)
		addr += uint32(n)
		length -= n
	}
	return res, nil
}

func (c *Client) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	if uint64(addr)+uint64(len(data)) > 1<<32 {
		return errors.Errorf("write 0x%08x + %d overflows the address space", addr, len(data))
	}
	for len(data) > 0 {
		chunk := data
		if len(chunk) > c.maxData {
			chunk = chunk[:c.maxData]
		}
		cmd := fmt.Sprintf("M%x,%x:%s", addr, len(chunk), hex.EncodeToString(chunk))
		resp, err := c.exchange(ctx, []byte(cmd))
		if err == nil {
			err = replyError(resp)
		}
		if err != nil {
			return errors.Annotatef(err, "failed to write %d bytes @ 0x%08x", len(chunk), addr)
		}
		if string(resp) != "OK" {
			return errors.Errorf("unexpected write reply %q", resp)
		}
		data = data[len(chunk):]
		addr += uint32(len(chunk))
	}
	return nil
}

// Close detaches from the stub, letting the target run, and drops the
// connection.
func (c *Client) Close() error {
	c.conn.SetDeadline(time.Now().Add(closeTimeout))
	if err := c.send([]byte("D")); err == nil {
		c.recv()
	}
	return errors.Trace(c.conn.Close())
}
