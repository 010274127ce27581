package rtt

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Channel descriptor layout in target memory (all fields 32-bit little-endian):
//
//	+0  name     pointer to a NUL-terminated name, may be 0
//	+4  buffer   pointer to the data buffer
//	+8  size     buffer size in bytes (capacity is size-1)
//	+12 write    write cursor, offset into the buffer
//	+16 read     read cursor, offset into the buffer
//	+20 flags    bits 0-1 hold the overflow mode
const (
	channelDescSize = 24

	chOffName   = 0
	chOffBuffer = 4
	chOffSize   = 8
	chOffWrite  = 12
	chOffRead   = 16
	chOffFlags  = 20

	nameMaxLen   = 128
	nameChunkLen = 16
)

// Direction tells which way data flows through a channel.
type Direction int

const (
	// Up channels carry data from the target to the host.
	Up Direction = iota
	// Down channels carry data from the host to the target.
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	}
	return "unknown"
}

// Mode is the overflow policy of a channel, set by the target firmware.
// It governs what the producer does when the buffer has no room; the host
// honors it when writing to down channels.
type Mode uint32

const (
	// ModeNoBlockSkip drops a write entirely unless it fits as a whole.
	ModeNoBlockSkip Mode = 0
	// ModeNoBlockTrim writes as much as fits and drops the rest.
	ModeNoBlockTrim Mode = 1
	// ModeBlockIfFull waits for space and never drops data.
	ModeBlockIfFull Mode = 2

	modeMask = 0x3
)

func (m Mode) String() string {
	switch m {
	case ModeNoBlockSkip:
		return "skip"
	case ModeNoBlockTrim:
		return "trim"
	case ModeBlockIfFull:
		return "block"
	}
	return "invalid"
}

// Channel is one direction-specific ring buffer declared by the target.
// It records where the descriptor and the buffer live; all cursor state
// stays in target memory and is re-read on every operation.
type Channel struct {
	index int
	dir   Direction
	addr  uint32 // descriptor address
	name  string
	buf   uint32 // buffer address
	size  uint32
	flags uint32
}

// Index returns the channel's position in its direction's table.
func (c *Channel) Index() int { return c.index }

// Name returns the channel's name, or "" if the target declared none
// (or the name could not be read).
func (c *Channel) Name() string { return c.name }

// Direction returns which way the channel carries data.
func (c *Channel) Direction() Direction { return c.dir }

// BufferSize returns the raw size of the channel's buffer in bytes.
func (c *Channel) BufferSize() int { return int(c.size) }

// Capacity returns the usable capacity, one less than the buffer size:
// one byte always stays free so a full buffer and an empty one read
// differently.
func (c *Channel) Capacity() int { return int(c.size) - 1 }

// Mode returns the channel's overflow policy.
func (c *Channel) Mode() Mode { return Mode(c.flags & modeMask) }

// decodeChannel parses one descriptor out of a channel table. It returns
// nil for unconfigured slots (no buffer or a zero size), which are legal
// padding in a table sized for more channels than the firmware uses. A
// zero name pointer is fine, the channel is just anonymous.
func decodeChannel(index int, dir Direction, addr uint32, raw []byte) *Channel {
	bufPtr := leU32(raw[chOffBuffer:])
	size := leU32(raw[chOffSize:])
	if bufPtr == 0 || size == 0 {
		return nil
	}
	return &Channel{
		index: index,
		dir:   dir,
		addr:  addr,
		buf:   bufPtr,
		size:  size,
		flags: leU32(raw[chOffFlags:]),
	}
}

// readName fetches the channel's name from target memory. Names are read
// in small chunks so a string close to an unmapped page does not fault the
// access port, and capped at nameMaxLen. Any failure, or a missing NUL
// within the cap, degrades to an anonymous channel rather than an error.
func (c *Channel) readName(ctx context.Context, mp MemoryAccessPort, namePtr uint32) {
	if namePtr == 0 {
		return
	}
	var name []byte
	for len(name) < nameMaxLen {
		n := nameChunkLen
		if rem := nameMaxLen - len(name); n > rem {
			n = rem
		}
		chunk, err := mp.ReadMem(ctx, namePtr+uint32(len(name)), n)
		if err != nil {
			glog.V(1).Infof("%s channel %d: name at 0x%08x unreadable: %s", c.dir, c.index, namePtr, err)
			return
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			name = append(name, chunk[:i]...)
			c.name = strings.ToValidUTF8(string(name), "�")
			return
		}
		name = append(name, chunk...)
	}
	glog.V(1).Infof("%s channel %d: name at 0x%08x has no terminator within %d bytes", c.dir, c.index, namePtr, nameMaxLen)
}

// cursors reads both cursor fields in a single aligned 8-byte transfer and
// validates them against the buffer size. An out-of-range value is treated
// as a torn read (the target was mid-update) and re-read up to
// opts.CursorRetries times in total before it is reported as corruption.
func (c *Channel) cursors(ctx context.Context, mp MemoryAccessPort, opts *Options) (write, read uint32, err error) {
	for attempt := 1; ; attempt++ {
		raw, err := mp.ReadMem(ctx, c.addr+chOffWrite, 8)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		w, r := leU32(raw[0:4]), leU32(raw[4:8])
		if w < c.size && r < c.size {
			return w, r, nil
		}
		if attempt >= opts.CursorRetries {
			return 0, 0, errors.Annotatef(ErrTornCursor,
				"%s channel %d: write=%d read=%d size=%d after %d attempts",
				c.dir, c.index, w, r, c.size, attempt)
		}
		glog.V(3).Infof("%s channel %d: cursors out of range (write=%d read=%d size=%d), re-reading",
			c.dir, c.index, w, r, c.size)
		if opts.CursorRetryDelay > 0 {
			select {
			case <-ctx.Done():
				return 0, 0, errors.Trace(ctx.Err())
			case <-time.After(opts.CursorRetryDelay):
			}
		}
	}
}

// free returns the total number of bytes that can be written without
// overtaking the read cursor. One byte is always kept unused.
func (c *Channel) free(write, read uint32) int {
	used := write - read
	if write < read {
		used = c.size - read + write
	}
	return int(c.size) - 1 - int(used)
}

// readableContiguous returns how many bytes can be read in one straight
// transfer starting at the read cursor.
func (c *Channel) readableContiguous(write, read uint32) int {
	if read > write {
		return int(c.size - read)
	}
	return int(write - read)
}

// writableContiguous returns how many bytes can be written in one straight
// transfer starting at the write cursor, keeping the one reserved byte.
// When the read cursor sits at 0 the write cursor must stop one short of
// the buffer end, or wrapping it to 0 would publish write==read and the
// target would see an empty buffer.
func (c *Channel) writableContiguous(write, read uint32) int {
	if read > write {
		return int(read - write - 1)
	}
	if read == 0 {
		return int(c.size - write - 1)
	}
	return int(c.size - write)
}

// read drains available data from an up channel into buf and publishes the
// new read cursor with a single aligned 4-byte write. It never waits for
// data: an empty channel returns 0 immediately.
func (c *Channel) read(ctx context.Context, mp MemoryAccessPort, opts *Options, buf []byte) (int, error) {
	w, r, err := c.cursors(ctx, mp, opts)
	if err != nil {
		return 0, errors.Trace(err)
	}
	total := 0
	for total < len(buf) {
		n := c.readableContiguous(w, r)
		if n == 0 {
			break
		}
		if n > len(buf)-total {
			n = len(buf) - total
		}
		chunk, err := mp.ReadMem(ctx, c.buf+r, n)
		if err != nil {
			return 0, errors.Annotatef(err, "reading %d bytes of %s channel %d", n, c.dir, c.index)
		}
		copy(buf[total:], chunk)
		total += n
		r += uint32(n)
		if r == c.size {
			r = 0
		}
	}
	if total == 0 {
		return 0, nil
	}
	glog.V(4).Infof("%s channel %d: read %d bytes, read cursor now %d", c.dir, c.index, total, r)
	if err := mp.WriteMem(ctx, c.addr+chOffRead, leBytes(r)); err != nil {
		return 0, errors.Annotatef(err, "publishing read cursor of %s channel %d", c.dir, c.index)
	}
	return total, nil
}

// write pushes data into a down channel, honoring the overflow mode the
// target configured. The returned count is the number of bytes actually
// queued; skip and trim modes may return less than len(data) (or zero)
// without error. Block-if-full writes are all or nothing: they poll for
// space until the write fits or ctx expires.
func (c *Channel) write(ctx context.Context, mp MemoryAccessPort, opts *Options, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	switch mode := c.Mode(); mode {
	case ModeNoBlockSkip:
		w, r, err := c.cursors(ctx, mp, opts)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if c.free(w, r) < len(data) {
			glog.V(2).Infof("down channel %d: %d bytes don't fit (%d free), skipping",
				c.index, len(data), c.free(w, r))
			return 0, nil
		}
		return c.push(ctx, mp, w, r, data)
	case ModeNoBlockTrim:
		w, r, err := c.cursors(ctx, mp, opts)
		if err != nil {
			return 0, errors.Trace(err)
		}
		n := c.free(w, r)
		if n == 0 {
			return 0, nil
		}
		if n > len(data) {
			n = len(data)
		}
		return c.push(ctx, mp, w, r, data[:n])
	case ModeBlockIfFull:
		if len(data) > c.Capacity() {
			return 0, errors.NotValidf("%d-byte write can never fit in a %d-byte buffer", len(data), c.size)
		}
		for {
			w, r, err := c.cursors(ctx, mp, opts)
			if err != nil {
				return 0, errors.Trace(err)
			}
			if c.free(w, r) >= len(data) {
				return c.push(ctx, mp, w, r, data)
			}
			glog.V(3).Infof("down channel %d: %d free of %d needed, waiting", c.index, c.free(w, r), len(data))
			select {
			case <-ctx.Done():
				return 0, errors.Annotatef(ErrWriteTimeout, "down channel %d, %d bytes pending", c.index, len(data))
			case <-time.After(opts.PollInterval):
			}
		}
	default:
		return 0, errors.NotValidf("down channel %d: mode %d", c.index, mode)
	}
}

// push copies data into the buffer starting at the write cursor and
// publishes the new cursor with a single aligned 4-byte write. The caller
// has already established that all of data fits; a wrap-around costs one
// extra buffer transfer.
func (c *Channel) push(ctx context.Context, mp MemoryAccessPort, w, r uint32, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n := c.writableContiguous(w, r)
		if n == 0 {
			break
		}
		if n > len(data)-total {
			n = len(data) - total
		}
		if err := mp.WriteMem(ctx, c.buf+w, data[total:total+n]); err != nil {
			return 0, errors.Annotatef(err, "writing %d bytes to down channel %d", n, c.index)
		}
		total += n
		w += uint32(n)
		if w == c.size {
			w = 0
		}
	}
	if total == 0 {
		return 0, nil
	}
	glog.V(4).Infof("down channel %d: wrote %d bytes, write cursor now %d", c.index, total, w)
	if err := mp.WriteMem(ctx, c.addr+chOffWrite, leBytes(w)); err != nil {
		return 0, errors.Annotatef(err, "publishing write cursor of down channel %d", c.index)
	}
	return total, nil
}
