// Package rtt implements the host side of the SEGGER Real-Time Transfer
// protocol: finding the control block a target publishes in its RAM,
// parsing the channel table and moving data through the lock-free ring
// buffers without ever halting the target.
//
// Control block layout in target memory:
//
//	+0  id            16 bytes, "SEGGER RTT" padded with NULs
//	+16 max up        u32 LE, up channel slots in the table
//	+20 max down      u32 LE, down channel slots in the table
//	+24 up table      max up descriptors, 24 bytes each
//	+.. down table    max down descriptors, immediately after
//
// All multi-byte fields are little-endian, matching the Cortex-M targets
// RTT firmware runs on.
package rtt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// MemoryAccessPort is the window into target memory that everything here
// runs on top of. Debug probe backends implement it.
//
// Cursor atomicity depends on access size: when addr and length are
// word-aligned, implementations must carry the request out as naturally
// aligned 32-bit transfers, so that a 4-byte cursor field is observed and
// published in one piece and never byte by byte.
type MemoryAccessPort interface {
	ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMem(ctx context.Context, addr uint32, data []byte) error
}

// Range is a region of target RAM to scan for the control block.
type Range struct {
	Start uint32
	Size  uint32
}

// Options tunes attach and channel I/O. The zero value picks the defaults
// below; a nil *Options is accepted everywhere one is taken.
type Options struct {
	// ScanWindow is how many bytes each scan read covers. Windows overlap
	// by len(id)-1 bytes so a control block straddling two windows is
	// still found.
	ScanWindow int
	// CursorRetries is the total number of times a channel's cursor pair
	// is read before persistently out-of-range values are reported as
	// corruption.
	CursorRetries int
	// CursorRetryDelay is the pause between cursor re-reads.
	CursorRetryDelay time.Duration
	// PollInterval is the pause between free-space polls of a
	// block-if-full write.
	PollInterval time.Duration
}

// Defaults for Options fields left zero.
const (
	DefaultScanWindow       = 4096
	DefaultCursorRetries    = 8
	DefaultCursorRetryDelay = 100 * time.Microsecond
	DefaultPollInterval     = 10 * time.Millisecond
)

func applyDefaults(opts *Options) Options {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = DefaultScanWindow
	}
	if o.CursorRetries <= 0 {
		o.CursorRetries = DefaultCursorRetries
	}
	if o.CursorRetryDelay <= 0 {
		o.CursorRetryDelay = DefaultCursorRetryDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

const (
	cbOffID       = 0
	cbOffMaxUp    = 16
	cbOffMaxDown  = 20
	cbOffChannels = 24

	// Upper bound on up+down slots. Real firmware declares a handful;
	// anything bigger is garbage that happens to carry the id string.
	maxTotalChannels = 256
)

var cbID = []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")

// ChannelRef names a channel either by its index in the direction's table
// or by the name the target gave it. When several channels share a name,
// the lowest index wins.
type ChannelRef struct {
	index  int
	name   string
	byName bool
}

// ByIndex refers to the channel at index i.
func ByIndex(i int) ChannelRef { return ChannelRef{index: i} }

// ByName refers to the lowest-indexed channel named name.
func ByName(name string) ChannelRef { return ChannelRef{name: name, byName: true} }

func (ref ChannelRef) String() string {
	if ref.byName {
		return fmt.Sprintf("%q", ref.name)
	}
	return fmt.Sprintf("#%d", ref.index)
}

// RTT is an attached session: a parsed control block plus the access port
// to reach it. Methods are not safe for concurrent use; callers that pump
// up and down channels from separate goroutines must serialize on the
// session (or give each goroutine its own session over a port that
// serializes transactions).
type RTT struct {
	mp   MemoryAccessPort
	opts Options
	addr uint32

	maxUp, maxDown int
	up, down       []*Channel

	detached bool
}

// Attach scans ranges, in order, for a valid control block and returns a
// session on the first one found. Candidates that carry the id but fail
// validation (bad counts, unreadable table, no configured channels) are
// skipped and the scan continues behind them.
func Attach(ctx context.Context, mp MemoryAccessPort, ranges []Range, opts *Options) (*RTT, error) {
	o := applyDefaults(opts)
	if len(ranges) == 0 {
		return nil, errors.NotValidf("no memory ranges to scan")
	}
	for _, rg := range ranges {
		r, err := scanRange(ctx, mp, &o, rg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, errors.Trace(ErrControlBlockNotFound)
}

// AttachAt skips the scan and parses a control block at exactly addr,
// e.g. one pinned by a linker script or found in a map file. Unlike a
// scan, a block with zero configured channels is accepted here: the
// caller asked for this address, so an empty but well-formed block is
// theirs to have.
func AttachAt(ctx context.Context, mp MemoryAccessPort, addr uint32, opts *Options) (*RTT, error) {
	o := applyDefaults(opts)
	r := &RTT{mp: mp, opts: o, addr: addr}
	if err := r.parse(ctx, false); err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(1).Infof("Attached to RTT control block at 0x%08x: %d up, %d down channel slot(s), %d configured",
		addr, r.maxUp, r.maxDown, len(r.up)+len(r.down))
	return r, nil
}

// scanRange reads rg in overlapping windows and validates every id match.
// It returns a session for the first candidate that parses, nil if the
// range holds none. Window read failures abort the scan; candidate
// validation failures do not, since an id match near the edge of mapped
// memory can fault reads the windows themselves never issue.
func scanRange(ctx context.Context, mp MemoryAccessPort, o *Options, rg Range) (*RTT, error) {
	if rg.Size < uint32(len(cbID)) {
		glog.V(2).Infof("Range 0x%08x+0x%x too small to hold a control block, skipping", rg.Start, rg.Size)
		return nil, nil
	}
	window := o.ScanWindow
	if window < 2*len(cbID) {
		window = 2 * len(cbID)
	}
	glog.V(1).Infof("Scanning 0x%08x..0x%08x for the RTT control block...", rg.Start, rg.Start+rg.Size-1)
	overlap := uint32(len(cbID) - 1)
	end := uint64(rg.Start) + uint64(rg.Size)
	for start := uint64(rg.Start); start < end; {
		n := uint64(window)
		if n > end-start {
			n = end - start
		}
		buf, err := mp.ReadMem(ctx, uint32(start), int(n))
		if err != nil {
			return nil, errors.Annotatef(err, "scanning %d bytes at 0x%08x", n, start)
		}
		for off := 0; ; {
			i := bytes.Index(buf[off:], cbID)
			if i < 0 {
				break
			}
			cand := uint32(start) + uint32(off+i)
			r := &RTT{mp: mp, opts: *o, addr: cand}
			if err := r.parse(ctx, true); err != nil {
				glog.V(2).Infof("Candidate at 0x%08x rejected: %s", cand, err)
				off += i + 1
				continue
			}
			glog.V(1).Infof("Found RTT control block at 0x%08x: %d up, %d down channel slot(s), %d configured",
				cand, r.maxUp, r.maxDown, len(r.up)+len(r.down))
			return r, nil
		}
		if start+n >= end {
			break
		}
		start += n - uint64(overlap)
	}
	return nil, nil
}

// parse (re)reads the control block header and channel table at r.addr and
// rebuilds the channel lists. With fromScan set, a block with zero
// configured channels is rejected so the scan keeps looking. On error the
// session's previous channel lists are left untouched.
func (r *RTT) parse(ctx context.Context, fromScan bool) error {
	hdr, err := r.mp.ReadMem(ctx, r.addr, cbOffChannels)
	if err != nil {
		return errors.Annotatef(err, "reading control block header at 0x%08x", r.addr)
	}
	if !bytes.Equal(hdr[cbOffID:cbOffID+len(cbID)], cbID) {
		return errors.Annotatef(ErrControlBlockNotFound, "no RTT id at 0x%08x", r.addr)
	}
	maxUp := leU32(hdr[cbOffMaxUp:])
	maxDown := leU32(hdr[cbOffMaxDown:])
	total := uint64(maxUp) + uint64(maxDown)
	if total == 0 || total > maxTotalChannels {
		return errors.Annotatef(ErrInvalidChannelTable, "%d up + %d down channels at 0x%08x", maxUp, maxDown, r.addr)
	}
	tableAddr := r.addr + cbOffChannels
	table, err := r.mp.ReadMem(ctx, tableAddr, int(total)*channelDescSize)
	if err != nil {
		return errors.Annotatef(ErrInvalidChannelTable, "channel table at 0x%08x unreadable: %s", tableAddr, err)
	}
	var up, down []*Channel
	for i := 0; i < int(maxUp); i++ {
		raw := table[i*channelDescSize:]
		if c := decodeChannel(i, Up, tableAddr+uint32(i*channelDescSize), raw); c != nil {
			c.readName(ctx, r.mp, leU32(raw[chOffName:]))
			up = append(up, c)
		}
	}
	for i := 0; i < int(maxDown); i++ {
		slot := int(maxUp) + i
		raw := table[slot*channelDescSize:]
		if c := decodeChannel(i, Down, tableAddr+uint32(slot*channelDescSize), raw); c != nil {
			c.readName(ctx, r.mp, leU32(raw[chOffName:]))
			down = append(down, c)
		}
	}
	if fromScan && len(up)+len(down) == 0 {
		return errors.Annotatef(ErrInvalidChannelTable, "no configured channels at 0x%08x", r.addr)
	}
	r.maxUp, r.maxDown = int(maxUp), int(maxDown)
	r.up, r.down = up, down
	return nil
}

// Addr returns the control block's address in target memory.
func (r *RTT) Addr() uint32 { return r.addr }

// UpChannels returns the configured up channels in ascending index order.
func (r *RTT) UpChannels() []*Channel { return r.up }

// DownChannels returns the configured down channels in ascending index order.
func (r *RTT) DownChannels() []*Channel { return r.down }

// Channels returns all configured channels, up channels first.
func (r *RTT) Channels() []*Channel {
	return append(append([]*Channel(nil), r.up...), r.down...)
}

// Lookup resolves ref among the configured channels of one direction.
func (r *RTT) Lookup(dir Direction, ref ChannelRef) (*Channel, error) {
	chs := r.up
	if dir == Down {
		chs = r.down
	}
	for _, c := range chs {
		if ref.byName {
			if c.name == ref.name {
				return c, nil
			}
		} else if c.index == ref.index {
			return c, nil
		}
	}
	return nil, errors.Annotatef(ErrChannelNotFound, "%s channel %s", dir, ref)
}

// Read drains up to len(buf) bytes from the up channel ref into buf.
// It returns immediately; 0 with a nil error means the channel was empty.
func (r *RTT) Read(ctx context.Context, ref ChannelRef, buf []byte) (int, error) {
	if r.detached {
		return 0, errors.Trace(ErrDetached)
	}
	c, err := r.Lookup(Up, ref)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return c.read(ctx, r.mp, &r.opts, buf)
}

// Write queues data on the down channel ref, honoring the channel's
// overflow mode. The count returned is what was actually queued; skip and
// trim modes may drop the rest without error.
func (r *RTT) Write(ctx context.Context, ref ChannelRef, data []byte) (int, error) {
	if r.detached {
		return 0, errors.Trace(ErrDetached)
	}
	c, err := r.Lookup(Down, ref)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return c.write(ctx, r.mp, &r.opts, data)
}

// Refresh re-reads the control block and channel table, picking up
// channels the target configured after attach. Existing Channel pointers
// are replaced, not updated. On failure the session keeps its previous
// view.
func (r *RTT) Refresh(ctx context.Context) error {
	if r.detached {
		return errors.Trace(ErrDetached)
	}
	return errors.Trace(r.parse(ctx, false))
}

// Detach ends the session. It only updates host state; target memory is
// not touched, so a detached-and-reattached session resumes where the
// cursors point. Detach is idempotent, and every operation after it
// returns ErrDetached.
func (r *RTT) Detach() {
	if r.detached {
		return
	}
	r.detached = true
	glog.V(1).Infof("Detached from RTT control block at 0x%08x", r.addr)
}

func leU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func leBytes(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
