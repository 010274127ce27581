package rtt

import (
	"github.com/juju/errors"
)

// Sentinel errors returned by the package. They are usually wrapped with
// context by the time they reach the caller; use errors.Cause to classify.
var (
	// ErrControlBlockNotFound means the scan exhausted all requested ranges
	// without finding a valid control block. The usual cause is a target
	// that has not initialized RTT (yet), or scan ranges that do not cover
	// the RAM the control block lives in.
	ErrControlBlockNotFound = errors.New("RTT control block not found in target memory")

	// ErrInvalidChannelTable means memory at a candidate address carries the
	// RTT id but the channel counts or descriptor table fail validation.
	// During a scan such candidates are skipped silently; this error only
	// surfaces from AttachAt, where the address is pinned by the caller.
	ErrInvalidChannelTable = errors.New("invalid RTT channel table")

	// ErrChannelNotFound is returned for a lookup by index or name that
	// matches no configured channel in the requested direction.
	ErrChannelNotFound = errors.New("no such channel")

	// ErrTornCursor means a channel's cursor fields kept reading outside
	// [0, buffer size) for the whole retry budget. A single out-of-range
	// value is expected now and then (the target may be mid-update); a
	// persistent one means the control block is corrupted or the descriptor
	// address is stale.
	ErrTornCursor = errors.New("channel cursors remained out of range")

	// ErrWriteTimeout is returned by a block-if-full write whose context
	// expired before enough buffer space freed up. No bytes have been
	// written and no cursor has been moved.
	ErrWriteTimeout = errors.New("timed out waiting for channel buffer space")

	// ErrDetached is returned for any operation on a detached session.
	ErrDetached = errors.New("RTT session is detached")
)
