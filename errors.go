package vayadb

import (
	"errors"
	"fmt"

	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/wal"
)

var (
	// ErrNotFound is the normal outcome of Get on an absent or deleted key.
	ErrNotFound = common.ErrNotFound

	// ErrCorruption marks a checksum or format mismatch in a persisted file.
	ErrCorruption = common.ErrCorruption

	// ErrWALCorruption marks a damaged write-ahead log record followed by
	// further well-formed records. A torn tail from a crash mid-write is
	// not an error.
	ErrWALCorruption = wal.ErrCorruptedLog

	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("engine is closed")

	// ErrReadOnly is returned by writes after an unrecoverable background
	// failure; reads keep being served from already-durable tables.
	ErrReadOnly = errors.New("engine is read-only after background failure")

	// ErrInvalidConfig is returned by Open before any I/O when an option is
	// out of bounds.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyKey rejects operations on a zero-length key.
	ErrEmptyKey = errors.New("key must not be empty")
)

// ValueTooLargeError rejects a Put whose value exceeds the configured
// maximum. It is raised before any WAL or memtable side effect.
type ValueTooLargeError struct {
	Size int
	Max  int
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("value too large: %d bytes (max %d bytes)", e.Size, e.Max)
}

// VersionMismatchError reports an on-disk format version the running engine
// does not understand. It is fatal at open time.
type VersionMismatchError = common.VersionMismatchError
