// Package storage abstracts the filesystem underneath the engine. All
// persisted objects (WAL segments, tables, the manifest) are written and read
// through a Storage so tests can run against an in-memory implementation.
package storage

import (
	"errors"
	"io"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileExists   = errors.New("file exists")
	ErrFileIsClosed = errors.New("file is closed")
)

type Syncer interface {
	// Sync flushes buffered writes through the OS cache down to stable
	// storage.
	Sync() error
}

// Writable is the handle for an object open for writing. Data is not
// guaranteed to be durable until Sync returns.
type Writable interface {
	io.WriteCloser
	Syncer
}

// Readable is the handle for an object open for reading. Objects are
// immutable once finished, so a Readable is safe for concurrent ReadAt
// calls.
type Readable interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Storage manages named objects under a single root. Names may contain
// forward-slash separated sub-directories.
type Storage interface {
	// Create creates a new object, truncating any existing one, and opens
	// it for writing.
	Create(name string) (Writable, error)

	// Open opens an existing object read-only.
	Open(name string) (Readable, error)

	// Remove deletes an object. Removing an absent object returns
	// ErrFileNotFound.
	Remove(name string) error

	// Rename atomically replaces newname with oldname.
	Rename(oldname, newname string) error

	// List returns the names of all objects under the root, relative to
	// it, in no particular order.
	List() ([]string, error)

	Close() error
}
