package common

import "errors"

var (
	// ErrCorruption marks a checksum or format mismatch in a persisted file.
	ErrCorruption = errors.New("data corruption")
	// ErrNotFound is the normal outcome of a lookup for an absent key.
	ErrNotFound = errors.New("key not found")
)
