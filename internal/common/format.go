package common

import (
	"encoding/binary"
	"fmt"
)

// Every persisted file begins with the magic bytes followed by a uint32
// format version. A mismatch of either is rejected at open with no silent
// migration.
var MagicBytes = [4]byte{'V', 'Y', 'D', 'B'}

const (
	FormatVersion uint32 = 1
	FileHeaderLen        = 8
)

// VersionMismatchError reports an on-disk format version the running engine
// does not understand.
type VersionMismatchError struct {
	Expected uint32
	Found    uint32
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, found %d", e.Expected, e.Found)
}

func EncodeFileHeader() []byte {
	buf := make([]byte, FileHeaderLen)
	copy(buf, MagicBytes[:])
	binary.LittleEndian.PutUint32(buf[4:], FormatVersion)
	return buf
}

// VerifyFileHeader checks the magic bytes and format version at the start of
// a persisted file.
func VerifyFileHeader(buf []byte) error {
	if len(buf) < FileHeaderLen {
		return fmt.Errorf("%w: file header too short", ErrCorruption)
	}
	if [4]byte(buf[:4]) != MagicBytes {
		return fmt.Errorf("%w: bad magic bytes", ErrCorruption)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != FormatVersion {
		return &VersionMismatchError{Expected: FormatVersion, Found: v}
	}
	return nil
}
