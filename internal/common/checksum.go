package common

import "hash/crc32"

type ChecksumType byte

const (
	UnknownChecksum ChecksumType = iota
	CRC32Checksum
)

type IChecksum interface {
	Checksum(block []byte, auxiliary byte) uint32
}

// checksumer is stateless so one instance can be shared by concurrent
// readers.
type checksumer struct {
	ct ChecksumType
}

func (c *checksumer) Checksum(block []byte, auxiliary byte) uint32 {
	var checksum uint32
	aux := [1]byte{auxiliary}
	switch c.ct {
	case CRC32Checksum:
		checksum = crc32.ChecksumIEEE(block)
		checksum = crc32.Update(checksum, crc32.IEEETable, aux[:])
	default:
		panic("unknown checksum type")
	}
	return checksum
}

func NewChecksumer(ct ChecksumType) IChecksum {
	return &checksumer{ct: ct}
}

var _ IChecksum = (*checksumer)(nil)
