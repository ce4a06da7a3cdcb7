package block

import (
	"encoding/binary"
	"fmt"

	"github.com/ib823/vaya-sub002/internal/common"
)

// TrailerLen is the per-block trailer: 1 byte compression type + 4 byte
// CRC32 over the compressed payload.
const TrailerLen = 5

// Handle is the file offset and length of a physical block. The length
// includes the trailer.
type Handle struct {
	Offset uint64
	Length uint64
}

const HandleLen = 16

func (h Handle) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf, h.Offset)
	binary.LittleEndian.PutUint64(buf[8:], h.Length)
}

func DecodeHandle(buf []byte) Handle {
	return Handle{
		Offset: binary.LittleEndian.Uint64(buf),
		Length: binary.LittleEndian.Uint64(buf[8:]),
	}
}

// Seal compresses a raw block and appends the trailer, producing the bytes
// stored physically on disk.
func Seal(raw []byte, compressor ICompression, ck common.IChecksum) ([]byte, error) {
	payload, err := compressor.Compress(nil, raw)
	if err != nil {
		return nil, err
	}
	ct := byte(compressor.GetType())
	checksum := ck.Checksum(payload, ct)

	phys := make([]byte, len(payload)+TrailerLen)
	copy(phys, payload)
	phys[len(payload)] = ct
	binary.LittleEndian.PutUint32(phys[len(payload)+1:], checksum)
	return phys, nil
}

// Open verifies the trailer checksum of a physical block and returns the
// decompressed contents.
func Open(phys []byte, ck common.IChecksum) ([]byte, error) {
	if len(phys) < TrailerLen {
		return nil, fmt.Errorf("%w: block shorter than trailer", common.ErrCorruption)
	}
	n := len(phys) - TrailerLen
	payload := phys[:n]
	ct := phys[n]
	stored := binary.LittleEndian.Uint32(phys[n+1:])
	if got := ck.Checksum(payload, ct); got != stored {
		return nil, fmt.Errorf("%w: block checksum mismatch (stored %08x, computed %08x)",
			common.ErrCorruption, stored, got)
	}

	if CompressionType(ct) > ZstdCompression {
		return nil, fmt.Errorf("%w: unknown block compression %d", common.ErrCorruption, ct)
	}
	compressor := NewCompressor(CompressionType(ct))
	rawLen, err := compressor.DecompressedLen(payload)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, rawLen)
	if err := compressor.Decompress(raw, payload); err != nil {
		return nil, err
	}
	return raw, nil
}
