package block

import (
	"encoding/binary"
	"fmt"

	"github.com/DataDog/zstd"
	"github.com/golang/snappy"

	"github.com/ib823/vaya-sub002/internal/common"
)

// CompressionType is the per-block compression algorithm.
type CompressionType byte

const (
	NoCompression CompressionType = iota
	SnappyCompression
	ZstdCompression
)

const zstdLevel = 3

type ICompression interface {
	GetType() CompressionType
	// Compress a block, appending the compressed data to dst[:0].
	Compress(dst, src []byte) ([]byte, error)
	// Decompress decompresses compressed into buf. The buf slice must have
	// the exact size of the decompressed payload; callers use
	// DecompressedLen to size it.
	Decompress(buf, compressed []byte) error
	// DecompressedLen returns the length of the provided block once
	// decompressed.
	DecompressedLen(b []byte) (int, error)
}

func NewCompressor(ct CompressionType) ICompression {
	switch ct {
	case NoCompression:
		return &noopCompressor{}
	case SnappyCompression:
		return &snappyCompressor{}
	case ZstdCompression:
		return &zstdCompressor{}
	default:
		panic("unknown compression type")
	}
}

type noopCompressor struct{}

func (n *noopCompressor) GetType() CompressionType { return NoCompression }

func (n *noopCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (n *noopCompressor) Decompress(buf, compressed []byte) error {
	if len(buf) != len(compressed) {
		return fmt.Errorf("%w: raw block length mismatch", common.ErrCorruption)
	}
	copy(buf, compressed)
	return nil
}

func (n *noopCompressor) DecompressedLen(b []byte) (int, error) {
	return len(b), nil
}

type snappyCompressor struct{}

func (s *snappyCompressor) GetType() CompressionType { return SnappyCompression }

func (s *snappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	dst = dst[:cap(dst):cap(dst)]
	return snappy.Encode(dst, src), nil
}

func (s *snappyCompressor) Decompress(buf, compressed []byte) error {
	res, err := snappy.Decode(buf, compressed)
	if err != nil {
		return fmt.Errorf("%w: snappy: %v", common.ErrCorruption, err)
	}
	if len(res) != len(buf) || (len(res) > 0 && &res[0] != &buf[0]) {
		return fmt.Errorf("%w: snappy: decompressed data mismatch", common.ErrCorruption)
	}
	return nil
}

func (s *snappyCompressor) DecompressedLen(b []byte) (int, error) {
	n, err := snappy.DecodedLen(b)
	if err != nil {
		return 0, fmt.Errorf("%w: snappy: %v", common.ErrCorruption, err)
	}
	return n, nil
}

// zstdCompressor prefixes the compressed payload with a uvarint encoding of
// the decompressed length, since zstd frames do not carry it reliably.
type zstdCompressor struct{}

func (z *zstdCompressor) GetType() CompressionType { return ZstdCompression }

func (z *zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	dst = dst[:0]
	var varBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varBuf[:], uint64(len(src)))
	dst = append(dst, varBuf[:n]...)

	compressed, err := zstd.CompressLevel(nil, src, zstdLevel)
	if err != nil {
		return nil, err
	}
	return append(dst, compressed...), nil
}

func (z *zstdCompressor) Decompress(buf, compressed []byte) error {
	_, prefixLen := binary.Uvarint(compressed)
	if prefixLen <= 0 {
		return fmt.Errorf("%w: zstd: bad length prefix", common.ErrCorruption)
	}
	res, err := zstd.Decompress(buf, compressed[prefixLen:])
	if err != nil {
		return fmt.Errorf("%w: zstd: %v", common.ErrCorruption, err)
	}
	if len(res) != len(buf) {
		return fmt.Errorf("%w: zstd: decompressed length mismatch", common.ErrCorruption)
	}
	copy(buf, res)
	return nil
}

func (z *zstdCompressor) DecompressedLen(b []byte) (int, error) {
	decodedLen, prefixLen := binary.Uvarint(b)
	if prefixLen <= 0 {
		return 0, fmt.Errorf("%w: zstd: bad length prefix", common.ErrCorruption)
	}
	return int(decodedLen), nil
}

var (
	_ ICompression = (*noopCompressor)(nil)
	_ ICompression = (*snappyCompressor)(nil)
	_ ICompression = (*zstdCompressor)(nil)
)
