package vayadb

import (
	"fmt"

	"github.com/ib823/vaya-sub002/internal/block"
)

// Compression selects the per-block compression algorithm.
type Compression = block.CompressionType

const (
	NoCompression     Compression = block.NoCompression
	SnappyCompression Compression = block.SnappyCompression
	ZstdCompression   Compression = block.ZstdCompression
)

type OptionFn func(*options)

type options struct {
	// memtableSize is the threshold in bytes at which the active memtable
	// is swapped out and queued for flush.
	memtableSize int64

	// l0CompactionThreshold is the level-0 table count at which compaction
	// into level 1 is triggered.
	l0CompactionThreshold int

	// levelSizeMultiplier bounds each level at this multiple of the size
	// of the level above it.
	levelSizeMultiplier int

	// maxLevels is the number of levels in the tree.
	maxLevels int

	// blockSize is the target uncompressed size of one table block.
	blockSize int

	// compression is applied per block; its effect on size is visible in
	// the manifest's recorded file sizes.
	compression Compression

	// walEnabled turns the write-ahead log off entirely. Without it,
	// writes since the last flush are lost on crash.
	walEnabled bool

	// walSync forces an fsync on every append. Required for single-write
	// durability; slower. When false, durability is only guaranteed up to
	// the last explicit Sync or memtable flush.
	walSync bool

	// maxValueSize bounds a single value; larger Puts are rejected before
	// any I/O.
	maxValueSize int

	// bloomFPRate is the table filter's target false positive rate.
	bloomFPRate float64

	// blockCacheSize bounds the decoded-block cache in bytes.
	blockCacheSize int64

	// targetFileSize caps one compaction output table.
	targetFileSize int64

	// compactionRateLimit throttles compaction writes, in bytes per
	// second. Zero means unlimited.
	compactionRateLimit float64
}

var defaultOptions = options{
	memtableSize:          64 << 20,
	l0CompactionThreshold: 4,
	levelSizeMultiplier:   10,
	maxLevels:             7,
	blockSize:             4096, // match OS page size
	compression:           SnappyCompression,
	walEnabled:            true,
	walSync:               false,
	maxValueSize:          10 << 20,
	bloomFPRate:           0.01,
	blockCacheSize:        32 << 20,
	targetFileSize:        2 << 20,
	compactionRateLimit:   0,
}

func WithMemtableSize(size int64) OptionFn {
	return func(o *options) { o.memtableSize = size }
}

func WithL0CompactionThreshold(count int) OptionFn {
	return func(o *options) { o.l0CompactionThreshold = count }
}

func WithLevelSizeMultiplier(multiplier int) OptionFn {
	return func(o *options) { o.levelSizeMultiplier = multiplier }
}

func WithMaxLevels(levels int) OptionFn {
	return func(o *options) { o.maxLevels = levels }
}

func WithBlockSize(size int) OptionFn {
	return func(o *options) { o.blockSize = size }
}

func WithCompression(c Compression) OptionFn {
	return func(o *options) { o.compression = c }
}

func WithWAL(enabled bool) OptionFn {
	return func(o *options) { o.walEnabled = enabled }
}

func WithWALSync(sync bool) OptionFn {
	return func(o *options) { o.walSync = sync }
}

func WithMaxValueSize(size int) OptionFn {
	return func(o *options) { o.maxValueSize = size }
}

func WithBloomFPRate(rate float64) OptionFn {
	return func(o *options) { o.bloomFPRate = rate }
}

func WithBlockCacheSize(size int64) OptionFn {
	return func(o *options) { o.blockCacheSize = size }
}

func WithTargetFileSize(size int64) OptionFn {
	return func(o *options) { o.targetFileSize = size }
}

func WithCompactionRateLimit(bytesPerSec float64) OptionFn {
	return func(o *options) { o.compactionRateLimit = bytesPerSec }
}

func (o *options) validate() error {
	if o.memtableSize < 1024 {
		return fmt.Errorf("%w: memtable size must be at least 1KiB", ErrInvalidConfig)
	}
	if o.blockSize < 512 {
		return fmt.Errorf("%w: block size must be at least 512 bytes", ErrInvalidConfig)
	}
	if o.maxLevels < 1 {
		return fmt.Errorf("%w: max levels must be at least 1", ErrInvalidConfig)
	}
	if o.bloomFPRate <= 0 || o.bloomFPRate >= 1 {
		return fmt.Errorf("%w: bloom false positive rate must be in (0, 1)", ErrInvalidConfig)
	}
	if o.l0CompactionThreshold < 1 {
		return fmt.Errorf("%w: level-0 compaction threshold must be at least 1", ErrInvalidConfig)
	}
	if o.levelSizeMultiplier < 2 {
		return fmt.Errorf("%w: level size multiplier must be at least 2", ErrInvalidConfig)
	}
	return nil
}
