package sstable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/ib823/vaya-sub002/internal/common"
)

// BlockCache caches decoded data blocks across all open tables. Tables are
// immutable, so entries never need invalidation; superseded tables simply
// stop being read and age out.
type BlockCache struct {
	c *ristretto.Cache[uint64, []byte]
}

func NewBlockCache(maxBytes int64) (*BlockCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: maxBytes / 512,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &BlockCache{c: c}, nil
}

func cacheKey(fileNum common.FileNum, offset uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(fileNum))
	binary.LittleEndian.PutUint64(buf[8:], offset)
	return xxhash.Sum64(buf[:])
}

func (bc *BlockCache) get(fileNum common.FileNum, offset uint64) ([]byte, bool) {
	if bc == nil {
		return nil, false
	}
	return bc.c.Get(cacheKey(fileNum, offset))
}

func (bc *BlockCache) set(fileNum common.FileNum, offset uint64, data []byte) {
	if bc == nil {
		return
	}
	bc.c.Set(cacheKey(fileNum, offset), data, int64(len(data)))
}

func (bc *BlockCache) Close() {
	if bc != nil {
		bc.c.Close()
	}
}
