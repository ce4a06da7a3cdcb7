package sstable

import (
	"sort"

	"github.com/ib823/vaya-sub002/internal/block"
	"github.com/ib823/vaya-sub002/internal/common"
)

// Iter is a forward-only iterator over one table, lazily loading data blocks
// as the cursor crosses block boundaries.
type Iter struct {
	r        *Reader
	blockIdx int
	bi       *block.Iter
	err      error
}

func (sr *Reader) NewIter() *Iter {
	return &Iter{r: sr, blockIdx: -1}
}

func (it *Iter) loadBlock(idx int) bool {
	if idx >= len(it.r.indexHandles) {
		it.blockIdx = len(it.r.indexHandles)
		it.bi = nil
		return false
	}
	raw, err := it.r.readBlockAt(it.r.indexHandles[idx], true)
	if err != nil {
		it.err = err
		return false
	}
	bi, err := block.NewIter(it.r.cmp, raw)
	if err != nil {
		it.err = err
		return false
	}
	it.blockIdx = idx
	it.bi = bi
	return true
}

func (it *Iter) First() bool {
	if !it.loadBlock(0) {
		return false
	}
	if it.bi.First() {
		return true
	}
	return it.nextBlock()
}

func (it *Iter) SeekGE(encodedKey []byte) bool {
	idx := sort.Search(len(it.r.indexKeys), func(i int) bool {
		return it.r.cmp.Compare(it.r.indexKeys[i], encodedKey) >= 0
	})
	if !it.loadBlock(idx) {
		return false
	}
	if it.bi.SeekGE(encodedKey) {
		return true
	}
	return it.nextBlock()
}

func (it *Iter) nextBlock() bool {
	for it.err == nil {
		if !it.loadBlock(it.blockIdx + 1) {
			return false
		}
		if it.bi.First() {
			return true
		}
	}
	return false
}

func (it *Iter) Next() bool {
	if it.err != nil || it.bi == nil {
		return false
	}
	if it.bi.Next() {
		return true
	}
	if err := it.bi.Error(); err != nil {
		it.err = err
		return false
	}
	return it.nextBlock()
}

func (it *Iter) Valid() bool {
	return it.err == nil && it.bi != nil && it.bi.Valid()
}

func (it *Iter) Key() common.InternalKey { return it.bi.Key() }
func (it *Iter) Value() []byte           { return it.bi.Value() }

func (it *Iter) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.bi != nil {
		return it.bi.Error()
	}
	return nil
}
