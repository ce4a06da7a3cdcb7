package block

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ib823/vaya-sub002/internal/common"
)

// Iter iterates over the entries of one decoded block. Entry offsets are
// collected up front so SeekGE can binary search.
type Iter struct {
	cmp     common.IComparer
	data    []byte
	offsets []int
	idx     int
	err     error

	key   common.InternalKey
	value []byte
}

func NewIter(cmp common.IComparer, data []byte) (*Iter, error) {
	it := &Iter{cmp: cmp, data: data, idx: -1}
	for off := 0; off < len(data); {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated block entry header", common.ErrCorruption)
		}
		klen := int(binary.LittleEndian.Uint32(data[off:]))
		if off+4+klen+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated block entry key", common.ErrCorruption)
		}
		vlen := int(binary.LittleEndian.Uint32(data[off+4+klen:]))
		next := off + 4 + klen + 4 + vlen
		if next > len(data) {
			return nil, fmt.Errorf("%w: truncated block entry value", common.ErrCorruption)
		}
		it.offsets = append(it.offsets, off)
		off = next
	}
	return it, nil
}

func (it *Iter) entryAt(i int) (encodedKey, value []byte) {
	off := it.offsets[i]
	klen := int(binary.LittleEndian.Uint32(it.data[off:]))
	encodedKey = it.data[off+4 : off+4+klen]
	vlen := int(binary.LittleEndian.Uint32(it.data[off+4+klen:]))
	value = it.data[off+4+klen+4 : off+4+klen+4+vlen]
	return encodedKey, value
}

func (it *Iter) settle() bool {
	if it.idx < 0 || it.idx >= len(it.offsets) {
		return false
	}
	encodedKey, value := it.entryAt(it.idx)
	key, ok := common.DeserializeKey(encodedKey)
	if !ok {
		it.err = fmt.Errorf("%w: malformed internal key in block", common.ErrCorruption)
		return false
	}
	it.key = key
	it.value = value
	return true
}

func (it *Iter) First() bool {
	it.idx = 0
	return it.settle()
}

// SeekGE positions the iterator at the first entry whose internal key is >=
// the given serialised key.
func (it *Iter) SeekGE(encodedKey []byte) bool {
	it.idx = sort.Search(len(it.offsets), func(i int) bool {
		k, _ := it.entryAt(i)
		return it.cmp.Compare(k, encodedKey) >= 0
	})
	return it.settle()
}

func (it *Iter) Next() bool {
	it.idx++
	return it.settle()
}

func (it *Iter) Valid() bool {
	return it.err == nil && it.idx >= 0 && it.idx < len(it.offsets)
}

func (it *Iter) Key() common.InternalKey { return it.key }
func (it *Iter) Value() []byte           { return it.value }
func (it *Iter) Error() error            { return it.err }
