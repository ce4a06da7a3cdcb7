package vayadb

import (
	"github.com/ib823/vaya-sub002/internal/common"
)

// internalIter is the contract shared by memtable and table iterators so the
// merging iterator can treat every source uniformly.
type internalIter interface {
	First() bool
	SeekGE(encodedKey []byte) bool
	Next() bool
	Valid() bool
	Key() common.InternalKey
	Value() []byte
	Error() error
}

// mergingIter merges several sorted sources into one stream ordered by
// internal key (user key ascending, then sequence number descending). It is a
// small binary heap over the source indices.
type mergingIter struct {
	cmp   common.IComparer
	iters []internalIter
	heap  []int
	err   error
}

func newMergingIter(cmp common.IComparer, iters ...internalIter) *mergingIter {
	return &mergingIter{cmp: cmp, iters: iters}
}

func (m *mergingIter) less(i, j int) bool {
	a := m.iters[m.heap[i]].Key()
	b := m.iters[m.heap[j]].Key()
	if c := m.cmp.CompareUserKeys(a.UserKey, b.UserKey); c != 0 {
		return c < 0
	}
	if a.Trailer != b.Trailer {
		// Larger trailer means newer entry; it sorts first.
		return a.Trailer > b.Trailer
	}
	return m.heap[i] < m.heap[j]
}

func (m *mergingIter) down(i int) {
	for {
		left := 2*i + 1
		if left >= len(m.heap) {
			return
		}
		smallest := left
		if right := left + 1; right < len(m.heap) && m.less(right, left) {
			smallest = right
		}
		if !m.less(smallest, i) {
			return
		}
		m.heap[i], m.heap[smallest] = m.heap[smallest], m.heap[i]
		i = smallest
	}
}

func (m *mergingIter) initHeap() bool {
	m.heap = m.heap[:0]
	for i, it := range m.iters {
		if it.Valid() {
			m.heap = append(m.heap, i)
			continue
		}
		if err := it.Error(); err != nil {
			m.err = err
			return false
		}
	}
	for i := len(m.heap)/2 - 1; i >= 0; i-- {
		m.down(i)
	}
	return len(m.heap) > 0
}

func (m *mergingIter) First() bool {
	if m.err != nil {
		return false
	}
	for _, it := range m.iters {
		it.First()
	}
	return m.initHeap()
}

func (m *mergingIter) SeekGE(encodedKey []byte) bool {
	if m.err != nil {
		return false
	}
	for _, it := range m.iters {
		it.SeekGE(encodedKey)
	}
	return m.initHeap()
}

func (m *mergingIter) Next() bool {
	if !m.Valid() {
		return false
	}
	top := m.heap[0]
	if m.iters[top].Next() {
		m.down(0)
		return true
	}
	if err := m.iters[top].Error(); err != nil {
		m.err = err
		return false
	}
	last := len(m.heap) - 1
	m.heap[0] = m.heap[last]
	m.heap = m.heap[:last]
	if len(m.heap) > 0 {
		m.down(0)
	}
	return len(m.heap) > 0
}

func (m *mergingIter) Valid() bool {
	return m.err == nil && len(m.heap) > 0
}

func (m *mergingIter) Key() common.InternalKey {
	return m.iters[m.heap[0]].Key()
}

func (m *mergingIter) Value() []byte {
	return m.iters[m.heap[0]].Value()
}

func (m *mergingIter) Error() error { return m.err }

// Iterator walks user keys in ascending order over a consistent view of the
// store. It surfaces only the newest visible version of each key and hides
// tombstones. The end bound is exclusive.
type Iterator struct {
	merged   *mergingIter
	cmp      common.IComparer
	snapshot common.SeqNum
	end      []byte

	key   []byte
	value []byte
	skip  []byte
	valid bool
	err   error

	closed  bool
	release func()
}

func newIterator(merged *mergingIter, cmp common.IComparer, snapshot common.SeqNum, start, end []byte, release func()) *Iterator {
	it := &Iterator{
		merged:   merged,
		cmp:      cmp,
		snapshot: snapshot,
		end:      end,
		release:  release,
	}
	if start == nil {
		merged.First()
	} else {
		merged.SeekGE(common.MakeSearchKey(start).Serialize())
	}
	it.findNext(nil)
	return it
}

// findNext advances the merged stream to the next visible user key, skipping
// versions newer than the snapshot, older duplicate versions and tombstoned
// keys.
func (it *Iterator) findNext(skipUserKey []byte) {
	for it.merged.Valid() {
		k := it.merged.Key()
		if k.SeqNum() > it.snapshot {
			it.merged.Next()
			continue
		}
		if skipUserKey != nil && it.cmp.CompareUserKeys(k.UserKey, skipUserKey) == 0 {
			it.merged.Next()
			continue
		}
		if it.end != nil && it.cmp.CompareUserKeys(k.UserKey, it.end) >= 0 {
			break
		}
		if k.Kind() == common.KeyKindDelete {
			// Everything older for this user key is shadowed too.
			it.skip = append(it.skip[:0], k.UserKey...)
			skipUserKey = it.skip
			it.merged.Next()
			continue
		}
		it.key = append(it.key[:0], k.UserKey...)
		it.value = append(it.value[:0], it.merged.Value()...)
		it.valid = true
		return
	}
	it.valid = false
	it.err = it.merged.Error()
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool { return it.valid && !it.closed }

// Next advances to the next visible user key.
func (it *Iterator) Next() bool {
	if !it.Valid() {
		return false
	}
	it.skip = append(it.skip[:0], it.key...)
	it.merged.Next()
	it.findNext(it.skip)
	return it.valid
}

// Key returns the current user key. The slice is only valid until the next
// call to Next.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. The slice is only valid until the next
// call to Next.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the first I/O or corruption error hit during iteration.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator. It must be called before the engine is closed.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	if it.release != nil {
		it.release()
	}
	return it.err
}
