// Package memtable buffers recent writes in an ordered in-memory structure
// until they are flushed into a level-0 table.
package memtable

import (
	"sync/atomic"
	"time"

	"github.com/ib823/vaya-sub002/internal/common"
)

// entryOverhead approximates the per-entry bookkeeping cost counted towards
// the flush threshold.
const entryOverhead = 32

// MemTable is an ordered map keyed by (user key asc, seqnum desc). Writers
// are serialised by the engine; readers and iterators never block them.
type MemTable struct {
	list *skipList
	cmp  common.IComparer
	size atomic.Int64
}

func New(cmp common.IComparer) *MemTable {
	return &MemTable{
		list: newSkipList(cmp, time.Now().UnixNano()),
		cmp:  cmp,
	}
}

// Set records one mutation. A tombstone is a KeyKindDelete entry with an
// empty value. Must only be called from the serialised write path.
func (m *MemTable) Set(seq common.SeqNum, kind common.KeyKind, userKey, value []byte) {
	ikey := common.MakeInternalKey(userKey, seq, kind)
	encoded := ikey.Serialize()
	val := append([]byte(nil), value...)

	m.list.insert(encoded, val)
	m.size.Add(int64(len(encoded) + len(val) + entryOverhead))
}

// Get returns the newest entry for userKey, tombstones included. ok is false
// when the memtable holds no version of the key at all.
func (m *MemTable) Get(userKey []byte) (value []byte, kind common.KeyKind, ok bool) {
	search := common.MakeSearchKey(userKey).Serialize()
	n := m.list.findGreaterOrEqual(search, nil)
	if n == nil {
		return nil, 0, false
	}
	ikey, valid := common.DeserializeKey(n.key)
	if !valid || m.cmp.CompareUserKeys(ikey.UserKey, userKey) != 0 {
		return nil, 0, false
	}
	return n.value, ikey.Kind(), true
}

// ApproxSize returns the approximate byte footprint used against the flush
// threshold.
func (m *MemTable) ApproxSize() int64 { return m.size.Load() }

func (m *MemTable) Empty() bool { return m.list.len() == 0 }

func (m *MemTable) Len() int { return m.list.len() }

// Iter returns an iterator over the table in internal key order. Entries
// inserted after the iterator passes their position are not observed, which
// is fine for both flush (table already immutable) and scans (those entries
// carry newer sequence numbers than the scan).
func (m *MemTable) Iter() *Iter {
	return &Iter{list: m.list}
}

// Iter walks a memtable in internal key order.
type Iter struct {
	list *skipList
	n    *node
}

func (it *Iter) First() bool {
	it.n = it.list.first()
	return it.n != nil
}

func (it *Iter) SeekGE(encodedKey []byte) bool {
	it.n = it.list.findGreaterOrEqual(encodedKey, nil)
	return it.n != nil
}

func (it *Iter) Next() bool {
	if it.n == nil {
		return false
	}
	it.n = it.n.loadNext(0)
	return it.n != nil
}

func (it *Iter) Valid() bool { return it.n != nil }

func (it *Iter) Key() common.InternalKey {
	k, _ := common.DeserializeKey(it.n.key)
	return k
}

func (it *Iter) Value() []byte { return it.n.value }

// Error exists to satisfy the merged-iterator contract; memtable iteration
// cannot fail.
func (it *Iter) Error() error { return nil }
