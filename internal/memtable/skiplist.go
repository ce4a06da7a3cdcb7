package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/ib823/vaya-sub002/internal/common"
)

const (
	maxHeight = 12
	branching = 4
)

type node struct {
	key   []byte // serialised internal key
	value []byte
	next  []atomic.Pointer[node]
}

func (n *node) loadNext(level int) *node { return n.next[level].Load() }

// skipList holds serialised internal keys ordered by the engine comparer.
// Keys are unique because every insert carries a fresh sequence number, so
// there is no in-place update path.
//
// Inserts must come from a single writer at a time (the engine serialises
// the write path); readers may walk the list concurrently with that writer
// because links are published atomically and never unlinked.
type skipList struct {
	cmp    common.IComparer
	head   *node
	height atomic.Int32
	rnd    *rand.Rand
	count  atomic.Int64
}

func newSkipList(cmp common.IComparer, seed int64) *skipList {
	l := &skipList{
		cmp:  cmp,
		head: &node{next: make([]atomic.Pointer[node], maxHeight)},
		rnd:  rand.New(rand.NewSource(seed)),
	}
	l.height.Store(1)
	return l
}

func (l *skipList) randomHeight() int {
	h := 1
	for h < maxHeight && l.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node with key >= target, filling prev
// with the rightmost node before the boundary at each level when prev is
// non-nil.
func (l *skipList) findGreaterOrEqual(target []byte, prev []*node) *node {
	x := l.head
	level := int(l.height.Load()) - 1
	for {
		next := x.loadNext(level)
		if next != nil && l.cmp.Compare(next.key, target) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

func (l *skipList) insert(key, value []byte) {
	prev := make([]*node, maxHeight)
	l.findGreaterOrEqual(key, prev)

	h := l.randomHeight()
	if h > int(l.height.Load()) {
		for i := int(l.height.Load()); i < h; i++ {
			prev[i] = l.head
		}
		l.height.Store(int32(h))
	}

	n := &node{key: key, value: value, next: make([]atomic.Pointer[node], h)}
	for i := 0; i < h; i++ {
		n.next[i].Store(prev[i].loadNext(i))
	}
	// Publish bottom-up so a concurrent reader always finds the node
	// reachable at level 0 first.
	for i := 0; i < h; i++ {
		prev[i].next[i].Store(n)
	}
	l.count.Add(1)
}

func (l *skipList) first() *node { return l.head.loadNext(0) }

func (l *skipList) len() int { return int(l.count.Load()) }
