package block

import (
	"encoding/binary"

	"github.com/ib823/vaya-sub002/internal/common"
)

const entryOverhead = 8 // two uint32 length prefixes

// Builder accumulates sorted entries into one uncompressed block.
//
// Entry layout, repeated back to back:
//
//	+--------------+------------------+----------------+-----------+
//	| KeyLen (4)   | InternalKey (var)| ValueLen (4)   | Value     |
//	+--------------+------------------+----------------+-----------+
type Builder struct {
	buf     []byte
	count   int
	lastKey common.InternalKey
}

func NewBuilder(capacity int) *Builder {
	return &Builder{buf: make([]byte, 0, capacity)}
}

func (b *Builder) Add(key common.InternalKey, value []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(key.Size()))
	b.buf = append(b.buf, lenBuf[:]...)
	n := len(b.buf)
	b.buf = append(b.buf, make([]byte, key.Size())...)
	key.SerializeTo(b.buf[n:])
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(value)))
	b.buf = append(b.buf, lenBuf[:]...)
	b.buf = append(b.buf, value...)

	b.count++
	b.lastKey = common.InternalKey{
		UserKey: append([]byte(nil), key.UserKey...),
		Trailer: key.Trailer,
	}
}

// EstimatedSize returns the block size after adding an entry of the given
// dimensions.
func (b *Builder) EstimatedSize(key common.InternalKey, valueLen int) int {
	return len(b.buf) + entryOverhead + key.Size() + valueLen
}

func (b *Builder) Size() int { return len(b.buf) }

func (b *Builder) EntryCount() int { return b.count }

// LastKey returns the most recently added key. Only valid when
// EntryCount() > 0.
func (b *Builder) LastKey() common.InternalKey { return b.lastKey }

// Finish returns the raw block contents. The returned slice is invalidated
// by Reset.
func (b *Builder) Finish() []byte { return b.buf }

func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.count = 0
	b.lastKey = common.InternalKey{}
}
