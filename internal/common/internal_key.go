package common

import "encoding/binary"

// KeyKind enumerates the kind of an entry: a deletion tombstone or a set
// value.
type KeyKind byte

const (
	KeyKindDelete KeyKind = iota
	KeyKindSet
)

// SeqNum is a sequence number defining precedence among identical user keys.
// An entry with a higher sequence number takes precedence over an entry with
// an equal user key and a lower sequence number.
type SeqNum uint64

// MaxSeqNum is the largest sequence number representable in a trailer.
const MaxSeqNum SeqNum = (1 << 56) - 1

// InternalKeyTrailer encodes [SeqNum (7 bytes) | KeyKind (1 byte)].
type InternalKeyTrailer uint64

const InternalKeyTrailerLen = 8

// InternalKey composes the user supplied key with a trailer. Due to the LSM
// structure, keys are never updated in place but overwritten with new
// versions, so several internal keys may share the same user key.
//
//	+-------------+------------+----------+
//	| UserKey (N) | SeqNum (7) | Kind (1) |
//	+-------------+------------+----------+
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

func MakeTrailer(num SeqNum, kind KeyKind) InternalKeyTrailer {
	return InternalKeyTrailer((uint64(num) << 8) | uint64(kind))
}

func MakeInternalKey(userKey []byte, num SeqNum, kind KeyKind) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Trailer: MakeTrailer(num, kind),
	}
}

// MakeSearchKey returns the internal key that sorts before every real entry
// for the given user key. Seeking to it lands on the newest visible version.
func MakeSearchKey(userKey []byte) InternalKey {
	return MakeInternalKey(userKey, MaxSeqNum, KeyKind(0xff))
}

func (k InternalKey) SeqNum() SeqNum {
	return SeqNum(k.Trailer >> 8)
}

func (k InternalKey) Kind() KeyKind {
	return KeyKind(k.Trailer & 0xff)
}

func (k InternalKey) Size() int {
	return len(k.UserKey) + InternalKeyTrailerLen
}

// SerializeTo serialises the internal key into the given buffer. The caller
// must ensure buf holds at least k.Size() bytes.
func (k InternalKey) SerializeTo(buf []byte) {
	i := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[i:], uint64(k.Trailer))
}

func (k InternalKey) Serialize() []byte {
	buf := make([]byte, k.Size())
	k.SerializeTo(buf)
	return buf
}

// DeserializeKey decodes an internal key serialised by SerializeTo. The
// returned UserKey aliases the input slice.
func DeserializeKey(key []byte) (InternalKey, bool) {
	n := len(key) - InternalKeyTrailerLen
	if n < 0 {
		return InternalKey{}, false
	}
	return InternalKey{
		UserKey: key[:n:n],
		Trailer: InternalKeyTrailer(binary.LittleEndian.Uint64(key[n:])),
	}, true
}
