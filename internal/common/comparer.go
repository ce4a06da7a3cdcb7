package common

import "bytes"

// IComparer defines a total order over serialised internal keys.
type IComparer interface {
	// Compare orders two serialised internal keys: ascending by user key,
	// then descending by trailer, so the newest version of a user key
	// sorts first.
	Compare(a, b []byte) int
	// CompareUserKeys orders two raw user keys lexicographically.
	CompareUserKeys(a, b []byte) int
}

type bytewiseComparer struct{}

func NewComparer() IComparer {
	return bytewiseComparer{}
}

func (bytewiseComparer) Compare(a, b []byte) int {
	ak, aok := DeserializeKey(a)
	bk, bok := DeserializeKey(b)
	if !aok || !bok {
		// Malformed keys sort by raw bytes so the order stays total.
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(ak.UserKey, bk.UserKey); c != 0 {
		return c
	}
	switch {
	case ak.Trailer > bk.Trailer:
		return -1
	case ak.Trailer < bk.Trailer:
		return 1
	default:
		return 0
	}
}

func (bytewiseComparer) CompareUserKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

var _ IComparer = bytewiseComparer{}
