package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalKey_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
		seq  SeqNum
		kind KeyKind
	}{
		{
			name: "set entry",
			key:  []byte("alpha"),
			seq:  1,
			kind: KeyKindSet,
		},
		{
			name: "tombstone",
			key:  []byte("beta"),
			seq:  42,
			kind: KeyKindDelete,
		},
		{
			name: "empty user key",
			key:  nil,
			seq:  7,
			kind: KeyKindSet,
		},
		{
			name: "max sequence number",
			key:  []byte("gamma"),
			seq:  MaxSeqNum,
			kind: KeyKindSet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ik := MakeInternalKey(tt.key, tt.seq, tt.kind)
			assert.Equal(t, tt.seq, ik.SeqNum())
			assert.Equal(t, tt.kind, ik.Kind())

			decoded, ok := DeserializeKey(ik.Serialize())
			require.True(t, ok)
			assert.Equal(t, tt.key, decoded.UserKey)
			assert.Equal(t, tt.seq, decoded.SeqNum())
			assert.Equal(t, tt.kind, decoded.Kind())
		})
	}
}

func TestDeserializeKey_TooShort(t *testing.T) {
	_, ok := DeserializeKey([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestMakeSearchKey_SortsBeforeAllVersions(t *testing.T) {
	cmp := NewComparer()
	search := MakeSearchKey([]byte("key")).Serialize()

	newest := MakeInternalKey([]byte("key"), MaxSeqNum, KeyKindSet).Serialize()
	oldest := MakeInternalKey([]byte("key"), 1, KeyKindSet).Serialize()

	assert.LessOrEqual(t, cmp.Compare(search, newest), 0)
	assert.Less(t, cmp.Compare(search, oldest), 0)
}

func TestComparer_Ordering(t *testing.T) {
	cmp := NewComparer()

	tests := []struct {
		name string
		a, b InternalKey
		want int
	}{
		{
			name: "user keys ascending",
			a:    MakeInternalKey([]byte("a"), 5, KeyKindSet),
			b:    MakeInternalKey([]byte("b"), 5, KeyKindSet),
			want: -1,
		},
		{
			name: "same user key newer first",
			a:    MakeInternalKey([]byte("a"), 9, KeyKindSet),
			b:    MakeInternalKey([]byte("a"), 3, KeyKindSet),
			want: -1,
		},
		{
			name: "identical",
			a:    MakeInternalKey([]byte("a"), 5, KeyKindSet),
			b:    MakeInternalKey([]byte("a"), 5, KeyKindSet),
			want: 0,
		},
		{
			name: "tombstone sorts before older set of same key",
			a:    MakeInternalKey([]byte("a"), 8, KeyKindDelete),
			b:    MakeInternalKey([]byte("a"), 7, KeyKindSet),
			want: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cmp.Compare(tt.a.Serialize(), tt.b.Serialize())
			switch tt.want {
			case 0:
				assert.Zero(t, got)
			case -1:
				assert.Negative(t, got)
			default:
				assert.Positive(t, got)
			}
		})
	}
}

func TestFileHeader_RoundTrip(t *testing.T) {
	header := EncodeFileHeader()
	require.Len(t, header, FileHeaderLen)
	assert.NoError(t, VerifyFileHeader(header))
}

func TestFileHeader_BadMagic(t *testing.T) {
	header := EncodeFileHeader()
	header[0] ^= 0xff
	assert.ErrorIs(t, VerifyFileHeader(header), ErrCorruption)
}

func TestFileHeader_VersionMismatch(t *testing.T) {
	header := EncodeFileHeader()
	header[4] = 99

	err := VerifyFileHeader(header)
	var vErr *VersionMismatchError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, uint32(FormatVersion), vErr.Expected)
	assert.Equal(t, uint32(99), vErr.Found)
}
