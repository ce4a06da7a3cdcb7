package wal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/storage"
)

func writeSegment(t *testing.T, st storage.Storage, name string, recs []Record) {
	t.Helper()
	f, err := st.Create(name)
	require.NoError(t, err)
	w, err := NewWriter(f, false)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())
}

func readSegment(t *testing.T, st storage.Storage, name string) []byte {
	t.Helper()
	r, err := st.Open(name)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	buf := make([]byte, r.Size())
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	return buf
}

func replayAll(t *testing.T, st storage.Storage, name string) ([]Record, error) {
	t.Helper()
	r, err := st.Open(name)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	var got []Record
	err = Replay(r, func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	return got, err
}

func testRecords(n int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{
			Seq:   common.SeqNum(i + 1),
			Kind:  common.KeyKindSet,
			Key:   []byte(fmt.Sprintf("key-%03d", i)),
			Value: []byte(fmt.Sprintf("value-%03d", i)),
		}
	}
	return recs
}

func TestReplay_RoundTrip(t *testing.T) {
	st := storage.NewInmemStorage()
	recs := testRecords(10)
	recs[3].Kind = common.KeyKindDelete
	recs[3].Value = nil
	writeSegment(t, st, "000001.wal", recs)

	got, err := replayAll(t, st, "000001.wal")
	require.NoError(t, err)
	require.Len(t, got, len(recs))
	for i, rec := range recs {
		assert.Equal(t, rec.Seq, got[i].Seq)
		assert.Equal(t, rec.Kind, got[i].Kind)
		assert.Equal(t, rec.Key, got[i].Key)
		assert.Equal(t, rec.Value, got[i].Value)
	}
}

func TestReplay_EmptySegment(t *testing.T) {
	st := storage.NewInmemStorage()
	writeSegment(t, st, "000001.wal", nil)

	got, err := replayAll(t, st, "000001.wal")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplay_TornTail(t *testing.T) {
	st := storage.NewInmemStorage()
	recs := testRecords(5)
	writeSegment(t, st, "000001.wal", recs)
	buf := readSegment(t, st, "000001.wal")

	tests := []struct {
		name string
		cut  int
		want int
	}{
		{
			name: "last record torn mid-payload",
			cut:  10,
			want: 4,
		},
		{
			name: "last record torn mid-header",
			cut:  recs[4].EncodedSize() - 3,
			want: 4,
		},
		{
			name: "torn inside the file header",
			cut:  len(buf) - 3,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := st.Create("torn.wal")
			require.NoError(t, err)
			_, err = f.Write(buf[:len(buf)-tt.cut])
			require.NoError(t, err)
			require.NoError(t, f.Close())

			got, err := replayAll(t, st, "torn.wal")
			require.NoError(t, err, "a torn tail is the normal shape of a crash")
			assert.Len(t, got, tt.want)
		})
	}
}

func TestReplay_CorruptTailEndsCleanly(t *testing.T) {
	st := storage.NewInmemStorage()
	recs := testRecords(3)
	writeSegment(t, st, "000001.wal", recs)
	buf := readSegment(t, st, "000001.wal")

	// Flip a payload byte of the final record; nothing valid follows it.
	buf[len(buf)-1] ^= 0xff
	f, err := st.Create("corrupt.wal")
	require.NoError(t, err)
	_, err = f.Write(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := replayAll(t, st, "corrupt.wal")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReplay_CorruptionBeforeValidRecord(t *testing.T) {
	st := storage.NewInmemStorage()
	recs := testRecords(3)
	writeSegment(t, st, "000001.wal", recs)
	buf := readSegment(t, st, "000001.wal")

	// Damage the middle record. The final record is intact, so this is real
	// corruption, not a crash tail.
	off := common.FileHeaderLen + recs[0].EncodedSize() + recordHeaderLen + 2
	buf[off] ^= 0xff
	f, err := st.Create("corrupt.wal")
	require.NoError(t, err)
	_, err = f.Write(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = replayAll(t, st, "corrupt.wal")
	assert.ErrorIs(t, err, ErrCorruptedLog)
}

func TestReplay_BadHeader(t *testing.T) {
	st := storage.NewInmemStorage()
	f, err := st.Create("bad.wal")
	require.NoError(t, err)
	_, err = f.Write([]byte("XXXXYYYYZZZZ"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = replayAll(t, st, "bad.wal")
	assert.ErrorIs(t, err, common.ErrCorruption)
}

func TestWriter_SizeTracksAppends(t *testing.T) {
	st := storage.NewInmemStorage()
	f, err := st.Create("000001.wal")
	require.NoError(t, err)
	w, err := NewWriter(f, false)
	require.NoError(t, err)

	assert.Equal(t, int64(common.FileHeaderLen), w.Size())
	rec := Record{Seq: 1, Kind: common.KeyKindSet, Key: []byte("k"), Value: []byte("v")}
	require.NoError(t, w.Append(rec))
	assert.Equal(t, int64(common.FileHeaderLen+rec.EncodedSize()), w.Size())
	require.NoError(t, w.Close())
}
