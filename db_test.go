package vayadb

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ib823/vaya-sub002/internal/manifest"
	"github.com/ib823/vaya-sub002/internal/storage"
)

func openTestDB(t *testing.T, dir string, opts ...OptionFn) *DB {
	t.Helper()
	db, err := Open(dir, opts...)
	require.NoError(t, err)
	return db
}

// copyDir simulates a crash: the store's files at the moment of the copy are
// what a post-crash open would see.
func copyDir(t *testing.T, src string) string {
	t.Helper()
	dst := t.TempDir()
	err := filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if filepath.Base(rel) == "LOCK" {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dst, rel), data, 0o644)
	})
	require.NoError(t, err)
	return dst
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put([]byte("k"), []byte("v1")))
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Put([]byte("k"), []byte("v2")))
	v, err = db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, db.Delete([]byte("k")))
	_, err = db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key succeeds.
	require.NoError(t, db.Delete([]byte("never-existed")))
}

func TestGet_MissingKey(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	_, err := db.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyKeyRejected(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	assert.ErrorIs(t, db.Put(nil, []byte("v")), ErrEmptyKey)
	assert.ErrorIs(t, db.Delete(nil), ErrEmptyKey)
	_, err := db.Get(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestPut_ValueTooLargeLeavesNoTrace(t *testing.T) {
	db := openTestDB(t, t.TempDir(), WithMaxValueSize(8))
	defer func() { _ = db.Close() }()

	err := db.Put([]byte("big"), []byte("way more than eight bytes"))
	var tooLarge *ValueTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 8, tooLarge.Max)

	// The rejected write must not be visible in any form.
	_, err = db.Get([]byte("big"))
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := db.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.LastSeq, "no sequence number may be consumed")
}

func TestOpen_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []OptionFn
	}{
		{name: "memtable too small", opts: []OptionFn{WithMemtableSize(100)}},
		{name: "block too small", opts: []OptionFn{WithBlockSize(10)}},
		{name: "zero levels", opts: []OptionFn{WithMaxLevels(0)}},
		{name: "fp rate out of range", opts: []OptionFn{WithBloomFPRate(1.5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(t.TempDir(), tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestOpen_SecondInstanceLockedOut(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer func() { _ = db.Close() }()

	_, err := Open(dir)
	assert.Error(t, err, "a second open of the same directory must fail")
}

func TestClosedEngine(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Put([]byte("k"), []byte("v")), ErrClosed)
	assert.ErrorIs(t, db.Delete([]byte("k")), ErrClosed)
	_, err := db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Scan(nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Sync(), ErrClosed)
	assert.ErrorIs(t, db.Flush(), ErrClosed)
	_, err = db.Stats()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Close(), ErrClosed)
}

func TestFlush_MovesMemtableToLevel0(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("value-%03d", i))))
	}
	require.NoError(t, db.Flush())

	st, err := db.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.MemtableSizeBytes)
	assert.Zero(t, st.ImmutableMemtables)
	assert.GreaterOrEqual(t, st.Levels[0].NumTables, 1)
	assert.GreaterOrEqual(t, st.FlushesDone, uint64(1))

	for i := 0; i < 100; i++ {
		v, err := db.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%03d", i)), v)
	}
}

func TestReadsSpanMemtableAndTables(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put([]byte("flushed"), []byte("on disk")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("buffered"), []byte("in memory")))

	v, err := db.Get([]byte("flushed"))
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), v)
	v, err = db.Get([]byte("buffered"))
	require.NoError(t, err)
	assert.Equal(t, []byte("in memory"), v)
}

func TestMemtableOverwriteAfterFlush(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put([]byte("k"), []byte("old")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("k"), []byte("new")))

	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v, "the memtable version must shadow the table version")
}

func TestSmallMemtableTriggersFlushes(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithMemtableSize(1024))

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%04d", i))))
	}
	for i := 0; i < n; i++ {
		v, err := db.Get([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%04d", i)), v)
	}

	require.NoError(t, db.Flush())
	st, err := db.Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.FlushesDone, uint64(2))
	require.NoError(t, db.Close())

	// Everything must survive a clean restart.
	db = openTestDB(t, dir, WithMemtableSize(1024))
	defer func() { _ = db.Close() }()
	for i := 0; i < n; i++ {
		v, err := db.Get([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%04d", i)), v)
	}
}

func TestReopen_Persistence(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	require.NoError(t, db.Put([]byte("durable"), []byte("value")))
	require.NoError(t, db.Close())

	db = openTestDB(t, dir)
	defer func() { _ = db.Close() }()
	v, err := db.Get([]byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)
}

func TestDeleteSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Delete([]byte("k")))
	require.NoError(t, db.Close())

	db = openTestDB(t, dir)
	defer func() { _ = db.Close() }()
	_, err := db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound, "the tombstone must shadow the flushed value after restart")
}

func TestCrashRecovery_ReplaysLog(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithWALSync(true))

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Delete([]byte("a")))

	// Crash: the directory is copied with the log unflushed, Close never
	// runs.
	crashed := copyDir(t, dir)
	require.NoError(t, db.Close())

	recovered := openTestDB(t, crashed)
	defer func() { _ = recovered.Close() }()

	_, err := recovered.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)
	v, err := recovered.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestCrashRecovery_WritesDuringFlushSurvive(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir,
		WithWALSync(true),
		WithMemtableSize(1024),
		WithL0CompactionThreshold(100),
	)

	// The small memtable forces swaps mid-stream, so manifest commits land
	// after later writes have already been acknowledged into the next log
	// segment. Those tail writes must survive the crash.
	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%04d", i))))
	}
	eventually(t, func() bool {
		st, err := db.Stats()
		return err == nil && st.FlushesDone >= 1 && st.ImmutableMemtables == 0
	}, "the queued flushes must commit their manifests")

	crashed := copyDir(t, dir)
	require.NoError(t, db.Close())

	recovered := openTestDB(t, crashed)
	defer func() { _ = recovered.Close() }()
	for i := 0; i < n; i++ {
		v, err := recovered.Get([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err, "key-%04d was acknowledged before the crash", i)
		assert.Equal(t, []byte(fmt.Sprintf("value-%04d", i)), v)
	}
}

func TestCrashRecovery_UnsyncedTornTailIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithWALSync(true))
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	crashed := copyDir(t, dir)
	require.NoError(t, db.Close())

	// Tear the tail of the copied log.
	entries, err := os.ReadDir(crashed)
	require.NoError(t, err)
	torn := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wal" {
			p := filepath.Join(crashed, e.Name())
			data, err := os.ReadFile(p)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(p, data[:len(data)-3], 0o644))
			torn = true
		}
	}
	require.True(t, torn)

	recovered := openTestDB(t, crashed)
	defer func() { _ = recovered.Close() }()
	_, err = recovered.Get([]byte("k"))
	// The torn record is lost, but open must succeed.
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose_FlushesActiveMemtable(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	tables, err := filepath.Glob(filepath.Join(dir, "sst", "*.sst"))
	require.NoError(t, err)
	assert.NotEmpty(t, tables, "close must leave the memtable contents in a table, not only in the log")

	db = openTestDB(t, dir)
	defer func() { _ = db.Close() }()
	st, err := db.Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Levels[0].NumTables, 1)
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestOpen_ManifestTableMismatchFailsOpen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	// Doctor the manifest so it no longer describes the table on disk.
	store, err := storage.NewDiskStorage(dir)
	require.NoError(t, err)
	state, err := manifest.Load(store)
	require.NoError(t, err)
	require.NotEmpty(t, state.Levels[0])
	state.Levels[0][0].Entries++
	require.NoError(t, manifest.Save(store, state))

	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestWALDisabled_FlushOnClose(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithWAL(false))
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, WithWAL(false))
	defer func() { _ = db.Close() }()
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestScan_AcrossMemtableAndTables(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Put([]byte("d"), []byte("4")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("c"), []byte("3")))
	require.NoError(t, db.Delete([]byte("d")))

	it, err := db.Scan(nil, nil)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	var got [][2]string
	for it.Valid() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
		it.Next()
	}
	require.NoError(t, it.Err())
	assert.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}, got)
}

func TestScan_Bounded(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, db.Put([]byte(k), []byte("v")))
	}

	it, err := db.Scan([]byte("b"), []byte("d"))
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"b", "c"}, got, "start is inclusive, end is exclusive")
}

func TestScan_SnapshotIsolation(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put([]byte("a"), []byte("before")))

	it, err := db.Scan(nil, nil)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	require.NoError(t, db.Put([]byte("a"), []byte("after")))
	require.NoError(t, db.Put([]byte("b"), []byte("after")))

	var got [][2]string
	for it.Valid() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
		it.Next()
	}
	require.NoError(t, it.Err())
	assert.Equal(t, [][2]string{{"a", "before"}}, got)
}

func TestSync_Succeeds(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	assert.NoError(t, db.Sync())
}

func TestStats_Shape(t *testing.T) {
	db := openTestDB(t, t.TempDir(), WithMaxLevels(3))
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	st, err := db.Stats()
	require.NoError(t, err)

	assert.Positive(t, st.MemtableSizeBytes)
	assert.Positive(t, st.WALSizeBytes)
	assert.Equal(t, uint64(1), st.LastSeq)
	require.Len(t, st.Levels, 3)
	for i, ls := range st.Levels {
		assert.Equal(t, i, ls.Level)
	}
}

func TestBinaryKeysAndValues(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	key := []byte{0x00, 0xff, 0x10, 0x00}
	value := []byte{0xde, 0xad, 0x00, 0xbe, 0xef}
	require.NoError(t, db.Put(key, value))
	require.NoError(t, db.Flush())

	v, err := db.Get(key)
	require.NoError(t, err)
	assert.Equal(t, value, v)
}

func TestLargeValues(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	value := make([]byte, 1<<20)
	for i := range value {
		value[i] = byte(i)
	}
	require.NoError(t, db.Put([]byte("big"), value))
	require.NoError(t, db.Flush())

	v, err := db.Get([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, value, v)
}

func TestStats_ConcurrentWithWrites(t *testing.T) {
	db := openTestDB(t, t.TempDir(), WithMemtableSize(1024))
	defer func() { _ = db.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = db.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%04d", i)))
		}
	}()
	for {
		_, err := db.Stats()
		require.NoError(t, err)
		select {
		case <-done:
			return
		default:
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond, msg)
}
