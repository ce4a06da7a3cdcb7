// Package vayadb is an embedded log-structured merge-tree key-value store.
// Writes land in a write-ahead log and an in-memory table; flushed tables are
// merged downwards through a small number of levels in the background.
package vayadb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/filter"
	"github.com/ib823/vaya-sub002/internal/manifest"
	"github.com/ib823/vaya-sub002/internal/memtable"
	"github.com/ib823/vaya-sub002/internal/sstable"
	"github.com/ib823/vaya-sub002/internal/storage"
	"github.com/ib823/vaya-sub002/internal/wal"
)

// DB is one open store. All methods are safe for concurrent use.
type DB struct {
	opts    options
	dir     string
	store   storage.Storage
	lockF   *os.File
	cache   *sstable.BlockCache
	fp      filter.IFilter
	cmp     common.IComparer
	limiter *rate.Limiter
	log     *zap.Logger

	seq         atomic.Uint64
	nextFileNum atomic.Int64

	// writeMu serialises the write path: sequence allocation, the log append
	// and the memtable insert happen under it so log order and memory order
	// always agree. Log rotation also publishes the new writer under mu so
	// Stats can read walW without blocking writers.
	writeMu sync.Mutex
	walW    *wal.Writer
	walNum  common.FileNum

	// mu guards the mutable view. The memtables, the manifest state and the
	// reader registry are replaced wholesale, never mutated in place, so
	// readers work off a consistent snapshot taken under a short lock.
	mu        sync.Mutex
	mem       *memtable.MemTable
	imm       []*flushTask
	current   *manifest.State
	readers   map[common.FileNum]*sstable.Reader
	zombies   []*sstable.Reader
	flushDone *sync.Cond
	fatalErr  error
	closed    bool

	flushesDone     atomic.Uint64
	compactionsDone atomic.Uint64

	closing atomic.Bool
	bgWake  chan struct{}
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// Open opens or creates the store at dir. Pending write-ahead log segments
// are replayed and flushed before Open returns, so the store always starts
// from a fully durable state.
func Open(dir string, optFns ...OptionFn) (*DB, error) {
	opts := defaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lockF, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:  opts,
		dir:   dir,
		lockF: lockF,
		fp:    filter.NewBloomFilter(opts.bloomFPRate),
		cmp:   common.NewComparer(),
		log:   zap.L().Named("vayadb"),
	}
	if opts.compactionRateLimit > 0 {
		burst := int(opts.compactionRateLimit)
		if burst < rateChunk {
			burst = rateChunk
		}
		db.limiter = rate.NewLimiter(rate.Limit(opts.compactionRateLimit), burst)
	}

	ok := false
	defer func() {
		if !ok {
			db.releaseResources()
		}
	}()

	if db.store, err = storage.NewDiskStorage(dir); err != nil {
		return nil, err
	}
	if db.cache, err = sstable.NewBlockCache(opts.blockCacheSize); err != nil {
		return nil, err
	}

	state, err := manifest.Load(db.store)
	switch {
	case errors.Is(err, storage.ErrFileNotFound):
		state = manifest.NewState(opts.maxLevels)
	case err != nil:
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	for len(state.Levels) < opts.maxLevels {
		state.Levels = append(state.Levels, nil)
	}

	if err := db.recover(state); err != nil {
		return nil, err
	}

	db.mem = memtable.New(db.cmp)
	db.flushDone = sync.NewCond(&db.mu)
	db.bgWake = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	db.eg, ctx = errgroup.WithContext(ctx)
	db.eg.Go(func() error {
		db.backgroundLoop(ctx)
		return nil
	})
	db.kick()

	db.log.Info("store opened",
		zap.String("dir", dir),
		zap.Uint64("lastSeq", db.seq.Load()),
		zap.Int64("nextFileNum", db.nextFileNum.Load()))
	ok = true
	return db, nil
}

// recover replays pending log segments into a memtable, flushes it to level
// 0 and persists a manifest that reflects the recovered state. On return the
// log directory holds exactly one fresh segment (when logging is enabled).
func (db *DB) recover(state *manifest.State) error {
	names, err := db.store.List()
	if err != nil {
		return err
	}
	var (
		walNums  []common.FileNum
		tables   = map[common.FileNum]string{}
		maxSeen  common.FileNum
		walNames []string
	)
	for _, name := range names {
		if num, isWAL := common.ParseWALFileName(name); isWAL {
			walNums = append(walNums, num)
			walNames = append(walNames, name)
			if num > maxSeen {
				maxSeen = num
			}
			continue
		}
		if num, isTable := common.ParseTableFileName(name); isTable {
			tables[num] = name
			if num > maxSeen {
				maxSeen = num
			}
		}
	}
	next := state.NextFileNum
	if maxSeen+1 > next {
		next = maxSeen + 1
	}
	db.nextFileNum.Store(int64(next))

	// A crash mid-save can leave the temp manifest behind.
	_ = db.store.Remove(common.ManifestTempName)

	// Tables not referenced by the manifest are leftovers of uncommitted
	// flushes or compactions.
	live := state.LiveFileNums()
	for num, name := range tables {
		if _, isLive := live[num]; !isLive {
			db.log.Info("removing orphan table", zap.String("file", name))
			_ = db.store.Remove(name)
		}
	}

	sort.Slice(walNums, func(i, j int) bool { return walNums[i] < walNums[j] })
	recovered := memtable.New(db.cmp)
	maxSeq := state.LastSeq
	for _, num := range walNums {
		name := common.WALFileName(num)
		r, err := db.store.Open(name)
		if err != nil {
			return err
		}
		err = wal.Replay(r, func(rec wal.Record) error {
			if rec.Seq <= state.LastSeq {
				// Already durable in a table from a previous flush.
				return nil
			}
			recovered.Set(rec.Seq, rec.Kind, rec.Key, rec.Value)
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
			return nil
		})
		multierr.AppendInvoke(&err, multierr.Close(r))
		if err != nil {
			return fmt.Errorf("replaying %s: %w", name, err)
		}
	}
	db.seq.Store(uint64(maxSeq))

	if !recovered.Empty() {
		num := db.allocFileNum()
		fm, err := db.writeTable(recovered.Iter(), num)
		if err != nil {
			return fmt.Errorf("flushing recovered log: %w", err)
		}
		state.AddFile(0, fm)
		db.log.Info("recovered log flushed",
			zap.Int64("table", int64(num)),
			zap.Uint64("entries", fm.Entries))
	}

	readers := make(map[common.FileNum]*sstable.Reader)
	closeAll := func() {
		for _, or := range readers {
			_ = or.Close()
		}
	}
	for _, level := range state.Levels {
		for _, fm := range level {
			r, err := db.openReader(fm.Num)
			if err != nil {
				closeAll()
				return fmt.Errorf("opening table %d: %w", fm.Num, err)
			}
			if err := verifyTableMeta(r.Props(), fm); err != nil {
				_ = r.Close()
				closeAll()
				return err
			}
			readers[fm.Num] = r
		}
	}
	db.readers = readers

	if db.opts.walEnabled {
		num := db.allocFileNum()
		w, err := db.store.Create(common.WALFileName(num))
		if err != nil {
			return err
		}
		if db.walW, err = wal.NewWriter(w, db.opts.walSync); err != nil {
			return err
		}
		db.walNum = num
	}

	state.NextFileNum = common.FileNum(db.nextFileNum.Load())
	state.LastSeq = maxSeq
	if err := manifest.Save(db.store, state); err != nil {
		return err
	}
	db.current = state

	for _, name := range walNames {
		_ = db.store.Remove(name)
	}
	return nil
}

// Put stores a value under key, replacing any existing value.
func (db *DB) Put(key, value []byte) error {
	return db.apply(common.KeyKindSet, key, value)
}

// Delete removes key. Deleting an absent key succeeds and still writes a
// tombstone.
func (db *DB) Delete(key []byte) error {
	return db.apply(common.KeyKindDelete, key, nil)
}

func (db *DB) apply(kind common.KeyKind, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if kind == common.KeyKindSet && len(value) > db.opts.maxValueSize {
		return &ValueTooLargeError{Size: len(value), Max: db.opts.maxValueSize}
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if err := db.writable(); err != nil {
		return err
	}

	seq := common.SeqNum(db.seq.Load() + 1)
	if db.walW != nil {
		if err := db.walW.Append(wal.Record{Seq: seq, Kind: kind, Key: key, Value: value}); err != nil {
			// The segment tail is in an unknown state; a later successful
			// append would strand records behind garbage that replay treats
			// as the end of the log.
			db.setFatal(err)
			return err
		}
	}
	db.seq.Store(uint64(seq))
	db.mem.Set(seq, kind, key, value)

	if db.mem.ApproxSize() >= db.opts.memtableSize {
		if err := db.swapMemtableLocked(); err != nil {
			db.setFatal(err)
			return err
		}
	}
	return nil
}

// swapMemtableLocked queues the active memtable for flush and starts a fresh
// one, rotating the log so the retired segment covers exactly the retired
// memtable. Caller holds writeMu.
func (db *DB) swapMemtableLocked() error {
	var (
		oldWALName string
		ww         *wal.Writer
		num        common.FileNum
	)
	if db.walW != nil {
		if err := db.walW.Close(); err != nil {
			return err
		}
		oldWALName = common.WALFileName(db.walNum)
		num = db.allocFileNum()
		w, err := db.store.Create(common.WALFileName(num))
		if err != nil {
			return err
		}
		if ww, err = wal.NewWriter(w, db.opts.walSync); err != nil {
			return err
		}
	}

	db.mu.Lock()
	if ww != nil {
		db.walW, db.walNum = ww, num
	}
	db.imm = append(db.imm, &flushTask{mem: db.mem, walName: oldWALName})
	db.mem = memtable.New(db.cmp)
	db.mu.Unlock()
	db.kick()
	return nil
}

// Get returns the value stored under key, or ErrNotFound if the key is
// absent or deleted. The returned slice is the caller's to keep.
func (db *DB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrClosed
	}
	mem := db.mem
	imm := db.imm
	state := db.current
	readers := db.readers
	db.mu.Unlock()

	if v, kind, found := mem.Get(key); found {
		return resolveGet(v, kind)
	}
	for i := len(imm) - 1; i >= 0; i-- {
		if v, kind, found := imm[i].mem.Get(key); found {
			return resolveGet(v, kind)
		}
	}

	// Level-0 tables overlap; search newest flush first.
	l0 := state.Levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		v, kind, found, err := readers[l0[i].Num].Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			return resolveGet(v, kind)
		}
	}

	// Deeper levels are disjoint; at most one table per level can hold the
	// key.
	for level := 1; level < len(state.Levels); level++ {
		files := state.Levels[level]
		idx := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest, key) >= 0
		})
		if idx == len(files) || bytes.Compare(files[idx].Smallest, key) > 0 {
			continue
		}
		v, kind, found, err := readers[files[idx].Num].Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			return resolveGet(v, kind)
		}
	}
	return nil, ErrNotFound
}

// verifyTableMeta cross-checks a table's own properties block against the
// manifest record referencing it. A mismatch means one of the two files does
// not describe the data actually on disk.
func verifyTableMeta(p sstable.Meta, fm *manifest.FileMeta) error {
	if p.Size != fm.Size || p.Entries != fm.Entries ||
		p.MinSeq != fm.MinSeq || p.MaxSeq != fm.MaxSeq ||
		!bytes.Equal(p.Smallest, fm.Smallest) || !bytes.Equal(p.Largest, fm.Largest) {
		return fmt.Errorf("%w: table %d properties do not match the manifest", common.ErrCorruption, fm.Num)
	}
	return nil
}

func resolveGet(value []byte, kind common.KeyKind) ([]byte, error) {
	if kind == common.KeyKindDelete {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Scan returns an iterator over user keys in [start, end), ascending. A nil
// start begins at the first key; a nil end runs to the last. The iterator
// observes a snapshot taken at call time and must be closed before the
// engine is.
func (db *DB) Scan(start, end []byte) (*Iterator, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrClosed
	}
	snapshot := common.SeqNum(db.seq.Load())
	iters := []internalIter{db.mem.Iter()}
	for i := len(db.imm) - 1; i >= 0; i-- {
		iters = append(iters, db.imm[i].mem.Iter())
	}
	state := db.current
	readers := db.readers
	db.mu.Unlock()

	for _, level := range state.Levels {
		for _, fm := range level {
			iters = append(iters, readers[fm.Num].NewIter())
		}
	}
	merged := newMergingIter(db.cmp, iters...)
	return newIterator(merged, db.cmp, snapshot, start, end, nil), nil
}

// Sync makes every previously acknowledged write durable.
func (db *DB) Sync() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if err := db.writable(); err != nil {
		return err
	}
	if db.walW == nil {
		return nil
	}
	if err := db.walW.Sync(); err != nil {
		db.setFatal(err)
		return err
	}
	return nil
}

// Flush forces the active memtable to a level-0 table and waits for the
// flush to commit.
func (db *DB) Flush() error {
	db.writeMu.Lock()
	if err := db.writable(); err != nil {
		db.writeMu.Unlock()
		return err
	}
	db.mu.Lock()
	empty := db.mem.Empty()
	db.mu.Unlock()
	if !empty {
		if err := db.swapMemtableLocked(); err != nil {
			db.setFatal(err)
			db.writeMu.Unlock()
			return err
		}
	}
	db.writeMu.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	for len(db.imm) > 0 && db.fatalErr == nil && !db.closed {
		db.flushDone.Wait()
	}
	if db.closed {
		return ErrClosed
	}
	return db.fatalErr
}

// Stats returns a point-in-time snapshot of the engine's shape. It never
// blocks the write path.
func (db *DB) Stats() (DBStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return DBStats{}, ErrClosed
	}
	st := DBStats{
		MemtableSizeBytes:  db.mem.ApproxSize(),
		ImmutableMemtables: len(db.imm),
		LastSeq:            db.seq.Load(),
		FlushesDone:        db.flushesDone.Load(),
		CompactionsDone:    db.compactionsDone.Load(),
	}
	if db.walW != nil {
		st.WALSizeBytes = db.walW.Size()
	}
	for i, level := range db.current.Levels {
		ls := LevelStats{Level: i, NumTables: len(level)}
		for _, fm := range level {
			ls.SizeBytes += fm.Size
			ls.Entries += fm.Entries
		}
		st.Levels = append(st.Levels, ls)
	}
	return st, nil
}

// Close flushes the active memtable, stops background work and releases
// every file, so a reopen starts from a fully flushed manifest with nothing
// left to replay. Further calls on the handle return ErrClosed.
func (db *DB) Close() error {
	if !db.closing.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var errs error
	if err := db.Flush(); err != nil && !errors.Is(err, ErrReadOnly) {
		errs = multierr.Append(errs, err)
	}

	db.cancel()
	_ = db.eg.Wait()

	db.writeMu.Lock()
	db.mu.Lock()
	db.closed = true
	db.flushDone.Broadcast()
	readers := db.readers
	zombies := db.zombies
	db.readers = nil
	db.zombies = nil
	db.mu.Unlock()
	if db.walW != nil {
		errs = multierr.Append(errs, db.walW.Close())
		db.walW = nil
	}
	db.writeMu.Unlock()

	for _, r := range readers {
		errs = multierr.Append(errs, r.Close())
	}
	for _, r := range zombies {
		errs = multierr.Append(errs, r.Close())
	}
	errs = multierr.Append(errs, db.releaseResources())
	db.log.Info("store closed", zap.String("dir", db.dir))
	return errs
}

func (db *DB) releaseResources() error {
	var errs error
	if db.walW != nil {
		errs = multierr.Append(errs, db.walW.Close())
		db.walW = nil
	}
	for _, r := range db.readers {
		errs = multierr.Append(errs, r.Close())
	}
	db.readers = nil
	db.cache.Close()
	if db.store != nil {
		errs = multierr.Append(errs, db.store.Close())
		db.store = nil
	}
	if db.lockF != nil {
		errs = multierr.Append(errs, releaseDirLock(db.lockF))
		db.lockF = nil
	}
	return errs
}

// writable reports whether the engine currently accepts writes. Caller holds
// writeMu.
func (db *DB) writable() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if db.fatalErr != nil {
		return fmt.Errorf("%w: %v", ErrReadOnly, db.fatalErr)
	}
	return nil
}

// setFatal transitions the engine to read-only. Reads keep being served from
// state that is already durable.
func (db *DB) setFatal(err error) {
	if err == nil {
		return
	}
	db.mu.Lock()
	if db.fatalErr == nil {
		db.fatalErr = err
		db.flushDone.Broadcast()
		db.log.Error("unrecoverable failure, entering read-only mode", zap.Error(err))
	}
	db.mu.Unlock()
}

func (db *DB) allocFileNum() common.FileNum {
	return common.FileNum(db.nextFileNum.Add(1) - 1)
}

// kick nudges the background loop; a pending nudge is enough.
func (db *DB) kick() {
	select {
	case db.bgWake <- struct{}{}:
	default:
	}
}

// backgroundLoop drains flushes and runs compactions until the engine
// closes. An unrecoverable error parks the loop and fails writes closed.
func (db *DB) backgroundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-db.bgWake:
		}
		if err := db.flushPending(ctx); err != nil {
			if ctx.Err() == nil {
				db.setFatal(err)
			}
			return
		}
		if err := db.maybeCompact(ctx); err != nil {
			if ctx.Err() == nil {
				db.setFatal(err)
			}
			return
		}
	}
}
