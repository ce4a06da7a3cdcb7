package vayadb

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/manifest"
	"github.com/ib823/vaya-sub002/internal/memtable"
	"github.com/ib823/vaya-sub002/internal/sstable"
)

const (
	flushRetries    = 3
	flushRetryDelay = 50 * time.Millisecond
)

// flushTask is one immutable memtable queued for flush, together with the log
// segment that covered it. The segment is removed only after the flush has
// been committed to the manifest.
type flushTask struct {
	mem     *memtable.MemTable
	walName string
}

// flushPending drains the immutable memtable queue in FIFO order.
func (db *DB) flushPending(ctx context.Context) error {
	for {
		db.mu.Lock()
		if len(db.imm) == 0 {
			db.mu.Unlock()
			return nil
		}
		task := db.imm[0]
		db.mu.Unlock()

		if err := db.flushOne(ctx, task); err != nil {
			return err
		}
	}
}

func (db *DB) flushOne(ctx context.Context, task *flushTask) error {
	var err error
	for attempt := 0; attempt < flushRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(flushRetryDelay << attempt):
			}
			db.log.Warn("retrying memtable flush",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		if err = db.flushAttempt(task); err == nil {
			return nil
		}
	}
	return fmt.Errorf("memtable flush: %w", err)
}

// flushAttempt writes the memtable to a fresh level-0 table, commits it to
// the manifest and retires the covering log segment.
func (db *DB) flushAttempt(task *flushTask) error {
	num := db.allocFileNum()
	fm, err := db.writeTable(task.mem.Iter(), num)
	if err != nil {
		return err
	}
	reader, err := db.openReader(num)
	if err != nil {
		_ = db.store.Remove(common.TableFileName(num))
		return err
	}

	db.mu.Lock()
	ns := db.current.Clone()
	db.mu.Unlock()
	ns.AddFile(0, fm)
	ns.NextFileNum = common.FileNum(db.nextFileNum.Load())
	// LastSeq records only what is durable in tables. Replay skips records
	// at or below it, so stamping the live counter here would make recovery
	// drop log records written after the memtable swap.
	if fm.MaxSeq > ns.LastSeq {
		ns.LastSeq = fm.MaxSeq
	}
	if err := manifest.Save(db.store, ns); err != nil {
		_ = reader.Close()
		_ = db.store.Remove(common.TableFileName(num))
		return err
	}

	db.mu.Lock()
	db.current = ns
	readers := copyReaders(db.readers)
	readers[num] = reader
	db.readers = readers
	db.imm = db.imm[1:]
	db.flushDone.Broadcast()
	db.mu.Unlock()

	if task.walName != "" {
		// Its contents are durable in the table now; losing the remove on a
		// crash only costs a redundant replay.
		_ = db.store.Remove(task.walName)
	}
	db.flushesDone.Add(1)
	db.log.Info("memtable flushed",
		zap.Int64("table", int64(num)),
		zap.Uint64("entries", fm.Entries),
		zap.Uint64("bytes", fm.Size))
	return nil
}

// writeTable streams one sorted entry stream into a new table file and
// returns its manifest record.
func (db *DB) writeTable(it internalIter, num common.FileNum) (*manifest.FileMeta, error) {
	name := common.TableFileName(num)
	w, err := db.store.Create(name)
	if err != nil {
		return nil, err
	}
	sw, err := sstable.NewWriter(w, num, sstable.WriterOptions{
		BlockSize:    db.opts.blockSize,
		Compression:  db.opts.compression,
		FilterPolicy: db.fp,
	})
	if err != nil {
		_ = w.Close()
		_ = db.store.Remove(name)
		return nil, err
	}
	for ok := it.First(); ok; ok = it.Next() {
		if err := sw.Add(it.Key(), it.Value()); err != nil {
			sw.Abort()
			_ = db.store.Remove(name)
			return nil, err
		}
	}
	if err := it.Error(); err != nil {
		sw.Abort()
		_ = db.store.Remove(name)
		return nil, err
	}
	meta, err := sw.Finish()
	if err != nil {
		_ = db.store.Remove(name)
		return nil, err
	}
	return &manifest.FileMeta{
		Num:      meta.FileNum,
		Size:     meta.Size,
		Smallest: meta.Smallest,
		Largest:  meta.Largest,
		MinSeq:   meta.MinSeq,
		MaxSeq:   meta.MaxSeq,
		Entries:  meta.Entries,
	}, nil
}

func (db *DB) openReader(num common.FileNum) (*sstable.Reader, error) {
	f, err := db.store.Open(common.TableFileName(num))
	if err != nil {
		return nil, err
	}
	r, err := sstable.OpenReader(f, num, db.fp, db.cache)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func copyReaders(m map[common.FileNum]*sstable.Reader) map[common.FileNum]*sstable.Reader {
	out := make(map[common.FileNum]*sstable.Reader, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
