package vayadb

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/manifest"
	"github.com/ib823/vaya-sub002/internal/sstable"
)

const (
	compactionRetries    = 3
	compactionRetryDelay = 100 * time.Millisecond

	// rateChunk is how many written bytes accumulate before the limiter is
	// consulted once.
	rateChunk = 64 << 10
)

type compactionPhase int

const (
	compactionPlanned compactionPhase = iota
	compactionMerging
	compactionCommitting
	compactionDone
	compactionAborted
)

func (p compactionPhase) String() string {
	switch p {
	case compactionPlanned:
		return "planned"
	case compactionMerging:
		return "merging"
	case compactionCommitting:
		return "committing"
	case compactionDone:
		return "done"
	case compactionAborted:
		return "aborted"
	}
	return "unknown"
}

// compaction is one merge job: inputs from one level plus every overlapping
// table of the level below, rewritten into the level below.
type compaction struct {
	phase       compactionPhase
	level       int
	outputLevel int
	inputs      []*manifest.FileMeta
	overlaps    []*manifest.FileMeta
}

func (c *compaction) inputNums() []int64 {
	nums := make([]int64, 0, len(c.inputs)+len(c.overlaps))
	for _, fm := range c.inputs {
		nums = append(nums, int64(fm.Num))
	}
	for _, fm := range c.overlaps {
		nums = append(nums, int64(fm.Num))
	}
	return nums
}

// pickCompaction chooses the next merge job, or nil when the tree is in
// shape. Level 0 compacts on table count; deeper levels compact when they
// outgrow the level above them by more than the configured multiplier. The
// bottom level is never an input.
func (db *DB) pickCompaction(state *manifest.State) *compaction {
	if len(state.Levels) < 2 {
		return nil
	}
	if len(state.Levels[0]) >= db.opts.l0CompactionThreshold {
		inputs := append([]*manifest.FileMeta(nil), state.Levels[0]...)
		smallest, largest := keyRange(inputs)
		return &compaction{
			level:       0,
			outputLevel: 1,
			inputs:      inputs,
			overlaps:    state.Overlaps(1, smallest, largest),
		}
	}
	for level := 1; level < len(state.Levels)-1; level++ {
		above := state.LevelSize(level - 1)
		if above == 0 {
			continue
		}
		if state.LevelSize(level) <= uint64(db.opts.levelSizeMultiplier)*above {
			continue
		}
		fm := state.Levels[level][0]
		return &compaction{
			level:       level,
			outputLevel: level + 1,
			inputs:      []*manifest.FileMeta{fm},
			overlaps:    state.Overlaps(level+1, fm.Smallest, fm.Largest),
		}
	}
	return nil
}

func keyRange(files []*manifest.FileMeta) (smallest, largest []byte) {
	for _, fm := range files {
		if smallest == nil || bytes.Compare(fm.Smallest, smallest) < 0 {
			smallest = fm.Smallest
		}
		if largest == nil || bytes.Compare(fm.Largest, largest) > 0 {
			largest = fm.Largest
		}
	}
	return smallest, largest
}

// maybeCompact runs merge jobs until the tree is in shape.
func (db *DB) maybeCompact(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		db.mu.Lock()
		state := db.current
		db.mu.Unlock()

		c := db.pickCompaction(state)
		if c == nil {
			return nil
		}
		if err := db.runCompactionWithRetry(ctx, c, state); err != nil {
			return err
		}
	}
}

func (db *DB) runCompactionWithRetry(ctx context.Context, c *compaction, state *manifest.State) error {
	var err error
	for attempt := 0; attempt < compactionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(compactionRetryDelay << attempt):
			}
			db.log.Warn("retrying compaction",
				zap.Int("level", c.level),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		if err = db.runCompaction(ctx, c, state); err == nil {
			return nil
		}
	}
	return fmt.Errorf("compaction of level %d: %w", c.level, err)
}

func (db *DB) runCompaction(ctx context.Context, c *compaction, state *manifest.State) error {
	c.phase = compactionMerging
	db.log.Info("compaction starting",
		zap.Int("level", c.level),
		zap.Int("outputLevel", c.outputLevel),
		zap.Int64s("inputs", c.inputNums()),
		zap.String("phase", c.phase.String()))

	db.mu.Lock()
	readers := db.readers
	db.mu.Unlock()

	iters := make([]internalIter, 0, len(c.inputs)+len(c.overlaps))
	// Level-0 tables can overlap each other; the newest must win ties, and
	// the merging iterator breaks ties by source order.
	for i := len(c.inputs) - 1; i >= 0; i-- {
		r := readers[c.inputs[i].Num]
		if r == nil {
			return fmt.Errorf("compaction input table %d has no open reader", c.inputs[i].Num)
		}
		iters = append(iters, r.NewIter())
	}
	for _, fm := range c.overlaps {
		r := readers[fm.Num]
		if r == nil {
			return fmt.Errorf("compaction input table %d has no open reader", fm.Num)
		}
		iters = append(iters, r.NewIter())
	}
	merged := newMergingIter(db.cmp, iters...)

	outputs, err := db.mergeOutputs(ctx, c, state, merged)
	if err != nil {
		c.phase = compactionAborted
		for _, fm := range outputs {
			_ = db.store.Remove(common.TableFileName(fm.Num))
		}
		return err
	}

	c.phase = compactionCommitting
	return db.commitCompaction(c, outputs)
}

// mergeOutputs drains the merged stream into new tables at the output level,
// keeping only the newest version of each user key and dropping tombstones
// that cannot shadow anything deeper.
func (db *DB) mergeOutputs(ctx context.Context, c *compaction, state *manifest.State, merged *mergingIter) ([]*manifest.FileMeta, error) {
	var (
		outputs    []*manifest.FileMeta
		sw         *sstable.Writer
		outNum     common.FileNum
		outBytes   int64
		pending    int
		lastUKey   []byte
		haveUKey   bool
		bottommost = c.outputLevel == len(state.Levels)-1
	)

	closeOutput := func() error {
		if sw == nil {
			return nil
		}
		meta, err := sw.Finish()
		sw = nil
		if err != nil {
			_ = db.store.Remove(common.TableFileName(outNum))
			return err
		}
		outputs = append(outputs, &manifest.FileMeta{
			Num:      meta.FileNum,
			Size:     meta.Size,
			Smallest: meta.Smallest,
			Largest:  meta.Largest,
			MinSeq:   meta.MinSeq,
			MaxSeq:   meta.MaxSeq,
			Entries:  meta.Entries,
		})
		outBytes = 0
		return nil
	}
	abort := func() {
		if sw != nil {
			sw.Abort()
			_ = db.store.Remove(common.TableFileName(outNum))
			sw = nil
		}
	}

	for ok := merged.First(); ok; ok = merged.Next() {
		if err := ctx.Err(); err != nil {
			abort()
			return outputs, err
		}
		key := merged.Key()

		// Only the newest version of a user key survives the merge.
		if haveUKey && db.cmp.CompareUserKeys(key.UserKey, lastUKey) == 0 {
			continue
		}
		lastUKey = append(lastUKey[:0], key.UserKey...)
		haveUKey = true

		if key.Kind() == common.KeyKindDelete &&
			(bottommost || !keyExistsBelow(state, c.outputLevel, key.UserKey)) {
			continue
		}

		if sw != nil && outBytes >= db.opts.targetFileSize {
			if err := closeOutput(); err != nil {
				return outputs, err
			}
		}
		if sw == nil {
			outNum = db.allocFileNum()
			w, err := db.store.Create(common.TableFileName(outNum))
			if err != nil {
				return outputs, err
			}
			sw, err = sstable.NewWriter(w, outNum, sstable.WriterOptions{
				BlockSize:    db.opts.blockSize,
				Compression:  db.opts.compression,
				FilterPolicy: db.fp,
			})
			if err != nil {
				_ = w.Close()
				_ = db.store.Remove(common.TableFileName(outNum))
				return outputs, err
			}
		}

		value := merged.Value()
		if err := sw.Add(key, value); err != nil {
			abort()
			return outputs, err
		}
		n := key.Size() + len(value)
		outBytes += int64(n)

		if db.limiter != nil {
			pending += n
			for pending >= rateChunk {
				wait := pending
				if burst := db.limiter.Burst(); wait > burst {
					wait = burst
				}
				if err := db.limiter.WaitN(ctx, wait); err != nil {
					abort()
					return outputs, err
				}
				pending -= wait
			}
		}
	}
	if err := merged.Error(); err != nil {
		abort()
		return outputs, err
	}
	if err := closeOutput(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

// keyExistsBelow reports whether any table deeper than level could hold a
// version of the user key, judged by key range only.
func keyExistsBelow(state *manifest.State, level int, userKey []byte) bool {
	for l := level + 1; l < len(state.Levels); l++ {
		for _, fm := range state.Levels[l] {
			if bytes.Compare(userKey, fm.Smallest) >= 0 && bytes.Compare(userKey, fm.Largest) <= 0 {
				return true
			}
		}
	}
	return false
}

// commitCompaction persists the new file set and swaps the live view. Input
// files are unlinked afterwards; readers that scans still hold stay usable
// until the engine closes.
func (db *DB) commitCompaction(c *compaction, outputs []*manifest.FileMeta) error {
	outReaders := make(map[common.FileNum]*sstable.Reader, len(outputs))
	for _, fm := range outputs {
		r, err := db.openReader(fm.Num)
		if err != nil {
			for _, or := range outReaders {
				_ = or.Close()
			}
			for _, ofm := range outputs {
				_ = db.store.Remove(common.TableFileName(ofm.Num))
			}
			return err
		}
		outReaders[fm.Num] = r
	}

	db.mu.Lock()
	ns := db.current.Clone()
	db.mu.Unlock()
	for _, fm := range c.inputs {
		ns.DeleteFile(c.level, fm.Num)
	}
	for _, fm := range c.overlaps {
		ns.DeleteFile(c.outputLevel, fm.Num)
	}
	for _, fm := range outputs {
		ns.AddFile(c.outputLevel, fm)
	}
	// A compaction rewrites existing data; LastSeq stays what the cloned
	// state already recorded.
	ns.NextFileNum = common.FileNum(db.nextFileNum.Load())
	if err := manifest.Save(db.store, ns); err != nil {
		for _, r := range outReaders {
			_ = r.Close()
		}
		for _, fm := range outputs {
			_ = db.store.Remove(common.TableFileName(fm.Num))
		}
		return err
	}

	db.mu.Lock()
	db.current = ns
	readers := copyReaders(db.readers)
	for _, fm := range c.inputs {
		if r := readers[fm.Num]; r != nil {
			db.zombies = append(db.zombies, r)
			delete(readers, fm.Num)
		}
	}
	for _, fm := range c.overlaps {
		if r := readers[fm.Num]; r != nil {
			db.zombies = append(db.zombies, r)
			delete(readers, fm.Num)
		}
	}
	for num, r := range outReaders {
		readers[num] = r
	}
	db.readers = readers
	db.mu.Unlock()

	for _, fm := range c.inputs {
		_ = db.store.Remove(common.TableFileName(fm.Num))
	}
	for _, fm := range c.overlaps {
		_ = db.store.Remove(common.TableFileName(fm.Num))
	}

	c.phase = compactionDone
	db.compactionsDone.Add(1)
	db.log.Info("compaction committed",
		zap.Int("level", c.level),
		zap.Int("outputLevel", c.outputLevel),
		zap.Int("outputs", len(outputs)),
		zap.String("phase", c.phase.String()))
	return nil
}
