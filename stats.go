package vayadb

// LevelStats describes one level of the tree.
type LevelStats struct {
	Level     int
	NumTables int
	SizeBytes uint64
	Entries   uint64
}

// DBStats is a point-in-time snapshot of the engine's shape. It is advisory;
// the numbers can be stale the moment they are returned.
type DBStats struct {
	// MemtableSizeBytes is the approximate footprint of the active memtable.
	MemtableSizeBytes int64

	// ImmutableMemtables counts memtables swapped out but not yet flushed.
	ImmutableMemtables int

	// WALSizeBytes is the size of the current log segment.
	WALSizeBytes int64

	// LastSeq is the newest assigned sequence number.
	LastSeq uint64

	// Levels has one entry per level, shallowest first.
	Levels []LevelStats

	// CompactionsDone counts compaction jobs committed since Open.
	CompactionsDone uint64

	// FlushesDone counts memtable flushes committed since Open.
	FlushesDone uint64
}
