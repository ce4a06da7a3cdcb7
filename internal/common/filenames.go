package common

import (
	"fmt"
	"path"
	"strings"
)

// FileNum is a monotonically increasing identifier shared by WAL segments
// and tables. Allocation is persisted in the manifest.
type FileNum int64

const (
	TableDirName     = "sst"
	ManifestFileName = "MANIFEST"
	ManifestTempName = "MANIFEST.tmp"
	LockFileName     = "LOCK"
)

func TableFileName(num FileNum) string {
	return path.Join(TableDirName, fmt.Sprintf("%06d.sst", num))
}

func WALFileName(num FileNum) string {
	return fmt.Sprintf("%06d.wal", num)
}

// ParseTableFileName extracts the file number from a name inside the table
// directory.
func ParseTableFileName(name string) (FileNum, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".sst") {
		return 0, false
	}
	var num FileNum
	if _, err := fmt.Sscanf(base, "%06d.sst", &num); err != nil {
		return 0, false
	}
	return num, true
}

func ParseWALFileName(name string) (FileNum, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".wal") {
		return 0, false
	}
	var num FileNum
	if _, err := fmt.Sscanf(base, "%06d.wal", &num); err != nil {
		return 0, false
	}
	return num, true
}
