package vayadb

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ib823/vaya-sub002/internal/common"
)

// acquireDirLock takes an exclusive flock on the LOCK file so two engine
// instances can never open the same path concurrently. flock is released by
// the kernel if the process dies, so a crash never wedges the store.
func acquireDirLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, common.LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("database at %s is locked by another process: %w", dir, err)
	}
	return f, nil
}

func releaseDirLock(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
