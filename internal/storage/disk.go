package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

type diskStorage struct {
	root string
}

// NewDiskStorage returns a Storage rooted at the given directory, creating
// it if needed.
func NewDiskStorage(root string) (Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &diskStorage{root: root}, nil
}

type diskWritable struct {
	f *os.File
}

func (w *diskWritable) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *diskWritable) Sync() error                 { return w.f.Sync() }
func (w *diskWritable) Close() error                { return w.f.Close() }

type diskReadable struct {
	f    *os.File
	size int64
}

func (r *diskReadable) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *diskReadable) Size() int64                             { return r.size }
func (r *diskReadable) Close() error                            { return r.f.Close() }

func (d *diskStorage) Create(name string) (Writable, error) {
	p := filepath.Join(d.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &diskWritable{f: f}, nil
}

func (d *diskStorage) Open(name string) (Readable, error) {
	p := filepath.Join(d.root, filepath.FromSlash(name))
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &diskReadable{f: f, size: st.Size()}, nil
}

func (d *diskStorage) Remove(name string) error {
	err := os.Remove(filepath.Join(d.root, filepath.FromSlash(name)))
	if os.IsNotExist(err) {
		return ErrFileNotFound
	}
	return err
}

func (d *diskStorage) Rename(oldname, newname string) error {
	return os.Rename(
		filepath.Join(d.root, filepath.FromSlash(oldname)),
		filepath.Join(d.root, filepath.FromSlash(newname)),
	)
}

func (d *diskStorage) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (d *diskStorage) Close() error { return nil }

var _ Storage = (*diskStorage)(nil)
