package storage

import (
	"bytes"
	"sync"
)

type inmemStorage struct {
	mu    sync.Mutex
	files map[string]*memFile
}

type memFile struct {
	bytes.Buffer
}

// NewInmemStorage returns a Storage backed by process memory, used by tests.
func NewInmemStorage() Storage {
	return &inmemStorage{files: make(map[string]*memFile)}
}

type memWritable struct {
	st     *inmemStorage
	f      *memFile
	closed bool
}

func (w *memWritable) Write(p []byte) (int, error) {
	w.st.mu.Lock()
	defer w.st.mu.Unlock()
	if w.closed {
		return 0, ErrFileIsClosed
	}
	return w.f.Write(p)
}

func (w *memWritable) Sync() error { return nil }

func (w *memWritable) Close() error {
	w.st.mu.Lock()
	defer w.st.mu.Unlock()
	if w.closed {
		return ErrFileIsClosed
	}
	w.closed = true
	return nil
}

type memReadable struct {
	r *bytes.Reader
}

func (r *memReadable) ReadAt(p []byte, off int64) (int, error) { return r.r.ReadAt(p, off) }
func (r *memReadable) Size() int64                             { return r.r.Size() }
func (r *memReadable) Close() error                            { return nil }

func (s *inmemStorage) Create(name string) (Writable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &memFile{}
	s.files[name] = f
	return &memWritable{st: s, f: f}, nil
}

func (s *inmemStorage) Open(name string) (Readable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	// Snapshot so later writes to the same name never affect the reader.
	return &memReadable{r: bytes.NewReader(append([]byte(nil), f.Bytes()...))}, nil
}

func (s *inmemStorage) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return ErrFileNotFound
	}
	delete(s.files, name)
	return nil
}

func (s *inmemStorage) Rename(oldname, newname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[oldname]
	if !ok {
		return ErrFileNotFound
	}
	delete(s.files, oldname)
	s.files[newname] = f
	return nil
}

func (s *inmemStorage) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	return names, nil
}

func (s *inmemStorage) Close() error { return nil }

var _ Storage = (*inmemStorage)(nil)
