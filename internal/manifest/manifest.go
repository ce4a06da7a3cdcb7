// Package manifest persists the authoritative record of which tables are
// live at which level, together with the global file-number and sequence
// counters. Saves follow a write-temp, fsync, atomic-rename protocol so a
// crash leaves either the old manifest or the new one fully intact.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/storage"
)

// FileMeta is the manifest's lightweight record of one table: identity, key
// range and sequence range. The table object itself is looked up by file
// number through the engine's reader registry, never embedded here.
type FileMeta struct {
	Num      common.FileNum
	Size     uint64
	Smallest []byte
	Largest  []byte
	MinSeq   common.SeqNum
	MaxSeq   common.SeqNum
	Entries  uint64
}

// State is one immutable snapshot of the live file set. Mutations clone the
// state, edit the clone and atomically persist it.
type State struct {
	NextFileNum common.FileNum
	LastSeq     common.SeqNum
	Levels      [][]*FileMeta
}

func NewState(maxLevels int) *State {
	return &State{
		NextFileNum: 1,
		Levels:      make([][]*FileMeta, maxLevels),
	}
}

// Clone copies the level structure. FileMeta records are shared; they are
// never mutated after creation.
func (s *State) Clone() *State {
	c := &State{
		NextFileNum: s.NextFileNum,
		LastSeq:     s.LastSeq,
		Levels:      make([][]*FileMeta, len(s.Levels)),
	}
	for i, level := range s.Levels {
		c.Levels[i] = append([]*FileMeta(nil), level...)
	}
	return c
}

// AddFile registers a table at a level. Level 0 stays ordered by file number
// (flush order); deeper levels stay ordered by smallest key.
func (s *State) AddFile(level int, fm *FileMeta) {
	s.Levels[level] = append(s.Levels[level], fm)
	if level == 0 {
		sort.Slice(s.Levels[0], func(i, j int) bool {
			return s.Levels[0][i].Num < s.Levels[0][j].Num
		})
		return
	}
	sort.Slice(s.Levels[level], func(i, j int) bool {
		return bytes.Compare(s.Levels[level][i].Smallest, s.Levels[level][j].Smallest) < 0
	})
}

func (s *State) DeleteFile(level int, num common.FileNum) {
	files := s.Levels[level]
	for i, fm := range files {
		if fm.Num == num {
			s.Levels[level] = append(files[:i:i], files[i+1:]...)
			return
		}
	}
}

// Overlaps returns the tables at a level whose key range intersects
// [smallest, largest].
func (s *State) Overlaps(level int, smallest, largest []byte) []*FileMeta {
	var out []*FileMeta
	for _, fm := range s.Levels[level] {
		if bytes.Compare(fm.Largest, smallest) < 0 || bytes.Compare(fm.Smallest, largest) > 0 {
			continue
		}
		out = append(out, fm)
	}
	return out
}

func (s *State) LevelSize(level int) uint64 {
	var total uint64
	for _, fm := range s.Levels[level] {
		total += fm.Size
	}
	return total
}

// LiveFileNums returns the set of table file numbers the state references.
func (s *State) LiveFileNums() map[common.FileNum]struct{} {
	live := make(map[common.FileNum]struct{})
	for _, level := range s.Levels {
		for _, fm := range level {
			live[fm.Num] = struct{}{}
		}
	}
	return live
}

// Encode serialises the state: file header, body, CRC32 of the body.
func (s *State) Encode() []byte {
	body := binary.LittleEndian.AppendUint64(nil, uint64(s.NextFileNum))
	body = binary.LittleEndian.AppendUint64(body, uint64(s.LastSeq))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(s.Levels)))
	for _, level := range s.Levels {
		body = binary.LittleEndian.AppendUint32(body, uint32(len(level)))
		for _, fm := range level {
			body = binary.LittleEndian.AppendUint64(body, uint64(fm.Num))
			body = binary.LittleEndian.AppendUint64(body, fm.Size)
			body = binary.LittleEndian.AppendUint32(body, uint32(len(fm.Smallest)))
			body = append(body, fm.Smallest...)
			body = binary.LittleEndian.AppendUint32(body, uint32(len(fm.Largest)))
			body = append(body, fm.Largest...)
			body = binary.LittleEndian.AppendUint64(body, uint64(fm.MinSeq))
			body = binary.LittleEndian.AppendUint64(body, uint64(fm.MaxSeq))
			body = binary.LittleEndian.AppendUint64(body, fm.Entries)
		}
	}

	buf := common.EncodeFileHeader()
	buf = append(buf, body...)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))
}

func Decode(buf []byte) (*State, error) {
	if err := common.VerifyFileHeader(buf); err != nil {
		return nil, err
	}
	if len(buf) < common.FileHeaderLen+4 {
		return nil, fmt.Errorf("%w: manifest too short", common.ErrCorruption)
	}
	body := buf[common.FileHeaderLen : len(buf)-4]
	stored := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(body) != stored {
		return nil, fmt.Errorf("%w: manifest checksum mismatch", common.ErrCorruption)
	}

	r := reader{buf: body}
	s := &State{}
	s.NextFileNum = common.FileNum(r.uint64())
	s.LastSeq = common.SeqNum(r.uint64())
	numLevels := int(r.uint32())
	if r.err != nil || numLevels > 64 {
		return nil, fmt.Errorf("%w: malformed manifest", common.ErrCorruption)
	}
	s.Levels = make([][]*FileMeta, numLevels)
	for i := 0; i < numLevels; i++ {
		count := int(r.uint32())
		for j := 0; j < count; j++ {
			fm := &FileMeta{
				Num:      common.FileNum(r.uint64()),
				Size:     r.uint64(),
				Smallest: r.bytes(),
				Largest:  r.bytes(),
			}
			fm.MinSeq = common.SeqNum(r.uint64())
			fm.MaxSeq = common.SeqNum(r.uint64())
			fm.Entries = r.uint64()
			if r.err != nil {
				return nil, fmt.Errorf("%w: malformed manifest entry", common.ErrCorruption)
			}
			s.Levels[i] = append(s.Levels[i], fm)
		}
	}
	if r.err != nil || len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: malformed manifest", common.ErrCorruption)
	}
	return s, nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uint64() uint64 {
	if r.err != nil || len(r.buf) < 8 {
		r.err = fmt.Errorf("short read")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *reader) uint32() uint32 {
	if r.err != nil || len(r.buf) < 4 {
		r.err = fmt.Errorf("short read")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) bytes() []byte {
	n := int(r.uint32())
	if r.err != nil || len(r.buf) < n {
		r.err = fmt.Errorf("short read")
		return nil
	}
	v := append([]byte(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	return v
}

// Save atomically replaces the manifest with the given state.
func Save(st storage.Storage, s *State) error {
	w, err := st.Create(common.ManifestTempName)
	if err != nil {
		return err
	}
	if _, err := w.Write(s.Encode()); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return st.Rename(common.ManifestTempName, common.ManifestFileName)
}

// Load reads the current manifest. storage.ErrFileNotFound means a fresh
// store.
func Load(st storage.Storage) (*State, error) {
	r, err := st.Open(common.ManifestFileName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	buf := make([]byte, r.Size())
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return Decode(buf)
}
