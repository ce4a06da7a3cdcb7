// Package wal implements the write-ahead log. Every mutation is appended
// here before it becomes visible in the memtable; on startup the log is
// replayed to reconstruct anything not yet flushed to a table.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync/atomic"

	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/storage"
)

// ErrCorruptedLog marks a checksum mismatch followed by further well-formed
// records. A mismatch or truncation at the very tail of the log is the
// expected shape of a crash mid-write and ends replay silently.
var ErrCorruptedLog = errors.New("wal corruption")

var errTruncated = errors.New("wal record truncated")

// Record is one durable mutation.
//
// On-disk layout, little-endian:
//
//	+---------+---------+----------+---------+----------+-----+----------+-----+
//	| CRC (4) | Len (4) | Kind (1) | Seq (8) | KLen (4) | Key | VLen (4) | Val |
//	+---------+---------+----------+---------+----------+-----+----------+-----+
//
// Len counts the payload after the first 8 bytes; CRC covers the payload.
type Record struct {
	Seq   common.SeqNum
	Kind  common.KeyKind
	Key   []byte
	Value []byte
}

const recordHeaderLen = 8

// EncodedSize returns the on-disk size of the record.
func (r *Record) EncodedSize() int {
	return recordHeaderLen + 1 + 8 + 4 + len(r.Key) + 4 + len(r.Value)
}

func (r *Record) encode(buf []byte) []byte {
	payloadLen := r.EncodedSize() - recordHeaderLen
	buf = append(buf[:0], make([]byte, recordHeaderLen)...)
	binary.LittleEndian.PutUint32(buf[4:], uint32(payloadLen))
	buf = append(buf, byte(r.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Seq))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Value)))
	buf = append(buf, r.Value...)
	crc := crc32.ChecksumIEEE(buf[recordHeaderLen:])
	binary.LittleEndian.PutUint32(buf, crc)
	return buf
}

func decodePayload(payload []byte) (Record, error) {
	if len(payload) < 1+8+4 {
		return Record{}, fmt.Errorf("%w: payload too short", ErrCorruptedLog)
	}
	var rec Record
	rec.Kind = common.KeyKind(payload[0])
	if rec.Kind != common.KeyKindSet && rec.Kind != common.KeyKindDelete {
		return Record{}, fmt.Errorf("%w: unknown record kind %d", ErrCorruptedLog, payload[0])
	}
	rec.Seq = common.SeqNum(binary.LittleEndian.Uint64(payload[1:]))
	off := 9
	klen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+klen+4 > len(payload) {
		return Record{}, fmt.Errorf("%w: key overruns payload", ErrCorruptedLog)
	}
	rec.Key = append([]byte(nil), payload[off:off+klen]...)
	off += klen
	vlen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+vlen != len(payload) {
		return Record{}, fmt.Errorf("%w: value overruns payload", ErrCorruptedLog)
	}
	rec.Value = append([]byte(nil), payload[off:off+vlen]...)
	return rec, nil
}

// decodeRecord parses one record at the start of buf. It returns the total
// encoded length so the caller can advance.
func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recordHeaderLen {
		return Record{}, 0, errTruncated
	}
	storedCRC := binary.LittleEndian.Uint32(buf)
	payloadLen := int(binary.LittleEndian.Uint32(buf[4:]))
	if recordHeaderLen+payloadLen > len(buf) {
		return Record{}, 0, errTruncated
	}
	payload := buf[recordHeaderLen : recordHeaderLen+payloadLen]
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return Record{}, recordHeaderLen + payloadLen, fmt.Errorf("%w: record checksum mismatch", ErrCorruptedLog)
	}
	rec, err := decodePayload(payload)
	if err != nil {
		return Record{}, recordHeaderLen + payloadLen, err
	}
	return rec, recordHeaderLen + payloadLen, nil
}

// Writer appends records to one log segment. Appends are serialised by the
// caller; Size may be read concurrently with them.
type Writer struct {
	w           storage.Writable
	syncOnWrite bool
	size        atomic.Int64
	buf         []byte
}

// NewWriter starts a fresh log segment on w, writing the file header.
func NewWriter(w storage.Writable, syncOnWrite bool) (*Writer, error) {
	header := common.EncodeFileHeader()
	if _, err := w.Write(header); err != nil {
		return nil, err
	}
	wr := &Writer{
		w:           w,
		syncOnWrite: syncOnWrite,
	}
	wr.size.Store(int64(len(header)))
	return wr, nil
}

// Append durably persists one record, subject to the sync policy. On error
// nothing must be applied to the memtable by the caller.
func (w *Writer) Append(rec Record) error {
	w.buf = rec.encode(w.buf)
	if _, err := w.w.Write(w.buf); err != nil {
		return err
	}
	w.size.Add(int64(len(w.buf)))
	if w.syncOnWrite {
		return w.w.Sync()
	}
	return nil
}

func (w *Writer) Sync() error { return w.w.Sync() }

func (w *Writer) Size() int64 { return w.size.Load() }

func (w *Writer) Close() error {
	if err := w.w.Sync(); err != nil {
		_ = w.w.Close()
		return err
	}
	return w.w.Close()
}

// Replay invokes fn for every well-formed record in the segment, in append
// order. A truncated or checksum-failing tail ends replay cleanly; the same
// damage followed by further valid records returns ErrCorruptedLog.
func Replay(r storage.Readable, fn func(Record) error) error {
	size := r.Size()
	if size < common.FileHeaderLen {
		// A crash can tear even the header of a brand new segment.
		return nil
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return err
	}
	if err := common.VerifyFileHeader(buf); err != nil {
		return err
	}

	off := common.FileHeaderLen
	for off < len(buf) {
		rec, n, err := decodeRecord(buf[off:])
		switch {
		case errors.Is(err, errTruncated):
			return nil
		case err != nil:
			if followedByValidRecord(buf[off+n:]) {
				return err
			}
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func followedByValidRecord(buf []byte) bool {
	_, _, err := decodeRecord(buf)
	return err == nil
}
