package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/ib823/vaya-sub002/internal/common"
)

// Meta describes one immutable table. It is duplicated into the manifest and
// into the table's own properties block, which lets startup verification
// cross-check the two.
type Meta struct {
	FileNum  common.FileNum
	Size     uint64
	Smallest []byte // smallest user key
	Largest  []byte // largest user key
	MinSeq   common.SeqNum
	MaxSeq   common.SeqNum
	Entries  uint64
}

// encodeProps serialises the properties block payload.
func (m *Meta) encodeProps() []byte {
	buf := make([]byte, 0, 40+len(m.Smallest)+len(m.Largest))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Smallest)))
	buf = append(buf, m.Smallest...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Largest)))
	buf = append(buf, m.Largest...)
	buf = binary.LittleEndian.AppendUint64(buf, m.Entries)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.MinSeq))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.MaxSeq))
	return buf
}

func decodeProps(buf []byte) (Meta, error) {
	var m Meta
	if len(buf) < 4 {
		return m, fmt.Errorf("%w: properties block too short", common.ErrCorruption)
	}
	slen := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) < slen+4 {
		return m, fmt.Errorf("%w: properties block too short", common.ErrCorruption)
	}
	m.Smallest = append([]byte(nil), buf[:slen]...)
	buf = buf[slen:]
	llen := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) != llen+24 {
		return m, fmt.Errorf("%w: properties block length mismatch", common.ErrCorruption)
	}
	m.Largest = append([]byte(nil), buf[:llen]...)
	buf = buf[llen:]
	m.Entries = binary.LittleEndian.Uint64(buf)
	m.MinSeq = common.SeqNum(binary.LittleEndian.Uint64(buf[8:]))
	m.MaxSeq = common.SeqNum(binary.LittleEndian.Uint64(buf[16:]))
	return m, nil
}
