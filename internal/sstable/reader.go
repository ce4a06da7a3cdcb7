package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ib823/vaya-sub002/internal/block"
	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/filter"
	"github.com/ib823/vaya-sub002/internal/storage"
)

// Reader serves point lookups and scans from one immutable table. It is safe
// for unsynchronised concurrent use.
type Reader struct {
	r       storage.Readable
	fileNum common.FileNum
	cmp     common.IComparer
	ck      common.IChecksum

	filterPolicy filter.IFilter
	filterBlock  []byte
	props        Meta

	indexKeys    [][]byte
	indexHandles []block.Handle

	cache *BlockCache
}

// OpenReader verifies the header and footer of a table and loads its index,
// filter and properties blocks.
func OpenReader(r storage.Readable, fileNum common.FileNum, fp filter.IFilter, cache *BlockCache) (*Reader, error) {
	size := r.Size()
	if size < int64(common.FileHeaderLen+FooterLen) {
		return nil, fmt.Errorf("%w: table %d too small (%d bytes)", common.ErrCorruption, fileNum, size)
	}

	header := make([]byte, common.FileHeaderLen)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if err := common.VerifyFileHeader(header); err != nil {
		return nil, fmt.Errorf("table %d: %w", fileNum, err)
	}

	footer := make([]byte, FooterLen)
	if _, err := r.ReadAt(footer, size-int64(FooterLen)); err != nil {
		return nil, err
	}
	if [4]byte(footer[3*block.HandleLen+4:]) != common.MagicBytes {
		return nil, fmt.Errorf("%w: table %d bad footer magic", common.ErrCorruption, fileNum)
	}
	if v := binary.LittleEndian.Uint32(footer[3*block.HandleLen:]); v != common.FormatVersion {
		return nil, &common.VersionMismatchError{Expected: common.FormatVersion, Found: v}
	}
	filterBH := block.DecodeHandle(footer)
	propsBH := block.DecodeHandle(footer[block.HandleLen:])
	indexBH := block.DecodeHandle(footer[2*block.HandleLen:])

	sr := &Reader{
		r:            r,
		fileNum:      fileNum,
		cmp:          common.NewComparer(),
		ck:           common.NewChecksumer(common.CRC32Checksum),
		filterPolicy: fp,
		cache:        cache,
	}

	var err error
	if sr.filterBlock, err = sr.readBlockAt(filterBH, false); err != nil {
		return nil, err
	}
	propsRaw, err := sr.readBlockAt(propsBH, false)
	if err != nil {
		return nil, err
	}
	if sr.props, err = decodeProps(propsRaw); err != nil {
		return nil, err
	}
	sr.props.FileNum = fileNum
	sr.props.Size = uint64(size)
	indexRaw, err := sr.readBlockAt(indexBH, false)
	if err != nil {
		return nil, err
	}
	if err := sr.decodeIndex(indexRaw); err != nil {
		return nil, err
	}
	return sr, nil
}

func (sr *Reader) decodeIndex(raw []byte) error {
	if len(raw) < 4 {
		return fmt.Errorf("%w: index block too short", common.ErrCorruption)
	}
	count := int(binary.LittleEndian.Uint32(raw))
	raw = raw[4:]
	sr.indexKeys = make([][]byte, 0, count)
	sr.indexHandles = make([]block.Handle, 0, count)
	for i := 0; i < count; i++ {
		if len(raw) < 4 {
			return fmt.Errorf("%w: truncated index entry", common.ErrCorruption)
		}
		klen := int(binary.LittleEndian.Uint32(raw))
		raw = raw[4:]
		if len(raw) < klen+block.HandleLen {
			return fmt.Errorf("%w: truncated index entry", common.ErrCorruption)
		}
		sr.indexKeys = append(sr.indexKeys, append([]byte(nil), raw[:klen]...))
		sr.indexHandles = append(sr.indexHandles, block.DecodeHandle(raw[klen:]))
		raw = raw[klen+block.HandleLen:]
	}
	if len(raw) != 0 {
		return fmt.Errorf("%w: trailing bytes in index block", common.ErrCorruption)
	}
	return nil
}

// readBlockAt reads and opens one physical block, consulting the block cache
// for data blocks.
func (sr *Reader) readBlockAt(h block.Handle, cacheable bool) ([]byte, error) {
	if cacheable {
		if raw, ok := sr.cache.get(sr.fileNum, h.Offset); ok {
			return raw, nil
		}
	}
	phys := make([]byte, h.Length)
	if _, err := sr.r.ReadAt(phys, int64(h.Offset)); err != nil {
		return nil, err
	}
	raw, err := block.Open(phys, sr.ck)
	if err != nil {
		return nil, fmt.Errorf("table %d block at %d: %w", sr.fileNum, h.Offset, err)
	}
	if cacheable {
		sr.cache.set(sr.fileNum, h.Offset, raw)
	}
	return raw, nil
}

// Props returns the table's properties block contents.
func (sr *Reader) Props() Meta { return sr.props }

// Get returns the newest entry for userKey stored in this table, tombstones
// included. ok reports whether any version was found.
func (sr *Reader) Get(userKey []byte) (value []byte, kind common.KeyKind, ok bool, err error) {
	if sr.filterPolicy != nil && !sr.filterPolicy.MayContain(sr.filterBlock, userKey) {
		return nil, 0, false, nil
	}
	search := common.MakeSearchKey(userKey).Serialize()
	idx := sort.Search(len(sr.indexKeys), func(i int) bool {
		return sr.cmp.Compare(sr.indexKeys[i], search) >= 0
	})
	if idx == len(sr.indexKeys) {
		return nil, 0, false, nil
	}
	raw, err := sr.readBlockAt(sr.indexHandles[idx], true)
	if err != nil {
		return nil, 0, false, err
	}
	bi, err := block.NewIter(sr.cmp, raw)
	if err != nil {
		return nil, 0, false, err
	}
	if !bi.SeekGE(search) {
		return nil, 0, false, bi.Error()
	}
	key := bi.Key()
	if sr.cmp.CompareUserKeys(key.UserKey, userKey) != 0 {
		return nil, 0, false, nil
	}
	return bi.Value(), key.Kind(), true, nil
}

func (sr *Reader) Close() error { return sr.r.Close() }
