// Package sstable implements the immutable, sorted, block-organised on-disk
// table format.
//
// File layout:
//
//	+------------------+
//	| Magic (4)        |
//	| Version (4)      |
//	+------------------+
//	| Data blocks ...  |  target BlockSize, optionally compressed,
//	+------------------+  each with a [compression|CRC32] trailer
//	| Filter block     |
//	+------------------+
//	| Properties block |  smallest/largest key, entry count, seq range
//	+------------------+
//	| Index block      |  last key of each data block -> block handle
//	+------------------+
//	| Footer (56)      |
//	+------------------+
package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/ib823/vaya-sub002/internal/block"
	"github.com/ib823/vaya-sub002/internal/common"
	"github.com/ib823/vaya-sub002/internal/filter"
	"github.com/ib823/vaya-sub002/internal/storage"
)

// FooterLen is the fixed footer: filter, properties and index handles, then
// the format version and magic bytes.
const FooterLen = 3*block.HandleLen + 4 + 4

type WriterOptions struct {
	BlockSize    int
	Compression  block.CompressionType
	FilterPolicy filter.IFilter
}

// Writer emits one table from a sorted, deduplicated entry stream. Output is
// byte-stable for identical input.
type Writer struct {
	w    storage.Writable
	opts WriterOptions
	cmp  common.IComparer
	ck   common.IChecksum

	compressor   block.ICompression
	metaSealer   block.ICompression
	dataBlock    *block.Builder
	filterWriter filter.IWriter

	indexKeys    [][]byte // serialised last internal key per data block
	indexHandles []block.Handle

	offset uint64
	meta   Meta

	lastKey common.InternalKey
	hasLast bool
	err     error
}

func NewWriter(w storage.Writable, fileNum common.FileNum, opts WriterOptions) (*Writer, error) {
	header := common.EncodeFileHeader()
	if _, err := w.Write(header); err != nil {
		return nil, err
	}
	sw := &Writer{
		w:          w,
		opts:       opts,
		cmp:        common.NewComparer(),
		ck:         common.NewChecksumer(common.CRC32Checksum),
		compressor: block.NewCompressor(opts.Compression),
		metaSealer: block.NewCompressor(block.NoCompression),
		dataBlock:  block.NewBuilder(opts.BlockSize),
		offset:     uint64(len(header)),
	}
	sw.meta.FileNum = fileNum
	sw.meta.MinSeq = common.SeqNum(1<<63 - 1)
	if opts.FilterPolicy != nil {
		sw.filterWriter = opts.FilterPolicy.NewWriter()
	}
	return sw, nil
}

// Add appends one entry. Keys must arrive in strictly increasing internal
// key order and deduplicated per (user key, seqnum).
func (sw *Writer) Add(key common.InternalKey, value []byte) error {
	if sw.err != nil {
		return sw.err
	}
	if err := sw.validateKey(key); err != nil {
		return err
	}

	if sw.dataBlock.EntryCount() > 0 &&
		sw.dataBlock.EstimatedSize(key, len(value)) > sw.opts.BlockSize {
		if err := sw.flushDataBlock(); err != nil {
			return err
		}
	}

	if sw.filterWriter != nil {
		sw.filterWriter.Add(key.UserKey)
	}
	if sw.meta.Smallest == nil {
		sw.meta.Smallest = append([]byte(nil), key.UserKey...)
	}
	sw.meta.Largest = append(sw.meta.Largest[:0], key.UserKey...)
	if s := key.SeqNum(); s < sw.meta.MinSeq {
		sw.meta.MinSeq = s
	}
	if s := key.SeqNum(); s > sw.meta.MaxSeq {
		sw.meta.MaxSeq = s
	}
	sw.meta.Entries++

	sw.dataBlock.Add(key, value)
	sw.lastKey = common.InternalKey{
		UserKey: append([]byte(nil), key.UserKey...),
		Trailer: key.Trailer,
	}
	sw.hasLast = true
	return nil
}

// validateKey ensures entries are added in strictly increasing order.
func (sw *Writer) validateKey(key common.InternalKey) error {
	if !sw.hasLast {
		return nil
	}
	cmp := sw.cmp.CompareUserKeys(key.UserKey, sw.lastKey.UserKey)
	if cmp < 0 || (cmp == 0 && key.Trailer >= sw.lastKey.Trailer) {
		return fmt.Errorf("keys must be added in strictly increasing order")
	}
	return nil
}

func (sw *Writer) flushDataBlock() error {
	raw := sw.dataBlock.Finish()
	phys, err := block.Seal(raw, sw.compressor, sw.ck)
	if err != nil {
		sw.err = err
		return err
	}
	if _, err := sw.w.Write(phys); err != nil {
		sw.err = err
		return err
	}
	sw.indexKeys = append(sw.indexKeys, sw.dataBlock.LastKey().Serialize())
	sw.indexHandles = append(sw.indexHandles, block.Handle{
		Offset: sw.offset,
		Length: uint64(len(phys)),
	})
	sw.offset += uint64(len(phys))
	sw.dataBlock.Reset()
	return nil
}

func (sw *Writer) writeMetaBlock(raw []byte) (block.Handle, error) {
	phys, err := block.Seal(raw, sw.metaSealer, sw.ck)
	if err != nil {
		return block.Handle{}, err
	}
	if _, err := sw.w.Write(phys); err != nil {
		return block.Handle{}, err
	}
	h := block.Handle{Offset: sw.offset, Length: uint64(len(phys))}
	sw.offset += uint64(len(phys))
	return h, nil
}

func (sw *Writer) encodeIndexBlock() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(sw.indexKeys)))
	var handleBuf [block.HandleLen]byte
	for i, k := range sw.indexKeys {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		sw.indexHandles[i].EncodeTo(handleBuf[:])
		buf = append(buf, handleBuf[:]...)
	}
	return buf
}

// Finish flushes the trailing data block, writes the filter, properties,
// index and footer, and makes the file durable.
func (sw *Writer) Finish() (Meta, error) {
	if sw.err != nil {
		return Meta{}, sw.err
	}
	if sw.dataBlock.EntryCount() > 0 {
		if err := sw.flushDataBlock(); err != nil {
			return Meta{}, err
		}
	}
	if sw.meta.Entries == 0 {
		sw.meta.MinSeq = 0
	}

	var filterBlock []byte
	if sw.filterWriter != nil {
		filterBlock = sw.filterWriter.Build()
	}
	filterBH, err := sw.writeMetaBlock(filterBlock)
	if err != nil {
		return Meta{}, err
	}
	propsBH, err := sw.writeMetaBlock(sw.meta.encodeProps())
	if err != nil {
		return Meta{}, err
	}
	indexBH, err := sw.writeMetaBlock(sw.encodeIndexBlock())
	if err != nil {
		return Meta{}, err
	}

	footer := make([]byte, FooterLen)
	filterBH.EncodeTo(footer)
	propsBH.EncodeTo(footer[block.HandleLen:])
	indexBH.EncodeTo(footer[2*block.HandleLen:])
	binary.LittleEndian.PutUint32(footer[3*block.HandleLen:], common.FormatVersion)
	copy(footer[3*block.HandleLen+4:], common.MagicBytes[:])
	if _, err := sw.w.Write(footer); err != nil {
		return Meta{}, err
	}
	sw.offset += uint64(FooterLen)
	sw.meta.Size = sw.offset

	if err := sw.w.Sync(); err != nil {
		return Meta{}, err
	}
	if err := sw.w.Close(); err != nil {
		return Meta{}, err
	}
	return sw.meta, nil
}

// Abort closes the underlying file without finishing it. The caller removes
// the partial object.
func (sw *Writer) Abort() {
	_ = sw.w.Close()
}
