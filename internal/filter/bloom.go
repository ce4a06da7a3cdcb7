// Package filter provides the probabilistic membership filter consulted
// before any table disk read.
package filter

import (
	"math"

	"github.com/twmb/murmur3"
)

const bloomSeed uint32 = 0xbc9f1d34

// IFilter has a build phase and a probe phase. Once probing begins, new
// insertions are not valid.
type IFilter interface {
	NewWriter() IWriter
	Name() string
	// MayContain reports whether the encoded filter may contain the given
	// key. False positives are possible; false negatives are not.
	MayContain(filter, key []byte) bool
}

type IWriter interface {
	Add(key []byte)
	// Build encodes the filter over all added keys and resets the writer.
	Build() []byte
}

// bloomFilter is a classic bloom filter using double hashing derived from a
// single murmur3 hash per key.
//
// Encoded layout: bit array, then 1 byte holding the probe count.
type bloomFilter struct {
	bitsPerKey int
}

// NewBloomFilter builds a filter policy sized for the target false positive
// rate: bitsPerKey = -ln(p) / ln(2)^2.
func NewBloomFilter(fpRate float64) IFilter {
	ln2 := math.Ln2
	bitsPerKey := int(math.Ceil(-math.Log(fpRate) / (ln2 * ln2)))
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &bloomFilter{bitsPerKey: bitsPerKey}
}

func (bf *bloomFilter) Name() string { return "vayadb.BloomFilter" }

func (bf *bloomFilter) NewWriter() IWriter {
	return &bloomFilterWriter{
		bitsPerKey: bf.bitsPerKey,
		nProbes:    calculateProbes(bf.bitsPerKey),
	}
}

func (bf *bloomFilter) MayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return false
	}
	nBits := uint32(len(filter)-1) * 8
	nProbes := filter[len(filter)-1]

	h := murmur3.SeedSum32(bloomSeed, key)
	delta := h>>17 | h<<15
	for p := byte(0); p < nProbes; p++ {
		bitPos := h % nBits
		if filter[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

type bloomFilterWriter struct {
	bitsPerKey int
	nProbes    byte
	hashes     []uint32
}

func (bw *bloomFilterWriter) Add(key []byte) {
	bw.hashes = append(bw.hashes, murmur3.SeedSum32(bloomSeed, key))
}

func (bw *bloomFilterWriter) Build() []byte {
	nBits := len(bw.hashes) * bw.bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	buf := make([]byte, nBytes+1)
	for _, h := range bw.hashes {
		delta := h>>17 | h<<15
		for p := byte(0); p < bw.nProbes; p++ {
			bitPos := h % uint32(nBits)
			buf[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	buf[nBytes] = bw.nProbes

	bw.hashes = bw.hashes[:0]
	return buf
}

func calculateProbes(bitsPerKey int) byte {
	n := byte(float64(bitsPerKey) * 0.69) // 0.69 =~ ln(2)
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	return n
}

var (
	_ IFilter = (*bloomFilter)(nil)
	_ IWriter = (*bloomFilterWriter)(nil)
)
