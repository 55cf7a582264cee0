/*
Package sharding implements the neuroglancer_uint64_sharded_v1 chunk
container format: many independently encoded volumetric chunks packed
into a small number of shard files, addressed by a compressed Morton
code with a two-level shard/minishard index.

The write path accepts chunks in arbitrary order, buffers out-of-order
arrivals per minishard, and serializes each shard as a fixed-size
minishard offset table followed by concatenated chunk data and minishard
indices.  The read path lazily loads the offset table and per-minishard
indices and serves chunks with range reads, so it works equally over
local files and HTTP.
*/
package sharding

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// FormatType identifies the sharded format in dataset metadata.
const FormatType = "neuroglancer_uint64_sharded_v1"

// blobEncoding is the resolved form of the "raw"/"gzip" encoding names,
// fixed at ShardSpec construction so no string comparison happens per
// chunk.
type blobEncoding uint8

const (
	rawEncoding blobEncoding = iota
	gzipEncoding
)

func parseEncoding(name string) (blobEncoding, error) {
	switch name {
	case "", "raw":
		return rawEncoding, nil
	case "gzip":
		return gzipEncoding, nil
	default:
		return 0, configErrorf("unknown sharding encoding %q (must be raw or gzip)", name)
	}
}

func (e blobEncoding) String() string {
	if e == gzipEncoding {
		return "gzip"
	}
	return "raw"
}

func (e blobEncoding) encode(b []byte) ([]byte, error) {
	if e == rawEncoding {
		return b, nil
	}
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (e blobEncoding) decode(b []byte) ([]byte, error) {
	if e == rawEncoding {
		return b, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, formatErrorf("can't uncompress gzip data: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, formatErrorf("can't read gzip data: %v", err)
	}
	zr.Close()
	return out, nil
}

// Metadata is the JSON "sharding" block of a dataset scale.
type Metadata struct {
	FormatType    string `json:"@type"` // always "neuroglancer_uint64_sharded_v1"
	Hash          string `json:"hash"`
	MinishardBits uint8  `json:"minishard_bits"`
	ShardBits     uint8  `json:"shard_bits"`
	IndexEncoding string `json:"minishard_index_encoding"` // "raw" or "gzip"
	DataEncoding  string `json:"data_encoding"`            // "raw" or "gzip"
	PreshiftBits  uint8  `json:"preshift_bits"`
}

// ShardSpec is the validated, immutable form of a sharding Metadata
// block with all derived masks precomputed.
type ShardSpec struct {
	minishardBits uint8
	shardBits     uint8
	indexEncoding blobEncoding
	dataEncoding  blobEncoding

	minishardMask uint64 // low minishard_bits bits of a morton code
	shardMask     uint64 // the shard_bits bits above the minishard bits
}

// NewShardSpec validates a sharding metadata block and derives the
// shard/minishard masks.  Only the identity hash is supported, and
// preshift_bits must be zero: both restrictions are rejected here rather
// than silently ignored later.
func NewShardSpec(m Metadata) (*ShardSpec, error) {
	if m.FormatType != "" && m.FormatType != FormatType {
		return nil, configErrorf("unexpected shard format type %q, must be %q", m.FormatType, FormatType)
	}
	if m.Hash != "" && m.Hash != "identity" {
		return nil, configErrorf("unsupported shard hash %q, only identity is supported", m.Hash)
	}
	if m.PreshiftBits != 0 {
		return nil, configErrorf("preshift_bits = %d is not supported, must be 0", m.PreshiftBits)
	}
	if int(m.MinishardBits)+int(m.ShardBits) > 64 {
		return nil, configErrorf("minishard_bits (%d) + shard_bits (%d) exceed 64",
			m.MinishardBits, m.ShardBits)
	}
	indexEncoding, err := parseEncoding(m.IndexEncoding)
	if err != nil {
		return nil, err
	}
	dataEncoding, err := parseEncoding(m.DataEncoding)
	if err != nil {
		return nil, err
	}

	spec := &ShardSpec{
		minishardBits: m.MinishardBits,
		shardBits:     m.ShardBits,
		indexEncoding: indexEncoding,
		dataEncoding:  dataEncoding,
	}

	// Bit windows of the 64-bit morton code: the minishard key occupies the
	// low minishard_bits bits, the shard key the shard_bits bits above it.
	const on uint64 = 0xFFFFFFFFFFFFFFFF
	minishardOff := (on >> m.MinishardBits) << m.MinishardBits
	spec.minishardMask = ^minishardOff
	excessBits := 64 - m.ShardBits - m.MinishardBits
	spec.shardMask = (minishardOff << excessBits) >> excessBits
	return spec, nil
}

// Metadata returns the JSON metadata block for this spec, suitable for
// inclusion in a dataset scale's "sharding" field.
func (s *ShardSpec) Metadata() Metadata {
	return Metadata{
		FormatType:    FormatType,
		Hash:          "identity",
		MinishardBits: s.minishardBits,
		ShardBits:     s.shardBits,
		IndexEncoding: s.indexEncoding.String(),
		DataEncoding:  s.dataEncoding.String(),
		PreshiftBits:  0,
	}
}

func (s *ShardSpec) String() string {
	return fmt.Sprintf("shard spec [minishard_bits=%d shard_bits=%d index=%s data=%s]",
		s.minishardBits, s.shardBits, s.indexEncoding, s.dataEncoding)
}

// ShardKey extracts the shard number from a compressed morton code.
func (s *ShardSpec) ShardKey(cmc uint64) uint64 {
	return (cmc & s.shardMask) >> s.minishardBits
}

// MinishardKey extracts the minishard number from a compressed morton code.
func (s *ShardSpec) MinishardKey(cmc uint64) uint64 {
	return cmc & s.minishardMask
}

// cmcStride is the difference between the morton codes of two successive
// chunks assigned to the same minishard of the same shard.
func (s *ShardSpec) cmcStride() uint64 {
	return 1 << (uint(s.minishardBits) + uint(s.shardBits))
}

// headerByteLength is the fixed size of the shard index table: two
// little-endian uint64 offsets per minishard slot.
func (s *ShardSpec) headerByteLength() int64 {
	return int64(1) << s.minishardBits * 16
}

// numMinishards is the number of minishard slots per shard.
func (s *ShardSpec) numMinishards() uint64 {
	return 1 << s.minishardBits
}

// shardFileBase formats a shard key as zero-padded hex of width
// ceil(shard_bits/4), the basename shared by the modern .shard file and
// the legacy .index/.data pair.
func (s *ShardSpec) shardFileBase(shardKey uint64) string {
	width := int(s.shardBits+3) / 4
	if width == 0 {
		width = 1
	}
	return fmt.Sprintf("%0*x", width, shardKey)
}
