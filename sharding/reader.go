package sharding

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/janelia-flyem/ngshard/storage"
)

// shardFile is the read strategy for one on-disk shard.  The modern
// layout is a single .shard file; the legacy layout splits the same
// content across an .index file (the shard index table) and a .data
// file (everything after it).  The variant is fixed when the shard is
// opened so individual reads never re-probe.
type shardFile interface {
	readBytes(ctx context.Context, offset, length int64) ([]byte, error)
	name() string
}

type modernFile struct {
	accessor storage.Accessor
	path     string
}

func (f *modernFile) readBytes(ctx context.Context, offset, length int64) ([]byte, error) {
	return f.accessor.ReadRange(ctx, f.path, offset, length)
}

func (f *modernFile) name() string {
	return f.path
}

type legacyFile struct {
	accessor  storage.Accessor
	indexPath string
	dataPath  string
	headerLen int64
}

func (f *legacyFile) readBytes(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < f.headerLen {
		return f.accessor.ReadRange(ctx, f.indexPath, offset, length)
	}
	return f.accessor.ReadRange(ctx, f.dataPath, offset-f.headerLen, length)
}

func (f *legacyFile) name() string {
	return f.indexPath
}

// minishardIndex is the decoded, read-only index of one minishard:
// absolute morton codes with the byte position and length of each
// chunk's payload within the shard file.
type minishardIndex struct {
	cmcs      []uint64 // non-decreasing
	positions []uint64
	lengths   []uint64
}

// shardReader lazily loads the shard index table and per-minishard
// indices of an existing shard and serves chunk fetches by range read.
type shardReader struct {
	spec *ShardSpec
	file shardFile

	mu         sync.RWMutex
	index      []byte // fixed-size shard index table
	minishards map[uint64]*minishardIndex
}

func newShardReader(spec *ShardSpec, file shardFile) *shardReader {
	return &shardReader{
		spec:       spec,
		file:       file,
		minishards: make(map[uint64]*minishardIndex),
	}
}

// loadIndex reads the fixed-size shard index table on first use.
func (r *shardReader) loadIndex(ctx context.Context) ([]byte, error) {
	r.mu.RLock()
	index := r.index
	r.mu.RUnlock()
	if index != nil {
		return index, nil
	}

	index, err := r.file.readBytes(ctx, 0, r.spec.headerByteLength())
	if err != nil {
		return nil, formatErrorf("can't read shard index of %q: %v", r.file.name(), err)
	}
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return index, nil
}

// minishard returns the decoded index for one minishard key, loading
// and caching it on first access.
func (r *shardReader) minishard(ctx context.Context, key uint64) (*minishardIndex, error) {
	r.mu.RLock()
	idx, found := r.minishards[key]
	r.mu.RUnlock()
	if found {
		return idx, nil
	}

	table, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	headerLen := uint64(r.spec.headerByteLength())
	pos := key * 16
	begByte := binary.LittleEndian.Uint64(table[pos:pos+8]) + headerLen
	endByte := binary.LittleEndian.Uint64(table[pos+8:pos+16]) + headerLen
	if endByte < begByte {
		return nil, formatErrorf("shard index of %q has range [%d,%d) for minishard %x",
			r.file.name(), begByte, endByte, key)
	}
	if endByte == begByte {
		idx = &minishardIndex{}
	} else {
		rawData, err := r.file.readBytes(ctx, int64(begByte), int64(endByte-begByte))
		if err != nil {
			return nil, err
		}
		indexData, err := r.spec.indexEncoding.decode(rawData)
		if err != nil {
			return nil, formatErrorf("minishard %x index of %q: %v", key, r.file.name(), err)
		}
		if idx, err = parseMinishardIndex(indexData, headerLen); err != nil {
			return nil, formatErrorf("minishard %x index of %q: %v", key, r.file.name(), err)
		}
	}

	r.mu.Lock()
	r.minishards[key] = idx
	r.mu.Unlock()
	return idx, nil
}

// parseMinishardIndex decodes the 3×N column-major uint64 layout: morton
// deltas, then offset deltas, then lengths.  Positions come out absolute:
// the offset column accumulates on top of the end of the shard index
// table, and each chunk's length pushes the running position forward
// since chunks are stored back to back.
func parseMinishardIndex(data []byte, headerLen uint64) (*minishardIndex, error) {
	if len(data)%24 != 0 {
		return nil, formatErrorf("index length %d is not a multiple of 24 bytes", len(data))
	}
	n := uint64(len(data)) / 24
	idx := &minishardIndex{
		cmcs:      make([]uint64, n),
		positions: make([]uint64, n),
		lengths:   make([]uint64, n),
	}
	var cmc, offset uint64
	idPos, offsetPos, sizePos := uint64(0), n*8, n*16
	sizeAcc := headerLen
	for i := uint64(0); i < n; i++ {
		cmc += binary.LittleEndian.Uint64(data[idPos : idPos+8])
		offset += binary.LittleEndian.Uint64(data[offsetPos : offsetPos+8])
		size := binary.LittleEndian.Uint64(data[sizePos : sizePos+8])

		idx.cmcs[i] = cmc
		idx.positions[i] = offset + sizeAcc
		idx.lengths[i] = size

		sizeAcc += size
		idPos += 8
		offsetPos += 8
		sizePos += 8
	}
	return idx, nil
}

// fetchCMC locates the chunk with the given morton code and range-reads
// its payload.  Zero-length index entries are continuity padding from
// the write path and count as absent chunks.
func (r *shardReader) fetchCMC(ctx context.Context, cmc uint64) ([]byte, error) {
	key := r.spec.MinishardKey(cmc)
	idx, err := r.minishard(ctx, key)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(idx.cmcs), func(i int) bool { return idx.cmcs[i] >= cmc })
	if i >= len(idx.cmcs) || idx.cmcs[i] != cmc || idx.lengths[i] == 0 {
		return nil, formatChunkNotFound(r.file.name(), key, cmc)
	}
	payload, err := r.file.readBytes(ctx, int64(idx.positions[i]), int64(idx.lengths[i]))
	if err != nil {
		return nil, err
	}
	decoded, err := r.spec.dataEncoding.decode(payload)
	if err != nil {
		return nil, formatErrorf("chunk %x in %q, minishard %x: %v", cmc, r.file.name(), key, err)
	}
	return decoded, nil
}

func formatChunkNotFound(file string, minishardKey, cmc uint64) error {
	return fmt.Errorf("chunk %x in %q, minishard %x: %w", cmc, file, minishardKey, ErrChunkNotFound)
}
