package sharding

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/janelia-flyem/ngshard/ngshard"
	"github.com/janelia-flyem/ngshard/storage"
)

// Shard owns one shard file: a collection of minishards under a single
// shard key.  A shard is either writable (no file exists yet; chunks
// accumulate in MiniShards until Close serializes everything) or
// readable (a .shard file or legacy .index/.data pair exists and is
// served lazily with range reads).  Which mode applies is decided by a
// file-existence probe at open time.
type Shard struct {
	spec     *ShardSpec
	accessor storage.Accessor
	dir      string
	key      uint64
	base     string

	writable   bool
	strategy   Strategy
	minishards map[uint64]*MiniShard

	reader *shardReader // non-nil iff the shard is readable
}

// OpenShard probes for an existing shard under dir and returns either a
// readable shard backed by the found file(s) or a writable one.
func OpenShard(ctx context.Context, accessor storage.Accessor, dir string, key uint64, spec *ShardSpec, strategy Strategy) (*Shard, error) {
	s := &Shard{
		spec:     spec,
		accessor: accessor,
		dir:      dir,
		key:      key,
		base:     spec.shardFileBase(key),
		strategy: strategy,
	}

	modernPath := path.Join(dir, s.base+".shard")
	exists, err := accessor.FileExists(ctx, modernPath)
	if err != nil {
		return nil, err
	}
	if exists {
		s.reader = newShardReader(spec, &modernFile{accessor: accessor, path: modernPath})
		return s, nil
	}

	indexPath := path.Join(dir, s.base+".index")
	dataPath := path.Join(dir, s.base+".data")
	haveIndex, err := accessor.FileExists(ctx, indexPath)
	if err != nil {
		return nil, err
	}
	if haveIndex {
		haveData, err := accessor.FileExists(ctx, dataPath)
		if err != nil {
			return nil, err
		}
		if haveData {
			s.reader = newShardReader(spec, &legacyFile{
				accessor:  accessor,
				indexPath: indexPath,
				dataPath:  dataPath,
				headerLen: spec.headerByteLength(),
			})
			return s, nil
		}
	}

	s.writable = true
	s.minishards = make(map[uint64]*MiniShard)
	return s, nil
}

func (s *Shard) String() string {
	return fmt.Sprintf("shard %s in %q", s.base, s.dir)
}

// StoreCMCChunk routes an encoded chunk payload to its minishard.
func (s *Shard) StoreCMCChunk(buf []byte, cmc uint64) error {
	if !s.writable {
		return fmt.Errorf("can't store chunk %x: %s is read-only", cmc, s)
	}
	minishardKey := s.spec.MinishardKey(cmc)
	ms, found := s.minishards[minishardKey]
	if !found {
		var err error
		if ms, err = newMiniShard(s.spec, s.strategy); err != nil {
			return err
		}
		s.minishards[minishardKey] = ms
	}
	if err := ms.StoreCMCChunk(buf, cmc); err != nil {
		return fmt.Errorf("%s, minishard %x: %w", s, minishardKey, err)
	}
	return nil
}

// FetchCMCChunk returns the decoded payload of the chunk stored under
// the given morton code, or ErrChunkNotFound.
func (s *Shard) FetchCMCChunk(ctx context.Context, cmc uint64) ([]byte, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("%s has no file yet, chunk %x: %w", s, cmc, ErrChunkNotFound)
	}
	return s.reader.fetchCMC(ctx, cmc)
}

// Close serializes a writable shard to its .shard file:
//
//	[fixed-size shard index table]
//	[every minishard's data region, in minishard-key order]
//	[every minishard's encoded index, in minishard-key order]
//
// The index table has one (start, end) offset pair per minishard slot,
// offsets relative to the end of the table; slots without data get an
// empty range.  Spill buffers are released whether or not serialization
// succeeds.  Closing a read-only shard is a no-op.
func (s *Shard) Close(ctx context.Context) error {
	if !s.writable || len(s.minishards) == 0 {
		return nil
	}
	timedLog := ngshard.NewTimeLog()

	defer func() {
		for _, ms := range s.minishards {
			if err := ms.release(); err != nil {
				ngshard.Errorf("Error releasing minishard buffers of %s: %v\n", s, err)
			}
		}
	}()

	keys := make([]uint64, 0, len(s.minishards))
	for key := range s.minishards {
		if key >= s.spec.numMinishards() {
			return configErrorf("minishard key %x exceeds the %d slots of %s", key, s.spec.numMinishards(), s)
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	// Drain pending buffers and lay out the data regions back to back.
	var dataSize uint64
	for _, key := range keys {
		ms := s.minishards[key]
		if err := ms.Close(); err != nil {
			return fmt.Errorf("%s, minishard %x: %w", s, key, err)
		}
		ms.setOffset(dataSize)
		dataSize += uint64(ms.dataSize())
	}

	indexBlobs := make(map[uint64][]byte, len(keys))
	for _, key := range keys {
		blob, err := s.minishards[key].encodedIndex()
		if err != nil {
			return fmt.Errorf("%s, minishard %x: %v", s, key, err)
		}
		indexBlobs[key] = blob
	}

	// The shard index table: slot i belongs to minishard key i.  Empty
	// slots carry an empty range at the current tally.
	table := make([]byte, s.spec.headerByteLength())
	tally := dataSize
	for slot := uint64(0); slot < s.spec.numMinishards(); slot++ {
		start := tally
		if blob, found := indexBlobs[slot]; found {
			tally += uint64(len(blob))
		}
		binary.LittleEndian.PutUint64(table[slot*16:], start)
		binary.LittleEndian.PutUint64(table[slot*16+8:], tally)
	}

	pr, pw := io.Pipe()
	go func() {
		if _, err := pw.Write(table); err != nil {
			pw.CloseWithError(err)
			return
		}
		for _, key := range keys {
			if err := s.minishards[key].data.writeTo(pw); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		for _, key := range keys {
			if _, err := pw.Write(indexBlobs[key]); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	shardPath := path.Join(s.dir, s.base+".shard")
	if err := s.accessor.StoreFileFrom(ctx, shardPath, pr); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("error writing %s: %w", s, err)
	}
	s.writable = false
	timedLog.Infof("wrote %s: %d minishards, %d data bytes", s, len(keys), dataSize)
	return nil
}
