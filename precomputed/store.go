package precomputed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coocood/freecache"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/ngshard/encoding"
	"github.com/janelia-flyem/ngshard/ngshard"
	"github.com/janelia-flyem/ngshard/sharding"
	"github.com/janelia-flyem/ngshard/storage"
)

// Options tunes how a Store accesses its dataset.
type Options struct {
	// Strategy selects in-memory or spill-to-disk accumulation for
	// sharded scale writes.
	Strategy sharding.Strategy

	// GzipFlat compresses chunk files written to flat scales.
	GzipFlat bool

	// FlatSubdirs stores flat chunks in nested x/y/z directories
	// instead of one directory of underscore-joined names.
	FlatSubdirs bool

	// CacheBytes sets the size of the read-side chunk cache.
	// Zero disables caching.
	CacheBytes int
}

// Store is one precomputed dataset behind an Accessor.  Chunk routing,
// encoding, and shard bookkeeping are resolved per scale from the
// dataset's info manifest.  Methods are safe for concurrent use, with
// the exception that chunks of one sharded scale must be stored from a
// single goroutine (shard writes are ordered).
type Store struct {
	accessor storage.Accessor
	info     *VolumeInfo
	opts     Options
	cache    *freecache.Cache

	mu     sync.Mutex
	scales map[string]*scaleIO
}

// scaleIO is the per-scale machinery: the chunk encoder plus either a
// sharded writer/reader or a flat file layout.
type scaleIO struct {
	info    *ScaleInfo
	encoder encoding.ChunkEncoder
	sharded *sharding.ShardedScale
	flat    *flatScale
}

// OpenStore reads and validates the info manifest of an existing
// dataset reachable through the given accessor.
func OpenStore(ctx context.Context, accessor storage.Accessor, opts Options) (*Store, error) {
	data, err := accessor.FetchFile(ctx, InfoFilename)
	if err != nil {
		return nil, fmt.Errorf("unable to read dataset info from %s: %w", accessor, err)
	}
	var info VolumeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unable to parse dataset info from %s: %v", accessor, err)
	}
	return newStore(accessor, &info, opts)
}

// CreateStore validates the given manifest, writes it as the dataset's
// info file, and returns a store ready for chunk writes.
func CreateStore(ctx context.Context, accessor storage.Accessor, info *VolumeInfo, opts Options) (*Store, error) {
	store, err := newStore(accessor, info, opts)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := accessor.StoreFile(ctx, InfoFilename, data); err != nil {
		return nil, fmt.Errorf("unable to write dataset info to %s: %w", accessor, err)
	}
	return store, nil
}

func newStore(accessor storage.Accessor, info *VolumeInfo, opts Options) (*Store, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("bad dataset info: %w", err)
	}
	store := &Store{
		accessor: accessor,
		info:     info,
		opts:     opts,
		scales:   make(map[string]*scaleIO),
	}
	if opts.CacheBytes > 0 {
		store.cache = freecache.NewCache(opts.CacheBytes)
	}
	return store, nil
}

// Info returns the dataset manifest.
func (s *Store) Info() *VolumeInfo {
	return s.info
}

func (s *Store) getScale(key string) (*scaleIO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if io, found := s.scales[key]; found {
		return io, nil
	}
	scale, err := s.info.Scale(key)
	if err != nil {
		return nil, err
	}
	encoder, err := s.info.chunkEncoder(scale)
	if err != nil {
		return nil, fmt.Errorf("scale %q: %w", key, err)
	}
	io := &scaleIO{info: scale, encoder: encoder}
	if scale.Sharding != nil {
		spec, err := sharding.NewShardSpec(*scale.Sharding)
		if err != nil {
			return nil, fmt.Errorf("scale %q: %w", key, err)
		}
		volSpec, err := sharding.NewShardVolumeSpec(scale.ChunkSizes[0], scale.Size)
		if err != nil {
			return nil, fmt.Errorf("scale %q: %w", key, err)
		}
		io.sharded = sharding.NewShardedScale(s.accessor, key, spec, volSpec, s.opts.Strategy)
	} else {
		io.flat = &flatScale{
			accessor: s.accessor,
			key:      key,
			gzip:     s.opts.GzipFlat,
			subdirs:  s.opts.FlatSubdirs,
		}
	}
	s.scales[key] = io
	return io, nil
}

func cacheKey(scaleKey string, extents ngshard.ChunkExtents) []byte {
	return []byte(scaleKey + "/" + extents.String())
}

// StoreChunk encodes a raw [C,Z,Y,X] little-endian voxel buffer for
// the chunk at the given extents and stores it under the scale.
func (s *Store) StoreChunk(ctx context.Context, scaleKey string, extents ngshard.ChunkExtents, chunk []byte) error {
	scale, err := s.getScale(scaleKey)
	if err != nil {
		return err
	}
	encoded, err := scale.encoder.Encode(chunk, extents.Size())
	if err != nil {
		return fmt.Errorf("chunk %s of scale %q: %w", extents, scaleKey, err)
	}
	if s.cache != nil {
		s.cache.Del(cacheKey(scaleKey, extents))
	}
	if scale.sharded != nil {
		return scale.sharded.StoreChunk(ctx, encoded, extents)
	}
	return scale.flat.StoreChunk(ctx, encoded, extents)
}

// FetchChunk retrieves and decodes the chunk at the given extents.
// A missing chunk is reported as sharding.ErrChunkNotFound.
func (s *Store) FetchChunk(ctx context.Context, scaleKey string, extents ngshard.ChunkExtents) ([]byte, error) {
	scale, err := s.getScale(scaleKey)
	if err != nil {
		return nil, err
	}
	var encoded []byte
	if s.cache != nil {
		if hit, err := s.cache.Get(cacheKey(scaleKey, extents)); err == nil {
			encoded = hit
		}
	}
	if encoded == nil {
		if scale.sharded != nil {
			encoded, err = scale.sharded.FetchChunk(ctx, extents)
		} else {
			encoded, err = scale.flat.FetchChunk(ctx, extents)
		}
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			// Oversized chunks just skip the cache.
			_ = s.cache.Set(cacheKey(scaleKey, extents), encoded, 0)
		}
	}
	chunk, err := scale.encoder.Decode(encoded, extents.Size())
	if err != nil {
		return nil, fmt.Errorf("chunk %s of scale %q: %w", extents, scaleKey, err)
	}
	return chunk, nil
}

// Chunk is FetchChunk plus the metadata needed to interpret the bytes.
func (s *Store) Chunk(ctx context.Context, scaleKey string, extents ngshard.ChunkExtents) (*encoding.Chunk, error) {
	data, err := s.FetchChunk(ctx, scaleKey, extents)
	if err != nil {
		return nil, err
	}
	dataType, err := encoding.ParseDataType(s.info.DataType)
	if err != nil {
		return nil, err
	}
	return &encoding.Chunk{
		Data:        data,
		DataType:    dataType,
		NumChannels: s.info.NumChannels,
		Size:        extents.Size(),
	}, nil
}

// Close flushes every sharded scale that was written, in parallel
// across scales.  The underlying accessor is left open.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	sharded := make([]*sharding.ShardedScale, 0, len(s.scales))
	for _, scale := range s.scales {
		if scale.sharded != nil {
			sharded = append(sharded, scale.sharded)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, scale := range sharded {
		scale := scale
		g.Go(func() error {
			return scale.Close(gctx)
		})
	}
	return g.Wait()
}
