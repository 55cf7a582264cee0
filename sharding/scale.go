package sharding

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/ngshard/ngshard"
	"github.com/janelia-flyem/ngshard/storage"
)

// ShardedScale stores and fetches the chunks of one dataset scale,
// fanning them out to Shard objects by shard key.  Shard files live
// under the scale's key directory.  Distinct shards share no mutable
// state, so Close serializes them in parallel.
type ShardedScale struct {
	Key string

	spec     *ShardSpec
	volSpec  *ShardVolumeSpec
	accessor storage.Accessor
	strategy Strategy

	mu     sync.Mutex
	shards map[uint64]*Shard
}

func NewShardedScale(accessor storage.Accessor, key string, spec *ShardSpec, volSpec *ShardVolumeSpec, strategy Strategy) *ShardedScale {
	return &ShardedScale{
		Key:      key,
		spec:     spec,
		volSpec:  volSpec,
		accessor: accessor,
		strategy: strategy,
		shards:   make(map[uint64]*Shard),
	}
}

// VolumeSpec returns the chunk grid geometry of this scale.
func (s *ShardedScale) VolumeSpec() *ShardVolumeSpec {
	return s.volSpec
}

// ShardingJSON returns the metadata block for the scale's "sharding"
// field in the dataset info manifest.
func (s *ShardedScale) ShardingJSON() Metadata {
	return s.spec.Metadata()
}

func (s *ShardedScale) getShard(ctx context.Context, shardKey uint64) (*Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shard, found := s.shards[shardKey]
	if !found {
		var err error
		if shard, err = OpenShard(ctx, s.accessor, s.Key, shardKey, s.spec, s.strategy); err != nil {
			return nil, err
		}
		s.shards[shardKey] = shard
	}
	return shard, nil
}

// StoreCMCChunk stores an encoded chunk payload under its morton code.
func (s *ShardedScale) StoreCMCChunk(ctx context.Context, buf []byte, cmc uint64) error {
	shard, err := s.getShard(ctx, s.spec.ShardKey(cmc))
	if err != nil {
		return err
	}
	return shard.StoreCMCChunk(buf, cmc)
}

// StoreChunk stores a chunk payload by its voxel-space extents.
func (s *ShardedScale) StoreChunk(ctx context.Context, buf []byte, extents ngshard.ChunkExtents) error {
	cmc, err := s.volSpec.GetCMC(extents)
	if err != nil {
		return err
	}
	return s.StoreCMCChunk(ctx, buf, cmc)
}

// FetchCMCChunk fetches the chunk payload stored under a morton code.
func (s *ShardedScale) FetchCMCChunk(ctx context.Context, cmc uint64) ([]byte, error) {
	shard, err := s.getShard(ctx, s.spec.ShardKey(cmc))
	if err != nil {
		return nil, err
	}
	return shard.FetchCMCChunk(ctx, cmc)
}

// FetchChunk fetches a chunk payload by its voxel-space extents.
func (s *ShardedScale) FetchChunk(ctx context.Context, extents ngshard.ChunkExtents) ([]byte, error) {
	cmc, err := s.volSpec.GetCMC(extents)
	if err != nil {
		return nil, err
	}
	return s.FetchCMCChunk(ctx, cmc)
}

// Close serializes every writable shard of the scale.  Shards are
// independent, so the final serialization fans out across workers; the
// first error aborts the rest.
func (s *ShardedScale) Close(ctx context.Context) error {
	s.mu.Lock()
	shards := make([]*Shard, 0, len(s.shards))
	for _, shard := range s.shards {
		shards = append(shards, shard)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			return shard.Close(gctx)
		})
	}
	return g.Wait()
}
