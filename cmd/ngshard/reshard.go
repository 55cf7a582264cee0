package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/ngshard/ngshard"
	"github.com/janelia-flyem/ngshard/precomputed"
	"github.com/janelia-flyem/ngshard/sharding"
	"github.com/janelia-flyem/ngshard/storage"
)

const progressInterval = 1000 // chunks between progress logs

// fetchedChunk is one decoded chunk pulled from the source dataset.
type fetchedChunk struct {
	extents ngshard.ChunkExtents
	data    []byte
}

func reshard(ctx context.Context, config reshardConfig, dryrun bool) error {
	if config.Source == "" || config.Dest == "" {
		return fmt.Errorf("config must set both reshard.source and reshard.dest")
	}
	if config.Fetchers <= 0 {
		config.Fetchers = 8
	}

	srcAccessor, err := storage.OpenAccessor(ctx, config.Source)
	if err != nil {
		return fmt.Errorf("unable to open source %q: %w", config.Source, err)
	}
	defer srcAccessor.Close()

	src, err := precomputed.OpenStore(ctx, srcAccessor, precomputed.Options{
		CacheBytes: config.CacheMB << 20,
	})
	if err != nil {
		return err
	}

	scales, err := selectScales(src.Info(), config.Scales)
	if err != nil {
		return err
	}

	var dst *precomputed.Store
	if !dryrun {
		dstAccessor, err := storage.OpenAccessor(ctx, config.Dest)
		if err != nil {
			return fmt.Errorf("unable to open destination %q: %w", config.Dest, err)
		}
		defer dstAccessor.Close()

		dstInfo, err := shardedInfo(src.Info(), scales, config)
		if err != nil {
			return err
		}
		strategy := sharding.InMemory
		if config.OnDisk {
			strategy = sharding.OnDisk
		}
		dst, err = precomputed.CreateStore(ctx, dstAccessor, dstInfo, precomputed.Options{
			Strategy: strategy,
		})
		if err != nil {
			return err
		}
	}

	for _, scale := range scales {
		if err := reshardScale(ctx, src, dst, scale, config.Fetchers); err != nil {
			return fmt.Errorf("scale %q: %w", scale.Key, err)
		}
	}
	if dst != nil {
		timelog := ngshard.NewTimeLog()
		if err := dst.Close(ctx); err != nil {
			return err
		}
		timelog.Infof("flushed shards to %q", config.Dest)
	}
	return nil
}

// selectScales resolves the configured scale keys, defaulting to all.
func selectScales(info *precomputed.VolumeInfo, keys []string) ([]*precomputed.ScaleInfo, error) {
	if len(keys) == 0 {
		scales := make([]*precomputed.ScaleInfo, len(info.Scales))
		for i := range info.Scales {
			scales[i] = &info.Scales[i]
		}
		return scales, nil
	}
	scales := make([]*precomputed.ScaleInfo, len(keys))
	for i, key := range keys {
		scale, err := info.Scale(key)
		if err != nil {
			return nil, err
		}
		scales[i] = scale
	}
	return scales, nil
}

// shardedInfo copies the source manifest, giving each selected scale a
// sharding block and collapsing its chunk sizes to the first one.
func shardedInfo(info *precomputed.VolumeInfo, scales []*precomputed.ScaleInfo, config reshardConfig) (*precomputed.VolumeInfo, error) {
	if config.MinishardBits == 0 && config.ShardBits == 0 {
		return nil, fmt.Errorf("config must set reshard.minishard_bits and/or reshard.shard_bits")
	}
	dataEncoding := config.DataEncoding
	if dataEncoding == "" {
		dataEncoding = "gzip"
	}
	indexEncoding := config.IndexEncoding
	if indexEncoding == "" {
		indexEncoding = "gzip"
	}
	selected := make(map[string]struct{}, len(scales))
	for _, scale := range scales {
		selected[scale.Key] = struct{}{}
	}

	out := *info
	out.Scales = append([]precomputed.ScaleInfo(nil), info.Scales...)
	for i := range out.Scales {
		scale := &out.Scales[i]
		if _, ok := selected[scale.Key]; !ok {
			continue
		}
		scale.ChunkSizes = scale.ChunkSizes[:1]
		metadata := sharding.Metadata{
			FormatType:    sharding.FormatType,
			Hash:          "identity",
			MinishardBits: config.MinishardBits,
			ShardBits:     config.ShardBits,
			IndexEncoding: indexEncoding,
			DataEncoding:  dataEncoding,
		}
		if _, err := sharding.NewShardSpec(metadata); err != nil {
			return nil, err
		}
		scale.Sharding = &metadata
	}
	return &out, nil
}

// reshardScale streams every chunk of one scale from src to dst.
// Fetches run in parallel; stores run on this goroutine because shard
// writes are ordered.
func reshardScale(ctx context.Context, src, dst *precomputed.Store, scale *precomputed.ScaleInfo, fetchers int) error {
	chunkSize := scale.ChunkSizes[0]
	extents := enumerateChunks(scale.Size, chunkSize)
	timelog := ngshard.NewTimeLog()
	ngshard.Infof("scale %q: %d chunk positions to copy\n", scale.Key, len(extents))

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan ngshard.ChunkExtents, fetchers)
	fetched := make(chan fetchedChunk, fetchers)

	g.Go(func() error {
		defer close(work)
		for _, e := range extents {
			select {
			case work <- e:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var fg errgroup.Group
	fg.SetLimit(fetchers)
	g.Go(func() error {
		defer close(fetched)
		for e := range work {
			e := e
			fg.Go(func() error {
				data, err := src.FetchChunk(gctx, scale.Key, e)
				if errors.Is(err, sharding.ErrChunkNotFound) {
					return nil // sparse volume, nothing stored here
				}
				if err != nil {
					return err
				}
				select {
				case fetched <- fetchedChunk{extents: e, data: data}:
				case <-gctx.Done():
					return gctx.Err()
				}
				return nil
			})
		}
		return fg.Wait()
	})

	var copied, copiedBytes uint64
	g.Go(func() error {
		for chunk := range fetched {
			if dst != nil {
				if err := dst.StoreChunk(gctx, scale.Key, chunk.extents, chunk.data); err != nil {
					return err
				}
			}
			copied++
			copiedBytes += uint64(len(chunk.data))
			if copied%progressInterval == 0 {
				timelog.Infof("scale %q: copied %d chunks, %s", scale.Key,
					copied, humanize.Bytes(copiedBytes))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	timelog.Infof("scale %q: done, %d chunks, %s", scale.Key, copied, humanize.Bytes(copiedBytes))
	return nil
}

// enumerateChunks lists the grid-aligned chunk extents covering a
// volume, clipped to its size along the upper edges.
func enumerateChunks(size, chunkSize ngshard.Point3d) []ngshard.ChunkExtents {
	var extents []ngshard.ChunkExtents
	for z := int32(0); z < size[2]; z += chunkSize[2] {
		z1 := min(z+chunkSize[2], size[2])
		for y := int32(0); y < size[1]; y += chunkSize[1] {
			y1 := min(y+chunkSize[1], size[1])
			for x := int32(0); x < size[0]; x += chunkSize[0] {
				x1 := min(x+chunkSize[0], size[0])
				extents = append(extents, ngshard.ChunkExtents{x, x1, y, y1, z, z1})
			}
		}
	}
	return extents
}
