package precomputed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ngshard/ngshard"
	"github.com/janelia-flyem/ngshard/sharding"
	"github.com/janelia-flyem/ngshard/storage"
)

// flatScale stores one unsharded scale as a file per chunk.  Two path
// layouts exist in the wild: a single directory of "x0-x1_y0-y1_z0-z1"
// files, and nested "x0-x1/y0-y1/z0-z1" subdirectories.  Reads probe
// for a gzipped variant of the chunk file transparently.
type flatScale struct {
	accessor storage.Accessor
	key      string
	gzip     bool // compress stored chunk files
	subdirs  bool // use the nested path layout
}

func (f *flatScale) chunkPath(extents ngshard.ChunkExtents) string {
	if f.subdirs {
		return path.Join(f.key,
			fmt.Sprintf("%d-%d", extents[0], extents[1]),
			fmt.Sprintf("%d-%d", extents[2], extents[3]),
			fmt.Sprintf("%d-%d", extents[4], extents[5]))
	}
	return path.Join(f.key, extents.String())
}

func (f *flatScale) StoreChunk(ctx context.Context, buf []byte, extents ngshard.ChunkExtents) error {
	chunkPath := f.chunkPath(extents)
	if !f.gzip {
		return f.accessor.StoreFile(ctx, chunkPath, buf)
	}
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(buf); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.accessor.StoreFile(ctx, chunkPath+".gz", compressed.Bytes())
}

func (f *flatScale) FetchChunk(ctx context.Context, extents ngshard.ChunkExtents) ([]byte, error) {
	chunkPath := f.chunkPath(extents)
	buf, err := f.accessor.FetchFile(ctx, chunkPath)
	if err == nil {
		return buf, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	buf, err = f.accessor.FetchFile(ctx, chunkPath+".gz")
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("chunk %s of scale %q: %w", extents, f.key, sharding.ErrChunkNotFound)
	}
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("unable to gunzip chunk file %q: %v", chunkPath+".gz", err)
	}
	defer zr.Close()
	uncompressed, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("unable to gunzip chunk file %q: %v", chunkPath+".gz", err)
	}
	return uncompressed, nil
}
