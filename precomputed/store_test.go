package precomputed

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/janelia-flyem/ngshard/ngshard"
	"github.com/janelia-flyem/ngshard/sharding"
	"github.com/janelia-flyem/ngshard/storage"
)

func memAccessor(t *testing.T) storage.Accessor {
	t.Helper()
	accessor, err := storage.OpenAccessor(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("couldn't open mem accessor: %v", err)
	}
	t.Cleanup(func() { accessor.Close() })
	return accessor
}

func flatImageInfo() *VolumeInfo {
	return &VolumeInfo{
		VolumeType:  "image",
		DataType:    "uint8",
		NumChannels: 1,
		Scales: []ScaleInfo{{
			ChunkSizes: []ngshard.Point3d{{8, 8, 8}},
			Encoding:   "raw",
			Key:        "8_8_8",
			Resolution: [3]float64{8, 8, 8},
			Size:       ngshard.Point3d{16, 16, 16},
		}},
	}
}

func gradientChunk(size ngshard.Point3d) []byte {
	chunk := make([]byte, size.Prod())
	for i := range chunk {
		chunk[i] = byte(i * 7)
	}
	return chunk
}

func TestFlatStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	accessor := memAccessor(t)
	store, err := CreateStore(ctx, accessor, flatImageInfo(), Options{})
	if err != nil {
		t.Fatalf("couldn't create store: %v", err)
	}

	extents := ngshard.ChunkExtents{0, 8, 8, 16, 0, 8}
	chunk := gradientChunk(extents.Size())
	if err := store.StoreChunk(ctx, "8_8_8", extents, chunk); err != nil {
		t.Fatalf("couldn't store chunk: %v", err)
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("couldn't close store: %v", err)
	}

	// The chunk file and the info manifest must exist at their spec'd paths.
	for _, path := range []string{"info", "8_8_8/0-8_8-16_0-8"} {
		exists, err := accessor.FileExists(ctx, path)
		if err != nil || !exists {
			t.Errorf("expected file %q (exists=%v, err=%v)", path, exists, err)
		}
	}

	reader, err := OpenStore(ctx, accessor, Options{})
	if err != nil {
		t.Fatalf("couldn't reopen store: %v", err)
	}
	got, err := reader.FetchChunk(ctx, "8_8_8", extents)
	if err != nil {
		t.Fatalf("couldn't fetch chunk: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Error("chunk corrupted in round trip")
	}

	missing := ngshard.ChunkExtents{8, 16, 8, 16, 8, 16}
	if _, err := reader.FetchChunk(ctx, "8_8_8", missing); !errors.Is(err, sharding.ErrChunkNotFound) {
		t.Errorf("missing chunk should be ErrChunkNotFound, got %v", err)
	}
}

// Gzipped flat chunks live under a .gz suffix and are found
// transparently by readers that don't know about the compression.
func TestFlatStoreGzip(t *testing.T) {
	ctx := context.Background()
	accessor := memAccessor(t)
	store, err := CreateStore(ctx, accessor, flatImageInfo(), Options{GzipFlat: true})
	if err != nil {
		t.Fatalf("couldn't create store: %v", err)
	}

	extents := ngshard.ChunkExtents{0, 8, 0, 8, 0, 8}
	chunk := gradientChunk(extents.Size())
	if err := store.StoreChunk(ctx, "8_8_8", extents, chunk); err != nil {
		t.Fatalf("couldn't store chunk: %v", err)
	}

	exists, err := accessor.FileExists(ctx, "8_8_8/0-8_0-8_0-8.gz")
	if err != nil || !exists {
		t.Fatalf("expected gzipped chunk file (exists=%v, err=%v)", exists, err)
	}

	reader, err := OpenStore(ctx, accessor, Options{})
	if err != nil {
		t.Fatalf("couldn't reopen store: %v", err)
	}
	got, err := reader.FetchChunk(ctx, "8_8_8", extents)
	if err != nil {
		t.Fatalf("couldn't fetch gzipped chunk: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Error("chunk corrupted through gzip round trip")
	}
}

func TestFlatStoreSubdirLayout(t *testing.T) {
	ctx := context.Background()
	accessor := memAccessor(t)
	store, err := CreateStore(ctx, accessor, flatImageInfo(), Options{FlatSubdirs: true})
	if err != nil {
		t.Fatalf("couldn't create store: %v", err)
	}
	extents := ngshard.ChunkExtents{8, 16, 0, 8, 8, 16}
	if err := store.StoreChunk(ctx, "8_8_8", extents, gradientChunk(extents.Size())); err != nil {
		t.Fatalf("couldn't store chunk: %v", err)
	}
	exists, err := accessor.FileExists(ctx, "8_8_8/8-16/0-8/8-16")
	if err != nil || !exists {
		t.Errorf("expected nested chunk path (exists=%v, err=%v)", exists, err)
	}
}

func shardedSegmentationInfo() *VolumeInfo {
	blockSize := ngshard.Point3d{8, 8, 8}
	return &VolumeInfo{
		VolumeType:  "segmentation",
		DataType:    "uint64",
		NumChannels: 1,
		Scales: []ScaleInfo{{
			ChunkSizes: []ngshard.Point3d{{8, 8, 8}},
			Encoding:   "compressed_segmentation",
			Key:        "16_16_16",
			Resolution: [3]float64{16, 16, 16},
			Size:       ngshard.Point3d{16, 16, 16},
			Sharding: &sharding.Metadata{
				FormatType:    sharding.FormatType,
				Hash:          "identity",
				MinishardBits: 1,
				ShardBits:     1,
				IndexEncoding: "gzip",
				DataEncoding:  "gzip",
			},
			CompressedSegmentationBlockSize: &blockSize,
		}},
	}
}

func labelChunk(size ngshard.Point3d, seed uint64) []byte {
	chunk := make([]byte, size.Prod()*8)
	for i := int64(0); i < size.Prod(); i++ {
		binary.LittleEndian.PutUint64(chunk[i*8:], seed+uint64(i)%13)
	}
	return chunk
}

func TestShardedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	accessor := memAccessor(t)
	store, err := CreateStore(ctx, accessor, shardedSegmentationInfo(), Options{})
	if err != nil {
		t.Fatalf("couldn't create store: %v", err)
	}

	// All 8 chunks of the 2x2x2 grid.
	chunkSize := ngshard.Point3d{8, 8, 8}
	var allExtents []ngshard.ChunkExtents
	for z := int32(0); z < 16; z += 8 {
		for y := int32(0); y < 16; y += 8 {
			for x := int32(0); x < 16; x += 8 {
				allExtents = append(allExtents, ngshard.ChunkExtents{x, x + 8, y, y + 8, z, z + 8})
			}
		}
	}
	for i, extents := range allExtents {
		if err := store.StoreChunk(ctx, "16_16_16", extents, labelChunk(chunkSize, uint64(i)*1000)); err != nil {
			t.Fatalf("couldn't store chunk %s: %v", extents, err)
		}
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("couldn't close store: %v", err)
	}

	reader, err := OpenStore(ctx, accessor, Options{CacheBytes: 1 << 20})
	if err != nil {
		t.Fatalf("couldn't reopen store: %v", err)
	}
	for pass := 0; pass < 2; pass++ { // second pass comes from the cache
		for i, extents := range allExtents {
			got, err := reader.FetchChunk(ctx, "16_16_16", extents)
			if err != nil {
				t.Fatalf("pass %d: couldn't fetch chunk %s: %v", pass, extents, err)
			}
			if !bytes.Equal(got, labelChunk(chunkSize, uint64(i)*1000)) {
				t.Fatalf("pass %d: chunk %s corrupted", pass, extents)
			}
		}
	}

	chunk, err := reader.Chunk(ctx, "16_16_16", allExtents[0])
	if err != nil {
		t.Fatalf("couldn't fetch typed chunk: %v", err)
	}
	labels, err := chunk.Uint64s(0)
	if err != nil {
		t.Fatalf("couldn't view chunk labels: %v", err)
	}
	if labels[1] != 1 {
		t.Errorf("label at voxel 1 = %d, expected 1", labels[1])
	}
}

func TestVolumeInfoValidate(t *testing.T) {
	bad := []*VolumeInfo{
		{DataType: "uint8", NumChannels: 1}, // no scales
		{DataType: "int8", NumChannels: 1, Scales: []ScaleInfo{{Key: "a",
			ChunkSizes: []ngshard.Point3d{{8, 8, 8}}, Size: ngshard.Point3d{8, 8, 8}}}},
		{DataType: "uint8", NumChannels: 0, Scales: []ScaleInfo{{Key: "a",
			ChunkSizes: []ngshard.Point3d{{8, 8, 8}}, Size: ngshard.Point3d{8, 8, 8}}}},
		{DataType: "uint8", NumChannels: 1, Scales: []ScaleInfo{{ // no key
			ChunkSizes: []ngshard.Point3d{{8, 8, 8}}, Size: ngshard.Point3d{8, 8, 8}}}},
		{DataType: "uint8", NumChannels: 1, Scales: []ScaleInfo{ // duplicate keys
			{Key: "a", ChunkSizes: []ngshard.Point3d{{8, 8, 8}}, Size: ngshard.Point3d{8, 8, 8}},
			{Key: "a", ChunkSizes: []ngshard.Point3d{{8, 8, 8}}, Size: ngshard.Point3d{8, 8, 8}}}},
		{DataType: "uint8", NumChannels: 1, Scales: []ScaleInfo{{Key: "a", // sharded, two chunk sizes
			ChunkSizes: []ngshard.Point3d{{8, 8, 8}, {16, 16, 16}},
			Size:       ngshard.Point3d{8, 8, 8},
			Sharding:   &sharding.Metadata{MinishardBits: 1}}}},
	}
	for i, info := range bad {
		if err := info.Validate(); err == nil {
			t.Errorf("bad info %d should be rejected", i)
		}
	}
	if err := flatImageInfo().Validate(); err != nil {
		t.Errorf("valid info rejected: %v", err)
	}
}
