package sharding

import (
	"errors"
	"testing"

	"github.com/janelia-flyem/ngshard/ngshard"
)

func TestLog2(t *testing.T) {
	tests := []struct {
		value int32
		bits  uint8
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4}, {1024, 10}, {1025, 11},
	}
	for _, tc := range tests {
		if got := log2(tc.value); got != tc.bits {
			t.Errorf("log2(%d) = %d, expected %d", tc.value, got, tc.bits)
		}
	}
}

func TestCompressedMortonCode(t *testing.T) {
	v, err := NewShardVolumeSpec(ngshard.Point3d{64, 64, 64}, ngshard.Point3d{128, 128, 128})
	if err != nil {
		t.Fatalf("couldn't create volume spec: %v", err)
	}
	tests := []struct {
		extents ngshard.ChunkExtents
		cmc     uint64
	}{
		{ngshard.ChunkExtents{0, 64, 0, 64, 0, 64}, 0},
		{ngshard.ChunkExtents{64, 128, 0, 64, 0, 64}, 1},
		{ngshard.ChunkExtents{0, 64, 64, 128, 0, 64}, 2},
		{ngshard.ChunkExtents{64, 128, 64, 128, 0, 64}, 3},
		{ngshard.ChunkExtents{0, 64, 0, 64, 64, 128}, 4},
		{ngshard.ChunkExtents{64, 128, 64, 128, 64, 128}, 7},
	}
	for _, tc := range tests {
		cmc, err := v.GetCMC(tc.extents)
		if err != nil {
			t.Fatalf("GetCMC(%s): %v", tc.extents, err)
		}
		if cmc != tc.cmc {
			t.Errorf("GetCMC(%s) = %d, expected %d", tc.extents, cmc, tc.cmc)
		}
	}
}

// An asymmetric grid exercises the dimension-dropout in the bit
// interleave: every chunk must map to a distinct code within the packed
// code space.
func TestMortonCodeBijective(t *testing.T) {
	v, err := NewShardVolumeSpec(ngshard.Point3d{64, 64, 64}, ngshard.Point3d{512, 256, 128})
	if err != nil {
		t.Fatalf("couldn't create volume spec: %v", err)
	}
	if v.GridSizes != (ngshard.Point3d{8, 4, 2}) {
		t.Fatalf("unexpected grid sizes %s", v.GridSizes)
	}
	numChunks := v.GridSizes.Prod()
	seen := make(map[uint64]ngshard.ChunkPoint3d, numChunks)
	for z := int32(0); z < v.GridSizes[2]; z++ {
		for y := int32(0); y < v.GridSizes[1]; y++ {
			for x := int32(0); x < v.GridSizes[0]; x++ {
				coord := ngshard.ChunkPoint3d{x, y, z}
				cmc, err := v.CompressedMortonCode(coord)
				if err != nil {
					t.Fatalf("morton code of %s: %v", coord, err)
				}
				if cmc >= uint64(numChunks) {
					t.Errorf("morton code %d of %s outside packed range [0,%d)", cmc, coord, numChunks)
				}
				if prev, dup := seen[cmc]; dup {
					t.Errorf("chunks %s and %s share morton code %d", prev, coord, cmc)
				}
				seen[cmc] = coord
			}
		}
	}
}

func TestGetCMCErrors(t *testing.T) {
	v, err := NewShardVolumeSpec(ngshard.Point3d{64, 64, 64}, ngshard.Point3d{128, 128, 128})
	if err != nil {
		t.Fatalf("couldn't create volume spec: %v", err)
	}
	var coordErr *CoordError

	// Not grid-aligned.
	if _, err := v.GetCMC(ngshard.ChunkExtents{32, 96, 0, 64, 0, 64}); !errors.As(err, &coordErr) {
		t.Errorf("expected CoordError for unaligned extents, got %v", err)
	}
	// Outside the volume.
	if _, err := v.GetCMC(ngshard.ChunkExtents{128, 192, 0, 64, 0, 64}); !errors.As(err, &coordErr) {
		t.Errorf("expected CoordError for out-of-volume extents, got %v", err)
	}
	// Negative.
	if _, err := v.GetCMC(ngshard.ChunkExtents{-64, 0, 0, 64, 0, 64}); !errors.As(err, &coordErr) {
		t.Errorf("expected CoordError for negative extents, got %v", err)
	}
}

func TestNewShardVolumeSpecErrors(t *testing.T) {
	var configErr *ConfigError
	if _, err := NewShardVolumeSpec(ngshard.Point3d{0, 64, 64}, ngshard.Point3d{128, 128, 128}); !errors.As(err, &configErr) {
		t.Errorf("expected ConfigError for zero chunk size, got %v", err)
	}
	if _, err := NewShardVolumeSpec(ngshard.Point3d{64, 64, 64}, ngshard.Point3d{128, -1, 128}); !errors.As(err, &configErr) {
		t.Errorf("expected ConfigError for negative volume size, got %v", err)
	}
	// 2^30 chunks per dimension would need 90 bits of morton code.
	if _, err := NewShardVolumeSpec(ngshard.Point3d{1, 1, 1},
		ngshard.Point3d{1 << 30, 1 << 30, 1 << 30}); !errors.As(err, &configErr) {
		t.Errorf("expected ConfigError for morton overflow, got %v", err)
	}
}
