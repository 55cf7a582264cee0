package sharding

import (
	"github.com/janelia-flyem/ngshard/ngshard"
)

// ShardVolumeSpec describes the chunk grid of one dataset scale and maps
// chunk coordinates to compressed Morton codes.
type ShardVolumeSpec struct {
	ChunkSizes  ngshard.Point3d // chunk extent per dimension, in voxels
	VolumeSizes ngshard.Point3d // total volume extent per dimension, in voxels

	GridSizes ngshard.Point3d // number of chunks per dimension

	numBits [3]uint8 // bits required to address the grid in each dimension
	maxBits uint8    // max of numBits across dimensions
}

// log2 returns the power of 2 necessary to cover the given value.
func log2(value int32) uint8 {
	var exp uint8
	pow := int32(1)
	for {
		if pow >= value {
			return exp
		}
		pow *= 2
		exp++
	}
}

// NewShardVolumeSpec validates the chunk and volume sizes and
// precomputes the grid geometry.  The morton code must fit in 64 bits.
func NewShardVolumeSpec(chunkSizes, volumeSizes ngshard.Point3d) (*ShardVolumeSpec, error) {
	if !chunkSizes.Positive() {
		return nil, configErrorf("chunk sizes %s must all be positive", chunkSizes)
	}
	if !volumeSizes.Positive() {
		return nil, configErrorf("volume sizes %s must all be positive", volumeSizes)
	}
	v := &ShardVolumeSpec{
		ChunkSizes:  chunkSizes,
		VolumeSizes: volumeSizes,
	}
	var totBits int
	for dim := uint8(0); dim < 3; dim++ {
		gridSize := (volumeSizes[dim] + chunkSizes[dim] - 1) / chunkSizes[dim]
		v.GridSizes[dim] = gridSize
		numBits := log2(gridSize)
		v.numBits[dim] = numBits
		totBits += int(numBits)
		if numBits > v.maxBits {
			v.maxBits = numBits
		}
	}
	if totBits > 64 {
		return nil, configErrorf("grid sizes %s need %d bits of morton code, more than the 64 available",
			v.GridSizes, totBits)
	}
	return v, nil
}

// CompressedMortonCode interleaves the bits of the grid coordinates into
// a single uint64, bit-plane by bit-plane in (x, y, z) order.  A
// dimension stops contributing once its grid size no longer requires the
// bit, which compacts the code for asymmetric volumes.
func (v *ShardVolumeSpec) CompressedMortonCode(gridCoord ngshard.ChunkPoint3d) (uint64, error) {
	var coords [3]uint64
	for dim := uint8(0); dim < 3; dim++ {
		if gridCoord[dim] < 0 || gridCoord[dim] >= v.GridSizes[dim] {
			return 0, coordErrorf("grid coordinate %s outside grid %s", gridCoord, v.GridSizes)
		}
		coords[dim] = uint64(gridCoord[dim])
	}

	var code uint64
	var outBit uint8
	for curBit := uint8(0); curBit < v.maxBits; curBit++ {
		for dim := uint8(0); dim < 3; dim++ {
			if curBit < v.numBits[dim] {
				bitVal := coords[dim] & 0x0000000000000001
				code |= bitVal << outBit
				outBit++
				coords[dim] >>= 1
			}
		}
	}
	return code, nil
}

// GetCMC converts voxel-space chunk extents to the chunk's compressed
// morton code.  Each min coordinate must be an exact multiple of the
// corresponding chunk size and within the volume; violations are
// coordinate errors, never silently truncated.
func (v *ShardVolumeSpec) GetCMC(extents ngshard.ChunkExtents) (uint64, error) {
	minPt := extents.MinPoint()
	var gridCoord ngshard.ChunkPoint3d
	for dim := uint8(0); dim < 3; dim++ {
		if minPt[dim]%v.ChunkSizes[dim] != 0 {
			return 0, coordErrorf("chunk min coordinate %d must be an integer multiple of the chunk size %d, but is not",
				minPt[dim], v.ChunkSizes[dim])
		}
		gridCoord[dim] = minPt[dim] / v.ChunkSizes[dim]
	}
	return v.CompressedMortonCode(gridCoord)
}
