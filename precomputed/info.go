/*
Package precomputed reads and writes Neuroglancer precomputed datasets:
the top-level "info" manifest plus per-scale chunk data, stored either
as flat per-chunk files or as neuroglancer_uint64_sharded_v1 shards.
*/
package precomputed

import (
	"fmt"

	"github.com/janelia-flyem/ngshard/encoding"
	"github.com/janelia-flyem/ngshard/ngshard"
	"github.com/janelia-flyem/ngshard/sharding"
)

// InfoFilename is the name of the dataset manifest at the dataset root.
const InfoFilename = "info"

// ScaleInfo is one entry of the "scales" list in an info file.
type ScaleInfo struct {
	ChunkSizes []ngshard.Point3d  `json:"chunk_sizes"`
	Encoding   string             `json:"encoding"`
	Key        string             `json:"key"`
	Resolution [3]float64         `json:"resolution"`
	Sharding   *sharding.Metadata `json:"sharding,omitempty"`
	Size       ngshard.Point3d    `json:"size"`

	// Only present when Encoding is "compressed_segmentation".
	CompressedSegmentationBlockSize *ngshard.Point3d `json:"compressed_segmentation_block_size,omitempty"`

	VoxelOffset *ngshard.Point3d `json:"voxel_offset,omitempty"`
}

// VolumeInfo is the parsed "info" manifest of a precomputed dataset.
type VolumeInfo struct {
	VolumeType    string      `json:"type"` // "image" or "segmentation"
	DataType      string      `json:"data_type"`
	NumChannels   int         `json:"num_channels"`
	Scales        []ScaleInfo `json:"scales"`
	MeshDir       string      `json:"mesh,omitempty"`               // optional if VolumeType == segmentation
	SkelDir       string      `json:"skeletons,omitempty"`          // optional if VolumeType == segmentation
	LabelPropsDir string      `json:"segment_properties,omitempty"` // optional if VolumeType == segmentation
}

// Scale returns the scale entry with the given key.
func (v *VolumeInfo) Scale(key string) (*ScaleInfo, error) {
	for i := range v.Scales {
		if v.Scales[i].Key == key {
			return &v.Scales[i], nil
		}
	}
	return nil, fmt.Errorf("no scale %q among the %d scales of the dataset", key, len(v.Scales))
}

// Validate checks the manifest for the constraints every scale of a
// dataset must meet before chunks can be stored or fetched.
func (v *VolumeInfo) Validate() error {
	if _, err := encoding.ParseDataType(v.DataType); err != nil {
		return err
	}
	if v.NumChannels <= 0 {
		return fmt.Errorf("number of channels must be positive, got %d", v.NumChannels)
	}
	if len(v.Scales) == 0 {
		return fmt.Errorf("dataset has no scales")
	}
	seen := make(map[string]struct{}, len(v.Scales))
	for i := range v.Scales {
		scale := &v.Scales[i]
		if scale.Key == "" {
			return fmt.Errorf("scale %d has no key", i)
		}
		if _, dup := seen[scale.Key]; dup {
			return fmt.Errorf("duplicate scale key %q", scale.Key)
		}
		seen[scale.Key] = struct{}{}
		if len(scale.ChunkSizes) == 0 {
			return fmt.Errorf("scale %q has no chunk sizes", scale.Key)
		}
		if scale.Sharding != nil && len(scale.ChunkSizes) != 1 {
			return fmt.Errorf("sharded scale %q must have exactly one chunk size, found %d",
				scale.Key, len(scale.ChunkSizes))
		}
		for _, cs := range scale.ChunkSizes {
			if !cs.Positive() {
				return fmt.Errorf("scale %q has non-positive chunk size %s", scale.Key, cs)
			}
		}
		if !scale.Size.Positive() {
			return fmt.Errorf("scale %q has non-positive size %s", scale.Key, scale.Size)
		}
	}
	return nil
}

// chunkEncoder builds the encoder for one scale of the volume.
func (v *VolumeInfo) chunkEncoder(scale *ScaleInfo) (encoding.ChunkEncoder, error) {
	dataType, err := encoding.ParseDataType(v.DataType)
	if err != nil {
		return nil, err
	}
	var blockSize ngshard.Point3d
	if scale.CompressedSegmentationBlockSize != nil {
		blockSize = *scale.CompressedSegmentationBlockSize
	}
	return encoding.NewChunkEncoder(scale.Encoding, dataType, v.NumChannels, blockSize)
}
