package ngshard

import "fmt"

// Point3d is an ordered list of three 32-bit signed integers, typically
// holding a voxel extent or a chunk size in (x, y, z) order.
type Point3d [3]int32

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Value returns the point's value for the specified dimension without checking dim bounds.
func (p Point3d) Value(dim uint8) int32 {
	return p[dim]
}

// Prod returns the product of the point's elements.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Positive returns true if every element is greater than zero.
func (p Point3d) Positive() bool {
	return p[0] > 0 && p[1] > 0 && p[2] > 0
}

// ChunkPoint3d is a chunk grid coordinate, i.e. a voxel coordinate divided
// by the corresponding chunk size.
type ChunkPoint3d [3]int32

func (p ChunkPoint3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// ChunkExtents is a voxel-space bounding box for one chunk, given as
// (x0, x1, y0, y1, z0, z1) with half-open intervals [x0,x1) etc.
type ChunkExtents [6]int32

func (e ChunkExtents) String() string {
	return fmt.Sprintf("%d-%d_%d-%d_%d-%d", e[0], e[1], e[2], e[3], e[4], e[5])
}

// MinPoint returns the (x0, y0, z0) corner of the extents.
func (e ChunkExtents) MinPoint() Point3d {
	return Point3d{e[0], e[2], e[4]}
}

// Size returns the extent along each dimension.
func (e ChunkExtents) Size() Point3d {
	return Point3d{e[1] - e[0], e[3] - e[2], e[5] - e[4]}
}
