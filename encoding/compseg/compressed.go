/*
Package compseg implements the Neuroglancer compressed_segmentation
chunk codec: each channel of a label volume is cut into fixed-size
blocks, every block stores a sorted lookup table of its distinct values
plus per-voxel indices packed at the smallest sufficient bit width, and
identical lookup tables are shared between blocks of a channel.

Spec: https://github.com/google/neuroglancer/blob/master/src/neuroglancer/sliceview/compressed_segmentation
*/
package compseg

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/janelia-flyem/ngshard/ngshard"
)

// InvalidFormatError is returned when compressed data cannot be decoded:
// truncated buffers, illegal bit widths, or offsets and indices that
// point outside their regions.  Nothing is ever decoded partially.
type InvalidFormatError struct {
	msg string
}

func (e *InvalidFormatError) Error() string { return e.msg }

func invalidf(format string, args ...interface{}) error {
	return &InvalidFormatError{msg: fmt.Sprintf(format, args...)}
}

// label covers the two value types the format supports.
type label interface {
	uint32 | uint64
}

// bitsFor returns the smallest legal encoding width covering the given
// number of distinct values.  Legal widths are 0, 1, 2, 4, 8, 16, 32.
func bitsFor(numValues int) (uint32, error) {
	for _, bits := range [...]uint32{0, 1, 2, 4, 8, 16, 32} {
		if 1<<bits >= numValues {
			return bits, nil
		}
	}
	return 0, fmt.Errorf("block has %d distinct values, too many to encode", numValues)
}

func legalBits(bits uint32) bool {
	switch bits {
	case 0, 1, 2, 4, 8, 16, 32:
		return true
	}
	return false
}

func ceilDiv(a, b int32) int {
	return int((a + b - 1) / b)
}

// EncodeUint64 encodes a multi-channel uint64 label volume.  Each
// channel is a [Z,Y,X] C-order slice of size.Prod() values; size and
// blockSize are in (x, y, z) order.
func EncodeUint64(channels [][]uint64, size, blockSize ngshard.Point3d) ([]byte, error) {
	return encode(channels, size, blockSize)
}

// EncodeUint32 is EncodeUint64 for uint32 labels.
func EncodeUint32(channels [][]uint32, size, blockSize ngshard.Point3d) ([]byte, error) {
	return encode(channels, size, blockSize)
}

// DecodeUint64 decodes a buffer produced by EncodeUint64 back into
// per-channel [Z,Y,X] C-order slices.
func DecodeUint64(buf []byte, numChannels int, size, blockSize ngshard.Point3d) ([][]uint64, error) {
	return decode[uint64](buf, numChannels, size, blockSize)
}

// DecodeUint32 is DecodeUint64 for uint32 labels.
func DecodeUint32(buf []byte, numChannels int, size, blockSize ngshard.Point3d) ([][]uint32, error) {
	return decode[uint32](buf, numChannels, size, blockSize)
}

func itemSize[T label]() int {
	var zero T
	if _, is64 := any(zero).(uint64); is64 {
		return 8
	}
	return 4
}

func putLabel[T label](b []byte, v T) {
	if itemSize[T]() == 8 {
		binary.LittleEndian.PutUint64(b, uint64(v))
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

func getLabel[T label](b []byte) T {
	if itemSize[T]() == 8 {
		return T(binary.LittleEndian.Uint64(b))
	}
	return T(binary.LittleEndian.Uint32(b))
}

func encode[T label](channels [][]T, size, blockSize ngshard.Point3d) ([]byte, error) {
	if !size.Positive() || !blockSize.Positive() {
		return nil, fmt.Errorf("chunk size %s and block size %s must be positive", size, blockSize)
	}
	// 4-byte word-offset header per channel, then the channel regions.
	buf := make([]byte, 4*len(channels))
	for c, data := range channels {
		if int64(len(data)) != size.Prod() {
			return nil, fmt.Errorf("channel %d has %d values, chunk size %s wants %d",
				c, len(data), size, size.Prod())
		}
		binary.LittleEndian.PutUint32(buf[c*4:], uint32(len(buf)/4))
		region, err := encodeChannel(data, size, blockSize)
		if err != nil {
			return nil, err
		}
		buf = append(buf, region...)
	}
	return buf, nil
}

// encodeChannel lays out one channel: the block-grid table first (one
// 8-byte entry per block in z-major order), then lookup tables and
// packed values appended as blocks are processed.  All offsets are in
// 4-byte words relative to the start of the channel region.
func encodeChannel[T label](data []T, size, blockSize ngshard.Point3d) ([]byte, error) {
	gx := ceilDiv(size[0], blockSize[0])
	gy := ceilDiv(size[1], blockSize[1])
	gz := ceilDiv(size[2], blockSize[2])
	blockElems := int(blockSize.Prod())
	itemLen := itemSize[T]()

	buf := make([]byte, gx*gy*gz*8)
	storedLUTOffsets := make(map[string]uint32)

	for z := 0; z < gz; z++ {
		for y := 0; y < gy; y++ {
			for x := 0; x < gx; x++ {
				x0, y0, z0 := int32(x)*blockSize[0], int32(y)*blockSize[1], int32(z)*blockSize[2]
				nx := min(blockSize[0], size[0]-x0)
				ny := min(blockSize[1], size[1]-y0)
				nz := min(blockSize[2], size[2]-z0)

				// Distinct values and their counts over the actual voxels.
				counts := make(map[T]int32)
				for bz := int32(0); bz < nz; bz++ {
					rowBase := (z0 + bz) * size[1]
					for by := int32(0); by < ny; by++ {
						pos := ((rowBase + y0 + by) * size[0]) + x0
						for bx := int32(0); bx < nx; bx++ {
							counts[data[pos]]++
							pos++
						}
					}
				}

				lut := make([]T, 0, len(counts))
				for v := range counts {
					lut = append(lut, v)
				}
				sort.Slice(lut, func(i, j int) bool { return lut[i] < lut[j] })

				// Incomplete edge blocks are padded with the block's own most
				// frequent value; ties go to the smallest value.
				var mostFrequent T
				var bestCount int32
				for _, v := range lut {
					if counts[v] > bestCount {
						bestCount = counts[v]
						mostFrequent = v
					}
				}

				bits, err := bitsFor(len(lut))
				if err != nil {
					return nil, err
				}
				index := make(map[T]uint32, len(lut))
				lutBytes := make([]byte, len(lut)*itemLen)
				for i, v := range lut {
					index[v] = uint32(i)
					putLabel(lutBytes[i*itemLen:], v)
				}

				// Share a previously stored identical lookup table.
				lutWordOffset, found := storedLUTOffsets[string(lutBytes)]
				if !found {
					lutWordOffset = uint32(len(buf) / 4)
					buf = append(buf, lutBytes...)
					storedLUTOffsets[string(lutBytes)] = lutWordOffset
				}
				if lutWordOffset != lutWordOffset&0x00FFFFFF {
					return nil, fmt.Errorf("lookup table offset %d does not fit in 24 bits", lutWordOffset)
				}

				valuesWordOffset := uint32(len(buf) / 4)
				if bits > 0 {
					valuesPerWord := 32 / int(bits)
					words := make([]uint32, (blockElems+valuesPerWord-1)/valuesPerWord)
					bitpos := 0
					for bz := int32(0); bz < blockSize[2]; bz++ {
						for by := int32(0); by < blockSize[1]; by++ {
							for bx := int32(0); bx < blockSize[0]; bx++ {
								v := mostFrequent
								if bz < nz && by < ny && bx < nx {
									v = data[((z0+bz)*size[1]+y0+by)*size[0]+x0+bx]
								}
								words[bitpos/32] |= index[v] << (bitpos % 32)
								bitpos += int(bits)
							}
						}
					}
					packed := make([]byte, len(words)*4)
					for i, w := range words {
						binary.LittleEndian.PutUint32(packed[i*4:], w)
					}
					buf = append(buf, packed...)
				}

				entryPos := 8 * (x + gx*(y+gy*z))
				binary.LittleEndian.PutUint32(buf[entryPos:], lutWordOffset|bits<<24)
				binary.LittleEndian.PutUint32(buf[entryPos+4:], valuesWordOffset)
			}
		}
	}
	return buf, nil
}

func decode[T label](buf []byte, numChannels int, size, blockSize ngshard.Point3d) ([][]T, error) {
	if numChannels <= 0 {
		return nil, fmt.Errorf("numChannels must be positive, got %d", numChannels)
	}
	if !size.Positive() || !blockSize.Positive() {
		return nil, fmt.Errorf("chunk size %s and block size %s must be positive", size, blockSize)
	}
	numBlocks := ceilDiv(size[0], blockSize[0]) * ceilDiv(size[1], blockSize[1]) * ceilDiv(size[2], blockSize[2])
	if len(buf) < numChannels*(4+8*numBlocks) {
		return nil, invalidf("compressed_segmentation buffer too short: %d bytes for %d channels of %d blocks",
			len(buf), numChannels, numBlocks)
	}

	offsets := make([]int, numChannels+1)
	for c := 0; c < numChannels; c++ {
		offsets[c] = 4 * int(binary.LittleEndian.Uint32(buf[c*4:]))
	}
	offsets[numChannels] = len(buf)
	for c := 0; c < numChannels; c++ {
		if offsets[c] > offsets[c+1] || offsets[c]+8*numBlocks > len(buf) {
			return nil, invalidf("compressed_segmentation channel %d offset %d is too large (truncated buffer?)",
				c, offsets[c])
		}
	}

	channels := make([][]T, numChannels)
	for c := 0; c < numChannels; c++ {
		channel, err := decodeChannel[T](buf[offsets[c]:offsets[c+1]], size, blockSize)
		if err != nil {
			return nil, err
		}
		channels[c] = channel
	}
	return channels, nil
}

func decodeChannel[T label](region []byte, size, blockSize ngshard.Point3d) ([]T, error) {
	gx := ceilDiv(size[0], blockSize[0])
	gy := ceilDiv(size[1], blockSize[1])
	gz := ceilDiv(size[2], blockSize[2])
	blockElems := int(blockSize.Prod())
	itemLen := itemSize[T]()

	out := make([]T, size.Prod())
	for z := 0; z < gz; z++ {
		for y := 0; y < gy; y++ {
			for x := 0; x < gx; x++ {
				entryPos := 8 * (x + gx*(y+gy*z))
				if entryPos+8 > len(region) {
					return nil, invalidf("block table entry %d beyond channel region of %d bytes", entryPos, len(region))
				}
				e0 := binary.LittleEndian.Uint32(region[entryPos:])
				lutOffset := 4 * int(e0&0x00FFFFFF)
				bits := e0 >> 24
				if !legalBits(bits) {
					return nil, invalidf("invalid number of encoding bits for compressed_segmentation block (%d)", bits)
				}
				valuesOffset := 4 * int(binary.LittleEndian.Uint32(region[entryPos+4:]))

				if lutOffset > len(region) {
					return nil, invalidf("lookup table offset %d beyond channel region of %d bytes", lutOffset, len(region))
				}
				numEntries := (len(region) - lutOffset) / itemLen
				if maxEntries := 1 << bits; numEntries > maxEntries {
					numEntries = maxEntries
				}
				lut := make([]T, numEntries)
				for i := range lut {
					lut[i] = getLabel[T](region[lutOffset+i*itemLen:])
				}

				x0, y0, z0 := int32(x)*blockSize[0], int32(y)*blockSize[1], int32(z)*blockSize[2]
				nx := min(blockSize[0], size[0]-x0)
				ny := min(blockSize[1], size[1]-y0)
				nz := min(blockSize[2], size[2]-z0)

				if bits == 0 {
					if len(lut) < 1 {
						return nil, invalidf("compressed_segmentation block indexes out of its lookup table")
					}
					for bz := int32(0); bz < nz; bz++ {
						for by := int32(0); by < ny; by++ {
							pos := ((z0+bz)*size[1]+y0+by)*size[0] + x0
							for bx := int32(0); bx < nx; bx++ {
								out[pos] = lut[0]
								pos++
							}
						}
					}
					continue
				}

				valuesPerWord := 32 / int(bits)
				numWords := (blockElems + valuesPerWord - 1) / valuesPerWord
				if valuesOffset+4*numWords > len(region) {
					return nil, invalidf("compressed_segmentation buffer too short: insufficient room for encoded values")
				}
				mask := uint32(1)<<bits - 1
				bitpos := 0
				for bz := int32(0); bz < blockSize[2]; bz++ {
					for by := int32(0); by < blockSize[1]; by++ {
						for bx := int32(0); bx < blockSize[0]; bx++ {
							word := binary.LittleEndian.Uint32(region[valuesOffset+4*(bitpos/32):])
							idx := (word >> (bitpos % 32)) & mask
							bitpos += int(bits)
							if bz >= nz || by >= ny || bx >= nx {
								continue // padding voxel
							}
							if int(idx) >= len(lut) {
								return nil, invalidf("compressed_segmentation block indexes out of its lookup table")
							}
							out[((z0+bz)*size[1]+y0+by)*size[0]+x0+bx] = lut[idx]
						}
					}
				}
			}
		}
	}
	return out, nil
}
