/*
Package encoding converts between raw little-endian chunk buffers and
the per-chunk encodings of the Neuroglancer precomputed format: "raw",
"compressed_segmentation", and "jpeg".  Decoded chunks are always byte
slices in [channel][z][y][x] C order with little-endian values.
*/
package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/janelia-flyem/ngshard/encoding/compseg"
	"github.com/janelia-flyem/ngshard/ngshard"
)

// DataType is a voxel value type of a precomputed volume.
type DataType uint8

const (
	UnknownType DataType = iota
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
)

func (t DataType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	}
	return "unknown"
}

// Size returns the number of bytes per voxel value.
func (t DataType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32, Float32:
		return 4
	case Uint64:
		return 8
	}
	return 0
}

// ParseDataType converts the data_type string of an info file.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "uint8":
		return Uint8, nil
	case "uint16":
		return Uint16, nil
	case "uint32":
		return Uint32, nil
	case "uint64":
		return Uint64, nil
	case "float32":
		return Float32, nil
	}
	return UnknownType, fmt.Errorf("unsupported data type %q", s)
}

// Chunk is one decoded chunk of a volume: little-endian voxel values in
// [channel][z][y][x] C order.
type Chunk struct {
	Data        []byte
	DataType    DataType
	NumChannels int
	Size        ngshard.Point3d
}

// Uint32s returns the chunk values of one channel as uint32.  The
// chunk's data type must be Uint32.
func (c *Chunk) Uint32s(channel int) ([]uint32, error) {
	if c.DataType != Uint32 {
		return nil, fmt.Errorf("chunk holds %s data, not uint32", c.DataType)
	}
	if channel < 0 || channel >= c.NumChannels {
		return nil, fmt.Errorf("channel %d out of range, chunk has %d", channel, c.NumChannels)
	}
	voxels := int(c.Size.Prod())
	out := make([]uint32, voxels)
	base := channel * voxels * 4
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(c.Data[base+i*4:])
	}
	return out, nil
}

// Uint64s returns the chunk values of one channel as uint64.  The
// chunk's data type must be Uint64.
func (c *Chunk) Uint64s(channel int) ([]uint64, error) {
	if c.DataType != Uint64 {
		return nil, fmt.Errorf("chunk holds %s data, not uint64", c.DataType)
	}
	if channel < 0 || channel >= c.NumChannels {
		return nil, fmt.Errorf("channel %d out of range, chunk has %d", channel, c.NumChannels)
	}
	voxels := int(c.Size.Prod())
	out := make([]uint64, voxels)
	base := channel * voxels * 8
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(c.Data[base+i*8:])
	}
	return out, nil
}

// InvalidDataError is returned when a chunk buffer does not match what
// its encoder expects: wrong length, malformed compressed stream, or an
// image of the wrong shape.
type InvalidDataError struct {
	msg string
}

func (e *InvalidDataError) Error() string { return e.msg }

func invalidDataf(format string, args ...interface{}) error {
	return &InvalidDataError{msg: fmt.Sprintf(format, args...)}
}

// ChunkEncoder encodes voxel chunks for storage and decodes them back.
// Implementations are stateless and safe for concurrent use.
type ChunkEncoder interface {
	// Name returns the encoding string used in info files.
	Name() string

	// Encode converts a raw little-endian [C,Z,Y,X] chunk buffer of the
	// given voxel dimensions into its stored form.
	Encode(chunk []byte, size ngshard.Point3d) ([]byte, error)

	// Decode converts a stored buffer back into a raw chunk buffer.
	Decode(data []byte, size ngshard.Point3d) ([]byte, error)
}

// NewChunkEncoder returns the encoder for one scale of a volume.  The
// encoding string comes from the scale's info entry; blockSize is only
// consulted for compressed_segmentation.
func NewChunkEncoder(encoding string, dataType DataType, numChannels int, blockSize ngshard.Point3d) (ChunkEncoder, error) {
	if numChannels <= 0 {
		return nil, fmt.Errorf("number of channels must be positive, got %d", numChannels)
	}
	switch encoding {
	case "raw":
		return rawEncoder{dataType: dataType, numChannels: numChannels}, nil
	case "compressed_segmentation":
		if dataType != Uint32 && dataType != Uint64 {
			return nil, fmt.Errorf("compressed_segmentation requires uint32 or uint64 data, not %s", dataType)
		}
		if !blockSize.Positive() {
			return nil, fmt.Errorf("compressed_segmentation requires a positive block size, got %s", blockSize)
		}
		return csegEncoder{dataType: dataType, numChannels: numChannels, blockSize: blockSize}, nil
	case "jpeg":
		if dataType != Uint8 {
			return nil, fmt.Errorf("jpeg encoding requires uint8 data, not %s", dataType)
		}
		if numChannels != 1 {
			return nil, fmt.Errorf("jpeg encoding supports single-channel data, not %d channels", numChannels)
		}
		return jpegEncoder{}, nil
	}
	return nil, fmt.Errorf("unsupported chunk encoding %q", encoding)
}

func checkChunkLen(chunk []byte, size ngshard.Point3d, dataType DataType, numChannels int) error {
	want := size.Prod() * int64(dataType.Size()) * int64(numChannels)
	if int64(len(chunk)) != want {
		return invalidDataf("chunk buffer has %d bytes, %d channels of %s %s need %d",
			len(chunk), numChannels, size, dataType, want)
	}
	return nil
}

// rawEncoder stores the little-endian voxel buffer as is.
type rawEncoder struct {
	dataType    DataType
	numChannels int
}

func (e rawEncoder) Name() string { return "raw" }

func (e rawEncoder) Encode(chunk []byte, size ngshard.Point3d) ([]byte, error) {
	if err := checkChunkLen(chunk, size, e.dataType, e.numChannels); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (e rawEncoder) Decode(data []byte, size ngshard.Point3d) ([]byte, error) {
	if err := checkChunkLen(data, size, e.dataType, e.numChannels); err != nil {
		return nil, err
	}
	return data, nil
}

// csegEncoder delegates to the compseg codec, splitting the chunk
// buffer into per-channel label slices.
type csegEncoder struct {
	dataType    DataType
	numChannels int
	blockSize   ngshard.Point3d
}

func (e csegEncoder) Name() string { return "compressed_segmentation" }

func (e csegEncoder) Encode(chunk []byte, size ngshard.Point3d) ([]byte, error) {
	if err := checkChunkLen(chunk, size, e.dataType, e.numChannels); err != nil {
		return nil, err
	}
	voxels := int(size.Prod())
	if e.dataType == Uint64 {
		channels := make([][]uint64, e.numChannels)
		for c := range channels {
			channel := make([]uint64, voxels)
			base := c * voxels * 8
			for i := range channel {
				channel[i] = binary.LittleEndian.Uint64(chunk[base+i*8:])
			}
			channels[c] = channel
		}
		return compseg.EncodeUint64(channels, size, e.blockSize)
	}
	channels := make([][]uint32, e.numChannels)
	for c := range channels {
		channel := make([]uint32, voxels)
		base := c * voxels * 4
		for i := range channel {
			channel[i] = binary.LittleEndian.Uint32(chunk[base+i*4:])
		}
		channels[c] = channel
	}
	return compseg.EncodeUint32(channels, size, e.blockSize)
}

func (e csegEncoder) Decode(data []byte, size ngshard.Point3d) ([]byte, error) {
	voxels := int(size.Prod())
	if e.dataType == Uint64 {
		channels, err := compseg.DecodeUint64(data, e.numChannels, size, e.blockSize)
		if err != nil {
			return nil, err
		}
		chunk := make([]byte, e.numChannels*voxels*8)
		for c, channel := range channels {
			base := c * voxels * 8
			for i, v := range channel {
				binary.LittleEndian.PutUint64(chunk[base+i*8:], v)
			}
		}
		return chunk, nil
	}
	channels, err := compseg.DecodeUint32(data, e.numChannels, size, e.blockSize)
	if err != nil {
		return nil, err
	}
	chunk := make([]byte, e.numChannels*voxels*4)
	for c, channel := range channels {
		base := c * voxels * 4
		for i, v := range channel {
			binary.LittleEndian.PutUint32(chunk[base+i*4:], v)
		}
	}
	return chunk, nil
}

// jpegEncoder stores single-channel uint8 chunks as a grayscale JPEG
// whose rows are the chunk's (z, y) planes stacked vertically, i.e. an
// image of width size[0] and height size[1]*size[2].
type jpegEncoder struct{}

// jpegQuality matches the default quality used by other precomputed
// writers.  JPEG is lossy, so Decode(Encode(x)) only approximates x.
const jpegQuality = 95

func (e jpegEncoder) Name() string { return "jpeg" }

func (e jpegEncoder) Encode(chunk []byte, size ngshard.Point3d) ([]byte, error) {
	if err := checkChunkLen(chunk, size, Uint8, 1); err != nil {
		return nil, err
	}
	width, height := int(size[0]), int(size[1])*int(size[2])
	img := &image.Gray{
		Pix:    chunk,
		Stride: width,
		Rect:   image.Rect(0, 0, width, height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("unable to encode %s chunk as JPEG: %v", size, err)
	}
	return buf.Bytes(), nil
}

func (e jpegEncoder) Decode(data []byte, size ngshard.Point3d) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, invalidDataf("unable to decode JPEG chunk: %v", err)
	}
	width, height := int(size[0]), int(size[1])*int(size[2])
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		return nil, invalidDataf("JPEG chunk is %dx%d, expected %dx%d for chunk size %s",
			bounds.Dx(), bounds.Dy(), width, height, size)
	}
	if gray, ok := img.(*image.Gray); ok && gray.Stride == width && bounds.Min == image.Pt(0, 0) {
		return gray.Pix, nil
	}
	chunk := make([]byte, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			chunk[y*width+x] = color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray).Y
		}
	}
	return chunk, nil
}
