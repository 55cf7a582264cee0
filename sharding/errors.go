package sharding

import (
	"errors"
	"fmt"
)

// ErrChunkNotFound is returned by fetch operations when no chunk was
// stored at the requested coordinates.
var ErrChunkNotFound = errors.New("chunk not found")

// ConfigError indicates an invalid ShardSpec or ShardVolumeSpec, e.g.
// bit widths overflowing 64 bits or an unsupported hash or encoding.
// These are detected eagerly at construction.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// CoordError indicates chunk coordinates that are not aligned to the
// chunk grid or fall outside the volume.  The caller is responsible for
// supplying valid coordinates; they are never silently truncated.
type CoordError struct {
	msg string
}

func (e *CoordError) Error() string { return e.msg }

func coordErrorf(format string, args ...interface{}) error {
	return &CoordError{msg: fmt.Sprintf(format, args...)}
}

// FormatError indicates corrupt or truncated shard data encountered on
// read.  No partial data is ever returned alongside one.
type FormatError struct {
	msg string
}

func (e *FormatError) Error() string { return e.msg }

func formatErrorf(format string, args ...interface{}) error {
	return &FormatError{msg: fmt.Sprintf(format, args...)}
}

// OrderingError indicates an internal-consistency violation in the
// minishard append protocol: a chunk arrived with a Morton code at or
// below one already committed.  This is a bug or misuse, not a
// recoverable condition.
type OrderingError struct {
	msg string
}

func (e *OrderingError) Error() string { return e.msg }

func orderingErrorf(format string, args ...interface{}) error {
	return &OrderingError{msg: fmt.Sprintf(format, args...)}
}
