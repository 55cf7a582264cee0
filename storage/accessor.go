/*
Package storage provides narrow file-level access to Neuroglancer
precomputed datasets.  An Accessor knows how to fetch, store, and
range-read files addressed by paths relative to a dataset root, hiding
whether the bytes live on local disk, in a cloud bucket, or behind an
HTTP server.  Everything above this package depends only on the
Accessor contract, not on transport details.
*/
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a requested file does not exist at the
// dataset root.  Callers should test with errors.Is.
var ErrNotFound = errors.New("file not found")

// ErrReadOnly is returned by write operations on read-only accessors.
var ErrReadOnly = errors.New("accessor is read-only")

// Accessor is the store/fetch-by-path primitive consumed by the sharded
// chunk storage layer.  Paths use forward slashes and are relative to the
// dataset root.  Implementations must not retry failed operations; retry
// policy belongs to the transport.
type Accessor interface {
	// FetchFile returns the full contents of the file at path.
	FetchFile(ctx context.Context, path string) ([]byte, error)

	// StoreFile writes data to the file at path, replacing any previous
	// contents.
	StoreFile(ctx context.Context, path string, data []byte) error

	// StoreFileFrom streams the contents of r to the file at path.  Large
	// shard files are written this way so spilled minishard data never has
	// to be held in memory all at once.
	StoreFileFrom(ctx context.Context, path string, r io.Reader) error

	// FileExists probes whether a file exists at path.
	FileExists(ctx context.Context, path string) (bool, error)

	// ReadRange returns exactly length bytes starting at offset within the
	// file at path.  A short read is an error, never a truncated result.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)

	// Close releases any resources held by the accessor.
	Close() error
}
