package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestBlobAccessorRoundTrip(t *testing.T) {
	ctx := context.Background()
	accessor, err := OpenAccessor(ctx, "mem://")
	if err != nil {
		t.Fatalf("couldn't open mem accessor: %v", err)
	}
	defer accessor.Close()

	data := []byte("0123456789abcdef")
	if err := accessor.StoreFile(ctx, "scale/chunk", data); err != nil {
		t.Fatalf("couldn't store file: %v", err)
	}

	got, err := accessor.FetchFile(ctx, "scale/chunk")
	if err != nil {
		t.Fatalf("couldn't fetch file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("fetched %q, expected %q", got, data)
	}

	exists, err := accessor.FileExists(ctx, "scale/chunk")
	if err != nil || !exists {
		t.Errorf("stored file should exist (exists=%v, err=%v)", exists, err)
	}
	exists, err = accessor.FileExists(ctx, "scale/other")
	if err != nil || exists {
		t.Errorf("unstored file should not exist (exists=%v, err=%v)", exists, err)
	}
}

func TestBlobAccessorStreaming(t *testing.T) {
	ctx := context.Background()
	accessor, err := OpenAccessor(ctx, "mem://")
	if err != nil {
		t.Fatalf("couldn't open mem accessor: %v", err)
	}
	defer accessor.Close()

	content := strings.Repeat("shard bytes ", 1000)
	if err := accessor.StoreFileFrom(ctx, "0.shard", strings.NewReader(content)); err != nil {
		t.Fatalf("couldn't stream file: %v", err)
	}
	got, err := accessor.FetchFile(ctx, "0.shard")
	if err != nil {
		t.Fatalf("couldn't fetch streamed file: %v", err)
	}
	if string(got) != content {
		t.Error("streamed content corrupted")
	}
}

func TestBlobAccessorReadRange(t *testing.T) {
	ctx := context.Background()
	accessor, err := OpenAccessor(ctx, "mem://")
	if err != nil {
		t.Fatalf("couldn't open mem accessor: %v", err)
	}
	defer accessor.Close()

	data := []byte("0123456789abcdef")
	if err := accessor.StoreFile(ctx, "f", data); err != nil {
		t.Fatalf("couldn't store file: %v", err)
	}

	got, err := accessor.ReadRange(ctx, "f", 4, 6)
	if err != nil {
		t.Fatalf("range read failed: %v", err)
	}
	if string(got) != "456789" {
		t.Errorf("range read returned %q, expected %q", got, "456789")
	}

	// Ranges past the end must error, never return short data.
	if _, err := accessor.ReadRange(ctx, "f", 10, 100); err == nil {
		t.Error("range read past end of file should fail")
	}
	if _, err := accessor.ReadRange(ctx, "missing", 0, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("range read of a missing file should be ErrNotFound, got %v", err)
	}
}

func TestBlobAccessorNotFound(t *testing.T) {
	ctx := context.Background()
	accessor, err := OpenAccessor(ctx, "mem://")
	if err != nil {
		t.Fatalf("couldn't open mem accessor: %v", err)
	}
	defer accessor.Close()

	if _, err := accessor.FetchFile(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fetch of a missing file should be ErrNotFound, got %v", err)
	}
}

func TestOpenAccessorLocalDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	accessor, err := OpenAccessor(ctx, dir)
	if err != nil {
		t.Fatalf("couldn't open local dir accessor: %v", err)
	}
	defer accessor.Close()

	if err := accessor.StoreFile(ctx, "sub/file", []byte("hello")); err != nil {
		t.Fatalf("couldn't store file in %q: %v", dir, err)
	}
	got, err := accessor.FetchFile(ctx, "sub/file")
	if err != nil {
		t.Fatalf("couldn't fetch file back: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("fetched %q, expected %q", got, "hello")
	}
	// The accessor must actually write under the given directory.
	if _, err := filepath.Glob(filepath.Join(dir, "sub", "*")); err != nil {
		t.Errorf("couldn't glob local dir: %v", err)
	}
}

func TestOpenAccessorUnknownScheme(t *testing.T) {
	if _, err := OpenAccessor(context.Background(), "s3://bucket/prefix"); err == nil {
		t.Error("unsupported scheme should be rejected")
	}
}
