package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// rangeServer serves a fixed file map with full Range support via
// http.ServeContent.
func rangeServer(files map[string][]byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, found := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !found {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
}

func TestHTTPAccessorFetch(t *testing.T) {
	ctx := context.Background()
	files := map[string][]byte{
		"info":             []byte(`{"type":"image"}`),
		"32_32_32/0.shard": []byte("0123456789abcdef"),
	}
	server := rangeServer(files)
	defer server.Close()

	accessor, err := NewHTTPAccessor(server.URL)
	if err != nil {
		t.Fatalf("couldn't create HTTP accessor: %v", err)
	}
	defer accessor.Close()

	got, err := accessor.FetchFile(ctx, "info")
	if err != nil {
		t.Fatalf("couldn't fetch info: %v", err)
	}
	if !bytes.Equal(got, files["info"]) {
		t.Errorf("fetched %q, expected %q", got, files["info"])
	}
	if _, err := accessor.FetchFile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fetch of a missing file should be ErrNotFound, got %v", err)
	}

	exists, err := accessor.FileExists(ctx, "info")
	if err != nil || !exists {
		t.Errorf("served file should exist (exists=%v, err=%v)", exists, err)
	}
	exists, err = accessor.FileExists(ctx, "missing")
	if err != nil || exists {
		t.Errorf("missing file should not exist (exists=%v, err=%v)", exists, err)
	}
}

func TestHTTPAccessorReadRange(t *testing.T) {
	ctx := context.Background()
	files := map[string][]byte{"f": []byte("0123456789abcdef")}
	server := rangeServer(files)
	defer server.Close()

	accessor, err := NewHTTPAccessor(server.URL)
	if err != nil {
		t.Fatalf("couldn't create HTTP accessor: %v", err)
	}
	defer accessor.Close()

	got, err := accessor.ReadRange(ctx, "f", 4, 6)
	if err != nil {
		t.Fatalf("range read failed: %v", err)
	}
	if string(got) != "456789" {
		t.Errorf("range read returned %q, expected %q", got, "456789")
	}
	if _, err := accessor.ReadRange(ctx, "missing", 0, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("range read of a missing file should be ErrNotFound, got %v", err)
	}
}

// Servers that ignore the Range header and reply 200 with the whole
// file must still yield the requested window.
func TestHTTPAccessorRangeIgnored(t *testing.T) {
	ctx := context.Background()
	data := []byte("0123456789abcdef")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer server.Close()

	accessor, err := NewHTTPAccessor(server.URL)
	if err != nil {
		t.Fatalf("couldn't create HTTP accessor: %v", err)
	}
	defer accessor.Close()

	got, err := accessor.ReadRange(ctx, "f", 8, 4)
	if err != nil {
		t.Fatalf("range read against a range-ignoring server failed: %v", err)
	}
	if string(got) != "89ab" {
		t.Errorf("range read returned %q, expected %q", got, "89ab")
	}
	// The window must still lie inside the file.
	if _, err := accessor.ReadRange(ctx, "f", 12, 10); err == nil {
		t.Error("window past end of file should fail even with a 200 response")
	}
}

func TestHTTPAccessorReadOnly(t *testing.T) {
	ctx := context.Background()
	server := rangeServer(nil)
	defer server.Close()

	accessor, err := NewHTTPAccessor(server.URL)
	if err != nil {
		t.Fatalf("couldn't create HTTP accessor: %v", err)
	}
	defer accessor.Close()

	if err := accessor.StoreFile(ctx, "f", []byte("x")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("StoreFile over HTTP should be ErrReadOnly, got %v", err)
	}
	if err := accessor.StoreFileFrom(ctx, "f", strings.NewReader("x")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("StoreFileFrom over HTTP should be ErrReadOnly, got %v", err)
	}
}
