package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/janelia-flyem/ngshard/ngshard"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
	"gocloud.dev/gcp"
)

// BlobAccessor adapts a gocloud blob bucket to the Accessor contract.
// The same code path serves local directories (fileblob), Google Cloud
// Storage (gcsblob), and in-memory buckets used by tests (memblob).
type BlobAccessor struct {
	ref    string
	bucket *blob.Bucket
}

// NewBlobAccessor wraps an already-open bucket.  The ref string is only
// used for log and error messages.
func NewBlobAccessor(ref string, bucket *blob.Bucket) *BlobAccessor {
	return &BlobAccessor{ref: ref, bucket: bucket}
}

// OpenAccessor returns an Accessor for the given URL or plain local path.
// The set of supported schemes is closed: plain paths and file:// open a
// local directory, gs:// opens a GCS bucket with default credentials,
// mem:// opens an in-memory bucket, and http:// or https:// open a
// read-only ranged-GET accessor.
func OpenAccessor(ctx context.Context, ref string) (Accessor, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("bad accessor ref %q: %v", ref, err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = ref
		}
		bucket, err := fileblob.OpenBucket(path, &fileblob.Options{CreateDir: true})
		if err != nil {
			return nil, fmt.Errorf("can't open directory %q: %v", path, err)
		}
		return NewBlobAccessor(ref, bucket), nil

	case "mem":
		return NewBlobAccessor(ref, memblob.OpenBucket(nil)), nil

	case "gs":
		creds, err := gcp.DefaultCredentials(ctx)
		if err != nil {
			return nil, err
		}
		client, err := gcp.NewHTTPClient(
			gcp.DefaultTransport(),
			gcp.CredentialsTokenSource(creds))
		if err != nil {
			return nil, err
		}
		bucket, err := gcsblob.OpenBucket(ctx, client, u.Host, nil)
		if err != nil {
			return nil, fmt.Errorf("can't open GCS bucket %q: %v", u.Host, err)
		}
		if prefix := strings.TrimPrefix(u.Path, "/"); prefix != "" {
			bucket = blob.PrefixedBucket(bucket, strings.TrimSuffix(prefix, "/")+"/")
		}
		return NewBlobAccessor(ref, bucket), nil

	case "http", "https":
		return NewHTTPAccessor(ref)

	default:
		return nil, fmt.Errorf("unsupported accessor scheme %q (must be file, gs, mem, http, or https)", u.Scheme)
	}
}

func (a *BlobAccessor) String() string {
	return fmt.Sprintf("blob accessor @ %s", a.ref)
}

func (a *BlobAccessor) FetchFile(ctx context.Context, path string) ([]byte, error) {
	data, err := a.bucket.ReadAll(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%q in %s: %w", path, a.ref, ErrNotFound)
		}
		return nil, fmt.Errorf("error fetching %q from %s: %v", path, a.ref, err)
	}
	return data, nil
}

func (a *BlobAccessor) StoreFile(ctx context.Context, path string, data []byte) error {
	if err := a.bucket.WriteAll(ctx, path, data, nil); err != nil {
		return fmt.Errorf("error storing %q to %s: %v", path, a.ref, err)
	}
	return nil
}

func (a *BlobAccessor) StoreFileFrom(ctx context.Context, path string, r io.Reader) error {
	w, err := a.bucket.NewWriter(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("error opening %q for write in %s: %v", path, a.ref, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("error streaming to %q in %s: %v", path, a.ref, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("error finishing write of %q in %s: %v", path, a.ref, err)
	}
	return nil
}

func (a *BlobAccessor) FileExists(ctx context.Context, path string) (bool, error) {
	exists, err := a.bucket.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("error probing %q in %s: %v", path, a.ref, err)
	}
	return exists, nil
}

func (a *BlobAccessor) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	timedLog := ngshard.NewTimeLog()
	r, err := a.bucket.NewRangeReader(ctx, path, offset, length, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%q in %s: %w", path, a.ref, ErrNotFound)
		}
		return nil, fmt.Errorf("error range-reading %q from %s: %v", path, a.ref, err)
	}
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, length))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("error range-reading %q from %s: %v", path, a.ref, err)
	}
	if int64(buf.Len()) != length {
		return nil, fmt.Errorf("short read of %q from %s: wanted [%d,%d), got %d bytes",
			path, a.ref, offset, offset+length, buf.Len())
	}
	timedLog.Debugf("range read of object %q, offset %d, size %d", path, offset, length)
	return buf.Bytes(), nil
}

func (a *BlobAccessor) Close() error {
	return a.bucket.Close()
}
