package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPAccessor reads a precomputed dataset served over plain HTTP(S).
// It is read-only.  Shard contents are fetched with ranged GETs; the
// server must honor Range requests (or return the full file, from which
// the requested window is sliced).  No retries happen at this layer.
type HTTPAccessor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAccessor creates an accessor rooted at the given base URL.
// Query and fragment are discarded and a trailing slash is enforced.
func NewHTTPAccessor(baseURL string) (*HTTPAccessor, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad base URL %q: %v", baseURL, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	if len(u.Path) == 0 || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	return &HTTPAccessor{
		baseURL: u.String(),
		client:  http.DefaultClient,
	}, nil
}

func (a *HTTPAccessor) String() string {
	return fmt.Sprintf("http accessor @ %s", a.baseURL)
}

func (a *HTTPAccessor) FetchFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s%s: %v", a.baseURL, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s%s: %w", a.baseURL, path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s%s returned status %d", a.baseURL, path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (a *HTTPAccessor) StoreFile(ctx context.Context, path string, data []byte) error {
	return fmt.Errorf("can't store %q via %s: %w", path, a.baseURL, ErrReadOnly)
}

func (a *HTTPAccessor) StoreFileFrom(ctx context.Context, path string, r io.Reader) error {
	return fmt.Errorf("can't store %q via %s: %w", path, a.baseURL, ErrReadOnly)
}

func (a *HTTPAccessor) FileExists(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("error probing %s%s: %v", a.baseURL, path, err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("HEAD %s%s returned status %d", a.baseURL, path, resp.StatusCode)
	}
}

func (a *HTTPAccessor) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	rangeValue := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	req.Header.Set("Range", rangeValue)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error range-reading %s%s: %v", a.baseURL, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, fmt.Errorf("short read of %s%s (Range: %s): expected %d bytes, got %d",
				a.baseURL, path, rangeValue, length, len(data))
		}
		return data, nil

	case http.StatusOK:
		// Server ignored the Range header and sent the whole file.
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) < offset+length {
			return nil, fmt.Errorf("short read of %s%s: file has %d bytes, wanted [%d,%d)",
				a.baseURL, path, len(data), offset, offset+length)
		}
		return data[offset : offset+length], nil

	case http.StatusNotFound:
		return nil, fmt.Errorf("%s%s: %w", a.baseURL, path, ErrNotFound)

	default:
		return nil, fmt.Errorf("GET %s%s (Range: %s) returned status %d",
			a.baseURL, path, rangeValue, resp.StatusCode)
	}
}

func (a *HTTPAccessor) Close() error {
	return nil
}
