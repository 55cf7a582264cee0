package sharding

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Strategy selects where minishard contents accumulate between the first
// stored chunk and the final shard serialization.  InMemory holds
// everything in growable byte buffers; OnDisk spills both appended data
// and out-of-order chunks to temporary files, bounding memory at the
// cost of extra I/O.
type Strategy uint8

const (
	InMemory Strategy = iota
	OnDisk
)

// appendBuf is a growable, append-only byte region that can replay its
// contents to a writer and release its backing storage deterministically.
type appendBuf interface {
	append(p []byte) error
	size() int64
	writeTo(w io.Writer) error
	release() error
}

func newAppendBuf(strategy Strategy) (appendBuf, error) {
	if strategy == OnDisk {
		f, err := os.CreateTemp("", "ngshard-minishard-")
		if err != nil {
			return nil, fmt.Errorf("can't create minishard spill file: %v", err)
		}
		return &fileBuf{f: f}, nil
	}
	return &memBuf{}, nil
}

type memBuf struct {
	buf bytes.Buffer
}

func (b *memBuf) append(p []byte) error {
	_, err := b.buf.Write(p)
	return err
}

func (b *memBuf) size() int64 {
	return int64(b.buf.Len())
}

func (b *memBuf) writeTo(w io.Writer) error {
	_, err := w.Write(b.buf.Bytes())
	return err
}

func (b *memBuf) release() error {
	b.buf.Reset()
	return nil
}

type fileBuf struct {
	f *os.File
	n int64
}

func (b *fileBuf) append(p []byte) error {
	n, err := b.f.Write(p)
	b.n += int64(n)
	return err
}

func (b *fileBuf) size() int64 {
	return b.n
}

func (b *fileBuf) writeTo(w io.Writer) error {
	if _, err := b.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(w, b.f)
	return err
}

func (b *fileBuf) release() error {
	name := b.f.Name()
	if err := b.f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

// pendingChunks buffers chunk payloads that arrived ahead of the
// minishard's expected morton code, keyed by code.  Keys are kept sorted
// so the drain invariant (no buffered code below the expected one) is
// cheap to verify.
type pendingChunks struct {
	strategy Strategy
	keys     []uint64 // sorted ascending
	mem      map[uint64][]byte
	dir      string // lazily created temp dir when spilling
}

func newPendingChunks(strategy Strategy) *pendingChunks {
	return &pendingChunks{
		strategy: strategy,
		mem:      make(map[uint64][]byte),
	}
}

func (p *pendingChunks) len() int {
	return len(p.keys)
}

// min returns the smallest buffered code.
func (p *pendingChunks) min() (uint64, bool) {
	if len(p.keys) == 0 {
		return 0, false
	}
	return p.keys[0], true
}

func (p *pendingChunks) has(cmc uint64) bool {
	i := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] >= cmc })
	return i < len(p.keys) && p.keys[i] == cmc
}

func (p *pendingChunks) spillPath(cmc uint64) string {
	return filepath.Join(p.dir, fmt.Sprintf("%016x", cmc))
}

func (p *pendingChunks) put(cmc uint64, payload []byte) error {
	i := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] >= cmc })
	if i < len(p.keys) && p.keys[i] == cmc {
		return orderingErrorf("chunk with morton code %x buffered twice", cmc)
	}
	if p.strategy == OnDisk {
		if p.dir == "" {
			dir, err := os.MkdirTemp("", "ngshard-pending-")
			if err != nil {
				return fmt.Errorf("can't create chunk spill dir: %v", err)
			}
			p.dir = dir
		}
		if err := os.WriteFile(p.spillPath(cmc), payload, 0o644); err != nil {
			return fmt.Errorf("can't spill chunk %x: %v", cmc, err)
		}
	} else {
		p.mem[cmc] = payload
	}
	p.keys = append(p.keys, 0)
	copy(p.keys[i+1:], p.keys[i:])
	p.keys[i] = cmc
	return nil
}

// take removes and returns the payload buffered under cmc.
func (p *pendingChunks) take(cmc uint64) ([]byte, error) {
	i := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] >= cmc })
	if i >= len(p.keys) || p.keys[i] != cmc {
		return nil, fmt.Errorf("no buffered chunk with morton code %x", cmc)
	}
	p.keys = append(p.keys[:i], p.keys[i+1:]...)
	if p.strategy == OnDisk {
		path := p.spillPath(cmc)
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("can't read spilled chunk %x: %v", cmc, err)
		}
		os.Remove(path)
		return payload, nil
	}
	payload := p.mem[cmc]
	delete(p.mem, cmc)
	return payload, nil
}

func (p *pendingChunks) release() error {
	p.keys = nil
	p.mem = make(map[uint64][]byte)
	if p.dir != "" {
		dir := p.dir
		p.dir = ""
		return os.RemoveAll(dir)
	}
	return nil
}
