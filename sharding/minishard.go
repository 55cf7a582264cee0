package sharding

import (
	"encoding/binary"
)

// MiniShard accumulates the chunks of one minishard during a shard
// write.  Chunks must end up in the data region in strictly increasing
// morton-code order, so arrivals ahead of the expected code are parked
// in a pending buffer and drained once the gap closes.  A chunk whose
// code is below the expected one has already been passed over and is an
// unrecoverable ordering violation.
type MiniShard struct {
	spec *ShardSpec

	data    appendBuf
	pending *pendingChunks

	// header holds one (deltaCMC, offset, length) triple per appended
	// chunk, flattened; it is reordered column-major on serialization.
	header []uint64

	appended    uint64
	lastCMC     uint64
	baseKey     uint64 // combined shard+minishard bits, fixed by the first chunk
	initialized bool
}

func newMiniShard(spec *ShardSpec, strategy Strategy) (*MiniShard, error) {
	data, err := newAppendBuf(strategy)
	if err != nil {
		return nil, err
	}
	return &MiniShard{
		spec:    spec,
		data:    data,
		pending: newPendingChunks(strategy),
	}, nil
}

// nextCMC is the morton code the next appended chunk must carry: the
// minishard's base key advanced by one full shard+minishard stride per
// chunk already appended.
func (m *MiniShard) nextCMC() uint64 {
	return m.appended*m.spec.cmcStride() + m.baseKey
}

// StoreCMCChunk accepts one encoded chunk payload for this minishard.
// In-order chunks are appended immediately and any contiguous run of
// buffered successors is drained; out-of-order chunks are parked.
func (m *MiniShard) StoreCMCChunk(buf []byte, cmc uint64) error {
	if !m.initialized {
		m.baseKey = cmc & (m.spec.minishardMask | m.spec.shardMask)
		m.initialized = true
	}
	payload, err := m.spec.dataEncoding.encode(buf)
	if err != nil {
		return err
	}
	next := m.nextCMC()
	switch {
	case cmc == next:
		if err := m.append(payload, cmc); err != nil {
			return err
		}
		return m.tryDrain()
	case cmc < next:
		return orderingErrorf("chunk with morton code %x arrived after the minishard already advanced to %x", cmc, next)
	default:
		return m.pending.put(cmc, payload)
	}
}

// append commits a payload to the data region and records its header
// triple.  The offset entry is zero for all but the first chunk, since
// chunks within a minishard are contiguous; the first chunk's offset is
// patched by the shard once the data layout is known.
func (m *MiniShard) append(payload []byte, cmc uint64) error {
	if err := m.data.append(payload); err != nil {
		return err
	}
	m.header = append(m.header, cmc-m.lastCMC, 0, uint64(len(payload)))
	m.lastCMC = cmc
	m.appended++
	return nil
}

// tryDrain appends buffered chunks while the expected code is present,
// then asserts no buffered code was left behind below the expected one.
func (m *MiniShard) tryDrain() error {
	for m.pending.has(m.nextCMC()) {
		payload, err := m.pending.take(m.nextCMC())
		if err != nil {
			return err
		}
		if err := m.append(payload, m.nextCMC()); err != nil {
			return err
		}
	}
	if min, ok := m.pending.min(); ok && min < m.nextCMC() {
		return orderingErrorf("buffered morton code %x fell below the expected code %x", min, m.nextCMC())
	}
	return nil
}

// Close drains any chunks still parked in the pending buffer, appending
// zero-length entries at the expected codes to keep the index contiguous
// up to the largest buffered code.  A minishard whose chunks all arrived
// in order gets no padding at all.
func (m *MiniShard) Close() error {
	for m.pending.len() > 0 {
		if err := m.append(nil, m.nextCMC()); err != nil {
			return err
		}
		if err := m.tryDrain(); err != nil {
			return err
		}
	}
	return nil
}

// setOffset records the minishard's byte offset within the shard's data
// region, which becomes the first chunk's offset entry.
func (m *MiniShard) setOffset(offset uint64) {
	if len(m.header) >= 3 {
		m.header[1] = offset
	}
}

// dataSize is the current byte length of the data region.
func (m *MiniShard) dataSize() int64 {
	return m.data.size()
}

// encodedIndex serializes the header triples column-major — all morton
// deltas, then all offsets, then all lengths, little-endian — and applies
// the configured index encoding.
func (m *MiniShard) encodedIndex() ([]byte, error) {
	n := int(m.appended)
	out := make([]byte, n*24)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], m.header[i*3])
		binary.LittleEndian.PutUint64(out[(n+i)*8:], m.header[i*3+1])
		binary.LittleEndian.PutUint64(out[(2*n+i)*8:], m.header[i*3+2])
	}
	return m.spec.indexEncoding.encode(out)
}

// release frees the data region and any spill files.  Safe to call after
// a failed Close.
func (m *MiniShard) release() error {
	err := m.data.release()
	if perr := m.pending.release(); err == nil {
		err = perr
	}
	return err
}
