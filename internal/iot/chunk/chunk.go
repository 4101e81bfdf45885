// Package chunk implements generic frame fragmentation and reassembly for
// transports whose MTU is smaller than a frame, per SPEC_FULL.md §4.2.
// Grounded on internal/rtmp/chunk's stateful header encode/decode shape,
// generalized from RTMP's FMT0-3 chunk headers to the fixed 7-byte header
// this spec defines.
package chunk

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/alxayo/go-iotcc/internal/bufpool"
	rerrors "github.com/alxayo/go-iotcc/internal/errors"
)

const (
	// HeaderSize is the fixed wire size of a ChunkHeader.
	HeaderSize = 7

	flagChunked = 1 << 0
	flagFinal   = 1 << 1
	flagMore    = 1 << 2

	// MaxChunksPerFrame bounds total_chunks (§3 ChunkHeader invariant).
	MaxChunksPerFrame = 8
)

// Header is the fixed 7-byte chunk header (§3, §6).
type Header struct {
	Flags       uint8
	ChunkIdx    uint8
	TotalChunks uint8
	FrameID     uint16
	ChunkSize   uint16
}

func (h Header) Chunked() bool { return h.Flags&flagChunked != 0 }
func (h Header) Final() bool   { return h.Flags&flagFinal != 0 }
func (h Header) More() bool    { return h.Flags&flagMore != 0 }

// EncodeHeader serializes a Header to its 7-byte little-endian wire form.
func EncodeHeader(h Header) []byte {
	out := make([]byte, HeaderSize)
	out[0] = h.Flags
	out[1] = h.ChunkIdx
	out[2] = h.TotalChunks
	binary.LittleEndian.PutUint16(out[3:5], h.FrameID)
	binary.LittleEndian.PutUint16(out[5:7], h.ChunkSize)
	return out
}

// DecodeHeader parses a 7-byte chunk header. It does not validate the
// business-rule invariants (chunk_idx < total_chunks etc) — callers that
// need strict validation should use ValidateHeader.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, rerrors.NewProtocolError("chunk.decodeHeader", fmt.Errorf("short header: len=%d", len(buf)))
	}
	return Header{
		Flags:       buf[0],
		ChunkIdx:    buf[1],
		TotalChunks: buf[2],
		FrameID:     binary.LittleEndian.Uint16(buf[3:5]),
		ChunkSize:   binary.LittleEndian.Uint16(buf[5:7]),
	}, nil
}

// LooksLikeChunk reports whether buf's leading bytes parse as a valid chunk
// header per the predicate in SPEC_FULL.md §4.3's RX dispatch rule: CHUNKED
// set, chunk_idx < 8, 0 < total_chunks <= 8, frame_id != 0, chunk_size <= mtu-headerSize.
func LooksLikeChunk(buf []byte, mtu int) bool {
	h, err := DecodeHeader(buf)
	if err != nil {
		return false
	}
	if !h.Chunked() {
		return false
	}
	if h.ChunkIdx >= MaxChunksPerFrame {
		return false
	}
	if h.TotalChunks == 0 || h.TotalChunks > MaxChunksPerFrame {
		return false
	}
	if h.FrameID == 0 {
		return false
	}
	if int(h.ChunkSize) > mtu-HeaderSize {
		return false
	}
	return true
}

// Config holds chunk manager tuning knobs (§6).
type Config struct {
	MaxChunkSize        int // current transport MTU-derived chunk size
	HeaderSize          int // fixed at HeaderSize but kept configurable for tests
	MaxConcurrentFrames int // <= MaxChunksPerFrame... actually independent bound, 1..8
	ReassemblyTimeout   time.Duration
}

// DefaultConfig returns sane defaults; callers override MaxChunkSize per
// negotiated transport MTU.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:        244, // e.g. MTU 247 - 3 ATT overhead
		HeaderSize:          HeaderSize,
		MaxConcurrentFrames: 8,
		ReassemblyTimeout:   2 * time.Second,
	}
}

// Stats is a snapshot of the manager's counters (§4.2 "Statistics exported").
type Stats struct {
	ActiveContexts  int
	FramesSent      uint64
	FramesReceived  uint64
	Timeouts        uint64
	Duplicates      uint64
	NoCapacityCount uint64
}

// reassemblyContext tracks one in-flight frame_id (§3 ReassemblyContext).
type reassemblyContext struct {
	frameID     uint16
	createdAt   time.Time
	bitmap      uint8
	totalChunks uint8
	buf         []byte
	lastSize    int // true size of the last (FINAL) chunk received so far
}

// Manager owns the reassembly context table and frame id allocation. All
// table operations are serialized by one mutex (§4.2 Concurrency).
type Manager struct {
	mu  sync.Mutex
	cfg Config

	nextFrameID uint16
	contexts    map[uint16]*reassemblyContext

	stats Stats
}

// New creates a chunk Manager with the given configuration.
func New(cfg Config) *Manager {
	if cfg.HeaderSize == 0 {
		cfg.HeaderSize = HeaderSize
	}
	if cfg.MaxConcurrentFrames <= 0 || cfg.MaxConcurrentFrames > MaxChunksPerFrame {
		cfg.MaxConcurrentFrames = MaxChunksPerFrame
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = 2 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		nextFrameID: 1,
		contexts:    make(map[uint16]*reassemblyContext),
	}
}

// SetMaxChunkSize updates the effective MTU-derived chunk size (called by a
// transport after MTU negotiation, §4.3).
func (m *Manager) SetMaxChunkSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MaxChunkSize = size
}

func (m *Manager) effective() int {
	eff := m.cfg.MaxChunkSize - m.cfg.HeaderSize
	if eff < 1 {
		eff = 1
	}
	return eff
}

func (m *Manager) allocFrameID() uint16 {
	id := m.nextFrameID
	m.nextFrameID++
	if m.nextFrameID == 0 {
		m.nextFrameID = 1 // wrap 0xFFFF -> 1, never use 0
	}
	return id
}

// Split fragments payload into wire chunks (header+data concatenated),
// ready for transmission in order. (§4.2 Split).
func (m *Manager) Split(payload []byte) ([][]byte, error) {
	m.mu.Lock()
	eff := m.effective()
	n := (len(payload) + eff - 1) / eff
	if n == 0 {
		n = 1
	}
	if n > MaxChunksPerFrame {
		m.mu.Unlock()
		return nil, rerrors.NewValidationError("chunk.split", fmt.Errorf("too large: %d chunks > %d", n, MaxChunksPerFrame))
	}
	frameID := m.allocFrameID()
	m.stats.FramesSent++
	m.mu.Unlock()

	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * eff
		end := start + eff
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[start:end]
		flags := uint8(flagChunked)
		if i == n-1 {
			flags |= flagFinal
		} else {
			flags |= flagMore
		}
		h := Header{
			Flags:       flags,
			ChunkIdx:    uint8(i),
			TotalChunks: uint8(n),
			FrameID:     frameID,
			ChunkSize:   uint16(len(slice)),
		}
		wire := append(EncodeHeader(h), slice...)
		out = append(out, wire)
	}
	return out, nil
}

// Receive processes one incoming wire chunk (header+payload). On completion
// of a frame it returns the reassembled payload and ok=true; the caller owns
// the returned buffer. Duplicate chunks are counted but do not mutate state
// and return ok=false, err=nil.
func (m *Manager) Receive(wire []byte) (payload []byte, ok bool, err error) {
	h, err := DecodeHeader(wire)
	if err != nil {
		return nil, false, err
	}
	data := wire[HeaderSize:]
	if !m.validHeader(h) {
		return nil, false, rerrors.NewProtocolError("chunk.receive", fmt.Errorf("malformed header: %+v", h))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, exists := m.contexts[h.FrameID]
	if !exists {
		if len(m.contexts) >= m.cfg.MaxConcurrentFrames {
			m.stats.NoCapacityCount++
			return nil, false, rerrors.NewCapacityError("chunk.receive", m.cfg.MaxConcurrentFrames)
		}
		ctx = &reassemblyContext{
			frameID:     h.FrameID,
			createdAt:   time.Now(),
			totalChunks: h.TotalChunks,
			buf:         bufpool.Get(int(h.TotalChunks) * m.effective()),
		}
		m.contexts[h.FrameID] = ctx
	}

	bit := uint8(1) << h.ChunkIdx
	if ctx.bitmap&bit != 0 {
		m.stats.Duplicates++
		return nil, false, nil
	}

	offset := int(h.ChunkIdx) * m.effective()
	end := offset + int(h.ChunkSize)
	if end > len(ctx.buf) {
		grown := make([]byte, end)
		copy(grown, ctx.buf)
		bufpool.Put(ctx.buf)
		ctx.buf = grown
	}
	copy(ctx.buf[offset:end], data[:h.ChunkSize])
	ctx.bitmap |= bit
	if h.Final() {
		ctx.lastSize = offset + int(h.ChunkSize)
	}

	complete := uint8((1 << ctx.totalChunks) - 1)
	if ctx.bitmap != complete {
		return nil, false, nil
	}

	total := ctx.lastSize
	if total == 0 {
		// Guards against a malformed/forged final chunk header rather than
		// normal operation; Split always reports a nonzero total.
		total = len(ctx.buf)
	}
	out := make([]byte, total)
	copy(out, ctx.buf[:total])
	bufpool.Put(ctx.buf)
	delete(m.contexts, h.FrameID)
	m.stats.FramesReceived++
	return out, true, nil
}

func (m *Manager) validHeader(h Header) bool {
	if !h.Chunked() {
		return false
	}
	if h.TotalChunks == 0 || h.TotalChunks > MaxChunksPerFrame {
		return false
	}
	if h.ChunkIdx >= h.TotalChunks {
		return false
	}
	if h.FrameID == 0 {
		return false
	}
	if int(h.ChunkSize) > m.cfg.MaxChunkSize-m.cfg.HeaderSize {
		return false
	}
	return true
}

// Sweep evicts reassembly contexts older than the configured timeout.
// Intended to be called periodically by a ticker owned by the runtime.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, ctx := range m.contexts {
		if now.Sub(ctx.createdAt) >= m.cfg.ReassemblyTimeout {
			bufpool.Put(ctx.buf)
			delete(m.contexts, id)
			m.stats.Timeouts++
			evicted++
		}
	}
	return evicted
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ActiveContexts = len(m.contexts)
	return s
}
