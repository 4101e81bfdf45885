package chunk

import (
	"math/rand"
	"testing"
	"time"
)

// S3: MTU=23, header=7, effective=16, 40-byte payload -> 3 chunks sized
// 16/16/8, delivered out-of-order with one duplicate.
func TestSplitReceive_S3(t *testing.T) {
	m := New(Config{MaxChunkSize: 23, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunks, err := m.Split(payload)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(chunks))
	}
	wantSizes := []int{16, 16, 8}
	for i, c := range chunks {
		h, err := DecodeHeader(c)
		if err != nil {
			t.Fatalf("decode header %d: %v", i, err)
		}
		if int(h.ChunkSize) != wantSizes[i] {
			t.Fatalf("chunk %d size = %d, want %d", i, h.ChunkSize, wantSizes[i])
		}
	}

	r := New(Config{MaxChunkSize: 23, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
	order := []int{1, 0, 1, 2} // out of order + duplicate of chunk 1
	var result []byte
	for _, idx := range order {
		out, ok, err := r.Receive(chunks[idx])
		if err != nil {
			t.Fatalf("receive idx=%d: %v", idx, err)
		}
		if ok {
			result = out
		}
	}
	if result == nil {
		t.Fatalf("frame never completed")
	}
	if string(result) != string(payload) {
		t.Fatalf("reassembled mismatch")
	}
	stats := r.Stats()
	if stats.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", stats.Duplicates)
	}
	if stats.FramesReceived != 1 {
		t.Fatalf("framesReceived = %d, want 1", stats.FramesReceived)
	}
}

func TestReceive_TotalChunksNineRejected(t *testing.T) {
	m := New(DefaultConfig())
	h := Header{Flags: flagChunked | flagMore, ChunkIdx: 0, TotalChunks: 9, FrameID: 1, ChunkSize: 1}
	wire := append(EncodeHeader(h), 0x00)
	if _, _, err := m.Receive(wire); err == nil {
		t.Fatalf("expected rejection of total_chunks=9")
	}
}

func TestReceive_NoCapacityAtNinthFrame(t *testing.T) {
	m := New(Config{MaxChunkSize: 23, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
	for id := uint16(1); id <= 8; id++ {
		h := Header{Flags: flagChunked | flagMore, ChunkIdx: 0, TotalChunks: 2, FrameID: id, ChunkSize: 1}
		wire := append(EncodeHeader(h), 0xAA)
		if _, _, err := m.Receive(wire); err != nil {
			t.Fatalf("frame %d: unexpected error: %v", id, err)
		}
	}
	h := Header{Flags: flagChunked | flagMore, ChunkIdx: 0, TotalChunks: 2, FrameID: 9, ChunkSize: 1}
	wire := append(EncodeHeader(h), 0xAA)
	_, _, err := m.Receive(wire)
	if err == nil {
		t.Fatalf("expected no-capacity error for 9th concurrent frame")
	}
}

func TestFrameIDWraps(t *testing.T) {
	m := New(DefaultConfig())
	m.nextFrameID = 0xFFFF
	id1 := m.allocFrameID()
	id2 := m.allocFrameID()
	if id1 != 0xFFFF {
		t.Fatalf("id1 = %x, want 0xFFFF", id1)
	}
	if id2 != 1 {
		t.Fatalf("id2 = %x, want 1 (never 0)", id2)
	}
}

func TestSweepEvictsStaleContexts(t *testing.T) {
	m := New(Config{MaxChunkSize: 23, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: 10 * time.Millisecond})
	h := Header{Flags: flagChunked | flagMore, ChunkIdx: 0, TotalChunks: 2, FrameID: 1, ChunkSize: 1}
	wire := append(EncodeHeader(h), 0xAA)
	if _, _, err := m.Receive(wire); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := m.Stats().ActiveContexts; got != 1 {
		t.Fatalf("active contexts = %d, want 1", got)
	}
	evicted := m.Sweep(time.Now().Add(time.Second))
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if got := m.Stats().Timeouts; got != 1 {
		t.Fatalf("timeouts = %d, want 1", got)
	}
}

// Invariant 3 (§8): concatenation order-independence — any permutation of
// chunk delivery yields the same reassembled payload.
func TestInvariant_PermutationIndependence(t *testing.T) {
	payload := make([]byte, 100)
	rand.New(rand.NewSource(1)).Read(payload)
	sender := New(Config{MaxChunkSize: 23, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
	chunks, err := sender.Split(payload)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	perms := [][]int{
		{0, 1, 2, 3, 4, 5, 6},
		{6, 5, 4, 3, 2, 1, 0},
		{3, 0, 1, 6, 2, 5, 4},
	}
	for _, perm := range perms {
		if len(perm) > len(chunks) {
			continue
		}
		r := New(Config{MaxChunkSize: 23, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
		var out []byte
		for _, idx := range perm {
			if idx >= len(chunks) {
				continue
			}
			res, ok, err := r.Receive(chunks[idx])
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			if ok {
				out = res
			}
		}
		if len(perm) == len(chunks) && string(out) != string(payload) {
			t.Fatalf("permutation %v: mismatch", perm)
		}
	}
}

// Invariant 4 (§8): duplicate delivery is idempotent and never double-completes.
func TestInvariant_DuplicateDeliveryIdempotent(t *testing.T) {
	payload := []byte("idempotency-check-payload")
	sender := New(Config{MaxChunkSize: 15, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
	chunks, err := sender.Split(payload)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	r := New(Config{MaxChunkSize: 15, HeaderSize: HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
	completions := 0
	for _, c := range chunks {
		for i := 0; i < 3; i++ { // deliver each chunk 3 times
			_, ok, err := r.Receive(c)
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			if ok {
				completions++
			}
		}
	}
	if completions != 1 {
		t.Fatalf("completions = %d, want exactly 1", completions)
	}
}
