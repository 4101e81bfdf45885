package shortrange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alxayo/go-iotcc/internal/iot/chunk"
	"github.com/alxayo/go-iotcc/internal/iot/frame"
	"github.com/alxayo/go-iotcc/internal/iot/queue"
)

type fakeRadio struct {
	mu          sync.Mutex
	advertised  []AdvertiseInterval
	notified    [][]byte
	advertiseFn func(ctx context.Context, interval AdvertiseInterval) error
}

func (r *fakeRadio) StartAdvertising(ctx context.Context, interval AdvertiseInterval) error {
	r.mu.Lock()
	r.advertised = append(r.advertised, interval)
	r.mu.Unlock()
	if r.advertiseFn != nil {
		return r.advertiseFn(ctx, interval)
	}
	return nil
}

func (r *fakeRadio) Notify(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, append([]byte(nil), data...))
	return nil
}

func (r *fakeRadio) notifiedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notified)
}

func newTestTransport() (*Transport, *fakeRadio, *chunk.Manager, *queue.CommandQueue, *queue.ResponseQueue) {
	radio := &fakeRadio{}
	chunkMgr := chunk.New(chunk.DefaultConfig())
	cq := queue.NewCommandQueue(4)
	rq := queue.NewResponseQueue(4)
	tr := New(DefaultConfig(), radio, chunkMgr, cq, rq, nil)
	return tr, radio, chunkMgr, cq, rq
}

func TestStart_BeginsAdvertising(t *testing.T) {
	tr, radio, _, _, _ := newTestTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()
	time.Sleep(20 * time.Millisecond)
	if radio.notifiedCount() != 0 {
		t.Fatalf("did not expect notifications before connect")
	}
	if len(radio.advertised) == 0 {
		t.Fatalf("expected StartAdvertising to be called")
	}
	if tr.State() != StateAdvertising {
		t.Fatalf("state = %v, want advertising", tr.State())
	}
}

func TestConnect_UpdatesChunkManagerMTUAndState(t *testing.T) {
	tr, radio, chunkMgr, _, _ := newTestTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tr.Start(ctx)
	defer tr.Stop()
	_ = radio

	tr.Deliver(Event{Kind: EventConnected, MTU: 100})
	time.Sleep(20 * time.Millisecond)

	if tr.State() != StateUp {
		t.Fatalf("state = %v, want up", tr.State())
	}
	if got := chunkMgr.Stats(); got.ActiveContexts != 0 {
		t.Fatalf("unexpected active contexts: %d", got.ActiveContexts)
	}
	// MTU 100 gives 97-byte chunks (90 payload bytes after the header), so a
	// 91-byte payload needs 2 chunks; the 244-byte default would need 1.
	chunks, err := chunkMgr.Split(make([]byte, 91))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2 after MTU 100", len(chunks))
	}
}

func TestDisconnect_RestartsAdvertisingImmediately(t *testing.T) {
	tr, radio, _, _, _ := newTestTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tr.Start(ctx)
	defer tr.Stop()

	tr.Deliver(Event{Kind: EventConnected, MTU: 100})
	time.Sleep(10 * time.Millisecond)
	before := len(radio.advertised)

	tr.Deliver(Event{Kind: EventDisconnected})
	time.Sleep(10 * time.Millisecond)

	radio.mu.Lock()
	after := len(radio.advertised)
	radio.mu.Unlock()
	if after <= before {
		t.Fatalf("expected immediate re-advertise after disconnect")
	}
	if tr.State() != StateAdvertising {
		t.Fatalf("state = %v, want advertising", tr.State())
	}
}

func TestRX_DirectFrameEnqueuesCommand(t *testing.T) {
	tr, _, _, cq, _ := newTestTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tr.Start(ctx)
	defer tr.Stop()

	cmd := []byte{0x01, 0x00, 0x04, 't', 'e', 's', 't'}
	tr.Deliver(Event{Kind: EventRX, Data: cmd})

	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	cf, err := cq.Dequeue(dctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if cf.Op != "test" || cf.Origin != frame.OriginA {
		t.Fatalf("unexpected command: %+v", cf)
	}
}

func TestRX_ChunkedFrameReassembledAndEnqueued(t *testing.T) {
	tr, _, chunkMgr, cq, _ := newTestTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tr.Start(ctx)
	defer tr.Stop()

	tr.Deliver(Event{Kind: EventConnected, MTU: 23})
	time.Sleep(10 * time.Millisecond)

	cmd := []byte{0x01, 0x00, 0x04, 't', 'e', 's', 't', 'p', 'a', 'y', 'l', 'o', 'a', 'd'}
	// The peer chunks at MTU 23 minus the 3-byte ATT header, the same size the
	// transport gives its own chunk manager on connect.
	sender := chunk.New(chunk.Config{MaxChunkSize: 23 - 3, HeaderSize: chunk.HeaderSize, MaxConcurrentFrames: 8, ReassemblyTimeout: time.Second})
	chunks, err := sender.Split(cmd)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	for _, c := range chunks {
		tr.Deliver(Event{Kind: EventRX, Data: c})
	}
	_ = chunkMgr

	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	cf, err := cq.Dequeue(dctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if cf.Op != "test" {
		t.Fatalf("unexpected command: %+v", cf)
	}
}

func TestTX_SmallResponseSingleNotify(t *testing.T) {
	tr, radio, _, _, rq := newTestTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tr.Start(ctx)
	defer tr.Stop()

	tr.Deliver(Event{Kind: EventConnected, MTU: 100})
	time.Sleep(10 * time.Millisecond)

	_ = rq.Enqueue(&frame.ResponseFrame{ID: 1, Origin: frame.OriginA, Status: 0, IsFinal: true})
	time.Sleep(20 * time.Millisecond)

	if radio.notifiedCount() != 1 {
		t.Fatalf("notified count = %d, want 1", radio.notifiedCount())
	}
}

func TestTX_DropsOtherOriginResponses(t *testing.T) {
	tr, radio, _, _, rq := newTestTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tr.Start(ctx)
	defer tr.Stop()

	tr.Deliver(Event{Kind: EventConnected, MTU: 100})
	time.Sleep(10 * time.Millisecond)

	_ = rq.Enqueue(&frame.ResponseFrame{ID: 1, Origin: frame.OriginB, Status: 0, IsFinal: true})
	time.Sleep(20 * time.Millisecond)

	if radio.notifiedCount() != 0 {
		t.Fatalf("notified count = %d, want 0 (origin B should not reach transport A)", radio.notifiedCount())
	}
}

func TestSecurityCapable_AlwaysFalse(t *testing.T) {
	tr, _, _, _, _ := newTestTransport()
	if tr.SecurityCapable() {
		t.Fatalf("transport A must not claim security capability")
	}
	if err := tr.AttachSecurity1(nil); err == nil {
		t.Fatalf("expected error attaching security1 to transport A")
	}
}
