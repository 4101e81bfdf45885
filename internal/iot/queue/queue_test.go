package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alxayo/go-iotcc/internal/iot/frame"
)

func TestCommandQueue_EnqueueDequeue(t *testing.T) {
	q := NewCommandQueue(2)
	cf := &frame.CommandFrame{ID: 1, Op: "wifiScan"}
	if err := q.Enqueue(cf); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("got id=%d, want 1", got.ID)
	}
}

func TestCommandQueue_DropsOnFull(t *testing.T) {
	q := NewCommandQueue(1)
	q.timeout = 5 * time.Millisecond
	if err := q.Enqueue(&frame.CommandFrame{ID: 1}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := q.Enqueue(&frame.CommandFrame{ID: 2})
	if err == nil {
		t.Fatalf("expected timeout error on full queue")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}
}

func TestCommandQueue_PreservesFIFOOrderAcrossOrigins(t *testing.T) {
	q := NewCommandQueue(4)
	_ = q.Enqueue(&frame.CommandFrame{ID: 1, Origin: frame.OriginA})
	_ = q.Enqueue(&frame.CommandFrame{ID: 2, Origin: frame.OriginB})
	_ = q.Enqueue(&frame.CommandFrame{ID: 3, Origin: frame.OriginA})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, wantID := range []uint16{1, 2, 3} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got.ID != wantID {
			t.Fatalf("got id=%d, want %d", got.ID, wantID)
		}
	}
}

func TestCommandQueue_DequeueCtxCancelled(t *testing.T) {
	q := NewCommandQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected ctx deadline error")
	}
}

func TestResponseQueue_EnqueueDequeue(t *testing.T) {
	q := NewResponseQueue(2)
	rf := &frame.ResponseFrame{ID: 9, Status: 0, IsFinal: true}
	if err := q.Enqueue(rf); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != 9 || !got.IsFinal {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestResponseQueue_DropsOnFull(t *testing.T) {
	q := NewResponseQueue(1)
	q.timeout = 5 * time.Millisecond
	_ = q.Enqueue(&frame.ResponseFrame{ID: 1})
	if err := q.Enqueue(&frame.ResponseFrame{ID: 2}); err == nil {
		t.Fatalf("expected drop on full queue")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}
}
