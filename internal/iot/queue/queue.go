// Package queue provides bounded FIFOs for CommandFrame and ResponseFrame
// values moving between transports and the command processor (SPEC_FULL.md
// §5). Frames carry their origin; the queues do not filter on it. Grounded on the relay manager's bounded buffered-channel
// backpressure pattern (internal/rtmp/relay/manager.go), generalized from a
// single fixed destination queue to a named set of command/response queues.
package queue

import (
	"context"
	"time"

	rerrors "github.com/alxayo/go-iotcc/internal/errors"
	"github.com/alxayo/go-iotcc/internal/iot/frame"
)

// DefaultEnqueueTimeout bounds how long Enqueue blocks before dropping a
// frame when the queue is full (§5 "enqueue timeout, drop-and-free").
const DefaultEnqueueTimeout = 50 * time.Millisecond

// CommandQueue is a bounded MPSC queue of inbound CommandFrame values.
type CommandQueue struct {
	ch      chan *frame.CommandFrame
	timeout time.Duration
	dropped uint64
}

// NewCommandQueue creates a CommandQueue with the given capacity.
func NewCommandQueue(capacity int) *CommandQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &CommandQueue{ch: make(chan *frame.CommandFrame, capacity), timeout: DefaultEnqueueTimeout}
}

// Enqueue attempts to push cf onto the queue, blocking up to the configured
// timeout. On timeout the frame is dropped (counted) and a TimeoutError is
// returned; the caller is expected to release any buffers it owns.
func (q *CommandQueue) Enqueue(cf *frame.CommandFrame) error {
	select {
	case q.ch <- cf:
		return nil
	case <-time.After(q.timeout):
		q.dropped++
		return rerrors.NewTimeoutError("queue.enqueueCommand", q.timeout, nil)
	}
}

// Dequeue blocks until a frame is available or ctx is done.
func (q *CommandQueue) Dequeue(ctx context.Context) (*frame.CommandFrame, error) {
	select {
	case cf := <-q.ch:
		return cf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns the count of frames dropped due to enqueue timeout.
func (q *CommandQueue) Dropped() uint64 { return q.dropped }

// Len reports the number of frames currently buffered.
func (q *CommandQueue) Len() int { return len(q.ch) }

// ResponseQueue is a bounded MPSC queue of outbound ResponseFrame values.
type ResponseQueue struct {
	ch      chan *frame.ResponseFrame
	timeout time.Duration
	dropped uint64
}

// NewResponseQueue creates a ResponseQueue with the given capacity.
func NewResponseQueue(capacity int) *ResponseQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResponseQueue{ch: make(chan *frame.ResponseFrame, capacity), timeout: DefaultEnqueueTimeout}
}

// Enqueue attempts to push rf onto the queue, blocking up to the configured
// timeout before dropping it.
func (q *ResponseQueue) Enqueue(rf *frame.ResponseFrame) error {
	select {
	case q.ch <- rf:
		return nil
	case <-time.After(q.timeout):
		q.dropped++
		return rerrors.NewTimeoutError("queue.enqueueResponse", q.timeout, nil)
	}
}

// Dequeue blocks until a frame is available or ctx is done.
func (q *ResponseQueue) Dequeue(ctx context.Context) (*frame.ResponseFrame, error) {
	select {
	case rf := <-q.ch:
		return rf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns the count of frames dropped due to enqueue timeout.
func (q *ResponseQueue) Dropped() uint64 { return q.dropped }

// Len reports the number of frames currently buffered.
func (q *ResponseQueue) Len() int { return len(q.ch) }
