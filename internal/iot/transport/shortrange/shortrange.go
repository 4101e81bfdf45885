// Package shortrange implements Transport A: a GATT-style, connection-
// oriented, single-peer short-range link (SPEC_FULL.md §4.3). Grounded on
// internal/rtmp/server/server.go's mutex-guarded lifecycle (closing flag,
// WaitGroup-tracked workers, Start/Stop pair) and on other_examples' BLE HCI
// code (currantlabs/ble, the upstream of github.com/go-ble/ble) for the
// peripheral/characteristic shape. Driver events are delivered over a
// channel and processed by one worker, per the "no application code inside
// a driver's event dispatch context" design note.
package shortrange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alxayo/go-iotcc/internal/iot/backoff"
	"github.com/alxayo/go-iotcc/internal/iot/chunk"
	rerrors "github.com/alxayo/go-iotcc/internal/errors"
	"github.com/alxayo/go-iotcc/internal/iot/errreg"
	"github.com/alxayo/go-iotcc/internal/iot/frame"
	"github.com/alxayo/go-iotcc/internal/iot/queue"
	"github.com/alxayo/go-iotcc/internal/logger"
)

// Component is this transport's error-registry identity.
const Component errreg.Component = "transportA"

// State is Transport A's connection lifecycle state.
type State int

const (
	StateDown State = iota
	StateStarting
	StateAdvertising
	StateUp
	StateError
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateStarting:
		return "starting"
	case StateAdvertising:
		return "advertising"
	case StateUp:
		return "up"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// attOverhead is the ATT protocol header deducted from the negotiated MTU to
// obtain the usable payload size (§4.3).
const attOverhead = 3

// interChunkDelay avoids saturating the radio stack's notification buffer
// when a multi-notification response is sent (§4.3 "small inter-chunk delay").
const interChunkDelay = 5 * time.Millisecond

// AdvertiseInterval describes one advertising parameter set.
type AdvertiseInterval struct {
	Min      time.Duration
	Max      time.Duration
	Duration time.Duration
}

// Config configures Transport A (§6).
type Config struct {
	DeviceName        string
	FastInterval      AdvertiseInterval // used while backoff is at baseline
	SlowInterval      AdvertiseInterval // used once backoff has grown beyond baseline
	ConnectionTimeout time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ChunkConfig       chunk.Config
}

// DefaultConfig returns the interval bounds named in §4.3.
func DefaultConfig() Config {
	return Config{
		FastInterval:      AdvertiseInterval{Min: 20 * time.Millisecond, Max: 50 * time.Millisecond, Duration: 30 * time.Second},
		SlowInterval:      AdvertiseInterval{Min: 100 * time.Millisecond, Max: 300 * time.Millisecond, Duration: 10 * time.Second},
		ConnectionTimeout: 30 * time.Second,
		BackoffInitial:    time.Second,
		BackoffMax:        32 * time.Second,
		ChunkConfig:       chunk.DefaultConfig(),
	}
}

// EventKind identifies the kind of driver event delivered to the worker.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventRX
	EventAdvertiseComplete
	EventRadioError
)

// Event is a single radio-driver occurrence, delivered over a channel so the
// transport worker processes them one at a time, serialized.
type Event struct {
	Kind EventKind
	MTU  int
	Data []byte
	Err  error
}

// Radio is the minimal surface the transport drives; production code
// implements it over github.com/go-ble/ble, tests implement it with a fake.
type Radio interface {
	// StartAdvertising begins one advertising cycle with the given
	// parameters; the driver is expected to deliver an EventAdvertiseComplete
	// (if no connection forms) or EventConnected via the transport's event
	// channel.
	StartAdvertising(ctx context.Context, interval AdvertiseInterval) error
	// Notify sends one GATT notification on the TX attribute.
	Notify(data []byte) error
}

// Stats is a point-in-time snapshot of Transport A's counters, mirroring
// relay.DestinationMetrics/hooks.HookManager.GetStats (SPEC_FULL.md §3).
type Stats struct {
	State          State
	FramesSent     uint64
	FramesReceived uint64
	ReconnectCount uint32
	LastError      string
}

// Transport drives Transport A's state machine and workers.
type Transport struct {
	cfg      Config
	radio    Radio
	chunkMgr *chunk.Manager
	commands *queue.CommandQueue
	responses *queue.ResponseQueue
	registry *errreg.Registry

	mu    sync.RWMutex
	state State
	mtu   int

	framesSent     uint64
	framesReceived uint64
	reconnectCount uint32
	lastError      string

	backoffSeq *backoff.Sequence

	timerMu      sync.Mutex
	timerPending bool
	timer        *time.Timer

	events  chan Event
	wg      sync.WaitGroup
	closing bool
}

// New constructs a Transport A instance, unstarted.
func New(cfg Config, radio Radio, chunkMgr *chunk.Manager, commands *queue.CommandQueue, responses *queue.ResponseQueue, registry *errreg.Registry) *Transport {
	return &Transport{
		cfg:        cfg,
		radio:      radio,
		chunkMgr:   chunkMgr,
		commands:   commands,
		responses:  responses,
		registry:   registry,
		state:      StateDown,
		mtu:        23, // BLE default ATT_MTU until negotiated
		backoffSeq: backoff.NewSequence(cfg.BackoffInitial, cfg.BackoffMax, 0.1),
		events:     make(chan Event, 32),
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Stats returns a snapshot of Transport A's counters.
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		State:          t.state,
		FramesSent:     t.framesSent,
		FramesReceived: t.framesReceived,
		ReconnectCount: t.reconnectCount,
		LastError:      t.lastError,
	}
}

// SecurityCapable reports whether this transport can carry Security1
// traffic. Transport A ships only a capability surface: the source material
// left the short-range Security1 path as an unfinished stub, so this spec
// ships only the pub/sub Security1 wiring (spec.md §9 Open Question).
func (t *Transport) SecurityCapable() bool { return false }

// AttachSecurity1 always fails: see SecurityCapable.
func (t *Transport) AttachSecurity1(session any) error {
	return rerrors.NewStateError("shortrange.attachSecurity1", fmt.Errorf("security1 is not supported on transport A"))
}

// Deliver feeds a driver event into the transport's worker queue. Safe to
// call from any goroutine (typically a go-ble callback). A no-op once Stop
// has been called.
func (t *Transport) Deliver(ev Event) {
	t.mu.RLock()
	closing := t.closing
	t.mu.RUnlock()
	if closing {
		return
	}
	select {
	case t.events <- ev:
	default:
		logger.Logger().Warn("transportA event dropped: worker backlogged", "kind", ev.Kind)
	}
}

// Start launches the event worker and TX worker and begins advertising.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDown {
		t.mu.Unlock()
		return rerrors.NewStateError("shortrange.start", fmt.Errorf("already started: state=%s", t.state))
	}
	t.state = StateStarting
	t.mu.Unlock()

	t.wg.Add(2)
	go func() { defer t.wg.Done(); t.runEventLoop(ctx) }()
	go func() { defer t.wg.Done(); t.runTXLoop(ctx) }()

	t.beginAdvertising(ctx)
	return nil
}

// Stop tears down the workers, cancels any pending timer, and transitions to
// Down.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.closing = true
	t.state = StateDown
	t.mu.Unlock()

	t.cancelPendingTimer()
	close(t.events)
	t.wg.Wait()
}

func (t *Transport) runEventLoop(ctx context.Context) {
	log := logger.Logger().With("transport", "A")
	for {
		select {
		case ev, ok := <-t.events:
			if !ok {
				return
			}
			t.handle(ctx, ev)
		case <-ctx.Done():
			log.Info("transport A event loop stopping: context done")
			return
		}
	}
}

func (t *Transport) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		t.onConnected(ev.MTU)
	case EventDisconnected:
		t.onDisconnected(ctx)
	case EventAdvertiseComplete:
		t.onAdvertiseComplete(ctx)
	case EventRX:
		t.onRX(ev.Data)
	case EventRadioError:
		t.onRadioError(ctx, ev.Err)
	}
}

func (t *Transport) onConnected(mtu int) {
	t.mu.Lock()
	t.state = StateUp
	t.mtu = mtu
	t.mu.Unlock()

	t.backoffSeq.Reset()
	t.cancelPendingTimer()
	t.chunkMgr.SetMaxChunkSize(mtu - attOverhead)
	logger.Logger().Info("transport A connected", "mtu", mtu)
}

func (t *Transport) onDisconnected(ctx context.Context) {
	t.mu.Lock()
	t.state = StateAdvertising
	t.reconnectCount++
	t.mu.Unlock()
	t.beginAdvertising(ctx) // immediate, no backoff for the first re-advertise
}

func (t *Transport) onAdvertiseComplete(ctx context.Context) {
	if t.State() == StateUp {
		return
	}
	t.scheduleReadvertise(ctx)
}

func (t *Transport) onRadioError(ctx context.Context, err error) {
	t.mu.Lock()
	t.state = StateError
	t.reconnectCount++
	t.lastError = err.Error()
	t.mu.Unlock()
	if t.registry != nil {
		t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryConnection, Severity: errreg.SeverityError, Description: "radio error", Code: -1})
	}
	t.scheduleReadvertise(ctx)
}

func (t *Transport) currentInterval() AdvertiseInterval {
	if t.backoffSeq.AtBaseline() {
		return t.cfg.FastInterval
	}
	return t.cfg.SlowInterval
}

func (t *Transport) beginAdvertising(ctx context.Context) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.state = StateAdvertising
	t.mu.Unlock()

	if err := t.radio.StartAdvertising(ctx, t.currentInterval()); err != nil {
		t.Deliver(Event{Kind: EventRadioError, Err: err})
	}
}

func (t *Transport) scheduleReadvertise(ctx context.Context) {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.timerPending {
		return // re-arming while pending is a no-op (idempotent)
	}
	d := t.backoffSeq.Next()
	t.timerPending = true
	t.timer = time.AfterFunc(d, func() {
		t.timerMu.Lock()
		t.timerPending = false
		t.timerMu.Unlock()
		t.beginAdvertising(ctx)
	})
}

func (t *Transport) cancelPendingTimer() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timerPending = false
}

func (t *Transport) onRX(data []byte) {
	t.mu.RLock()
	curMTU := t.mtu
	t.mu.RUnlock()

	if chunk.LooksLikeChunk(data, curMTU) {
		payload, ok, err := t.chunkMgr.Receive(data)
		if err != nil {
			t.reportRX(err)
			return
		}
		if !ok {
			return
		}
		t.decodeAndEnqueue(payload)
		return
	}
	t.decodeAndEnqueue(data)
}

func (t *Transport) decodeAndEnqueue(buf []byte) {
	cf, err := frame.DecodeCommand(buf)
	if err != nil {
		t.reportRX(err)
		return
	}
	cf.Origin = frame.OriginA
	if err := t.commands.Enqueue(cf); err != nil {
		if t.registry != nil {
			t.registry.Report(context.Background(), errreg.Report{Component: Component, Category: errreg.CategoryQueue, Severity: errreg.SeverityWarning, Description: "command queue full, frame dropped"})
		}
		return
	}
	t.mu.Lock()
	t.framesReceived++
	t.mu.Unlock()
}

func (t *Transport) reportRX(err error) {
	t.mu.Lock()
	t.lastError = err.Error()
	t.mu.Unlock()
	if t.registry != nil {
		t.registry.Report(context.Background(), errreg.Report{Component: Component, Category: errreg.CategoryProtocol, Severity: errreg.SeverityWarning, Description: err.Error()})
	}
}

func (t *Transport) runTXLoop(ctx context.Context) {
	for {
		rf, err := t.responses.Dequeue(ctx)
		if err != nil {
			return
		}
		if rf.Origin != frame.OriginA {
			rf.Payload = nil // discard and free: destined for another transport
			continue
		}
		t.send(ctx, rf)
	}
}

func (t *Transport) send(ctx context.Context, rf *frame.ResponseFrame) {
	if t.State() != StateUp {
		rf.Payload = nil
		if t.registry != nil {
			t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryCommunication, Severity: errreg.SeverityWarning, Description: "response dropped: link not up"})
		}
		return
	}

	t.mu.RLock()
	curMTU := t.mtu
	t.mu.RUnlock()

	wire := frame.EncodeResponse(rf.ID, rf.Status, rf.Payload)
	maxLen := curMTU - attOverhead
	if maxLen > 0 && len(wire) > maxLen {
		chunks, err := t.chunkMgr.Split(wire)
		if err != nil {
			t.reportTX(ctx, err)
			return
		}
		for i, c := range chunks {
			if err := t.radio.Notify(c); err != nil {
				t.reportTX(ctx, err)
				return
			}
			if i != len(chunks)-1 {
				time.Sleep(interChunkDelay)
			}
		}
		t.mu.Lock()
		t.framesSent++
		t.mu.Unlock()
		return
	}
	if err := t.radio.Notify(wire); err != nil {
		t.reportTX(ctx, err)
		return
	}
	t.mu.Lock()
	t.framesSent++
	t.mu.Unlock()
}

func (t *Transport) reportTX(ctx context.Context, err error) {
	t.mu.Lock()
	t.lastError = err.Error()
	t.mu.Unlock()
	if t.registry != nil {
		t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryCommunication, Severity: errreg.SeverityError, Description: err.Error()})
	}
}
