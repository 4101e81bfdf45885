// Package pubsub implements Transport B: a publish/subscribe broker client
// carrying commands and responses over topics, with an optional Security1
// handshake phase (SPEC_FULL.md §4.4). Grounded on
// internal/rtmp/relay/destination.go's mutex-guarded connection state with
// a DestinationStatus-shaped state machine and reconnect backoff, and on
// transport/shortrange's event-channel worker shape for the parts that
// carry over unchanged (one event loop, one TX loop, a closing flag).
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	rerrors "github.com/alxayo/go-iotcc/internal/errors"
	"github.com/alxayo/go-iotcc/internal/iot/backoff"
	"github.com/alxayo/go-iotcc/internal/iot/errreg"
	"github.com/alxayo/go-iotcc/internal/iot/frame"
	"github.com/alxayo/go-iotcc/internal/iot/queue"
	"github.com/alxayo/go-iotcc/internal/iot/security1"
	"github.com/alxayo/go-iotcc/internal/logger"
)

// Component is this transport's error-registry identity.
const Component errreg.Component = "transportB"

// State is Transport B's connection/session lifecycle (§4.4).
type State int

const (
	StateDown State = iota
	StateConnecting
	StateUp
	StateHandshakeInProgress
	StateOperational
	StateEncryptedComm
	StateError
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	case StateHandshakeInProgress:
		return "handshake_in_progress"
	case StateOperational:
		return "operational"
	case StateEncryptedComm:
		return "encrypted_comm"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures Transport B.
type Config struct {
	Prefix          string // topic namespace, e.g. "dev/x"
	SecurityEnabled bool
	ConnectTimeout  time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

// DefaultConfig returns reasonable connect/backoff bounds shared with
// Transport A's rule (§4.4 "same backoff rule as Transport A").
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		BackoffInitial: time.Second,
		BackoffMax:     32 * time.Second,
	}
}

func (c Config) legacyCmdTopic() string     { return c.Prefix + "/cmd" }
func (c Config) legacyRespTopic() string    { return c.Prefix + "/resp" }
func (c Config) handshakeReqTopic() string  { return c.Prefix + "/handshake/request" }
func (c Config) handshakeRespTopic() string { return c.Prefix + "/handshake/response" }
func (c Config) dataReqTopic() string       { return c.Prefix + "/data/request" }
func (c Config) dataRespTopic() string      { return c.Prefix + "/data/response" }

// EventKind identifies the kind of broker-driver occurrence delivered to the
// transport's worker.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventBrokerError
)

// Event is a single broker-driver occurrence, serialized through one channel
// exactly as transport/shortrange does for its radio driver.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// Broker is the minimal surface the transport drives; production code
// implements it over github.com/eclipse/paho.mqtt.golang, tests implement it
// with a fake.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Stats is a point-in-time snapshot of Transport B's counters, mirroring
// relay.DestinationMetrics/hooks.HookManager.GetStats (SPEC_FULL.md §3).
type Stats struct {
	State          State
	FramesSent     uint64
	FramesReceived uint64
	ReconnectCount uint32
	LastError      string
}

// Transport drives Transport B's state machine and workers.
type Transport struct {
	cfg       Config
	broker    Broker
	commands  *queue.CommandQueue
	responses *queue.ResponseQueue
	registry  *errreg.Registry
	security  *security1.Session // nil when Security1 is disabled

	mu           sync.RWMutex
	state        State
	subscribedRX string

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

// New constructs a Transport B instance, unstarted. session must be non-nil
// iff cfg.SecurityEnabled.
func New(cfg Config, broker Broker, commands *queue.CommandQueue, responses *queue.ResponseQueue, registry *errreg.Registry, session *security1.Session) *Transport {
	t := &Transport{
		cfg:        cfg,
		broker:     broker,
		commands:   commands,
		responses:  responses,
		registry:   registry,
		security:   session,
		state:      StateDown,
		backoffSeq: backoff.NewSequence(cfg.BackoffInitial, cfg.BackoffMax, 0.1),
		events:     make(chan Event, 32),
	}
	if session != nil {
		session.OnActive(t.onSessionActive)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Stats returns a snapshot of Transport B's counters.
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

// Deliver feeds a broker event into the transport's worker queue. Safe to
// call from any goroutine (typically a paho callback).
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
		logger.Logger().Warn("transportB event dropped: worker backlogged", "kind", ev.Kind)
	}
}

// Start launches the event worker and TX worker and begins connecting.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDown {
		t.mu.Unlock()
		return rerrors.NewStateError("pubsub.start", fmt.Errorf("already started: state=%s", t.state))
	}
	t.state = StateConnecting
	t.mu.Unlock()

	t.wg.Add(2)
	go func() { defer t.wg.Done(); t.runEventLoop(ctx) }()
	go func() { defer t.wg.Done(); t.runTXLoop(ctx) }()

	t.connect(ctx)
	return nil
}

// Stop tears down the workers, cancels any pending timer, and disconnects.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.closing = true
	t.state = StateDown
	t.mu.Unlock()

	t.cancelPendingTimer()
	t.broker.Disconnect()
	close(t.events)
	t.wg.Wait()
}

func (t *Transport) connect(ctx context.Context) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	t.mu.Unlock()

	if err := t.broker.Connect(ctx); err != nil {
		t.Deliver(Event{Kind: EventBrokerError, Err: err})
	}
}

func (t *Transport) runEventLoop(ctx context.Context) {
	log := logger.Logger().With("transport", "B")
	for {
		select {
		case ev, ok := <-t.events:
			if !ok {
				return
			}
			t.handle(ctx, ev)
		case <-ctx.Done():
			log.Info("transport B event loop stopping: context done")
			return
		}
	}
}

func (t *Transport) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		t.onConnected(ctx)
	case EventDisconnected:
		t.onDisconnected(ctx)
	case EventMessage:
		t.onMessage(ctx, ev.Topic, ev.Payload)
	case EventBrokerError:
		t.onBrokerError(ctx, ev.Err)
	}
}

// onConnected implements §4.4 "on broker-connected: reset backoff, subscribe
// to the currently-active RX topic set".
func (t *Transport) onConnected(ctx context.Context) {
	t.backoffSeq.Reset()
	t.cancelPendingTimer()

	rxTopic := t.cfg.legacyCmdTopic()
	nextState := StateUp
	if t.cfg.SecurityEnabled {
		rxTopic = t.cfg.handshakeReqTopic()
		nextState = StateHandshakeInProgress
	}

	if err := t.broker.Subscribe(rxTopic); err != nil {
		t.onBrokerError(ctx, err)
		return
	}

	t.mu.Lock()
	t.state = nextState
	t.subscribedRX = rxTopic
	t.mu.Unlock()

	logger.Logger().Info("transport B connected", "rx_topic", rxTopic)
}

func (t *Transport) onDisconnected(ctx context.Context) {
	t.mu.Lock()
	t.state = StateDown
	t.subscribedRX = ""
	t.reconnectCount++
	t.mu.Unlock()
	t.scheduleReconnect(ctx)
}

func (t *Transport) onBrokerError(ctx context.Context, err error) {
	t.mu.Lock()
	t.state = StateError
	t.subscribedRX = ""
	t.reconnectCount++
	t.lastError = err.Error()
	t.mu.Unlock()
	if t.registry != nil {
		t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryConnection, Severity: errreg.SeverityError, Description: "broker error", Code: -1})
	}
	t.scheduleReconnect(ctx)
}

func (t *Transport) scheduleReconnect(ctx context.Context) {
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
		t.connect(ctx)
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

// onSessionActive is the security1.Session.OnActive callback: switch
// subscriptions from handshake topics to data topics (§4.4/§4.5 "after a
// brief pause... to SessionActive").
func (t *Transport) onSessionActive() {
	t.mu.Lock()
	oldTopic := t.subscribedRX
	t.mu.Unlock()

	if err := t.broker.Subscribe(t.cfg.dataReqTopic()); err != nil {
		t.onBrokerError(context.Background(), err)
		return
	}
	if oldTopic != "" {
		_ = t.broker.Unsubscribe(oldTopic)
	}

	t.mu.Lock()
	t.state = StateOperational
	t.subscribedRX = t.cfg.dataReqTopic()
	t.mu.Unlock()
}

// onMessage implements §4.4 "Message routing": exact-length topic match
// against the registered topic strings.
func (t *Transport) onMessage(ctx context.Context, topic string, payload []byte) {
	switch {
	case t.cfg.SecurityEnabled && topic == t.cfg.handshakeReqTopic():
		t.handleHandshakeMessage(ctx, payload)
	case t.cfg.SecurityEnabled && topic == t.cfg.dataReqTopic():
		t.handleOperationalMessage(ctx, payload)
	case !t.cfg.SecurityEnabled && topic == t.cfg.legacyCmdTopic():
		t.handleLegacyMessage(ctx, payload)
	default:
		t.reportRX(ctx, rerrors.NewProtocolError("pubsub.onMessage", fmt.Errorf("unexpected topic: %s", topic)))
	}
}

func (t *Transport) handleHandshakeMessage(ctx context.Context, payload []byte) {
	if t.security == nil {
		t.reportRX(ctx, rerrors.NewStateError("pubsub.handleHandshakeMessage", fmt.Errorf("security1 not configured")))
		return
	}
	resp, err := t.security.HandleHandshakeMessage(payload)
	if err != nil {
		t.reportRX(ctx, err)
		return
	}
	if err := t.broker.Publish(ctx, t.cfg.handshakeRespTopic(), resp); err != nil {
		t.reportTX(ctx, err)
	}
}

func (t *Transport) handleOperationalMessage(ctx context.Context, payload []byte) {
	if t.security == nil {
		t.reportRX(ctx, rerrors.NewStateError("pubsub.handleOperationalMessage", fmt.Errorf("security1 not configured")))
		return
	}
	plain, err := t.security.Decrypt(payload)
	if err != nil {
		t.reportRX(ctx, err)
		return
	}

	t.mu.Lock()
	if t.state == StateOperational {
		t.state = StateEncryptedComm
	}
	t.mu.Unlock()

	cf, err := frame.DecodeCommandJSON(plain)
	if err != nil {
		t.reportRX(ctx, err)
		return
	}
	t.enqueue(ctx, cf)
}

func (t *Transport) handleLegacyMessage(ctx context.Context, payload []byte) {
	cf, err := frame.DecodeCommandJSON(payload)
	if err != nil {
		t.reportRX(ctx, err)
		return
	}
	t.enqueue(ctx, cf)
}

func (t *Transport) enqueue(ctx context.Context, cf *frame.CommandFrame) {
	cf.Origin = frame.OriginB
	if err := t.commands.Enqueue(cf); err != nil {
		if t.registry != nil {
			t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryQueue, Severity: errreg.SeverityWarning, Description: "command queue full, frame dropped"})
		}
		return
	}
	t.mu.Lock()
	t.framesReceived++
	t.mu.Unlock()
}

func (t *Transport) reportRX(ctx context.Context, err error) {
	t.mu.Lock()
	t.lastError = err.Error()
	t.mu.Unlock()
	if t.registry != nil {
		t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryProtocol, Severity: errreg.SeverityWarning, Description: err.Error()})
	}
}

func (t *Transport) reportTX(ctx context.Context, err error) {
	t.mu.Lock()
	t.lastError = err.Error()
	t.mu.Unlock()
	if t.registry != nil {
		t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryCommunication, Severity: errreg.SeverityError, Description: err.Error()})
	}
}

// runTXLoop consumes the shared response queue, discarding (not requeuing)
// anything not destined for this transport, exactly mirroring
// transport/shortrange's pattern.
func (t *Transport) runTXLoop(ctx context.Context) {
	for {
		rf, err := t.responses.Dequeue(ctx)
		if err != nil {
			return
		}
		if rf.Origin != frame.OriginB {
			rf.Payload = nil // discard and free: destined for another transport
			continue
		}
		t.send(ctx, rf)
	}
}

func (t *Transport) send(ctx context.Context, rf *frame.ResponseFrame) {
	state := t.State()
	if state != StateUp && state != StateOperational && state != StateEncryptedComm {
		rf.Payload = nil
		if t.registry != nil {
			t.registry.Report(ctx, errreg.Report{Component: Component, Category: errreg.CategoryCommunication, Severity: errreg.SeverityWarning, Description: "response dropped: link not up"})
		}
		return
	}

	wire, err := frame.EncodeResponseJSON(rf.ID, rf.Status, rf.IsFinal, rf.Payload)
	if err != nil {
		t.reportTX(ctx, err)
		return
	}

	if t.cfg.SecurityEnabled {
		if t.security == nil {
			t.reportTX(ctx, rerrors.NewStateError("pubsub.send", fmt.Errorf("security1 not configured")))
			return
		}
		encrypted, err := t.security.Encrypt(wire)
		if err != nil {
			t.reportTX(ctx, err)
			return
		}
		if err := t.broker.Publish(ctx, t.cfg.dataRespTopic(), encrypted); err != nil {
			t.reportTX(ctx, err)
			return
		}
		t.mu.Lock()
		t.framesSent++
		t.mu.Unlock()
		return
	}

	if err := t.broker.Publish(ctx, t.cfg.legacyRespTopic(), wire); err != nil {
		t.reportTX(ctx, err)
		return
	}
	t.mu.Lock()
	t.framesSent++
	t.mu.Unlock()
}
