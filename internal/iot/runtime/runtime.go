// Package runtime composes the codec, chunk manager, queues, command
// processor, both transports, the optional Security1 session, and the
// error registry into one explicit-owner object with a Start/Stop lifecycle
// (SPEC_FULL.md §5). Grounded on internal/rtmp/server/server.go's
// Config.applyDefaults()+New(cfg) wiring and Start/Stop with a
// sync.WaitGroup and graceful shutdown timeout pattern from
// cmd/rtmp-server/main.go.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alxayo/go-iotcc/internal/iot/chunk"
	"github.com/alxayo/go-iotcc/internal/iot/errreg"
	"github.com/alxayo/go-iotcc/internal/iot/process"
	"github.com/alxayo/go-iotcc/internal/iot/queue"
	"github.com/alxayo/go-iotcc/internal/iot/security1"
	"github.com/alxayo/go-iotcc/internal/iot/service"
	"github.com/alxayo/go-iotcc/internal/iot/transport/pubsub"
	"github.com/alxayo/go-iotcc/internal/iot/transport/shortrange"
	"github.com/alxayo/go-iotcc/internal/logger"
)

// Config holds every knob needed to assemble a Runtime. Radio/Broker are the
// driver seams (fake in tests, go-ble/paho in production); Services are the
// external collaborators the command processor dispatches to.
type Config struct {
	CommandQueueCapacity  int
	ResponseQueueCapacity int

	TransportA shortrange.Config
	Radio      shortrange.Radio

	TransportB      pubsub.Config
	Broker          pubsub.Broker
	Security1       security1.Config // used only when EnableSecurity1 is set; New fails if its PoP is invalid
	EnableSecurity1 bool

	Services service.Services

	ShutdownTimeout time.Duration
}

// applyDefaults fills zero-valued fields with sensible defaults, mirroring
// server.Config.applyDefaults().
func (c *Config) applyDefaults() {
	if c.CommandQueueCapacity == 0 {
		c.CommandQueueCapacity = 32
	}
	if c.ResponseQueueCapacity == 0 {
		c.ResponseQueueCapacity = 32
	}
	if c.TransportA.BackoffMax == 0 {
		c.TransportA = shortrange.DefaultConfig()
	}
	if c.TransportB.BackoffMax == 0 {
		def := pubsub.DefaultConfig()
		def.Prefix = c.TransportB.Prefix
		def.SecurityEnabled = c.EnableSecurity1
		c.TransportB = def
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Runtime owns every long-lived component and coordinates their lifecycle.
type Runtime struct {
	cfg Config

	registry   *errreg.Registry
	chunkMgr   *chunk.Manager
	commands   *queue.CommandQueue
	responses  *queue.ResponseQueue
	processor  *process.Processor
	security   *security1.Session
	transportA *shortrange.Transport
	transportB *pubsub.Transport

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Runtime; it does not start any worker.
func New(cfg Config) (*Runtime, error) {
	cfg.applyDefaults()

	if cfg.Radio == nil {
		return nil, errors.New("runtime: Radio is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("runtime: Broker is required")
	}

	registry := errreg.New()
	chunkMgr := chunk.New(cfg.TransportA.ChunkConfig)
	commands := queue.NewCommandQueue(cfg.CommandQueueCapacity)
	responses := queue.NewResponseQueue(cfg.ResponseQueueCapacity)
	proc := process.New(commands, responses, cfg.Services)

	var session *security1.Session
	if cfg.EnableSecurity1 {
		var err error
		session, err = security1.New(cfg.Security1, registry)
		if err != nil {
			return nil, err
		}
	}

	transportA := shortrange.New(cfg.TransportA, cfg.Radio, chunkMgr, commands, responses, registry)
	transportB := pubsub.New(cfg.TransportB, cfg.Broker, commands, responses, registry, session)

	return &Runtime{
		cfg:        cfg,
		registry:   registry,
		chunkMgr:   chunkMgr,
		commands:   commands,
		responses:  responses,
		processor:  proc,
		security:   session,
		transportA: transportA,
		transportB: transportB,
	}, nil
}

// Registry exposes the error/recovery registry for health queries.
func (r *Runtime) Registry() *errreg.Registry { return r.registry }

// TransportA exposes Transport A for wiring driver-delivered events.
func (r *Runtime) TransportA() *shortrange.Transport { return r.transportA }

// TransportB exposes Transport B for wiring driver-delivered events.
func (r *Runtime) TransportB() *pubsub.Transport { return r.transportB }

// Start launches the command processor, the chunk sweep, Transport A, and
// Transport B, wiring a cancellable context shared by all workers, mirroring
// server.Server.Start()'s single-listener accept loop generalized to several
// long-lived workers.
func (r *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.processor.Run(runCtx) }()

	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.runChunkSweep(runCtx) }()

	if err := r.transportA.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := r.transportB.Start(runCtx); err != nil {
		r.transportA.Stop()
		cancel()
		return err
	}

	logger.Logger().Info("runtime started")
	return nil
}

// runChunkSweep periodically evicts expired reassembly contexts (§4.2
// "periodic sweep compares now-created_at against reassembly_timeout_ms").
// Interval is half the reassembly timeout so stale contexts are caught
// within one extra half-period of their deadline, mirroring the teacher's
// hooks.executionPool ticking lifecycle.
func (r *Runtime) runChunkSweep(ctx context.Context) {
	interval := r.cfg.TransportA.ChunkConfig.ReassemblyTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := r.chunkMgr.Sweep(now); evicted > 0 {
				logger.Logger().Warn("chunk reassembly contexts expired", "count", evicted)
			}
		}
	}
}

// Stop cancels the shared context, stops both transports, and waits for the
// command processor to drain, bounded by cfg.ShutdownTimeout.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.transportA.Stop()
	r.transportB.Stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Logger().Info("runtime stopped cleanly")
	case <-time.After(r.cfg.ShutdownTimeout):
		logger.Logger().Error("runtime forced exit after shutdown timeout")
	}
}
