// Package process implements the command processor: a single worker that
// dequeues CommandFrame values, dispatches by opcode to the service layer,
// and produces exactly one final ResponseFrame per command (SPEC_FULL.md
// §4.6). Grounded on internal/rtmp/rpc/dispatcher.go's single-worker
// dispatch-table shape, generalized from RTMP's AMF command names to this
// spec's three known opcodes.
package process

import (
	"context"

	"github.com/alxayo/go-iotcc/internal/iot/frame"
	"github.com/alxayo/go-iotcc/internal/iot/queue"
	"github.com/alxayo/go-iotcc/internal/iot/service"
	"github.com/alxayo/go-iotcc/internal/logger"
)

const (
	opSyncSchedule  = "syncSchedule"
	opWifiScan      = "wifiScan"
	opWifiConfigure = "wifiConfigure"
	statusUnknownOp = -1
)

// Processor dequeues commands from an inbound queue and publishes responses
// to an outbound queue, dispatching through Services.
type Processor struct {
	commands  *queue.CommandQueue
	responses *queue.ResponseQueue
	services  service.Services
}

// New constructs a Processor wired to the given queues and services.
func New(commands *queue.CommandQueue, responses *queue.ResponseQueue, services service.Services) *Processor {
	return &Processor{commands: commands, responses: responses, services: services}
}

// Run is the processor's single worker loop; it returns when ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		cf, err := p.commands.Dequeue(ctx)
		if err != nil {
			return
		}
		p.handle(ctx, cf)
	}
}

func (p *Processor) handle(ctx context.Context, cf *frame.CommandFrame) {
	log := logger.WithFrame(logger.WithOrigin(logger.Logger(), cf.Origin.String()), cf.ID, cf.Op)

	rf := &frame.ResponseFrame{ID: cf.ID, Origin: cf.Origin, IsFinal: true}

	switch cf.Op {
	case opSyncSchedule:
		status, err := p.services.Schedule.Apply(ctx, cf.Payload)
		if err != nil {
			log.Error("schedule apply failed", "err", err)
			status = -2
		}
		rf.Status = status
	case opWifiScan:
		result, err := p.services.WifiScanner.Scan(ctx)
		if err != nil {
			log.Error("wifi scan failed", "err", err)
			rf.Status = -2
		} else {
			rf.Status = 0
			rf.Payload = result
		}
	case opWifiConfigure:
		status, err := p.services.WifiConfigurer.Configure(ctx, cf.Payload)
		if err != nil {
			log.Error("wifi configure failed", "err", err)
			status = -2
		}
		rf.Status = status
	default:
		log.Warn("unknown opcode")
		rf.Status = statusUnknownOp
	}

	cf.Payload = nil // processor releases its hold on the command payload after dispatch

	if err := p.responses.Enqueue(rf); err != nil {
		log.Warn("response dropped", "err", err)
	}
}
