// Package errreg implements the cross-cutting error/recovery registry:
// per-component reporting, statistics aggregation, pluggable recovery
// strategies and degradation detection (SPEC_FULL.md §4.7). Grounded on
// internal/rtmp/server/hooks/manager.go's registration-table-plus-bounded-
// concurrent-callback shape; the semaphore-based executionPool is replaced
// with golang.org/x/sync/errgroup, which runs each recovery callback (one
// per errgroup; there is no fan-out across callbacks).
package errreg

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alxayo/go-iotcc/internal/logger"
)

// Component identifies a registered subsystem (§4.7 Enumerations).
type Component string

// Category classifies the nature of a reported error.
type Category string

const (
	CategoryConnection    Category = "connection"
	CategoryCommunication Category = "communication"
	CategoryProtocol      Category = "protocol"
	CategoryResource      Category = "resource"
	CategoryMemory        Category = "memory"
	CategoryQueue         Category = "queue"
	CategoryProcessing    Category = "processing"
	CategoryValidation    Category = "validation"
	CategoryTimeout       Category = "timeout"
	CategoryHardware      Category = "hardware"
	CategorySystem        Category = "system"
	CategoryConfiguration Category = "configuration"
	CategoryRecovery      Category = "recovery"
)

// Severity ranks the impact of a reported error, lowest to highest.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RecoveryStrategy names the action considered when a component crosses its
// recovery threshold.
type RecoveryStrategy int

const (
	StrategyNone RecoveryStrategy = iota
	StrategyRetry
	StrategyResetState
	StrategyRestartComponent
	StrategyRestartService
	StrategySystemRestart
	StrategyCustom
)

// escalationOrder is the sequence a failed recovery escalates through,
// stopping before StrategySystemRestart (§4.7 step 7).
var escalationOrder = []RecoveryStrategy{
	StrategyRetry,
	StrategyResetState,
	StrategyRestartComponent,
	StrategyRestartService,
}

// RecoveryPolicy configures automatic recovery for one component.
type RecoveryPolicy struct {
	MaxConsecutiveErrors int
	Cooldown             time.Duration
	RetryDelay           time.Duration
	AutoEnabled          bool
	EscalateOnFailure    bool
	// Callback performs a CUSTOM or delegated reset/restart action. Required
	// for StrategyCustom and for ResetState/RestartComponent/RestartService,
	// which delegate to it (§4.7 step 6).
	Callback func(ctx context.Context, comp Component, strategy RecoveryStrategy) error
}

// RealRestartFunc is invoked on StrategySystemRestart only when opted in via
// Registry.EnableRealSystemRestart; by default system-restart is log-only
// (SPEC_FULL.md §4 Open Question decision, spec.md §9).
type RealRestartFunc func(ctx context.Context, comp Component) error

type componentCounters struct {
	total            uint64
	byCategory       map[Category]uint64
	bySeverity       map[Severity]uint64
	consecutiveCount int
	lastTimestamp    time.Time
	lastCode         int
	lastRecoveryAt   time.Time
}

// ComponentRegistration is one entry in the registry's component table
// (§3 ComponentRegistration).
type ComponentRegistration struct {
	Component Component
	Policy    RecoveryPolicy
	counters  componentCounters
}

// Report is one (component, category, severity, ...) event as delivered to
// Registry.Report.
type Report struct {
	Component      Component
	Category       Category
	Severity       Severity
	Code           int
	UnderlyingCode int
	Context        map[string]any
	Description    string
}

// Registry is the process-lifetime error/recovery registry. One mutex
// guards the whole table (§5 Shared resources).
type Registry struct {
	mu          sync.Mutex
	components  map[Component]*ComponentRegistration
	globalCB    func(Report)
	realRestart RealRestartFunc

	mostErrorProne Component
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{components: make(map[Component]*ComponentRegistration)}
}

// RegisterComponent adds a component with its recovery policy. Registering
// the same component twice replaces its policy but preserves counters.
func (r *Registry) RegisterComponent(comp Component, policy RecoveryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.components[comp]
	if !ok {
		reg = &ComponentRegistration{Component: comp, counters: componentCounters{
			byCategory: make(map[Category]uint64),
			bySeverity: make(map[Severity]uint64),
		}}
		r.components[comp] = reg
	}
	reg.Policy = policy
}

// SetGlobalCallback registers the callback invoked for every Report (§4.7 step 5).
func (r *Registry) SetGlobalCallback(cb func(Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalCB = cb
}

// EnableRealSystemRestart opts the registry into actually invoking fn on
// StrategySystemRestart instead of the default log-only behavior.
func (r *Registry) EnableRealSystemRestart(fn RealRestartFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realRestart = fn
}

// strategyFor implements the default strategy table keyed on
// (category, severity >= critical) per §4.7 step 4.
func strategyFor(cat Category, critical bool) RecoveryStrategy {
	switch cat {
	case CategoryConnection, CategoryCommunication, CategoryTimeout:
		return StrategyRetry
	case CategoryMemory, CategoryResource, CategoryQueue:
		if critical {
			return StrategyResetState
		}
		return StrategyRetry
	case CategoryProtocol, CategoryValidation:
		return StrategyResetState
	case CategoryConfiguration:
		return StrategyNone
	case CategoryHardware, CategorySystem:
		if critical {
			return StrategySystemRestart
		}
		return StrategyRetry
	default:
		return StrategyNone
	}
}

// Report records one error event and, if eligible, executes recovery.
// Implements the 7-step behavior of §4.7.
func (r *Registry) Report(ctx context.Context, rep Report) {
	log := logger.Logger().With("component", string(rep.Component), "category", string(rep.Category), "severity", rep.Severity.String())

	r.mu.Lock()
	reg, ok := r.components[rep.Component]
	if !ok {
		reg = &ComponentRegistration{Component: rep.Component, counters: componentCounters{
			byCategory: make(map[Category]uint64),
			bySeverity: make(map[Severity]uint64),
		}}
		r.components[rep.Component] = reg
	}

	// Step 1: per-component counters.
	reg.counters.total++
	reg.counters.byCategory[rep.Category]++
	reg.counters.bySeverity[rep.Severity]++
	reg.counters.lastTimestamp = time.Now()
	reg.counters.lastCode = rep.Code
	reg.counters.consecutiveCount++
	consecutive := reg.counters.consecutiveCount

	// Step 2: system counters / most-error-prone recomputation.
	r.recomputeMostErrorProne()

	policy := reg.Policy
	cb := r.globalCB
	r.mu.Unlock()

	log.Warn("error reported", "code", rep.Code, "underlying_code", rep.UnderlyingCode, "description", rep.Description, "consecutive", consecutive)

	// Step 4: choose default strategy.
	critical := rep.Severity >= SeverityCritical
	strategy := strategyFor(rep.Category, critical)

	// Step 5: global callback.
	if cb != nil {
		cb(rep)
	}

	// Step 6/7: auto-recovery with cooldown/ceiling checks and escalation.
	if !policy.AutoEnabled {
		return
	}
	r.mu.Lock()
	ceilingExceeded := policy.MaxConsecutiveErrors > 0 && reg.counters.consecutiveCount > policy.MaxConsecutiveErrors
	cooldownElapsed := time.Since(reg.counters.lastRecoveryAt) >= policy.Cooldown
	r.mu.Unlock()

	if ceilingExceeded || !cooldownElapsed || rep.Severity < SeverityError {
		return
	}

	r.executeRecovery(ctx, reg, strategy, policy)
}

// recomputeMostErrorProne updates r.mostErrorProne; caller must hold r.mu.
func (r *Registry) recomputeMostErrorProne() {
	var worst Component
	var worstTotal uint64
	for comp, reg := range r.components {
		if reg.counters.total > worstTotal {
			worstTotal = reg.counters.total
			worst = comp
		}
	}
	r.mostErrorProne = worst
}

// executeRecovery runs strategy, escalating on failure per §4.7 step 7.
func (r *Registry) executeRecovery(ctx context.Context, reg *ComponentRegistration, strategy RecoveryStrategy, policy RecoveryPolicy) {
	log := logger.Logger().With("component", string(reg.Component))
	current := strategy
	for {
		err := r.runStrategy(ctx, reg, current, policy)
		r.mu.Lock()
		reg.counters.lastRecoveryAt = time.Now()
		if err == nil {
			reg.counters.consecutiveCount = 0
			r.mu.Unlock()
			log.Info("recovery succeeded", "strategy", strategyName(current))
			return
		}
		r.mu.Unlock()
		log.Error("recovery failed", "strategy", strategyName(current), "err", err)
		if !policy.EscalateOnFailure {
			return
		}
		next, ok := nextStrategy(current)
		if !ok {
			return
		}
		current = next
	}
}

func (r *Registry) runStrategy(ctx context.Context, reg *ComponentRegistration, strategy RecoveryStrategy, policy RecoveryPolicy) error {
	switch strategy {
	case StrategyNone:
		return nil
	case StrategyRetry:
		select {
		case <-time.After(policy.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	case StrategyResetState, StrategyRestartComponent, StrategyRestartService, StrategyCustom:
		if policy.Callback == nil {
			return nil
		}
		return r.runCallback(ctx, reg.Component, strategy, policy.Callback)
	case StrategySystemRestart:
		log := logger.Logger().With("component", string(reg.Component))
		r.mu.Lock()
		fn := r.realRestart
		r.mu.Unlock()
		if fn == nil {
			log.Warn("system-restart requested (log-only, no opt-in restart configured)")
			return nil
		}
		return fn(ctx, reg.Component)
	default:
		return nil
	}
}

// runCallback runs a single recovery callback in its own errgroup, passing
// it the group's derived context, and returns the callback's error.
func (r *Registry) runCallback(ctx context.Context, comp Component, strategy RecoveryStrategy, cb func(context.Context, Component, RecoveryStrategy) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cb(gctx, comp, strategy) })
	return g.Wait()
}

func nextStrategy(current RecoveryStrategy) (RecoveryStrategy, bool) {
	for i, s := range escalationOrder {
		if s == current && i+1 < len(escalationOrder) {
			return escalationOrder[i+1], true
		}
	}
	return StrategyNone, false
}

func strategyName(s RecoveryStrategy) string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyRetry:
		return "retry"
	case StrategyResetState:
		return "reset-state"
	case StrategyRestartComponent:
		return "restart-component"
	case StrategyRestartService:
		return "restart-service"
	case StrategySystemRestart:
		return "system-restart"
	case StrategyCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// SystemHealth returns the highest severity observed across all components
// in the last window, escalated to at least SeverityWarning if any component
// exceeds its consecutive-error ceiling (§4.7 System-health query).
func (r *Registry) SystemHealth(window time.Duration) Severity {
	r.mu.Lock()
	defer r.mu.Unlock()
	highest := SeverityInfo
	cutoff := time.Now().Add(-window)
	anyExceeded := false
	for _, reg := range r.components {
		if reg.counters.lastTimestamp.After(cutoff) {
			for sev, count := range reg.counters.bySeverity {
				if count > 0 && sev > highest {
					highest = sev
				}
			}
		}
		if reg.Policy.MaxConsecutiveErrors > 0 && reg.counters.consecutiveCount > reg.Policy.MaxConsecutiveErrors {
			anyExceeded = true
		}
	}
	if anyExceeded && highest < SeverityWarning {
		highest = SeverityWarning
	}
	return highest
}

// MostErrorProneComponent returns the component with the highest total
// error count observed so far.
func (r *Registry) MostErrorProneComponent() Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mostErrorProne
}

// ConsecutiveErrors returns the current consecutive-error count for comp.
func (r *Registry) ConsecutiveErrors(comp Component) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.components[comp]
	if !ok {
		return 0
	}
	return reg.counters.consecutiveCount
}

// TotalErrors returns the total error count for comp.
func (r *Registry) TotalErrors(comp Component) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.components[comp]
	if !ok {
		return 0
	}
	return reg.counters.total
}
