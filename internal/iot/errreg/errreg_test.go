package errreg

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestReport_CountersAndGlobalCallback(t *testing.T) {
	r := New()
	r.RegisterComponent("transportA", RecoveryPolicy{})
	var called int32
	r.SetGlobalCallback(func(rep Report) { atomic.AddInt32(&called, 1) })

	r.Report(context.Background(), Report{Component: "transportA", Category: CategoryConnection, Severity: SeverityWarning, Code: -1})
	if r.TotalErrors("transportA") != 1 {
		t.Fatalf("total = %d, want 1", r.TotalErrors("transportA"))
	}
	if r.ConsecutiveErrors("transportA") != 1 {
		t.Fatalf("consecutive = %d, want 1", r.ConsecutiveErrors("transportA"))
	}
	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("global callback not invoked")
	}
}

func TestReport_MostErrorProneComponent(t *testing.T) {
	r := New()
	r.RegisterComponent("a", RecoveryPolicy{})
	r.RegisterComponent("b", RecoveryPolicy{})
	for i := 0; i < 3; i++ {
		r.Report(context.Background(), Report{Component: "a", Category: CategoryProtocol, Severity: SeverityError})
	}
	r.Report(context.Background(), Report{Component: "b", Category: CategoryProtocol, Severity: SeverityError})
	if got := r.MostErrorProneComponent(); got != "a" {
		t.Fatalf("most error prone = %q, want a", got)
	}
}

func TestReport_AutoRecoveryRetrySucceeds(t *testing.T) {
	r := New()
	r.RegisterComponent("transportB", RecoveryPolicy{
		MaxConsecutiveErrors: 10,
		Cooldown:             0,
		RetryDelay:           time.Millisecond,
		AutoEnabled:          true,
	})
	r.Report(context.Background(), Report{Component: "transportB", Category: CategoryConnection, Severity: SeverityError})
	if r.ConsecutiveErrors("transportB") != 0 {
		t.Fatalf("expected consecutive reset after successful retry recovery, got %d", r.ConsecutiveErrors("transportB"))
	}
}

func TestReport_RecoveryCeilingBlocksAutoRecovery(t *testing.T) {
	r := New()
	r.RegisterComponent("chunkmgr", RecoveryPolicy{
		MaxConsecutiveErrors: 1,
		Cooldown:             0,
		RetryDelay:           time.Millisecond,
		AutoEnabled:          true,
	})
	r.Report(context.Background(), Report{Component: "chunkmgr", Category: CategoryResource, Severity: SeverityCritical})
	r.Report(context.Background(), Report{Component: "chunkmgr", Category: CategoryResource, Severity: SeverityCritical})
	if r.ConsecutiveErrors("chunkmgr") != 2 {
		t.Fatalf("consecutive = %d, want 2 (ceiling should block reset)", r.ConsecutiveErrors("chunkmgr"))
	}
}

func TestReport_EscalationOnCallbackFailure(t *testing.T) {
	r := New()
	var attempts []RecoveryStrategy
	r.RegisterComponent("session", RecoveryPolicy{
		MaxConsecutiveErrors: 10,
		Cooldown:             0,
		AutoEnabled:          true,
		EscalateOnFailure:    true,
		Callback: func(ctx context.Context, comp Component, strategy RecoveryStrategy) error {
			attempts = append(attempts, strategy)
			return errors.New("still broken")
		},
	})
	r.Report(context.Background(), Report{Component: "session", Category: CategoryProtocol, Severity: SeverityCritical})
	if len(attempts) < 2 {
		t.Fatalf("expected escalation through multiple strategies, got %v", attempts)
	}
	if attempts[0] != StrategyResetState {
		t.Fatalf("first attempt = %v, want reset-state", attempts[0])
	}
}

func TestSystemHealth_EscalatesOnCeilingExceeded(t *testing.T) {
	r := New()
	r.RegisterComponent("sensor", RecoveryPolicy{MaxConsecutiveErrors: 1})
	r.Report(context.Background(), Report{Component: "sensor", Category: CategoryHardware, Severity: SeverityInfo})
	r.Report(context.Background(), Report{Component: "sensor", Category: CategoryHardware, Severity: SeverityInfo})
	if got := r.SystemHealth(time.Minute); got < SeverityWarning {
		t.Fatalf("system health = %v, want at least warning", got)
	}
}

func TestSystemRestart_LogOnlyByDefault(t *testing.T) {
	r := New()
	var restarted bool
	r.RegisterComponent("core", RecoveryPolicy{
		MaxConsecutiveErrors: 10,
		AutoEnabled:          true,
	})
	// No EnableRealSystemRestart call: system-restart must be log-only.
	r.Report(context.Background(), Report{Component: "core", Category: CategorySystem, Severity: SeverityCritical})
	if restarted {
		t.Fatalf("should not actually restart without opt-in")
	}
}

func TestSystemRestart_OptInInvokesRealRestart(t *testing.T) {
	r := New()
	var restarted bool
	r.EnableRealSystemRestart(func(ctx context.Context, comp Component) error {
		restarted = true
		return nil
	})
	r.RegisterComponent("core", RecoveryPolicy{
		MaxConsecutiveErrors: 10,
		AutoEnabled:          true,
	})
	r.Report(context.Background(), Report{Component: "core", Category: CategorySystem, Severity: SeverityCritical})
	if !restarted {
		t.Fatalf("expected real restart to be invoked after opt-in")
	}
}

func TestStrategyFor_Table(t *testing.T) {
	cases := []struct {
		cat      Category
		critical bool
		want     RecoveryStrategy
	}{
		{CategoryConnection, false, StrategyRetry},
		{CategoryCommunication, true, StrategyRetry},
		{CategoryTimeout, false, StrategyRetry},
		{CategoryMemory, false, StrategyRetry},
		{CategoryMemory, true, StrategyResetState},
		{CategoryResource, true, StrategyResetState},
		{CategoryQueue, true, StrategyResetState},
		{CategoryProtocol, false, StrategyResetState},
		{CategoryValidation, true, StrategyResetState},
		{CategoryConfiguration, true, StrategyNone},
		{CategoryHardware, true, StrategySystemRestart},
		{CategorySystem, true, StrategySystemRestart},
		{CategorySystem, false, StrategyRetry},
	}
	for _, c := range cases {
		if got := strategyFor(c.cat, c.critical); got != c.want {
			t.Fatalf("strategyFor(%v, %v) = %v, want %v", c.cat, c.critical, got, c.want)
		}
	}
}
