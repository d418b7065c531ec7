package correlate

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/risk"
	"github.com/pithecene-io/bastion/rules"
	"github.com/pithecene-io/bastion/types"
)

type engineFixture struct {
	engine  *Engine
	risk    *risk.Store
	metrics *metrics.Collector
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	registry, err := rules.Load("")
	if err != nil {
		t.Fatalf("rules.Load failed: %v", err)
	}
	riskStore, err := risk.Open(risk.Config{
		Path:           filepath.Join(t.TempDir(), "risk.db"),
		Decay:          risk.DefaultDecayConfig(),
		Floor:          1,
		SweepRetention: time.Hour,
	})
	if err != nil {
		t.Fatalf("risk.Open failed: %v", err)
	}
	t.Cleanup(func() { riskStore.Close() })

	logger := log.NewLogger("test-broker", "engine").WithOutput(io.Discard)
	collector := metrics.NewCollector("test-broker", "broker")
	engine := New(DefaultConfig(), registry, riskStore, nil, logger, collector)
	return &engineFixture{engine: engine, risk: riskStore, metrics: collector}
}

func securityEvent(id, entity, action string, success bool, tsNS int64) *types.CorrelationEvent {
	return &types.CorrelationEvent{
		EventID:     id,
		EntityID:    entity,
		Type:        types.EventTypeSecurity,
		Severity:    types.SeverityHigh,
		TimestampNS: tsNS,
		Fields: map[string]string{
			"action":  action,
			"user":    "root",
			"success": fmt.Sprintf("%t", success),
		},
	}
}

func auditEvent(id, entity, objectType, path string, tsNS int64) *types.CorrelationEvent {
	return &types.CorrelationEvent{
		EventID:     id,
		EntityID:    entity,
		Type:        types.EventTypeAudit,
		Severity:    types.SeverityMedium,
		TimestampNS: tsNS,
		Fields: map[string]string{
			"object_type": objectType,
			"path":        path,
			"action":      "create",
		},
	}
}

func TestPersistenceAfterAuth(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UnixNano()
	t0 := now - 90*time.Second.Nanoseconds()

	// SUDO at t0, LAUNCH_AGENT install 90s later on the same entity.
	if err := f.engine.Process(ctx, securityEvent("evt-sudo", "a1", "SUDO", true, t0)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := f.engine.Process(ctx, auditEvent("evt-la", "a1", "LAUNCH_AGENT", "~/Library/LaunchAgents/com.x.plist", now)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	snap := f.metrics.Snapshot()
	if snap.IncidentsEmitted != 1 {
		t.Fatalf("incidents emitted = %d, want 1", snap.IncidentsEmitted)
	}

	er, ok := f.risk.Snapshot("a1", time.Now().UnixNano())
	if !ok {
		t.Fatal("no risk entry for a1")
	}
	if er.Score < 60 {
		t.Errorf("score = %.1f, want >= 60", er.Score)
	}
	if er.Level != types.RiskHigh && er.Level != types.RiskCritical {
		t.Errorf("level = %s, want HIGH or CRITICAL", er.Level)
	}
	if er.Confidence <= 0 {
		t.Errorf("confidence = %v", er.Confidence)
	}
}

func TestIncident_SuppressedOnReplay(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UnixNano()
	t0 := now - 60*time.Second.Nanoseconds()

	sudo := securityEvent("evt-sudo", "a1", "SUDO", true, t0)
	la := auditEvent("evt-la", "a1", "LAUNCH_AGENT", "~/Library/LaunchAgents/x.plist", now)

	for _, ev := range []*types.CorrelationEvent{sudo, la, sudo, la} {
		if err := f.engine.Process(ctx, ev); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	snap := f.metrics.Snapshot()
	if snap.IncidentsEmitted != 1 {
		t.Errorf("incidents emitted = %d, want 1 (replay suppressed)", snap.IncidentsEmitted)
	}
	if snap.IncidentsSuppressed == 0 {
		t.Errorf("no suppression recorded on replay")
	}

	// Exactly one contribution: score reflects a single firing.
	er, _ := f.risk.Snapshot("a1", time.Now().UnixNano())
	if len(er.Contributions) != 1 {
		t.Errorf("contributions = %d, want 1", len(er.Contributions))
	}
}

func TestIncident_NewEventSetFiresAgain(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UnixNano()

	if err := f.engine.Process(ctx, securityEvent("sudo-1", "a1", "SUDO", true, now-100*time.Second.Nanoseconds())); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := f.engine.Process(ctx, auditEvent("la-1", "a1", "LAUNCH_AGENT", "/a.plist", now-50*time.Second.Nanoseconds())); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	// A later install event overlapping the same SUDO is a distinct
	// contributing set, so it is a new incident.
	if err := f.engine.Process(ctx, auditEvent("la-2", "a1", "LAUNCH_AGENT", "/b.plist", now)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := f.metrics.Snapshot().IncidentsEmitted; got != 2 {
		t.Errorf("incidents emitted = %d, want 2", got)
	}
}

func TestTemporalConstraint_TooLate(t *testing.T) {
	f := newEngineFixture(t)
	// A wide window so the horizon does not interfere with the
	// temporal constraint under test.
	cfg := DefaultConfig()
	cfg.WindowHorizon = time.Hour
	registry, _ := rules.Load("")
	f.engine = New(cfg, registry, f.risk, nil, log.NewLogger("t", "engine").WithOutput(io.Discard), f.metrics)

	ctx := context.Background()
	now := time.Now().UnixNano()
	t0 := now - 400*time.Second.Nanoseconds() // beyond the 300s constraint

	if err := f.engine.Process(ctx, securityEvent("evt-sudo", "a1", "SUDO", true, t0)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := f.engine.Process(ctx, auditEvent("evt-la", "a1", "LAUNCH_AGENT", "/x.plist", now)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := f.metrics.Snapshot().IncidentsEmitted; got != 0 {
		t.Errorf("incidents emitted = %d, want 0 past the constraint", got)
	}
}

func TestGrouping_CrossEntityDoesNotFire(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UnixNano()

	if err := f.engine.Process(ctx, securityEvent("evt-sudo", "a1", "SUDO", true, now-60*time.Second.Nanoseconds())); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	// The install lands on a different entity.
	if err := f.engine.Process(ctx, auditEvent("evt-la", "a2", "LAUNCH_AGENT", "/x.plist", now)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := f.metrics.Snapshot().IncidentsEmitted; got != 0 {
		t.Errorf("incidents emitted = %d, want 0 across entities", got)
	}
}

func TestBruteForceThenSuccess(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UnixNano()
	step := 20 * time.Second.Nanoseconds()

	events := []*types.CorrelationEvent{
		securityEvent("f1", "a1", "LOGIN", false, now-4*step),
		securityEvent("f2", "a1", "LOGIN", false, now-3*step),
		securityEvent("f3", "a1", "LOGIN", false, now-2*step),
		securityEvent("s1", "a1", "LOGIN", true, now-step),
	}
	for _, ev := range events {
		if err := f.engine.Process(ctx, ev); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	if got := f.metrics.Snapshot().IncidentsEmitted; got == 0 {
		t.Error("brute_force_then_success never fired")
	}
}

func TestIncidentProvenance_EventsInWindow(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UnixNano()
	t0 := now - 90*time.Second.Nanoseconds()

	sudo := securityEvent("evt-sudo", "a1", "SUDO", true, t0)
	la := auditEvent("evt-la", "a1", "LAUNCH_AGENT", "/x.plist", now)
	if err := f.engine.Process(ctx, sudo); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := f.engine.Process(ctx, la); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// Both cited events are still present in the window at emission.
	for _, id := range []string{"evt-sudo", "evt-la"} {
		if !f.engine.Window().Contains(id) {
			t.Errorf("cited event %s not in window", id)
		}
	}
}
