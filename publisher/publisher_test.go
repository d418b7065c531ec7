package publisher

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/types"
	"github.com/pithecene-io/bastion/wal"
)

// fakeTransport returns scripted outcomes in order, then repeats the
// last one. A nil ack with a non-nil err models a transport failure.
type fakeTransport struct {
	mu       sync.Mutex
	script   []outcome
	received []string // idempotency keys in arrival order
}

type outcome struct {
	ack *types.Ack
	err error
}

func (f *fakeTransport) Publish(ctx context.Context, env *types.Envelope) (*types.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, env.IdempotencyKey)
	var o outcome
	if len(f.script) > 0 {
		o = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	return o.ack, o.err
}

func (f *fakeTransport) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func newTestWAL(t *testing.T) *wal.WAL {
	t.Helper()
	w, err := wal.Open(filepath.Join(t.TempDir(), "agent.wal"), wal.Options{})
	if err != nil {
		t.Fatalf("wal.Open failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func appendEnvelope(t *testing.T, w *wal.WAL, ts int64) string {
	t.Helper()
	env := &types.Envelope{
		Version:        types.SchemaVersion,
		DeviceID:       "a1",
		TimestampNS:    ts,
		IdempotencyKey: "a1_" + time.Unix(0, ts).UTC().Format("150405.000000000"),
		Body: types.Body{
			Kind:   types.BodyKindProcessTelemetry,
			Process: &types.ProcessTelemetry{Events: []types.TelemetryEvent{{
				EventID:     "evt",
				Type:        types.EventTypeEvent,
				Severity:    types.SeverityInfo,
				TimestampNS: ts,
			}}},
		},
		Signature: make([]byte, types.SignatureSize),
	}
	wire, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := w.Append(wire, env.IdempotencyKey); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return env.IdempotencyKey
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.IdleInterval = 5 * time.Millisecond
	cfg.CircuitCooldown = 10 * time.Millisecond
	return cfg
}

func newTestPublisher(t *testing.T, w *wal.WAL, transport Transport, cfg Config) *Publisher {
	t.Helper()
	logger := log.NewLogger("a1", "publisher").WithOutput(io.Discard)
	return New(cfg, w, transport, logger, metrics.NewCollector("a1", "agent"))
}

// runUntil runs the publisher until cond holds or the deadline passes.
func runUntil(t *testing.T, p *Publisher, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			cancel()
			<-done
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("condition not reached before deadline")
}

func TestDrain_OKMarksAcked(t *testing.T) {
	w := newTestWAL(t)
	k1 := appendEnvelope(t, w, 100)
	k2 := appendEnvelope(t, w, 200)

	transport := &fakeTransport{script: []outcome{{ack: &types.Ack{Status: types.AckOK}}}}
	p := newTestPublisher(t, w, transport, testConfig())

	runUntil(t, p, func() bool { return w.BacklogCount() == 0 })

	calls := transport.calls()
	if len(calls) != 2 || calls[0] != k1 || calls[1] != k2 {
		t.Errorf("publish order = %v, want [%s %s]", calls, k1, k2)
	}
}

func TestDrain_RetryHonorsHintThenSucceeds(t *testing.T) {
	w := newTestWAL(t)
	appendEnvelope(t, w, 100)

	transport := &fakeTransport{script: []outcome{
		{ack: &types.Ack{Status: types.AckRetry, Reason: types.ReasonOverload, BackoffHintMS: 50}},
		{ack: &types.Ack{Status: types.AckOK}},
	}}
	p := newTestPublisher(t, w, transport, testConfig())

	start := time.Now()
	runUntil(t, p, func() bool { return w.BacklogCount() == 0 })

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("drained in %s, hint of 50ms not honored", elapsed)
	}
	if calls := transport.calls(); len(calls) != 2 {
		t.Errorf("calls = %d, want 2", len(calls))
	}
}

func TestDrain_InvalidIsTerminal(t *testing.T) {
	w := newTestWAL(t)
	appendEnvelope(t, w, 100)

	transport := &fakeTransport{script: []outcome{
		{ack: &types.Ack{Status: types.AckInvalid, Reason: types.ReasonBadSignature}},
	}}
	p := newTestPublisher(t, w, transport, testConfig())

	runUntil(t, p, func() bool { return w.BacklogCount() == 0 })

	// Terminal: exactly one attempt, entry closed out.
	if calls := transport.calls(); len(calls) != 1 {
		t.Errorf("calls = %d, want 1 for terminal rejection", len(calls))
	}
}

func TestDrain_TransportErrorKeepsEntry(t *testing.T) {
	w := newTestWAL(t)
	appendEnvelope(t, w, 100)

	transport := &fakeTransport{script: []outcome{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{ack: &types.Ack{Status: types.AckOK}},
	}}
	p := newTestPublisher(t, w, transport, testConfig())

	runUntil(t, p, func() bool { return w.BacklogCount() == 0 })

	if calls := transport.calls(); len(calls) != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", len(calls))
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	w := newTestWAL(t)
	appendEnvelope(t, w, 100)

	cfg := testConfig()
	cfg.CircuitThreshold = 3
	cfg.CircuitCooldown = 50 * time.Millisecond
	transport := &fakeTransport{script: []outcome{
		{err: errors.New("down")},
		{err: errors.New("down")},
		{err: errors.New("down")},
		{ack: &types.Ack{Status: types.AckOK}},
	}}
	p := newTestPublisher(t, w, transport, cfg)

	sawOpen := false
	runUntil(t, p, func() bool {
		if p.Circuit() == CircuitOpen {
			sawOpen = true
		}
		return w.BacklogCount() == 0
	})

	if !sawOpen {
		t.Error("circuit never opened")
	}
	if p.Circuit() != CircuitClosed {
		t.Errorf("circuit = %s after recovery, want CLOSED", p.Circuit())
	}
}

func TestShutdown_LeavesInflightForRecovery(t *testing.T) {
	w := newTestWAL(t)
	key := appendEnvelope(t, w, 100)

	// Transport that never answers until cancelled.
	block := make(chan struct{})
	transport := transportFunc(func(ctx context.Context, env *types.Envelope) (*types.Ack, error) {
		close(block)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := newTestPublisher(t, w, transport, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	<-block
	cancel()
	<-done

	// The entry must not be lost: it stays in the backlog as INFLIGHT,
	// which WAL recovery on the next Open reverts to PENDING.
	if w.BacklogCount() != 1 {
		t.Fatalf("backlog = %d, want 1", w.BacklogCount())
	}
	entries, err := w.IterPending(0)
	if err != nil {
		t.Fatalf("IterPending failed: %v", err)
	}
	if len(entries) == 1 && entries[0].Key != key {
		t.Errorf("pending key = %q, want %q", entries[0].Key, key)
	}
}

type transportFunc func(ctx context.Context, env *types.Envelope) (*types.Ack, error)

func (f transportFunc) Publish(ctx context.Context, env *types.Envelope) (*types.Ack, error) {
	return f(ctx, env)
}
