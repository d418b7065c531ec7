package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/commitlog"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/trust"
	"github.com/pithecene-io/bastion/types"
)

// peerCtx fabricates an mTLS peer context carrying the given CN.
func peerCtx(cn string) context.Context {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: cn}}
	return peer.NewContext(context.Background(), &peer.Peer{
		AuthInfo: credentials.TLSInfo{
			State: tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}},
		},
	})
}

type ingressFixture struct {
	ingress *Ingress
	log     *commitlog.Log
	gov     *Governor
	signer  *trust.Signer
}

func newIngressFixture(t *testing.T, cfg IngressConfig) *ingressFixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	m, err := trust.NewMap([]trust.Entry{{CN: "cn1", PublicKey: pub, AllowedDeviceIDPrefix: "a1"}})
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}

	logStore, err := commitlog.Open(filepath.Join(t.TempDir(), "broker.log"), commitlog.Options{Policy: commitlog.SyncAlways})
	if err != nil {
		t.Fatalf("commitlog.Open failed: %v", err)
	}
	t.Cleanup(func() { logStore.Close() })

	gov := NewGovernor(DefaultGovernorConfig())
	t.Cleanup(gov.Close)

	logger := log.NewLogger("test-broker", "broker").WithOutput(io.Discard)
	ingress := NewIngress(cfg, logStore, gov, trust.NewVerifier(m), logger, metrics.NewCollector("test-broker", "broker"))
	t.Cleanup(ingress.Close)

	return &ingressFixture{ingress: ingress, log: logStore, gov: gov, signer: trust.NewSigner(priv)}
}

func (f *ingressFixture) signedEnvelope(t *testing.T, ts int64) *types.Envelope {
	t.Helper()
	env := &types.Envelope{
		Version:        types.SchemaVersion,
		DeviceID:       "a1",
		TimestampNS:    ts,
		IdempotencyKey: "a1_" + itoa(ts),
		Body: types.Body{
			Kind: types.BodyKindDeviceTelemetry,
			Device: &types.DeviceTelemetry{
				Hostname: "host-1",
				Platform: "linux",
				Events: []types.TelemetryEvent{
					{
						EventID:     "evt-1",
						Type:        types.EventTypeMetric,
						Severity:    types.SeverityInfo,
						TimestampNS: ts,
						Payload: types.EventPayload{
							Kind: types.PayloadKindMetric,
							Metric: &types.MetricPayload{
								Name: "cpu.percent", Type: types.MetricTypeGauge, Value: 42, Unit: "percent",
							},
						},
					},
				},
			},
		},
	}
	if err := f.signer.Sign(env); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return env
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestPublish_HappyPath(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())
	env := f.signedEnvelope(t, 100)

	ack, err := f.ingress.Publish(peerCtx("cn1"), env)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if ack.Status != types.AckOK {
		t.Fatalf("ack = %+v, want OK", ack)
	}

	records, err := f.log.Scan(1, 0)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("log records = %d, want 1", len(records))
	}
	if records[0].SourceCN != "cn1" || records[0].IdempotencyKey != env.IdempotencyKey {
		t.Errorf("record = %+v", records[0])
	}
}

func TestPublish_DuplicateIsIdempotent(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())
	env := f.signedEnvelope(t, 100)

	for i := 0; i < 2; i++ {
		ack, err := f.ingress.Publish(peerCtx("cn1"), env)
		if err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
		if ack.Status != types.AckOK {
			t.Fatalf("Publish %d: ack = %+v", i, ack)
		}
	}

	records, _ := f.log.Scan(1, 0)
	if len(records) != 1 {
		t.Errorf("log records = %d, want exactly 1 after duplicate", len(records))
	}
}

func TestPublish_IdempotencyConflict(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())
	env := f.signedEnvelope(t, 100)

	if ack, _ := f.ingress.Publish(peerCtx("cn1"), env); ack.Status != types.AckOK {
		t.Fatalf("first publish not OK: %+v", ack)
	}

	// Same key, different body, validly signed.
	conflicting := f.signedEnvelope(t, 100)
	conflicting.Body.Device.Events[0].Payload.Metric.Value = 99
	if err := f.signer.Sign(conflicting); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ack, err := f.ingress.Publish(peerCtx("cn1"), conflicting)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if ack.Status != types.AckInvalid || ack.Reason != types.ReasonIdempotencyConflict {
		t.Errorf("ack = %+v, want INVALID/IDEMPOTENCY_CONFLICT", ack)
	}

	records, _ := f.log.Scan(1, 0)
	if len(records) != 1 {
		t.Errorf("log records = %d, conflict must not append", len(records))
	}
}

func TestPublish_TamperedSignature(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())
	env := f.signedEnvelope(t, 100)
	env.Body.Device.Events[0].Payload.Metric.Value = 7 // flip after signing

	ack, err := f.ingress.Publish(peerCtx("cn1"), env)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if ack.Status != types.AckInvalid || ack.Reason != types.ReasonBadSignature {
		t.Errorf("ack = %+v, want INVALID/BAD_SIGNATURE", ack)
	}
	if records, _ := f.log.Scan(1, 0); len(records) != 0 {
		t.Errorf("tampered envelope reached the log")
	}
}

func TestPublish_IdentityChecks(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())

	// Unknown CN.
	env := f.signedEnvelope(t, 100)
	ack, _ := f.ingress.Publish(peerCtx("cn-other"), env)
	if ack.Status != types.AckInvalid || ack.Reason != types.ReasonUnknownIdentity {
		t.Errorf("ack = %+v, want INVALID/UNKNOWN_IDENTITY", ack)
	}

	// Known CN, disallowed device prefix.
	env2 := f.signedEnvelope(t, 101)
	env2.DeviceID = "zz-9"
	if err := f.signer.Sign(env2); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	ack, _ = f.ingress.Publish(peerCtx("cn1"), env2)
	if ack.Status != types.AckInvalid || ack.Reason != types.ReasonIdentityMismatch {
		t.Errorf("ack = %+v, want INVALID/IDENTITY_MISMATCH", ack)
	}

	// No mTLS peer at all.
	ack, _ = f.ingress.Publish(context.Background(), f.signedEnvelope(t, 102))
	if ack.Status != types.AckUnauthorized {
		t.Errorf("ack = %+v, want UNAUTHORIZED", ack)
	}
}

func TestPublish_TooLarge(t *testing.T) {
	f := newIngressFixture(t, IngressConfig{MaxEnvelopeBytes: 64, DedupWindow: time.Minute})
	env := f.signedEnvelope(t, 100)

	ack, err := f.ingress.Publish(peerCtx("cn1"), env)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if ack.Status != types.AckInvalid || ack.Reason != types.ReasonTooLarge {
		t.Errorf("ack = %+v, want INVALID/TOO_LARGE", ack)
	}
}

func TestPublish_GovernorShed(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())

	// Force SHED directly; the sampler would get there under real load.
	f.gov.mu.Lock()
	f.gov.state = GovShed
	f.gov.mu.Unlock()

	env := f.signedEnvelope(t, 100) // INFO severity, below the cutoff
	ack, err := f.ingress.Publish(peerCtx("cn1"), env)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if ack.Status != types.AckInvalid || ack.Reason != types.ReasonShedding {
		t.Errorf("ack = %+v, want INVALID/SHEDDING", ack)
	}
}

func TestPublish_HardOverloadAdmitsCritical(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())

	f.gov.mu.Lock()
	f.gov.state = GovHardOverload
	f.gov.mu.Unlock()

	// INFO envelope gets RETRY with a hint.
	info := f.signedEnvelope(t, 100)
	ack, _ := f.ingress.Publish(peerCtx("cn1"), info)
	if ack.Status != types.AckRetry || ack.BackoffHintMS <= 0 {
		t.Errorf("ack = %+v, want RETRY with hint", ack)
	}

	// CRITICAL envelope is still admitted.
	crit := f.signedEnvelope(t, 101)
	crit.Body.Device.Events[0].Severity = types.SeverityCritical
	if err := f.signer.Sign(crit); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	ack, _ = f.ingress.Publish(peerCtx("cn1"), crit)
	if ack.Status != types.AckOK {
		t.Errorf("ack = %+v, want OK for CRITICAL under HARD_OVERLOAD", ack)
	}

	// After recovery, the INFO envelope is accepted.
	f.gov.mu.Lock()
	f.gov.state = GovNormal
	f.gov.mu.Unlock()
	ack, _ = f.ingress.Publish(peerCtx("cn1"), info)
	if ack.Status != types.AckOK {
		t.Errorf("ack = %+v, want OK after recovery", ack)
	}
}

func TestPublish_DedupSurvivesCacheEviction(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())
	env := f.signedEnvelope(t, 100)

	if ack, _ := f.ingress.Publish(peerCtx("cn1"), env); ack.Status != types.AckOK {
		t.Fatal("first publish not OK")
	}

	// Evict everything from the cache; the log index must still answer.
	f.ingress.dedup.Evict(time.Now().Add(time.Hour).UnixNano())
	if f.ingress.dedup.Len() != 0 {
		t.Fatal("cache not evicted")
	}

	ack, err := f.ingress.Publish(peerCtx("cn1"), env)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if ack.Status != types.AckOK {
		t.Errorf("ack = %+v, want OK via log index", ack)
	}
	if records, _ := f.log.Scan(1, 0); len(records) != 1 {
		t.Errorf("log records = %d, want 1", len(records))
	}
}

func TestPublish_OffenseLimit(t *testing.T) {
	cfg := DefaultIngressConfig()
	cfg.OffenseLimit = 2
	f := newIngressFixture(t, cfg)

	tampered := func(ts int64) *types.Envelope {
		env := f.signedEnvelope(t, ts)
		env.Body.Device.Events[0].Payload.Metric.Value = 1234
		return env
	}

	for i := int64(0); i < 2; i++ {
		ack, _ := f.ingress.Publish(peerCtx("cn1"), tampered(100+i))
		if ack.Status != types.AckInvalid {
			t.Fatalf("offense %d: ack = %+v", i, ack)
		}
	}

	// Past the limit even a valid envelope is refused.
	ack, _ := f.ingress.Publish(peerCtx("cn1"), f.signedEnvelope(t, 200))
	if ack.Status != types.AckUnauthorized {
		t.Errorf("ack = %+v, want UNAUTHORIZED after offenses", ack)
	}
}

// verifyReason is exercised through Publish above; codec must also hold
// the invariant that what the ingress stores round-trips.
func TestStoredRecordRoundTrips(t *testing.T) {
	f := newIngressFixture(t, DefaultIngressConfig())
	env := f.signedEnvelope(t, 100)

	if ack, _ := f.ingress.Publish(peerCtx("cn1"), env); ack.Status != types.AckOK {
		t.Fatal("publish not OK")
	}
	rec, err := f.log.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	decoded, err := codec.Unmarshal(rec.EnvelopeBytes)
	if err != nil {
		t.Fatalf("stored record does not decode: %v", err)
	}
	if decoded.IdempotencyKey != env.IdempotencyKey {
		t.Errorf("stored key = %q", decoded.IdempotencyKey)
	}
}
