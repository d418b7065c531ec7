package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/bastion/bus"
	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/commitlog"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/trust"
	"github.com/pithecene-io/bastion/types"
)

// IngressConfig configures the admission pipeline.
type IngressConfig struct {
	// MaxEnvelopeBytes is the hard size limit; larger envelopes get
	// INVALID/TOO_LARGE. Default 131072.
	MaxEnvelopeBytes int
	// DedupWindow is the minimum duplicate-detection retention.
	// Default 5 minutes.
	DedupWindow time.Duration
	// OffenseLimit is the per-identity terminal-failure count after
	// which further envelopes from that CN get UNAUTHORIZED without
	// verification. Zero disables the cutoff.
	OffenseLimit int
}

// DefaultIngressConfig returns production defaults.
func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		MaxEnvelopeBytes: 131072,
		DedupWindow:      5 * time.Minute,
	}
}

// Ingress is the bus.Server implementation: the single Publish entry
// point. The admission order is fixed: transport identity, size,
// governor, signature, dedup, durability.
type Ingress struct {
	cfg      IngressConfig
	logStore *commitlog.Log
	gov      *Governor
	verifier *trust.Verifier
	dedup    *DedupCache
	logger   *log.Logger
	metrics  *metrics.Collector

	offenseMu sync.Mutex
	offenses  map[string]int

	done chan struct{}
	once sync.Once
}

// NewIngress wires the admission pipeline. The dedup cache is owned by
// the ingress; pass the shared governor and verifier.
func NewIngress(cfg IngressConfig, logStore *commitlog.Log, gov *Governor, verifier *trust.Verifier, logger *log.Logger, collector *metrics.Collector) *Ingress {
	if cfg.MaxEnvelopeBytes <= 0 {
		cfg.MaxEnvelopeBytes = 131072
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	in := &Ingress{
		cfg:      cfg,
		logStore: logStore,
		gov:      gov,
		verifier: verifier,
		dedup:    NewDedupCache(cfg.DedupWindow),
		logger:   logger,
		metrics:  collector,
		offenses: make(map[string]int),
		done:     make(chan struct{}),
	}
	go in.housekeepingLoop()
	return in
}

// Publish runs one envelope through the admission pipeline.
// Application-level verdicts always travel as acks; an error return is
// reserved for transport-level failures gRPC itself produces.
func (in *Ingress) Publish(ctx context.Context, env *types.Envelope) (*types.Ack, error) {
	in.gov.RPCStarted()
	defer in.gov.RPCFinished()

	// 1. Transport identity. The TLS handshake already authenticated
	// the peer; a missing CN means a non-mTLS path and is refused.
	cn, ok := bus.PeerCN(ctx)
	if !ok || cn == "" {
		in.metrics.IncRejected("NO_IDENTITY")
		return &types.Ack{Status: types.AckUnauthorized, Reason: types.ReasonUnknownIdentity}, nil
	}

	if in.overOffenseLimit(cn) {
		in.metrics.IncRejected(types.ReasonUnknownIdentity)
		return &types.Ack{Status: types.AckUnauthorized, Reason: types.ReasonUnknownIdentity}, nil
	}

	// 2. Size check against the serialized wire form.
	wire, err := codec.Marshal(env)
	if err != nil {
		in.metrics.IncRejected(types.ReasonMalformed)
		return &types.Ack{Status: types.AckInvalid, Reason: types.ReasonMalformed}, nil
	}
	if len(wire) > in.cfg.MaxEnvelopeBytes {
		in.metrics.IncRejected(types.ReasonTooLarge)
		in.logTerminal(cn, env, types.ReasonTooLarge)
		return &types.Ack{Status: types.AckInvalid, Reason: types.ReasonTooLarge}, nil
	}

	// 3. Governor.
	switch decision, hint := in.gov.Admit(env.Body.MaxSeverity()); decision {
	case DecisionRetry:
		in.metrics.IncRetried()
		return &types.Ack{Status: types.AckRetry, Reason: types.ReasonOverload, BackoffHintMS: hint}, nil
	case DecisionShed:
		in.metrics.IncShed()
		return &types.Ack{Status: types.AckInvalid, Reason: types.ReasonShedding}, nil
	}

	// 4. Verify signature and identity binding.
	if err := in.verifier.Verify(cn, env); err != nil {
		reason := verifyReason(err)
		in.recordOffense(cn)
		in.metrics.IncRejected(reason)
		in.metrics.IncIdentityOffense()
		in.logTerminal(cn, env, reason)
		return &types.Ack{Status: types.AckInvalid, Reason: reason}, nil
	}

	canonical, err := codec.Canonical(env)
	if err != nil {
		in.metrics.IncRejected(types.ReasonMalformed)
		return &types.Ack{Status: types.AckInvalid, Reason: types.ReasonMalformed}, nil
	}
	digest := sha256.Sum256(canonical)
	nowNS := time.Now().UnixNano()

	// 5. Dedup: cache first, then the log's key index for keys that
	// aged out of the window.
	if _, seenDigest, hit := in.dedup.Lookup(env.IdempotencyKey, nowNS); hit {
		if seenDigest == digest {
			in.metrics.IncDedupHit()
			return &types.Ack{Status: types.AckOK}, nil
		}
		in.metrics.IncRejected(types.ReasonIdempotencyConflict)
		in.logTerminal(cn, env, types.ReasonIdempotencyConflict)
		return &types.Ack{Status: types.AckInvalid, Reason: types.ReasonIdempotencyConflict}, nil
	}
	if seq, found := in.logStore.LookupKey(env.IdempotencyKey); found {
		rec, err := in.logStore.Get(seq)
		if err == nil {
			if sameCanonical(rec.EnvelopeBytes, canonical) {
				in.dedup.Insert(env.IdempotencyKey, seq, nowNS, digest)
				in.metrics.IncDedupHit()
				return &types.Ack{Status: types.AckOK}, nil
			}
			in.metrics.IncRejected(types.ReasonIdempotencyConflict)
			in.logTerminal(cn, env, types.ReasonIdempotencyConflict)
			return &types.Ack{Status: types.AckInvalid, Reason: types.ReasonIdempotencyConflict}, nil
		}
		// A record we cannot read back is a storage problem, not a
		// verdict on the envelope.
		in.gov.SetStorageFailing(true)
		in.metrics.IncRetried()
		return &types.Ack{Status: types.AckRetry, Reason: types.ReasonStorageUnavailable, BackoffHintMS: in.gov.cfg.BaseHintMS}, nil
	}

	// 6. Durability. The ack is not sent until the record is durable.
	start := time.Now()
	seq, err := in.logStore.Append(nowNS, env.IdempotencyKey, cn, wire)
	if err != nil {
		in.gov.SetStorageFailing(true)
		in.metrics.IncRetried()
		in.logger.Error("log append failed", map[string]any{
			"cn":    cn,
			"error": err.Error(),
		})
		return &types.Ack{Status: types.AckRetry, Reason: types.ReasonStorageUnavailable, BackoffHintMS: in.gov.cfg.BaseHintMS}, nil
	}
	in.gov.SetStorageFailing(false)
	in.gov.ObserveLogLatency(time.Since(start))

	in.dedup.Insert(env.IdempotencyKey, seq, nowNS, digest)
	in.metrics.IncAccepted()
	return &types.Ack{Status: types.AckOK}, nil
}

// sameCanonical compares a stored wire record against fresh canonical
// bytes by re-canonicalizing the stored envelope.
func sameCanonical(storedWire, canonical []byte) bool {
	env, err := codec.Unmarshal(storedWire)
	if err != nil {
		return false
	}
	storedCanonical, err := codec.Canonical(env)
	if err != nil {
		return false
	}
	return bytes.Equal(storedCanonical, canonical)
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, trust.ErrUnknownIdentity):
		return types.ReasonUnknownIdentity
	case errors.Is(err, trust.ErrIdentityMismatch):
		return types.ReasonIdentityMismatch
	default:
		return types.ReasonBadSignature
	}
}

func (in *Ingress) recordOffense(cn string) {
	in.offenseMu.Lock()
	in.offenses[cn]++
	in.offenseMu.Unlock()
}

func (in *Ingress) overOffenseLimit(cn string) bool {
	if in.cfg.OffenseLimit <= 0 {
		return false
	}
	in.offenseMu.Lock()
	defer in.offenseMu.Unlock()
	return in.offenses[cn] >= in.cfg.OffenseLimit
}

// logTerminal emits the structured line operators diagnose from: CN,
// device, key, reason.
func (in *Ingress) logTerminal(cn string, env *types.Envelope, reason string) {
	in.logger.Error("envelope rejected", map[string]any{
		"cn":        cn,
		"device_id": env.DeviceID,
		"idem_key":  env.IdempotencyKey,
		"reason":    reason,
	})
}

// housekeepingLoop evicts aged dedup entries and exports governor state.
func (in *Ingress) housekeepingLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-in.done:
			return
		case <-ticker.C:
		}
		in.dedup.Evict(time.Now().UnixNano())
		in.metrics.SetGovernorState(string(in.gov.State()))
	}
}

// Close stops housekeeping.
func (in *Ingress) Close() {
	in.once.Do(func() { close(in.done) })
}
