// Package publisher implements the agent-side drain loop.
//
// The publisher is a small explicit state machine rather than a chain
// of callbacks: recovery behavior depends on knowing exactly which
// state an in-flight envelope is in at crash time. Entries drain from
// the WAL in seq order; a terminal ack (OK, INVALID, UNAUTHORIZED)
// closes an entry out, a retriable outcome leaves it INFLIGHT for the
// next attempt, and a crash reverts INFLIGHT to PENDING on restart.
package publisher

import (
	"context"
	"math/rand"
	"time"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/types"
	"github.com/pithecene-io/bastion/wal"
)

// CircuitState is the publisher circuit breaker state.
type CircuitState string

// Circuit states.
const (
	CircuitClosed CircuitState = "CLOSED"
	CircuitOpen   CircuitState = "OPEN"
)

// Transport is the publish RPC boundary, satisfied by bus.Client.
type Transport interface {
	Publish(ctx context.Context, env *types.Envelope) (*types.Ack, error)
}

// Config tunes the drain loop.
type Config struct {
	// MaxBatch bounds entries drained per cycle. Default 32.
	MaxBatch int
	// PublishTimeout is the per-RPC deadline. Default 5s.
	PublishTimeout time.Duration
	// MinBackoff / MaxBackoff bound the exponential backoff.
	// Defaults 100ms / 30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// CircuitThreshold is the consecutive-failure count that opens the
	// circuit. Default 10.
	CircuitThreshold int
	// CircuitCooldown is how long an open circuit pauses sends.
	// Default 30s.
	CircuitCooldown time.Duration
	// IdleInterval is the poll interval when the WAL is empty.
	// Default 200ms.
	IdleInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatch:         32,
		PublishTimeout:   5 * time.Second,
		MinBackoff:       100 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		CircuitThreshold: 10,
		CircuitCooldown:  30 * time.Second,
		IdleInterval:     200 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxBatch <= 0 {
		c.MaxBatch = d.MaxBatch
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
}

// Publisher drains the WAL to the broker. Single instance per agent;
// envelope order is preserved within a drain cycle.
type Publisher struct {
	cfg       Config
	wal       *wal.WAL
	transport Transport
	logger    *log.Logger
	metrics   *metrics.Collector

	rng                 *rand.Rand
	consecutiveFailures int
	circuit             CircuitState
}

// New creates a publisher over an opened WAL and a dialed transport.
func New(cfg Config, w *wal.WAL, t Transport, logger *log.Logger, collector *metrics.Collector) *Publisher {
	cfg.applyDefaults()
	return &Publisher{
		cfg:       cfg,
		wal:       w,
		transport: t,
		logger:    logger,
		metrics:   collector,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		circuit:   CircuitClosed,
	}
}

// Run drains until ctx is cancelled. On cancellation the current
// in-flight entry is left INFLIGHT; recovery reverts it to PENDING and
// the broker dedups the replay.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := p.wal.IterPending(p.cfg.MaxBatch)
		if err != nil {
			return err
		}
		p.metrics.SetWALBacklog(p.wal.SizeBytes(), int64(p.wal.BacklogCount()))

		if len(entries) == 0 {
			if err := sleepCtx(ctx, p.cfg.IdleInterval); err != nil {
				return err
			}
			continue
		}

		for _, entry := range entries {
			if err := p.sendOne(ctx, entry); err != nil {
				return err
			}
		}
	}
}

// sendOne drives one entry to a terminal outcome or a retriable stop.
// Returns a non-nil error only on context cancellation.
func (p *Publisher) sendOne(ctx context.Context, entry wal.Entry) error {
	env, err := codec.Unmarshal(entry.Bytes)
	if err != nil {
		// A WAL entry that no longer decodes is poison: close it out
		// locally so it cannot wedge the queue.
		p.logger.Error("undecodable wal entry", map[string]any{
			"seq":   entry.Seq,
			"key":   entry.Key,
			"error": err.Error(),
		})
		p.metrics.IncPoisoned()
		return p.wal.MarkAcked(entry.Key)
	}

	if err := p.wal.MarkInflight(entry.Seq); err != nil {
		return err
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			// Shutdown mid-send: leave INFLIGHT for recovery.
			return err
		}
		if p.circuit == CircuitOpen {
			p.logger.Warn("circuit open, pausing sends", map[string]any{
				"cooldown_ms": p.cfg.CircuitCooldown.Milliseconds(),
			})
			if err := sleepCtx(ctx, p.cfg.CircuitCooldown); err != nil {
				return err
			}
			p.setCircuit(CircuitClosed)
			p.consecutiveFailures = 0
		}

		rpcCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		ack, err := p.transport.Publish(rpcCtx, env)
		cancel()

		if err != nil {
			// Transport failure: retriable, entry stays INFLIGHT.
			p.consecutiveFailures++
			p.metrics.IncPublishRetry()
			if p.consecutiveFailures >= p.cfg.CircuitThreshold {
				p.setCircuit(CircuitOpen)
				continue
			}
			if err := sleepCtx(ctx, p.backoff(attempt, 0)); err != nil {
				return err
			}
			attempt++
			continue
		}

		p.consecutiveFailures = 0

		switch ack.Status {
		case types.AckOK:
			p.metrics.IncPublished()
			return p.wal.MarkAcked(entry.Key)

		case types.AckRetry:
			p.metrics.IncPublishRetry()
			if err := sleepCtx(ctx, p.backoff(attempt, ack.BackoffHintMS)); err != nil {
				return err
			}
			attempt++
			continue

		default:
			// INVALID / UNAUTHORIZED: terminal. The envelope is done,
			// for good or ill; log it and advance.
			p.logger.Error("envelope rejected by broker", map[string]any{
				"seq":    entry.Seq,
				"key":    entry.Key,
				"status": string(ack.Status),
				"reason": ack.Reason,
			})
			p.metrics.IncPoisoned()
			return p.wal.MarkAcked(entry.Key)
		}
	}
}

// backoff computes exponential backoff with full jitter. A broker
// RETRY hint overrides the computed delay when larger.
func (p *Publisher) backoff(attempt int, hintMS int64) time.Duration {
	ceiling := p.cfg.MinBackoff << uint(attempt)
	if ceiling > p.cfg.MaxBackoff || ceiling <= 0 {
		ceiling = p.cfg.MaxBackoff
	}
	d := time.Duration(p.rng.Int63n(int64(ceiling)) + 1)
	if hint := time.Duration(hintMS) * time.Millisecond; hint > d {
		d = hint
	}
	return d
}

func (p *Publisher) setCircuit(state CircuitState) {
	p.circuit = state
	p.metrics.SetCircuitState(string(state))
}

// Circuit returns the current breaker state.
func (p *Publisher) Circuit() CircuitState {
	return p.circuit
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
