// Package collector implements the agent's collection scheduler.
//
// One scheduler owns N sources, each with its own interval and
// timeout. Sources are independent: a slow source never blocks the
// others, and a tick that arrives while the previous collection is
// still running is skipped and counted as an overrun. Each successful
// collection becomes a signed envelope appended to the WAL; WAL
// backpressure is absorbed by the source's overflow policy.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/trust"
	"github.com/pithecene-io/bastion/types"
	"github.com/pithecene-io/bastion/wal"
)

// OverflowPolicy selects the reaction to a full WAL.
type OverflowPolicy string

// Overflow policies.
const (
	// OverflowDropNew drops the new envelope.
	OverflowDropNew OverflowPolicy = "drop_new"
	// OverflowDropLow drops the envelope only when its max severity is
	// LOW or below; higher severities fall back to blocking.
	OverflowDropLow OverflowPolicy = "drop_low"
	// OverflowBlock retries the append until MaxBlock elapses.
	OverflowBlock OverflowPolicy = "block"
)

// Source produces one envelope body per collection.
type Source interface {
	// Name identifies the source in logs and counters.
	Name() string
	// Collect gathers a sample. Must respect ctx's deadline.
	Collect(ctx context.Context) (types.Body, error)
}

// SourceConfig binds a source to its schedule and overflow policy.
type SourceConfig struct {
	Source   Source
	Interval time.Duration
	Timeout  time.Duration
	Policy   OverflowPolicy
	// MaxBlock bounds OverflowBlock (and the blocking fallback of
	// OverflowDropLow). Default 5s.
	MaxBlock time.Duration
}

// Scheduler runs the per-source collect-sign-append cycle.
type Scheduler struct {
	deviceID string
	signer   *trust.Signer
	wal      *wal.WAL
	logger   *log.Logger
	metrics  *metrics.Collector
	sources  []SourceConfig

	// tsMu guards the monotonic timestamp. Timestamps are strictly
	// increasing per agent even when the wall clock steps backward,
	// which also keeps idempotency keys unique.
	tsMu   sync.Mutex
	lastNS int64
}

// NewScheduler creates a scheduler for the given sources.
func NewScheduler(deviceID string, signer *trust.Signer, w *wal.WAL, sources []SourceConfig, logger *log.Logger, collector *metrics.Collector) (*Scheduler, error) {
	if deviceID == "" {
		return nil, errors.New("scheduler requires a device_id")
	}
	if len(sources) == 0 {
		return nil, errors.New("scheduler requires at least one source")
	}
	for i := range sources {
		if sources[i].Interval <= 0 {
			return nil, fmt.Errorf("source %q: interval must be positive", sources[i].Source.Name())
		}
		if sources[i].Timeout <= 0 {
			sources[i].Timeout = sources[i].Interval
		}
		if sources[i].Policy == "" {
			sources[i].Policy = OverflowDropLow
		}
		if sources[i].MaxBlock <= 0 {
			sources[i].MaxBlock = 5 * time.Second
		}
	}
	return &Scheduler{
		deviceID: deviceID,
		signer:   signer,
		wal:      w,
		logger:   logger,
		metrics:  collector,
		sources:  sources,
	}, nil
}

// Run starts one loop per source and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range s.sources {
		wg.Add(1)
		go func(sc *SourceConfig) {
			defer wg.Done()
			s.runSource(ctx, sc)
		}(&s.sources[i])
	}
	wg.Wait()
}

func (s *Scheduler) runSource(ctx context.Context, sc *SourceConfig) {
	ticker := time.NewTicker(sc.Interval)
	defer ticker.Stop()

	// Single-flight: a tick while a collection runs is an overrun.
	var inFlight sync.Mutex

	for {
		select {
		case <-ctx.Done():
			// Wait out a collection still in flight.
			inFlight.Lock()
			inFlight.Unlock()
			return
		case <-ticker.C:
		}

		if !inFlight.TryLock() {
			s.metrics.IncCollectionOverrun()
			s.logger.Warn("collection overrun", map[string]any{"source": sc.Source.Name()})
			continue
		}
		go func() {
			defer inFlight.Unlock()
			s.tick(ctx, sc)
		}()
	}
}

// tick runs one collect-build-sign-append cycle for a source.
func (s *Scheduler) tick(ctx context.Context, sc *SourceConfig) {
	collectCtx, cancel := context.WithTimeout(ctx, sc.Timeout)
	body, err := sc.Source.Collect(collectCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.IncCollectionTimeout()
		}
		s.logger.Warn("collection failed", map[string]any{
			"source": sc.Source.Name(),
			"error":  err.Error(),
		})
		return
	}
	if len(body.Events()) == 0 {
		return
	}

	ts := s.nextTimestamp()
	env := &types.Envelope{
		Version:        types.SchemaVersion,
		DeviceID:       s.deviceID,
		TimestampNS:    ts,
		IdempotencyKey: fmt.Sprintf("%s_%d", s.deviceID, ts),
		Body:           body,
	}
	if err := s.signer.Sign(env); err != nil {
		s.logger.Error("sign failed", map[string]any{
			"source": sc.Source.Name(),
			"error":  err.Error(),
		})
		return
	}
	wire, err := codec.Marshal(env)
	if err != nil {
		s.logger.Error("encode failed", map[string]any{
			"source": sc.Source.Name(),
			"error":  err.Error(),
		})
		return
	}

	s.append(ctx, sc, env, wire)
}

// append applies the source's overflow policy around wal.Append.
func (s *Scheduler) append(ctx context.Context, sc *SourceConfig, env *types.Envelope, wire []byte) {
	_, err := s.wal.Append(wire, env.IdempotencyKey)
	if err == nil {
		s.metrics.IncProduced()
		return
	}
	if !errors.Is(err, wal.ErrWALFull) {
		s.logger.Error("wal append failed", map[string]any{
			"source": sc.Source.Name(),
			"error":  err.Error(),
		})
		return
	}

	switch sc.Policy {
	case OverflowDropNew:
		s.drop(sc, env)
		return
	case OverflowDropLow:
		if env.Body.MaxSeverity().Rank() <= types.SeverityLow.Rank() {
			s.drop(sc, env)
			return
		}
		// Higher severities are worth waiting for.
	}

	// Block with a deadline, then shed.
	deadline := time.Now().Add(sc.MaxBlock)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		if _, err := s.wal.Append(wire, env.IdempotencyKey); err == nil {
			s.metrics.IncProduced()
			return
		} else if !errors.Is(err, wal.ErrWALFull) {
			s.logger.Error("wal append failed", map[string]any{
				"source": sc.Source.Name(),
				"error":  err.Error(),
			})
			return
		}
	}
	s.drop(sc, env)
}

// drop sheds an envelope under backpressure. Every shed is counted;
// nothing leaves the pipeline silently.
func (s *Scheduler) drop(sc *SourceConfig, env *types.Envelope) {
	s.metrics.IncSamplesDropped(int64(len(env.Body.Events())))
	s.logger.Warn("sample shed", map[string]any{
		"source":   sc.Source.Name(),
		"severity": string(env.Body.MaxSeverity()),
		"policy":   string(sc.Policy),
	})
}

// nextTimestamp returns a strictly increasing nanosecond timestamp.
func (s *Scheduler) nextTimestamp() int64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	now := time.Now().UnixNano()
	if now <= s.lastNS {
		now = s.lastNS + 1
	}
	s.lastNS = now
	return now
}
