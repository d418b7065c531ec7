// Package ingest pulls accepted envelopes from the commit log and
// feeds the correlation engine.
//
// The cursor advances only after a record is fully processed, incident
// writes included, and is persisted at-least-once-after-processing: a
// crash replays at most the records since the last persisted cursor,
// which is safe because window insertion and incident emission are
// idempotent.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/commitlog"
	"github.com/pithecene-io/bastion/correlate"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/types"
)

// Config tunes the ingestor.
type Config struct {
	// CursorPath is the cursor file location.
	CursorPath string
	// Batch bounds records pulled per scan. Default 64.
	Batch int
	// PollInterval is the idle poll period at the log tail.
	// Default 100ms.
	PollInterval time.Duration
	// RetryInterval is the pause before re-feeding a record whose
	// processing failed. Default 500ms.
	RetryInterval time.Duration
}

// Ingestor drives the commit-log-to-engine feed. Single instance; its
// goroutine is the engine's single writer.
type Ingestor struct {
	cfg    Config
	log    *commitlog.Log
	engine *correlate.Engine
	logger *log.Logger

	cursor uint64
}

// New creates an ingestor, loading the persisted cursor if present.
func New(cfg Config, l *commitlog.Log, engine *correlate.Engine, logger *log.Logger) (*Ingestor, error) {
	if cfg.Batch <= 0 {
		cfg.Batch = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	in := &Ingestor{cfg: cfg, log: l, engine: engine, logger: logger}
	cursor, err := loadCursor(cfg.CursorPath)
	if err != nil {
		return nil, err
	}
	in.cursor = cursor
	return in, nil
}

// Cursor returns the last fully processed log seq.
func (in *Ingestor) Cursor() uint64 {
	return in.cursor
}

// Run pulls records until ctx is cancelled. The cursor is persisted
// after every batch and once more on shutdown.
func (in *Ingestor) Run(ctx context.Context) error {
	defer in.persistCursor()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := in.log.Scan(in.cursor+1, in.cfg.Batch)
		if err != nil {
			if errors.Is(err, commitlog.ErrOutOfRange) {
				// The log is behind the cursor only when it was
				// replaced; refuse to guess.
				return fmt.Errorf("cursor %d beyond log tail: %w", in.cursor, err)
			}
			return err
		}

		if len(records) == 0 {
			if err := sleepCtx(ctx, in.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		for _, rec := range records {
			if err := in.processRecord(ctx, &rec); err != nil {
				return err
			}
			in.cursor = rec.LogSeq
		}
		in.persistCursor()
	}
}

// processRecord feeds one record's events to the engine, re-feeding on
// persistence failures until ctx is cancelled. Undecodable records are
// logged and skipped: they were accepted and are durable in the log,
// but nothing downstream can use them.
func (in *Ingestor) processRecord(ctx context.Context, rec *commitlog.Record) error {
	env, err := codec.Unmarshal(rec.EnvelopeBytes)
	if err != nil {
		in.logger.Error("undecodable log record", map[string]any{
			"log_seq": rec.LogSeq,
			"error":   err.Error(),
		})
		return nil
	}

	events := Normalize(env)
	for _, ev := range events {
		for {
			err := in.engine.Process(ctx, ev)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger.Warn("engine processing failed, re-feeding", map[string]any{
				"log_seq":  rec.LogSeq,
				"event_id": ev.EventID,
				"error":    err.Error(),
			})
			if err := sleepCtx(ctx, in.cfg.RetryInterval); err != nil {
				return err
			}
		}
	}
	return nil
}

// Normalize flattens an envelope into correlation events. The entity
// dimension is the declared device identity; payload fields become the
// structured-field map rules match against.
func Normalize(env *types.Envelope) []*types.CorrelationEvent {
	telemetry := env.Body.Events()
	out := make([]*types.CorrelationEvent, 0, len(telemetry))
	for i := range telemetry {
		te := &telemetry[i]
		ev := &types.CorrelationEvent{
			EventID:     env.IdempotencyKey + "/" + te.EventID,
			EntityID:    env.DeviceID,
			Type:        te.Type,
			Severity:    te.Severity,
			TimestampNS: te.TimestampNS,
			Tags:        te.Tags,
			Fields:      payloadFields(&te.Payload),
		}
		out = append(out, ev)
	}
	return out
}

func payloadFields(p *types.EventPayload) map[string]string {
	switch p.Kind {
	case types.PayloadKindMetric:
		return map[string]string{
			"metric": p.Metric.Name,
			"unit":   p.Metric.Unit,
			"value":  strconv.FormatFloat(p.Metric.Value, 'g', -1, 64),
		}
	case types.PayloadKindProcess:
		return map[string]string{
			"pid":     strconv.FormatInt(p.Process.PID, 10),
			"name":    p.Process.Name,
			"cmdline": p.Process.Cmdline,
		}
	case types.PayloadKindAudit:
		return map[string]string{
			"object_type": p.Audit.ObjectType,
			"path":        p.Audit.Path,
			"action":      p.Audit.Action,
		}
	case types.PayloadKindSecurity:
		return map[string]string{
			"action":      p.Security.Action,
			"user":        p.Security.User,
			"source_addr": p.Security.SourceAddr,
			"mechanism":   p.Security.Mechanism,
			"success":     strconv.FormatBool(p.Security.Success),
		}
	default:
		return map[string]string{}
	}
}

// persistCursor writes the cursor durably. Failures are logged; the
// worst case after a crash is replaying already-processed records.
func (in *Ingestor) persistCursor() {
	if in.cfg.CursorPath == "" {
		return
	}
	tmp := in.cfg.CursorPath + ".tmp"
	data := []byte(strconv.FormatUint(in.cursor, 10) + "\n")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		in.logger.Warn("cursor write failed", map[string]any{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, in.cfg.CursorPath); err != nil {
		in.logger.Warn("cursor rename failed", map[string]any{"error": err.Error()})
	}
}

func loadCursor(path string) (uint64, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor %q: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor in %q: %w", path, err)
	}
	return cursor, nil
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
