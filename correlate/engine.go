package correlate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/bastion/adapter"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/risk"
	"github.com/pithecene-io/bastion/rules"
	"github.com/pithecene-io/bastion/types"
)

// incidentNamespace seeds deterministic incident IDs: replaying the
// same incident key after a crash yields the same ID, so persistence
// retries stay idempotent.
var incidentNamespace = uuid.MustParse("9d2f1c64-5a10-4b8f-9f7e-bc21a3a0e7d4")

// Config configures the engine.
type Config struct {
	// WindowHorizon is the event retention horizon. Default 5m.
	WindowHorizon time.Duration
	// MaxEventsInWindow caps the window size. Zero means uncapped.
	MaxEventsInWindow int
	// EvictBatch bounds per-insert eviction work.
	EvictBatch int
	// PersistRetries is how many times an incident write is retried
	// before the record is handed back to the ingestor. Default 3.
	PersistRetries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowHorizon:  5 * time.Minute,
		EvictBatch:     128,
		PersistRetries: 3,
	}
}

// Engine evaluates rules over the sliding window and emits incidents.
// Single writer: Process must be called from one goroutine (the
// ingestor feed); readers use Window().
type Engine struct {
	cfg      Config
	window   *Window
	registry *rules.Registry
	risk     *risk.Store
	notifier *adapter.Notifier
	logger   *log.Logger
	metrics  *metrics.Collector

	// seen maps incident keys to emission time, pruned to the window
	// horizon. The same key within the window is suppressed; later
	// firings with a different contributing set are new incidents.
	seen map[string]int64
}

// New creates an engine. notifier may be nil when no adapters are
// configured.
func New(cfg Config, registry *rules.Registry, riskStore *risk.Store, notifier *adapter.Notifier, logger *log.Logger, collector *metrics.Collector) *Engine {
	if cfg.WindowHorizon <= 0 {
		cfg.WindowHorizon = 5 * time.Minute
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 3
	}
	return &Engine{
		cfg:      cfg,
		window:   NewWindow(cfg.WindowHorizon.Nanoseconds(), cfg.MaxEventsInWindow, cfg.EvictBatch),
		registry: registry,
		risk:     riskStore,
		notifier: notifier,
		logger:   logger,
		metrics:  collector,
		seen:     make(map[string]int64),
	}
}

// Window exposes the event window for status and queries.
func (e *Engine) Window() *Window {
	return e.window
}

// Process ingests one event: inserts it into the window, evaluates
// candidate rules, and persists any incidents. Returns an error only
// when incident persistence failed after retries; the caller must then
// not advance its cursor and re-feed the record, which is safe because
// insertion and emission are idempotent.
func (e *Engine) Process(ctx context.Context, ev *types.CorrelationEvent) error {
	nowNS := time.Now().UnixNano()
	evicted := e.window.Insert(ev, nowNS)
	e.metrics.IncEventsIngested(1)
	e.metrics.IncEventsEvicted(int64(evicted))
	e.pruneSeen(nowNS)

	for _, rule := range e.registry.Rules() {
		matched := e.evaluateRule(rule, ev)
		for _, chain := range matched {
			if err := e.emit(ctx, rule, ev.EntityID, chain, nowNS); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateRule checks whether the new event completes the rule's final
// clause for its entity, and if so joins backwards through the entity's
// history respecting the temporal constraints. Isolated: a panicking
// rule is logged and its effect dropped.
func (e *Engine) evaluateRule(rule *rules.Rule, ev *types.CorrelationEvent) (matched [][]*types.CorrelationEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncRuleErrors()
			e.logger.Error("rule panicked", map[string]any{
				"rule":  rule.Name,
				"panic": fmt.Sprint(r),
			})
			matched = nil
		}
	}()

	last := &rule.Clauses[len(rule.Clauses)-1]
	if !last.Match.Matches(ev) {
		return nil
	}
	if len(rule.Clauses) == 1 {
		return [][]*types.CorrelationEvent{{ev}}
	}

	// Join backwards over the entity's events, which arrive in
	// insertion order. The most recent valid predecessor is chosen for
	// each earlier clause.
	history := e.window.EntityEvents(ev.EntityID)
	chain := make([]*types.CorrelationEvent, len(rule.Clauses))
	chain[len(chain)-1] = ev

	// Exclude the new event itself from predecessor candidates.
	end := len(history)
	for end > 0 && history[end-1].EventID == ev.EventID {
		end--
	}

	cursor := end
	for ci := len(rule.Clauses) - 2; ci >= 0; ci-- {
		next := chain[ci+1]
		maxDelta := rule.Clauses[ci+1].WithinSeconds * int64(time.Second)
		found := false
		for i := cursor - 1; i >= 0; i-- {
			cand := history[i]
			if cand.TimestampNS > next.TimestampNS {
				continue
			}
			if next.TimestampNS-cand.TimestampNS > maxDelta {
				break
			}
			if rule.Clauses[ci].Match.Matches(cand) {
				chain[ci] = cand
				cursor = i
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	return [][]*types.CorrelationEvent{chain}
}

// emit persists one incident and its risk contribution. Duplicate keys
// within the window are suppressed.
func (e *Engine) emit(ctx context.Context, rule *rules.Rule, entityID string, chain []*types.CorrelationEvent, nowNS int64) error {
	eventIDs := make([]string, len(chain))
	for i, ev := range chain {
		eventIDs[i] = ev.EventID
	}
	key := incidentKey(rule.Name, entityID, eventIDs)
	if _, dup := e.seen[key]; dup {
		e.metrics.IncIncidentsSuppressed()
		return nil
	}

	inc := &types.Incident{
		ID:                 uuid.NewSHA1(incidentNamespace, []byte(key)).String(),
		RuleName:           rule.Name,
		Severity:           rule.Severity,
		EntityID:           entityID,
		Summary:            fmt.Sprintf("%s on %s (%d events)", rule.Name, entityID, len(chain)),
		MitreTactics:       rule.Mitre.Tactics,
		MitreTechniques:    rule.Mitre.Techniques,
		ContributingEvents: eventIDs,
		OpenedAtNS:         nowNS,
	}

	// Retry the write; the risk contribution rides the same durable
	// operation so it cannot be applied before the incident lands.
	var err error
	var isNew bool
	for attempt := 0; attempt <= e.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		isNew, err = e.risk.RecordIncident(inc, rule.RiskWeight)
		if err == nil {
			break
		}
	}
	if err != nil {
		e.logger.Error("incident persist failed", map[string]any{
			"rule":   rule.Name,
			"entity": entityID,
			"error":  err.Error(),
		})
		return fmt.Errorf("persist incident %s: %w", inc.ID, err)
	}

	e.seen[key] = nowNS
	if !isNew {
		return nil
	}

	e.metrics.IncIncidentsEmitted()
	e.logger.Info("incident emitted", map[string]any{
		"incident_id": inc.ID,
		"rule":        rule.Name,
		"entity":      entityID,
		"severity":    string(rule.Severity),
	})

	if e.notifier != nil {
		e.notifier.Notify(inc)
	}
	return nil
}

// pruneSeen drops suppression keys older than the window horizon.
func (e *Engine) pruneSeen(nowNS int64) {
	cutoff := nowNS - e.cfg.WindowHorizon.Nanoseconds()
	for k, at := range e.seen {
		if at < cutoff {
			delete(e.seen, k)
		}
	}
}

// incidentKey builds the dedup key: rule, entity, and the sorted tuple
// of contributing event IDs.
func incidentKey(ruleName, entityID string, eventIDs []string) string {
	ids := append([]string(nil), eventIDs...)
	sort.Strings(ids)
	return ruleName + "|" + entityID + "|" + strings.Join(ids, ",")
}
