// Package adapter defines the incident notification boundary.
//
// Adapters push emitted incidents to downstream systems (SOAR hooks,
// alert channels). Notification is fire-and-forget: an adapter failure
// is counted and logged but never blocks or fails correlation, and the
// incident store remains the source of truth.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/types"
)

// IncidentEvent is the payload published when an incident is emitted.
type IncidentEvent struct {
	SchemaVersion   string   `json:"schema_version"`
	EventType       string   `json:"event_type"` // always "incident_opened"
	IncidentID      string   `json:"incident_id"`
	RuleName        string   `json:"rule_name"`
	Severity        string   `json:"severity"`
	EntityID        string   `json:"entity_id"`
	Summary         string   `json:"summary"`
	MitreTactics    []string `json:"mitre_tactics"`
	MitreTechniques []string `json:"mitre_techniques"`
	EventCount      int      `json:"event_count"`
	OpenedAt        string   `json:"opened_at"` // ISO 8601
}

// Adapter publishes incident events to a downstream system.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Publish sends one incident event downstream.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *IncidentEvent) error

	// Close releases adapter resources.
	Close() error
}

// NotifyTimeout bounds each adapter's delivery of one incident.
const NotifyTimeout = 30 * time.Second

// Notifier fans incidents out to configured adapters asynchronously.
type Notifier struct {
	adapters []Adapter
	logger   *log.Logger
	metrics  *metrics.Collector
	wg       sync.WaitGroup
}

// NewNotifier creates a notifier over the given adapters.
func NewNotifier(adapters []Adapter, logger *log.Logger, collector *metrics.Collector) *Notifier {
	return &Notifier{adapters: adapters, logger: logger, metrics: collector}
}

// Notify dispatches the incident to all adapters without blocking the
// caller. Failures are counted per adapter attempt.
func (n *Notifier) Notify(inc *types.Incident) {
	if len(n.adapters) == 0 {
		return
	}
	event := &IncidentEvent{
		SchemaVersion:   types.SchemaVersion,
		EventType:       "incident_opened",
		IncidentID:      inc.ID,
		RuleName:        inc.RuleName,
		Severity:        string(inc.Severity),
		EntityID:        inc.EntityID,
		Summary:         inc.Summary,
		MitreTactics:    inc.MitreTactics,
		MitreTechniques: inc.MitreTechniques,
		EventCount:      len(inc.ContributingEvents),
		OpenedAt:        time.Unix(0, inc.OpenedAtNS).UTC().Format(time.RFC3339Nano),
	}

	for _, a := range n.adapters {
		n.wg.Add(1)
		go func(a Adapter) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), NotifyTimeout)
			defer cancel()
			if err := a.Publish(ctx, event); err != nil {
				n.metrics.IncAdapterFailures()
				n.logger.Warn("incident notification failed", map[string]any{
					"incident_id": inc.ID,
					"error":       err.Error(),
				})
			}
		}(a)
	}
}

// Close waits for in-flight notifications and closes all adapters.
func (n *Notifier) Close() error {
	n.wg.Wait()
	var firstErr error
	for _, a := range n.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
