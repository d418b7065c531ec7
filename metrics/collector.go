// Package metrics provides process-wide metrics collection.
//
// The Collector accumulates counters for one process (broker or agent).
// It is a leaf package with no internal dependencies. Subsystems hold a
// reference and increment; the status surface reads an immutable
// Snapshot. Backpressure accounting relies on these counters: every
// explicit shed or rejection is counted, so accepted + rejected +
// shed + pending always reconciles with produced.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Broker ingress
	EnvelopesAccepted  int64            `json:"envelopes_accepted"`
	EnvelopesRetried   int64            `json:"envelopes_retried"`
	EnvelopesRejected  int64            `json:"envelopes_rejected"`
	EnvelopesShed      int64            `json:"envelopes_shed"`
	RejectedByReason   map[string]int64 `json:"rejected_by_reason"`
	DedupHits          int64            `json:"dedup_hits"`
	IdentityOffenses   int64            `json:"identity_offenses"`
	GovernorState      string           `json:"governor_state,omitempty"`
	LogWriteLatencyEMA float64          `json:"log_write_latency_ema_ms"`

	// Agent side
	EnvelopesProduced  int64  `json:"envelopes_produced"`
	EnvelopesPublished int64  `json:"envelopes_published"`
	EnvelopesPoisoned  int64  `json:"envelopes_poisoned"`
	PublishRetries     int64  `json:"publish_retries"`
	CollectionOverruns int64  `json:"collection_overruns"`
	CollectionTimeouts int64  `json:"collection_timeouts"`
	SamplesDropped     int64  `json:"samples_dropped"`
	WALBacklogBytes    int64  `json:"wal_backlog_bytes"`
	WALBacklogCount    int64  `json:"wal_backlog_count"`
	CircuitState       string `json:"circuit_state,omitempty"`

	// Engine
	EventsIngested      int64 `json:"events_ingested"`
	EventsEvicted       int64 `json:"events_evicted"`
	IncidentsEmitted    int64 `json:"incidents_emitted"`
	IncidentsSuppressed int64 `json:"incidents_suppressed"`
	RuleErrors          int64 `json:"rule_errors"`
	AdapterFailures     int64 `json:"adapter_failures"`

	// Dimensions, set at construction.
	NodeID string `json:"node_id"`
	Role   string `json:"role"`
}

// Collector accumulates metrics for one process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver
// safe so optional wiring stays unconditional at call sites.
type Collector struct {
	mu sync.Mutex

	accepted         int64
	retried          int64
	rejected         int64
	shed             int64
	rejectedByReason map[string]int64
	dedupHits        int64
	identityOffenses int64
	governorState    string
	logLatencyEMA    float64

	produced           int64
	published          int64
	poisoned           int64
	publishRetries     int64
	collectionOverruns int64
	collectionTimeouts int64
	samplesDropped     int64
	walBacklogBytes    int64
	walBacklogCount    int64
	circuitState       string

	eventsIngested      int64
	eventsEvicted       int64
	incidentsEmitted    int64
	incidentsSuppressed int64
	ruleErrors          int64
	adapterFailures     int64

	nodeID string
	role   string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(nodeID, role string) *Collector {
	return &Collector{
		rejectedByReason: make(map[string]int64),
		nodeID:           nodeID,
		role:             role,
	}
}

// --- Broker ingress ---

// IncAccepted records an envelope accepted into the log.
func (c *Collector) IncAccepted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.accepted++
	c.mu.Unlock()
}

// IncRetried records a RETRY ack.
func (c *Collector) IncRetried() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.retried++
	c.mu.Unlock()
}

// IncRejected records a terminal rejection by reason.
func (c *Collector) IncRejected(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rejected++
	c.rejectedByReason[reason]++
	c.mu.Unlock()
}

// IncShed records an envelope shed by the governor.
func (c *Collector) IncShed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.shed++
	c.mu.Unlock()
}

// IncDedupHit records an idempotent re-accept.
func (c *Collector) IncDedupHit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dedupHits++
	c.mu.Unlock()
}

// IncIdentityOffense records a terminal identity/signature failure.
func (c *Collector) IncIdentityOffense() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.identityOffenses++
	c.mu.Unlock()
}

// SetGovernorState records the current governor state.
func (c *Collector) SetGovernorState(state string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.governorState = state
	c.mu.Unlock()
}

// SetLogWriteLatencyEMA records the smoothed log write latency in ms.
func (c *Collector) SetLogWriteLatencyEMA(ms float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.logLatencyEMA = ms
	c.mu.Unlock()
}

// --- Agent side ---

// IncProduced records an envelope appended to the WAL.
func (c *Collector) IncProduced() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.produced++
	c.mu.Unlock()
}

// IncPublished records an envelope acked OK by the broker.
func (c *Collector) IncPublished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.published++
	c.mu.Unlock()
}

// IncPoisoned records an envelope closed out by a terminal rejection.
func (c *Collector) IncPoisoned() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.poisoned++
	c.mu.Unlock()
}

// IncPublishRetry records a retried publish attempt.
func (c *Collector) IncPublishRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.publishRetries++
	c.mu.Unlock()
}

// IncCollectionOverrun records a tick skipped because the previous
// collection was still running.
func (c *Collector) IncCollectionOverrun() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.collectionOverruns++
	c.mu.Unlock()
}

// IncCollectionTimeout records a collection aborted on deadline.
func (c *Collector) IncCollectionTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.collectionTimeouts++
	c.mu.Unlock()
}

// IncSamplesDropped records samples shed by the overflow policy.
func (c *Collector) IncSamplesDropped(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.samplesDropped += n
	c.mu.Unlock()
}

// SetWALBacklog records the WAL backlog gauges.
func (c *Collector) SetWALBacklog(bytes int64, count int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.walBacklogBytes = bytes
	c.walBacklogCount = count
	c.mu.Unlock()
}

// SetCircuitState records the publisher circuit breaker state.
func (c *Collector) SetCircuitState(state string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.circuitState = state
	c.mu.Unlock()
}

// --- Engine ---

// IncEventsIngested records events fed to the correlation window.
func (c *Collector) IncEventsIngested(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsIngested += n
	c.mu.Unlock()
}

// IncEventsEvicted records events evicted from the window.
func (c *Collector) IncEventsEvicted(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsEvicted += n
	c.mu.Unlock()
}

// IncIncidentsEmitted records an incident written.
func (c *Collector) IncIncidentsEmitted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.incidentsEmitted++
	c.mu.Unlock()
}

// IncIncidentsSuppressed records an incident suppressed as a duplicate.
func (c *Collector) IncIncidentsSuppressed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.incidentsSuppressed++
	c.mu.Unlock()
}

// IncRuleErrors records an isolated rule failure.
func (c *Collector) IncRuleErrors() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ruleErrors++
	c.mu.Unlock()
}

// IncAdapterFailures records a failed incident notification.
func (c *Collector) IncAdapterFailures() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.adapterFailures++
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all metrics.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byReason := make(map[string]int64, len(c.rejectedByReason))
	for k, v := range c.rejectedByReason {
		byReason[k] = v
	}

	return Snapshot{
		EnvelopesAccepted:  c.accepted,
		EnvelopesRetried:   c.retried,
		EnvelopesRejected:  c.rejected,
		EnvelopesShed:      c.shed,
		RejectedByReason:   byReason,
		DedupHits:          c.dedupHits,
		IdentityOffenses:   c.identityOffenses,
		GovernorState:      c.governorState,
		LogWriteLatencyEMA: c.logLatencyEMA,

		EnvelopesProduced:  c.produced,
		EnvelopesPublished: c.published,
		EnvelopesPoisoned:  c.poisoned,
		PublishRetries:     c.publishRetries,
		CollectionOverruns: c.collectionOverruns,
		CollectionTimeouts: c.collectionTimeouts,
		SamplesDropped:     c.samplesDropped,
		WALBacklogBytes:    c.walBacklogBytes,
		WALBacklogCount:    c.walBacklogCount,
		CircuitState:       c.circuitState,

		EventsIngested:      c.eventsIngested,
		EventsEvicted:       c.eventsEvicted,
		IncidentsEmitted:    c.incidentsEmitted,
		IncidentsSuppressed: c.incidentsSuppressed,
		RuleErrors:          c.ruleErrors,
		AdapterFailures:     c.adapterFailures,

		NodeID: c.nodeID,
		Role:   c.role,
	}
}
