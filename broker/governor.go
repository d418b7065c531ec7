// Package broker implements the ingress service: admission, signature
// verification, deduplication, durability, and overload control.
package broker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pithecene-io/bastion/types"
)

// GovState is the governor's admission state.
type GovState string

// Governor states, from healthy to shedding.
const (
	GovNormal       GovState = "NORMAL"
	GovSoftOverload GovState = "SOFT_OVERLOAD"
	GovHardOverload GovState = "HARD_OVERLOAD"
	GovShed         GovState = "SHED"
)

// Decision is the governor's verdict for one envelope.
type Decision uint8

// Admission decisions.
const (
	// DecisionAdmit lets the envelope proceed to verification.
	DecisionAdmit Decision = iota
	// DecisionRetry returns RETRY with a backoff hint.
	DecisionRetry
	// DecisionShed returns INVALID/SHEDDING (terminal for the agent).
	DecisionShed
)

// GovernorConfig holds admission thresholds. Exit thresholds derive
// from enter thresholds by the hysteresis factor so states do not flap.
type GovernorConfig struct {
	// SoftInflight enters SOFT_OVERLOAD; a fraction of traffic
	// proportional to the overshoot gets RETRY.
	SoftInflight float64
	// HardInflight enters HARD_OVERLOAD; only HIGH/CRITICAL admitted.
	HardInflight float64
	// ShedInflight enters SHED; below-cutoff severities get SHEDDING.
	// Defaults to 2x HardInflight.
	ShedInflight float64
	// ShedSeverityCutoff is the lowest severity admitted under SHED.
	ShedSeverityCutoff types.Severity
	// SoftLatency / HardLatency are log-write latency thresholds that
	// feed the same state machine as inflight counts.
	SoftLatency time.Duration
	HardLatency time.Duration
	// BaseHintMS scales the RETRY backoff hint.
	BaseHintMS int64
	// SampleInterval is the governor sampler period.
	SampleInterval time.Duration
	// EMAAlpha is the low-pass coefficient for sampled inputs.
	EMAAlpha float64
	// HysteresisRatio is the exit/enter threshold ratio, in (0,1).
	HysteresisRatio float64
}

// DefaultGovernorConfig returns production defaults.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		SoftInflight:       256,
		HardInflight:       512,
		ShedInflight:       1024,
		ShedSeverityCutoff: types.SeverityHigh,
		SoftLatency:        50 * time.Millisecond,
		HardLatency:        250 * time.Millisecond,
		BaseHintMS:         500,
		SampleInterval:     100 * time.Millisecond,
		EMAAlpha:           0.2,
		HysteresisRatio:    0.8,
	}
}

// Governor is the admission controller. Inputs (inflight RPCs, log
// write latency, storage health) are low-passed; the state machine is
// hysteretic; decisions are cheap reads of the current state.
type Governor struct {
	cfg GovernorConfig

	mu             sync.Mutex
	state          GovState
	inflight       int64
	inflightEMA    float64
	latencyEMAms   float64
	storageFailing bool

	rng  *rand.Rand
	done chan struct{}
	once sync.Once
}

// NewGovernor creates a governor and starts its sampler.
func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.ShedInflight <= 0 {
		cfg.ShedInflight = 2 * cfg.HardInflight
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.2
	}
	if cfg.HysteresisRatio <= 0 || cfg.HysteresisRatio >= 1 {
		cfg.HysteresisRatio = 0.8
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 100 * time.Millisecond
	}
	if cfg.BaseHintMS <= 0 {
		cfg.BaseHintMS = 500
	}
	g := &Governor{
		cfg:   cfg,
		state: GovNormal,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		done:  make(chan struct{}),
	}
	go g.sampleLoop()
	return g
}

// RPCStarted records an inflight publish.
func (g *Governor) RPCStarted() {
	g.mu.Lock()
	g.inflight++
	g.mu.Unlock()
}

// RPCFinished records a completed publish.
func (g *Governor) RPCFinished() {
	g.mu.Lock()
	g.inflight--
	g.mu.Unlock()
}

// ObserveLogLatency feeds one log append latency into the EMA.
func (g *Governor) ObserveLogLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	g.mu.Lock()
	g.latencyEMAms = g.cfg.EMAAlpha*ms + (1-g.cfg.EMAAlpha)*g.latencyEMAms
	g.mu.Unlock()
}

// SetStorageFailing marks log storage as failing; while set the
// governor holds at least HARD_OVERLOAD.
func (g *Governor) SetStorageFailing(failing bool) {
	g.mu.Lock()
	g.storageFailing = failing
	g.mu.Unlock()
}

// State returns the current governor state for observability.
func (g *Governor) State() GovState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveStateLocked()
}

func (g *Governor) effectiveStateLocked() GovState {
	if g.storageFailing && (g.state == GovNormal || g.state == GovSoftOverload) {
		return GovHardOverload
	}
	return g.state
}

// Admit decides admission for an envelope of the given max severity.
// Returns the decision and a backoff hint in milliseconds for RETRY.
func (g *Governor) Admit(sev types.Severity) (Decision, int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.effectiveStateLocked() {
	case GovNormal:
		return DecisionAdmit, 0

	case GovSoftOverload:
		// Deny a fraction proportional to the overshoot.
		ratio := g.overshootLocked()
		if g.rng.Float64() < ratio {
			hint := int64(float64(g.cfg.BaseHintMS) * (1 + ratio))
			return DecisionRetry, hint
		}
		return DecisionAdmit, 0

	case GovHardOverload:
		if sev.Rank() >= types.SeverityHigh.Rank() {
			return DecisionAdmit, 0
		}
		ratio := g.overshootLocked()
		hint := int64(float64(g.cfg.BaseHintMS) * 2 * (1 + ratio))
		return DecisionRetry, hint

	default: // GovShed
		if sev.Rank() < g.cfg.ShedSeverityCutoff.Rank() {
			return DecisionShed, 0
		}
		// Above the cutoff, admit until hard capacity.
		if g.inflightEMA <= g.cfg.HardInflight {
			return DecisionAdmit, 0
		}
		hint := int64(float64(g.cfg.BaseHintMS) * 4)
		return DecisionRetry, hint
	}
}

// overshootLocked returns how far past the soft watermark the load is,
// normalized to [0,1] over the soft-to-hard band.
func (g *Governor) overshootLocked() float64 {
	band := g.cfg.HardInflight - g.cfg.SoftInflight
	if band <= 0 {
		return 1
	}
	over := (g.inflightEMA - g.cfg.SoftInflight) / band
	// Latency overshoot feeds the same ratio.
	latBand := float64(g.cfg.HardLatency-g.cfg.SoftLatency) / float64(time.Millisecond)
	if latBand > 0 {
		softMS := float64(g.cfg.SoftLatency) / float64(time.Millisecond)
		latOver := (g.latencyEMAms - softMS) / latBand
		if latOver > over {
			over = latOver
		}
	}
	if over < 0 {
		return 0
	}
	if over > 1 {
		return 1
	}
	return over
}

// sampleLoop low-passes inputs and drives the hysteretic state machine.
func (g *Governor) sampleLoop() {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		g.inflightEMA = g.cfg.EMAAlpha*float64(g.inflight) + (1-g.cfg.EMAAlpha)*g.inflightEMA
		g.state = g.nextStateLocked()
		g.mu.Unlock()
	}
}

// nextStateLocked applies enter thresholds upward and hysteretic exit
// thresholds downward, one step per sample.
func (g *Governor) nextStateLocked() GovState {
	load := g.inflightEMA
	latMS := g.latencyEMAms
	softMS := float64(g.cfg.SoftLatency) / float64(time.Millisecond)
	hardMS := float64(g.cfg.HardLatency) / float64(time.Millisecond)
	h := g.cfg.HysteresisRatio

	switch g.state {
	case GovNormal:
		if load >= g.cfg.ShedInflight {
			return GovShed
		}
		if load >= g.cfg.HardInflight || latMS >= hardMS {
			return GovHardOverload
		}
		if load >= g.cfg.SoftInflight || latMS >= softMS {
			return GovSoftOverload
		}
		return GovNormal

	case GovSoftOverload:
		if load >= g.cfg.ShedInflight {
			return GovShed
		}
		if load >= g.cfg.HardInflight || latMS >= hardMS {
			return GovHardOverload
		}
		if load < g.cfg.SoftInflight*h && latMS < softMS*h {
			return GovNormal
		}
		return GovSoftOverload

	case GovHardOverload:
		if load >= g.cfg.ShedInflight {
			return GovShed
		}
		if load < g.cfg.HardInflight*h && latMS < hardMS*h {
			return GovSoftOverload
		}
		return GovHardOverload

	default: // GovShed
		if load < g.cfg.ShedInflight*h {
			return GovHardOverload
		}
		return GovShed
	}
}

// Close stops the sampler.
func (g *Governor) Close() {
	g.once.Do(func() { close(g.done) })
}
