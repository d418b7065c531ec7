// Package correlate implements the sliding-window correlation engine.
//
// The window is single-writer: the ingestor's feed goroutine inserts
// and evaluates; readers take snapshots. Events are held for a
// configured horizon with bounded per-insert eviction, and secondary
// indexes by entity, type, and tag stay consistent with the deque.
package correlate

import (
	"sync"

	"github.com/pithecene-io/bastion/types"
)

// Window is the rolling event buffer. Insertion order equals broker
// log order; per-entity slices preserve that order for temporal joins.
type Window struct {
	mu sync.RWMutex

	horizonNS  int64
	maxEvents  int
	evictBatch int

	events   []*types.CorrelationEvent // insertion order; front evicts first
	byID     map[string]bool
	byEntity map[string][]*types.CorrelationEvent
	byType   map[types.EventType][]*types.CorrelationEvent
	byTag    map[string][]*types.CorrelationEvent
}

// NewWindow creates a window holding events for horizonNS, capped at
// maxEvents, evicting at most evictBatch expired events per insert.
func NewWindow(horizonNS int64, maxEvents, evictBatch int) *Window {
	if evictBatch <= 0 {
		evictBatch = 128
	}
	return &Window{
		horizonNS:  horizonNS,
		maxEvents:  maxEvents,
		evictBatch: evictBatch,
		byID:       make(map[string]bool),
		byEntity:   make(map[string][]*types.CorrelationEvent),
		byType:     make(map[types.EventType][]*types.CorrelationEvent),
		byTag:      make(map[string][]*types.CorrelationEvent),
	}
}

// Insert adds an event and evicts a bounded batch of expired events.
// Re-inserting an event ID already present is a no-op, which makes
// replayed log records idempotent. Returns the number evicted.
func (w *Window) Insert(ev *types.CorrelationEvent, nowNS int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.byID[ev.EventID] {
		return w.evictLocked(nowNS)
	}

	w.events = append(w.events, ev)
	w.byID[ev.EventID] = true
	w.byEntity[ev.EntityID] = append(w.byEntity[ev.EntityID], ev)
	w.byType[ev.Type] = append(w.byType[ev.Type], ev)
	for _, t := range ev.Tags {
		w.byTag[t] = append(w.byTag[t], ev)
	}
	return w.evictLocked(nowNS)
}

// evictLocked drops expired events from the front, and oldest events
// beyond maxEvents, up to evictBatch total. Caller must hold mu.
func (w *Window) evictLocked(nowNS int64) int {
	cutoff := nowNS - w.horizonNS
	evicted := 0
	for len(w.events) > 0 && evicted < w.evictBatch {
		head := w.events[0]
		expired := head.TimestampNS < cutoff
		over := w.maxEvents > 0 && len(w.events) > w.maxEvents
		if !expired && !over {
			break
		}
		w.events = w.events[1:]
		w.removeFromIndexes(head)
		evicted++
	}
	return evicted
}

func (w *Window) removeFromIndexes(ev *types.CorrelationEvent) {
	delete(w.byID, ev.EventID)
	w.byEntity[ev.EntityID] = removeEvent(w.byEntity[ev.EntityID], ev)
	if len(w.byEntity[ev.EntityID]) == 0 {
		delete(w.byEntity, ev.EntityID)
	}
	w.byType[ev.Type] = removeEvent(w.byType[ev.Type], ev)
	if len(w.byType[ev.Type]) == 0 {
		delete(w.byType, ev.Type)
	}
	for _, t := range ev.Tags {
		w.byTag[t] = removeEvent(w.byTag[t], ev)
		if len(w.byTag[t]) == 0 {
			delete(w.byTag, t)
		}
	}
}

// removeEvent removes ev preserving order. Eviction is FIFO, so the
// match is almost always at the front.
func removeEvent(events []*types.CorrelationEvent, ev *types.CorrelationEvent) []*types.CorrelationEvent {
	for i, e := range events {
		if e == ev {
			return append(events[:i], events[i+1:]...)
		}
	}
	return events
}

// Contains reports whether an event ID is in the window.
func (w *Window) Contains(eventID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.byID[eventID]
}

// EntityEvents returns the entity's events in insertion order. The
// returned slice is a copy; the events themselves are shared and
// treated as immutable after insertion.
func (w *Window) EntityEvents(entityID string) []*types.CorrelationEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*types.CorrelationEvent(nil), w.byEntity[entityID]...)
}

// Snapshot returns all events in insertion order.
func (w *Window) Snapshot() []*types.CorrelationEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*types.CorrelationEvent(nil), w.events...)
}

// Len returns the number of events in the window.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.events)
}
