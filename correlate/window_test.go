package correlate

import (
	"fmt"
	"testing"
	"time"

	"github.com/pithecene-io/bastion/types"
)

func windowEvent(id, entity string, typ types.EventType, tsNS int64, tags ...string) *types.CorrelationEvent {
	return &types.CorrelationEvent{
		EventID:     id,
		EntityID:    entity,
		Type:        typ,
		Severity:    types.SeverityInfo,
		TimestampNS: tsNS,
		Tags:        tags,
		Fields:      map[string]string{},
	}
}

func TestWindow_InsertAndIndexes(t *testing.T) {
	w := NewWindow(time.Minute.Nanoseconds(), 0, 0)
	now := time.Now().UnixNano()

	w.Insert(windowEvent("e1", "a1", types.EventTypeSecurity, now, "auth"), now)
	w.Insert(windowEvent("e2", "a1", types.EventTypeAudit, now+1), now)
	w.Insert(windowEvent("e3", "a2", types.EventTypeSecurity, now+2, "auth"), now)

	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3", w.Len())
	}
	if got := w.EntityEvents("a1"); len(got) != 2 || got[0].EventID != "e1" || got[1].EventID != "e2" {
		t.Errorf("EntityEvents(a1) = %v", ids(got))
	}
	if !w.Contains("e3") {
		t.Error("Contains(e3) = false")
	}
	if snap := w.Snapshot(); len(snap) != 3 || snap[0].EventID != "e1" {
		t.Errorf("Snapshot = %v", ids(snap))
	}
}

func TestWindow_IdempotentInsert(t *testing.T) {
	w := NewWindow(time.Minute.Nanoseconds(), 0, 0)
	now := time.Now().UnixNano()

	ev := windowEvent("e1", "a1", types.EventTypeSecurity, now)
	w.Insert(ev, now)
	w.Insert(ev, now)

	if w.Len() != 1 {
		t.Errorf("Len = %d after duplicate insert, want 1", w.Len())
	}
	if got := w.EntityEvents("a1"); len(got) != 1 {
		t.Errorf("EntityEvents = %v", ids(got))
	}
}

func TestWindow_HorizonEviction(t *testing.T) {
	w := NewWindow(time.Minute.Nanoseconds(), 0, 0)
	now := time.Now().UnixNano()
	old := now - 2*time.Minute.Nanoseconds()

	w.Insert(windowEvent("old", "a1", types.EventTypeSecurity, old, "auth"), old)
	evicted := w.Insert(windowEvent("fresh", "a1", types.EventTypeSecurity, now), now)

	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if w.Contains("old") {
		t.Error("expired event still present")
	}
	if !w.Contains("fresh") {
		t.Error("fresh event missing")
	}
	// Indexes follow the deque.
	if got := w.EntityEvents("a1"); len(got) != 1 || got[0].EventID != "fresh" {
		t.Errorf("EntityEvents = %v", ids(got))
	}
}

func TestWindow_MaxEventsCap(t *testing.T) {
	w := NewWindow(time.Hour.Nanoseconds(), 3, 0)
	now := time.Now().UnixNano()

	for i := range 5 {
		w.Insert(windowEvent(fmt.Sprintf("e%d", i), "a1", types.EventTypeEvent, now+int64(i)), now)
	}
	if w.Len() != 3 {
		t.Errorf("Len = %d, want 3 (capped)", w.Len())
	}
	if w.Contains("e0") || w.Contains("e1") {
		t.Error("oldest events not evicted by cap")
	}
}

func TestWindow_BoundedEvictionPerInsert(t *testing.T) {
	w := NewWindow(time.Minute.Nanoseconds(), 0, 2)
	now := time.Now().UnixNano()
	old := now - 2*time.Minute.Nanoseconds()

	for i := range 5 {
		w.Insert(windowEvent(fmt.Sprintf("old%d", i), "a1", types.EventTypeEvent, old+int64(i)), old+int64(i))
	}
	evicted := w.Insert(windowEvent("fresh", "a1", types.EventTypeEvent, now), now)
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2 (bounded per insert)", evicted)
	}
}

func ids(events []*types.CorrelationEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventID
	}
	return out
}
