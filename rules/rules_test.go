package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/bastion/types"
)

func TestLoad_Builtin(t *testing.T) {
	reg, err := Load("")
	if err != nil {
		t.Fatalf("Load builtin failed: %v", err)
	}

	names := reg.Names()
	if len(names) == 0 {
		t.Fatal("builtin rule set is empty")
	}

	rule, ok := reg.Lookup("persistence_after_auth")
	if !ok {
		t.Fatal("persistence_after_auth not in builtin set")
	}
	if rule.Severity != types.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", rule.Severity)
	}
	if len(rule.Mitre.Techniques) == 0 || rule.Mitre.Techniques[0] != "T1543.001" {
		t.Errorf("techniques = %v", rule.Mitre.Techniques)
	}
	if len(rule.Clauses) != 2 {
		t.Fatalf("clauses = %d, want 2", len(rule.Clauses))
	}
	if rule.Clauses[1].WithinSeconds != 300 {
		t.Errorf("within_seconds = %d, want 300", rule.Clauses[1].WithinSeconds)
	}
}

func TestValidate_Rejections(t *testing.T) {
	valid := func() *Rule {
		return &Rule{
			Name:       "r1",
			Severity:   types.SeverityHigh,
			RiskWeight: 40,
			Mitre:      MitreMapping{Tactics: []string{"TA0003"}, Techniques: []string{"T1543"}},
			Clauses: []Clause{
				{Match: Predicate{EventType: types.EventTypeSecurity}},
				{Match: Predicate{EventType: types.EventTypeAudit}, WithinSeconds: 60},
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"empty name", func(r *Rule) { r.Name = "" }},
		{"bad severity", func(r *Rule) { r.Severity = "SEVERE" }},
		{"zero weight", func(r *Rule) { r.RiskWeight = 0 }},
		{"weight above 100", func(r *Rule) { r.RiskWeight = 150 }},
		{"missing mitre", func(r *Rule) { r.Mitre.Techniques = nil }},
		{"no clauses", func(r *Rule) { r.Clauses = nil }},
		{"unbounded predicate", func(r *Rule) { r.Clauses[0].Match = Predicate{MinSeverity: types.SeverityLow} }},
		{"first clause with delta", func(r *Rule) { r.Clauses[0].WithinSeconds = 60 }},
		{"non-positive delta", func(r *Rule) { r.Clauses[1].WithinSeconds = 0 }},
		{"delta too wide", func(r *Rule) { r.Clauses[1].WithinSeconds = MaxClauseSpanSeconds + 1 }},
	}
	for _, tc := range cases {
		r := valid()
		tc.mutate(r)
		if err := r.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("%s: err = %v, want ErrInvalidRule", tc.name, err)
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}
}

func TestPredicate_Matches(t *testing.T) {
	ev := &types.CorrelationEvent{
		EntityID: "a1",
		Type:     types.EventTypeSecurity,
		Severity: types.SeverityHigh,
		Tags:     []string{"auth", "shell"},
		Fields:   map[string]string{"action": "SUDO", "user": "root"},
	}

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"type match", Predicate{EventType: types.EventTypeSecurity}, true},
		{"type mismatch", Predicate{EventType: types.EventTypeAudit}, false},
		{"min severity met", Predicate{EventType: types.EventTypeSecurity, MinSeverity: types.SeverityMedium}, true},
		{"min severity unmet", Predicate{EventType: types.EventTypeSecurity, MinSeverity: types.SeverityCritical}, false},
		{"tag any hit", Predicate{TagsAny: []string{"network", "auth"}}, true},
		{"tag any miss", Predicate{TagsAny: []string{"network"}}, false},
		{"field equals", Predicate{FieldEquals: map[string]string{"action": "SUDO"}}, true},
		{"field differs", Predicate{FieldEquals: map[string]string{"action": "LOGIN"}}, false},
		{"field missing", Predicate{FieldEquals: map[string]string{"path": "/tmp"}}, false},
		{"conjunction", Predicate{EventType: types.EventTypeSecurity, FieldEquals: map[string]string{"user": "root"}}, true},
	}
	for _, tc := range cases {
		if got := tc.pred.Matches(ev); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestLoad_FileAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	good := `rules:
  - name: only_rule
    severity: HIGH
    risk_weight: 30
    mitre:
      tactics: [TA0001]
      techniques: [T1059]
    clauses:
      - match:
          event_type: SECURITY
`
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "only_rule" {
		t.Fatalf("names = %v", names)
	}

	// A failed reload keeps the previous set.
	if err := os.WriteFile(path, []byte("rules:\n  - name: broken\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatal("reload of invalid rules succeeded")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "only_rule" {
		t.Errorf("rule set changed after failed reload: %v", names)
	}
}

func TestLoad_DuplicateNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - name: dup
    severity: LOW
    risk_weight: 10
    mitre: {tactics: [TA0001], techniques: [T1059]}
    clauses:
      - match: {event_type: SECURITY}
  - name: dup
    severity: LOW
    risk_weight: 10
    mitre: {tactics: [TA0001], techniques: [T1059]}
    clauses:
      - match: {event_type: SECURITY}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("err = %v, want ErrInvalidRule", err)
	}
}
