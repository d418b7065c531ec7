// Package rules implements the declarative correlation rule registry.
//
// Rules are data, not code: a rule is a sequence of predicate clauses
// with temporal constraints, a grouping dimension, a severity, a MITRE
// mapping, and a risk weight. Load-time validation rejects malformed
// predicates, unbounded scans, missing MITRE mappings, and weights
// outside range. The registry is hot-reloadable; a failed reload keeps
// the previous rule set.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/bastion/types"
)

//go:embed builtin.yaml
var builtinRules []byte

// MaxClauseSpanSeconds bounds a temporal constraint so a rule cannot
// demand joins wider than any reasonable window.
const MaxClauseSpanSeconds = 3600

// ErrInvalidRule indicates a rule that failed load-time validation.
var ErrInvalidRule = errors.New("invalid rule")

// Predicate filters events. All set fields must match (conjunction);
// TagsAny is the one disjunctive field.
type Predicate struct {
	EventType   types.EventType   `yaml:"event_type"`
	MinSeverity types.Severity    `yaml:"min_severity"`
	TagsAny     []string          `yaml:"tags_any"`
	FieldEquals map[string]string `yaml:"field_equals"`
}

// Matches reports whether the event satisfies the predicate.
func (p *Predicate) Matches(ev *types.CorrelationEvent) bool {
	if p.EventType != "" && ev.Type != p.EventType {
		return false
	}
	if p.MinSeverity != "" && ev.Severity.Rank() < p.MinSeverity.Rank() {
		return false
	}
	if len(p.TagsAny) > 0 {
		found := false
		for _, t := range p.TagsAny {
			if ev.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range p.FieldEquals {
		if ev.Fields[k] != v {
			return false
		}
	}
	return true
}

// selective reports whether the predicate narrows the candidate set
// enough to index. A bare predicate would force full-window scans and
// is rejected at load.
func (p *Predicate) selective() bool {
	return p.EventType != "" || len(p.FieldEquals) > 0 || len(p.TagsAny) > 0
}

// Clause is one step of a rule. WithinSeconds bounds the delta from
// the previous clause's matched event; the first clause has none.
type Clause struct {
	Match         Predicate `yaml:"match"`
	WithinSeconds int64     `yaml:"within_seconds"`
}

// MitreMapping ties a rule to the MITRE ATT&CK taxonomy.
type MitreMapping struct {
	Tactics    []string `yaml:"tactics"`
	Techniques []string `yaml:"techniques"`
}

// Rule is one declarative correlation rule. Clauses must match in
// order on events sharing the grouping dimension (entity).
type Rule struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Severity    types.Severity `yaml:"severity"`
	RiskWeight  float64        `yaml:"risk_weight"`
	Mitre       MitreMapping   `yaml:"mitre"`
	Clauses     []Clause       `yaml:"clauses"`
}

// Validate checks one rule against the registry contract.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule with empty name", ErrInvalidRule)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: rule %q: severity %q", ErrInvalidRule, r.Name, r.Severity)
	}
	if r.RiskWeight <= 0 || r.RiskWeight > 100 {
		return fmt.Errorf("%w: rule %q: risk_weight %v outside (0,100]", ErrInvalidRule, r.Name, r.RiskWeight)
	}
	if len(r.Mitre.Tactics) == 0 || len(r.Mitre.Techniques) == 0 {
		return fmt.Errorf("%w: rule %q: missing MITRE mapping", ErrInvalidRule, r.Name)
	}
	if len(r.Clauses) == 0 {
		return fmt.Errorf("%w: rule %q: no clauses", ErrInvalidRule, r.Name)
	}
	for i := range r.Clauses {
		c := &r.Clauses[i]
		if !c.Match.selective() {
			return fmt.Errorf("%w: rule %q clause %d: predicate would scan the whole window", ErrInvalidRule, r.Name, i)
		}
		if c.Match.MinSeverity != "" && !c.Match.MinSeverity.Valid() {
			return fmt.Errorf("%w: rule %q clause %d: severity %q", ErrInvalidRule, r.Name, i, c.Match.MinSeverity)
		}
		if c.Match.EventType != "" && !c.Match.EventType.Valid() {
			return fmt.Errorf("%w: rule %q clause %d: event type %q", ErrInvalidRule, r.Name, i, c.Match.EventType)
		}
		if i == 0 {
			if c.WithinSeconds != 0 {
				return fmt.Errorf("%w: rule %q: first clause cannot have within_seconds", ErrInvalidRule, r.Name)
			}
			continue
		}
		if c.WithinSeconds <= 0 || c.WithinSeconds > MaxClauseSpanSeconds {
			return fmt.Errorf("%w: rule %q clause %d: within_seconds %d outside (0,%d]", ErrInvalidRule, r.Name, i, c.WithinSeconds, MaxClauseSpanSeconds)
		}
	}
	return nil
}

// ruleFile is the on-disk schema.
type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

// Registry holds the loaded rule set behind an atomic pointer so a
// reload never disturbs an evaluation in progress.
type Registry struct {
	current atomic.Pointer[[]*Rule]
	path    string
}

// Load creates a registry from the rule file at path. An empty path
// loads the built-in rule set.
func Load(path string) (*Registry, error) {
	rules, err := loadRules(path)
	if err != nil {
		return nil, err
	}
	reg := &Registry{path: path}
	reg.current.Store(&rules)
	return reg, nil
}

// Reload re-reads the rule file with full validation. On failure the
// previous rule set stays active and the error is returned.
func (reg *Registry) Reload() error {
	rules, err := loadRules(reg.path)
	if err != nil {
		return err
	}
	reg.current.Store(&rules)
	return nil
}

// Rules returns the current rule set in file order. The slice is
// shared and must not be mutated.
func (reg *Registry) Rules() []*Rule {
	return *reg.current.Load()
}

// Names returns the stable enumeration of rule names.
func (reg *Registry) Names() []string {
	rules := reg.Rules()
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}

// Lookup returns a rule by name.
func (reg *Registry) Lookup(name string) (*Rule, bool) {
	for _, r := range reg.Rules() {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

func loadRules(path string) ([]*Rule, error) {
	var data []byte
	if path == "" {
		data = builtinRules
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read rules file %q: %w", path, err)
		}
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid rules yaml: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: rule file has no rules", ErrInvalidRule)
	}

	seen := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true
	}
	return f.Rules, nil
}
