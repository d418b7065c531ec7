// Package risk implements the per-entity risk store.
//
// The persisted truth is the contribution list: the displayed score is
// recomputed from contributions plus the decay function, so a restart
// rebuilds exact state from the database. Incidents and contributions
// live in a small single-writer SQLite database.
package risk

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pithecene-io/bastion/types"
)

// maxContributions bounds the per-entity contribution list; the oldest
// entries are trimmed first.
const maxContributions = 256

// confidenceK shapes confidence growth per distinct contributing rule.
const confidenceK = 0.7

// DecayConfig controls contribution decay. A contribution keeps full
// weight until Start, then decays linearly to zero at Full.
type DecayConfig struct {
	Start time.Duration
	Full  time.Duration
}

// DefaultDecayConfig returns the production decay curve.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Start: 10 * time.Minute,
		Full:  60 * time.Minute,
	}
}

// Config configures the store.
type Config struct {
	// Path is the SQLite database path.
	Path string
	// Decay is the contribution decay curve.
	Decay DecayConfig
	// Floor is the score below which an idle entity may be swept.
	Floor float64
	// SweepRetention is how long an entity must stay below Floor
	// before Sweep removes it.
	SweepRetention time.Duration
}

type entityState struct {
	contributions []types.Contribution
	lastUpdatedNS int64
	belowFloorNS  int64 // first observation below floor; 0 when above
}

// Store holds per-entity risk with decay and persists incidents and
// contributions. Single writer (the correlation engine); readers take
// snapshots under the lock.
type Store struct {
	cfg Config
	db  *sql.DB

	mu       sync.Mutex
	entities map[string]*entityState
}

// Open opens the database, creates the schema, and rebuilds in-memory
// state from persisted contributions.
func Open(cfg Config) (*Store, error) {
	if cfg.Decay.Full <= cfg.Decay.Start {
		return nil, fmt.Errorf("decay full (%s) must exceed start (%s)", cfg.Decay.Full, cfg.Decay.Start)
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open risk db %q: %w", cfg.Path, err)
	}
	// Single writer; serialized access keeps SQLite happy.
	db.SetMaxOpenConns(1)

	s := &Store{cfg: cfg, db: db, entities: make(map[string]*entityState)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadContributions(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			rule_name TEXT NOT NULL,
			severity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			mitre_tactics TEXT NOT NULL,
			mitre_techniques TEXT NOT NULL,
			contributing_events TEXT NOT NULL,
			opened_at_ns INTEGER NOT NULL,
			closed_at_ns INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_entity ON incidents(entity_id)`,
		`CREATE TABLE IF NOT EXISTS contributions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			rule TEXT NOT NULL,
			weight REAL NOT NULL,
			at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contributions_entity ON contributions(entity_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk schema: %w", err)
		}
	}
	return nil
}

// loadContributions rebuilds in-memory state. Fully decayed
// contributions are skipped; they no longer affect any score.
func (s *Store) loadContributions() error {
	cutoff := time.Now().UnixNano() - s.cfg.Decay.Full.Nanoseconds()
	rows, err := s.db.Query(
		`SELECT entity_id, rule, weight, at_ns FROM contributions WHERE at_ns >= ? ORDER BY at_ns`,
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("load contributions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityID, rule string
		var weight float64
		var atNS int64
		if err := rows.Scan(&entityID, &rule, &weight, &atNS); err != nil {
			return err
		}
		st := s.entities[entityID]
		if st == nil {
			st = &entityState{}
			s.entities[entityID] = st
		}
		st.contributions = append(st.contributions, types.Contribution{Rule: rule, Weight: weight, AtNS: atNS})
		if atNS > st.lastUpdatedNS {
			st.lastUpdatedNS = atNS
		}
	}
	return rows.Err()
}

// RecordIncident persists an incident and its risk contribution in one
// transaction. Returns true when the incident is new; replaying an
// already-recorded incident ID is a no-op, so the engine's retries and
// post-crash re-feeds stay idempotent.
func (s *Store) RecordIncident(inc *types.Incident, weight float64) (bool, error) {
	tactics, err := json.Marshal(inc.MitreTactics)
	if err != nil {
		return false, err
	}
	techniques, err := json.Marshal(inc.MitreTechniques)
	if err != nil {
		return false, err
	}
	events, err := json.Marshal(inc.ContributingEvents)
	if err != nil {
		return false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("record incident %s: %w", inc.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO incidents
		(id, rule_name, severity, entity_id, summary, mitre_tactics, mitre_techniques, contributing_events, opened_at_ns, closed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		inc.ID, inc.RuleName, string(inc.Severity), inc.EntityID, inc.Summary,
		string(tactics), string(techniques), string(events), inc.OpenedAtNS,
	)
	if err != nil {
		return false, fmt.Errorf("record incident %s: %w", inc.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.Exec(
		`INSERT INTO contributions (entity_id, rule, weight, at_ns) VALUES (?, ?, ?, ?)`,
		inc.EntityID, inc.RuleName, weight, inc.OpenedAtNS,
	); err != nil {
		return false, fmt.Errorf("record contribution for %s: %w", inc.EntityID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record incident %s: %w", inc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entities[inc.EntityID]
	if st == nil {
		st = &entityState{}
		s.entities[inc.EntityID] = st
	}
	st.contributions = append(st.contributions, types.Contribution{
		Rule: inc.RuleName, Weight: weight, AtNS: inc.OpenedAtNS,
	})
	if len(st.contributions) > maxContributions {
		st.contributions = st.contributions[len(st.contributions)-maxContributions:]
	}
	if inc.OpenedAtNS > st.lastUpdatedNS {
		st.lastUpdatedNS = inc.OpenedAtNS
	}
	st.belowFloorNS = 0
	return true, nil
}

// CloseIncident stamps closed_at_ns on a persisted incident.
func (s *Store) CloseIncident(id string, closedAtNS int64) error {
	_, err := s.db.Exec(`UPDATE incidents SET closed_at_ns = ? WHERE id = ?`, closedAtNS, id)
	if err != nil {
		return fmt.Errorf("close incident %s: %w", id, err)
	}
	return nil
}

// ApplyContribution records a rule's weight against an entity, durably
// and in memory.
func (s *Store) ApplyContribution(entityID, rule string, weight float64, atNS int64) error {
	_, err := s.db.Exec(
		`INSERT INTO contributions (entity_id, rule, weight, at_ns) VALUES (?, ?, ?, ?)`,
		entityID, rule, weight, atNS,
	)
	if err != nil {
		return fmt.Errorf("apply contribution for %s: %w", entityID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entities[entityID]
	if st == nil {
		st = &entityState{}
		s.entities[entityID] = st
	}
	st.contributions = append(st.contributions, types.Contribution{Rule: rule, Weight: weight, AtNS: atNS})
	if len(st.contributions) > maxContributions {
		st.contributions = st.contributions[len(st.contributions)-maxContributions:]
	}
	if atNS > st.lastUpdatedNS {
		st.lastUpdatedNS = atNS
	}
	st.belowFloorNS = 0
	return nil
}

// decayedWeight applies the linear decay curve to one contribution.
func (s *Store) decayedWeight(c *types.Contribution, nowNS int64) float64 {
	age := nowNS - c.AtNS
	start := s.cfg.Decay.Start.Nanoseconds()
	full := s.cfg.Decay.Full.Nanoseconds()
	switch {
	case age <= start:
		return c.Weight
	case age >= full:
		return 0
	default:
		return c.Weight * (1 - float64(age-start)/float64(full-start))
	}
}

// scoreLocked computes the decayed score and distinct rule count.
func (s *Store) scoreLocked(st *entityState, nowNS int64) (float64, int) {
	var score float64
	rules := make(map[string]bool)
	for i := range st.contributions {
		w := s.decayedWeight(&st.contributions[i], nowNS)
		if w > 0 {
			score += w
			rules[st.contributions[i].Rule] = true
		}
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, len(rules)
}

// Snapshot returns the decayed risk view of one entity.
func (s *Store) Snapshot(entityID string, nowNS int64) (types.EntityRisk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entityID]
	if !ok {
		return types.EntityRisk{}, false
	}
	return s.snapshotLocked(entityID, st, nowNS), true
}

func (s *Store) snapshotLocked(entityID string, st *entityState, nowNS int64) types.EntityRisk {
	score, distinct := s.scoreLocked(st, nowNS)
	contributions := append([]types.Contribution(nil), st.contributions...)
	return types.EntityRisk{
		EntityID:      entityID,
		Score:         score,
		Level:         types.RiskLevelFor(score),
		Confidence:    1 - math.Exp(-confidenceK*float64(distinct)),
		Contributions: contributions,
		LastUpdatedNS: st.lastUpdatedNS,
	}
}

// All returns decayed snapshots for every tracked entity.
func (s *Store) All(nowNS int64) []types.EntityRisk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EntityRisk, 0, len(s.entities))
	for id, st := range s.entities {
		out = append(out, s.snapshotLocked(id, st, nowNS))
	}
	return out
}

// Sweep removes entities whose score has stayed below the floor for
// the retention period. Persisted contributions are kept; only the
// in-memory tracking entry is dropped.
func (s *Store) Sweep(nowNS int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, st := range s.entities {
		score, _ := s.scoreLocked(st, nowNS)
		if score > s.cfg.Floor {
			st.belowFloorNS = 0
			continue
		}
		if st.belowFloorNS == 0 {
			st.belowFloorNS = nowNS
			continue
		}
		if nowNS-st.belowFloorNS >= s.cfg.SweepRetention.Nanoseconds() {
			delete(s.entities, id)
			removed++
		}
	}
	return removed
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
