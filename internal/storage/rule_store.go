package storage

import (
	"database/sql"
	"time"

	"github.com/growlancer/sdr/internal/core"
)

// RuleStore persists learned drafting rules in the learning_log table.
type RuleStore struct {
	db *DB
}

// NewRuleStore creates a new rule store
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

// Insert stores a new active rule and returns its id.
func (s *RuleStore) Insert(ruleText string, confidence float64) (int64, error) {
	res, err := s.db.conn.Exec(
		"INSERT INTO learning_log (rule_text, confidence) VALUES (?, ?)",
		ruleText, confidence,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Active returns all active rules, oldest first. The ordering matters:
// when the cap is enforced, the head of this list is evicted first.
func (s *RuleStore) Active() ([]*core.LearnedRule, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, rule_text, confidence, created_at
		FROM learning_log
		WHERE active = 1
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*core.LearnedRule
	for rows.Next() {
		rule := &core.LearnedRule{Active: true}
		var createdAt string
		if err := rows.Scan(&rule.ID, &rule.RuleText, &rule.Confidence, &createdAt); err != nil {
			return nil, err
		}
		if t, perr := time.Parse("2006-01-02 15:04:05", createdAt); perr == nil {
			rule.CreatedAt = t
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// Deactivate retires a rule by id.
func (s *RuleStore) Deactivate(id int64) error {
	res, err := s.db.conn.Exec(
		"UPDATE learning_log SET active = 0, deactivated_at = datetime('now') WHERE id = ?",
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

// Get returns one rule by id, active or not.
func (s *RuleStore) Get(id int64) (*core.LearnedRule, error) {
	rule := &core.LearnedRule{}
	var active int
	var createdAt string
	var deactivatedAt sql.NullString

	err := s.db.conn.QueryRow(`
		SELECT id, rule_text, confidence, active, created_at, deactivated_at
		FROM learning_log WHERE id = ?
	`, id).Scan(&rule.ID, &rule.RuleText, &rule.Confidence, &active, &createdAt, &deactivatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Active = active == 1
	if t, perr := time.Parse("2006-01-02 15:04:05", createdAt); perr == nil {
		rule.CreatedAt = t
	}
	if deactivatedAt.Valid {
		if t, perr := time.Parse("2006-01-02 15:04:05", deactivatedAt.String); perr == nil {
			rule.DeactivatedAt = &t
		}
	}

	return rule, nil
}
