package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orrn/labelpress/internal/rules"
)

// RuleStore is the durable rules.Store. Registration order is the row
// sequence, so updates keep a rule's place in evaluation order.
type RuleStore struct {
	db  *DB
	now func() time.Time
}

func NewRuleStore(d *DB) *RuleStore {
	return &RuleStore{db: d, now: time.Now}
}

var _ rules.Store = (*RuleStore)(nil)

func (s *RuleStore) Add(rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	stored := rule.Clone()
	now := s.now()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Combinator == "" {
		stored.Combinator = rules.And
	}

	row, err := newRuleRow(stored)
	if err != nil {
		return err
	}

	return s.tx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(1) FROM rules WHERE id = ?`, stored.ID); err != nil {
			return fmt.Errorf("failed to check rule: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", rules.ErrRuleExists, stored.ID)
		}
		if _, err := tx.NamedExec(InsertRule, row); err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		return nil
	})
}

func (s *RuleStore) Get(id string) (*rules.Rule, error) {
	var row ruleRow
	if err := s.db.Get(&row, GetRuleByID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", rules.ErrRuleNotFound, id)
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return decodeRule(row.Data)
}

func (s *RuleStore) List() ([]*rules.Rule, error) {
	return s.list(ListRules)
}

func (s *RuleStore) ListActive() ([]*rules.Rule, error) {
	return s.list(ListActiveRules)
}

func (s *RuleStore) list(query string) ([]*rules.Rule, error) {
	var rows []ruleRow
	if err := s.db.Select(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]*rules.Rule, 0, len(rows))
	for _, row := range rows {
		r, err := decodeRule(row.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Update stores rule as the next version and moves the current one into
// rule_versions.
func (s *RuleStore) Update(rule *rules.Rule) (*rules.Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	var next *rules.Rule
	err := s.tx(func(tx *sqlx.Tx) error {
		var row ruleRow
		if err := tx.Get(&row, GetRuleByID, rule.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", rules.ErrRuleNotFound, rule.ID)
			}
			return fmt.Errorf("failed to get rule: %w", err)
		}
		existing, err := decodeRule(row.Data)
		if err != nil {
			return err
		}

		next = rule.Clone()
		next.CreatedAt = existing.CreatedAt
		next.Version = existing.Version + 1
		next.UpdatedAt = s.now()
		if !next.UpdatedAt.After(existing.UpdatedAt) {
			next.UpdatedAt = existing.UpdatedAt.Add(time.Nanosecond)
		}
		if next.Combinator == "" {
			next.Combinator = rules.And
		}

		if _, err := tx.Exec(InsertRuleVersion, existing.ID, existing.Version, row.Data); err != nil {
			return fmt.Errorf("failed to archive rule version: %w", err)
		}
		updated, err := newRuleRow(next)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExec(UpdateRule, updated); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *RuleStore) Delete(id string) error {
	return s.tx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(DeleteRule, id)
		if err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", rules.ErrRuleNotFound, id)
		}
		if _, err := tx.Exec(DeleteRuleVersions, id); err != nil {
			return fmt.Errorf("failed to delete rule history: %w", err)
		}
		return nil
	})
}

// History returns prior versions, oldest first, followed by the current one.
func (s *RuleStore) History(id string) ([]*rules.Rule, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	var blobs [][]byte
	if err := s.db.Select(&blobs, ListRuleVersions, id); err != nil {
		return nil, fmt.Errorf("failed to list rule history: %w", err)
	}
	out := make([]*rules.Rule, 0, len(blobs)+1)
	for _, b := range blobs {
		r, err := decodeRule(b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return append(out, current), nil
}

func (s *RuleStore) tx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
