package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/pagehook/model"
)

// ListRules returns every rule in insertion order.
func (s *Store) ListRules(ctx context.Context) ([]model.Rule, error) {
	var rules []model.Rule
	if _, err := getDoc(ctx, s.DB, KeyRules, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// GetRule returns the rule with the given id, or ErrNotFound.
func (s *Store) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	rules, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if i := indexRule(rules, id); i >= 0 {
		return &rules[i], nil
	}
	return nil, fmt.Errorf("store: rule %s: %w", id, ErrNotFound)
}

// SaveRule validates r and inserts it, or replaces the stored rule with the
// same id in place. Missing ids are generated; CreatedAt survives updates.
// r is updated with the stored values.
func (s *Store) SaveRule(ctx context.Context, r *model.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.Destination.ID == "" {
		r.Destination.ID = s.newID()
	}
	now := s.now().UTC()

	return s.tx(ctx, func(tx *sql.Tx) error {
		var rules []model.Rule
		if _, err := getDoc(ctx, tx, KeyRules, &rules); err != nil {
			return err
		}
		saved := *r
		saved.UpdatedAt = now
		if i := indexRule(rules, r.ID); i >= 0 {
			saved.CreatedAt = rules[i].CreatedAt
			rules[i] = saved
		} else {
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = now
			}
			rules = append(rules, saved)
		}
		if err := s.putDoc(ctx, tx, KeyRules, rules); err != nil {
			return err
		}
		*r = saved
		return nil
	})
}

// SetRuleEnabled flips the enabled flag and returns the updated rule.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) (*model.Rule, error) {
	var out model.Rule
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var rules []model.Rule
		if _, err := getDoc(ctx, tx, KeyRules, &rules); err != nil {
			return err
		}
		i := indexRule(rules, id)
		if i < 0 {
			return fmt.Errorf("store: rule %s: %w", id, ErrNotFound)
		}
		rules[i].Enabled = enabled
		rules[i].UpdatedAt = s.now().UTC()
		out = rules[i]
		return s.putDoc(ctx, tx, KeyRules, rules)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRule removes the rule and its snapshot in one transaction. The
// snapshot is purged even when the rule is already gone; ErrNotFound is
// still reported in that case.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	found := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var rules []model.Rule
		if _, err := getDoc(ctx, tx, KeyRules, &rules); err != nil {
			return err
		}
		found = false
		if i := indexRule(rules, id); i >= 0 {
			found = true
			rules = append(rules[:i], rules[i+1:]...)
			if err := s.putDoc(ctx, tx, KeyRules, rules); err != nil {
				return err
			}
		}
		return s.deleteSnapshot(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("store: rule %s: %w", id, ErrNotFound)
	}
	s.logger.Info("store: rule deleted", "rule_id", id)
	return nil
}

func indexRule(rules []model.Rule, id string) int {
	for i := range rules {
		if rules[i].ID == id {
			return i
		}
	}
	return -1
}
