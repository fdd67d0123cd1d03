package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/pagehook/model"
)

// GetSnapshot returns the last observed text for ruleID. ok is false when
// no snapshot exists.
func (s *Store) GetSnapshot(ctx context.Context, ruleID string) (text string, ok bool, err error) {
	snaps := map[string]string{}
	if _, err := getDoc(ctx, s.DB, KeySnapshots, &snaps); err != nil {
		return "", false, err
	}
	text, ok = snaps[ruleID]
	return text, ok, nil
}

// PutSnapshot records text as the last observed content for ruleID.
func (s *Store) PutSnapshot(ctx context.Context, ruleID, text string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		snaps := map[string]string{}
		if _, err := getDoc(ctx, tx, KeySnapshots, &snaps); err != nil {
			return err
		}
		if cur, ok := snaps[ruleID]; ok && cur == text {
			return nil
		}
		snaps[ruleID] = text
		return s.putDoc(ctx, tx, KeySnapshots, snaps)
	})
}

// DeleteSnapshot removes the snapshot for ruleID, if any.
func (s *Store) DeleteSnapshot(ctx context.Context, ruleID string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.deleteSnapshot(ctx, tx, ruleID)
	})
}

func (s *Store) deleteSnapshot(ctx context.Context, tx *sql.Tx, ruleID string) error {
	snaps := map[string]string{}
	if _, err := getDoc(ctx, tx, KeySnapshots, &snaps); err != nil {
		return err
	}
	if _, ok := snaps[ruleID]; !ok {
		return nil
	}
	delete(snaps, ruleID)
	return s.putDoc(ctx, tx, KeySnapshots, snaps)
}

// PruneSnapshots drops snapshots whose rule no longer exists and returns
// how many were removed.
func (s *Store) PruneSnapshots(ctx context.Context) (int, error) {
	removed := 0
	err := s.tx(ctx, func(tx *sql.Tx) error {
		removed = 0
		var rules []model.Rule
		if _, err := getDoc(ctx, tx, KeyRules, &rules); err != nil {
			return err
		}
		snaps := map[string]string{}
		if _, err := getDoc(ctx, tx, KeySnapshots, &snaps); err != nil {
			return err
		}
		for id := range snaps {
			if indexRule(rules, id) < 0 {
				delete(snaps, id)
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		return s.putDoc(ctx, tx, KeySnapshots, snaps)
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("store: pruned dangling snapshots", "count", removed)
	}
	return removed, nil
}
