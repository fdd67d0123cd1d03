package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/pagehook/model"
)

// AppendLog prepends e to the log and evicts the oldest entries beyond
// settings.maxLogEntries. Missing id and timestamp are filled in.
func (s *Store) AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error) {
	if e.ID == "" {
		e.ID = s.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		settings, err := s.settings(ctx, tx)
		if err != nil {
			return err
		}
		var logs []model.LogEntry
		if _, err := getDoc(ctx, tx, KeyLogs, &logs); err != nil {
			return err
		}
		logs = append([]model.LogEntry{e}, logs...)
		return s.putDoc(ctx, tx, KeyLogs, capLogs(logs, settings.MaxLogEntries))
	})
	if err != nil {
		return model.LogEntry{}, err
	}
	return e, nil
}

// ListLogs returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	var logs []model.LogEntry
	if _, err := getDoc(ctx, s.DB, KeyLogs, &logs); err != nil {
		return nil, err
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// ClearLogs drops every log entry.
func (s *Store) ClearLogs(ctx context.Context) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.putDoc(ctx, tx, KeyLogs, []model.LogEntry{})
	})
}

func capLogs(logs []model.LogEntry, max int) []model.LogEntry {
	if max > 0 && len(logs) > max {
		return logs[:max]
	}
	return logs
}
