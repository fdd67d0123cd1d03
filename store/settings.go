package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/hazyhaar/pagehook/model"
)

// Settings returns the defaults merged with the stored override.
func (s *Store) Settings(ctx context.Context) (model.Settings, error) {
	return s.settings(ctx, s.DB)
}

func (s *Store) settings(ctx context.Context, q queryer) (model.Settings, error) {
	var o model.SettingsOverride
	if _, err := getDoc(ctx, q, KeySettings, &o); err != nil {
		return model.Settings{}, err
	}
	return model.DefaultSettings().Merge(o), nil
}

// SaveSettings patches the stored override with o and returns the merged
// result. Lowering maxLogEntries trims the log immediately.
func (s *Store) SaveSettings(ctx context.Context, o model.SettingsOverride) (model.Settings, error) {
	var merged model.Settings
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var stored model.SettingsOverride
		if _, err := getDoc(ctx, tx, KeySettings, &stored); err != nil {
			return err
		}
		stored = stored.Patch(o)
		if err := s.putDoc(ctx, tx, KeySettings, stored); err != nil {
			return err
		}
		merged = model.DefaultSettings().Merge(stored)

		var logs []model.LogEntry
		found, err := getDoc(ctx, tx, KeyLogs, &logs)
		if err != nil || !found || len(logs) <= merged.MaxLogEntries {
			return err
		}
		return s.putDoc(ctx, tx, KeyLogs, capLogs(logs, merged.MaxLogEntries))
	})
	return merged, err
}

// SetPendingSelection stores the element the user just picked.
func (s *Store) SetPendingSelection(ctx context.Context, sel model.Selection) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.putDoc(ctx, tx, KeyPendingSelection, sel)
	})
}

// TakePendingSelection returns and clears the pending selection.
func (s *Store) TakePendingSelection(ctx context.Context) (sel model.Selection, ok bool, err error) {
	err = s.tx(ctx, func(tx *sql.Tx) error {
		found, err := getDoc(ctx, tx, KeyPendingSelection, &sel)
		if err != nil || !found {
			return err
		}
		ok = true
		return deleteDoc(ctx, tx, KeyPendingSelection)
	})
	return sel, ok, err
}

// SaveWizardState stores an opaque resume state for the rule-authoring flow.
func (s *Store) SaveWizardState(ctx context.Context, state json.RawMessage) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.putDoc(ctx, tx, KeyWizardState, state)
	})
}

// LoadWizardState returns the saved resume state, if any.
func (s *Store) LoadWizardState(ctx context.Context) (json.RawMessage, bool, error) {
	var state json.RawMessage
	ok, err := getDoc(ctx, s.DB, KeyWizardState, &state)
	return state, ok, err
}

// ClearWizardState drops the resume state.
func (s *Store) ClearWizardState(ctx context.Context) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return deleteDoc(ctx, tx, KeyWizardState)
	})
}
