package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagehook/dbopen"
	"github.com/hazyhaar/pagehook/idgen"
	"github.com/hazyhaar/pagehook/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db, WithIDGenerator(idgen.Sequence("id-")))
}

func priceRule() *model.Rule {
	return &model.Rule{
		Name:       "Price watch",
		Enabled:    true,
		Trigger:    model.TriggerContentChange,
		URLPattern: "https://shop.example.com/*",
		Selector:   "#price",
		Destination: model.Destination{
			URL: "https://hooks.example.com/in",
		},
	}
}

func TestRuleCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := priceRule()
	if err := s.SaveRule(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	if r.ID == "" || r.Destination.ID == "" {
		t.Fatalf("ids not assigned: %+v", r)
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		t.Fatal("timestamps not stamped")
	}

	got, err := s.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Price watch" || got.Selector != "#price" {
		t.Errorf("get: got %+v", got)
	}

	// Update in place keeps order and CreatedAt.
	second := priceRule()
	second.Name = "Second"
	if err := s.SaveRule(ctx, second); err != nil {
		t.Fatal(err)
	}
	created := r.CreatedAt
	r.Name = "Renamed"
	r.CreatedAt = time.Time{}
	if err := s.SaveRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	if !r.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created, r.CreatedAt)
	}
	rules, err := s.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0].Name != "Renamed" || rules[1].Name != "Second" {
		t.Fatalf("list: got %+v", rules)
	}

	// Toggle.
	toggled, err := s.SetRuleEnabled(ctx, r.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if toggled.Enabled {
		t.Error("toggle: still enabled")
	}
	if _, err := s.SetRuleEnabled(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("toggle missing: got %v", err)
	}

	if _, err := s.GetRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing: got %v", err)
	}
}

func TestSaveRule_Invalid(t *testing.T) {
	s := testStore(t)
	r := priceRule()
	r.Selector = ""
	err := s.SaveRule(context.Background(), r)
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	rules, _ := s.ListRules(context.Background())
	if len(rules) != 0 {
		t.Fatal("invalid rule was stored")
	}
}

func TestDeleteRule_PurgesSnapshot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := priceRule()
	if err := s.SaveRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSnapshot(ctx, r.ID, "$10"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRule(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("rule still present: %v", err)
	}
	if _, ok, err := s.GetSnapshot(ctx, r.ID); err != nil || ok {
		t.Errorf("snapshot still present: ok=%v err=%v", ok, err)
	}

	if err := s.DeleteRule(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetSnapshot(ctx, "r1"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if err := s.PutSnapshot(ctx, "r1", "$10"); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSnapshot(ctx, "r1", "$12"); err != nil {
		t.Fatal(err)
	}
	text, ok, err := s.GetSnapshot(ctx, "r1")
	if err != nil || !ok || text != "$12" {
		t.Fatalf("get: %q ok=%v err=%v", text, ok, err)
	}

	// Empty text is a real observation, distinct from absence.
	if err := s.PutSnapshot(ctx, "r2", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetSnapshot(ctx, "r2"); !ok {
		t.Error("empty snapshot reported as absent")
	}

	if err := s.DeleteSnapshot(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetSnapshot(ctx, "r1"); ok {
		t.Error("snapshot survived delete")
	}
}

func TestPruneSnapshots(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := priceRule()
	if err := s.SaveRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	s.PutSnapshot(ctx, r.ID, "kept")
	s.PutSnapshot(ctx, "orphan-1", "x")
	s.PutSnapshot(ctx, "orphan-2", "y")

	n, err := s.PruneSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	if _, ok, _ := s.GetSnapshot(ctx, r.ID); !ok {
		t.Error("live snapshot pruned")
	}
}

func TestAppendLog_CapEvictsOldest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	max := 3
	if _, err := s.SaveSettings(ctx, model.SettingsOverride{MaxLogEntries: &max}); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		if _, err := s.AppendLog(ctx, model.LogEntry{RuleID: fmt.Sprintf("r%d", i), Status: model.StatusSuccess}); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := s.ListLogs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("len = %d, want 3", len(logs))
	}
	for i, want := range []string{"r5", "r4", "r3"} {
		if logs[i].RuleID != want {
			t.Errorf("logs[%d].RuleID = %q, want %q", i, logs[i].RuleID, want)
		}
		if logs[i].ID == "" || logs[i].Timestamp.IsZero() {
			t.Errorf("logs[%d] missing id or timestamp", i)
		}
	}

	limited, _ := s.ListLogs(ctx, 1)
	if len(limited) != 1 || limited[0].RuleID != "r5" {
		t.Errorf("limit 1: got %+v", limited)
	}

	if err := s.ClearLogs(ctx); err != nil {
		t.Fatal(err)
	}
	if logs, _ := s.ListLogs(ctx, 0); len(logs) != 0 {
		t.Errorf("after clear: %d entries", len(logs))
	}
}

func TestSaveSettings_TrimsLogs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.AppendLog(ctx, model.LogEntry{RuleID: fmt.Sprint(i)})
	}
	max := 2
	got, err := s.SaveSettings(ctx, model.SettingsOverride{MaxLogEntries: &max})
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxLogEntries != 2 || !got.EnableNotifications {
		t.Fatalf("merged settings: %+v", got)
	}
	logs, _ := s.ListLogs(ctx, 0)
	if len(logs) != 2 || logs[0].RuleID != "3" {
		t.Fatalf("logs after trim: %+v", logs)
	}
}

func TestSettings_DefaultsAndPartialOverride(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != model.DefaultSettings() {
		t.Fatalf("defaults: %+v", got)
	}

	off := false
	if _, err := s.SaveSettings(ctx, model.SettingsOverride{EnableNotifications: &off}); err != nil {
		t.Fatal(err)
	}
	max := 50
	if _, err := s.SaveSettings(ctx, model.SettingsOverride{MaxLogEntries: &max}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Settings(ctx)
	if got.EnableNotifications || got.MaxLogEntries != 50 {
		t.Fatalf("merged: %+v", got)
	}
}

func TestPendingSelection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.TakePendingSelection(ctx); err != nil || ok {
		t.Fatalf("empty: ok=%v err=%v", ok, err)
	}
	want := model.Selection{Selector: "#price", URL: "https://shop.example.com/a", TextPreview: "$10"}
	if err := s.SetPendingSelection(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.TakePendingSelection(ctx)
	if err != nil || !ok || got != want {
		t.Fatalf("take: %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := s.TakePendingSelection(ctx); ok {
		t.Error("selection not consumed")
	}
}

func TestWizardState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := json.RawMessage(`{"step":2,"name":"Price watch"}`)
	if err := s.SaveWizardState(ctx, state); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LoadWizardState(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if string(got) != string(state) {
		t.Errorf("load: got %s", got)
	}
	if err := s.ClearWizardState(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LoadWizardState(ctx); ok {
		t.Error("state survived clear")
	}
}

func TestRulesVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v0, err := s.RulesVersion(ctx)
	if err != nil || v0 != 0 {
		t.Fatalf("initial: %d %v", v0, err)
	}
	r := priceRule()
	s.SaveRule(ctx, r)
	v1, _ := s.RulesVersion(ctx)
	s.PutSnapshot(ctx, r.ID, "x")
	v2, _ := s.RulesVersion(ctx)
	if v1 == v0 || v2 != v1 {
		t.Fatalf("versions: %d %d %d", v0, v1, v2)
	}
	s.SetRuleEnabled(ctx, r.ID, false)
	if v3, _ := s.RulesVersion(ctx); v3 == v2 {
		t.Fatal("toggle did not bump version")
	}
}
