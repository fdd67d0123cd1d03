package model

import (
	"errors"
	"strings"
	"testing"
)

func validRule() Rule {
	return Rule{
		ID:         "r1",
		Name:       "Price watch",
		Enabled:    true,
		Trigger:    TriggerContentChange,
		URLPattern: "https://shop.example.com/*",
		Selector:   "#price",
		Destination: Destination{
			ID:  "d1",
			URL: "https://hooks.example.com/in",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *Rule)
		field string
	}{
		{"valid content change", func(r *Rule) {}, ""},
		{"blank name", func(r *Rule) { r.Name = "  " }, "name"},
		{"long name", func(r *Rule) { r.Name = strings.Repeat("x", 101) }, "name"},
		{"unknown trigger", func(r *Rule) { r.Trigger = "hover" }, "trigger"},
		{"blank pattern", func(r *Rule) { r.URLPattern = "" }, "urlPattern"},
		{"click without selector", func(r *Rule) { r.Trigger = TriggerClick; r.Selector = "" }, "selector"},
		{"visit with selector", func(r *Rule) { r.Trigger = TriggerPageVisit }, "selector"},
		{"visit ok", func(r *Rule) { r.Trigger = TriggerPageVisit; r.Selector = "" }, ""},
		{"periodic without interval", func(r *Rule) { r.Trigger = TriggerPeriodicCheck; r.Selector = "" }, "intervalMinutes"},
		{"periodic ok", func(r *Rule) { r.Trigger = TriggerPeriodicCheck; r.Selector = ""; r.IntervalMinutes = 15 }, ""},
		{"interval on click", func(r *Rule) { r.Trigger = TriggerClick; r.IntervalMinutes = 5 }, "intervalMinutes"},
		{"ftp webhook", func(r *Rule) { r.Destination.URL = "ftp://example.com" }, "destination.url"},
		{"missing webhook", func(r *Rule) { r.Destination.URL = "" }, "destination.url"},
		{"unknown format", func(r *Rule) { r.Destination.Type = "xml" }, "destination.type"},
		{"text format", func(r *Rule) { r.Destination.Type = FormatText }, ""},
		{"default format", func(r *Rule) { r.Destination.Type = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.edit(&r)
			err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field: got %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestSettingsMerge(t *testing.T) {
	off := false
	max := 20

	got := DefaultSettings().Merge(SettingsOverride{})
	if !got.EnableNotifications || got.MaxLogEntries != 500 {
		t.Fatalf("defaults: got %+v", got)
	}

	got = DefaultSettings().Merge(SettingsOverride{EnableNotifications: &off})
	if got.EnableNotifications || got.MaxLogEntries != 500 {
		t.Fatalf("partial: got %+v", got)
	}

	got = DefaultSettings().Merge(SettingsOverride{MaxLogEntries: &max})
	if !got.EnableNotifications || got.MaxLogEntries != 20 {
		t.Fatalf("max only: got %+v", got)
	}

	if DefaultSettings().MaxLogEntries != 500 {
		t.Fatal("defaults mutated by Merge")
	}
}

func TestSettingsPatch(t *testing.T) {
	off := false
	max := 10
	base := SettingsOverride{MaxLogEntries: &max}
	got := base.Patch(SettingsOverride{EnableNotifications: &off})
	if got.MaxLogEntries == nil || *got.MaxLogEntries != 10 {
		t.Fatalf("patch dropped maxLogEntries: %+v", got)
	}
	if got.EnableNotifications == nil || *got.EnableNotifications {
		t.Fatalf("patch did not apply enableNotifications: %+v", got)
	}
}

func TestDestinationFormatDefault(t *testing.T) {
	if f := (Destination{}).Format(); f != FormatJSON {
		t.Fatalf("default format: got %q", f)
	}
	if f := (Destination{Type: FormatText}).Format(); f != FormatText {
		t.Fatalf("text format: got %q", f)
	}
}
