// Package model defines the data shared by every pagehook component: rules
// and their destinations, delivery log entries, settings, and the webhook
// payload. It is the persisted contract: field names and JSON tags match
// what the store holds and what surfaces exchange.
package model

import "time"

// TriggerKind is the category of page event a rule reacts to.
type TriggerKind string

const (
	TriggerPageVisit     TriggerKind = "page_visit"
	TriggerContentChange TriggerKind = "dom_change"
	TriggerClick         TriggerKind = "click"
	TriggerFormSubmit    TriggerKind = "form_submit"
	TriggerPeriodicCheck TriggerKind = "periodic_check"
)

// Known reports whether k is one of the five trigger kinds.
func (k TriggerKind) Known() bool {
	switch k {
	case TriggerPageVisit, TriggerContentChange, TriggerClick, TriggerFormSubmit, TriggerPeriodicCheck:
		return true
	}
	return false
}

// NeedsSelector reports whether rules of this kind target an element.
func (k TriggerKind) NeedsSelector() bool {
	return k == TriggerContentChange || k == TriggerClick || k == TriggerFormSubmit
}

// NeedsInterval reports whether rules of this kind run on a timer.
func (k TriggerKind) NeedsInterval() bool {
	return k == TriggerPeriodicCheck
}

// PayloadFormat selects how a destination receives the payload.
type PayloadFormat string

const (
	// FormatJSON posts the full structured payload.
	FormatJSON PayloadFormat = "generic"
	// FormatText posts {"text": "..."} for chat-style receivers.
	FormatText PayloadFormat = "text"
)

// Destination is the HTTP endpoint a rule delivers to. Owned by its rule.
type Destination struct {
	ID      string            `json:"id"`
	Type    PayloadFormat     `json:"type"`
	URL     string            `json:"url"`
	Label   string            `json:"label"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Format returns the payload format, defaulting to structured JSON.
func (d Destination) Format() PayloadFormat {
	if d.Type == "" {
		return FormatJSON
	}
	return d.Type
}

// Rule binds a trigger on pages matching URLPattern to a Destination.
type Rule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	Trigger         TriggerKind `json:"trigger"`
	URLPattern      string      `json:"urlPattern"`
	Selector        string      `json:"selector,omitempty"`
	IntervalMinutes int         `json:"intervalMinutes,omitempty"`
	Destination     Destination `json:"destination"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Interval returns the periodic-check interval as a duration (0 if unset).
func (r *Rule) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}
