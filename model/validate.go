package model

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// MaxNameLength bounds rule names.
const MaxNameLength = 100

// ValidationError reports the first invalid field of a rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model: invalid %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Validate checks the rule invariants: the selector is present iff the
// trigger targets an element and the interval is present iff the trigger
// is periodic.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "Rule name is required")
	}
	if utf8.RuneCountInString(r.Name) > MaxNameLength {
		return invalid("name", fmt.Sprintf("Rule name must be %d characters or less", MaxNameLength))
	}
	if !r.Trigger.Known() {
		return invalid("trigger", fmt.Sprintf("unknown trigger %q", r.Trigger))
	}
	if strings.TrimSpace(r.URLPattern) == "" {
		return invalid("urlPattern", "URL pattern is required")
	}

	hasSelector := strings.TrimSpace(r.Selector) != ""
	switch {
	case r.Trigger.NeedsSelector() && !hasSelector:
		return invalid("selector", "CSS selector is required")
	case !r.Trigger.NeedsSelector() && hasSelector:
		return invalid("selector", fmt.Sprintf("selector not allowed for %s", r.Trigger))
	}

	switch {
	case r.Trigger.NeedsInterval() && r.IntervalMinutes <= 0:
		return invalid("intervalMinutes", "interval must be a positive number of minutes")
	case !r.Trigger.NeedsInterval() && r.IntervalMinutes != 0:
		return invalid("intervalMinutes", fmt.Sprintf("interval not allowed for %s", r.Trigger))
	}

	switch r.Destination.Type {
	case "", FormatJSON, FormatText:
	default:
		return invalid("destination.type", fmt.Sprintf("unknown payload format %q", r.Destination.Type))
	}

	return ValidateWebhookURL(r.Destination.URL)
}

// ValidateWebhookURL requires an absolute http or https URL.
func ValidateWebhookURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return invalid("destination.url", "Webhook URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("destination.url", "Must be a valid URL (http:// or https://)")
	}
	return nil
}
