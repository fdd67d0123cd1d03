package relay

import (
	"encoding/json"
	"fmt"
)

// Type discriminates relay messages.
type Type string

const (
	ElementSelected    Type = "ELEMENT_SELECTED"
	DOMChanged         Type = "DOM_CHANGED"
	FormSubmitted      Type = "FORM_SUBMITTED"
	ClickEvent         Type = "CLICK_EVENT"
	PageVisited        Type = "PAGE_VISITED"
	InjectSelector     Type = "INJECT_SELECTOR"
	ActivateSelector   Type = "ACTIVATE_SELECTOR"
	DeactivateSelector Type = "DEACTIVATE_SELECTOR"
)

// Message is the envelope every relay participant exchanges.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message of type t.
func NewMessage(t Type, payload any) (Message, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("relay: encode %s: %w", t, err)
	}
	return Message{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload of m into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("relay: decode %s: %w", m.Type, err)
	}
	return nil
}

// ElementSelectedPayload reports a picked element.
type ElementSelectedPayload struct {
	Selector    string `json:"selector"`
	URL         string `json:"url"`
	TextPreview string `json:"textPreview,omitempty"`
}

// DOMChangedPayload reports a content change of a rule's target.
type DOMChangedPayload struct {
	RuleID   string `json:"ruleId"`
	Selector string `json:"selector"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
	URL      string `json:"url"`
}

// FormSubmittedPayload carries the submitted field values.
type FormSubmittedPayload struct {
	RuleID   string            `json:"ruleId"`
	FormData map[string]string `json:"formData"`
	URL      string            `json:"url"`
}

// ClickEventPayload reports a click on a rule's target.
type ClickEventPayload struct {
	RuleID   string `json:"ruleId"`
	Selector string `json:"selector"`
	URL      string `json:"url"`
}

// PageVisitedPayload reports a visit to a page in a rule's scope.
type PageVisitedPayload struct {
	RuleID string `json:"ruleId"`
	URL    string `json:"url"`
}

// InjectSelectorPayload names the tab to arm the element picker in.
type InjectSelectorPayload struct {
	TabID string `json:"tabId"`
}

// Result is what every handler returns.
type Result struct {
	Success bool   `json:"success,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK is the plain success result.
func OK() Result { return Result{Success: true} }

// Skipped reports a message that was accepted but not acted on.
func Skipped() Result { return Result{Skipped: true} }

// Fail wraps err as a result.
func Fail(err error) Result { return Result{Error: err.Error()} }
