package model

// Change describes what happened. Type is one of "mutation", "submit",
// "click", "visit" or "scheduled".
type Change struct {
	Type     string `json:"type"`
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current,omitempty"`
}

// Payload is the structured webhook body.
type Payload struct {
	Event     TriggerKind   `json:"event"`
	Rule      PayloadRule   `json:"rule"`
	Source    PayloadSource `json:"source"`
	Change    Change        `json:"change"`
	Timestamp string        `json:"timestamp"`
	Meta      PayloadMeta   `json:"meta"`
	PoweredBy string        `json:"powered_by"`
}

type PayloadRule struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PayloadSource struct {
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

type PayloadMeta struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}
