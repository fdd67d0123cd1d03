package model

// Selection is an element picked by the user, held until the rule-authoring
// flow consumes it.
type Selection struct {
	Selector    string `json:"selector"`
	URL         string `json:"url"`
	TextPreview string `json:"textPreview,omitempty"`
}
