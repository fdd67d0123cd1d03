package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/pagehook/model"
)

// MaxValueLength is the rune limit for values in the flattened text format.
const MaxValueLength = 200

// Body serialises p for the destination's payload format.
func Body(d model.Destination, p model.Payload) ([]byte, error) {
	if d.Format() == model.FormatText {
		return json.Marshal(struct {
			Text string `json:"text"`
		}{FormatText(p)})
	}
	return json.Marshal(p)
}

// FormatText renders p as a short multi-line summary for chat receivers.
func FormatText(p model.Payload) string {
	lines := []string{fmt.Sprintf("[%s] %s", p.Rule.Name, p.Event)}
	if p.Change.Current != "" {
		lines = append(lines, sanitize(p.Change.Current))
	}
	if p.Change.Previous != "" {
		lines = append(lines, "Previous: "+sanitize(p.Change.Previous))
	}
	lines = append(lines, "Source: "+p.Source.URL)
	return strings.Join(lines, "\n")
}

// sanitize collapses whitespace runs to one space and truncates to
// MaxValueLength runes, marking the cut with an ellipsis.
func sanitize(v string) string {
	collapsed := strings.Join(strings.Fields(v), " ")
	runes := []rune(collapsed)
	if len(runes) <= MaxValueLength {
		return collapsed
	}
	return string(runes[:MaxValueLength]) + "…"
}
