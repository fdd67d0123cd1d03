package fetcher

import (
	"bytes"

	"golang.org/x/net/html"
)

var shellMarkers = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// IsSufficient reports whether the static HTML carries enough visible text
// to be worked on without running its scripts.
func IsSufficient(body []byte) bool {
	if len(body) < 256 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range shellMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return false
		}
	}

	text, markup := textMarkupRatio(body)
	total := text + markup
	if total == 0 || text < 200 {
		return false
	}
	return float64(text)/float64(total) >= 0.10
}

// textMarkupRatio counts non-space visible text bytes against everything
// else. Script and style bodies count as markup.
func textMarkupRatio(body []byte) (text, markup int) {
	z := html.NewTokenizer(bytes.NewReader(body))
	skip := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return text, markup
		}
		raw := len(z.Raw())
		switch tt {
		case html.StartTagToken:
			if isRawText(z) {
				skip++
			}
			markup += raw
		case html.EndTagToken:
			if isRawText(z) && skip > 0 {
				skip--
			}
			markup += raw
		case html.TextToken:
			if skip > 0 {
				markup += raw
				continue
			}
			text += countNonSpace(z.Text())
		default:
			markup += raw
		}
	}
}

func isRawText(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	return string(name) == "script" || string(name) == "style"
}

func countNonSpace(b []byte) int {
	n := 0
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			n++
		}
	}
	return n
}
