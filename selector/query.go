package selector

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// compound is one step of a selector chain: tag, #id, .classes,
// [attr="value"] and :nth-child(n), all optional.
type compound struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	nth     int
}

// Query returns the first element in document order matched by sel, or nil.
// It understands the selector shapes Generate emits joined by child
// combinators, and applies standard CSS semantics: :nth-child counts every
// element sibling, as document.querySelector does.
func Query(doc *html.Node, sel string) (*html.Node, error) {
	chain, err := parse(sel)
	if err != nil {
		return nil, err
	}
	var found *html.Node
	walk(doc, func(el *html.Node) bool {
		if matchChain(el, chain) {
			found = el
			return false
		}
		return true
	})
	return found, nil
}

func matchChain(el *html.Node, chain []compound) bool {
	cur := el
	for i := len(chain) - 1; i >= 0; i-- {
		if cur == nil || !chain[i].match(cur) {
			return false
		}
		cur = parentElement(cur)
	}
	return true
}

func (c compound) match(el *html.Node) bool {
	if c.tag != "" && el.Data != c.tag {
		return false
	}
	if c.id != "" && attr(el, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 && !hasClasses(el, c.classes) {
		return false
	}
	if c.attrKey != "" && attr(el, c.attrKey) != c.attrVal {
		return false
	}
	if c.nth > 0 && elementIndex(el) != c.nth {
		return false
	}
	return true
}

func elementIndex(el *html.Node) int {
	idx := 0
	for sib := el.Parent.FirstChild; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.ElementNode {
			idx++
		}
		if sib == el {
			return idx
		}
	}
	return 0
}

func parse(sel string) ([]compound, error) {
	var chain []compound
	s := strings.TrimSpace(sel)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '>') {
			i++
		}
		if i >= len(s) {
			break
		}
		var c compound
		start := i
		for i < len(s) && s[i] != ' ' && s[i] != '>' {
			switch s[i] {
			case '#':
				var raw string
				raw, i = readIdent(s, i+1)
				c.id = Unescape(raw)
			case '.':
				var raw string
				raw, i = readIdent(s, i+1)
				c.classes = append(c.classes, Unescape(raw))
			case '[':
				end := strings.Index(s[i:], `"]`)
				eq := strings.Index(s[i:], `="`)
				if end < 0 || eq < 0 || eq > end {
					return nil, fmt.Errorf("selector: malformed attribute in %q", sel)
				}
				c.attrKey = s[i+1 : i+eq]
				c.attrVal = Unescape(s[i+eq+2 : i+end])
				i += end + 2
			case ':':
				const prefix = ":nth-child("
				if !strings.HasPrefix(s[i:], prefix) {
					return nil, fmt.Errorf("selector: unsupported pseudo-class in %q", sel)
				}
				close := strings.IndexByte(s[i:], ')')
				if close < 0 {
					return nil, fmt.Errorf("selector: unterminated :nth-child in %q", sel)
				}
				n, err := strconv.Atoi(s[i+len(prefix) : i+close])
				if err != nil {
					return nil, fmt.Errorf("selector: bad :nth-child index in %q: %w", sel, err)
				}
				c.nth = n
				i += close + 1
			default:
				var raw string
				raw, i = readIdent(s, i)
				c.tag = strings.ToLower(Unescape(raw))
			}
		}
		if i == start {
			return nil, fmt.Errorf("selector: empty step in %q", sel)
		}
		chain = append(chain, c)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("selector: empty selector")
	}
	return chain, nil
}

// readIdent reads an identifier with CSS escapes starting at i and returns
// the raw (still escaped) text and the index after it.
func readIdent(s string, i int) (string, int) {
	start := i
	for i < len(s) {
		switch s[i] {
		case '\\':
			i++
			if i < len(s) && isHex(s[i]) {
				n := 0
				for i < len(s) && n < 6 && isHex(s[i]) {
					i++
					n++
				}
				if i < len(s) && s[i] == ' ' {
					i++
				}
			} else if i < len(s) {
				i++
			}
			continue
		case '#', '.', '[', ':', ' ', '>':
			return s[start:i], i
		}
		i++
	}
	return s[start:i], i
}

// FindByText returns the deepest element whose text content contains
// needle, preferring the first in document order. Script and style
// contents are ignored.
func FindByText(doc *html.Node, needle string) *html.Node {
	if needle == "" {
		return nil
	}
	return findByText(doc, needle)
}

func findByText(n *html.Node, needle string) *html.Node {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByText(c, needle); found != nil {
			return found
		}
	}
	if n.Type == html.ElementNode && strings.Contains(visibleText(n), needle) {
		return n
	}
	return nil
}

func visibleText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style"):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

// TextContent concatenates every text node under n, like DOM textContent.
func TextContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}
