// Package selector synthesises CSS selectors that re-locate an element
// across page reloads without prior knowledge of the page structure.
//
// Generate walks a fixed priority chain: id, test-hook attribute, unique
// tag+class compound, then a positional path from the document element.
// It works on golang.org/x/net/html trees so the same code serves the
// browser DOM (serialised from the tab) and plain HTTP fetches.
package selector

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// TestHooks are the test-hook attributes recognised, in priority order.
var TestHooks = []string{"data-testid", "data-cy", "data-test", "data-qa"}

// Generate returns a non-empty selector for n. It is deterministic for a
// given tree shape. n must be an element node.
func Generate(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		return "#" + Escape(id)
	}

	for _, hook := range TestHooks {
		if v := attr(n, hook); v != "" {
			return fmt.Sprintf(`[%s="%s"]`, hook, Escape(v))
		}
	}

	if classes := strings.Fields(attr(n, "class")); len(classes) > 0 {
		var b strings.Builder
		b.WriteString(n.Data)
		for _, c := range classes {
			b.WriteByte('.')
			b.WriteString(Escape(c))
		}
		if countCompound(root(n), n.Data, classes) == 1 {
			return b.String()
		}
	}

	return nthChildPath(n)
}

// nthChildPath walks from n up to, but excluding, the document element.
// A positional index is added when the parent has more than one child with
// the same tag; the index is the 1-based rank among those same-tag siblings.
func nthChildPath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && !isDocumentElement(cur); {
		tag := cur.Data
		parent := parentElement(cur)
		if parent == nil {
			parts = append(parts, tag)
			break
		}

		rank, total := 0, 0
		for sib := parent.FirstChild; sib != nil; sib = sib.NextSibling {
			if sib.Type != html.ElementNode || sib.Data != tag {
				continue
			}
			total++
			if sib == cur {
				rank = total
			}
		}
		if total > 1 {
			parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", tag, rank))
		} else {
			parts = append(parts, tag)
		}
		cur = parent
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if len(parts) == 0 {
		// n is the document element itself.
		return n.Data
	}
	return strings.Join(parts, " > ")
}

// countCompound counts elements under top with the given tag that carry
// every class in classes.
func countCompound(top *html.Node, tag string, classes []string) int {
	count := 0
	walk(top, func(el *html.Node) bool {
		if el.Data == tag && hasClasses(el, classes) {
			count++
		}
		return true
	})
	return count
}

func hasClasses(n *html.Node, classes []string) bool {
	have := strings.Fields(attr(n, "class"))
	for _, want := range classes {
		found := false
		for _, h := range have {
			if h == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func parentElement(n *html.Node) *html.Node {
	if n.Parent != nil && n.Parent.Type == html.ElementNode {
		return n.Parent
	}
	return nil
}

func isDocumentElement(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Parent != nil && n.Parent.Type == html.DocumentNode
}

func root(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

// walk visits element nodes under n in document order until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if n.Type == html.ElementNode && !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}
