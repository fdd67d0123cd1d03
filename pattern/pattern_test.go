package pattern

import (
	"fmt"
	"testing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		url, pattern string
		want         bool
	}{
		{"https://shop.example.com/item/42", "https://shop.example.com/item/42", true},
		{"https://shop.example.com/item/42", "shop.example.com/*", true},
		{"https://shop.example.com/item/42", "*example.com*", true},
		{"https://shop.example.com/item/42", "*", true},
		{"https://other.org/", "shop.example.com/*", false},
		{"https://example.com/a?b=1", "example.com/a?b=1", true},
		{"https://exampleXcom/", "example.com", false},
		{"https://example.com/(x)", "example.com/(x)", true},
		{"https://example.com/a/b/c", "example.com/*/c", true},
		{"https://example.com/a/b/d", "example.com/*/c", false},
	}
	for _, tt := range tests {
		if got := Match(tt.url, tt.pattern); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.url, tt.pattern, got, tt.want)
		}
	}
}

func TestMatch_ExactURLWithoutWildcard(t *testing.T) {
	urls := []string{
		"https://example.com/",
		"https://example.com/search?q=a+b&x=[1]",
		"http://localhost:8080/a.b|c",
		`https://example.com/path\with\backslash`,
		"https://example.com/$price^",
	}
	for _, u := range urls {
		if !Match(u, u) {
			t.Errorf("Match(%q, itself) = false", u)
		}
	}
}

func TestMatch_DistinctPatterns(t *testing.T) {
	for i := range 2000 {
		u := fmt.Sprintf("https://site%d.example.com/p", i)
		if !Match(u, fmt.Sprintf("site%d.example.com/*", i)) {
			t.Fatalf("pattern %d did not match its own site", i)
		}
		if Match(u, fmt.Sprintf("site%d.example.com/*", i+1)) {
			t.Fatalf("pattern %d matched the next site", i+1)
		}
	}
}

func TestExpr(t *testing.T) {
	if got := Expr("a.b/*"); got != `a\.b/.*` {
		t.Fatalf("Expr = %q", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("  "); err != ErrEmpty {
		t.Fatalf("Validate blank: %v", err)
	}
	if err := Validate("example.com/*"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
