// Package pattern decides whether a URL falls inside a rule's scope.
//
// A scope pattern is literal text in which "*" matches any substring. The
// match is unanchored: "example.com/*" matches "https://example.com/a".
package pattern

import (
	"errors"
	"regexp"
	"strings"
)

// ErrEmpty is returned by Validate for blank patterns.
var ErrEmpty = errors.New("pattern: empty scope pattern")

// Match reports whether url falls inside pattern. The pattern is compiled
// on every call and nothing is kept between calls. If it cannot be
// compiled the match degrades to plain substring containment.
func Match(url, pattern string) bool {
	re, err := regexp.Compile(Expr(pattern))
	if err != nil {
		return strings.Contains(url, pattern)
	}
	return re.MatchString(url)
}

// Validate rejects blank patterns. Any other text is a valid pattern.
func Validate(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return ErrEmpty
	}
	return nil
}

// Expr returns the regular expression pattern compiles to.
func Expr(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, ".*")
}
