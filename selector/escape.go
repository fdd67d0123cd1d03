package selector

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Escape escapes s for use as a CSS identifier, following the CSSOM
// CSS.escape algorithm.
func Escape(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, c := range runes {
		switch {
		case c == 0:
			b.WriteRune(utf8.RuneError)
		case (c >= 0x1 && c <= 0x1f) || c == 0x7f:
			hexEscape(&b, c)
		case i == 0 && c >= '0' && c <= '9':
			hexEscape(&b, c)
		case i == 1 && c >= '0' && c <= '9' && runes[0] == '-':
			hexEscape(&b, c)
		case i == 0 && c == '-' && len(runes) == 1:
			b.WriteString(`\-`)
		case c >= 0x80 || c == '-' || c == '_' ||
			(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			b.WriteRune(c)
		default:
			b.WriteByte('\\')
			b.WriteRune(c)
		}
	}
	return b.String()
}

func hexEscape(b *strings.Builder, c rune) {
	fmt.Fprintf(b, "\\%x ", c)
}

// Unescape reverses Escape (and any CSS identifier escape).
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		j := i + 1
		for j < len(s) && j-i <= 6 && isHex(s[j]) {
			j++
		}
		if j == i+1 {
			// Escaped literal character.
			r, size := utf8.DecodeRuneInString(s[j:])
			b.WriteRune(r)
			i = j + size - 1
			continue
		}
		v, _ := strconv.ParseUint(s[i+1:j], 16, 32)
		b.WriteRune(rune(v))
		if j < len(s) && s[j] == ' ' {
			j++
		}
		i = j - 1
	}
	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
