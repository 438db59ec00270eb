package workerlog

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
	xunicode "golang.org/x/text/encoding/unicode"
)

// decodeText decodes b as UTF-8. Invalid sequences become U+FFFD; a
// multi-byte character split across two chunks is therefore replaced on
// both sides rather than rejoined.
func decodeText(b []byte) string {
	out, err := xunicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}

// decodePlain turns a plain-text chunk into sanitized text.
func decodePlain(b []byte, stripANSI bool) string {
	text := decodeText(b)
	if stripANSI {
		text = ansi.Strip(text)
	}
	return sanitize(text)
}

// sanitize escapes control and bidi-override characters so that worker
// output cannot drive the terminal or forge log lines. Newlines, carriage
// returns and tabs are kept.
func sanitize(s string) string {
	if strings.IndexFunc(s, needsEscape) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch {
		case !needsEscape(r):
			b.WriteRune(r)
		case r < 0x100:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String()
}

func needsEscape(r rune) bool {
	switch r {
	case '\n', '\r', '\t':
		return false
	}
	return unicode.IsControl(r) || unicode.Is(unicode.Bidi_Control, r)
}

// quoteOpaque renders raw bytes verbatim as a Go-quoted string.
func quoteOpaque(b []byte) string {
	return strconv.Quote(string(b))
}
