package analysis

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"hutch/internal/elfx"
)

// EscapeUnprintable returns a string where printable Unicode runes are preserved.
// Control and unprintable runes are escaped as \uXXXX. Invalid UTF-8 is escaped as \xXX.
func EscapeUnprintable(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		switch {
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&sb, "\\x%02X", b[0])
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "\\u%04X", r)
		}
		b = b[size:]
	}
	return sb.String()
}

// CString reads a NUL-terminated string at va. It fails unless at least
// MinStringLength printable bytes precede the terminator.
func CString(img *elfx.Image, va uint64) (string, bool) {
	off, ok := img.VA2Off(va)
	if !ok {
		return "", false
	}
	raw := img.All[off:min(off+MaxStringLength, uint64(len(img.All)))]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		if raw[n] < 0x20 && raw[n] != '\t' && raw[n] != '\n' && raw[n] != '\r' {
			return "", false
		}
		n++
	}
	if n < MinStringLength || n == len(raw) {
		return "", false
	}
	return EscapeUnprintable(raw[:n]), true
}
