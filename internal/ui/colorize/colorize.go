// Package colorize highlights assembly listings for terminals.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// NoColorEnv disables all highlighting when set to any value.
const NoColorEnv = "HUTCH_NO_COLOR"

// Enabled reports whether highlighting is on.
func Enabled() bool {
	return os.Getenv(NoColorEnv) == ""
}

// Disable turns highlighting off for the rest of the process.
func Disable() {
	os.Setenv(NoColorEnv, "1")
}

func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "gas"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func listingStyle() *chroma.Style {
	for _, name := range []string{ListingDark.Name, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Assembly highlights a block of Intel-syntax assembly.
func Assembly(code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := assemblyLexer()
	if lexer == nil {
		return code, nil
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, listingStyle(), iterator); err != nil {
		return code, err
	}
	out := buf.String()
	if !strings.HasSuffix(code, "\n") {
		out = strings.TrimSuffix(out, "\n")
	}
	return out, nil
}

// Line highlights one listing line of the form "<address> <assembly>".
// The address is dimmed and the rest goes through the assembly lexer; a
// line whose first word is not an address is highlighted whole.
func Line(line string) string {
	if !Enabled() {
		return line
	}
	addr, rest, ok := strings.Cut(line, " ")
	if !ok || !isAddress(addr) {
		out, _ := Assembly(line)
		return out
	}
	out, _ := Assembly(rest)
	return fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m %s", addr, out)
}

// Pcode dims a raw p-code line so it reads as a comment under its instruction.
func Pcode(line string) string {
	if !Enabled() {
		return line
	}
	return fmt.Sprintf("\033[38;2;106;153;85m%s\033[0m", line)
}

func isAddress(s string) bool {
	if sp, off, ok := strings.Cut(s, ":"); ok {
		if sp == "" {
			return false
		}
		s = off
	}
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHexChar(s[i]) {
			return false
		}
	}
	return true
}

func isHexChar(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

// Strip removes ANSI escape sequences.
func Strip(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

// VisibleWidth counts the runes Strip would keep.
func VisibleWidth(s string) int {
	return len([]rune(Strip(s)))
}
