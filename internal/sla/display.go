package sla

import (
	"fmt"
	"strings"
)

// compileDisplay splits "mnemonic {op}, {op}" into literal and operand pieces.
func (sc *scope) compileDisplay(tmpl string) ([]DisplayPiece, error) {
	var pieces []DisplayPiece
	for rest := tmpl; rest != ""; {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			pieces = append(pieces, DisplayPiece{Literal: rest, Operand: -1})
			break
		}
		if open > 0 {
			pieces = append(pieces, DisplayPiece{Literal: rest[:open], Operand: -1})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated operand in display %q", tmpl)
		}
		name := strings.TrimSpace(rest[open+1 : open+end])
		i, ok, err := sc.operand(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("display references unknown operand %q", name)
		}
		pieces = append(pieces, DisplayPiece{Operand: i})
		rest = rest[open+end+1:]
	}
	return pieces, nil
}

// Mnemonic returns the leading literal word of the display template.
func (c *Constructor) Mnemonic() string {
	if len(c.Display) == 0 || c.Display[0].Operand >= 0 {
		return ""
	}
	word, _, _ := strings.Cut(strings.TrimSpace(c.Display[0].Literal), " ")
	return word
}
