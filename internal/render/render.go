// Package render turns a resolved instruction's display templates into
// assembly text. It never looks at semantics.
package render

import (
	"fmt"
	"strings"

	"hutch/internal/resolve"
)

// Text is rendered assembly split at the first space.
type Text struct {
	Mnemonic string
	Body     string
}

func (t Text) String() string {
	if t.Body == "" {
		return t.Mnemonic
	}
	return t.Mnemonic + " " + t.Body
}

// Render formats in.
func Render(in *resolve.Instruction) Text {
	var sb strings.Builder
	node(&sb, in, in.Root)
	full := strings.TrimSpace(sb.String())
	mn, body, _ := strings.Cut(full, " ")
	return Text{Mnemonic: mn, Body: strings.TrimSpace(body)}
}

// Operand formats a single resolved operand value.
func Operand(in *resolve.Instruction, v resolve.Value) string {
	var sb strings.Builder
	value(&sb, in, v)
	return sb.String()
}

func node(sb *strings.Builder, in *resolve.Instruction, n *resolve.Node) {
	for _, p := range n.Constructor.Display {
		if p.Operand < 0 {
			sb.WriteString(p.Literal)
			continue
		}
		value(sb, in, n.Operands[p.Operand])
	}
}

func value(sb *strings.Builder, in *resolve.Instruction, v resolve.Value) {
	switch v.Kind {
	case resolve.ValueRegister:
		sb.WriteString(in.Spec.Registers[v.Register].Name)
	case resolve.ValueSubtable:
		node(sb, in, v.Sub)
	default:
		number(sb, v)
	}
}

// number prints hex with a sign. A negative value after a literal "+"
// turns the plus into a minus: "[ebp + -0x8]" reads "[ebp - 0x8]".
func number(sb *strings.Builder, v resolve.Value) {
	if v.Kind == resolve.ValueInteger && v.Signed && v.Int() < 0 {
		mag := uint64(-v.Int())
		text := sb.String()
		trimmed := strings.TrimRight(text, " ")
		if strings.HasSuffix(trimmed, "+") {
			pad := text[len(trimmed):]
			sb.Reset()
			sb.WriteString(trimmed[:len(trimmed)-1])
			sb.WriteString("-")
			sb.WriteString(pad)
			fmt.Fprintf(sb, "0x%x", mag)
			return
		}
		fmt.Fprintf(sb, "-0x%x", mag)
		return
	}
	fmt.Fprintf(sb, "0x%x", v.Raw)
}
