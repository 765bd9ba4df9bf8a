// Package xcheck compares decoded instruction boundaries with
// golang.org/x/arch's reference x86 decoder.
package xcheck

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"hutch/internal/session"
)

// Mismatch is one instruction where the decoders disagree on length.
type Mismatch struct {
	Offset    int
	Length    int
	Text      string
	RefLength int // 0 when the reference decoder rejected the bytes
	RefText   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("+%#x: %q (%d bytes) vs %q (%d bytes)", m.Offset, m.Text, m.Length, m.RefText, m.RefLength)
}

// X86 re-decodes every instruction of res with x86asm in the given mode
// (16, 32 or 64) and reports where the lengths differ.
func X86(res *session.Result, buf []byte, mode int) []Mismatch {
	var out []Mismatch
	for _, insn := range res.Instructions {
		ref, err := x86asm.Decode(buf[insn.Offset:], mode)
		m := Mismatch{Offset: insn.Offset, Length: insn.Length, Text: insn.Text}
		if err != nil {
			m.RefText = err.Error()
			out = append(out, m)
			continue
		}
		if ref.Len != insn.Length {
			m.RefLength = ref.Len
			m.RefText = strings.ToLower(x86asm.IntelSyntax(ref, insn.Address.Offset, nil))
			out = append(out, m)
		}
	}
	return out
}

// Mnemonic returns x86asm's lower-case mnemonic for the instruction at
// the start of buf.
func Mnemonic(buf []byte, mode int) (string, int, error) {
	ref, err := x86asm.Decode(buf, mode)
	if err != nil {
		return "", 0, err
	}
	return strings.ToLower(ref.Op.String()), ref.Len, nil
}
