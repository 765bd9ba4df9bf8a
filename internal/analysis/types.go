package analysis

import (
	"fmt"
	"strings"

	"hutch/internal/pcode"
)

// CallFinding is a control transfer out of the traced instruction.
type CallFinding struct {
	CallVA   uint64     // address of the transferring instruction
	TargetVA uint64     // destination, when known
	Flow     pcode.Flow // call, branch, cbranch, ...
	Target   string     // demangled symbol name, "indirect" or ""
	Symbol   string     // original symbol name
	Comment  string
}

// AnnotatedInst is one decoded instruction with its annotations.
type AnnotatedInst struct {
	VA          uint64
	Bytes       []byte
	Mnemonic    string
	Operands    string
	Pcode       []string
	Annotations []string
	Err         error // set for undecodable bytes
}

// String formats the instruction with annotations after column 50.
// This returns plain text; colour is applied after formatting.
func (a AnnotatedInst) String() string {
	addr := fmt.Sprintf("%x", a.VA)
	if a.Err != nil {
		return fmt.Sprintf("%-10s %-6s %-32s ; %v", addr, "??", fmt.Sprintf("% x", a.Bytes), a.Err)
	}
	base := fmt.Sprintf("%-10s %-6s %-32s", addr, a.Mnemonic, a.Operands)
	if len(a.Annotations) > 0 {
		return fmt.Sprintf("%s ; %s", base, strings.Join(a.Annotations, ", "))
	}
	return strings.TrimRight(base, " ")
}

// Result contains both the annotated listing and the control-flow findings.
type Result struct {
	Listing  []AnnotatedInst
	Findings []CallFinding
}
