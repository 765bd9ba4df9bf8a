package pcode

import (
	"fmt"
	"strings"

	"hutch/internal/space"
)

// Op is one emitted micro-operation.
type Op struct {
	Seq    int // index within the owning instruction
	Opcode Opcode
	Output *space.Varnode
	Inputs []space.Varnode
}

// RegisterNamer resolves register-space varnodes to names.
type RegisterNamer interface {
	RegisterName(v space.Varnode) (string, bool)
}

// String prints the op with raw offsets.
func (op Op) String() string { return op.Format(nil) }

// Format prints the op as "(space,offset,size) = OPCODE (..) (..)"; register
// varnodes are printed by name when names is non-nil.
func (op Op) Format(names RegisterNamer) string {
	var sb strings.Builder
	if op.Output != nil {
		sb.WriteString(FormatVarnode(*op.Output, names))
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Opcode.String())
	for _, in := range op.Inputs {
		sb.WriteByte(' ')
		sb.WriteString(FormatVarnode(in, names))
	}
	return sb.String()
}

// FormatVarnode prints a varnode in the raw listing form.
func FormatVarnode(v space.Varnode, names RegisterNamer) string {
	if names != nil && v.Space.Kind == space.KindRegister {
		if name, ok := names.RegisterName(v); ok {
			return fmt.Sprintf("(%s,%s,%d)", v.Space.Name, name, v.Size)
		}
	}
	return v.String()
}

// Validate checks arity and output presence for op.
func (op Op) Validate() error {
	shape := ShapeOf(op.Opcode)
	if op.Opcode == Invalid || op.Opcode >= numOpcodes {
		return fmt.Errorf("invalid opcode %d", op.Opcode)
	}
	if len(op.Inputs) < shape.MinInputs || (shape.MaxInputs >= 0 && len(op.Inputs) > shape.MaxInputs) {
		return fmt.Errorf("%s: %d inputs", op.Opcode, len(op.Inputs))
	}
	switch shape.Output {
	case OutputAlways:
		if op.Output == nil {
			return fmt.Errorf("%s: missing output", op.Opcode)
		}
	case OutputNever:
		if op.Output != nil {
			return fmt.Errorf("%s: unexpected output", op.Opcode)
		}
	}
	return nil
}

// Target describes where a control-transfer op goes.
type Target struct {
	Flow     Flow
	Address  *space.Varnode // set when the destination is known
	Indirect bool           // set when the destination is computed at run time
}

// TargetOf returns the control-transfer description of op, or false when
// op does not transfer control out of the instruction.
func TargetOf(op Op) (Target, bool) {
	flow := FlowOf(op.Opcode)
	if flow == FlowNone || len(op.Inputs) == 0 {
		return Target{}, false
	}
	dest := op.Inputs[0]
	switch flow {
	case FlowIndirect, FlowCallIndirect, FlowReturn:
		return Target{Flow: flow, Indirect: true}, true
	}
	if dest.IsConstant() {
		// relative branch inside the instruction's own p-code
		return Target{}, false
	}
	return Target{Flow: flow, Address: &dest}, true
}
