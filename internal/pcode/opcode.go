// Package pcode holds the micro-operation vocabulary produced by the lifter.
package pcode

import "fmt"

// Opcode is the tag of a p-code operation.
type Opcode uint8

const (
	Invalid Opcode = iota
	Copy
	Load
	Store
	Branch
	CBranch
	BranchInd
	Call
	CallInd
	CallOther
	Return
	IntEqual
	IntNotEqual
	IntSLess
	IntSLessEqual
	IntLess
	IntLessEqual
	IntZext
	IntSext
	IntAdd
	IntSub
	IntCarry
	IntSCarry
	IntSBorrow
	Int2Comp
	IntNegate
	IntXor
	IntAnd
	IntOr
	IntLeft
	IntRight
	IntSRight
	IntMult
	IntDiv
	IntSDiv
	IntRem
	IntSRem
	BoolNegate
	BoolXor
	BoolAnd
	BoolOr
	Piece
	Subpiece
	Popcount

	numOpcodes
)

var opNames = [numOpcodes]string{
	Invalid:       "INVALID",
	Copy:          "COPY",
	Load:          "LOAD",
	Store:         "STORE",
	Branch:        "BRANCH",
	CBranch:       "CBRANCH",
	BranchInd:     "BRANCHIND",
	Call:          "CALL",
	CallInd:       "CALLIND",
	CallOther:     "CALLOTHER",
	Return:        "RETURN",
	IntEqual:      "INT_EQUAL",
	IntNotEqual:   "INT_NOTEQUAL",
	IntSLess:      "INT_SLESS",
	IntSLessEqual: "INT_SLESSEQUAL",
	IntLess:       "INT_LESS",
	IntLessEqual:  "INT_LESSEQUAL",
	IntZext:       "INT_ZEXT",
	IntSext:       "INT_SEXT",
	IntAdd:        "INT_ADD",
	IntSub:        "INT_SUB",
	IntCarry:      "INT_CARRY",
	IntSCarry:     "INT_SCARRY",
	IntSBorrow:    "INT_SBORROW",
	Int2Comp:      "INT_2COMP",
	IntNegate:     "INT_NEGATE",
	IntXor:        "INT_XOR",
	IntAnd:        "INT_AND",
	IntOr:         "INT_OR",
	IntLeft:       "INT_LEFT",
	IntRight:      "INT_RIGHT",
	IntSRight:     "INT_SRIGHT",
	IntMult:       "INT_MULT",
	IntDiv:        "INT_DIV",
	IntSDiv:       "INT_SDIV",
	IntRem:        "INT_REM",
	IntSRem:       "INT_SREM",
	BoolNegate:    "BOOL_NEGATE",
	BoolXor:       "BOOL_XOR",
	BoolAnd:       "BOOL_AND",
	BoolOr:        "BOOL_OR",
	Piece:         "PIECE",
	Subpiece:      "SUBPIECE",
	Popcount:      "POPCOUNT",
}

var opByName map[string]Opcode

func init() {
	opByName = make(map[string]Opcode, numOpcodes)
	for op := Opcode(1); op < numOpcodes; op++ {
		opByName[opNames[op]] = op
	}
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opNames[op]
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(op))
}

// Lookup returns the opcode with the given listing name, e.g. "INT_ADD".
func Lookup(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// Shape describes the operand arity an opcode accepts.
type Shape struct {
	MinInputs int
	MaxInputs int // -1 means unbounded
	Output    Presence
}

// Presence says whether an operation writes an output varnode.
type Presence int

const (
	OutputNever Presence = iota
	OutputAlways
	OutputOptional
)

// ShapeOf returns the arity rules of op.
func ShapeOf(op Opcode) Shape {
	switch op {
	case Copy, IntZext, IntSext, Int2Comp, IntNegate, BoolNegate, Popcount:
		return Shape{1, 1, OutputAlways}
	case Load:
		return Shape{2, 2, OutputAlways}
	case Store:
		return Shape{3, 3, OutputNever}
	case Branch, BranchInd, Call, CallInd, Return:
		return Shape{1, 1, OutputNever}
	case CBranch:
		return Shape{2, 2, OutputNever}
	case CallOther:
		return Shape{1, -1, OutputOptional}
	case IntEqual, IntNotEqual, IntSLess, IntSLessEqual, IntLess, IntLessEqual,
		IntAdd, IntSub, IntCarry, IntSCarry, IntSBorrow, IntXor, IntAnd, IntOr,
		IntLeft, IntRight, IntSRight, IntMult, IntDiv, IntSDiv, IntRem, IntSRem,
		BoolXor, BoolAnd, BoolOr, Piece, Subpiece:
		return Shape{2, 2, OutputAlways}
	}
	return Shape{0, 0, OutputNever}
}

// Flow classifies how an opcode transfers control.
type Flow int

const (
	FlowNone Flow = iota
	FlowBranch
	FlowConditional
	FlowIndirect
	FlowCall
	FlowCallIndirect
	FlowReturn
)

// FlowOf reports the control transfer implied by op.
func FlowOf(op Opcode) Flow {
	switch op {
	case Branch:
		return FlowBranch
	case CBranch:
		return FlowConditional
	case BranchInd:
		return FlowIndirect
	case Call:
		return FlowCall
	case CallInd:
		return FlowCallIndirect
	case Return:
		return FlowReturn
	}
	return FlowNone
}

var flowNames = [...]string{"fallthrough", "branch", "cbranch", "indirect", "call", "callind", "return"}

func (f Flow) String() string {
	if int(f) < len(flowNames) {
		return flowNames[f]
	}
	return "unknown"
}

// IsBoolean reports whether op produces a one byte boolean.
func IsBoolean(op Opcode) bool {
	switch op {
	case IntEqual, IntNotEqual, IntSLess, IntSLessEqual, IntLess, IntLessEqual,
		IntCarry, IntSCarry, IntSBorrow, BoolNegate, BoolXor, BoolAnd, BoolOr:
		return true
	}
	return false
}
