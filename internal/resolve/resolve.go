// Package resolve binds the fields of a matched constructor tree to
// operand values: registers, immediates, addresses and subtables.
package resolve

import (
	"errors"
	"fmt"

	"hutch/internal/match"
	"hutch/internal/sla"
	"hutch/internal/space"
)

var (
	// ErrUndefinedEncoding means the bits matched a pattern but select no
	// defined operand, such as an attach entry left empty.
	ErrUndefinedEncoding = errors.New("undefined encoding")
	// ErrResolve means an operand expression could not be evaluated.
	ErrResolve = errors.New("cannot resolve operand")
)

type ValueKind int

const (
	ValueInteger ValueKind = iota
	ValueRegister
	ValueAddress
	ValueSubtable
)

// Value is a resolved operand.
type Value struct {
	Kind     ValueKind
	Raw      uint64 // integer value, address offset, or the field value of a register
	Signed   bool
	Size     int // 0 when the operand leaves its size to the context it is used in
	Register int
	Space    space.Space
	Sub      *Node
}

// Int returns the value as a signed integer when the operand is signed.
func (v Value) Int() int64 {
	if v.Signed && v.Size > 0 {
		return space.SignExtend(v.Raw, 8*v.Size)
	}
	return int64(v.Raw)
}

// Node is a constructor with its operands resolved.
type Node struct {
	Match       *match.Node
	Constructor *sla.Constructor
	Operands    []Value
}

// Commit is a persistent context change requested by an instruction.
type Commit struct {
	Field int
	Value uint64
}

// Instruction is a fully resolved decode of one instruction.
type Instruction struct {
	Spec    *sla.Spec
	Address space.Address
	Length  int
	Bytes   []byte
	Root    *Node
	Commits []Commit
}

// Next returns the address following the instruction.
func (in *Instruction) Next() space.Address { return in.Address.Add(uint64(in.Length)) }

// Varnode returns the storage or constant an operand denotes. Subtable
// operands have no direct varnode; the emitter uses their export.
func (in *Instruction) Varnode(v Value) (space.Varnode, bool) {
	switch v.Kind {
	case ValueRegister:
		return in.Spec.RegisterVarnode(v.Register), true
	case ValueAddress:
		return space.Varnode{Space: v.Space, Offset: v.Raw, Size: v.Size}, true
	case ValueInteger:
		return space.Varnode{Space: space.Const, Offset: space.Truncate(v.Raw, v.Size), Size: v.Size}, true
	}
	return space.Varnode{}, false
}

// Resolve evaluates every operand of m for an instruction at addr. buf
// starts at the instruction's first byte.
func Resolve(s *sla.Spec, m *match.Result, buf []byte, addr space.Address) (*Instruction, error) {
	in := &Instruction{
		Spec:    s,
		Address: addr,
		Length:  m.Length,
		Bytes:   buf[:m.Length],
	}
	r := &resolver{in: in}
	root, err := r.node(m.Root)
	if err != nil {
		return nil, err
	}
	in.Root = root
	return in, nil
}

type resolver struct {
	in *Instruction
}

func (r *resolver) node(mn *match.Node) (*Node, error) {
	c := mn.Constructor
	n := &Node{Match: mn, Constructor: c, Operands: make([]Value, len(c.Operands))}
	env := &env{r: r, n: n, done: make([]bool, len(c.Operands))}
	for i := range c.Operands {
		if _, err := env.operand(i); err != nil {
			return nil, err
		}
	}
	for _, cm := range c.Commit {
		v, err := cm.Expr.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("%w: commit %s: %v", ErrResolve, r.in.Spec.Context[cm.Field].Name, err)
		}
		r.in.Commits = append(r.in.Commits, Commit{Field: cm.Field, Value: uint64(v)})
	}
	for i, op := range c.Operands {
		if op.Kind != sla.OperandTable {
			continue
		}
		sub, err := r.node(mn.Children[i])
		if err != nil {
			return nil, err
		}
		n.Operands[i] = Value{Kind: ValueSubtable, Sub: sub}
	}
	return n, nil
}

// env evaluates operand expressions for one node, resolving operands on
// demand so expressions may refer to any earlier operand.
type env struct {
	r    *resolver
	n    *Node
	done []bool
}

func (e *env) spec() *sla.Spec { return e.r.in.Spec }

func (e *env) operand(i int) (Value, error) {
	if e.done[i] {
		return e.n.Operands[i], nil
	}
	s := e.spec()
	op := &e.n.Constructor.Operands[i]
	var v Value
	switch op.Kind {
	case sla.OperandTable:
		e.done[i] = true
		return Value{Kind: ValueSubtable}, nil
	case sla.OperandField:
		f := &s.Fields[op.Field]
		raw := f.Extract(e.token(op.Segment, op.Field))
		if f.Attach >= 0 {
			regs := s.Attaches[f.Attach].Registers
			if raw >= uint64(len(regs)) || regs[raw] < 0 {
				return Value{}, fmt.Errorf("%w: %s=%d", ErrUndefinedEncoding, f.Name, raw)
			}
			reg := regs[raw]
			v = Value{Kind: ValueRegister, Raw: raw, Register: reg, Size: s.Registers[reg].Size}
		} else {
			v = Value{Kind: ValueInteger, Raw: raw, Signed: op.Signed, Size: op.Size}
			if f.Signed {
				v.Raw = uint64(f.Int(e.token(op.Segment, op.Field)))
			}
		}
	case sla.OperandConst:
		v = Value{Kind: ValueInteger, Raw: op.Value, Signed: op.Signed, Size: op.Size}
	case sla.OperandExpr:
		x, err := op.Expr.Eval(e)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s: %v", ErrResolve, op.Name, err)
		}
		v = Value{Kind: ValueInteger, Raw: uint64(x), Signed: op.Signed, Size: op.Size}
	}
	if op.Space > 0 && v.Kind == ValueInteger {
		sp := s.Spaces[op.Space]
		v = Value{Kind: ValueAddress, Raw: sp.Wrap(v.Raw), Size: op.Size, Space: sp}
	} else if v.Kind == ValueInteger && v.Size > 0 && !v.Signed {
		v.Raw = space.Truncate(v.Raw, v.Size)
	}
	e.n.Operands[i] = v
	e.done[i] = true
	return v, nil
}

func (e *env) token(seg, field int) uint64 {
	s := e.spec()
	tok := &s.Tokens[s.Fields[field].Token]
	off := e.n.Match.Segments[seg]
	return tok.ReadToken(e.r.in.Bytes[off:])
}

func (e *env) OperandValue(i int) (int64, error) {
	v, err := e.operand(i)
	if err != nil {
		return 0, err
	}
	if v.Kind == ValueSubtable {
		return 0, fmt.Errorf("subtable operand %s has no value", e.n.Constructor.Operands[i].Name)
	}
	if v.Kind == ValueInteger {
		return v.Int(), nil
	}
	return int64(v.Raw), nil
}

func (e *env) FieldValue(seg, field int) (int64, error) {
	f := &e.spec().Fields[field]
	return f.Int(e.token(seg, field)), nil
}

func (e *env) ContextValue(field int) int64 {
	return e.n.Match.Context.Int(&e.spec().Context[field])
}

func (e *env) InstStart() uint64 { return e.r.in.Address.Offset }

func (e *env) InstNext() uint64 { return e.r.in.Next().Offset }
