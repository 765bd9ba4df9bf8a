// Package sla loads processor descriptions and compiles their
// constructor tables into the constraint forest the matcher walks.
//
// A *Spec is immutable once Load returns; it may be shared by any number
// of concurrent decode sessions.
package sla

import (
	"fmt"

	"hutch/internal/pcode"
	"hutch/internal/space"
)

// Spec is a loaded, validated processor specification. All fields are
// exported so the compiled form can be cached, but nothing may modify
// a Spec after Load returns it.
type Spec struct {
	Name         string
	Source       string
	BigEndian    bool
	Alignment    int
	UniqueBase   uint64
	MaxLength    int
	Spaces       []space.Space // Spaces[0] is the constant space
	DefaultSpace int
	UniqueSpace  int
	RegSpace     int
	Registers    []Register
	Context      []ContextField
	Attaches     []Attach
	Tokens       []Token
	Fields       []Field
	UserOps      []string
	Tables       []Table
	Constructors []Constructor
	Nodes        []Node // decision-tree arena shared by every table
	Root         int    // table holding instructions

	index *index
}

// index holds name lookups rebuilt after load or cache decode.
type index struct {
	registers map[string]int
	regByLoc  map[regLoc]int
	context   map[string]int
	tokens    map[string]int
	fields    map[string]int
	tables    map[string]int
	spaces    map[string]int
	userops   map[string]int
	attaches  map[string]int
}

type regLoc struct {
	off  uint64
	size int
}

type Register struct {
	Name   string
	Offset uint64
	Size   int
}

type ContextField struct {
	Name    string
	LSB     int
	MSB     int
	Signed  bool
	Default uint64
}

// Attach maps a field value to a register index; -1 marks an undefined encoding.
type Attach struct {
	Name      string
	Registers []int
}

type Token struct {
	Name      string
	Size      int
	BigEndian bool
	Fields    []int
}

type Field struct {
	Name   string
	Token  int
	LSB    int
	MSB    int
	Signed bool
	Attach int // -1 when the field is numeric
}

type Table struct {
	Name         string
	Constructors []int
	Root         int // decision-tree node
}

type Constructor struct {
	ID        int
	Table     int
	Location  string
	Segments  []Segment
	Context   []ContextConstraint
	Operands  []Operand
	Display   []DisplayPiece
	Local     []ContextAssign
	Commit    []ContextAssign
	Semantics []Statement
	Export    *VarnodeTemplate
	Pattern   Pattern
	Temps     []Temp
}

// Segment is one pattern step: a token read at the current offset,
// optionally overlaid by subtable operands that start at the same
// offset. Token is -1 for a bare subtable segment.
type Segment struct {
	Token       int
	Constraints []FieldConstraint
	Mask        []byte // per token byte, bits constrained by Constraints
	Value       []byte
	Tables      []int // operand indices
}

type FieldConstraint struct {
	Field int
	Value uint64
}

type ContextConstraint struct {
	Field int
	Value uint64
}

type ContextAssign struct {
	Field int
	Expr  *Expr
}

type OperandKind int

const (
	OperandField OperandKind = iota
	OperandTable
	OperandExpr
	OperandConst
)

type Operand struct {
	Name    string
	Kind    OperandKind
	Field   int // OperandField
	Segment int // segment holding Field
	Table   int // OperandTable
	Expr    *Expr
	Value   uint64 // OperandConst
	Size    int
	Space   int // >0 when the value is an address in Spaces[Space]
	Signed  bool
}

type DisplayPiece struct {
	Literal string
	Operand int // -1 for literals
}

// Pattern is the static part of a constructor's constraints: context
// bits and the instruction bytes at fixed offsets from its start.
type Pattern struct {
	CtxMask  uint64
	CtxValue uint64
	Mask     []byte
	Value    []byte
}

// Temp is a constructor-scoped unique-space temporary.
type Temp struct {
	Name string
	Size int
}

// Statement is one p-code skeleton operation.
type Statement struct {
	Opcode pcode.Opcode
	Output *VarnodeTemplate
	Inputs []VarnodeTemplate
	Text   string
}

type VarnodeKind int

const (
	VarRegister VarnodeKind = iota
	VarConst
	VarTemp
	VarOperand
	VarInstStart
	VarInstNext
	VarSpace   // space id operand of LOAD/STORE
	VarUserOp  // callother index
	VarDynamic // *[space]:size ptr
	VarContext
)

type VarnodeTemplate struct {
	Kind  VarnodeKind
	Index int // register, temp, operand, space, userop or context field
	Value uint64
	Size  int // 0 means inferred at emission time
	Ptr   *VarnodeTemplate
}

// Node is a constraint-forest node. Leaves list candidate constructors
// most specific first; branches dispatch on a bit range of either the
// instruction bytes or the context.
type Node struct {
	Leaf       bool
	Candidates []int
	OnContext  bool
	Offset     int // byte offset from the start of the table's match
	Shift      uint
	Mask       uint64 // applied after Shift
	Children   []int
}

// Space returns the address space with the given index.
func (s *Spec) Space(i int) space.Space { return s.Spaces[i] }

// DefaultCodeSpace returns the space instructions are fetched from.
func (s *Spec) DefaultCodeSpace() space.Space { return s.Spaces[s.DefaultSpace] }

// SpaceByName looks up an address space.
func (s *Spec) SpaceByName(name string) (space.Space, bool) {
	i, ok := s.index.spaces[name]
	if !ok {
		return space.Space{}, false
	}
	return s.Spaces[i], true
}

// RegisterVarnode returns the storage of register r.
func (s *Spec) RegisterVarnode(r int) space.Varnode {
	reg := s.Registers[r]
	return space.Varnode{Space: s.Spaces[s.RegSpace], Offset: reg.Offset, Size: reg.Size}
}

// Register looks a register up by name.
func (s *Spec) Register(name string) (space.Varnode, bool) {
	i, ok := s.index.registers[name]
	if !ok {
		return space.Varnode{}, false
	}
	return s.RegisterVarnode(i), true
}

// RegisterName implements pcode.RegisterNamer.
func (s *Spec) RegisterName(v space.Varnode) (string, bool) {
	if v.Space.Index != s.RegSpace {
		return "", false
	}
	i, ok := s.index.regByLoc[regLoc{v.Offset, v.Size}]
	if !ok {
		return "", false
	}
	return s.Registers[i].Name, true
}

// ContextField looks up a context variable by name.
func (s *Spec) ContextField(name string) (int, bool) {
	i, ok := s.index.context[name]
	return i, ok
}

// TableByName looks up a constructor table.
func (s *Spec) TableByName(name string) (int, bool) {
	i, ok := s.index.tables[name]
	return i, ok
}

// UserOp returns the index of a user-defined operation.
func (s *Spec) UserOp(name string) (int, bool) {
	i, ok := s.index.userops[name]
	return i, ok
}

// Describe returns a short identification of constructor c for messages.
func (s *Spec) Describe(c *Constructor) string {
	return fmt.Sprintf("%s constructor %d (%s)", s.Tables[c.Table].Name, c.ID, c.Location)
}

func (s *Spec) buildIndex() {
	ix := &index{
		registers: make(map[string]int, len(s.Registers)),
		regByLoc:  make(map[regLoc]int, len(s.Registers)),
		context:   make(map[string]int, len(s.Context)),
		tokens:    make(map[string]int, len(s.Tokens)),
		fields:    make(map[string]int, len(s.Fields)),
		tables:    make(map[string]int, len(s.Tables)),
		spaces:    make(map[string]int, len(s.Spaces)),
		userops:   make(map[string]int, len(s.UserOps)),
		attaches:  make(map[string]int, len(s.Attaches)),
	}
	for i, r := range s.Registers {
		ix.registers[r.Name] = i
		loc := regLoc{r.Offset, r.Size}
		if _, dup := ix.regByLoc[loc]; !dup {
			ix.regByLoc[loc] = i
		}
	}
	for i, c := range s.Context {
		ix.context[c.Name] = i
	}
	for i, t := range s.Tokens {
		ix.tokens[t.Name] = i
	}
	for i, f := range s.Fields {
		ix.fields[f.Name] = i
	}
	for i, t := range s.Tables {
		ix.tables[t.Name] = i
	}
	for i, sp := range s.Spaces {
		ix.spaces[sp.Name] = i
	}
	for i, u := range s.UserOps {
		ix.userops[u] = i
	}
	for i, a := range s.Attaches {
		ix.attaches[a.Name] = i
	}
	s.index = ix
}
