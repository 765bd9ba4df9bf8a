package sla

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the compiled processor description as it appears on disk.
// Its JSON schema is published by `hutch schema --document`.
type Document struct {
	Name       string        `yaml:"name" json:"name" jsonschema:"title=Name,description=Processor name"`
	Endian     string        `yaml:"endian" json:"endian" jsonschema:"enum=little,enum=big"`
	Alignment  int           `yaml:"alignment,omitempty" json:"alignment,omitempty"`
	UniqueBase Num           `yaml:"unique_base,omitempty" json:"unique_base,omitempty" jsonschema:"description=First offset handed out in the unique space"`
	MaxLength  int           `yaml:"max_length,omitempty" json:"max_length,omitempty" jsonschema:"description=Longest instruction in bytes"`
	Spaces     []SpaceDoc    `yaml:"spaces" json:"spaces"`
	Registers  []RegisterDoc `yaml:"registers" json:"registers"`
	Context    []ContextDoc  `yaml:"context,omitempty" json:"context,omitempty"`
	Attach     []AttachDoc   `yaml:"attach,omitempty" json:"attach,omitempty"`
	Tokens     []TokenDoc    `yaml:"tokens" json:"tokens"`
	UserOps    []string      `yaml:"userops,omitempty" json:"userops,omitempty"`
	Macros     []MacroDoc    `yaml:"macros,omitempty" json:"macros,omitempty"`
	Tables     []TableDoc    `yaml:"tables" json:"tables"`
}

type SpaceDoc struct {
	Name     string `yaml:"name" json:"name"`
	Kind     string `yaml:"kind" json:"kind" jsonschema:"enum=code,enum=ram,enum=register,enum=unique,enum=internal"`
	WordSize int    `yaml:"wordsize,omitempty" json:"wordsize,omitempty"`
	AddrSize int    `yaml:"addrsize" json:"addrsize"`
	Default  bool   `yaml:"default,omitempty" json:"default,omitempty"`
	line     int
}

// RegisterDoc declares one register, or a run of equally sized
// registers starting at Offset when Names is set.
type RegisterDoc struct {
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
	Names  []string `yaml:"names,omitempty" json:"names,omitempty"`
	Offset Num      `yaml:"offset" json:"offset"`
	Size   int      `yaml:"size" json:"size"`
	line   int
}

type ContextDoc struct {
	Name    string `yaml:"name" json:"name"`
	LSB     int    `yaml:"lsb" json:"lsb"`
	MSB     int    `yaml:"msb" json:"msb"`
	Signed  bool   `yaml:"signed,omitempty" json:"signed,omitempty"`
	Default Num    `yaml:"default,omitempty" json:"default,omitempty"`
	line    int
}

type AttachDoc struct {
	Name      string   `yaml:"name" json:"name"`
	Registers []string `yaml:"registers" json:"registers"`
	line      int
}

type TokenDoc struct {
	Name   string     `yaml:"name" json:"name"`
	Size   int        `yaml:"size" json:"size"`
	Endian string     `yaml:"endian,omitempty" json:"endian,omitempty"`
	Fields []FieldDoc `yaml:"fields" json:"fields"`
	line   int
}

type FieldDoc struct {
	Name   string `yaml:"name" json:"name"`
	LSB    int    `yaml:"lsb" json:"lsb"`
	MSB    int    `yaml:"msb" json:"msb"`
	Signed bool   `yaml:"signed,omitempty" json:"signed,omitempty"`
	Attach string `yaml:"attach,omitempty" json:"attach,omitempty"`
	line   int
}

type MacroDoc struct {
	Name   string   `yaml:"name" json:"name"`
	Params []string `yaml:"params,omitempty" json:"params,omitempty"`
	Body   []string `yaml:"body" json:"body"`
	line   int
}

type TableDoc struct {
	Name         string           `yaml:"name" json:"name"`
	Constructors []ConstructorDoc `yaml:"constructors" json:"constructors"`
	line         int
}

type ConstructorDoc struct {
	Pattern   []SegmentDoc      `yaml:"pattern" json:"pattern"`
	Context   map[string]Num    `yaml:"context,omitempty" json:"context,omitempty"`
	Operands  []OperandDoc      `yaml:"operands,omitempty" json:"operands,omitempty"`
	Display   string            `yaml:"display" json:"display"`
	Local     map[string]Num    `yaml:"local,omitempty" json:"local,omitempty"`
	Commit    map[string]string `yaml:"commit,omitempty" json:"commit,omitempty"`
	Semantics []string          `yaml:"semantics,omitempty" json:"semantics,omitempty"`
	Export    string            `yaml:"export,omitempty" json:"export,omitempty"`
	line      int
}

// SegmentDoc is one step of a constructor pattern. A token segment may
// overlay subtables starting at the same offset; a bare table segment
// matches a subtable and binds it to As.
type SegmentDoc struct {
	Token  string         `yaml:"token,omitempty" json:"token,omitempty"`
	Match  map[string]Num `yaml:"match,omitempty" json:"match,omitempty"`
	Tables []string       `yaml:"tables,omitempty" json:"tables,omitempty"`
	Table  string         `yaml:"table,omitempty" json:"table,omitempty"`
	As     string         `yaml:"as,omitempty" json:"as,omitempty"`
}

type OperandDoc struct {
	Name   string `yaml:"name" json:"name"`
	Field  string `yaml:"field,omitempty" json:"field,omitempty"`
	Expr   string `yaml:"expr,omitempty" json:"expr,omitempty"`
	Const  *Num   `yaml:"const,omitempty" json:"const,omitempty"`
	Size   int    `yaml:"size,omitempty" json:"size,omitempty"`
	Space  string `yaml:"space,omitempty" json:"space,omitempty"`
	Signed bool   `yaml:"signed,omitempty" json:"signed,omitempty"`
}

// Num is an unsigned integer that accepts decimal, 0x, 0o and 0b forms,
// and negative values in two's complement.
type Num uint64

func (n *Num) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseNum(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*n = Num(v)
	return nil
}

func parseNum(s string) (uint64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseUint(s[1:], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad number %q", s)
		}
		return -v, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

// The UnmarshalYAML methods below only record line numbers so that
// SpecError can point back into the source.

func (d *SpaceDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain SpaceDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *RegisterDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain RegisterDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *ContextDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain ContextDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *AttachDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain AttachDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *TokenDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain TokenDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *FieldDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain FieldDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *MacroDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain MacroDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *TableDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain TableDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}

func (d *ConstructorDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain ConstructorDoc
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.line = n.Line
	return nil
}
