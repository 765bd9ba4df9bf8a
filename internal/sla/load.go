package sla

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"hutch/internal/space"
)

const (
	defaultUniqueBase = 0x1000
	defaultMaxLength  = 16
	rootTableName     = "instruction"
)

// SpecError reports a malformed or ambiguous processor description.
// Nothing is loaded when one is returned.
type SpecError struct {
	Location string
	Reason   string
}

func (e *SpecError) Error() string {
	if e.Location == "" {
		return e.Reason
	}
	return e.Location + ": " + e.Reason
}

// LoadFile reads and loads a processor description from disk.
func LoadFile(path string) (*Spec, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	return Load(src, filepath.Base(path))
}

// Load parses and validates a processor description document. name is
// used in error locations.
func Load(src []byte, name string) (*Spec, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return nil, &SpecError{Location: name, Reason: strings.Join(te.Errors, "; ")}
		}
		return nil, &SpecError{Location: name, Reason: err.Error()}
	}
	l := &loader{doc: &doc, name: name, spec: &Spec{Name: doc.Name, Source: name}}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l.spec, nil
}

type loader struct {
	doc    *Document
	name   string
	spec   *Spec
	macros map[string]*MacroDoc
}

func (l *loader) errorf(line int, format string, args ...any) error {
	loc := l.name
	if line > 0 {
		loc = fmt.Sprintf("%s:%d", l.name, line)
	}
	return &SpecError{Location: loc, Reason: fmt.Sprintf(format, args...)}
}

func (l *loader) load() error {
	s := l.spec
	switch strings.ToLower(l.doc.Endian) {
	case "", "little":
	case "big":
		s.BigEndian = true
	default:
		return l.errorf(0, "endian must be little or big, not %q", l.doc.Endian)
	}
	s.Alignment = max(l.doc.Alignment, 1)
	s.UniqueBase = uint64(l.doc.UniqueBase)
	if s.UniqueBase == 0 {
		s.UniqueBase = defaultUniqueBase
	}
	s.MaxLength = l.doc.MaxLength
	if s.MaxLength <= 0 {
		s.MaxLength = defaultMaxLength
	}
	steps := []func() error{
		l.loadSpaces,
		l.loadRegisters,
		l.loadContext,
		l.loadAttaches,
		l.loadTokens,
		l.loadUserOps,
		l.loadMacros,
		l.declareTables,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	s.buildIndex()
	if err := l.loadConstructors(); err != nil {
		return err
	}
	if err := s.checkRecursion(); err != nil {
		return err
	}
	if err := s.checkExports(); err != nil {
		return err
	}
	for t := range s.Tables {
		if len(s.Tables[t].Constructors) == 0 {
			return l.errorf(l.doc.Tables[t].line, "table %s has no constructors", s.Tables[t].Name)
		}
		if err := s.checkAmbiguity(&s.Tables[t]); err != nil {
			return err
		}
		s.buildForest(t)
	}
	return nil
}

func (l *loader) loadSpaces() error {
	s := l.spec
	s.Spaces = []space.Space{space.Const}
	s.DefaultSpace, s.UniqueSpace, s.RegSpace = -1, -1, -1
	seen := map[string]bool{space.Const.Name: true}
	for _, d := range l.doc.Spaces {
		kind, ok := space.ParseKind(d.Kind)
		if !ok || kind == space.KindConstant {
			return l.errorf(d.line, "space %s: bad kind %q", d.Name, d.Kind)
		}
		if seen[d.Name] {
			return l.errorf(d.line, "duplicate space %s", d.Name)
		}
		seen[d.Name] = true
		if d.AddrSize <= 0 || d.AddrSize > 8 {
			return l.errorf(d.line, "space %s: addrsize must be 1..8", d.Name)
		}
		sp := space.Space{
			Name:      d.Name,
			Kind:      kind,
			Index:     len(s.Spaces),
			WordSize:  max(d.WordSize, 1),
			AddrSize:  d.AddrSize,
			BigEndian: s.BigEndian,
		}
		s.Spaces = append(s.Spaces, sp)
		switch {
		case kind == space.KindCode && (d.Default || s.DefaultSpace < 0):
			s.DefaultSpace = sp.Index
		case kind == space.KindRegister && s.RegSpace < 0:
			s.RegSpace = sp.Index
		case kind == space.KindUnique && s.UniqueSpace < 0:
			s.UniqueSpace = sp.Index
		}
	}
	if s.DefaultSpace < 0 {
		return l.errorf(0, "no code space declared")
	}
	if s.UniqueSpace < 0 {
		s.UniqueSpace = len(s.Spaces)
		s.Spaces = append(s.Spaces, space.Space{
			Name: "unique", Kind: space.KindUnique, Index: s.UniqueSpace, WordSize: 1, AddrSize: 4, BigEndian: s.BigEndian,
		})
	}
	return nil
}

func (l *loader) loadRegisters() error {
	s := l.spec
	if len(l.doc.Registers) > 0 && s.RegSpace < 0 {
		return l.errorf(l.doc.Registers[0].line, "registers declared without a register space")
	}
	seen := make(map[string]bool)
	add := func(line int, name string, off uint64, size int) error {
		if name == "" || name == "_" {
			return nil
		}
		if seen[name] {
			return l.errorf(line, "duplicate register %s", name)
		}
		if size <= 0 {
			return l.errorf(line, "register %s: size must be positive", name)
		}
		seen[name] = true
		s.Registers = append(s.Registers, Register{Name: name, Offset: off, Size: size})
		return nil
	}
	for _, d := range l.doc.Registers {
		if d.Name != "" {
			if err := add(d.line, d.Name, uint64(d.Offset), d.Size); err != nil {
				return err
			}
		}
		for i, n := range d.Names {
			if err := add(d.line, n, uint64(d.Offset)+uint64(i*d.Size), d.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *loader) loadContext() error {
	s := l.spec
	seen := make(map[string]bool)
	for _, d := range l.doc.Context {
		if d.LSB < 0 || d.MSB < d.LSB || d.MSB >= 64 {
			return l.errorf(d.line, "context %s: bits %d..%d outside the 64-bit context word", d.Name, d.LSB, d.MSB)
		}
		if seen[d.Name] {
			return l.errorf(d.line, "duplicate context variable %s", d.Name)
		}
		seen[d.Name] = true
		s.Context = append(s.Context, ContextField{
			Name: d.Name, LSB: d.LSB, MSB: d.MSB, Signed: d.Signed, Default: uint64(d.Default),
		})
	}
	return nil
}

func (l *loader) loadAttaches() error {
	s := l.spec
	regs := make(map[string]int, len(s.Registers))
	for i, r := range s.Registers {
		regs[r.Name] = i
	}
	for _, d := range l.doc.Attach {
		a := Attach{Name: d.Name, Registers: make([]int, len(d.Registers))}
		for i, n := range d.Registers {
			if n == "" || n == "_" {
				a.Registers[i] = -1
				continue
			}
			r, ok := regs[n]
			if !ok {
				return l.errorf(d.line, "attach %s: unknown register %s", d.Name, n)
			}
			a.Registers[i] = r
		}
		s.Attaches = append(s.Attaches, a)
	}
	return nil
}

func (l *loader) loadTokens() error {
	s := l.spec
	attaches := make(map[string]int, len(s.Attaches))
	for i, a := range s.Attaches {
		attaches[a.Name] = i
	}
	fields := make(map[string]bool)
	for ti, d := range l.doc.Tokens {
		if d.Size <= 0 || d.Size > 8 {
			return l.errorf(d.line, "token %s: size must be 1..8 bytes", d.Name)
		}
		tok := Token{Name: d.Name, Size: d.Size, BigEndian: s.BigEndian}
		switch strings.ToLower(d.Endian) {
		case "":
		case "big":
			tok.BigEndian = true
		case "little":
			tok.BigEndian = false
		default:
			return l.errorf(d.line, "token %s: bad endian %q", d.Name, d.Endian)
		}
		for _, fd := range d.Fields {
			if fd.LSB < 0 || fd.MSB < fd.LSB || fd.MSB >= 8*d.Size {
				return l.errorf(fd.line, "field %s: bits %d..%d exceed token %s", fd.Name, fd.LSB, fd.MSB, d.Name)
			}
			if fields[fd.Name] {
				return l.errorf(fd.line, "duplicate field %s", fd.Name)
			}
			fields[fd.Name] = true
			f := Field{Name: fd.Name, Token: ti, LSB: fd.LSB, MSB: fd.MSB, Signed: fd.Signed, Attach: -1}
			if fd.Attach != "" {
				a, ok := attaches[fd.Attach]
				if !ok {
					return l.errorf(fd.line, "field %s: unknown attach %s", fd.Name, fd.Attach)
				}
				f.Attach = a
			}
			tok.Fields = append(tok.Fields, len(s.Fields))
			s.Fields = append(s.Fields, f)
		}
		s.Tokens = append(s.Tokens, tok)
	}
	return nil
}

func (l *loader) loadUserOps() error {
	seen := make(map[string]bool)
	for _, u := range l.doc.UserOps {
		if seen[u] {
			return l.errorf(0, "duplicate user operation %s", u)
		}
		seen[u] = true
	}
	l.spec.UserOps = slices.Clone(l.doc.UserOps)
	return nil
}

func (l *loader) loadMacros() error {
	l.macros = make(map[string]*MacroDoc, len(l.doc.Macros))
	for i := range l.doc.Macros {
		m := &l.doc.Macros[i]
		if _, dup := l.macros[m.Name]; dup {
			return l.errorf(m.line, "duplicate macro %s", m.Name)
		}
		l.macros[m.Name] = m
	}
	return nil
}

func (l *loader) declareTables() error {
	s := l.spec
	if len(l.doc.Tables) == 0 {
		return l.errorf(0, "no tables declared")
	}
	seen := make(map[string]bool)
	for _, d := range l.doc.Tables {
		if seen[d.Name] {
			return l.errorf(d.line, "duplicate table %s", d.Name)
		}
		seen[d.Name] = true
		if d.Name == rootTableName {
			s.Root = len(s.Tables)
		}
		s.Tables = append(s.Tables, Table{Name: d.Name})
	}
	return nil
}

func (l *loader) loadConstructors() error {
	s := l.spec
	for ti := range l.doc.Tables {
		for ci := range l.doc.Tables[ti].Constructors {
			d := &l.doc.Tables[ti].Constructors[ci]
			c, err := l.compileConstructor(ti, d)
			if err != nil {
				return l.errorf(d.line, "%s: %v", s.Tables[ti].Name, err)
			}
			s.Tables[ti].Constructors = append(s.Tables[ti].Constructors, c.ID)
		}
	}
	return nil
}

func (l *loader) compileConstructor(table int, d *ConstructorDoc) (*Constructor, error) {
	s := l.spec
	s.Constructors = append(s.Constructors, Constructor{
		ID:       len(s.Constructors),
		Table:    table,
		Location: fmt.Sprintf("%s:%d", l.name, d.line),
	})
	c := &s.Constructors[len(s.Constructors)-1]
	sc := newScope(s, c, l.macros)

	for _, sd := range d.Pattern {
		if err := l.compileSegment(sc, sd); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(d.Context) {
		f, ok := s.index.context[name]
		if !ok {
			return nil, fmt.Errorf("unknown context variable %s", name)
		}
		c.Context = append(c.Context, ContextConstraint{Field: f, Value: uint64(d.Context[name])})
	}
	for _, od := range d.Operands {
		if err := l.compileOperand(sc, od); err != nil {
			return nil, fmt.Errorf("operand %s: %w", od.Name, err)
		}
	}
	for _, name := range sortedKeys(d.Local) {
		f, ok := s.index.context[name]
		if !ok {
			return nil, fmt.Errorf("unknown context variable %s", name)
		}
		c.Local = append(c.Local, ContextAssign{Field: f, Expr: &Expr{Op: ExprConst, Value: uint64(d.Local[name])}})
	}
	for _, name := range sortedKeys(d.Commit) {
		f, ok := s.index.context[name]
		if !ok {
			return nil, fmt.Errorf("unknown context variable %s", name)
		}
		e, err := parseExpr(d.Commit[name], sc.exprIdent(-1))
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", name, err)
		}
		c.Commit = append(c.Commit, ContextAssign{Field: f, Expr: e})
	}
	var err error
	if c.Display, err = sc.compileDisplay(d.Display); err != nil {
		return nil, err
	}
	lines, err := sc.expandMacros(d.Semantics, 0)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		st, err := sc.compileStatement(line)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", line, err)
		}
		c.Semantics = append(c.Semantics, st)
	}
	if d.Export != "" {
		vt, err := sc.varnode(strings.TrimSpace(d.Export))
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		c.Export = &vt
	}
	for _, t := range c.Temps {
		if t.Size == 0 {
			return nil, fmt.Errorf("temporary $%s never given a size", t.Name)
		}
	}
	c.Pattern = s.staticPattern(c)
	return c, nil
}

func (l *loader) compileSegment(sc *scope, d SegmentDoc) error {
	s := l.spec
	c := sc.c
	seg := Segment{Token: -1}
	segIdx := len(c.Segments)
	var tables []string
	switch {
	case d.Token != "" && d.Table != "":
		return fmt.Errorf("segment names both token %s and table %s", d.Token, d.Table)
	case d.Token != "":
		tok, ok := s.index.tokens[d.Token]
		if !ok {
			return fmt.Errorf("unknown token %s", d.Token)
		}
		seg.Token = tok
		size := s.Tokens[tok].Size
		seg.Mask = make([]byte, size)
		seg.Value = make([]byte, size)
		for _, name := range sortedKeys(d.Match) {
			f, ok := s.index.fields[name]
			if !ok || s.Fields[f].Token != tok {
				return fmt.Errorf("field %s is not part of token %s", name, d.Token)
			}
			v := uint64(d.Match[name])
			field := &s.Fields[f]
			if field.Width() < 64 {
				limit := uint64(1) << uint(field.Width())
				if v >= limit && !(field.Signed && int64(v) < 0 && int64(v) >= -int64(limit/2)) {
					return fmt.Errorf("value %#x does not fit field %s", v, name)
				}
				v &= limit - 1
			}
			seg.Constraints = append(seg.Constraints, FieldConstraint{Field: f, Value: v})
			m, val := s.byteMasks(f, v)
			for i := range m {
				seg.Mask[i] |= m[i]
				seg.Value[i] |= val[i]
			}
		}
		tables = d.Tables
	case d.Table != "":
		if d.As != "" {
			tables = []string{d.As + "=" + d.Table}
		} else {
			tables = []string{d.Table}
		}
	default:
		return fmt.Errorf("segment needs a token or a table")
	}
	c.Segments = append(c.Segments, seg)
	for _, entry := range tables {
		name, table, ok := strings.Cut(entry, "=")
		if !ok {
			table = name
		}
		name, table = strings.TrimSpace(name), strings.TrimSpace(table)
		t, ok := s.index.tables[table]
		if !ok {
			return fmt.Errorf("unknown table %s", table)
		}
		op, err := sc.addOperand(Operand{Name: name, Kind: OperandTable, Table: t, Segment: segIdx})
		if err != nil {
			return err
		}
		c.Segments[segIdx].Tables = append(c.Segments[segIdx].Tables, op)
	}
	return nil
}

func (l *loader) compileOperand(sc *scope, d OperandDoc) error {
	s := l.spec
	op := Operand{Name: d.Name, Size: d.Size, Signed: d.Signed}
	set := 0
	if d.Field != "" {
		set++
		f, ok := s.index.fields[d.Field]
		if !ok {
			return fmt.Errorf("unknown field %s", d.Field)
		}
		seg, ok := sc.fieldSegment(f)
		if !ok {
			return fmt.Errorf("field %s is not part of the pattern", d.Field)
		}
		op.Kind, op.Field, op.Segment = OperandField, f, seg
		op.Signed = op.Signed || s.Fields[f].Signed
	}
	if d.Const != nil {
		set++
		op.Kind, op.Value = OperandConst, uint64(*d.Const)
	}
	if d.Expr != "" {
		set++
		e, err := parseExpr(d.Expr, sc.exprIdent(len(sc.c.Operands)))
		if err != nil {
			return err
		}
		op.Kind, op.Expr = OperandExpr, e
	}
	if set != 1 {
		return fmt.Errorf("needs exactly one of field, expr or const")
	}
	if d.Space != "" {
		i, ok := s.index.spaces[d.Space]
		if !ok || i == 0 {
			return fmt.Errorf("unknown space %s", d.Space)
		}
		op.Space = i
		if op.Size == 0 {
			op.Size = s.Spaces[i].AddrSize
		}
	}
	_, err := sc.addOperand(op)
	return err
}

// checkExports makes sure every subtable whose value a semantic statement
// uses exports something from each of its constructors.
func (s *Spec) checkExports() error {
	for ci := range s.Constructors {
		c := &s.Constructors[ci]
		var err error
		check := func(t *VarnodeTemplate) {
			for ; t != nil && err == nil; t = t.Ptr {
				if t.Kind != VarOperand || c.Operands[t.Index].Kind != OperandTable {
					continue
				}
				table := &s.Tables[c.Operands[t.Index].Table]
				for _, sub := range table.Constructors {
					if s.Constructors[sub].Export == nil {
						err = &SpecError{
							Location: c.Location,
							Reason:   fmt.Sprintf("uses the value of %s but %s exports nothing", c.Operands[t.Index].Name, s.Constructors[sub].Location),
						}
						return
					}
				}
			}
		}
		for i := range c.Semantics {
			st := &c.Semantics[i]
			check(st.Output)
			for j := range st.Inputs {
				check(&st.Inputs[j])
			}
		}
		check(c.Export)
		if err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
