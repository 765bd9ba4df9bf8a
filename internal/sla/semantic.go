package sla

import (
	"fmt"
	"strconv"
	"strings"

	"hutch/internal/pcode"
)

const maxMacroDepth = 8

// scope resolves names while one constructor is compiled.
type scope struct {
	spec     *Spec
	c        *Constructor
	operands map[string]int
	temps    map[string]int
	macros   map[string]*MacroDoc
}

func newScope(s *Spec, c *Constructor, macros map[string]*MacroDoc) *scope {
	return &scope{
		spec:     s,
		c:        c,
		operands: make(map[string]int),
		temps:    make(map[string]int),
		macros:   macros,
	}
}

func (sc *scope) addOperand(op Operand) (int, error) {
	if _, dup := sc.operands[op.Name]; dup {
		return 0, fmt.Errorf("duplicate operand %q", op.Name)
	}
	i := len(sc.c.Operands)
	sc.c.Operands = append(sc.c.Operands, op)
	sc.operands[op.Name] = i
	return i, nil
}

// fieldSegment finds the first token segment that carries field f.
func (sc *scope) fieldSegment(f int) (int, bool) {
	tok := sc.spec.Fields[f].Token
	for i, seg := range sc.c.Segments {
		if seg.Token == tok {
			return i, true
		}
	}
	return 0, false
}

// operand returns the operand called name, creating a field operand on
// first reference to a field of one of the constructor's tokens.
func (sc *scope) operand(name string) (int, bool, error) {
	if i, ok := sc.operands[name]; ok {
		return i, true, nil
	}
	f, ok := sc.spec.index.fields[name]
	if !ok {
		return 0, false, nil
	}
	seg, ok := sc.fieldSegment(f)
	if !ok {
		return 0, false, nil
	}
	i, err := sc.addOperand(Operand{
		Name:    name,
		Kind:    OperandField,
		Field:   f,
		Segment: seg,
		Signed:  sc.spec.Fields[f].Signed,
	})
	return i, err == nil, err
}

// exprIdent resolves an identifier inside an operand or commit expression.
func (sc *scope) exprIdent(self int) identResolver {
	return func(name string) (*Expr, error) {
		switch name {
		case "inst_start":
			return &Expr{Op: ExprInstStart}, nil
		case "inst_next":
			return &Expr{Op: ExprInstNext}, nil
		}
		if i, ok := sc.operands[name]; ok {
			if i == self {
				return nil, fmt.Errorf("operand %q refers to itself", name)
			}
			if sc.c.Operands[i].Kind == OperandTable {
				return nil, fmt.Errorf("subtable operand %q has no value in an expression", name)
			}
			return &Expr{Op: ExprOperand, Index: i}, nil
		}
		if f, ok := sc.spec.index.fields[name]; ok {
			if seg, ok := sc.fieldSegment(f); ok {
				return &Expr{Op: ExprField, Index: f, Segment: seg}, nil
			}
			return nil, fmt.Errorf("field %q is not part of the pattern", name)
		}
		if f, ok := sc.spec.index.context[name]; ok {
			return &Expr{Op: ExprContext, Index: f}, nil
		}
		return nil, fmt.Errorf("unknown identifier %q", name)
	}
}

// expandMacros flattens statement text, replacing @name(args) lines by
// the macro body with parameters substituted.
func (sc *scope) expandMacros(lines []string, depth int) ([]string, error) {
	if depth > maxMacroDepth {
		return nil, fmt.Errorf("macro expansion nested deeper than %d", maxMacroDepth)
	}
	var out []string
	for _, raw := range lines {
		for _, line := range strings.Split(raw, ";") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "@") {
				out = append(out, line)
				continue
			}
			name, args, err := splitCall(line[1:])
			if err != nil {
				return nil, err
			}
			m, ok := sc.macros[name]
			if !ok {
				return nil, fmt.Errorf("unknown macro %q", name)
			}
			if len(args) != len(m.Params) {
				return nil, fmt.Errorf("macro %s takes %d arguments, got %d", name, len(m.Params), len(args))
			}
			subst := make(map[string]string, len(args))
			for i, p := range m.Params {
				subst[p] = args[i]
			}
			body := make([]string, len(m.Body))
			for i, b := range m.Body {
				body[i] = substitute(b, subst)
			}
			expanded, err := sc.expandMacros(body, depth+1)
			if err != nil {
				return nil, fmt.Errorf("in macro %s: %w", name, err)
			}
			out = append(out, expanded...)
		}
	}
	return out, nil
}

func splitCall(s string) (string, []string, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("malformed macro call %q", s)
	}
	name := strings.TrimSpace(s[:open])
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if inner == "" {
		return name, nil, nil
	}
	args := strings.Split(inner, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return name, args, nil
}

// substitute replaces whole identifiers found in subst. Identifiers
// following a temp or constant sigil are left alone.
func substitute(line string, subst map[string]string) string {
	var sb strings.Builder
	for i := 0; i < len(line); {
		c := line[i]
		if !isIdentStart(c) || (i > 0 && (isIdentChar(line[i-1]) || line[i-1] == '$' || line[i-1] == '#')) {
			sb.WriteByte(c)
			i++
			continue
		}
		j := i
		for j < len(line) && isIdentChar(line[j]) {
			j++
		}
		word := line[i:j]
		if r, ok := subst[word]; ok {
			sb.WriteString(r)
		} else {
			sb.WriteString(word)
		}
		i = j
	}
	return sb.String()
}

// compileStatement parses "[out =] OPCODE in, in, ...".
func (sc *scope) compileStatement(text string) (Statement, error) {
	st := Statement{Text: text}
	rest := text
	if eq := strings.IndexByte(text, '='); eq >= 0 {
		out, err := sc.varnode(strings.TrimSpace(text[:eq]))
		if err != nil {
			return st, err
		}
		switch out.Kind {
		case VarConst, VarInstStart, VarInstNext, VarContext:
			return st, fmt.Errorf("cannot assign to %q", strings.TrimSpace(text[:eq]))
		}
		st.Output = &out
		rest = strings.TrimSpace(text[eq+1:])
	}
	name, args, _ := strings.Cut(rest, " ")
	op, ok := pcode.Lookup(strings.ToUpper(name))
	if !ok {
		return st, fmt.Errorf("unknown p-code operation %q", name)
	}
	st.Opcode = op
	var inputs []string
	if args = strings.TrimSpace(args); args != "" {
		inputs = strings.Split(args, ",")
	}
	for i, in := range inputs {
		in = strings.TrimSpace(in)
		var (
			vt  VarnodeTemplate
			err error
		)
		switch {
		case i == 0 && (op == pcode.Load || op == pcode.Store):
			vt, err = sc.spaceRef(in)
		case i == 0 && op == pcode.CallOther:
			u, ok := sc.spec.index.userops[in]
			if !ok {
				err = fmt.Errorf("unknown user operation %q", in)
			}
			vt = VarnodeTemplate{Kind: VarUserOp, Index: u, Size: 4}
		default:
			vt, err = sc.varnode(in)
		}
		if err != nil {
			return st, err
		}
		st.Inputs = append(st.Inputs, vt)
	}
	shape := pcode.ShapeOf(op)
	if len(st.Inputs) < shape.MinInputs || (shape.MaxInputs >= 0 && len(st.Inputs) > shape.MaxInputs) {
		return st, fmt.Errorf("%s takes %d inputs, got %d", op, shape.MinInputs, len(st.Inputs))
	}
	switch {
	case shape.Output == pcode.OutputAlways && st.Output == nil:
		return st, fmt.Errorf("%s needs an output", op)
	case shape.Output == pcode.OutputNever && st.Output != nil:
		return st, fmt.Errorf("%s has no output", op)
	}
	return st, nil
}

func (sc *scope) spaceRef(name string) (VarnodeTemplate, error) {
	i, ok := sc.spec.index.spaces[name]
	if !ok || i == 0 {
		return VarnodeTemplate{}, fmt.Errorf("unknown address space %q", name)
	}
	return VarnodeTemplate{Kind: VarSpace, Index: i, Size: 8}, nil
}

// varnode parses one varnode reference.
func (sc *scope) varnode(tok string) (VarnodeTemplate, error) {
	if tok == "" {
		return VarnodeTemplate{}, fmt.Errorf("empty varnode")
	}
	if tok[0] == '*' {
		return sc.dynamic(tok)
	}
	name, size, err := splitSize(tok)
	if err != nil {
		return VarnodeTemplate{}, err
	}
	switch {
	case name[0] == '$':
		return sc.temp(name[1:], size)
	case name[0] == '#':
		v, err := parseNum(name[1:])
		if err != nil {
			return VarnodeTemplate{}, err
		}
		return VarnodeTemplate{Kind: VarConst, Value: v, Size: size}, nil
	case name[0] >= '0' && name[0] <= '9' || name[0] == '-':
		v, err := parseNum(name)
		if err != nil {
			return VarnodeTemplate{}, err
		}
		return VarnodeTemplate{Kind: VarConst, Value: v, Size: size}, nil
	case name == "inst_start":
		return VarnodeTemplate{Kind: VarInstStart, Size: size}, nil
	case name == "inst_next":
		return VarnodeTemplate{Kind: VarInstNext, Size: size}, nil
	}
	if i, ok, err := sc.operand(name); err != nil {
		return VarnodeTemplate{}, err
	} else if ok {
		return VarnodeTemplate{Kind: VarOperand, Index: i, Size: size}, nil
	}
	if r, ok := sc.spec.index.registers[name]; ok {
		if size != 0 && size != sc.spec.Registers[r].Size {
			return VarnodeTemplate{}, fmt.Errorf("register %s is %d bytes, not %d", name, sc.spec.Registers[r].Size, size)
		}
		return VarnodeTemplate{Kind: VarRegister, Index: r, Size: sc.spec.Registers[r].Size}, nil
	}
	if f, ok := sc.spec.index.context[name]; ok {
		return VarnodeTemplate{Kind: VarContext, Index: f, Size: size}, nil
	}
	return VarnodeTemplate{}, fmt.Errorf("unknown name %q", name)
}

// dynamic parses "*[space]:size ptr" and "*:size ptr".
func (sc *scope) dynamic(tok string) (VarnodeTemplate, error) {
	rest := strings.TrimSpace(tok[1:])
	sp := sc.spec.DefaultSpace
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return VarnodeTemplate{}, fmt.Errorf("unterminated space in %q", tok)
		}
		ref, err := sc.spaceRef(strings.TrimSpace(rest[1:end]))
		if err != nil {
			return VarnodeTemplate{}, err
		}
		sp = ref.Index
		rest = rest[end+1:]
	}
	if !strings.HasPrefix(rest, ":") {
		return VarnodeTemplate{}, fmt.Errorf("memory reference %q needs a size", tok)
	}
	sizeText, ptrText, ok := strings.Cut(strings.TrimSpace(rest[1:]), " ")
	if !ok {
		return VarnodeTemplate{}, fmt.Errorf("memory reference %q needs an address", tok)
	}
	size, err := strconv.Atoi(sizeText)
	if err != nil || size <= 0 {
		return VarnodeTemplate{}, fmt.Errorf("bad size in %q", tok)
	}
	ptr, err := sc.varnode(strings.TrimSpace(ptrText))
	if err != nil {
		return VarnodeTemplate{}, err
	}
	if ptr.Kind == VarDynamic {
		return VarnodeTemplate{}, fmt.Errorf("nested memory reference in %q", tok)
	}
	return VarnodeTemplate{Kind: VarDynamic, Index: sp, Size: size, Ptr: &ptr}, nil
}

func (sc *scope) temp(name string, size int) (VarnodeTemplate, error) {
	if name == "" {
		return VarnodeTemplate{}, fmt.Errorf("unnamed temporary")
	}
	i, ok := sc.temps[name]
	if !ok {
		i = len(sc.c.Temps)
		sc.c.Temps = append(sc.c.Temps, Temp{Name: name, Size: size})
		sc.temps[name] = i
	}
	t := &sc.c.Temps[i]
	switch {
	case size == 0:
	case t.Size == 0:
		t.Size = size
	case t.Size != size:
		return VarnodeTemplate{}, fmt.Errorf("temporary $%s used as %d and %d bytes", name, t.Size, size)
	}
	return VarnodeTemplate{Kind: VarTemp, Index: i}, nil
}

func splitSize(tok string) (string, int, error) {
	name, sz, ok := strings.Cut(tok, ":")
	if !ok {
		return tok, 0, nil
	}
	size, err := strconv.Atoi(strings.TrimSpace(sz))
	if err != nil || size <= 0 {
		return "", 0, fmt.Errorf("bad size in %q", tok)
	}
	return strings.TrimSpace(name), size, nil
}
