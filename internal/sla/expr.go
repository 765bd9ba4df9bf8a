package sla

import (
	"fmt"
	"strings"
	"unicode"
)

// ExprOp is the node kind of an operand expression.
type ExprOp int

const (
	ExprConst ExprOp = iota
	ExprOperand
	ExprField
	ExprContext
	ExprInstStart
	ExprInstNext
	ExprAdd
	ExprSub
	ExprMul
	ExprDiv
	ExprShl
	ExprShr
	ExprAnd
	ExprOr
	ExprXor
	ExprNeg
	ExprNot
)

// Expr is a compiled operand or context expression.
type Expr struct {
	Op      ExprOp
	Value   uint64
	Index   int // operand, field or context field
	Segment int // segment holding a field
	Left    *Expr
	Right   *Expr
}

// ExprEnv supplies the values an expression may reference.
type ExprEnv interface {
	OperandValue(i int) (int64, error)
	FieldValue(segment, field int) (int64, error)
	ContextValue(field int) int64
	InstStart() uint64
	InstNext() uint64
}

// Eval computes e with wrapping 64-bit arithmetic.
func (e *Expr) Eval(env ExprEnv) (int64, error) {
	switch e.Op {
	case ExprConst:
		return int64(e.Value), nil
	case ExprOperand:
		return env.OperandValue(e.Index)
	case ExprField:
		return env.FieldValue(e.Segment, e.Index)
	case ExprContext:
		return env.ContextValue(e.Index), nil
	case ExprInstStart:
		return int64(env.InstStart()), nil
	case ExprInstNext:
		return int64(env.InstNext()), nil
	case ExprNeg, ExprNot:
		v, err := e.Left.Eval(env)
		if err != nil {
			return 0, err
		}
		if e.Op == ExprNeg {
			return -v, nil
		}
		return ^v, nil
	}
	l, err := e.Left.Eval(env)
	if err != nil {
		return 0, err
	}
	r, err := e.Right.Eval(env)
	if err != nil {
		return 0, err
	}
	switch e.Op {
	case ExprAdd:
		return l + r, nil
	case ExprSub:
		return l - r, nil
	case ExprMul:
		return l * r, nil
	case ExprDiv:
		if r == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case ExprShl:
		return l << uint64(r), nil
	case ExprShr:
		return int64(uint64(l) >> uint64(r)), nil
	case ExprAnd:
		return l & r, nil
	case ExprOr:
		return l | r, nil
	case ExprXor:
		return l ^ r, nil
	}
	return 0, fmt.Errorf("bad expression op %d", e.Op)
}

// Walk calls fn on e and every sub-expression.
func (e *Expr) Walk(fn func(*Expr)) {
	if e == nil {
		return
	}
	fn(e)
	e.Left.Walk(fn)
	e.Right.Walk(fn)
}

// identResolver turns a name into a leaf expression.
type identResolver func(name string) (*Expr, error)

type exprParser struct {
	toks    []string
	pos     int
	resolve identResolver
}

// parseExpr compiles src using resolve for identifiers.
func parseExpr(src string, resolve identResolver) (*Expr, error) {
	toks, err := lexExpr(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	p := &exprParser{toks: toks, resolve: resolve}
	e, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q in expression %q", p.toks[p.pos], src)
	}
	return e, nil
}

var binaryLevels = [][]string{
	{"|"},
	{"^"},
	{"&"},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/"},
}

var binaryOps = map[string]ExprOp{
	"|": ExprOr, "^": ExprXor, "&": ExprAnd,
	"<<": ExprShl, ">>": ExprShr,
	"+": ExprAdd, "-": ExprSub,
	"*": ExprMul, "/": ExprDiv,
}

func (p *exprParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *exprParser) binary(level int) (*Expr, error) {
	if level == len(binaryLevels) {
		return p.unary()
	}
	left, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		matched := false
		for _, op := range binaryLevels[level] {
			if tok == op {
				matched = true
				break
			}
		}
		if !matched {
			return left, nil
		}
		p.pos++
		right, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &Expr{Op: binaryOps[tok], Left: left, Right: right}
	}
}

func (p *exprParser) unary() (*Expr, error) {
	tok := p.peek()
	switch tok {
	case "":
		return nil, fmt.Errorf("unexpected end of expression")
	case "-", "~":
		p.pos++
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		op := ExprNeg
		if tok == "~" {
			op = ExprNot
		}
		return &Expr{Op: op, Left: inner}, nil
	case "(":
		p.pos++
		inner, err := p.binary(0)
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing )")
		}
		p.pos++
		return inner, nil
	}
	p.pos++
	if unicode.IsDigit(rune(tok[0])) {
		v, err := parseNum(tok)
		if err != nil {
			return nil, err
		}
		return &Expr{Op: ExprConst, Value: v}, nil
	}
	if !isIdentStart(tok[0]) {
		return nil, fmt.Errorf("unexpected %q", tok)
	}
	return p.resolve(tok)
}

func lexExpr(src string) ([]string, error) {
	var toks []string
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case strings.HasPrefix(src[i:], "<<") || strings.HasPrefix(src[i:], ">>"):
			toks = append(toks, src[i:i+2])
			i += 2
		case strings.ContainsRune("+-*/&|^~()", rune(c)):
			toks = append(toks, string(c))
			i++
		case isIdentChar(c):
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in expression %q", c, src)
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}
