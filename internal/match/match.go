// Package match walks a specification's constraint forest to find the
// constructor tree that encodes the instruction at the start of a buffer.
package match

import (
	"errors"
	"fmt"
	"slices"

	"hutch/internal/sla"
)

var (
	// ErrNoMatch means no constructor accepts the bytes at the cursor.
	ErrNoMatch = errors.New("no matching instruction")
	// ErrInsufficientBytes means the bytes are a valid prefix of an
	// encoding that needs more input to complete.
	ErrInsufficientBytes = errors.New("insufficient bytes")
)

// MaxDepth bounds subtable nesting.
const MaxDepth = 32

// Node is one matched constructor. Offsets are relative to the start of
// the instruction.
type Node struct {
	Constructor *sla.Constructor
	Offset      int
	Length      int
	Context     sla.Context // context in effect for this constructor, after its local changes
	Segments    []int       // start of each pattern segment
	Children    []*Node     // by operand index; nil for non-table operands
}

// Walk visits n and its descendants in pre-order.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		if c != nil {
			c.Walk(fn)
		}
	}
}

// Result is a successful match of one instruction.
type Result struct {
	Root   *Node
	Length int
}

// Match decodes the instruction at buf[0] under context ctx. It returns
// ErrInsufficientBytes when buf ends inside an encoding that is otherwise
// consistent with the available bytes.
func Match(s *sla.Spec, buf []byte, ctx sla.Context) (*Result, error) {
	m := &matcher{spec: s, buf: buf}
	root, err := m.table(s.Root, 0, ctx, 0)
	if err != nil {
		return nil, err
	}
	return &Result{Root: root, Length: root.Length}, nil
}

type matcher struct {
	spec *sla.Spec
	buf  []byte
}

func (m *matcher) table(t, off int, ctx sla.Context, depth int) (*Node, error) {
	if depth >= MaxDepth {
		return nil, fmt.Errorf("%w: subtables nested deeper than %d", ErrNoMatch, MaxDepth)
	}
	cands := m.candidates(m.spec.Tables[t].Root, off, ctx)
	for _, ci := range cands {
		n, err := m.constructor(&m.spec.Constructors[ci], off, ctx, depth)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, ErrInsufficientBytes) {
			return nil, err
		}
	}
	return nil, ErrNoMatch
}

// candidates walks the decision tree. Where the governing byte lies
// beyond the buffer every child is followed, so truncated encodings are
// still found.
func (m *matcher) candidates(root, off int, ctx sla.Context) []int {
	var out []int
	seen := make(map[int]bool)
	var walk func(ni int)
	walk = func(ni int) {
		n := &m.spec.Nodes[ni]
		if n.Leaf {
			for _, c := range n.Candidates {
				if !seen[c] {
					seen[c] = true
					out = append(out, c)
				}
			}
			return
		}
		if n.OnContext {
			walk(n.Children[(ctx.Bits>>n.Shift)&n.Mask])
			return
		}
		if pos := off + n.Offset; pos < len(m.buf) {
			walk(n.Children[(uint64(m.buf[pos])>>n.Shift)&n.Mask])
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	if len(out) > 1 {
		slices.SortStableFunc(out, func(a, b int) int {
			ba := m.spec.Constructors[a].Pattern.Bits()
			bb := m.spec.Constructors[b].Pattern.Bits()
			if ba != bb {
				return bb - ba
			}
			return a - b
		})
	}
	return out
}

func (m *matcher) constructor(c *sla.Constructor, off int, ctx sla.Context, depth int) (*Node, error) {
	for _, cc := range c.Context {
		if ctx.Get(&m.spec.Context[cc.Field]) != cc.Value {
			return nil, ErrNoMatch
		}
	}
	for _, la := range c.Local {
		ctx = ctx.With(&m.spec.Context[la.Field], la.Expr.Value)
	}
	n := &Node{
		Constructor: c,
		Offset:      off,
		Context:     ctx,
		Segments:    make([]int, len(c.Segments)),
		Children:    make([]*Node, len(c.Operands)),
	}
	pos := off
	for si := range c.Segments {
		seg := &c.Segments[si]
		n.Segments[si] = pos
		length := 0
		if seg.Token >= 0 {
			size := m.spec.Tokens[seg.Token].Size
			if err := m.checkBytes(seg, pos, size); err != nil {
				return nil, err
			}
			length = size
		}
		for _, op := range seg.Tables {
			child, err := m.table(c.Operands[op].Table, pos, ctx, depth+1)
			if err != nil {
				return nil, err
			}
			n.Children[op] = child
			length = max(length, child.Length)
		}
		pos += length
	}
	n.Length = pos - off
	return n, nil
}

// checkBytes compares a token segment's constraints with the buffer.
// Only the available bytes decide between a mismatch and truncation.
func (m *matcher) checkBytes(seg *sla.Segment, pos, size int) error {
	avail := min(size, len(m.buf)-pos)
	for i := 0; i < avail; i++ {
		if m.buf[pos+i]&seg.Mask[i] != seg.Value[i] {
			return ErrNoMatch
		}
	}
	if avail < size {
		return ErrInsufficientBytes
	}
	return nil
}
