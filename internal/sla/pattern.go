package sla

import "math/bits"

// staticPattern collects the constraints whose position is known before
// any subtable is matched: context bits and token bytes up to and
// including the first segment that carries subtables.
func (s *Spec) staticPattern(c *Constructor) Pattern {
	var p Pattern
	for _, cc := range c.Context {
		f := &s.Context[cc.Field]
		m := f.mask()
		p.CtxMask |= m
		p.CtxValue = (p.CtxValue &^ m) | ((cc.Value << uint(f.LSB)) & m)
	}
	off := 0
	for _, seg := range c.Segments {
		if seg.Token < 0 {
			break
		}
		size := s.Tokens[seg.Token].Size
		for len(p.Mask) < off+size {
			p.Mask = append(p.Mask, 0)
			p.Value = append(p.Value, 0)
		}
		for i := 0; i < size; i++ {
			p.Mask[off+i] |= seg.Mask[i]
			p.Value[off+i] |= seg.Value[i]
		}
		if len(seg.Tables) > 0 {
			break
		}
		off += size
	}
	return p
}

func (p *Pattern) byteAt(i int) (mask, value byte) {
	if i < len(p.Mask) {
		return p.Mask[i], p.Value[i]
	}
	return 0, 0
}

// Bits counts the constrained bits.
func (p *Pattern) Bits() int {
	n := bits.OnesCount64(p.CtxMask)
	for _, m := range p.Mask {
		n += bits.OnesCount8(m)
	}
	return n
}

// Overlaps reports whether some input satisfies both patterns.
func (p *Pattern) Overlaps(q *Pattern) bool {
	common := p.CtxMask & q.CtxMask
	if p.CtxValue&common != q.CtxValue&common {
		return false
	}
	for i := 0; i < max(len(p.Mask), len(q.Mask)); i++ {
		pm, pv := p.byteAt(i)
		qm, qv := q.byteAt(i)
		if pv&pm&qm != qv&pm&qm {
			return false
		}
	}
	return true
}

// Refines reports whether p constrains every bit q does, to the same
// value, and at least one more.
func (p *Pattern) Refines(q *Pattern) bool {
	if q.CtxMask&^p.CtxMask != 0 || p.CtxValue&q.CtxMask != q.CtxValue&q.CtxMask {
		return false
	}
	for i := 0; i < max(len(p.Mask), len(q.Mask)); i++ {
		pm, pv := p.byteAt(i)
		qm, qv := q.byteAt(i)
		if qm&^pm != 0 || pv&qm != qv&qm {
			return false
		}
	}
	return p.Bits() > q.Bits()
}

// intersect returns the pattern matching exactly the inputs both p and q
// match. It is only meaningful when p.Overlaps(q).
func (p *Pattern) intersect(q *Pattern) Pattern {
	r := Pattern{CtxMask: p.CtxMask | q.CtxMask, CtxValue: p.CtxValue | q.CtxValue}
	for i := 0; i < max(len(p.Mask), len(q.Mask)); i++ {
		pm, pv := p.byteAt(i)
		qm, qv := q.byteAt(i)
		r.Mask = append(r.Mask, pm|qm)
		r.Value = append(r.Value, (pv&pm)|(qv&qm))
	}
	return r
}

// Equal reports whether p and q constrain the same bits to the same values.
func (p *Pattern) Equal(q *Pattern) bool {
	if p.CtxMask != q.CtxMask || p.CtxValue&p.CtxMask != q.CtxValue&q.CtxMask {
		return false
	}
	for i := 0; i < max(len(p.Mask), len(q.Mask)); i++ {
		pm, pv := p.byteAt(i)
		qm, qv := q.byteAt(i)
		if pm != qm || pv&pm != qv&qm {
			return false
		}
	}
	return true
}

// checkAmbiguity rejects sibling constructors that can match the same
// input while neither is strictly more specific, unless a third sibling
// claims exactly their intersection.
func (s *Spec) checkAmbiguity(t *Table) error {
	for i, a := range t.Constructors {
		pa := &s.Constructors[a].Pattern
		for _, b := range t.Constructors[i+1:] {
			pb := &s.Constructors[b].Pattern
			if !pa.Overlaps(pb) || pa.Refines(pb) || pb.Refines(pa) {
				continue
			}
			both := pa.intersect(pb)
			if s.claims(t, &both, a, b) {
				continue
			}
			ca, cb := &s.Constructors[a], &s.Constructors[b]
			return &SpecError{
				Location: cb.Location,
				Reason:   "ambiguous pattern: overlaps " + ca.Location + " in table " + t.Name + " and neither is more specific",
			}
		}
	}
	return nil
}

func (s *Spec) claims(t *Table, p *Pattern, a, b int) bool {
	for _, c := range t.Constructors {
		if c != a && c != b && s.Constructors[c].Pattern.Equal(p) {
			return true
		}
	}
	return false
}

// checkRecursion rejects tables that can re-enter themselves without
// consuming a byte.
func (s *Spec) checkRecursion() error {
	// edges[t] lists tables matched at offset 0 of some constructor of t.
	edges := make([][]int, len(s.Tables))
	for ci := range s.Constructors {
		c := &s.Constructors[ci]
		if len(c.Segments) == 0 {
			continue
		}
		for _, op := range c.Segments[0].Tables {
			edges[c.Table] = append(edges[c.Table], c.Operands[op].Table)
		}
	}
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(s.Tables))
	var visit func(t int) error
	visit = func(t int) error {
		color[t] = grey
		for _, u := range edges[t] {
			switch color[u] {
			case grey:
				return &SpecError{
					Location: s.Source,
					Reason:   "table " + s.Tables[u].Name + " recurses without consuming input",
				}
			case white:
				if err := visit(u); err != nil {
					return err
				}
			}
		}
		color[t] = black
		return nil
	}
	for t := range s.Tables {
		if color[t] == white {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}
