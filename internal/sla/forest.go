package sla

import (
	"slices"
	"strconv"
	"strings"
)

// split is a candidate decision: a contiguous bit run of one byte of the
// instruction, or of the context word.
type split struct {
	onContext bool
	offset    int
	shift     uint
	width     uint
}

// buildForest compiles the decision tree for table t into the node arena.
func (s *Spec) buildForest(t int) {
	cands := slices.Clone(s.Tables[t].Constructors)
	memo := make(map[string]int)
	s.Tables[t].Root = s.buildNode(cands, memo)
}

func candidateKey(cands []int) string {
	parts := make([]string, len(cands))
	for i, c := range cands {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

func (s *Spec) buildNode(cands []int, memo map[string]int) int {
	key := candidateKey(cands)
	if n, ok := memo[key]; ok {
		return n
	}
	sp, ok := s.chooseSplit(cands)
	if !ok {
		return s.leaf(cands, memo, key)
	}
	n := 1 << sp.width
	subs := make([][]int, n)
	reduced := false
	for v := 0; v < n; v++ {
		for _, c := range cands {
			m, val := s.splitBits(c, sp)
			if uint64(v)&m == val&m {
				subs[v] = append(subs[v], c)
			}
		}
		if len(subs[v]) < len(cands) {
			reduced = true
		}
	}
	if !reduced {
		return s.leaf(cands, memo, key)
	}
	children := make([]int, n)
	for v := range subs {
		children[v] = s.buildNode(subs[v], memo)
	}
	s.Nodes = append(s.Nodes, Node{
		OnContext: sp.onContext,
		Offset:    sp.offset,
		Shift:     sp.shift,
		Mask:      uint64(1)<<sp.width - 1,
		Children:  children,
	})
	idx := len(s.Nodes) - 1
	memo[key] = idx
	return idx
}

func (s *Spec) leaf(cands []int, memo map[string]int, key string) int {
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b int) int {
		ba, bb := s.Constructors[a].Pattern.Bits(), s.Constructors[b].Pattern.Bits()
		if ba != bb {
			return bb - ba
		}
		return a - b
	})
	s.Nodes = append(s.Nodes, Node{Leaf: true, Candidates: sorted})
	idx := len(s.Nodes) - 1
	memo[key] = idx
	return idx
}

// splitBits returns constructor c's mask and value over the split's bits.
func (s *Spec) splitBits(c int, sp split) (mask, value uint64) {
	p := &s.Constructors[c].Pattern
	low := uint64(1)<<sp.width - 1
	if sp.onContext {
		return (p.CtxMask >> sp.shift) & low, (p.CtxValue >> sp.shift) & low
	}
	m, v := p.byteAt(sp.offset)
	return (uint64(m) >> sp.shift) & low, (uint64(v) >> sp.shift) & low
}

// chooseSplit picks the bit tested by the most candidates among the bits
// that separate at least two of them, then widens it to the adjacent
// bits with the same score.
func (s *Spec) chooseSplit(cands []int) (split, bool) {
	if len(cands) < 2 {
		return split{}, false
	}
	maxLen := 0
	for _, c := range cands {
		maxLen = max(maxLen, len(s.Constructors[c].Pattern.Mask))
	}
	// bit positions: 0..8*maxLen-1 for bytes, then 64 context bits
	total := 8*maxLen + 64
	score := make([]int, total)
	zero := make([]bool, total)
	one := make([]bool, total)
	for _, c := range cands {
		p := &s.Constructors[c].Pattern
		for i := range p.Mask {
			for b := 0; b < 8; b++ {
				if p.Mask[i]&(1<<b) == 0 {
					continue
				}
				pos := 8*i + b
				score[pos]++
				if p.Value[i]&(1<<b) != 0 {
					one[pos] = true
				} else {
					zero[pos] = true
				}
			}
		}
		for b := 0; b < 64; b++ {
			if p.CtxMask&(1<<b) == 0 {
				continue
			}
			pos := 8*maxLen + b
			score[pos]++
			if p.CtxValue&(1<<b) != 0 {
				one[pos] = true
			} else {
				zero[pos] = true
			}
		}
	}
	useful := func(pos int) bool { return zero[pos] && one[pos] }
	best := -1
	for i := 0; i < maxLen; i++ {
		for b := 7; b >= 0; b-- {
			pos := 8*i + b
			if useful(pos) && (best < 0 || score[pos] > score[best]) {
				best = pos
			}
		}
	}
	for b := 63; b >= 0; b-- {
		pos := 8*maxLen + b
		if useful(pos) && (best < 0 || score[pos] > score[best]) {
			best = pos
		}
	}
	if best < 0 {
		return split{}, false
	}
	sp := split{}
	var lo, hi, base int
	if best < 8*maxLen {
		sp.offset = best / 8
		base = 8 * sp.offset
		lo, hi = best%8, best%8
		for lo > 0 && useful(base+lo-1) && score[base+lo-1] == score[best] {
			lo--
		}
		for hi < 7 && useful(base+hi+1) && score[base+hi+1] == score[best] {
			hi++
		}
	} else {
		sp.onContext = true
		base = 8 * maxLen
		lo, hi = best-base, best-base
		for lo > 0 && hi-lo < 7 && useful(base+lo-1) && score[base+lo-1] == score[best] {
			lo--
		}
		for hi < 63 && hi-lo < 7 && useful(base+hi+1) && score[base+hi+1] == score[best] {
			hi++
		}
	}
	sp.shift = uint(lo)
	sp.width = uint(hi - lo + 1)
	return sp, true
}
