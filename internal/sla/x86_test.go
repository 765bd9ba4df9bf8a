package sla_test

import (
	"errors"
	"testing"

	"hutch/internal/match"
	"hutch/internal/processors"
	"hutch/internal/sla"
)

func matches(p *sla.Pattern, buf []byte, ctx sla.Context) bool {
	if ctx.Bits&p.CtxMask != p.CtxValue&p.CtxMask {
		return false
	}
	for i, m := range p.Mask {
		if buf[i]&m != p.Value[i]&m {
			return false
		}
	}
	return true
}

// Every two-byte window must leave one candidate that refines all the
// others, so the matcher's most-specific-first order is well defined.
func TestX86WindowsHaveMostSpecificConstructor(t *testing.T) {
	s := processors.MustLoad("x86")
	root := s.Tables[s.Root].Constructors
	for _, opsize := range []uint64{0, 1} {
		ctx, err := s.SetContext(s.DefaultContext(), "opsize", opsize)
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 16)
		for w := 0; w < 1<<16; w++ {
			buf[0], buf[1] = byte(w>>8), byte(w)
			var cands []*sla.Constructor
			for _, ci := range root {
				if c := &s.Constructors[ci]; matches(&c.Pattern, buf, ctx) {
					cands = append(cands, c)
				}
			}
			if len(cands) > 1 {
				best := cands[0]
				for _, c := range cands[1:] {
					if c.Pattern.Bits() > best.Pattern.Bits() {
						best = c
					}
				}
				for _, c := range cands {
					if c != best && !best.Pattern.Refines(&c.Pattern) {
						t.Fatalf("opsize=%d % x: %s does not refine %s", opsize, buf[:2], s.Describe(best), s.Describe(c))
					}
				}
			}
			if _, err := match.Match(s, buf, ctx); errors.Is(err, match.ErrInsufficientBytes) {
				t.Fatalf("opsize=%d % x: %v with %d bytes available", opsize, buf[:2], err, len(buf))
			}
		}
	}
}
