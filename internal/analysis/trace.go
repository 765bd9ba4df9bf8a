package analysis

import (
	"fmt"

	"hutch/internal/elfx"
	"hutch/internal/pcode"
	"hutch/internal/session"
	"hutch/internal/sla"
)

// Tracer decodes the functions of one image. It is safe for concurrent
// use: every Trace call runs its own session over the shared spec.
type Tracer struct {
	spec    *sla.Spec
	img     *elfx.Image
	symbols map[uint64]string
	Limit   int // instructions per function, MaxTraceInstructions when 0
}

func NewTracer(spec *sla.Spec, img *elfx.Image) *Tracer {
	return &Tracer{spec: spec, img: img, symbols: SymbolMap(img)}
}

// Trace decodes fn over its whole extent. Undecodable bytes are listed
// with their error and skipped one at a time.
func (t *Tracer) Trace(fn elfx.Func) (*Result, error) {
	code, ok := t.img.Bytes(fn)
	if !ok {
		return nil, fmt.Errorf("trace %s: %#x is not mapped", fn.Display(), fn.Addr)
	}
	limit := t.Limit
	if limit == 0 {
		limit = MaxTraceInstructions
	}
	sess := session.New(t.spec, session.Options{
		Assembly:        true,
		Pcode:           true,
		MaxInstructions: limit,
	})
	res, err := sess.Decode(code, fn.Addr)
	if err != nil && res.Stop != session.InsufficientBytes {
		return nil, fmt.Errorf("trace %s: %w", fn.Display(), err)
	}

	out := &Result{}
	errs := res.Errors
	for _, insn := range res.Instructions {
		for len(errs) > 0 && errs[0].Offset < insn.Offset {
			out.Listing = append(out.Listing, t.failed(code, fn.Addr, errs[0]))
			errs = errs[1:]
		}
		a := AnnotatedInst{
			VA:       insn.Address.Offset,
			Bytes:    insn.Bytes,
			Mnemonic: insn.Mnemonic,
			Operands: insn.Body,
		}
		for _, op := range insn.Pcode {
			a.Pcode = append(a.Pcode, op.Format(t.spec))
		}
		for _, tgt := range insn.Targets {
			f, ok := t.finding(a.VA, tgt)
			if !ok {
				continue
			}
			out.Findings = append(out.Findings, f)
			if f.Target != "" {
				a.Annotations = append(a.Annotations, f.Target)
			}
		}
		a.Annotations = append(a.Annotations, t.literals(insn.Pcode)...)
		out.Listing = append(out.Listing, a)
	}
	for _, e := range errs {
		out.Listing = append(out.Listing, t.failed(code, fn.Addr, e))
	}

	chain := NewDetectorChain(
		TailCalls{Start: fn.Addr, End: fn.Addr + fn.Size},
		SelfCalls{Start: fn.Addr},
	)
	out.Findings = chain.Detect(out.Findings)
	for _, f := range out.Findings {
		if f.Comment == "" {
			continue
		}
		for i := range out.Listing {
			if out.Listing[i].VA == f.CallVA {
				out.Listing[i].Annotations = append(out.Listing[i].Annotations, f.Comment)
			}
		}
	}
	return out, nil
}

func (t *Tracer) failed(code []byte, base uint64, e *session.DecodeError) AnnotatedInst {
	end := min(e.Offset+1, len(code))
	return AnnotatedInst{VA: base + uint64(e.Offset), Bytes: code[e.Offset:end], Err: e.Err}
}

func (t *Tracer) finding(va uint64, tgt pcode.Target) (CallFinding, bool) {
	f := CallFinding{CallVA: va, Flow: tgt.Flow}
	switch {
	case tgt.Flow == pcode.FlowReturn:
		return f, false
	case tgt.Indirect:
		f.Target = "indirect"
		return f, true
	case tgt.Address == nil:
		return f, false
	}
	f.TargetVA = tgt.Address.Offset
	if name, ok := t.symbols[f.TargetVA]; ok {
		f.Symbol = name
		f.Target = CachedDemangle(name)
	} else if tgt.Flow == pcode.FlowCall {
		f.Target = fmt.Sprintf("sub_%x", f.TargetVA)
	}
	return f, true
}

// literals reports constants that point at C strings in the image.
func (t *Tracer) literals(ops []pcode.Op) []string {
	var out []string
	seen := make(map[uint64]bool)
	addrSize := t.spec.DefaultCodeSpace().AddrSize
	for _, op := range ops {
		for _, in := range op.Inputs {
			if !in.IsConstant() || in.Size != addrSize || seen[in.Offset] {
				continue
			}
			seen[in.Offset] = true
			if s, ok := CString(t.img, in.Offset); ok {
				out = append(out, `"`+s+`"`)
			}
		}
	}
	return out
}
