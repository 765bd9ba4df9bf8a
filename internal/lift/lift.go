// Package lift expands a resolved instruction's semantic templates into
// p-code.
package lift

import (
	"fmt"

	"hutch/internal/pcode"
	"hutch/internal/resolve"
	"hutch/internal/sla"
	"hutch/internal/space"
)

// handle is what an operand or export denotes: a fixed varnode, or a
// memory location whose address is held in ptr.
type handle struct {
	fixed   space.Varnode
	dynamic bool
	space   space.Space
	size    int
	ptr     space.Varnode
}

// Emit returns the p-code for in. Temporaries are numbered from the
// specification's unique base in emission order, so equal inputs always
// yield identical sequences.
func Emit(in *resolve.Instruction) ([]pcode.Op, error) {
	e := &emitter{in: in, spec: in.Spec, next: in.Spec.UniqueBase}
	if _, err := e.node(in.Root); err != nil {
		return nil, err
	}
	return e.ops, nil
}

type emitter struct {
	in   *resolve.Instruction
	spec *sla.Spec
	ops  []pcode.Op
	next uint64
}

// frame is the per-constructor state while its templates are expanded.
type frame struct {
	n       *resolve.Node
	temps   []space.Varnode
	exports []*handle
}

func (e *emitter) temp(size int) space.Varnode {
	v := space.Varnode{Space: e.spec.Spaces[e.spec.UniqueSpace], Offset: e.next, Size: size}
	e.next += uint64((size + 0xf) &^ 0xf)
	if size == 0 {
		e.next += 0x10
	}
	return v
}

func (e *emitter) node(n *resolve.Node) (*handle, error) {
	c := n.Constructor
	f := &frame{n: n, exports: make([]*handle, len(n.Operands))}
	for _, t := range c.Temps {
		f.temps = append(f.temps, e.temp(t.Size))
	}
	for i, v := range n.Operands {
		if v.Kind != resolve.ValueSubtable {
			continue
		}
		h, err := e.node(v.Sub)
		if err != nil {
			return nil, err
		}
		f.exports[i] = h
	}
	for i := range c.Semantics {
		if err := e.statement(f, &c.Semantics[i]); err != nil {
			return nil, fmt.Errorf("%s: %q: %w", e.spec.Describe(c), c.Semantics[i].Text, err)
		}
	}
	if c.Export == nil {
		return nil, nil
	}
	return e.handle(f, c.Export)
}

func (e *emitter) handle(f *frame, t *sla.VarnodeTemplate) (*handle, error) {
	switch t.Kind {
	case sla.VarRegister:
		return &handle{fixed: e.spec.RegisterVarnode(t.Index)}, nil
	case sla.VarConst:
		return &handle{fixed: space.Constant(t.Value, t.Size)}, nil
	case sla.VarTemp:
		return &handle{fixed: f.temps[t.Index]}, nil
	case sla.VarInstStart, sla.VarInstNext:
		size := t.Size
		if size == 0 {
			size = e.spec.DefaultCodeSpace().AddrSize
		}
		return &handle{fixed: space.Constant(e.instAddr(t.Kind), size)}, nil
	case sla.VarSpace, sla.VarUserOp:
		return &handle{fixed: space.Constant(uint64(t.Index), t.Size)}, nil
	case sla.VarContext:
		field := &e.spec.Context[t.Index]
		return &handle{fixed: space.Constant(uint64(f.n.Match.Context.Int(field)), t.Size)}, nil
	case sla.VarOperand:
		return e.operand(f, t)
	case sla.VarDynamic:
		ph, err := e.handle(f, t.Ptr)
		if err != nil {
			return nil, err
		}
		sp := e.spec.Spaces[t.Index]
		ptr := e.read(ph)
		if ptr.IsConstant() && ptr.Size == 0 {
			ptr = space.Constant(ptr.Offset, sp.AddrSize)
		}
		return &handle{dynamic: true, space: sp, size: t.Size, ptr: ptr}, nil
	}
	return nil, fmt.Errorf("bad varnode template kind %d", t.Kind)
}

func (e *emitter) operand(f *frame, t *sla.VarnodeTemplate) (*handle, error) {
	v := f.n.Operands[t.Index]
	if v.Kind == resolve.ValueSubtable {
		h := f.exports[t.Index]
		if h == nil {
			return nil, fmt.Errorf("subtable operand %s exports nothing", f.n.Constructor.Operands[t.Index].Name)
		}
		if t.Size == 0 {
			return h, nil
		}
		sized := *h
		if sized.dynamic {
			sized.size = t.Size
		} else {
			sized.fixed = resize(sized.fixed, t.Size)
		}
		return &sized, nil
	}
	vn, _ := e.in.Varnode(v)
	if t.Size != 0 {
		vn = resize(vn, t.Size)
	}
	return &handle{fixed: vn}, nil
}

func resize(v space.Varnode, size int) space.Varnode {
	if v.IsConstant() {
		return space.Constant(v.Offset, size)
	}
	v.Size = size
	return v
}

func (e *emitter) instAddr(k sla.VarnodeKind) uint64 {
	if k == sla.VarInstNext {
		return e.in.Next().Offset
	}
	return e.in.Address.Offset
}

// read makes h usable as an input, loading dynamic references into a temp.
func (e *emitter) read(h *handle) space.Varnode {
	if !h.dynamic {
		return h.fixed
	}
	tmp := e.temp(h.size)
	e.append(pcode.Op{
		Opcode: pcode.Load,
		Output: &tmp,
		Inputs: []space.Varnode{space.Constant(uint64(h.space.Index), 8), h.ptr},
	})
	return tmp
}

func (e *emitter) append(op pcode.Op) {
	op.Seq = len(e.ops)
	e.ops = append(e.ops, op)
}

func (e *emitter) statement(f *frame, st *sla.Statement) error {
	flow := pcode.FlowOf(st.Opcode)
	inputs := make([]space.Varnode, len(st.Inputs))
	for i := range st.Inputs {
		t := &st.Inputs[i]
		if i == 0 && (flow == pcode.FlowBranch || flow == pcode.FlowConditional || flow == pcode.FlowCall) &&
			(t.Kind == sla.VarInstStart || t.Kind == sla.VarInstNext) {
			code := e.spec.DefaultCodeSpace()
			inputs[i] = space.Varnode{Space: code, Offset: e.instAddr(t.Kind), Size: code.AddrSize}
			continue
		}
		h, err := e.handle(f, t)
		if err != nil {
			return err
		}
		inputs[i] = e.read(h)
	}
	var (
		out   *space.Varnode
		store *handle
	)
	if st.Output != nil {
		h, err := e.handle(f, st.Output)
		if err != nil {
			return err
		}
		if h.dynamic {
			tmp := e.temp(h.size)
			out, store = &tmp, h
		} else {
			v := h.fixed
			out = &v
		}
	}
	inferSizes(st.Opcode, inputs, out, e.spec.DefaultCodeSpace().AddrSize)
	e.append(pcode.Op{Opcode: st.Opcode, Output: out, Inputs: inputs})
	if store != nil {
		e.append(pcode.Op{
			Opcode: pcode.Store,
			Inputs: []space.Varnode{space.Constant(uint64(store.space.Index), 8), store.ptr, *out},
		})
	}
	return nil
}

// inferSizes gives unsized constants the size of a sibling input, then
// of the output, then the address size. Branch destinations always take
// the address size.
func inferSizes(op pcode.Opcode, inputs []space.Varnode, out *space.Varnode, addrSize int) {
	first := 0
	switch {
	case op == pcode.Load || op == pcode.Store || op == pcode.CallOther:
		first = 1
	case pcode.FlowOf(op) != pcode.FlowNone && len(inputs) > 0:
		// destinations are addresses, never sized by the condition
		if inputs[0].IsConstant() && inputs[0].Size == 0 {
			inputs[0] = space.Constant(inputs[0].Offset, addrSize)
		}
		first = 1
	}
	size := 0
	for _, in := range inputs[first:] {
		if in.Size > 0 {
			size = in.Size
			break
		}
	}
	if size == 0 && out != nil {
		size = out.Size
	}
	if size == 0 {
		size = addrSize
	}
	for i := first; i < len(inputs); i++ {
		if inputs[i].Size == 0 && inputs[i].IsConstant() {
			inputs[i] = space.Constant(inputs[i].Offset, size)
		}
	}
	if out != nil && out.Size == 0 {
		out.Size = size
	}
}
