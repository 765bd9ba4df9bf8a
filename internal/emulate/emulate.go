// Package emulate executes lifted p-code against a sparse machine state.
// It decodes one instruction at a time through a session, so context
// changes committed by an instruction apply to the next one.
package emulate

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/charmbracelet/log"

	"hutch/internal/pcode"
	"hutch/internal/session"
	"hutch/internal/sla"
	"hutch/internal/space"
)

var (
	ErrStepLimit     = errors.New("step limit reached")
	ErrUnknownUserOp = errors.New("no handler for user operation")
	ErrDivideByZero  = errors.New("division by zero")
	ErrBadBranch     = errors.New("relative branch leaves the instruction")
	ErrUnknownName   = errors.New("unknown register")
	errUnsupportedOp = errors.New("unsupported operation")
)

// Fault is an execution failure at a specific instruction.
type Fault struct {
	PC  uint64
	Err error
}

func (f *Fault) Error() string { return fmt.Sprintf("fault at %#x: %v", f.PC, f.Err) }

func (f *Fault) Unwrap() error { return f.Err }

// Handler implements a user-defined operation. op.Inputs[0] names the
// operation; the remaining inputs are its arguments.
type Handler func(e *Emulator, op pcode.Op) error

// Callback runs before the instruction at its address executes.
// Returning true halts the emulator without executing it.
type Callback func(e *Emulator) bool

type Emulator struct {
	spec     *sla.Spec
	state    *State
	sess     *session.Session
	code     space.Space
	pc       uint64
	halted   bool
	steps    int
	handlers map[string]Handler
	breaks   map[uint64]Callback
	logger   *log.Logger
}

type Option func(*Emulator)

// WithLogger logs every executed instruction at debug level.
func WithLogger(l *log.Logger) Option {
	return func(e *Emulator) { e.logger = l }
}

// New creates an emulator with zeroed memory. The "halt" user operation,
// if the specification declares one, stops execution.
func New(spec *sla.Spec, options ...Option) *Emulator {
	e := &Emulator{
		spec:     spec,
		state:    newState(spec.Spaces),
		code:     spec.DefaultCodeSpace(),
		handlers: make(map[string]Handler),
		breaks:   make(map[uint64]Callback),
	}
	for _, o := range options {
		o(e)
	}
	e.sess = session.New(spec, session.Options{
		Pcode:           true,
		StopOnError:     true,
		MaxInstructions: 1,
		PersistContext:  true,
	}, session.WithLogger(e.logger))
	if _, ok := spec.UserOp("halt"); ok {
		e.handlers["halt"] = func(e *Emulator, _ pcode.Op) error {
			e.Halt()
			return nil
		}
	}
	return e
}

func (e *Emulator) State() *State { return e.state }

func (e *Emulator) PC() uint64 { return e.pc }

func (e *Emulator) SetPC(addr uint64) { e.pc = e.code.Wrap(addr) }

func (e *Emulator) Halted() bool { return e.halted }

// Steps counts executed instructions.
func (e *Emulator) Steps() int { return e.steps }

// Halt stops Run after the current instruction.
func (e *Emulator) Halt() { e.halted = true }

// Load copies data into the code space at addr.
func (e *Emulator) Load(addr uint64, data []byte) {
	e.state.Space(e.code.Index).Write(addr, data)
}

func (e *Emulator) Register(name string) (uint64, error) {
	v, ok := e.spec.Register(name)
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrUnknownName, name)
	}
	return e.state.Get(v), nil
}

func (e *Emulator) SetRegister(name string, x uint64) error {
	v, ok := e.spec.Register(name)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownName, name)
	}
	e.state.Set(v, x)
	return nil
}

// HandleUserOp installs h for the named user operation.
func (e *Emulator) HandleUserOp(name string, h Handler) error {
	if _, ok := e.spec.UserOp(name); !ok {
		return fmt.Errorf("%w: %s is not declared", ErrUnknownUserOp, name)
	}
	e.handlers[name] = h
	return nil
}

// OnAddress registers cb for addr, replacing any earlier callback.
func (e *Emulator) OnAddress(addr uint64, cb Callback) {
	e.breaks[e.code.Wrap(addr)] = cb
}

// Run steps until the emulator halts, ctx is cancelled, or limit
// instructions have executed. A limit of 0 means no limit.
func (e *Emulator) Run(ctx context.Context, limit int) error {
	for !e.halted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && e.steps >= limit {
			return ErrStepLimit
		}
		if err := e.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step executes one instruction.
func (e *Emulator) Step() error {
	if cb, ok := e.breaks[e.pc]; ok && cb(e) {
		e.halted = true
		return nil
	}
	pc := e.pc
	buf := e.state.Space(e.code.Index).Read(pc, e.spec.MaxLength)
	insns, err := e.sess.Lift(buf, pc)
	if err != nil {
		return &Fault{PC: pc, Err: err}
	}
	insn := insns[0]
	e.steps++
	if e.logger != nil {
		e.logger.Debug("step", "pc", insn.Address, "length", insn.Length, "ops", len(insn.Pcode))
	}
	next, err := e.run(insn.Pcode)
	if err != nil {
		return &Fault{PC: pc, Err: err}
	}
	switch {
	case next != nil:
		e.pc = e.code.Wrap(*next)
	case !e.halted:
		e.pc = e.code.Wrap(pc + uint64(insn.Length))
	}
	return nil
}

// run executes one instruction's ops and returns the branch destination,
// or nil to fall through.
func (e *Emulator) run(ops []pcode.Op) (*uint64, error) {
	for i := 0; i < len(ops) && !e.halted; {
		op := ops[i]
		switch op.Opcode {
		case pcode.Branch, pcode.Call, pcode.CBranch:
			if op.Opcode == pcode.CBranch && e.state.Get(op.Inputs[1]) == 0 {
				i++
				continue
			}
			dest := op.Inputs[0]
			if !dest.IsConstant() {
				return &dest.Offset, nil
			}
			i += int(space.SignExtend(dest.Offset, 8*dest.Size))
			if i < 0 || i > len(ops) {
				return nil, ErrBadBranch
			}
			continue
		case pcode.BranchInd, pcode.CallInd, pcode.Return:
			dest := e.state.Get(op.Inputs[0])
			return &dest, nil
		case pcode.CallOther:
			name := e.spec.UserOps[op.Inputs[0].Offset]
			h, ok := e.handlers[name]
			if !ok {
				return nil, fmt.Errorf("%w %s", ErrUnknownUserOp, name)
			}
			if err := h(e, op); err != nil {
				return nil, err
			}
		default:
			if err := e.exec(op); err != nil {
				return nil, err
			}
		}
		i++
	}
	return nil, nil
}

func (e *Emulator) exec(op pcode.Op) error {
	st := e.state
	in := func(i int) uint64 { return st.Get(op.Inputs[i]) }
	sx := func(i int) int64 { return space.SignExtend(in(i), 8*op.Inputs[i].Size) }
	flag := func(b bool) uint64 {
		if b {
			return 1
		}
		return 0
	}
	var r uint64
	switch op.Opcode {
	case pcode.Copy, pcode.IntZext:
		r = in(0)
	case pcode.Load:
		mem := st.Space(int(in(0)))
		if mem == nil {
			return fmt.Errorf("load from space %d", in(0))
		}
		r = mem.Value(in(1), op.Output.Size)
	case pcode.Store:
		mem := st.Space(int(in(0)))
		if mem == nil {
			return fmt.Errorf("store to space %d", in(0))
		}
		mem.SetValue(in(1), op.Inputs[2].Size, in(2))
		return nil
	case pcode.IntSext:
		r = uint64(sx(0))
	case pcode.IntEqual:
		r = flag(in(0) == in(1))
	case pcode.IntNotEqual:
		r = flag(in(0) != in(1))
	case pcode.IntLess:
		r = flag(in(0) < in(1))
	case pcode.IntLessEqual:
		r = flag(in(0) <= in(1))
	case pcode.IntSLess:
		r = flag(sx(0) < sx(1))
	case pcode.IntSLessEqual:
		r = flag(sx(0) <= sx(1))
	case pcode.IntAdd:
		r = in(0) + in(1)
	case pcode.IntSub:
		r = in(0) - in(1)
	case pcode.IntCarry:
		size := op.Inputs[0].Size
		r = flag(space.Truncate(in(0)+in(1), size) < in(0))
	case pcode.IntSCarry:
		size := op.Inputs[0].Size
		a, b := sx(0), sx(1)
		res := space.SignExtend(in(0)+in(1), 8*size)
		r = flag((a < 0) == (b < 0) && (res < 0) != (a < 0))
	case pcode.IntSBorrow:
		size := op.Inputs[0].Size
		a, b := sx(0), sx(1)
		res := space.SignExtend(in(0)-in(1), 8*size)
		r = flag((a < 0) != (b < 0) && (res < 0) != (a < 0))
	case pcode.Int2Comp:
		r = -in(0)
	case pcode.IntNegate:
		r = ^in(0)
	case pcode.IntXor:
		r = in(0) ^ in(1)
	case pcode.IntAnd:
		r = in(0) & in(1)
	case pcode.IntOr:
		r = in(0) | in(1)
	case pcode.IntLeft:
		if n := in(1); n < 64 {
			r = in(0) << n
		}
	case pcode.IntRight:
		if n := in(1); n < 64 {
			r = in(0) >> n
		}
	case pcode.IntSRight:
		r = uint64(sx(0) >> min(in(1), 63))
	case pcode.IntMult:
		r = in(0) * in(1)
	case pcode.IntDiv, pcode.IntRem:
		if in(1) == 0 {
			return ErrDivideByZero
		}
		if op.Opcode == pcode.IntDiv {
			r = in(0) / in(1)
		} else {
			r = in(0) % in(1)
		}
	case pcode.IntSDiv, pcode.IntSRem:
		if in(1) == 0 {
			return ErrDivideByZero
		}
		if op.Opcode == pcode.IntSDiv {
			r = uint64(sx(0) / sx(1))
		} else {
			r = uint64(sx(0) % sx(1))
		}
	case pcode.BoolNegate:
		r = flag(in(0)&1 == 0)
	case pcode.BoolXor:
		r = (in(0) ^ in(1)) & 1
	case pcode.BoolAnd:
		r = in(0) & in(1) & 1
	case pcode.BoolOr:
		r = (in(0) | in(1)) & 1
	case pcode.Piece:
		r = in(0)<<(8*uint(op.Inputs[1].Size)) | in(1)
	case pcode.Subpiece:
		if n := in(1); n < 8 {
			r = in(0) >> (8 * n)
		}
	case pcode.Popcount:
		r = uint64(bits.OnesCount64(in(0)))
	default:
		return fmt.Errorf("%w %s", errUnsupportedOp, op.Opcode)
	}
	st.Set(*op.Output, r)
	return nil
}
