// Package session runs decode passes: it owns the byte cursor and the
// processor context, and drives match, resolve, render and lift for each
// instruction according to its options.
//
// A Session is not safe for concurrent use. The *sla.Spec it decodes
// with may be shared by any number of sessions.
package session

import (
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"

	"hutch/internal/lift"
	"hutch/internal/match"
	"hutch/internal/pcode"
	"hutch/internal/render"
	"hutch/internal/resolve"
	"hutch/internal/sla"
	"hutch/internal/space"
)

// State is a session's position in its decode cycle.
type State int

const (
	Ready State = iota
	Decoding
	Stopped
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Decoding:
		return "decoding"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StopReason says why a pass ended.
type StopReason int

const (
	NotStopped StopReason = iota
	EndOfBuffer
	DecodeFailure
	InsufficientBytes
	LimitReached
)

func (r StopReason) String() string {
	switch r {
	case NotStopped:
		return "not stopped"
	case EndOfBuffer:
		return "end of buffer"
	case DecodeFailure:
		return "decode failure"
	case InsufficientBytes:
		return "insufficient bytes"
	case LimitReached:
		return "limit reached"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Operand is an operand as rendered, with its storage when it has one.
type Operand struct {
	Name    string         `json:"name"`
	Text    string         `json:"text"`
	Varnode *space.Varnode `json:"-"`
}

// Instruction is one decoded instruction. Offset, Address, Length and
// Bytes are always set; the rest follows the session options.
type Instruction struct {
	Offset      int            `json:"offset"`
	Address     space.Address  `json:"-"`
	Length      int            `json:"length"`
	Bytes       []byte         `json:"-"`
	AddressText string         `json:"address,omitempty"`
	Mnemonic    string         `json:"mnemonic,omitempty"`
	Body        string         `json:"body,omitempty"`
	Text        string         `json:"text,omitempty"`
	Operands    []Operand      `json:"operands,omitempty"`
	Pcode       []pcode.Op     `json:"-"`
	Targets     []pcode.Target `json:"-"`
}

// Result is everything one Decode call produced. Instructions decoded
// before a failure are always kept.
type Result struct {
	Instructions []Instruction
	Errors       []*DecodeError
	Stop         StopReason
	Consumed     int // bytes covered by Instructions and skipped offsets
}

// Err returns the error that ended the pass, if any.
func (r *Result) Err() error {
	if (r.Stop == DecodeFailure || r.Stop == InsufficientBytes) && len(r.Errors) > 0 {
		return r.Errors[len(r.Errors)-1]
	}
	return nil
}

// Session decodes buffers with one specification, carrying context and
// state between passes.
type Session struct {
	spec    *sla.Spec
	opts    Options
	initial sla.Context
	ctx     sla.Context
	state   State
	reason  StopReason
	logger  *log.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for per-pass debug summaries.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithContext seeds the context instead of the specification defaults.
func WithContext(c sla.Context) Option {
	return func(s *Session) { s.initial = c }
}

// New creates a session decoding with spec.
func New(spec *sla.Spec, opts Options, options ...Option) *Session {
	s := &Session{spec: spec, opts: opts, initial: spec.DefaultContext()}
	for _, o := range options {
		o(s)
	}
	s.ctx = s.initial
	return s
}

func (s *Session) Spec() *sla.Spec { return s.spec }

func (s *Session) Options() Options { return s.opts }

func (s *Session) State() State { return s.state }

func (s *Session) StopReason() StopReason { return s.reason }

// Context returns the context the next instruction will be decoded with.
func (s *Session) Context() sla.Context { return s.ctx }

// SetOptions changes the options for later passes.
func (s *Session) SetOptions(o Options) { s.opts = o }

// SetContext assigns a named context variable for the next pass.
func (s *Session) SetContext(name string, v uint64) error {
	c, err := s.spec.SetContext(s.ctx, name, v)
	if err != nil {
		return err
	}
	s.ctx = c
	s.initial, _ = s.spec.SetContext(s.initial, name, v)
	return nil
}

// Reset returns the session to Ready with its initial context.
func (s *Session) Reset() {
	s.ctx = s.initial
	s.state = Ready
	s.reason = NotStopped
}

// Decode decodes buf as code loaded at start. The returned error is the
// failure that stopped the pass, and is also recorded in the Result,
// which is never nil.
func (s *Session) Decode(buf []byte, start uint64) (*Result, error) {
	if !s.opts.PersistContext {
		s.ctx = s.initial
	}
	s.state, s.reason = Ready, NotStopped
	res := &Result{}
	code := s.spec.DefaultCodeSpace()
	base := space.Address{Space: code, Offset: code.Wrap(start)}

	off := 0
	for s.reason == NotStopped {
		switch {
		case off >= len(buf):
			s.reason = EndOfBuffer
			continue
		case s.opts.MaxInstructions > 0 && len(res.Instructions) >= s.opts.MaxInstructions,
			s.opts.MaxBytes > 0 && off >= s.opts.MaxBytes:
			s.reason = LimitReached
			continue
		}
		s.state = Decoding
		addr := base.Add(uint64(off))
		insn, commits, derr := s.decodeOne(buf[off:], addr)
		if derr != nil {
			derr.Offset = off
			res.Errors = append(res.Errors, derr)
			switch {
			case derr.Kind == KindInsufficientBytes:
				s.reason = InsufficientBytes
			case s.opts.StopOnError:
				s.reason = DecodeFailure
			default:
				off++
			}
			continue
		}
		insn.Offset = off
		res.Instructions = append(res.Instructions, *insn)
		// persistent context changes land only once the instruction is complete
		for _, c := range commits {
			s.ctx = s.ctx.With(&s.spec.Context[c.Field], c.Value)
		}
		off += insn.Length
	}
	s.state = Stopped
	res.Stop = s.reason
	res.Consumed = min(off, len(buf))
	if s.logger != nil {
		s.logger.Debug("decode pass",
			"start", base,
			"bytes", len(buf),
			"instructions", len(res.Instructions),
			"errors", len(res.Errors),
			"stop", s.reason,
		)
	}
	return res, res.Err()
}

// Lift decodes buf like Decode but populates only p-code.
func (s *Session) Lift(buf []byte, start uint64) ([]Instruction, error) {
	saved := s.opts
	s.opts.Address, s.opts.Assembly, s.opts.Pcode = false, false, true
	defer func() { s.opts = saved }()
	res, err := s.Decode(buf, start)
	return res.Instructions, err
}

func (s *Session) decodeOne(buf []byte, addr space.Address) (*Instruction, []resolve.Commit, *DecodeError) {
	fail := func(err error) *DecodeError {
		return &DecodeError{Kind: classify(err), Address: addr, Err: err}
	}
	m, err := match.Match(s.spec, buf, s.ctx)
	if err != nil {
		return nil, nil, fail(err)
	}
	in, err := resolve.Resolve(s.spec, m, buf, addr)
	if err != nil {
		return nil, nil, fail(err)
	}
	insn := &Instruction{
		Address: addr,
		Length:  in.Length,
		Bytes:   slices.Clone(in.Bytes),
	}
	if s.opts.Address {
		insn.AddressText = addr.String()
	}
	if s.opts.Assembly {
		text := render.Render(in)
		insn.Mnemonic, insn.Body, insn.Text = text.Mnemonic, text.Body, text.String()
		insn.Operands = operands(in)
	}
	if s.opts.Pcode {
		ops, err := lift.Emit(in)
		if err != nil {
			return nil, nil, &DecodeError{Kind: KindEmit, Address: addr, Err: err}
		}
		insn.Pcode = ops
		for _, op := range ops {
			if t, ok := pcode.TargetOf(op); ok {
				insn.Targets = append(insn.Targets, t)
			}
		}
	}
	return insn, in.Commits, nil
}

func operands(in *resolve.Instruction) []Operand {
	root := in.Root
	out := make([]Operand, 0, len(root.Operands))
	for i, v := range root.Operands {
		op := Operand{Name: root.Constructor.Operands[i].Name, Text: render.Operand(in, v)}
		if vn, ok := in.Varnode(v); ok {
			op.Varnode = &vn
		}
		out = append(out, op)
	}
	return out
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, match.ErrInsufficientBytes):
		return KindInsufficientBytes
	case errors.Is(err, resolve.ErrUndefinedEncoding):
		return KindUndefinedEncoding
	case errors.Is(err, resolve.ErrResolve):
		return KindResolve
	}
	return KindNoMatch
}
