package session

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"hutch/internal/match"
	"hutch/internal/processors"
	"hutch/internal/sla"
)

// push ebp; mov ebp, esp; mov eax, 0x12345678
var prologue = []byte{0x55, 0x89, 0xe5, 0xb8, 0x78, 0x56, 0x34, 0x12}

type row struct {
	Offset  int
	Length  int
	Address string
	Text    string
}

func rows(res *Result) []row {
	var out []row
	for _, insn := range res.Instructions {
		out = append(out, row{insn.Offset, insn.Length, insn.AddressText, insn.Text})
	}
	return out
}

func TestDecodePrologue(t *testing.T) {
	spec := processors.MustLoad("x86")
	opts := DefaultOptions()
	opts.Pcode = true
	s := New(spec, opts)
	res, err := s.Decode(prologue, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	want := []row{
		{0, 1, "ram:0x00001000", "push ebp"},
		{1, 2, "ram:0x00001001", "mov ebp, esp"},
		{3, 5, "ram:0x00001003", "mov eax, 0x12345678"},
	}
	if diff := cmp.Diff(want, rows(res)); diff != "" {
		t.Errorf("instructions (-want +got):\n%s", diff)
	}
	if res.Stop != EndOfBuffer || res.Consumed != len(prologue) || len(res.Errors) != 0 {
		t.Errorf("stop=%v consumed=%d errors=%v", res.Stop, res.Consumed, res.Errors)
	}
	if s.State() != Stopped || s.StopReason() != EndOfBuffer {
		t.Errorf("state=%v reason=%v", s.State(), s.StopReason())
	}

	wantPcode := [][]string{
		{
			"(register,esp,4) = INT_SUB (register,esp,4) (const,0x4,4)",
			"(unique,0x1000,4) = COPY (register,ebp,4)",
			"STORE (const,0x1,8) (register,esp,4) (unique,0x1000,4)",
		},
		{"(register,ebp,4) = COPY (register,esp,4)"},
		{"(register,eax,4) = COPY (const,0x12345678,4)"},
	}
	var got [][]string
	for _, insn := range res.Instructions {
		var ops []string
		for i, op := range insn.Pcode {
			if op.Seq != i {
				t.Errorf("%s: op %d has seq %d", insn.Text, i, op.Seq)
			}
			ops = append(ops, op.Format(spec))
		}
		got = append(got, ops)
	}
	if diff := cmp.Diff(wantPcode, got); diff != "" {
		t.Errorf("p-code (-want +got):\n%s", diff)
	}

	mov := res.Instructions[1]
	if mov.Mnemonic != "mov" || mov.Body != "ebp, esp" {
		t.Errorf("mnemonic=%q body=%q", mov.Mnemonic, mov.Body)
	}
	if diff := cmp.Diff([]byte{0x89, 0xe5}, mov.Bytes); diff != "" {
		t.Errorf("bytes (-want +got):\n%s", diff)
	}
}

func TestTruncated(t *testing.T) {
	s := New(processors.MustLoad("x86"), DefaultOptions())
	res, err := s.Decode([]byte{0xb8, 0x78, 0x56}, 0x1000)
	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Kind != KindInsufficientBytes {
		t.Fatalf("err = %v, want insufficient bytes", err)
	}
	if !errors.Is(err, match.ErrInsufficientBytes) {
		t.Errorf("err %v does not wrap match.ErrInsufficientBytes", err)
	}
	if len(res.Instructions) != 0 || res.Stop != InsufficientBytes || res.Consumed != 0 {
		t.Errorf("instructions=%d stop=%v consumed=%d", len(res.Instructions), res.Stop, res.Consumed)
	}

	// earlier instructions survive a truncated tail, even when errors are skipped
	s.SetOptions(Options{Assembly: true})
	res, err = s.Decode(prologue[:6], 0x1000)
	if err == nil || res.Stop != InsufficientBytes {
		t.Fatalf("err=%v stop=%v", err, res.Stop)
	}
	if len(res.Instructions) != 2 || res.Consumed != 3 || res.Errors[0].Offset != 3 {
		t.Errorf("instructions=%d consumed=%d errors=%v", len(res.Instructions), res.Consumed, res.Errors)
	}
}

func TestErrorPolicy(t *testing.T) {
	code := []byte{0x55, 0xd6, 0xc3}
	spec := processors.MustLoad("x86")

	s := New(spec, DefaultOptions())
	res, err := s.Decode(code, 0)
	if !errors.Is(err, match.ErrNoMatch) {
		t.Fatalf("err = %v, want no match", err)
	}
	if len(res.Instructions) != 1 || res.Stop != DecodeFailure || res.Consumed != 1 {
		t.Errorf("instructions=%d stop=%v consumed=%d", len(res.Instructions), res.Stop, res.Consumed)
	}

	opts := DefaultOptions()
	opts.StopOnError = false
	s = New(spec, opts)
	res, err = s.Decode(code, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []row{
		{0, 1, "ram:0x00000000", "push ebp"},
		{2, 1, "ram:0x00000002", "ret"},
	}
	if diff := cmp.Diff(want, rows(res)); diff != "" {
		t.Errorf("instructions (-want +got):\n%s", diff)
	}
	if len(res.Errors) != 1 || res.Errors[0].Offset != 1 || res.Errors[0].Kind != KindNoMatch {
		t.Errorf("errors = %v", res.Errors)
	}
	if res.Stop != EndOfBuffer || res.Consumed != 3 {
		t.Errorf("stop=%v consumed=%d", res.Stop, res.Consumed)
	}
}

func TestUndefinedEncoding(t *testing.T) {
	s := New(processors.MustLoad("8085"), DefaultOptions())
	_, err := s.Decode([]byte{0x86}, 0)
	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Kind != KindUndefinedEncoding {
		t.Fatalf("err = %v, want undefined encoding", err)
	}
	if derr.Kind.String() != "undefined encoding" {
		t.Errorf("kind = %q", derr.Kind)
	}
}

// Every byte is either covered by exactly one instruction or reported
// as one skipped offset, in address order.
func TestCoverage(t *testing.T) {
	code := make([]byte, 256)
	for i := range code {
		code[i] = byte(i)
	}
	s := New(processors.MustLoad("x86"), Options{Assembly: true, Pcode: true})
	res, _ := s.Decode(code, 0x400000)

	type span struct{ off, n int }
	var spans []span
	for _, insn := range res.Instructions {
		if insn.Address.Offset != 0x400000+uint64(insn.Offset) {
			t.Errorf("%s at offset %d has address %v", insn.Text, insn.Offset, insn.Address)
		}
		spans = append(spans, span{insn.Offset, insn.Length})
	}
	for _, e := range res.Errors {
		n := 1
		if e.Kind == KindInsufficientBytes {
			n = 0
		}
		spans = append(spans, span{e.Offset, n})
	}
	covered := make([]int, len(code))
	for _, sp := range spans {
		for i := sp.off; i < sp.off+sp.n; i++ {
			covered[i]++
		}
	}
	for i := 0; i < res.Consumed; i++ {
		if covered[i] != 1 {
			t.Fatalf("byte %d covered %d times", i, covered[i])
		}
	}
	for i := 1; i < len(res.Instructions); i++ {
		if res.Instructions[i].Offset <= res.Instructions[i-1].Offset {
			t.Fatalf("instruction %d does not advance", i)
		}
	}
}

var sample = []byte{
	0x55,                                     // push ebp
	0x89, 0xe5,                               // mov ebp, esp
	0x83, 0xec, 0x10,                         // sub esp, 0x10
	0x8b, 0x45, 0x08,                         // mov eax, [ebp+8]
	0x66, 0x89, 0xe5,                         // mov bp, sp
	0xc7, 0x45, 0xf8, 0x01, 0x00, 0x00, 0x00, // mov dword [ebp-8], 1
	0x74, 0x02,                               // jz
	0xe8, 0x00, 0x00, 0x00, 0x00,             // call
	0xc9,                                     // leave
	0xc3,                                     // ret
}

func boundaries(res *Result) [][2]int {
	var out [][2]int
	for _, insn := range res.Instructions {
		out = append(out, [2]int{insn.Offset, insn.Length})
	}
	return out
}

func TestOutputFlagsKeepBoundaries(t *testing.T) {
	spec := processors.MustLoad("x86")
	var want [][2]int
	for f := Flags(0); f <= FlagAddress|FlagPcode|FlagAssembly; f++ {
		s := New(spec, Options{StopOnError: true}.WithFlags(f))
		res, err := s.Decode(sample, 0x1000)
		if err != nil {
			t.Fatalf("%v: %v", f, err)
		}
		got := boundaries(res)
		if want == nil {
			want = got
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%v changed boundaries (-want +got):\n%s", f, diff)
		}
		insn := res.Instructions[0]
		if (insn.Text != "") != (f&FlagAssembly != 0) || (insn.AddressText != "") != (f&FlagAddress != 0) || (insn.Pcode != nil) != (f&FlagPcode != 0) {
			t.Errorf("%v populated text=%q addr=%q pcode=%d", f, insn.Text, insn.AddressText, len(insn.Pcode))
		}
	}
}

func TestDeterministic(t *testing.T) {
	spec := processors.MustLoad("x86")
	opts := Options{Address: true, Assembly: true, Pcode: true, StopOnError: true}
	first, err := New(spec, opts).Decode(sample, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	s := New(spec, opts)
	for range 3 {
		again, err := s.Decode(sample, 0x1000)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("repeat decode differs (-first +again):\n%s", diff)
		}
	}
}

func TestConcurrentSessions(t *testing.T) {
	spec := processors.MustLoad("x86")
	opts := Options{Assembly: true, Pcode: true, StopOnError: true}
	want, err := New(spec, opts).Decode(sample, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	var g errgroup.Group
	results := make([]*Result, 16)
	for i := range results {
		g.Go(func() error {
			res, err := New(spec, opts).Decode(sample, 0x1000)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i, res := range results {
		if diff := cmp.Diff(want, res); diff != "" {
			t.Errorf("session %d differs (-want +got):\n%s", i, diff)
		}
	}
}

func TestLimits(t *testing.T) {
	spec := processors.MustLoad("x86")
	tests := []struct {
		name string
		opts Options
		want int
	}{
		{"max instructions", Options{MaxInstructions: 2}, 2},
		{"max bytes on boundary", Options{MaxBytes: 3}, 2},
		{"max bytes inside instruction", Options{MaxBytes: 2}, 2},
		{"max bytes one", Options{MaxBytes: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(spec, tt.opts).Decode(prologue, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Instructions) != tt.want || res.Stop != LimitReached {
				t.Errorf("instructions=%d stop=%v", len(res.Instructions), res.Stop)
			}
		})
	}
}

func TestSetContext(t *testing.T) {
	s := New(processors.MustLoad("x86"), Options{Assembly: true})
	if err := s.SetContext("opsize", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.SetContext("nope", 0); err == nil {
		t.Error("SetContext accepted an unknown variable")
	}
	for range 2 {
		res, err := s.Decode([]byte{0xb8, 0x34, 0x12}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if got := res.Instructions[0].Text; got != "mov ax, 0x1234" {
			t.Errorf("Text = %q", got)
		}
		s.Reset()
	}
}

const modal = `
name: modal
spaces: [{name: ram, kind: code, addrsize: 2}]
registers: []
context: [{name: mode, lsb: 0, msb: 0}]
tokens:
  - {name: b, size: 1, fields: [{name: op, lsb: 0, msb: 7}]}
tables:
  - name: instruction
    constructors:
      - pattern: [{token: b, match: {op: 1}}]
        commit: {mode: "1"}
        display: "wide"
      - pattern: [{token: b, match: {op: 2}}]
        context: {mode: 0}
        display: "short"
      - pattern: [{token: b, match: {op: 2}}]
        context: {mode: 1}
        display: "long"
`

func TestCommittedContext(t *testing.T) {
	spec, err := sla.Load([]byte(modal), "modal.yaml")
	if err != nil {
		t.Fatal(err)
	}
	texts := func(res *Result) []string {
		var out []string
		for _, insn := range res.Instructions {
			out = append(out, insn.Text)
		}
		return out
	}

	s := New(spec, Options{Assembly: true})
	res, _ := s.Decode([]byte{2, 1, 2}, 0)
	if diff := cmp.Diff([]string{"short", "wide", "long"}, texts(res)); diff != "" {
		t.Errorf("first pass (-want +got):\n%s", diff)
	}
	res, _ = s.Decode([]byte{2}, 0)
	if diff := cmp.Diff([]string{"short"}, texts(res)); diff != "" {
		t.Errorf("fresh pass (-want +got):\n%s", diff)
	}

	s = New(spec, Options{Assembly: true, PersistContext: true})
	s.Decode([]byte{1}, 0)
	res, _ = s.Decode([]byte{2}, 0)
	if diff := cmp.Diff([]string{"long"}, texts(res)); diff != "" {
		t.Errorf("persisted pass (-want +got):\n%s", diff)
	}
	s.Reset()
	res, _ = s.Decode([]byte{2}, 0)
	if diff := cmp.Diff([]string{"short"}, texts(res)); diff != "" {
		t.Errorf("after reset (-want +got):\n%s", diff)
	}
}

func TestLift(t *testing.T) {
	s := New(processors.MustLoad("x86"), DefaultOptions())
	insns, err := s.Lift(prologue, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(insns) != 3 || insns[0].Text != "" || insns[0].AddressText != "" || len(insns[0].Pcode) != 3 {
		t.Fatalf("Lift = %+v", insns)
	}
	if diff := cmp.Diff(DefaultOptions(), s.Options()); diff != "" {
		t.Errorf("options not restored (-want +got):\n%s", diff)
	}
}

func TestTargets(t *testing.T) {
	s := New(processors.MustLoad("x86"), Options{Pcode: true})
	res, err := s.Decode([]byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	call := res.Instructions[0].Targets
	if len(call) != 1 || call[0].Address == nil || call[0].Address.Offset != 0x1005 {
		t.Errorf("call targets = %+v", call)
	}
	ret := res.Instructions[1].Targets
	if len(ret) != 1 || !ret[0].Indirect {
		t.Errorf("ret targets = %+v", ret)
	}
}

func TestFlags(t *testing.T) {
	f, err := ParseFlags("addr|pcode")
	if err != nil {
		t.Fatal(err)
	}
	if f != FlagAddress|FlagPcode || f.String() != "addr|pcode" {
		t.Errorf("ParseFlags = %v", f)
	}
	if got := DefaultOptions().Flags(); got != FlagAddress|FlagAssembly {
		t.Errorf("default flags = %v", got)
	}
	if _, err := ParseFlags("asm,bogus"); err == nil {
		t.Error("ParseFlags accepted an unknown flag")
	}
	if Flags(0).String() != "none" {
		t.Errorf("empty flags = %q", Flags(0).String())
	}
}
