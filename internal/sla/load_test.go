package sla

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"hutch/internal/pcode"
)

const toyHeader = `
name: toy
endian: big
spaces:
  - {name: ram, kind: code, addrsize: 2}
  - {name: register, kind: register, addrsize: 1}
registers:
  - {names: [r0, r1, r2, r3], offset: 0, size: 1}
  - {name: acc, offset: 0x10, size: 2}
context:
  - {name: mode, lsb: 0, msb: 0}
attach:
  - {name: regs, registers: [r0, r1, r2, _]}
tokens:
  - name: ins
    size: 1
    fields:
      - {name: op, lsb: 0, msb: 7}
      - {name: opc, lsb: 4, msb: 7}
      - {name: rd, lsb: 2, msb: 3, attach: regs}
      - {name: rs, lsb: 0, msb: 1, attach: regs}
      - {name: low, lsb: 0, msb: 3}
  - name: imm
    size: 2
    fields:
      - {name: imm16, lsb: 0, msb: 15}
      - {name: simm16, lsb: 0, msb: 15, signed: true}
userops: [trap]
macros:
  - name: setacc
    params: [v]
    body: ["acc = INT_ZEXT v"]
`

const toyTables = `
tables:
  - name: instruction
    constructors:
      - pattern: [{token: ins, match: {opc: 1}}]
        context: {mode: 0}
        display: "mov {rd}, {rs}"
        semantics: ["rd = COPY rs"]
      - pattern: [{token: ins, match: {opc: 1}}]
        context: {mode: 1}
        display: "add {rd}, {rs}"
        semantics: ["rd = INT_ADD rd, rs"]
      - pattern: [{token: ins, match: {op: 0xf0}}]
        commit: {mode: "1"}
        display: "wide"
      - pattern: [{token: ins, match: {op: 0xf1}}]
        commit: {mode: "0"}
        display: "narrow"
      - pattern: [{token: ins, match: {opc: 2}}, {token: imm}]
        display: "ldi {imm16}"
        semantics: ["acc = COPY imm16"]
      - pattern: [{token: ins, match: {opc: 3}}, {token: imm}]
        operands:
          - {name: dest, expr: "inst_next + simm16", space: ram}
        display: "jmp {dest}"
        semantics: ["BRANCH dest"]
      - pattern: [{token: ins, match: {op: 0x40}}]
        display: "trap"
        semantics: ["CALLOTHER trap"]
      - pattern: [{token: ins, match: {opc: 5}}]
        display: "st {rd}"
        semantics: ["*[ram]:1 acc = COPY rd"]
      - pattern: [{token: ins, match: {opc: 6}, tables: [src]}]
        display: "use {src}"
        semantics: ["@setacc(src)"]
  - name: src
    constructors:
      - pattern: [{token: ins, match: {low: 0}}]
        display: "zero"
        export: "#0:1"
      - pattern: [{token: ins}]
        display: "{rs}"
        export: "rs"
`

func loadToy(t *testing.T) *Spec {
	t.Helper()
	s, err := Load([]byte(toyHeader+toyTables), "toy.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestLoadToy(t *testing.T) {
	s := loadToy(t)
	if !s.BigEndian || s.MaxLength != defaultMaxLength || s.UniqueBase != defaultUniqueBase {
		t.Errorf("header: big=%v max=%d unique=%#x", s.BigEndian, s.MaxLength, s.UniqueBase)
	}
	if got := s.Spaces[s.UniqueSpace].Name; got != "unique" {
		t.Errorf("implicit unique space = %q", got)
	}
	if s.Tables[s.Root].Name != "instruction" {
		t.Errorf("root table = %s", s.Tables[s.Root].Name)
	}
	acc, ok := s.Register("acc")
	if !ok || acc.Offset != 0x10 || acc.Size != 2 {
		t.Errorf("Register(acc) = %v, %v", acc, ok)
	}
	if name, ok := s.RegisterName(acc); !ok || name != "acc" {
		t.Errorf("RegisterName = %q, %v", name, ok)
	}
	if got := s.Attaches[0].Registers; !cmp.Equal(got, []int{0, 1, 2, -1}) {
		t.Errorf("attach = %v", got)
	}
	src, _ := s.TableByName("src")
	use := &s.Constructors[s.Tables[s.Root].Constructors[8]]
	if use.Mnemonic() != "use" || use.Operands[0].Kind != OperandTable || use.Operands[0].Table != src {
		t.Errorf("use constructor = %+v", use.Operands)
	}
	// the macro expands to a single statement using the subtable export
	if len(use.Semantics) != 1 || use.Semantics[0].Opcode != pcode.IntZext || use.Semantics[0].Text != "acc = INT_ZEXT src" {
		t.Errorf("use semantics = %+v", use.Semantics)
	}
}

func TestBigEndianToken(t *testing.T) {
	s := loadToy(t)
	tok := &s.Tokens[1]
	if got := tok.ReadToken([]byte{0x12, 0x34}); got != 0x1234 {
		t.Errorf("ReadToken = %#x", got)
	}
	f := &s.Fields[s.index.fields["simm16"]]
	if got := f.Int(0xfffe); got != -2 {
		t.Errorf("simm16 = %d", got)
	}
	m, v := s.byteMasks(s.index.fields["opc"], 3)
	if !cmp.Equal(m, []byte{0xf0}) || !cmp.Equal(v, []byte{0x30}) {
		t.Errorf("byteMasks = %x %x", m, v)
	}
}

func TestContext(t *testing.T) {
	s := loadToy(t)
	c := s.DefaultContext()
	if c.Bits != 0 {
		t.Errorf("default context = %#x", c.Bits)
	}
	c, err := s.SetContext(c, "mode", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.FormatContext(c); got != "mode=1" {
		t.Errorf("FormatContext = %q", got)
	}
	if _, err := s.SetContext(c, "nope", 1); err == nil {
		t.Error("SetContext accepted an unknown field")
	}
}

func TestLoadErrors(t *testing.T) {
	table := func(ctors string) string {
		return toyHeader + "\ntables:\n  - name: instruction\n    constructors:\n" + ctors
	}
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown document key",
			src:  toyHeader + "bogus: 1\n" + toyTables,
			want: "bogus",
		},
		{
			name: "field from another token",
			src:  table("      - pattern: [{token: ins, match: {imm16: 1}}]\n        display: x\n"),
			want: "field imm16 is not part of token ins",
		},
		{
			name: "value too wide",
			src:  table("      - pattern: [{token: ins, match: {opc: 0x10}}]\n        display: x\n"),
			want: "does not fit field opc",
		},
		{
			name: "ambiguous",
			src: table("      - pattern: [{token: ins, match: {opc: 7}}]\n        display: a\n" +
				"      - pattern: [{token: ins, match: {low: 1}}]\n        display: b\n"),
			want: "ambiguous pattern",
		},
		{
			name: "identical patterns",
			src: table("      - pattern: [{token: ins, match: {opc: 7}}]\n        display: a\n" +
				"      - pattern: [{token: ins, match: {opc: 7}}]\n        display: b\n"),
			want: "ambiguous pattern",
		},
		{
			name: "recursion without input",
			src:  table("      - pattern: [{table: instruction, as: again}]\n        display: \"{again}\"\n"),
			want: "recurses without consuming input",
		},
		{
			name: "unknown macro",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"@nope(1)\"]\n"),
			want: `unknown macro "nope"`,
		},
		{
			name: "macro arity",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"@setacc()\"]\n"),
			want: "takes 1 arguments, got 0",
		},
		{
			name: "unknown name",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"r9 = COPY r0\"]\n"),
			want: `unknown name "r9"`,
		},
		{
			name: "unknown opcode",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"r0 = FROB r1\"]\n"),
			want: `unknown p-code operation "FROB"`,
		},
		{
			name: "wrong arity",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"r0 = INT_ADD r1\"]\n"),
			want: "INT_ADD takes 2 inputs",
		},
		{
			name: "register size",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"acc:4 = COPY r0\"]\n"),
			want: "register acc is 2 bytes, not 4",
		},
		{
			name: "unsized temporary",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"$t = COPY rd\"]\n"),
			want: "temporary $t never given a size",
		},
		{
			name: "display operand",
			src:  table("      - pattern: [{token: ins}]\n        display: \"x {nope}\"\n"),
			want: `unknown operand "nope"`,
		},
		{
			name: "assign to constant",
			src:  table("      - pattern: [{token: ins}]\n        display: x\n        semantics: [\"#1 = COPY r0\"]\n"),
			want: "cannot assign",
		},
		{
			name: "missing export",
			src: toyHeader + `
tables:
  - name: instruction
    constructors:
      - pattern: [{token: ins, tables: [sub]}]
        display: "{sub}"
        semantics: ["r0 = COPY sub"]
  - name: sub
    constructors:
      - pattern: [{token: ins}]
        display: "s"
`,
			want: "exports nothing",
		},
		{
			name: "empty table",
			src:  toyHeader + "\ntables:\n  - name: instruction\n    constructors: []\n",
			want: "table instruction has no constructors",
		},
		{
			name: "no code space",
			src:  "name: x\nspaces: []\nregisters: []\ntokens: []\ntables: []\n",
			want: "no code space declared",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.src), "toy.yaml")
			if err == nil {
				t.Fatal("Load succeeded")
			}
			var se *SpecError
			if !errors.As(err, &se) {
				t.Fatalf("error %T is not a *SpecError: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSpecErrorLocation(t *testing.T) {
	src := toyHeader + "\ntables:\n  - name: instruction\n    constructors:\n" +
		"      - pattern: [{token: ins}]\n        display: \"{nope}\"\n"
	_, err := Load([]byte(src), "toy.yaml")
	var se *SpecError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v", err)
	}
	want := "toy.yaml:" + lineOf(src, "      - pattern: [{token: ins}]")
	if se.Location != want {
		t.Errorf("Location = %q, want %q", se.Location, want)
	}
}

func lineOf(src, needle string) string {
	for i, l := range strings.Split(src, "\n") {
		if l == needle {
			return strconv.Itoa(i + 1)
		}
	}
	return "?"
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toy.yaml")
	if err := os.WriteFile(path, []byte(toyHeader+toyTables), 0o644); err != nil {
		t.Fatal(err)
	}
	cache := filepath.Join(dir, "cache")
	first, hit, err := LoadCached(path, cache)
	if err != nil || hit {
		t.Fatalf("first load: hit=%v err=%v", hit, err)
	}
	second, hit, err := LoadCached(path, cache)
	if err != nil || !hit {
		t.Fatalf("second load: hit=%v err=%v", hit, err)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(Spec{}), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("cached spec differs (-loaded +cached):\n%s", diff)
	}
	if _, ok := second.Register("acc"); !ok {
		t.Error("index not rebuilt after decode")
	}

	// a changed source must not reuse the old entry
	if err := os.WriteFile(path, []byte(strings.Replace(toyHeader+toyTables, `"trap"`, `"brk"`, 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	third, hit, err := LoadCached(path, cache)
	if err != nil || hit {
		t.Fatalf("changed source: hit=%v err=%v", hit, err)
	}
	trap := &third.Constructors[third.Tables[third.Root].Constructors[6]]
	if trap.Mnemonic() != "brk" {
		t.Errorf("mnemonic = %q", trap.Mnemonic())
	}
}
