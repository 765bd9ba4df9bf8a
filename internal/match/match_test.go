package match

import (
	"errors"
	"testing"

	"hutch/internal/processors"
)

func TestMatchTree(t *testing.T) {
	s := processors.MustLoad("x86")
	// mov eax, dword ptr [esp + 0x4]
	res, err := Match(s, []byte{0x8b, 0x44, 0x24, 0x04, 0xcc}, s.DefaultContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Length != 4 || res.Root.Constructor.Mnemonic() != "mov" {
		t.Fatalf("length=%d mnemonic=%q", res.Length, res.Root.Constructor.Mnemonic())
	}
	var tables []string
	res.Root.Walk(func(n *Node) {
		tables = append(tables, s.Tables[n.Constructor.Table].Name)
		if n.Offset+n.Length > res.Length {
			t.Errorf("%s extends past the instruction", s.Describe(n.Constructor))
		}
	})
	want := []string{"instruction", "rm32", "addr32", "sib"}
	if len(tables) != len(want) {
		t.Fatalf("tables = %v, want %v", tables, want)
	}
	for i := range want {
		if tables[i] != want[i] {
			t.Errorf("tables = %v, want %v", tables, want)
			break
		}
	}
}

func TestMatchErrors(t *testing.T) {
	s := processors.MustLoad("x86")
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"undefined opcode", []byte{0xd6}, ErrNoMatch},
		{"truncated immediate", []byte{0xb8, 0x78, 0x56}, ErrInsufficientBytes},
		{"truncated escape", []byte{0x0f}, ErrInsufficientBytes},
		{"truncated modrm", []byte{0x8b}, ErrInsufficientBytes},
		{"truncated displacement", []byte{0x8b, 0x45}, ErrInsufficientBytes},
		{"empty", nil, ErrInsufficientBytes},
		{"wrong escape", []byte{0x0f, 0xff}, ErrNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Match(s, tt.code, s.DefaultContext())
			if !errors.Is(err, tt.want) {
				t.Errorf("Match(% x) = %v, want %v", tt.code, err, tt.want)
			}
		})
	}
}

func TestMatchContext(t *testing.T) {
	s := processors.MustLoad("x86")
	code := []byte{0x89, 0xe5}
	for _, tc := range []struct {
		opsize uint64
		want   string
	}{
		{1, "rm32"},
		{0, "rm16"},
	} {
		ctx, err := s.SetContext(s.DefaultContext(), "opsize", tc.opsize)
		if err != nil {
			t.Fatal(err)
		}
		res, err := Match(s, code, ctx)
		if err != nil {
			t.Fatal(err)
		}
		op := res.Root.Constructor.Operands[0]
		if got := s.Tables[op.Table].Name; got != tc.want {
			t.Errorf("opsize=%d matched %s, want %s", tc.opsize, got, tc.want)
		}
		if res.Root.Context != ctx {
			t.Errorf("opsize=%d: node context %#x, want %#x", tc.opsize, res.Root.Context.Bits, ctx.Bits)
		}
	}
}

func TestLocalContext(t *testing.T) {
	s := processors.MustLoad("x86")
	res, err := Match(s, []byte{0x66, 0x89, 0xe5}, s.DefaultContext())
	if err != nil {
		t.Fatal(err)
	}
	inner := res.Root.Children[0]
	if inner == nil || inner.Offset != 1 || res.Length != 3 {
		t.Fatalf("prefix match = %+v", res.Root)
	}
	f, _ := s.ContextField("opsize")
	if got := inner.Context.Get(&s.Context[f]); got != 0 {
		t.Errorf("inner opsize = %d, want 0", got)
	}
}
