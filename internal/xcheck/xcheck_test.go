package xcheck

import (
	"math/rand/v2"
	"testing"

	"hutch/internal/processors"
	"hutch/internal/session"
)

var sample = []byte{
	0x55,                                     // push ebp
	0x89, 0xe5,                               // mov ebp, esp
	0x83, 0xec, 0x10,                         // sub esp, 0x10
	0x8b, 0x45, 0x08,                         // mov eax, [ebp+8]
	0x8d, 0x04, 0x8d, 0x00, 0x10, 0x00, 0x00, // lea eax, [ecx*4+0x1000]
	0x66, 0xb8, 0x34, 0x12,                   // mov ax, 0x1234
	0x0f, 0x84, 0x00, 0x01, 0x00, 0x00,       // jz
	0xc7, 0x45, 0xf8, 0x01, 0x00, 0x00, 0x00, // mov dword [ebp-8], 1
	0x0f, 0xb6, 0xc1,                         // movzx eax, cl
	0xc9,                                     // leave
	0xc3,                                     // ret
}

func TestX86AgreesWithReference(t *testing.T) {
	s := session.New(processors.MustLoad("x86"), session.DefaultOptions())
	res, err := s.Decode(sample, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Consumed != len(sample) {
		t.Fatalf("consumed %d of %d bytes", res.Consumed, len(sample))
	}
	for _, m := range X86(res, sample, 32) {
		t.Errorf("length mismatch: %s", m)
	}
}

func TestX86OperandSizePrefixAgreesWithReference(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"push imm16", []byte{0x66, 0x68, 0x34, 0x12}},
		{"push imm8", []byte{0x66, 0x6a, 0xff}},
		{"push rm", []byte{0x66, 0xff, 0xf2}},
		{"mov load", []byte{0x66, 0x8b, 0x45, 0x08}},
		{"mov store imm16", []byte{0x66, 0xc7, 0x45, 0xf8, 0x01, 0x00}},
		{"lea", []byte{0x66, 0x8d, 0x04, 0x8d, 0x00, 0x10, 0x00, 0x00}},
		{"movzx", []byte{0x66, 0x0f, 0xb6, 0xc1}},
		{"add ax imm16", []byte{0x66, 0x05, 0x6c, 0x67}},
		{"or ax imm16", []byte{0x66, 0x0d, 0x00, 0x80}},
		{"and ax imm16", []byte{0x66, 0x25, 0xff, 0x00}},
		{"sub ax imm16", []byte{0x66, 0x2d, 0x01, 0x00}},
		{"xor ax imm16", []byte{0x66, 0x35, 0x01, 0x00}},
		{"cmp ax imm16", []byte{0x66, 0x3d, 0x00, 0x01}},
		{"add rm imm16", []byte{0x66, 0x81, 0xc4, 0x00, 0x01}},
		{"cmp mem imm16", []byte{0x66, 0x81, 0x7d, 0xfc, 0x10, 0x00}},
		{"sub rm imm8", []byte{0x66, 0x83, 0xec, 0x08}},
		{"add rm reg", []byte{0x66, 0x01, 0xdd}},
		{"xor reg rm", []byte{0x66, 0x33, 0xc0}},
		{"test", []byte{0x66, 0x85, 0xc0}},
		{"shl", []byte{0x66, 0xc1, 0xe0, 0x02}},
		{"inc", []byte{0x66, 0x40}},
		{"dec", []byte{0x66, 0x4f}},
		{"call rel16", []byte{0x66, 0xe8, 0x00, 0x00}},
		{"jmp rel16", []byte{0x66, 0xe9, 0xad, 0x43}},
		{"jz rel16", []byte{0x66, 0x0f, 0x84, 0x00, 0x01}},
		{"call rm", []byte{0x66, 0xff, 0xd0}},
		{"ret imm16", []byte{0x66, 0xc2, 0x08, 0x00}},
		{"double prefix", []byte{0x66, 0x66, 0x05, 0x01, 0x00}},
	}
	spec := processors.MustLoad("x86")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session.New(spec, session.DefaultOptions())
			res, err := s.Decode(tt.code, 0x1000)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Instructions) != 1 || res.Consumed != len(tt.code) {
				t.Fatalf("decoded %d instructions over %d of %d bytes", len(res.Instructions), res.Consumed, len(tt.code))
			}
			for _, m := range X86(res, tt.code, 32) {
				t.Errorf("length mismatch: %s", m)
			}
		})
	}
}

// Random windows, half of them behind an operand-size prefix, must decode
// to the reference length whenever they decode at all.
func TestX86RandomWindowsAgreeWithReference(t *testing.T) {
	spec := processors.MustLoad("x86")
	opts := session.DefaultOptions()
	opts.MaxInstructions = 1
	rng := rand.New(rand.NewPCG(0x1000, 0x66))
	buf := make([]byte, 15)
	decoded := 0
	for i := 0; i < 20000; i++ {
		for j := range buf {
			buf[j] = byte(rng.Uint32())
		}
		if i%2 == 0 {
			buf[0] = 0x66
		}
		res, err := session.New(spec, opts).Decode(buf, 0x1000)
		if err != nil || len(res.Instructions) == 0 {
			continue
		}
		decoded++
		for _, m := range X86(res, buf, 32) {
			t.Fatalf("% x: %s", buf, m)
		}
	}
	if decoded == 0 {
		t.Fatal("no window decoded")
	}
}

func TestX86ReportsMismatch(t *testing.T) {
	res := &session.Result{Instructions: []session.Instruction{{Offset: 0, Length: 2, Text: "push ebp"}}}
	got := X86(res, []byte{0x55}, 32)
	if len(got) != 1 || got[0].RefLength != 1 {
		t.Fatalf("X86 = %v", got)
	}
}

func TestMnemonic(t *testing.T) {
	tests := []struct {
		code []byte
		want string
		n    int
	}{
		{[]byte{0x55}, "push", 1},
		{[]byte{0xb8, 0x78, 0x56, 0x34, 0x12}, "mov", 5},
		{[]byte{0xc3}, "ret", 1},
	}
	for _, tt := range tests {
		got, n, err := Mnemonic(tt.code, 32)
		if err != nil || got != tt.want || n != tt.n {
			t.Errorf("Mnemonic(% x) = %q, %d, %v; want %q, %d", tt.code, got, n, err, tt.want, tt.n)
		}
	}
}
