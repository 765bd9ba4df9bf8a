package space

import "testing"

func TestVarnodeEquality(t *testing.T) {
	ram := Space{Name: "ram", Kind: KindCode, Index: 1, WordSize: 1, AddrSize: 4}
	a := Varnode{Space: ram, Offset: 0x1000, Size: 4}
	b := Varnode{Space: ram, Offset: 0x1000, Size: 4}
	if a != b {
		t.Fatalf("structurally equal varnodes compare unequal: %v %v", a, b)
	}
	if a == Constant(0x1000, 4) {
		t.Fatal("ram varnode equals constant varnode")
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		name string
		v    uint64
		bits int
		want int64
	}{
		{"positive byte", 0x7f, 8, 127},
		{"negative byte", 0xff, 8, -1},
		{"negative rel8", 0xfe, 8, -2},
		{"negative word", 0x8000, 16, -32768},
		{"full width", 0xffffffffffffffff, 64, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SignExtend(tt.v, tt.bits); got != tt.want {
				t.Errorf("SignExtend(%#x, %d) = %d, want %d", tt.v, tt.bits, got, tt.want)
			}
		})
	}
}

func TestOverlapsAndContains(t *testing.T) {
	reg := Space{Name: "register", Kind: KindRegister, Index: 2, WordSize: 1, AddrSize: 4}
	eax := Varnode{Space: reg, Offset: 0, Size: 4}
	ax := Varnode{Space: reg, Offset: 0, Size: 2}
	ecx := Varnode{Space: reg, Offset: 4, Size: 4}
	if !eax.Contains(ax) {
		t.Error("eax should contain ax")
	}
	if eax.Overlaps(ecx) {
		t.Error("eax should not overlap ecx")
	}
}

func TestAddressWraps(t *testing.T) {
	ram := Space{Name: "ram", Kind: KindCode, Index: 1, WordSize: 1, AddrSize: 4}
	a := Address{Space: ram, Offset: 0xffffffff}
	if got := a.Add(2).Offset; got != 1 {
		t.Errorf("wrapped offset = %#x, want 0x1", got)
	}
	if got := a.String(); got != "ram:0xffffffff" {
		t.Errorf("String() = %q", got)
	}
}
