package emulate

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hutch/internal/pcode"
	"hutch/internal/processors"
)

func registers(t *testing.T, e *Emulator, names ...string) map[string]uint64 {
	t.Helper()
	out := make(map[string]uint64, len(names))
	for _, n := range names {
		v, err := e.Register(n)
		if err != nil {
			t.Fatal(err)
		}
		out[n] = v
	}
	return out
}

func TestI8085Program(t *testing.T) {
	e := New(processors.MustLoad("8085"))
	e.Load(0, []byte{0xc3, 0x03, 0x00, 0x00, 0x3e, 0x42, 0x4f, 0x3e, 0x19, 0x47, 0x76})
	if err := e.Run(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	want := map[string]uint64{"a": 0x19, "b": 0x19, "c": 0x42, "bc": 0x1942}
	if diff := cmp.Diff(want, registers(t, e, "a", "b", "c", "bc")); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
	if !e.Halted() || e.PC() != 0x0a || e.Steps() != 7 {
		t.Errorf("halted=%v pc=%#x steps=%d", e.Halted(), e.PC(), e.Steps())
	}
}

var loop = []byte{
	0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
	0xb9, 0x03, 0x00, 0x00, 0x00, // mov ecx, 3
	0x01, 0xc8,                   // add eax, ecx
	0x83, 0xe9, 0x01,             // sub ecx, 1
	0x75, 0xf9,                   // jnz 10
	0xf4,                         // hlt
}

func TestX86Loop(t *testing.T) {
	e := New(processors.MustLoad("x86"))
	e.Load(0, loop)
	hits := 0
	e.OnAddress(10, func(*Emulator) bool {
		hits++
		return false
	})
	if err := e.Run(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	want := map[string]uint64{"eax": 11, "ecx": 0, "zf": 1, "cf": 0}
	if diff := cmp.Diff(want, registers(t, e, "eax", "ecx", "zf", "cf")); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
	if hits != 3 || e.Steps() != 12 || e.PC() != 17 {
		t.Errorf("hits=%d steps=%d pc=%d", hits, e.Steps(), e.PC())
	}
}

func TestX86CallReturn(t *testing.T) {
	e := New(processors.MustLoad("x86"))
	e.Load(0, []byte{
		0xbc, 0x00, 0x01, 0x00, 0x00, // mov esp, 0x100
		0xe8, 0x01, 0x00, 0x00, 0x00, // call 11
		0xf4,                         // hlt
		0xb8, 0x2a, 0x00, 0x00, 0x00, // mov eax, 42
		0xc3,                         // ret
	})
	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	want := map[string]uint64{"eax": 42, "esp": 0x100}
	if diff := cmp.Diff(want, registers(t, e, "eax", "esp")); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
	if e.PC() != 10 {
		t.Errorf("pc = %d, want 10", e.PC())
	}
	ram := e.State().Space(e.spec.DefaultSpace)
	if got := ram.Value(0xfc, 4); got != 10 {
		t.Errorf("return address = %d, want 10", got)
	}
}

func TestX86OperandSizePrefix(t *testing.T) {
	e := New(processors.MustLoad("x86"))
	e.Load(0, []byte{
		0xbc, 0x00, 0x01, 0x00, 0x00, // mov esp, 0x100
		0xb8, 0x00, 0x00, 0x34, 0x12, // mov eax, 0x12340000
		0x66, 0xe8, 0x01, 0x00,       // call 15
		0xf4,                         // hlt
		0x66, 0xb8, 0x2a, 0x00,       // mov ax, 42
		0x66, 0x05, 0xd6, 0xff,       // add ax, 0xffd6
		0x66, 0xc3,                   // ret
	})
	if err := e.Run(context.Background(), 20); err != nil {
		t.Fatal(err)
	}
	// the 16-bit add carries out of ax without touching the high half
	want := map[string]uint64{"eax": 0x12340000, "ax": 0, "cf": 1, "zf": 1, "esp": 0x100}
	if diff := cmp.Diff(want, registers(t, e, "eax", "ax", "cf", "zf", "esp")); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
	ram := e.State().Space(e.spec.DefaultSpace)
	if got := ram.Value(0xfe, 2); got != 14 {
		t.Errorf("return address = %d, want 14", got)
	}
	if !e.Halted() || e.PC() != 14 || e.Steps() != 7 {
		t.Errorf("halted=%v pc=%d steps=%d", e.Halted(), e.PC(), e.Steps())
	}
}

func TestBreakpointHalts(t *testing.T) {
	e := New(processors.MustLoad("x86"))
	e.Load(0, loop)
	e.OnAddress(17, func(*Emulator) bool { return true })
	if err := e.Run(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if !e.Halted() || e.PC() != 17 || e.Steps() != 11 {
		t.Errorf("halted=%v pc=%d steps=%d", e.Halted(), e.PC(), e.Steps())
	}
}

func TestUserOps(t *testing.T) {
	e := New(processors.MustLoad("x86"))
	e.Load(0, []byte{0xcd, 0x80, 0xf4})
	err := e.Run(context.Background(), 10)
	if !errors.Is(err, ErrUnknownUserOp) {
		t.Fatalf("err = %v, want ErrUnknownUserOp", err)
	}
	var f *Fault
	if !errors.As(err, &f) || f.PC != 0 {
		t.Errorf("fault = %v", err)
	}

	e = New(processors.MustLoad("x86"))
	e.Load(0, []byte{0xcd, 0x80, 0xf4})
	var vectors []uint64
	if err := e.HandleUserOp("swi", func(_ *Emulator, op pcode.Op) error {
		vectors = append(vectors, op.Inputs[1].Offset)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.HandleUserOp("syscall", nil); err == nil {
		t.Error("installed handler for undeclared operation")
	}
	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{0x80}, vectors); diff != "" {
		t.Errorf("vectors (-want +got):\n%s", diff)
	}
}

func TestLimits(t *testing.T) {
	e := New(processors.MustLoad("x86"))
	e.Load(0, []byte{0xeb, 0xfe}) // jmp .
	if err := e.Run(context.Background(), 50); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("err = %v, want ErrStepLimit", err)
	}
	if e.Steps() != 50 || e.PC() != 0 {
		t.Errorf("steps=%d pc=%d", e.Steps(), e.PC())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMemoryByteOrder(t *testing.T) {
	s := processors.MustLoad("x86")
	st := newState(s.Spaces)
	ram := st.Space(s.DefaultSpace)
	ram.SetValue(0x10, 4, 0x11223344)
	if diff := cmp.Diff([]byte{0x44, 0x33, 0x22, 0x11}, ram.Read(0x10, 4)); diff != "" {
		t.Errorf("little endian layout (-want +got):\n%s", diff)
	}
	if got := ram.Value(0x11, 2); got != 0x2233 {
		t.Errorf("Value = %#x, want 0x2233", got)
	}
	big := newMemory(s.Spaces[s.DefaultSpace])
	big.sp.BigEndian = true
	big.SetValue(0, 2, 0xabcd)
	if diff := cmp.Diff([]byte{0xab, 0xcd}, big.Read(0, 2)); diff != "" {
		t.Errorf("big endian layout (-want +got):\n%s", diff)
	}
}
