// Package space defines the address spaces and varnodes every other
// part of the decoder is expressed in.
package space

import (
	"fmt"
	"strings"
)

// Kind classifies an address space.
type Kind int

const (
	KindConstant Kind = iota
	KindCode
	KindRegister
	KindUnique
	KindInternal
)

var kindNames = [...]string{"constant", "code", "register", "unique", "internal"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a document kind name to a Kind. "ram" is accepted as
// an alias for code.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(s) {
	case "code", "ram", "processor":
		return KindCode, true
	case "register":
		return KindRegister, true
	case "unique", "temporary":
		return KindUnique, true
	case "internal", "other":
		return KindInternal, true
	case "constant", "const":
		return KindConstant, true
	}
	return 0, false
}

// Space is a named linear address space. It is a plain value so that
// varnodes compare structurally with ==.
type Space struct {
	Name      string
	Kind      Kind
	Index     int  // position in the owning specification, 0 is always the constant space
	WordSize  int  // bytes per addressable unit
	AddrSize  int  // bytes in an offset
	BigEndian bool
}

// Const is the implicit constant space shared by every specification.
var Const = Space{Name: "const", Kind: KindConstant, Index: 0, WordSize: 1, AddrSize: 8}

// IsConstant reports whether s is the constant space.
func (s Space) IsConstant() bool { return s.Kind == KindConstant }

// Mask returns the offset mask implied by AddrSize.
func (s Space) Mask() uint64 {
	if s.AddrSize <= 0 || s.AddrSize >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(s.AddrSize))) - 1
}

// Wrap reduces off into the space's offset range.
func (s Space) Wrap(off uint64) uint64 { return off & s.Mask() }

// FormatOffset prints an offset the way p-code listings show it.
func (s Space) FormatOffset(off uint64) string {
	return fmt.Sprintf("0x%x", off)
}

// Varnode is a (space, offset, size) triple naming a storage location
// or, in the constant space, an immediate value.
type Varnode struct {
	Space  Space
	Offset uint64
	Size   int
}

// Constant builds a constant-space varnode holding v truncated to size bytes.
func Constant(v uint64, size int) Varnode {
	return Varnode{Space: Const, Offset: Truncate(v, size), Size: size}
}

// IsConstant reports whether v lives in the constant space.
func (v Varnode) IsConstant() bool { return v.Space.IsConstant() }

// Contains reports whether o lies entirely within v.
func (v Varnode) Contains(o Varnode) bool {
	if v.Space != o.Space {
		return false
	}
	return o.Offset >= v.Offset && o.Offset+uint64(o.Size) <= v.Offset+uint64(v.Size)
}

// Overlaps reports whether the byte ranges of v and o intersect.
func (v Varnode) Overlaps(o Varnode) bool {
	if v.Space != o.Space {
		return false
	}
	return o.Offset < v.Offset+uint64(v.Size) && v.Offset < o.Offset+uint64(o.Size)
}

func (v Varnode) String() string {
	return fmt.Sprintf("(%s,%s,%d)", v.Space.Name, v.Space.FormatOffset(v.Offset), v.Size)
}

// Address is a location within a non-constant space.
type Address struct {
	Space  Space
	Offset uint64
}

// Add returns the address n units further along, wrapped to the space.
func (a Address) Add(n uint64) Address {
	return Address{Space: a.Space, Offset: a.Space.Wrap(a.Offset + n)}
}

// Varnode returns the varnode of the given size located at a.
func (a Address) Varnode(size int) Varnode {
	return Varnode{Space: a.Space, Offset: a.Offset, Size: size}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:0x%0*x", a.Space.Name, 2*max(a.Space.AddrSize, 1), a.Offset)
}

// Truncate keeps the low size bytes of v.
func Truncate(v uint64, size int) uint64 {
	if size <= 0 || size >= 8 {
		return v
	}
	return v & ((uint64(1) << (8 * uint(size))) - 1)
}

// SignExtend interprets the low bits of v as a signed value of the given width.
func SignExtend(v uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(v)
	}
	shift := 64 - uint(bits)
	return int64(v<<shift) >> shift
}
