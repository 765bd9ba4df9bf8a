// Package elfxtest builds small ELF images for tests.
package elfxtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Sym is a symbol to place in .symtab.
type Sym struct {
	Name  string
	Value uint64
	Size  uint64
	Type  elf.SymType
}

// Func is shorthand for a global function symbol.
func Func(name string, addr, size uint64) Sym {
	return Sym{Name: name, Value: addr, Size: size, Type: elf.STT_FUNC}
}

const (
	ehsize    = 52
	phentsize = 32
	shentsize = 40
	symsize   = 16
)

// I386 returns a 32-bit little-endian executable whose single loadable
// segment holds code at base, with one .symtab entry per sym.
func I386(base uint64, code []byte, syms ...Sym) []byte {
	le := binary.LittleEndian
	textOff := uint32(ehsize + phentsize)

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	symtab := make([]byte, symsize) // index 0 is the null symbol
	for _, s := range syms {
		name := uint32(strtab.Len())
		strtab.WriteString(s.Name)
		strtab.WriteByte(0)
		ent := make([]byte, symsize)
		le.PutUint32(ent[0:], name)
		le.PutUint32(ent[4:], uint32(s.Value))
		le.PutUint32(ent[8:], uint32(s.Size))
		ent[12] = byte(elf.STB_GLOBAL)<<4 | byte(s.Type)
		le.PutUint16(ent[14:], 1) // .text
		symtab = append(symtab, ent...)
	}
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	names := map[string]uint32{".text": 1, ".symtab": 7, ".strtab": 15, ".shstrtab": 23}

	align := func(n uint32) uint32 { return (n + 3) &^ 3 }
	symOff := align(textOff + uint32(len(code)))
	strOff := symOff + uint32(len(symtab))
	shstrOff := strOff + uint32(strtab.Len())
	shOff := align(shstrOff + uint32(len(shstrtab)))

	out := make([]byte, shOff+5*shentsize)
	copy(out, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(elf.EM_386))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint32(out[24:], uint32(base))
	le.PutUint32(out[28:], ehsize)
	le.PutUint32(out[32:], shOff)
	le.PutUint16(out[40:], ehsize)
	le.PutUint16(out[42:], phentsize)
	le.PutUint16(out[44:], 1)
	le.PutUint16(out[46:], shentsize)
	le.PutUint16(out[48:], 5)
	le.PutUint16(out[50:], 4)

	ph := out[ehsize:]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], textOff)
	le.PutUint32(ph[8:], uint32(base))
	le.PutUint32(ph[12:], uint32(base))
	le.PutUint32(ph[16:], uint32(len(code)))
	le.PutUint32(ph[20:], uint32(len(code)))
	le.PutUint32(ph[24:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint32(ph[28:], 0x1000)

	copy(out[textOff:], code)
	copy(out[symOff:], symtab)
	copy(out[strOff:], strtab.Bytes())
	copy(out[shstrOff:], shstrtab)

	section := func(i int, name string, typ elf.SectionType, flags elf.SectionFlag, addr, off, size, link, info, align, entsize uint32) {
		sh := out[shOff+uint32(i)*shentsize:]
		le.PutUint32(sh[0:], names[name])
		le.PutUint32(sh[4:], uint32(typ))
		le.PutUint32(sh[8:], uint32(flags))
		le.PutUint32(sh[12:], addr)
		le.PutUint32(sh[16:], off)
		le.PutUint32(sh[20:], size)
		le.PutUint32(sh[24:], link)
		le.PutUint32(sh[28:], info)
		le.PutUint32(sh[32:], align)
		le.PutUint32(sh[36:], entsize)
	}
	section(1, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, uint32(base), textOff, uint32(len(code)), 0, 0, 16, 0)
	section(2, ".symtab", elf.SHT_SYMTAB, 0, 0, symOff, uint32(len(symtab)), 3, 1, 4, symsize)
	section(3, ".strtab", elf.SHT_STRTAB, 0, 0, strOff, uint32(strtab.Len()), 0, 0, 1, 0)
	section(4, ".shstrtab", elf.SHT_STRTAB, 0, 0, shstrOff, uint32(len(shstrtab)), 0, 0, 1, 0)
	return out
}
