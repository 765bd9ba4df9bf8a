// Package elfx opens ELF binaries, maps virtual addresses to file offsets
// and lists the functions worth decoding.
package elfx

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"

	"github.com/ianlancetaylor/demangle"
)

type Image struct {
	Path    string
	File    *elf.File
	All     []byte
	Loads   []Seg
	Text    Section
	Machine elf.Machine
	Entry   uint64
	Funcs   []Func // sorted by address

	mapped bool
	f      *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Func is a function symbol with the extent the image gives it.
type Func struct {
	Name      string
	Demangled string
	Addr      uint64
	Size      uint64
	Dynamic   bool
}

// Display returns the demangled name when there is one.
func (fn Func) Display() string {
	if fn.Demangled != "" {
		return fn.Demangled
	}
	return fn.Name
}

// Open maps the file at path read-only and parses it.
func Open(path string) (*Image, error) {
	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	fi, err := of.Stat()
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.Size() == 0 {
		of.Close()
		return nil, fmt.Errorf("open elf: %s is empty", path)
	}
	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}
	im, err := parse(path, all)
	if err != nil {
		syscall.Munmap(all)
		of.Close()
		return nil, err
	}
	im.mapped, im.f = true, of
	return im, nil
}

// Parse reads an image that is already in memory.
func Parse(name string, data []byte) (*Image, error) {
	return parse(name, data)
}

func parse(path string, all []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(all))
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	im := &Image{Path: path, File: f, All: all, Machine: f.Machine, Entry: f.Entry}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}
	if s := f.Section(".text"); s != nil {
		im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
	} else {
		// stripped of section headers: the first executable segment
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}
	im.loadFunctions()
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.mapped && im.All != nil {
		err1 = syscall.Munmap(im.All)
	}
	im.All = nil
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Processor names the bundled processor description that decodes this
// image's machine.
func (im *Image) Processor() (string, error) {
	switch im.Machine {
	case elf.EM_386:
		return "x86", nil
	}
	return "", fmt.Errorf("no processor for machine %s", im.Machine)
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// Bytes returns the code of fn, clipped to the segment that holds it.
func (im *Image) Bytes(fn Func) ([]byte, bool) {
	for _, l := range im.Loads {
		if fn.Addr >= l.Vaddr && fn.Addr < l.Vaddr+l.Filesz {
			size := min(fn.Size, l.Vaddr+l.Filesz-fn.Addr)
			return im.SliceVA(fn.Addr, size)
		}
	}
	return nil, false
}

// FindFunction looks a function up by symbol name or demangled name.
func (im *Image) FindFunction(name string) (Func, bool) {
	for _, fn := range im.Funcs {
		if fn.Name == name || fn.Demangled == name {
			return fn, true
		}
	}
	return Func{}, false
}

// FunctionAt returns the function whose extent holds va.
func (im *Image) FunctionAt(va uint64) (Func, bool) {
	i, found := slices.BinarySearchFunc(im.Funcs, va, func(fn Func, va uint64) int {
		switch {
		case fn.Addr < va:
			return -1
		case fn.Addr > va:
			return 1
		}
		return 0
	})
	if found {
		return im.Funcs[i], true
	}
	if i > 0 {
		if fn := im.Funcs[i-1]; va < fn.Addr+fn.Size {
			return fn, true
		}
	}
	return Func{}, false
}

// loadFunctions collects STT_FUNC symbols from .symtab and .dynsym. When
// both name the same address the static symbol wins. Symbols without a
// size run to the next function or the end of their segment.
func (im *Image) loadFunctions() {
	byAddr := make(map[uint64]Func)
	add := func(syms []elf.Symbol, dynamic bool) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			if strings.HasSuffix(sym.Name, "@plt") {
				continue
			}
			if _, ok := byAddr[sym.Value]; ok {
				continue
			}
			fn := Func{Name: sym.Name, Addr: sym.Value, Size: sym.Size, Dynamic: dynamic}
			if d := demangle.Filter(sym.Name, demangle.NoClones); d != sym.Name {
				fn.Demangled = d
			}
			byAddr[sym.Value] = fn
		}
	}
	if syms, err := im.File.Symbols(); err == nil {
		add(syms, false)
	}
	if syms, err := im.File.DynamicSymbols(); err == nil {
		add(syms, true)
	}

	im.Funcs = im.Funcs[:0]
	for _, fn := range byAddr {
		im.Funcs = append(im.Funcs, fn)
	}
	slices.SortFunc(im.Funcs, func(a, b Func) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	for i := range im.Funcs {
		fn := &im.Funcs[i]
		if fn.Size != 0 {
			continue
		}
		end := im.segmentEnd(fn.Addr)
		if i+1 < len(im.Funcs) {
			end = min(end, im.Funcs[i+1].Addr)
		}
		if end > fn.Addr {
			fn.Size = end - fn.Addr
		}
	}
}

func (im *Image) segmentEnd(va uint64) uint64 {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Vaddr + l.Filesz
		}
	}
	return va
}
