package emulate

import (
	"hutch/internal/space"
)

// Memory is a sparse byte store for one address space.
type Memory struct {
	sp    space.Space
	bytes map[uint64]byte
}

func newMemory(sp space.Space) *Memory {
	return &Memory{sp: sp, bytes: make(map[uint64]byte)}
}

// Read returns size bytes at off; unwritten bytes read as zero.
func (m *Memory) Read(off uint64, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = m.bytes[m.sp.Wrap(off+uint64(i))]
	}
	return out
}

func (m *Memory) Write(off uint64, data []byte) {
	for i, b := range data {
		m.bytes[m.sp.Wrap(off+uint64(i))] = b
	}
}

// Value reads size bytes at off as an integer in the space's byte order.
func (m *Memory) Value(off uint64, size int) uint64 {
	return decode(m.Read(off, size), m.sp.BigEndian)
}

// SetValue stores the low size bytes of v at off.
func (m *Memory) SetValue(off uint64, size int, v uint64) {
	m.Write(off, encode(v, size, m.sp.BigEndian))
}

func decode(b []byte, big bool) uint64 {
	var v uint64
	for i := range b {
		j := i
		if !big {
			j = len(b) - 1 - i
		}
		v = v<<8 | uint64(b[j])
	}
	return v
}

func encode(v uint64, size int, big bool) []byte {
	out := make([]byte, size)
	for i := range out {
		j := i
		if big {
			j = size - 1 - i
		}
		out[j] = byte(v >> (8 * uint(i)))
	}
	return out
}

// State holds the memory of every non-constant space.
type State struct {
	spaces []*Memory // indexed like the specification's spaces; nil for const
}

func newState(spaces []space.Space) *State {
	st := &State{spaces: make([]*Memory, len(spaces))}
	for i, sp := range spaces {
		if !sp.IsConstant() {
			st.spaces[i] = newMemory(sp)
		}
	}
	return st
}

// Space returns the memory backing space index i.
func (st *State) Space(i int) *Memory {
	if i <= 0 || i >= len(st.spaces) {
		return nil
	}
	return st.spaces[i]
}

// Get reads a varnode. Constants evaluate to their offset.
func (st *State) Get(v space.Varnode) uint64 {
	if v.IsConstant() {
		return v.Offset
	}
	return st.spaces[v.Space.Index].Value(v.Offset, v.Size)
}

// Set writes a varnode, truncating x to its size.
func (st *State) Set(v space.Varnode, x uint64) {
	st.spaces[v.Space.Index].SetValue(v.Offset, v.Size, x)
}
